package schema

// Trace event kinds. Every observable coordinator operation appends exactly
// one event of one of these kinds to the run's trace.
const (
	TraceContextInitialize = "context.initialize"
	TraceContextValidate   = "context.validate"
	TraceContextRead       = "context.read"
	TraceContextSetField   = "context.set_field"
	TraceContextSnapshot   = "context.snapshot"

	TraceRoutingStart      = "routing.start"
	TraceRoutingEvaluation = "routing.evaluation"
	TraceRoutingComplete   = "routing.complete"

	TraceTokenCreate           = "tokens.create"
	TraceTokenStatusTransition = "tokens.status_transition"

	TraceCompletionStart    = "completion.start"
	TraceCompletionComplete = "completion.complete"

	TraceBarrierArrival = "barrier.arrival"
	TraceBarrierOpen    = "barrier.open"
	TraceBarrierFailed  = "barrier.failed"
	TraceMergeApplied   = "merge.applied"

	TraceRunStart            = "run.start"
	TraceRunComplete         = "run.complete"
	TraceSubworkflowStart    = "subworkflow.start"
	TraceSubworkflowComplete = "subworkflow.complete"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	}
	return false
}

// TokenStatus represents the lifecycle state of an execution token.
// Statuses are monotonic: once terminal, a token is never reopened.
type TokenStatus string

const (
	TokenStatusPending               TokenStatus = "pending"
	TokenStatusDispatched            TokenStatus = "dispatched"
	TokenStatusExecuting             TokenStatus = "executing"
	TokenStatusWaitingForSubworkflow TokenStatus = "waiting_for_subworkflow"
	TokenStatusCompleted             TokenStatus = "completed"
	TokenStatusFailed                TokenStatus = "failed"
	TokenStatusCancelled             TokenStatus = "cancelled"
	TokenStatusTimedOut              TokenStatus = "timed_out"
)

// Terminal reports whether the token status is final.
func (s TokenStatus) Terminal() bool {
	switch s {
	case TokenStatusCompleted, TokenStatusFailed, TokenStatusCancelled, TokenStatusTimedOut:
		return true
	}
	return false
}
