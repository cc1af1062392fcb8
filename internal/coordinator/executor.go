package coordinator

import "context"

// TaskRequest is everything an executor needs to run one task occurrence.
type TaskRequest struct {
	RunID       string         `json:"run_id"`
	TokenID     string         `json:"token_id"`
	NodeRef     string         `json:"node_ref"`
	PathID      string         `json:"path_id"`
	BranchIndex int            `json:"branch_index,omitempty"`
	TaskID      string         `json:"task_id"`
	TaskVersion string         `json:"task_version,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// TaskExecutor hands task occurrences to whatever actually runs them.
// Dispatch must not block; results come back through ResultHandler.
type TaskExecutor interface {
	Dispatch(ctx context.Context, req TaskRequest) error
}

// ResultHandler receives task results. Implemented by the Coordinator.
type ResultHandler interface {
	HandleTaskResult(ctx context.Context, runID, tokenID string, output map[string]any, taskErr error)
}

// InlineExecutor runs tasks in-process with a handler function, feeding
// results straight back to the coordinator. Used by the CLI echo mode and
// by tests.
type InlineExecutor struct {
	handler func(ctx context.Context, req TaskRequest) (map[string]any, error)
	results ResultHandler
}

// NewInlineExecutor creates an executor that runs the handler per task.
func NewInlineExecutor(handler func(ctx context.Context, req TaskRequest) (map[string]any, error)) *InlineExecutor {
	return &InlineExecutor{handler: handler}
}

// Bind connects the executor to the coordinator receiving results.
func (e *InlineExecutor) Bind(results ResultHandler) {
	e.results = results
}

// Dispatch runs the task on its own goroutine and reports the result.
func (e *InlineExecutor) Dispatch(ctx context.Context, req TaskRequest) error {
	go func() {
		output, err := e.handler(ctx, req)
		e.results.HandleTaskResult(ctx, req.RunID, req.TokenID, output, err)
	}()
	return nil
}

var _ TaskExecutor = (*InlineExecutor)(nil)
