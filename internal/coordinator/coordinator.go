// Package coordinator drives workflow runs: it owns the per-run context
// store, token manager, router and barriers, dispatches task occurrences to
// an executor, absorbs results and decides when a run is done. Nested runs
// share their root run's trace recorder.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftflow/weft/internal/barrier"
	"github.com/weftflow/weft/internal/contextstore"
	"github.com/weftflow/weft/internal/expressions"
	"github.com/weftflow/weft/internal/logging"
	"github.com/weftflow/weft/internal/router"
	"github.com/weftflow/weft/internal/streaming"
	"github.com/weftflow/weft/internal/token"
	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/internal/validation"
	"github.com/weftflow/weft/pkg/schema"
)

// run is the live state of one workflow run. All mutation happens under the
// coordinator mutex.
type run struct {
	id     string
	def    *schema.WorkflowDef
	status schema.RunStatus

	rec      *trace.Recorder
	tokens   *token.Manager
	ctxStore *contextstore.Store
	barriers *barrier.Engine
	router   *router.Router

	// taskOutputs keeps each completed token's raw output for routing
	// conditions and barrier merges.
	taskOutputs map[string]map[string]any

	output  map[string]any
	failure error

	parent   *parentLink
	children []*run

	timer *time.Timer
	done  chan struct{}
}

// parentLink points a nested run back at the invoking token.
type parentLink struct {
	run     *run
	tokenID string
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Status schema.RunStatus `json:"status"`
	Output map[string]any   `json:"output,omitempty"`
	Err    error            `json:"-"`
}

// Coordinator manages workflow definitions and their runs.
type Coordinator struct {
	mu       sync.Mutex
	defs     map[string]*schema.WorkflowDef
	runs     map[string]*run
	executor TaskExecutor

	validator *validation.SchemaValidator
	eval      *expressions.Evaluator
	hub       streaming.Hub
	appender  trace.Appender
	persister RunPersister
	logger    *slog.Logger
	strict    bool
}

// RunPersister saves run and token state. Satisfied by the libSQL store.
type RunPersister interface {
	SaveRun(ctx context.Context, runID, rootRunID, workflowID string, version int, status schema.RunStatus) error
	SaveToken(ctx context.Context, runID string, tok *token.Token) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHub streams trace events to the given hub.
func WithHub(hub streaming.Hub) Option {
	return func(c *Coordinator) { c.hub = hub }
}

// WithAppender persists trace events.
func WithAppender(a trace.Appender) Option {
	return func(c *Coordinator) { c.appender = a }
}

// WithPersister saves run and token state transitions.
func WithPersister(p RunPersister) Option {
	return func(c *Coordinator) { c.persister = p }
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithStrictContext revalidates context tables on every write.
func WithStrictContext() Option {
	return func(c *Coordinator) { c.strict = true }
}

// New creates a Coordinator dispatching to the given executor.
func New(executor TaskExecutor, opts ...Option) (*Coordinator, error) {
	eval, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		defs:      make(map[string]*schema.WorkflowDef),
		runs:      make(map[string]*run),
		executor:  executor,
		validator: validation.NewSchemaValidator(),
		eval:      eval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// RegisterWorkflow validates a definition and makes it available to runs
// under its id and version.
func (c *Coordinator) RegisterWorkflow(def *schema.WorkflowDef) error {
	if result := validation.ValidateDef(def); !result.Valid() {
		return result.ToError()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := defKey(def.ID, def.Version)
	if _, exists := c.defs[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already registered", key)
	}
	c.defs[key] = def
	return nil
}

// RunOption configures one run.
type RunOption func(*runConfig)

type runConfig struct {
	timeout time.Duration
}

// WithTimeout fails the run with a timed_out status if it is still live
// after d.
func WithTimeout(d time.Duration) RunOption {
	return func(cfg *runConfig) { cfg.timeout = d }
}

// StartRun validates the input, creates the run's context and root token
// and dispatches it. Returns the new run ID.
func (c *Coordinator) StartRun(ctx context.Context, workflowID string, version int, input map[string]any, opts ...RunOption) (string, error) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	def, ok := c.defs[defKey(workflowID, version)]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not registered", defKey(workflowID, version))
	}

	runID := uuid.NewString()
	rec := trace.NewRecorder(runID,
		trace.WithHub(c.hub),
		trace.WithAppender(c.appender),
		trace.WithLogger(c.logger),
	)
	r, err := c.startRunLocked(ctx, runID, def, input, rec, nil)
	if err != nil {
		return "", err
	}
	if cfg.timeout > 0 {
		r.timer = time.AfterFunc(cfg.timeout, func() { c.timeoutRun(runID) })
	}
	return runID, nil
}

// startRunLocked creates and kicks off a run, either a root run with its
// own recorder or a nested run sharing the parent's.
func (c *Coordinator) startRunLocked(ctx context.Context, runID string, def *schema.WorkflowDef, input map[string]any, rec *trace.Recorder, parent *parentLink) (*run, error) {
	ctx = logging.WithRunID(ctx, runID)

	var storeOpts []contextstore.Option
	if c.strict {
		storeOpts = append(storeOpts, contextstore.WithStrictValidation())
	}
	ctxStore := contextstore.New(runID, c.validator, rec, storeOpts...)
	tokens := token.NewManager(runID, rec)
	barriers := barrier.NewEngine(runID, tokens, ctxStore, rec)

	r := &run{
		id:          runID,
		def:         def,
		status:      schema.RunStatusRunning,
		rec:         rec,
		tokens:      tokens,
		ctxStore:    ctxStore,
		barriers:    barriers,
		router:      router.New(runID, def, tokens, ctxStore, c.eval, barriers, rec),
		taskOutputs: make(map[string]map[string]any),
		parent:      parent,
		done:        make(chan struct{}),
	}

	rec.Record(ctx, trace.Event{
		Kind:  schema.TraceRunStart,
		RunID: runID,
		Payload: map[string]any{
			"workflow_id": def.ID,
			"version":     def.Version,
		},
	})

	if err := ctxStore.Initialize(ctx, def, input); err != nil {
		c.logger.ErrorContext(ctx, "run rejected", slog.Any("error", err))
		return nil, err
	}

	c.runs[runID] = r
	if parent != nil {
		parent.run.children = append(parent.run.children, r)
	}
	c.persistRun(ctx, r)

	root := tokens.CreateRoot(ctx, def.InitialNodeRef)
	c.dispatchToken(ctx, r, root)
	c.checkCompletion(ctx, r)
	return r, nil
}

// Cancel terminates a run and everything below it.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[runID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown run %q", runID)
	}
	if r.status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already %s", runID, r.status)
	}
	c.terminateRun(ctx, r, schema.RunStatusCancelled, schema.TokenStatusCancelled,
		schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
	return nil
}

// timeoutRun is the run deadline callback.
func (c *Coordinator) timeoutRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[runID]
	if !ok || r.status.Terminal() {
		return
	}
	ctx := logging.WithRunID(context.Background(), runID)
	c.terminateRun(ctx, r, schema.RunStatusTimedOut, schema.TokenStatusTimedOut,
		schema.NewError(schema.ErrCodeTimeout, "run deadline exceeded"))
}

// Wait blocks until the run reaches a terminal status.
func (c *Coordinator) Wait(ctx context.Context, runID string) (RunResult, error) {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return RunResult{}, schema.NewErrorf(schema.ErrCodeNotFound, "unknown run %q", runID)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return RunResult{Status: r.status, Output: r.output, Err: r.failure}, nil
}

// Status returns a run's current status.
func (c *Coordinator) Status(runID string) (schema.RunStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok {
		return "", false
	}
	return r.status, true
}

// Tokens returns all tokens of a run in creation order.
func (c *Coordinator) Tokens(runID string) ([]*token.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok {
		return nil, false
	}
	return r.tokens.All(), true
}

// Trace returns the full trace of the run's root recorder.
func (c *Coordinator) Trace(runID string) ([]*trace.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok {
		return nil, false
	}
	return r.rec.Events(), true
}

func (c *Coordinator) persistRun(ctx context.Context, r *run) {
	if c.persister == nil {
		return
	}
	if err := c.persister.SaveRun(ctx, r.id, r.rec.RootRunID(), r.def.ID, r.def.Version, r.status); err != nil {
		c.logger.WarnContext(ctx, "run persist failed", slog.Any("error", err))
	}
}

func (c *Coordinator) persistToken(ctx context.Context, r *run, tok *token.Token) {
	if c.persister == nil {
		return
	}
	if err := c.persister.SaveToken(ctx, r.id, tok); err != nil {
		c.logger.WarnContext(ctx, "token persist failed", slog.Any("error", err))
	}
}

func defKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}
