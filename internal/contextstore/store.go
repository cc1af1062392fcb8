// Package contextstore implements a run's shared hierarchical state: named
// tables of nested documents with path-scoped reads and writes, optional
// JSON Schema enforcement, and deep-copied snapshots for condition
// evaluation. Every operation appends a trace event.
package contextstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/pkg/schema"
)

// Well-known tables created by Initialize.
const (
	TableInput  = "input"
	TableState  = "state"
	TableOutput = "output"
)

// Validator checks a document against a raw JSON Schema. Satisfied by
// validation.SchemaValidator.
type Validator interface {
	ValidateValue(value any, schemaRaw json.RawMessage) (*schema.ValidationResult, error)
}

// Store is the context store for one run. All methods are safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	runID     string
	tables    map[string]*table
	order     []string
	validator Validator
	strict    bool
	rec       *trace.Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithStrictValidation revalidates a table after every write and rejects
// writes that would leave it violating its schema.
func WithStrictValidation() Option {
	return func(s *Store) { s.strict = true }
}

// New creates an empty context store for the given run.
func New(runID string, validator Validator, rec *trace.Recorder, opts ...Option) *Store {
	s := &Store{
		runID:     runID,
		tables:    make(map[string]*table),
		validator: validator,
		rec:       rec,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize validates the run input and creates the three standard
// tables. The input table is loaded with the validated input document and
// is read-only from then on; state and output start empty.
func (s *Store) Initialize(ctx context.Context, def *schema.WorkflowDef, input map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(def.InputSchema) > 0 {
		result, err := s.validator.ValidateValue(input, def.InputSchema)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "input schema is not a valid JSON Schema").WithCause(err)
		}
		s.record(ctx, schema.TraceContextValidate, map[string]any{
			"table":       TableInput,
			"valid":       result.Valid(),
			"error_count": len(result.Errors),
		})
		if !result.Valid() {
			return schema.NewErrorf(schema.ErrCodeSchemaValidation, "run input rejected by input schema").
				WithDetails(map[string]any{"error_count": len(result.Errors), "errors": result.Errors})
		}
	}

	in := newTable(TableInput, def.InputSchema)
	in.load(input)
	in.readOnly = true
	s.addTable(in)
	s.addTable(newTable(TableState, def.ContextSchema))
	s.addTable(newTable(TableOutput, def.OutputSchema))

	s.record(ctx, schema.TraceContextInitialize, map[string]any{
		"tables": len(s.order),
	})
	return nil
}

// RegisterTable adds an extra named table beyond the standard three.
func (s *Store) RegisterTable(name string, schemaRaw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tables[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "table %q already registered", name)
	}
	s.addTable(newTable(name, schemaRaw))
	return nil
}

// Read returns the value at a dot-separated absolute path. The second
// return reports whether the path resolved to a value.
func (s *Store) Read(ctx context.Context, rawPath string) (any, bool, error) {
	p, err := ParsePath(rawPath)
	if err != nil {
		return nil, false, err
	}
	if p.Mode != Absolute {
		return nil, false, schema.NewErrorf(schema.ErrCodeValidation, "cannot read branch-relative path %q outside a fan-in barrier", rawPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tab, ok := s.tables[p.Table()]
	if !ok {
		return nil, false, schema.NewErrorf(schema.ErrCodeNotFound, "unknown context table %q", p.Table())
	}
	value, found := tab.get(p.Fields())
	s.record(ctx, schema.TraceContextRead, map[string]any{
		"path":  rawPath,
		"found": found,
		"value": deepCopy(value),
	})
	return value, found, nil
}

// SetField writes a value at a dot-separated absolute path, creating
// intermediate objects as needed. The input table rejects all writes.
func (s *Store) SetField(ctx context.Context, rawPath string, value any) error {
	p, err := ParsePath(rawPath)
	if err != nil {
		return err
	}
	if p.Mode != Absolute {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot write branch-relative path %q", rawPath)
	}
	if len(p.Fields()) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "path %q names a table, not a field", rawPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tab, ok := s.tables[p.Table()]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown context table %q", p.Table())
	}
	if tab.readOnly {
		return schema.NewErrorf(schema.ErrCodeConflict, "table %q is read-only", p.Table())
	}

	var before map[string]any
	if s.strict && len(tab.schemaRaw) > 0 {
		before = tab.root.materialize()
	}

	tab.set(p.Fields(), value)
	s.record(ctx, schema.TraceContextSetField, map[string]any{
		"path": rawPath,
	})

	if s.strict && len(tab.schemaRaw) > 0 {
		result, verr := s.validator.ValidateValue(tab.root.materialize(), tab.schemaRaw)
		if verr != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "schema for table %q is not a valid JSON Schema", tab.name).WithCause(verr)
		}
		s.record(ctx, schema.TraceContextValidate, map[string]any{
			"table":       tab.name,
			"valid":       result.Valid(),
			"error_count": len(result.Errors),
		})
		if !result.Valid() {
			tab.load(before)
			return schema.NewErrorf(schema.ErrCodeSchemaValidation, "write to %q rejected by schema for table %q", rawPath, tab.name).
				WithDetails(map[string]any{"error_count": len(result.Errors), "errors": result.Errors})
		}
	}
	return nil
}

// Snapshot returns a deep copy of every table keyed by table name.
// Condition evaluation reads the snapshot, never the live store.
func (s *Store) Snapshot(ctx context.Context) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(map[string]any, len(s.order))
	for _, name := range s.order {
		snap[name] = s.tables[name].root.materialize()
	}
	s.record(ctx, schema.TraceContextSnapshot, map[string]any{
		"tables": len(s.order),
	})
	return snap
}

func (s *Store) addTable(t *table) {
	s.tables[t.name] = t
	s.order = append(s.order, t.name)
}

func (s *Store) record(ctx context.Context, kind string, payload map[string]any) {
	if s.rec == nil {
		return
	}
	s.rec.Record(ctx, trace.Event{Kind: kind, RunID: s.runID, Payload: payload})
}
