package contextstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/internal/contextstore"
	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/internal/validation"
	"github.com/weftflow/weft/pkg/schema"
)

func newTestStore(t *testing.T, opts ...contextstore.Option) (*contextstore.Store, *trace.Recorder) {
	t.Helper()
	rec := trace.NewRecorder("run-1")
	return contextstore.New("run-1", validation.NewSchemaValidator(), rec, opts...), rec
}

func basicDef(inputSchema, contextSchema string) *schema.WorkflowDef {
	def := &schema.WorkflowDef{ID: "wf", Version: 1}
	if inputSchema != "" {
		def.InputSchema = json.RawMessage(inputSchema)
	}
	if contextSchema != "" {
		def.ContextSchema = json.RawMessage(contextSchema)
	}
	return def
}

func TestInitializeCreatesTables(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	err := s.Initialize(ctx, basicDef("", ""), map[string]any{"order_id": "o-1"})
	require.NoError(t, err)

	v, found, err := s.Read(ctx, "input.order_id")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "o-1", v)

	events := rec.EventsByKind(schema.TraceContextInitialize)
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].Payload["tables"])
}

func TestInitializeRejectsInvalidInput(t *testing.T) {
	s, rec := newTestStore(t)
	inputSchema := `{"type":"object","required":["order_id"]}`

	err := s.Initialize(context.Background(), basicDef(inputSchema, ""), map[string]any{})
	require.Error(t, err)

	var cerr *schema.CoordError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeSchemaValidation, cerr.Code)

	// The failed validation is still traced; no tables were created.
	validates := rec.EventsByKind(schema.TraceContextValidate)
	require.Len(t, validates, 1)
	assert.Equal(t, false, validates[0].Payload["valid"])
	assert.Empty(t, rec.EventsByKind(schema.TraceContextInitialize))
}

func TestReadTracesResolvedValue(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, basicDef("", ""), nil))
	require.NoError(t, s.SetField(ctx, "state.score", 42))

	v, found, err := s.Read(ctx, "state.score")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 42, v)

	reads := rec.EventsByKind(schema.TraceContextRead)
	require.Len(t, reads, 1)
	assert.Equal(t, "state.score", reads[0].Payload["path"])
	assert.Equal(t, true, reads[0].Payload["found"])
	assert.Equal(t, 42, reads[0].Payload["value"])
}

func TestSetFieldCreatesIntermediates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, basicDef("", ""), nil))

	require.NoError(t, s.SetField(ctx, "state.user.profile.email", "a@b.c"))

	v, found, err := s.Read(ctx, "state.user")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"profile": map[string]any{"email": "a@b.c"}}, v)
}

func TestSetFieldOverwritesLeafWithObject(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, basicDef("", ""), nil))

	require.NoError(t, s.SetField(ctx, "state.user", "scalar"))
	require.NoError(t, s.SetField(ctx, "state.user.name", "ada"))

	v, found, err := s.Read(ctx, "state.user.name")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ada", v)
}

func TestInputTableIsReadOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, basicDef("", ""), map[string]any{"a": 1}))

	err := s.SetField(ctx, "input.a", 2)
	require.Error(t, err)

	var cerr *schema.CoordError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeConflict, cerr.Code)
}

func TestReadMissingPath(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, basicDef("", ""), nil))

	_, found, err := s.Read(ctx, "state.nothing.here")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = s.Read(ctx, "ghosts.anything")
	assert.Error(t, err)
}

func TestStrictModeRollsBackInvalidWrite(t *testing.T) {
	contextSchema := `{"type":"object","properties":{"count":{"type":"integer"}}}`
	s, rec := newTestStore(t, contextstore.WithStrictValidation())
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, basicDef("", contextSchema), nil))

	require.NoError(t, s.SetField(ctx, "state.count", 3))

	err := s.SetField(ctx, "state.count", "three")
	require.Error(t, err)

	// Rejected write left the previous value in place.
	v, found, rerr := s.Read(ctx, "state.count")
	require.NoError(t, rerr)
	require.True(t, found)
	assert.Equal(t, 3, v)

	validates := rec.EventsByKind(schema.TraceContextValidate)
	require.NotEmpty(t, validates)
	last := validates[len(validates)-1]
	assert.Equal(t, false, last.Payload["valid"])
	assert.Equal(t, 1, last.Payload["error_count"])
}

func TestSnapshotIsIsolated(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, basicDef("", ""), nil))
	require.NoError(t, s.SetField(ctx, "state.items", []any{"a"}))

	snap := s.Snapshot(ctx)
	state := snap["state"].(map[string]any)
	state["items"].([]any)[0] = "mutated"
	state["new_key"] = true

	v, found, err := s.Read(ctx, "state.items")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []any{"a"}, v)

	_, found, err = s.Read(ctx, "state.new_key")
	require.NoError(t, err)
	assert.False(t, found)

	require.Len(t, rec.EventsByKind(schema.TraceContextSnapshot), 1)
}

func TestRegisterTable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, basicDef("", ""), nil))

	require.NoError(t, s.RegisterTable("scratch", nil))
	require.NoError(t, s.SetField(ctx, "scratch.tmp", 1))
	assert.Error(t, s.RegisterTable("scratch", nil))
}
