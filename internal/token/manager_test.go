package token

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/pkg/schema"
)

func newTestManager() (*Manager, *trace.Recorder) {
	rec := trace.NewRecorder("run-1")
	return NewManager("run-1", rec), rec
}

func TestCreateRootToken(t *testing.T) {
	m, rec := newTestManager()
	tok := m.CreateRoot(context.Background(), "fetch")

	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, "root", tok.PathID)
	assert.Equal(t, schema.TokenStatusPending, tok.Status)
	assert.Empty(t, tok.ParentTokenID)

	creates := rec.EventsByKind(schema.TraceTokenCreate)
	require.Len(t, creates, 1)
	assert.Equal(t, tok.ID, creates[0].TokenID)
	assert.Equal(t, "root", creates[0].Payload["path_id"])
}

func TestSuccessorInheritsPath(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	root := m.CreateRoot(ctx, "fetch")
	next := m.CreateSuccessor(ctx, root, "transform")

	assert.Equal(t, root.PathID, next.PathID)
	assert.Equal(t, root.ID, next.ParentTokenID)
	assert.Equal(t, "transform", next.NodeRef)
}

func TestBranchAndContinuationPaths(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	root := m.CreateRoot(ctx, "split")

	b0 := m.CreateBranch(ctx, root, "work", "grp-1", 0)
	b2 := m.CreateBranch(ctx, root, "work", "grp-1", 2)
	assert.Equal(t, "root.work.0", b0.PathID)
	assert.Equal(t, "root.work.2", b2.PathID)
	assert.Equal(t, "grp-1", b0.SiblingGroupID)

	cont := m.CreateContinuation(ctx, b0, "join")
	assert.Equal(t, "root", cont.PathID)
	assert.Equal(t, b0.ID, cont.ParentTokenID)
	assert.Empty(t, cont.SiblingGroupID)
}

func TestNestedBranchContinuation(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	root := m.CreateRoot(ctx, "outer")
	outer := m.CreateBranch(ctx, root, "stage", "g1", 1)
	inner := m.CreateBranch(ctx, outer, "leaf", "g2", 0)

	assert.Equal(t, "root.stage.1.leaf.0", inner.PathID)
	cont := m.CreateContinuation(ctx, inner, "join")
	assert.Equal(t, "root.stage.1", cont.PathID)
}

func TestLifecycleHappyPath(t *testing.T) {
	m, rec := newTestManager()
	ctx := context.Background()
	tok := m.CreateRoot(ctx, "fetch")

	for _, to := range []schema.TokenStatus{
		schema.TokenStatusDispatched,
		schema.TokenStatusExecuting,
		schema.TokenStatusCompleted,
	} {
		require.NoError(t, m.Transition(ctx, tok.ID, to))
	}

	assert.Equal(t, schema.TokenStatusCompleted, tok.Status)
	assert.Equal(t, []schema.TokenStatus{
		schema.TokenStatusPending,
		schema.TokenStatusDispatched,
		schema.TokenStatusExecuting,
		schema.TokenStatusCompleted,
	}, m.History(tok.ID))
	assert.Len(t, rec.EventsByKind(schema.TraceTokenStatusTransition), 3)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	cases := []struct {
		from, to schema.TokenStatus
	}{
		{schema.TokenStatusPending, schema.TokenStatusExecuting},
		{schema.TokenStatusPending, schema.TokenStatusCompleted},
		{schema.TokenStatusDispatched, schema.TokenStatusCompleted},
		{schema.TokenStatusCompleted, schema.TokenStatusExecuting},
		{schema.TokenStatusFailed, schema.TokenStatusCompleted},
		{schema.TokenStatusCancelled, schema.TokenStatusDispatched},
	}
	for _, tc := range cases {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionErrorCarriesCode(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	tok := m.CreateRoot(ctx, "fetch")

	err := m.Transition(ctx, tok.ID, schema.TokenStatusCompleted)
	require.Error(t, err)

	var cerr *schema.CoordError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, cerr.Code)
	assert.Equal(t, tok.ID, cerr.TokenID)
}

func TestCancellationFromAnyNonTerminal(t *testing.T) {
	for _, from := range []schema.TokenStatus{
		schema.TokenStatusPending,
		schema.TokenStatusDispatched,
		schema.TokenStatusExecuting,
		schema.TokenStatusWaitingForSubworkflow,
	} {
		assert.True(t, CanTransition(from, schema.TokenStatusCancelled), "from %s", from)
		assert.True(t, CanTransition(from, schema.TokenStatusTimedOut), "from %s", from)
	}
}

func TestLiveAndSiblings(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	root := m.CreateRoot(ctx, "split")
	b0 := m.CreateBranch(ctx, root, "work", "grp", 0)
	b1 := m.CreateBranch(ctx, root, "work", "grp", 1)

	require.NoError(t, m.Transition(ctx, root.ID, schema.TokenStatusDispatched))
	require.NoError(t, m.Transition(ctx, root.ID, schema.TokenStatusExecuting))
	require.NoError(t, m.Transition(ctx, root.ID, schema.TokenStatusCompleted))

	live := m.Live()
	require.Len(t, live, 2)
	assert.Equal(t, b0.ID, live[0].ID)
	assert.Equal(t, b1.ID, live[1].ID)

	sibs := m.Siblings("grp")
	require.Len(t, sibs, 2)
	assert.Equal(t, 0, sibs[0].BranchIndex)
	assert.Equal(t, 1, sibs[1].BranchIndex)
}
