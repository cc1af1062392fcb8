package barrier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/internal/contextstore"
	"github.com/weftflow/weft/internal/token"
	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/internal/validation"
	"github.com/weftflow/weft/pkg/schema"
)

type fixture struct {
	ctx      context.Context
	rec      *trace.Recorder
	tokens   *token.Manager
	ctxStore *contextstore.Store
	engine   *Engine
	root     *token.Token
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	rec := trace.NewRecorder("run-1")
	tokens := token.NewManager("run-1", rec)
	ctxStore := contextstore.New("run-1", validation.NewSchemaValidator(), rec)
	require.NoError(t, ctxStore.Initialize(ctx, &schema.WorkflowDef{ID: "wf", Version: 1}, nil))
	return &fixture{
		ctx:      ctx,
		rec:      rec,
		tokens:   tokens,
		ctxStore: ctxStore,
		engine:   NewEngine("run-1", tokens, ctxStore, rec),
		root:     tokens.CreateRoot(ctx, "split"),
	}
}

func syncTransition(merge *schema.MergeSpec) schema.Transition {
	return schema.Transition{
		Ref:         "join",
		FromNodeRef: "work",
		ToNodeRef:   "after",
		Synchronization: &schema.Synchronization{
			Strategy:     schema.SyncAll,
			SiblingGroup: "workers",
			Merge:        merge,
		},
	}
}

func TestBarrierOpensOnLastArrival(t *testing.T) {
	f := newFixture(t)
	f.engine.Register("grp", "workers", 3)
	tr := syncTransition(nil)

	var branches []*token.Token
	for i := 0; i < 3; i++ {
		branches = append(branches, f.tokens.CreateBranch(f.ctx, f.root, "work", "grp", i))
	}

	cont, err := f.engine.Arrive(f.ctx, branches[0], tr, nil)
	require.NoError(t, err)
	assert.Nil(t, cont)

	cont, err = f.engine.Arrive(f.ctx, branches[2], tr, nil)
	require.NoError(t, err)
	assert.Nil(t, cont)

	cont, err = f.engine.Arrive(f.ctx, branches[1], tr, nil)
	require.NoError(t, err)
	require.NotNil(t, cont)
	assert.Equal(t, "after", cont.NodeRef)
	// Continuation returns to the pre-fan-out path, parented on the lowest
	// branch index sibling.
	assert.Equal(t, "root", cont.PathID)
	assert.Equal(t, branches[0].ID, cont.ParentTokenID)

	require.Len(t, f.rec.EventsByKind(schema.TraceBarrierArrival), 3)
	require.Len(t, f.rec.EventsByKind(schema.TraceBarrierOpen), 1)
}

func TestMergeOrderIsBranchIndexNotArrival(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	for _, order := range orders {
		f := newFixture(t)
		f.engine.Register("grp", "workers", 3)
		tr := syncTransition(&schema.MergeSpec{
			Source:   "_branch.output.row",
			Target:   "state.rows",
			Strategy: schema.MergeCollect,
		})

		branches := make([]*token.Token, 3)
		for i := range branches {
			branches[i] = f.tokens.CreateBranch(f.ctx, f.root, "work", "grp", i)
		}

		var cont *token.Token
		for _, idx := range order {
			c, err := f.engine.Arrive(f.ctx, branches[idx], tr,
				map[string]any{"row": idx})
			require.NoError(t, err)
			if c != nil {
				cont = c
			}
		}
		require.NotNil(t, cont, "order %v", order)

		v, found, err := f.ctxStore.Read(f.ctx, "state.rows")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []any{0, 1, 2}, v, "order %v", order)
	}
}

func TestMergeAppendFlattensOneLevel(t *testing.T) {
	f := newFixture(t)
	f.engine.Register("grp", "workers", 2)
	tr := syncTransition(&schema.MergeSpec{
		Source:   "_branch.output.items",
		Target:   "state.all",
		Strategy: schema.MergeAppend,
	})

	b0 := f.tokens.CreateBranch(f.ctx, f.root, "work", "grp", 0)
	b1 := f.tokens.CreateBranch(f.ctx, f.root, "work", "grp", 1)

	_, err := f.engine.Arrive(f.ctx, b0, tr, map[string]any{"items": []any{"a", "b"}})
	require.NoError(t, err)
	cont, err := f.engine.Arrive(f.ctx, b1, tr, map[string]any{"items": []any{"c"}})
	require.NoError(t, err)
	require.NotNil(t, cont)

	v, found, err := f.ctxStore.Read(f.ctx, "state.all")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []any{"a", "b", "c"}, v)
}

func TestMergeObjectShallowMerges(t *testing.T) {
	f := newFixture(t)
	f.engine.Register("grp", "workers", 2)
	tr := syncTransition(&schema.MergeSpec{
		Source:   "_branch.output.fields",
		Target:   "state.combined",
		Strategy: schema.MergeObject,
	})

	b0 := f.tokens.CreateBranch(f.ctx, f.root, "work", "grp", 0)
	b1 := f.tokens.CreateBranch(f.ctx, f.root, "work", "grp", 1)

	// Higher branch index wins on key conflict: merges apply in index order.
	_, err := f.engine.Arrive(f.ctx, b1, tr, map[string]any{"fields": map[string]any{"b": 2, "shared": "late"}})
	require.NoError(t, err)
	cont, err := f.engine.Arrive(f.ctx, b0, tr, map[string]any{"fields": map[string]any{"a": 1, "shared": "early"}})
	require.NoError(t, err)
	require.NotNil(t, cont)

	v, found, err := f.ctxStore.Read(f.ctx, "state.combined")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "shared": "late"}, v)

	require.Len(t, f.rec.EventsByKind(schema.TraceMergeApplied), 2)
}

func TestFailMemberPoisonsGroup(t *testing.T) {
	f := newFixture(t)
	f.engine.Register("grp", "workers", 3)
	tr := syncTransition(nil)

	branches := make([]*token.Token, 3)
	for i := range branches {
		branches[i] = f.tokens.CreateBranch(f.ctx, f.root, "work", "grp", i)
	}

	_, err := f.engine.Arrive(f.ctx, branches[0], tr, nil)
	require.NoError(t, err)

	live, handled := f.engine.FailMember(f.ctx, branches[1])
	require.True(t, handled)
	require.Len(t, live, 2)
	require.Len(t, f.rec.EventsByKind(schema.TraceBarrierFailed), 1)

	// A straggler arriving into the failed group never opens it.
	cont, err := f.engine.Arrive(f.ctx, branches[2], tr, nil)
	require.NoError(t, err)
	assert.Nil(t, cont)
	assert.Empty(t, f.rec.EventsByKind(schema.TraceBarrierOpen))
}

func TestArriveWithoutGroupRejected(t *testing.T) {
	f := newFixture(t)
	lone := f.tokens.CreateSuccessor(f.ctx, f.root, "work")

	_, err := f.engine.Arrive(f.ctx, lone, syncTransition(nil), nil)
	require.Error(t, err)

	cerr, ok := err.(*schema.CoordError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeSiblingBarrier, cerr.Code)
}
