// Package barrier implements fan-in synchronization: sibling tokens arrive
// at a barrier, their outputs are staged, and when the whole group has
// arrived the staged contributions merge into shared state in branch index
// order and a single continuation token proceeds.
package barrier

import (
	"context"
	"sort"

	"github.com/weftflow/weft/internal/contextstore"
	"github.com/weftflow/weft/internal/token"
	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/pkg/schema"
)

type arrival struct {
	tok        *token.Token
	transition schema.Transition
	source     any
	hasSource  bool
}

type group struct {
	instanceID string
	name       string
	expected   int
	arrivals   map[int]*arrival
	failed     bool
	opened     bool
}

// Engine tracks all barrier groups of one run.
type Engine struct {
	runID    string
	groups   map[string]*group
	tokens   *token.Manager
	ctxStore *contextstore.Store
	rec      *trace.Recorder
}

// NewEngine creates an empty barrier engine for the given run.
func NewEngine(runID string, tokens *token.Manager, ctxStore *contextstore.Store, rec *trace.Recorder) *Engine {
	return &Engine{
		runID:    runID,
		groups:   make(map[string]*group),
		tokens:   tokens,
		ctxStore: ctxStore,
		rec:      rec,
	}
}

// Register declares a fan-out instance: expected siblings arriving under a
// fresh instance ID. The static name is the sibling group from the
// definition; the instance ID keeps repeated fan-outs over the same edge
// apart.
func (e *Engine) Register(instanceID, name string, expected int) {
	e.groups[instanceID] = &group{
		instanceID: instanceID,
		name:       name,
		expected:   expected,
		arrivals:   make(map[int]*arrival),
	}
}

// Arrive stages one sibling's contribution at the barrier. When the last
// sibling arrives the barrier opens: merges apply in branch index order and
// the returned continuation token proceeds past the barrier. Until then
// (and on a failed group) the continuation is nil.
func (e *Engine) Arrive(ctx context.Context, tok *token.Token, tr schema.Transition, branchOutput map[string]any) (*token.Token, error) {
	g, ok := e.groups[tok.SiblingGroupID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSiblingBarrier,
			"token at %q synchronizes on %q but belongs to no sibling group",
			tok.NodeRef, tr.Synchronization.SiblingGroup).WithToken(tok.ID)
	}

	a := &arrival{tok: tok, transition: tr}
	if merge := tr.Synchronization.Merge; merge != nil {
		source, found, err := e.resolveSource(ctx, merge.Source, branchOutput)
		if err != nil {
			return nil, err
		}
		a.source = source
		a.hasSource = found
	}
	g.arrivals[tok.BranchIndex] = a

	e.record(ctx, schema.TraceBarrierArrival, tok, map[string]any{
		"sibling_group": g.name,
		"branch_index":  tok.BranchIndex,
		"arrived":       len(g.arrivals),
		"expected":      g.expected,
	})

	if g.failed || g.opened || len(g.arrivals) < g.expected {
		return nil, nil
	}
	return e.open(ctx, g)
}

// open applies the staged merges deterministically and spawns the
// continuation token from the lowest branch index arrival.
func (e *Engine) open(ctx context.Context, g *group) (*token.Token, error) {
	g.opened = true

	indices := make([]int, 0, len(g.arrivals))
	for idx := range g.arrivals {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	canonical := g.arrivals[indices[0]]
	e.record(ctx, schema.TraceBarrierOpen, canonical.tok, map[string]any{
		"sibling_group": g.name,
		"expected":      g.expected,
	})

	for _, idx := range indices {
		a := g.arrivals[idx]
		merge := a.transition.Synchronization.Merge
		if merge == nil || !a.hasSource {
			continue
		}
		if err := e.applyMerge(ctx, merge, a.source); err != nil {
			return nil, err
		}
		e.record(ctx, schema.TraceMergeApplied, a.tok, map[string]any{
			"sibling_group": g.name,
			"branch_index":  idx,
			"target":        merge.Target,
			"strategy":      string(merge.Strategy),
		})
	}

	if canonical.transition.ToNodeRef == "" {
		return nil, nil
	}
	return e.tokens.CreateContinuation(ctx, canonical.tok, canonical.transition.ToNodeRef), nil
}

// FailMember marks the group failed because one sibling failed. Returns the
// live sibling tokens the caller must cancel; the barrier never opens and
// never hangs.
func (e *Engine) FailMember(ctx context.Context, tok *token.Token) ([]*token.Token, bool) {
	g, ok := e.groups[tok.SiblingGroupID]
	if !ok || g.opened {
		return nil, false
	}
	if !g.failed {
		g.failed = true
		e.record(ctx, schema.TraceBarrierFailed, tok, map[string]any{
			"sibling_group": g.name,
			"branch_index":  tok.BranchIndex,
		})
	}

	var live []*token.Token
	for _, sibling := range e.tokens.Siblings(tok.SiblingGroupID) {
		if sibling.ID != tok.ID && !sibling.Status.Terminal() {
			live = append(live, sibling)
		}
	}
	return live, true
}

// resolveSource reads one branch's merge contribution: branch-relative
// paths address the branch's own output document, absolute paths the
// shared store.
func (e *Engine) resolveSource(ctx context.Context, rawPath string, branchOutput map[string]any) (any, bool, error) {
	p, err := contextstore.ParsePath(rawPath)
	if err != nil {
		return nil, false, err
	}
	if p.Mode == contextstore.BranchRelative {
		v, found := contextstore.LookupDoc(map[string]any{"output": branchOutput}, p.Fields())
		return v, found, nil
	}
	return e.ctxStore.Read(ctx, rawPath)
}

func (e *Engine) applyMerge(ctx context.Context, merge *schema.MergeSpec, source any) error {
	current, found, err := e.ctxStore.Read(ctx, merge.Target)
	if err != nil {
		return err
	}

	var next any
	switch merge.Strategy {
	case schema.MergeAppend:
		arr := asSlice(current, found)
		if items, ok := source.([]any); ok {
			arr = append(arr, items...)
		} else {
			arr = append(arr, source)
		}
		next = arr
	case schema.MergeCollect:
		next = append(asSlice(current, found), source)
	case schema.MergeObject:
		obj, ok := asObject(current, found)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"merge target %q holds a non-object value", merge.Target)
		}
		src, ok := source.(map[string]any)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"merge_object source for %q is not an object", merge.Target)
		}
		for k, v := range src {
			obj[k] = v
		}
		next = obj
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown merge strategy %q", merge.Strategy)
	}

	return e.ctxStore.SetField(ctx, merge.Target, next)
}

func asSlice(current any, found bool) []any {
	if !found {
		return nil
	}
	if arr, ok := current.([]any); ok {
		return arr
	}
	return []any{current}
}

func asObject(current any, found bool) (map[string]any, bool) {
	if !found {
		return map[string]any{}, true
	}
	obj, ok := current.(map[string]any)
	return obj, ok
}

func (e *Engine) record(ctx context.Context, kind string, tok *token.Token, payload map[string]any) {
	if e.rec == nil {
		return
	}
	e.rec.Record(ctx, trace.Event{
		Kind:    kind,
		RunID:   e.runID,
		TokenID: tok.ID,
		NodeRef: tok.NodeRef,
		Payload: payload,
	})
}
