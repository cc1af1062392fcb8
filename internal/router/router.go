// Package router evaluates a completed token's outgoing transitions and
// decides where execution goes next: successors, fan-out siblings, barrier
// arrivals or the end of a path.
package router

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/weftflow/weft/internal/barrier"
	"github.com/weftflow/weft/internal/contextstore"
	"github.com/weftflow/weft/internal/expressions"
	"github.com/weftflow/weft/internal/token"
	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/pkg/schema"
)

// Router routes tokens through one run's graph.
type Router struct {
	runID    string
	def      *schema.WorkflowDef
	tokens   *token.Manager
	ctxStore *contextstore.Store
	eval     *expressions.Evaluator
	barriers *barrier.Engine
	rec      *trace.Recorder
}

// New creates a Router for one run.
func New(runID string, def *schema.WorkflowDef, tokens *token.Manager, ctxStore *contextstore.Store,
	eval *expressions.Evaluator, barriers *barrier.Engine, rec *trace.Recorder) *Router {
	return &Router{
		runID:    runID,
		def:      def,
		tokens:   tokens,
		ctxStore: ctxStore,
		eval:     eval,
		barriers: barriers,
		rec:      rec,
	}
}

// Route evaluates the outgoing transitions of a completed token and creates
// the tokens that continue execution. A node with no outgoing transitions
// ends its path quietly; outgoing transitions where nothing matches is a
// dead end that fails the run.
func (r *Router) Route(ctx context.Context, tok *token.Token, branchOutput map[string]any) ([]*token.Token, error) {
	outgoing := r.def.Outgoing(tok.NodeRef, false)
	if len(outgoing) == 0 {
		return nil, nil
	}

	matched, err := r.selectTransitions(ctx, tok, outgoing, branchOutput)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeRoutingDeadend,
			"no outgoing transition matched at node %q", tok.NodeRef).WithToken(tok.ID)
	}
	return r.fire(ctx, tok, matched, branchOutput)
}

// RouteFailure evaluates only failure-handling transitions. The handled
// flag reports whether any matched; an unhandled failure propagates.
func (r *Router) RouteFailure(ctx context.Context, tok *token.Token, branchOutput map[string]any) ([]*token.Token, bool, error) {
	outgoing := r.def.Outgoing(tok.NodeRef, true)
	if len(outgoing) == 0 {
		return nil, false, nil
	}

	matched, err := r.selectTransitions(ctx, tok, outgoing, branchOutput)
	if err != nil {
		return nil, false, err
	}
	if len(matched) == 0 {
		return nil, false, nil
	}
	created, err := r.fire(ctx, tok, matched, branchOutput)
	return created, true, err
}

// selectTransitions walks priority tiers in ascending order, evaluating
// every condition in a tier against one immutable snapshot. The first tier
// with any match wins; later tiers are never evaluated.
func (r *Router) selectTransitions(ctx context.Context, tok *token.Token, outgoing []schema.Transition, branchOutput map[string]any) ([]schema.Transition, error) {
	data := r.ctxStore.Snapshot(ctx)
	if branchOutput != nil {
		data["branch"] = branchOutput
	}

	r.record(ctx, schema.TraceRoutingStart, tok, map[string]any{
		"transition_count": len(outgoing),
	})

	var matched []schema.Transition
	for _, tier := range tiers(outgoing) {
		for _, tr := range tier {
			ok := true
			if tr.Condition != "" {
				var err error
				ok, err = r.eval.EvaluateBool(ctx, tr.ConditionLanguage, tr.Condition, data)
				if err != nil {
					return nil, err
				}
			}
			r.record(ctx, schema.TraceRoutingEvaluation, tok, map[string]any{
				"transition_ref": tr.Ref,
				"tier":           tr.Priority,
				"matched":        ok,
			})
			if ok {
				matched = append(matched, tr)
			}
		}
		if len(matched) > 0 {
			break
		}
	}

	refs := make([]string, 0, len(matched))
	for _, tr := range matched {
		refs = append(refs, tr.Ref)
	}
	// The decision is traced before any token exists.
	r.record(ctx, schema.TraceRoutingComplete, tok, map[string]any{
		"matched": refs,
	})
	return matched, nil
}

// fire creates the tokens the matched transitions call for.
func (r *Router) fire(ctx context.Context, tok *token.Token, matched []schema.Transition, branchOutput map[string]any) ([]*token.Token, error) {
	// Co-firing transitions sharing a sibling group fan out together under
	// one fresh instance ID.
	explicit := make(map[string][]schema.Transition)
	for _, tr := range matched {
		if tr.Synchronization == nil && tr.SpawnCount == 0 && tr.SiblingGroup != "" {
			explicit[tr.SiblingGroup] = append(explicit[tr.SiblingGroup], tr)
		}
	}
	instances := make(map[string]string, len(explicit))
	for name, members := range explicit {
		id := uuid.NewString()
		instances[name] = id
		r.barriers.Register(id, name, len(members))
	}
	branchIndex := make(map[string]int, len(explicit))

	var created []*token.Token
	for _, tr := range matched {
		switch {
		case tr.Synchronization != nil:
			cont, err := r.barriers.Arrive(ctx, tok, tr, branchOutput)
			if err != nil {
				return nil, err
			}
			if cont != nil {
				created = append(created, cont)
			}
		case tr.SpawnCount > 0:
			id := uuid.NewString()
			r.barriers.Register(id, tr.SiblingGroup, tr.SpawnCount)
			for i := 0; i < tr.SpawnCount; i++ {
				created = append(created, r.tokens.CreateBranch(ctx, tok, tr.ToNodeRef, id, i))
			}
		case tr.SiblingGroup != "":
			id := instances[tr.SiblingGroup]
			idx := branchIndex[tr.SiblingGroup]
			branchIndex[tr.SiblingGroup] = idx + 1
			created = append(created, r.tokens.CreateBranch(ctx, tok, tr.ToNodeRef, id, idx))
		case tr.ToNodeRef == "":
			// Terminal transition: the path ends here.
		default:
			created = append(created, r.tokens.CreateSuccessor(ctx, tok, tr.ToNodeRef))
		}
	}
	return created, nil
}

// tiers groups transitions by priority, ascending, preserving definition
// order within each tier.
func tiers(transitions []schema.Transition) [][]schema.Transition {
	byPriority := make(map[int][]schema.Transition)
	var priorities []int
	for _, tr := range transitions {
		if _, seen := byPriority[tr.Priority]; !seen {
			priorities = append(priorities, tr.Priority)
		}
		byPriority[tr.Priority] = append(byPriority[tr.Priority], tr)
	}
	sort.Ints(priorities)

	out := make([][]schema.Transition, 0, len(priorities))
	for _, p := range priorities {
		out = append(out, byPriority[p])
	}
	return out
}

func (r *Router) record(ctx context.Context, kind string, tok *token.Token, payload map[string]any) {
	if r.rec == nil {
		return
	}
	r.rec.Record(ctx, trace.Event{
		Kind:    kind,
		RunID:   r.runID,
		TokenID: tok.ID,
		NodeRef: tok.NodeRef,
		Payload: payload,
	})
}
