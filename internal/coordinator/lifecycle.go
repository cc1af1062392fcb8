package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/weftflow/weft/internal/contextstore"
	"github.com/weftflow/weft/internal/logging"
	"github.com/weftflow/weft/internal/token"
	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/pkg/schema"
)

// dispatchToken moves a pending token into execution: task nodes go to the
// executor, subworkflow nodes start a nested run and wait for it.
func (c *Coordinator) dispatchToken(ctx context.Context, r *run, tok *token.Token) {
	ctx = logging.WithTokenID(logging.WithNodeRef(ctx, tok.NodeRef), tok.ID)

	node, ok := r.def.Nodes[tok.NodeRef]
	if !ok {
		c.failToken(ctx, r, tok, schema.NewErrorf(schema.ErrCodeNotFound,
			"token references undefined node %q", tok.NodeRef).WithToken(tok.ID))
		return
	}

	c.transition(ctx, r, tok, schema.TokenStatusDispatched)
	c.transition(ctx, r, tok, schema.TokenStatusExecuting)

	if node.IsSubworkflow() {
		c.startSubworkflow(ctx, r, tok, node)
		return
	}

	input, err := c.buildInput(ctx, r, node.InputMapping)
	if err != nil {
		c.failToken(ctx, r, tok, err)
		return
	}
	if err := c.executor.Dispatch(ctx, TaskRequest{
		RunID:       r.id,
		TokenID:     tok.ID,
		NodeRef:     tok.NodeRef,
		PathID:      tok.PathID,
		BranchIndex: tok.BranchIndex,
		TaskID:      node.TaskID,
		TaskVersion: node.TaskVersion,
		Input:       input,
	}); err != nil {
		c.failToken(ctx, r, tok, schema.NewErrorf(schema.ErrCodeExecution,
			"dispatch of task %q failed", node.TaskID).WithCause(err).WithToken(tok.ID))
	}
}

// startSubworkflow parks the invoking token and starts the nested run,
// sharing the parent's trace recorder so the whole tree keeps one sequence.
func (c *Coordinator) startSubworkflow(ctx context.Context, r *run, tok *token.Token, node schema.Node) {
	c.transition(ctx, r, tok, schema.TokenStatusWaitingForSubworkflow)

	childDef, ok := c.defs[defKey(node.SubworkflowID, node.SubworkflowVersion)]
	if !ok {
		c.failToken(ctx, r, tok, schema.NewErrorf(schema.ErrCodeNotFound,
			"subworkflow %s not registered", defKey(node.SubworkflowID, node.SubworkflowVersion)).WithToken(tok.ID))
		return
	}

	input, err := c.buildInput(ctx, r, node.InputMapping)
	if err != nil {
		c.failToken(ctx, r, tok, err)
		return
	}

	childID := uuid.NewString()
	r.rec.Record(ctx, trace.Event{
		Kind:    schema.TraceSubworkflowStart,
		RunID:   r.id,
		TokenID: tok.ID,
		NodeRef: tok.NodeRef,
		Payload: map[string]any{
			"subworkflow_id": node.SubworkflowID,
			"version":        node.SubworkflowVersion,
			"child_run_id":   childID,
		},
	})

	if _, err := c.startRunLocked(ctx, childID, childDef, input, r.rec, &parentLink{run: r, tokenID: tok.ID}); err != nil {
		c.failToken(ctx, r, tok, schema.NewErrorf(schema.ErrCodeSubworkflowFailed,
			"subworkflow %q rejected its input", node.SubworkflowID).WithCause(err).WithToken(tok.ID))
	}
}

// buildInput assembles a task or subworkflow input document from the
// node's input mapping: plain entries read context paths, "jq:" entries
// transform a snapshot.
func (c *Coordinator) buildInput(ctx context.Context, r *run, mapping map[string]string) (map[string]any, error) {
	if len(mapping) == 0 {
		return nil, nil
	}
	input := make(map[string]any, len(mapping))
	for _, key := range sortedKeys(mapping) {
		source := mapping[key]
		if expr, ok := strings.CutPrefix(source, "jq:"); ok {
			v, err := c.eval.Evaluate(ctx, "jq", expr, r.ctxStore.Snapshot(ctx))
			if err != nil {
				return nil, err
			}
			input[key] = v
			continue
		}
		v, found, err := r.ctxStore.Read(ctx, source)
		if err != nil {
			return nil, err
		}
		if found {
			input[key] = v
		}
	}
	return input, nil
}

// HandleTaskResult absorbs one task occurrence's outcome. Late results for
// tokens that are no longer executing are dropped.
func (c *Coordinator) HandleTaskResult(ctx context.Context, runID, tokenID string, output map[string]any, taskErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[runID]
	if !ok || r.status.Terminal() {
		return
	}
	tok, ok := r.tokens.Get(tokenID)
	if !ok || tok.Status != schema.TokenStatusExecuting {
		return
	}

	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithTokenID(logging.WithNodeRef(ctx, tok.NodeRef), tokenID)
	r.taskOutputs[tokenID] = output

	if taskErr != nil {
		c.failToken(ctx, r, tok, schema.NewErrorf(schema.ErrCodeExecution,
			"task at node %q failed: %s", tok.NodeRef, taskErr.Error()).WithCause(taskErr).WithToken(tokenID))
		return
	}

	node := r.def.Nodes[tok.NodeRef]
	if err := c.applyOutputMapping(ctx, r, node.OutputMapping, output); err != nil {
		c.failToken(ctx, r, tok, err)
		return
	}

	c.transition(ctx, r, tok, schema.TokenStatusCompleted)
	c.advance(ctx, r, tok, output)
}

// applyOutputMapping writes selected task output fields into the context.
func (c *Coordinator) applyOutputMapping(ctx context.Context, r *run, mapping map[string]string, output map[string]any) error {
	for _, target := range sortedKeys(mapping) {
		source := mapping[target]
		v, found := contextstore.LookupDoc(output, strings.Split(source, "."))
		if !found {
			continue
		}
		if err := r.ctxStore.SetField(ctx, target, v); err != nil {
			return err
		}
	}
	return nil
}

// advance routes a completed token onward and dispatches whatever the
// router created.
func (c *Coordinator) advance(ctx context.Context, r *run, tok *token.Token, output map[string]any) {
	created, err := r.router.Route(ctx, tok, output)
	if err != nil {
		c.failRun(ctx, r, err)
		return
	}
	for _, next := range created {
		c.dispatchToken(ctx, r, next)
	}
	c.checkCompletion(ctx, r)
}

// failToken marks a token failed, then tries failure transitions; an
// unhandled failure poisons the token's barrier group and fails the run.
func (c *Coordinator) failToken(ctx context.Context, r *run, tok *token.Token, cause error) {
	c.transition(ctx, r, tok, schema.TokenStatusFailed)
	c.logger.WarnContext(ctx, "token failed", slog.Any("error", cause))

	created, handled, err := r.router.RouteFailure(ctx, tok, r.taskOutputs[tok.ID])
	if err != nil {
		c.failRun(ctx, r, err)
		return
	}
	if handled {
		for _, next := range created {
			c.dispatchToken(ctx, r, next)
		}
		c.checkCompletion(ctx, r)
		return
	}

	if tok.SiblingGroupID != "" {
		if live, poisoned := r.barriers.FailMember(ctx, tok); poisoned {
			for _, sibling := range live {
				c.transition(ctx, r, sibling, schema.TokenStatusCancelled)
			}
			c.failRun(ctx, r, schema.NewErrorf(schema.ErrCodeSiblingBarrier,
				"sibling group member at node %q failed", tok.NodeRef).WithCause(cause).WithToken(tok.ID))
			return
		}
	}
	c.failRun(ctx, r, cause)
}

func (c *Coordinator) failRun(ctx context.Context, r *run, cause error) {
	c.terminateRun(ctx, r, schema.RunStatusFailed, schema.TokenStatusCancelled, cause)
}

// terminateRun drives a run (and its children) to a terminal status,
// forcing every live token terminal so nothing hangs, then notifies the
// parent run if there is one.
func (c *Coordinator) terminateRun(ctx context.Context, r *run, status schema.RunStatus, tokStatus schema.TokenStatus, cause error) {
	if r.status.Terminal() {
		return
	}
	r.status = status
	r.failure = cause

	for _, tok := range r.tokens.Live() {
		c.transition(ctx, r, tok, tokStatus)
	}
	for _, child := range r.children {
		if !child.status.Terminal() {
			c.terminateRun(ctx, child, schema.RunStatusCancelled, schema.TokenStatusCancelled,
				schema.NewError(schema.ErrCodeCancelled, "parent run terminated"))
		}
	}

	r.rec.Record(ctx, trace.Event{
		Kind:    schema.TraceRunComplete,
		RunID:   r.id,
		Payload: map[string]any{"status": string(status)},
	})
	c.persistRun(ctx, r)
	c.finish(r)
	c.notifyParentFailure(ctx, r, cause)
}

// notifyParentFailure turns a failed nested run into a failure of the
// invoking token, which may still be rescued by failure transitions.
func (c *Coordinator) notifyParentFailure(ctx context.Context, r *run, cause error) {
	if r.parent == nil || r.parent.run.status.Terminal() {
		return
	}
	ptok, ok := r.parent.run.tokens.Get(r.parent.tokenID)
	if !ok || ptok.Status.Terminal() {
		return
	}
	pctx := logging.WithRunID(ctx, r.parent.run.id)
	c.failToken(pctx, r.parent.run, ptok, schema.NewErrorf(schema.ErrCodeSubworkflowFailed,
		"subworkflow run %q ended %s", r.id, r.status).WithCause(cause).WithToken(ptok.ID))
}

// checkCompletion finishes the run once no live token remains: the output
// mapping is extracted, the run completes and a waiting parent token
// resumes.
func (c *Coordinator) checkCompletion(ctx context.Context, r *run) {
	if r.status.Terminal() || len(r.tokens.Live()) > 0 {
		return
	}

	r.rec.Record(ctx, trace.Event{
		Kind:  schema.TraceCompletionStart,
		RunID: r.id,
	})

	for _, target := range sortedKeys(r.def.OutputMapping) {
		source := r.def.OutputMapping[target]
		v, found, err := r.ctxStore.Read(ctx, source)
		if err != nil || !found {
			continue
		}
		if err := r.ctxStore.SetField(ctx, contextstore.TableOutput+"."+target, v); err != nil {
			c.failRun(ctx, r, err)
			return
		}
	}

	out, _, err := r.ctxStore.Read(ctx, contextstore.TableOutput)
	if err != nil {
		c.failRun(ctx, r, err)
		return
	}
	output, _ := out.(map[string]any)

	r.rec.Record(ctx, trace.Event{
		Kind:    schema.TraceCompletionComplete,
		RunID:   r.id,
		Payload: map[string]any{"output_keys": len(output)},
	})

	r.status = schema.RunStatusCompleted
	r.output = output
	r.rec.Record(ctx, trace.Event{
		Kind:    schema.TraceRunComplete,
		RunID:   r.id,
		Payload: map[string]any{"status": string(schema.RunStatusCompleted)},
	})
	c.persistRun(ctx, r)
	c.finish(r)
	c.deliverToParent(ctx, r, output)
}

// deliverToParent writes a completed nested run's output into the invoking
// run and resumes the waiting token.
func (c *Coordinator) deliverToParent(ctx context.Context, r *run, output map[string]any) {
	if r.parent == nil || r.parent.run.status.Terminal() {
		return
	}
	parent := r.parent.run
	ptok, ok := parent.tokens.Get(r.parent.tokenID)
	if !ok || ptok.Status != schema.TokenStatusWaitingForSubworkflow {
		return
	}

	pctx := logging.WithRunID(ctx, parent.id)
	node := parent.def.Nodes[ptok.NodeRef]

	if node.OutputTarget != "" {
		if err := parent.ctxStore.SetField(pctx, node.OutputTarget, output); err != nil {
			c.failToken(pctx, parent, ptok, err)
			return
		}
	}
	if err := c.applyOutputMapping(pctx, parent, node.OutputMapping, output); err != nil {
		c.failToken(pctx, parent, ptok, err)
		return
	}

	parent.rec.Record(pctx, trace.Event{
		Kind:    schema.TraceSubworkflowComplete,
		RunID:   parent.id,
		TokenID: ptok.ID,
		NodeRef: ptok.NodeRef,
		Payload: map[string]any{"child_run_id": r.id},
	})

	parent.taskOutputs[ptok.ID] = output
	c.transition(pctx, parent, ptok, schema.TokenStatusCompleted)
	c.advance(pctx, parent, ptok, output)
}

// finish closes out a run's timer and wakes waiters.
func (c *Coordinator) finish(r *run) {
	if r.timer != nil {
		r.timer.Stop()
	}
	close(r.done)
}

// transition applies a token status change, logging the impossible case
// instead of propagating it.
func (c *Coordinator) transition(ctx context.Context, r *run, tok *token.Token, to schema.TokenStatus) {
	if err := r.tokens.Transition(ctx, tok.ID, to); err != nil {
		c.logger.ErrorContext(ctx, "token transition rejected",
			slog.String("to", string(to)), slog.Any("error", err))
		return
	}
	c.persistToken(ctx, r, tok)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
