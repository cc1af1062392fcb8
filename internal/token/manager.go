// Package token tracks execution tokens: the units of progress a run moves
// through its graph. Each token carries a node ref, a hierarchical path ID
// and a lifecycle status enforced by a transition table.
package token

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/pkg/schema"
)

// Token is one unit of execution positioned at a node.
type Token struct {
	ID            string `json:"id"`
	NodeRef       string `json:"node_ref"`
	PathID        string `json:"path_id"`
	ParentTokenID string `json:"parent_token_id,omitempty"`
	// SiblingGroupID identifies one fan-out instance; fresh per fan-out
	// event, so loops over the same edge never collide.
	SiblingGroupID string             `json:"sibling_group_id,omitempty"`
	BranchIndex    int                `json:"branch_index,omitempty"`
	Status         schema.TokenStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
}

// validTransitions is the token lifecycle: statuses move forward only, and
// cancellation or timeout can interrupt any non-terminal status.
var validTransitions = map[schema.TokenStatus][]schema.TokenStatus{
	schema.TokenStatusPending: {
		schema.TokenStatusDispatched,
		schema.TokenStatusCancelled,
		schema.TokenStatusTimedOut,
	},
	schema.TokenStatusDispatched: {
		schema.TokenStatusExecuting,
		schema.TokenStatusCancelled,
		schema.TokenStatusTimedOut,
	},
	schema.TokenStatusExecuting: {
		schema.TokenStatusCompleted,
		schema.TokenStatusFailed,
		schema.TokenStatusWaitingForSubworkflow,
		schema.TokenStatusCancelled,
		schema.TokenStatusTimedOut,
	},
	schema.TokenStatusWaitingForSubworkflow: {
		schema.TokenStatusCompleted,
		schema.TokenStatusFailed,
		schema.TokenStatusCancelled,
		schema.TokenStatusTimedOut,
	},
	schema.TokenStatusCompleted: {},
	schema.TokenStatusFailed:    {},
	schema.TokenStatusCancelled: {},
	schema.TokenStatusTimedOut:  {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to schema.TokenStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Manager owns all tokens of one run. The coordinator serializes access per
// run; the manager itself only guarantees consistency of its bookkeeping.
type Manager struct {
	runID   string
	tokens  map[string]*Token
	order   []string
	history map[string][]schema.TokenStatus
	rec     *trace.Recorder
}

// NewManager creates an empty token manager for the given run.
func NewManager(runID string, rec *trace.Recorder) *Manager {
	return &Manager{
		runID:   runID,
		tokens:  make(map[string]*Token),
		history: make(map[string][]schema.TokenStatus),
		rec:     rec,
	}
}

// CreateRoot creates the single initial token of a run at the root path.
func (m *Manager) CreateRoot(ctx context.Context, nodeRef string) *Token {
	return m.create(ctx, &Token{NodeRef: nodeRef, PathID: "root"})
}

// CreateSuccessor creates the next token on a linear path. It inherits the
// predecessor's path and records it as parent.
func (m *Manager) CreateSuccessor(ctx context.Context, pred *Token, nodeRef string) *Token {
	return m.create(ctx, &Token{
		NodeRef:       nodeRef,
		PathID:        pred.PathID,
		ParentTokenID: pred.ID,
	})
}

// CreateBranch creates one sibling of a fan-out. The branch path extends the
// parent path with the target node and the branch index.
func (m *Manager) CreateBranch(ctx context.Context, parent *Token, nodeRef, groupID string, branchIndex int) *Token {
	return m.create(ctx, &Token{
		NodeRef:        nodeRef,
		PathID:         branchPath(parent.PathID, nodeRef, branchIndex),
		ParentTokenID:  parent.ID,
		SiblingGroupID: groupID,
		BranchIndex:    branchIndex,
	})
}

// CreateContinuation creates the token that proceeds past an opened barrier.
// Its path is the canonical sibling's path with the branch suffix stripped,
// returning to the pre-fan-out path.
func (m *Manager) CreateContinuation(ctx context.Context, canonical *Token, nodeRef string) *Token {
	return m.create(ctx, &Token{
		NodeRef:       nodeRef,
		PathID:        trimBranchSuffix(canonical.PathID),
		ParentTokenID: canonical.ID,
	})
}

func (m *Manager) create(ctx context.Context, t *Token) *Token {
	t.ID = uuid.NewString()
	t.Status = schema.TokenStatusPending
	t.CreatedAt = time.Now().UTC()
	m.tokens[t.ID] = t
	m.order = append(m.order, t.ID)
	m.history[t.ID] = []schema.TokenStatus{schema.TokenStatusPending}

	payload := map[string]any{
		"path_id": t.PathID,
	}
	if t.ParentTokenID != "" {
		payload["parent_token_id"] = t.ParentTokenID
	}
	if t.SiblingGroupID != "" {
		payload["sibling_group_id"] = t.SiblingGroupID
		payload["branch_index"] = t.BranchIndex
	}
	m.record(ctx, schema.TraceTokenCreate, t, payload)
	return t
}

// Transition moves a token to a new status, rejecting anything the
// lifecycle table does not allow.
func (m *Manager) Transition(ctx context.Context, tokenID string, to schema.TokenStatus) error {
	t, ok := m.tokens[tokenID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown token %q", tokenID)
	}
	from := t.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"token cannot move from %s to %s", from, to).WithToken(tokenID)
	}
	t.Status = to
	m.history[tokenID] = append(m.history[tokenID], to)
	m.record(ctx, schema.TraceTokenStatusTransition, t, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

// Get returns the token with the given ID.
func (m *Manager) Get(tokenID string) (*Token, bool) {
	t, ok := m.tokens[tokenID]
	return t, ok
}

// Live returns all tokens in a non-terminal status, in creation order.
func (m *Manager) Live() []*Token {
	var out []*Token
	for _, id := range m.order {
		if t := m.tokens[id]; !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

// All returns every token in creation order.
func (m *Manager) All() []*Token {
	out := make([]*Token, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tokens[id])
	}
	return out
}

// Siblings returns the members of a fan-out instance in branch index order.
// Creation order and branch index order coincide.
func (m *Manager) Siblings(groupID string) []*Token {
	var out []*Token
	for _, id := range m.order {
		if t := m.tokens[id]; t.SiblingGroupID == groupID {
			out = append(out, t)
		}
	}
	return out
}

// History returns the ordered status history of a token.
func (m *Manager) History(tokenID string) []schema.TokenStatus {
	return m.history[tokenID]
}

func (m *Manager) record(ctx context.Context, kind string, t *Token, payload map[string]any) {
	if m.rec == nil {
		return
	}
	m.rec.Record(ctx, trace.Event{
		Kind:    kind,
		RunID:   m.runID,
		TokenID: t.ID,
		NodeRef: t.NodeRef,
		Payload: payload,
	})
}

func branchPath(parentPath, nodeRef string, branchIndex int) string {
	return parentPath + "." + nodeRef + "." + strconv.Itoa(branchIndex)
}

// trimBranchSuffix strips the trailing "<node_ref>.<branch_index>" a branch
// path carries, recovering the pre-fan-out path.
func trimBranchSuffix(pathID string) string {
	parts := strings.Split(pathID, ".")
	if len(parts) <= 2 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-2], ".")
}
