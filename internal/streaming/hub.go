package streaming

import "context"

// TraceEvent is a real-time trace event emitted during run execution.
type TraceEvent struct {
	RootRunID string         `json:"root_run_id"`
	RunID     string         `json:"run_id"`
	TokenID   string         `json:"token_id,omitempty"`
	NodeRef   string         `json:"node_ref,omitempty"`
	Kind      string         `json:"kind"`
	Sequence  int64          `json:"sequence"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter specifies which trace events a subscriber wants to receive.
type Filter struct {
	RootRunID string   `json:"root_run_id,omitempty"`
	RunID     string   `json:"run_id,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
}

// Hub provides pub/sub for real-time trace events.
type Hub interface {
	Publish(ctx context.Context, event TraceEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan TraceEvent, func(), error)
}
