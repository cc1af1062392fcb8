// Package trace implements the append-only, sequence-numbered record of
// every observable coordinator operation. One Recorder is owned by the root
// run and injected into every nested run, so the sequence number is the
// single global order across a whole parent/child run tree.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/weftflow/weft/internal/streaming"
)

// Event is one sequence-numbered record of a coordinator operation.
type Event struct {
	Sequence  int64          `json:"sequence"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RootRunID string         `json:"root_run_id"`
	RunID     string         `json:"run_id"`
	TokenID   string         `json:"token_id,omitempty"`
	NodeRef   string         `json:"node_ref,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Appender persists trace events. Satisfied by the libSQL store.
type Appender interface {
	AppendTrace(ctx context.Context, event *Event) error
}

// Recorder assigns monotonically increasing sequence numbers to trace
// events and retains them for querying. Persistence and live fan-out are
// best-effort side channels; the in-memory log is authoritative for
// ordering.
type Recorder struct {
	rootRunID string
	hub       streaming.Hub
	appender  Appender
	logger    *slog.Logger

	mu     sync.Mutex
	seq    int64
	events []*Event
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithHub publishes every recorded event to the given streaming hub.
func WithHub(hub streaming.Hub) Option {
	return func(r *Recorder) { r.hub = hub }
}

// WithAppender persists every recorded event through the given appender.
func WithAppender(a Appender) Option {
	return func(r *Recorder) { r.appender = a }
}

// WithLogger sets the logger used for side-channel failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder creates a Recorder owned by the given root run.
func NewRecorder(rootRunID string, opts ...Option) *Recorder {
	r := &Recorder{rootRunID: rootRunID}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// RootRunID returns the run ID that owns this recorder's sequence.
func (r *Recorder) RootRunID() string {
	return r.rootRunID
}

// Record assigns the next sequence number to ev, appends it to the log and
// returns the stored event. The caller fills Kind, RunID and optionally
// TokenID/NodeRef/Payload; Sequence, Timestamp and RootRunID are assigned
// here.
func (r *Recorder) Record(ctx context.Context, ev Event) *Event {
	r.mu.Lock()
	r.seq++
	ev.Sequence = r.seq
	ev.Timestamp = time.Now().UTC()
	ev.RootRunID = r.rootRunID
	stored := ev
	r.events = append(r.events, &stored)
	r.mu.Unlock()

	if r.appender != nil {
		if err := r.appender.AppendTrace(ctx, &stored); err != nil {
			r.logger.WarnContext(ctx, "trace persist failed",
				slog.String("kind", stored.Kind), slog.Int64("sequence", stored.Sequence), slog.Any("error", err))
		}
	}
	if r.hub != nil {
		_ = r.hub.Publish(ctx, streaming.TraceEvent{
			RootRunID: stored.RootRunID,
			RunID:     stored.RunID,
			TokenID:   stored.TokenID,
			NodeRef:   stored.NodeRef,
			Kind:      stored.Kind,
			Sequence:  stored.Sequence,
			Payload:   stored.Payload,
		})
	}
	return &stored
}

// Events returns a copy of the full trace in sequence order.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]*Event, len(r.events))
	copy(cp, r.events)
	return cp
}

// EventsByKind returns all events of the given kind in sequence order.
func (r *Recorder) EventsByKind(kind string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// EventsForRun returns all events recorded by the given run in sequence order.
func (r *Recorder) EventsForRun(runID string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
