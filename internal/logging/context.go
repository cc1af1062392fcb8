package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	tokenIDKey
	nodeRefKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithTokenID returns a context with the token ID set.
func WithTokenID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tokenIDKey, id)
}

// WithNodeRef returns a context with the node ref set.
func WithNodeRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, nodeRefKey, ref)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// TokenID extracts the token ID from the context, or "" if absent.
func TokenID(ctx context.Context) string {
	v, _ := ctx.Value(tokenIDKey).(string)
	return v
}

// NodeRef extracts the node ref from the context, or "" if absent.
func NodeRef(ctx context.Context) string {
	v, _ := ctx.Value(nodeRefKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting run,
// token and node correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := TokenID(ctx); v != "" {
		r.AddAttrs(slog.String("token_id", v))
	}
	if v := NodeRef(ctx); v != "" {
		r.AddAttrs(slog.String("node_ref", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
