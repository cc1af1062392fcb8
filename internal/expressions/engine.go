// Package expressions evaluates routing conditions and mapping transforms
// against context snapshots. Three engines: Expr (default condition
// language), CEL (conditions) and GoJQ (document transforms).
package expressions

import "context"

// Engine evaluates expressions against a snapshot document.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
