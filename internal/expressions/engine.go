package expressions

import "context"

// Engine evaluates expressions against a token's data.
// Two implementations: Expr (parameter scripts, constants and script
// handlers) and CEL (decision conditions and link guards).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Top-level names every evaluation environment exposes.
const (
	ScopeParams = "params"
	ScopeVars   = "vars"
	ScopeToken  = "token"
)
