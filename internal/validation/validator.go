package validation

import "github.com/rendis/procflow/pkg/schema"

// Validator checks process models before they are registered and parameter
// values before a node runs. Parameter schemas use JSON Schema Draft 2020-12.
type Validator interface {
	ValidateModel(m *schema.Model) error
	ValidateValue(value any, valueSchema map[string]any) error
}

// HandlerLookup reports whether a handler is registered under a name.
type HandlerLookup interface {
	Has(name string) bool
}

// ExpressionChecker compiles an expression without evaluating it.
type ExpressionChecker interface {
	Compile(expression string) error
}
