package validation

import "github.com/rendis/procflow/pkg/schema"

// ModelValidator orchestrates the model validation pipeline:
// 1. Structural (JSON Schema on the decoded document)
// 2. Semantic (names, node kinds, handlers, expressions, links)
// 3. Graph (reachability, unconnected exits)
type ModelValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
	scripts    ExpressionChecker
	conditions ExpressionChecker
}

// NewModelValidator creates a ModelValidator. Any lookup may be nil to skip
// the corresponding checks: handlers for registered names, scripts for expr
// sources and conditions for CEL guards and decisions.
func NewModelValidator(handlers HandlerLookup, scripts, conditions ExpressionChecker) (*ModelValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ModelValidator{
		jsonSchema: jsv,
		handlers:   handlers,
		scripts:    scripts,
		conditions: conditions,
	}, nil
}

// ValidateDocument runs the structural stage on a decoded model document.
func (mv *ModelValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := mv.jsonSchema.ValidateDocument(doc)
	if err == nil {
		return result
	}

	pfErr, ok := err.(*schema.ProcflowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := pfErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, pfErr.Message)
	return result
}

// Validate links the model and runs the semantic and graph stages. Unresolved
// links short-circuit; the graph stage is skipped when semantic errors were found.
func (mv *ModelValidator) Validate(m *schema.Model) *schema.ValidationResult {
	if m == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "model is nil")
		return r
	}

	result := schema.Link(m)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(m, mv))
	if result.Valid() {
		result.Merge(validateGraph(m))
	}
	return result
}

// ValidateModel satisfies the Validator interface.
func (mv *ModelValidator) ValidateModel(m *schema.Model) error {
	return mv.Validate(m).ToError()
}

// ValidateValue delegates to the underlying JSONSchemaValidator.
func (mv *ModelValidator) ValidateValue(value any, valueSchema map[string]any) error {
	return mv.jsonSchema.ValidateValue(value, valueSchema)
}
