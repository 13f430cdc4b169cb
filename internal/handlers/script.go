package handlers

import (
	"strings"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
)

// ScriptHandler runs the script body of a handler definition. The result
// steers the token:
//   - a string selects the exit socket of that name
//   - a map assigns next socket parameters; keys prefixed "_" assign process variables
//   - false reports the event as not handled
type ScriptHandler struct {
	engine expressions.Engine
}

// NewScriptHandler creates a ScriptHandler evaluating scripts with engine.
func NewScriptHandler(engine expressions.Engine) *ScriptHandler {
	return &ScriptHandler{engine: engine}
}

func (h *ScriptHandler) Name() string        { return "script" }
func (h *ScriptHandler) Description() string { return "Evaluate the handler script" }

func (h *ScriptHandler) Execute(hc *Context) (bool, error) {
	if hc.Def == nil || strings.TrimSpace(hc.Def.Script) == "" {
		return false, nil
	}
	scope := expressions.NewScope(hc.Params(), hc.Token.Variables(), TokenScope(hc.Token))
	out, err := h.engine.Evaluate(hc.Ctx, hc.Def.Script, scope.Env())
	if err != nil {
		return false, err
	}

	switch v := out.(type) {
	case nil:
		return true, nil
	case bool:
		return v, nil
	case string:
		if err := hc.ChooseExitSocket(v); err != nil {
			return false, err
		}
		return true, nil
	case map[string]any:
		for name, value := range v {
			if schema.IsVariableKey(name) {
				hc.SetVar(strings.TrimPrefix(name, schema.VariablePrefix), value)
				continue
			}
			if err := hc.SetResult(name, value); err != nil {
				return false, err
			}
		}
		return true, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeExecution, "handler script returned unsupported %T", out)
	}
}
