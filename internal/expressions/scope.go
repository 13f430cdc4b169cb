package expressions

import (
	"maps"

	"github.com/mohae/deepcopy"
)

// Scope is the data an expression sees: the parameters of the socket being
// processed, the process variables and token metadata. Values are copied so
// that evaluation cannot reach back into the token.
type Scope struct {
	Params map[string]any
	Vars   map[string]any
	Token  map[string]any
}

// NewScope builds a scope from live token data.
func NewScope(params, vars, token map[string]any) *Scope {
	return &Scope{
		Params: copyMap(params),
		Vars:   copyMap(vars),
		Token:  copyMap(token),
	}
}

// Data returns the namespaced environment used by CEL.
func (s *Scope) Data() map[string]any {
	return map[string]any{
		ScopeParams: s.Params,
		ScopeVars:   s.Vars,
		ScopeToken:  s.Token,
	}
}

// Env returns the environment used by Expr: the namespaces plus every socket
// parameter as a top-level name, so "x * 2" reads parameter x.
func (s *Scope) Env() map[string]any {
	env := make(map[string]any, len(s.Params)+3)
	maps.Copy(env, s.Params)
	maps.Copy(env, s.Data())
	return env
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out, ok := deepcopy.Copy(m).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return out
}
