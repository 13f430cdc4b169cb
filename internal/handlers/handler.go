package handlers

import (
	"context"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Handler runs custom logic on a node event (entry, exit or activity).
// Execute reports whether the handler acted on the event.
type Handler interface {
	Name() string
	Description() string
	Execute(hc *Context) (bool, error)
}

// Spawner starts child tokens. The engine implements it for handlers that
// fork work into new process instances.
type Spawner interface {
	SpawnToken(ctx context.Context, parent *store.TokenContext, processRef string, params map[string]any) (*store.TokenContext, error)
}

// Info summarises a registered handler for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Context is what a handler sees of the token and the node it runs on.
// Parameters are read from the current socket and written to the next one.
type Context struct {
	Ctx           context.Context
	Event         string
	Def           *schema.HandlerDef
	Token         *store.TokenContext
	Node          *schema.Node
	CurrentSocket *schema.Socket
	NextSocket    *schema.Socket
	Logger        *slog.Logger
	Spawner       Spawner
	Handled       bool

	nextChanged bool
}

// NewContext creates a handler context. next may be nil for entry events.
func NewContext(ctx context.Context, event string, def *schema.HandlerDef, token *store.TokenContext, current, next *schema.Socket) *Context {
	hc := &Context{
		Ctx:           ctx,
		Event:         event,
		Def:           def,
		Token:         token,
		CurrentSocket: current,
		NextSocket:    next,
		Logger:        logging.NewNop(),
	}
	if current != nil {
		hc.Node = current.Node
	}
	return hc
}

// Config returns the handler configuration from the model.
func (c *Context) Config() map[string]any {
	if c.Def == nil {
		return nil
	}
	return c.Def.Config
}

// DecodeConfig decodes the handler configuration into out, converting
// loosely typed YAML values.
func (c *Context) DecodeConfig(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(c.Config()); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid handler config").WithCause(err)
	}
	return nil
}

// Param returns the value of a parameter of the current socket.
func (c *Context) Param(name string) (any, bool) {
	if c.CurrentSocket == nil {
		return nil, false
	}
	return c.Token.ParamValue(c.CurrentSocket.ParamKey(name))
}

// Params returns the values of every declared parameter of the current socket.
func (c *Context) Params() map[string]any {
	return socketValues(c.Token, c.CurrentSocket)
}

// SetResult stores a value in a parameter of the next socket. The parameter
// must be declared on that socket.
func (c *Context) SetResult(name string, value any) error {
	if c.NextSocket == nil {
		return schema.NewErrorf(schema.ErrCodeSocketNotFound, "no next socket to receive %q", name)
	}
	if c.NextSocket.Param(name) == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "socket %s has no parameter %q", c.NextSocket.Qualifier(), name)
	}
	c.Token.SetParamValue(c.NextSocket.ParamKey(name), value)
	return nil
}

// Var returns the value of a process variable.
func (c *Context) Var(name string) (any, bool) {
	return c.Token.ParamValue(schema.VariableKey(name))
}

// SetVar stores a process variable value.
func (c *Context) SetVar(name string, value any) {
	c.Token.SetParamValue(schema.VariableKey(name), value)
}

// ChooseExitSocket redirects the token to the named exit socket of the node.
func (c *Context) ChooseExitSocket(name string) error {
	if c.Node == nil {
		return schema.NewErrorf(schema.ErrCodeSocketNotFound, "exit socket %q: handler has no node", name)
	}
	s := c.Node.ExitSocket(name)
	if s == nil {
		return schema.NewErrorf(schema.ErrCodeSocketNotFound, "node %s has no exit socket %q", c.Node.Qualifier(), name)
	}
	c.SetNextSocket(s)
	return nil
}

// SetNextSocket redirects the token to any socket.
func (c *Context) SetNextSocket(s *schema.Socket) {
	if s != c.NextSocket {
		c.NextSocket = s
		c.nextChanged = true
	}
}

// NextSocketChanged reports whether the handler redirected the token.
func (c *Context) NextSocketChanged() bool { return c.nextChanged }

// TokenScope returns the token metadata exposed to expressions.
func TokenScope(tc *store.TokenContext) map[string]any {
	return map[string]any{
		"id":       tc.ID,
		"parent":   tc.ParentID,
		"process":  tc.Process,
		"state":    string(tc.State),
		"priority": tc.Priority,
		"socket":   tc.CurrentSocket,
	}
}

func socketValues(tc *store.TokenContext, s *schema.Socket) map[string]any {
	values := make(map[string]any)
	if s == nil {
		return values
	}
	for _, p := range s.Params {
		if v, ok := tc.ParamValue(p.Key()); ok {
			values[p.Name] = v
		}
	}
	return values
}
