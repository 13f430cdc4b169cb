package handlers

import (
	"fmt"
	"log/slog"

	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/validation"
	"github.com/rendis/procflow/pkg/schema"
)

// RegisterBuiltins registers the built-in handlers in the given registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator) error {
	all := []Handler{
		&logHandler{},
		&setHandler{},
		&failHandler{},
		&chooseHandler{},
		&spawnHandler{},
		&assertSchemaHandler{validator: validator},
		NewHTTPHandler(HTTPConfig{}),
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// --- log ---

type logHandler struct{}

type logConfig struct {
	Message string `mapstructure:"message"`
	Level   string `mapstructure:"level"`
}

func (h *logHandler) Name() string        { return "log" }
func (h *logHandler) Description() string { return "Log the socket parameters of the token" }

func (h *logHandler) Execute(hc *Context) (bool, error) {
	var cfg logConfig
	if err := hc.DecodeConfig(&cfg); err != nil {
		return false, err
	}
	msg := cfg.Message
	if msg == "" {
		msg = "handler event"
	}
	logger := logging.LogWith(hc.Ctx, hc.Logger)
	logger.Log(hc.Ctx, logging.ParseLevel(cfg.Level), msg,
		slog.String("event", hc.Event),
		slog.Any("params", hc.Params()),
	)
	return true, nil
}

// --- set ---

type setHandler struct{}

type setConfig struct {
	Results map[string]any `mapstructure:"results"`
	Vars    map[string]any `mapstructure:"vars"`
}

func (h *setHandler) Name() string { return "set" }
func (h *setHandler) Description() string {
	return "Assign constant values to next socket parameters and process variables"
}

func (h *setHandler) Execute(hc *Context) (bool, error) {
	var cfg setConfig
	if err := hc.DecodeConfig(&cfg); err != nil {
		return false, err
	}
	for name, v := range cfg.Results {
		if err := hc.SetResult(name, v); err != nil {
			return false, err
		}
	}
	for name, v := range cfg.Vars {
		hc.SetVar(name, v)
	}
	return len(cfg.Results)+len(cfg.Vars) > 0, nil
}

// --- fail ---

type failHandler struct{}

type failConfig struct {
	Code    string `mapstructure:"code"`
	Message string `mapstructure:"message"`
}

func (h *failHandler) Name() string        { return "fail" }
func (h *failHandler) Description() string { return "Raise an execution error" }

func (h *failHandler) Execute(hc *Context) (bool, error) {
	var cfg failConfig
	if err := hc.DecodeConfig(&cfg); err != nil {
		return false, err
	}
	if cfg.Code == "" {
		cfg.Code = schema.ErrCodeExecution
	}
	if cfg.Message == "" {
		cfg.Message = fmt.Sprintf("node %s failed", hc.Node.Qualifier())
	}
	return false, schema.NewError(cfg.Code, cfg.Message)
}

// --- choose ---

type chooseHandler struct{}

type chooseConfig struct {
	Socket  string `mapstructure:"socket"`
	Param   string `mapstructure:"param"`
	Default string `mapstructure:"default"`
}

func (h *chooseHandler) Name() string { return "choose" }
func (h *chooseHandler) Description() string {
	return "Continue at a fixed exit socket or at the exit socket named by a parameter"
}

func (h *chooseHandler) Execute(hc *Context) (bool, error) {
	var cfg chooseConfig
	if err := hc.DecodeConfig(&cfg); err != nil {
		return false, err
	}
	name := cfg.Socket
	if cfg.Param != "" {
		if v, ok := hc.Param(cfg.Param); ok && v != nil {
			name = fmt.Sprint(v)
		}
	}
	if name == "" || (hc.Node != nil && hc.Node.ExitSocket(name) == nil && cfg.Default != "") {
		name = cfg.Default
	}
	if name == "" {
		return false, nil
	}
	if err := hc.ChooseExitSocket(name); err != nil {
		return false, err
	}
	return true, nil
}

// --- spawn ---

type spawnHandler struct{}

type spawnConfig struct {
	Process string         `mapstructure:"process"`
	Params  map[string]any `mapstructure:"params"`
	Result  string         `mapstructure:"result"`
}

func (h *spawnHandler) Name() string        { return "spawn" }
func (h *spawnHandler) Description() string { return "Start a child token of the current token" }

func (h *spawnHandler) Execute(hc *Context) (bool, error) {
	var cfg spawnConfig
	if err := hc.DecodeConfig(&cfg); err != nil {
		return false, err
	}
	if cfg.Process == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "spawn requires a process reference")
	}
	if hc.Spawner == nil {
		return false, schema.NewError(schema.ErrCodeExecution, "spawn is not available in this context")
	}
	child, err := hc.Spawner.SpawnToken(hc.Ctx, hc.Token, cfg.Process, cfg.Params)
	if err != nil {
		return false, err
	}
	if cfg.Result != "" {
		if err := hc.SetResult(cfg.Result, child.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// --- assert.schema ---

type assertSchemaHandler struct {
	validator *validation.JSONSchemaValidator
}

type assertSchemaConfig struct {
	Param  string         `mapstructure:"param"`
	Schema map[string]any `mapstructure:"schema"`
}

func (h *assertSchemaHandler) Name() string { return "assert.schema" }
func (h *assertSchemaHandler) Description() string {
	return "Validate a parameter of the current socket against a JSON Schema"
}

func (h *assertSchemaHandler) Execute(hc *Context) (bool, error) {
	var cfg assertSchemaConfig
	if err := hc.DecodeConfig(&cfg); err != nil {
		return false, err
	}
	if cfg.Param == "" || len(cfg.Schema) == 0 {
		return false, schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'param' and 'schema'")
	}
	if h.validator == nil {
		return false, schema.NewError(schema.ErrCodeExecution, "assert.schema has no validator")
	}
	v, _ := hc.Param(cfg.Param)
	if err := h.validator.ValidateValue(v, cfg.Schema); err != nil {
		return false, err
	}
	return true, nil
}
