package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/model"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Engine is the lifecycle façade over token execution.
type Engine interface {
	// NewToken creates a CREATED token positioned at the socket ref resolves
	// to. params are assigned to that socket's parameters or, by name, to
	// process variables. The token is not persisted.
	NewToken(ctx context.Context, ref string, params map[string]any) (*store.TokenContext, error)

	// NewChildToken creates and starts a token owned by parent. Relative refs
	// name a process of the parent's model.
	NewChildToken(ctx context.Context, s store.Session, parent *store.TokenContext, ref string, params map[string]any) (*store.TokenContext, error)

	// StartToken initializes process variables, requests RESUME and persists
	// the token. The caller commits.
	StartToken(ctx context.Context, s store.Session, tc *store.TokenContext) error

	// ResumeToken requests RESUME for a SUSPENDED or IDLING token. Idling
	// tokens are woken in memory without a store write.
	ResumeToken(ctx context.Context, s store.Session, tc *store.TokenContext) error

	// ResumeWorkflow continues the token waiting on task at the named socket
	// of the workflow node and assigns the task to userID.
	ResumeWorkflow(ctx context.Context, s store.Session, task *store.WorkflowTask, socketName, userID string) (*store.TokenContext, error)

	// EndToken ends the token and its children and resolves its workflow tasks.
	EndToken(ctx context.Context, s store.Session, tc *store.TokenContext) error

	// AbortToken aborts a token. An executing token is aborted at its next
	// step boundary.
	AbortToken(ctx context.Context, s store.Session, tc *store.TokenContext) error

	ChangeTokenState(ctx context.Context, tc *store.TokenContext, state schema.LifecycleState, request schema.LifecycleRequest) error

	// ExecuteContext runs the token until it leaves RUNNING.
	ExecuteContext(ctx context.Context, s store.Session, tc *store.TokenContext) error

	// RollbackAndContinue rolls back the session and returns the reloaded
	// token with position and variables overlaid per policy. Callers must
	// continue with the returned context.
	RollbackAndContinue(ctx context.Context, s store.Session, tc *store.TokenContext, data schema.RollbackData, position schema.RollbackPosition) (*store.TokenContext, error)

	ResolveSocketRef(ref string, current *schema.Socket, tc *store.TokenContext, mustExist bool) (*schema.Socket, error)

	// ExecuteHandler runs def for event. It returns nil when def does not
	// subscribe to event.
	ExecuteHandler(ctx context.Context, def *schema.HandlerDef, event string, tc *store.TokenContext, current, next *schema.Socket) (*handlers.Context, error)

	RegisterObserver(o Observer, eventTypes ...string)
	UnregisterObserver(o Observer)
	SetContextListener(tokenID string, o Observer)
	HasActiveObservers(eventType string, tc *store.TokenContext) bool
	FireEvent(ctx context.Context, ev *Event)

	// Executing reports whether the token is being executed by this engine.
	Executing(tokenID string) bool

	Models() model.Manager
}

// ValueValidator checks parameter values against their JSON Schema.
type ValueValidator interface {
	ValidateValue(value any, valueSchema map[string]any) error
}

// DefaultExceptionParam names the error socket parameter receiving the error.
const DefaultExceptionParam = "Exception"

// Config holds engine options.
type Config struct {
	RollbackOnError       bool           // roll back and mark ERROR when execution fails
	RetainCompletedTokens bool           // keep ended tokens instead of deleting them
	ExceptionParam        string         // error socket parameter bound to the error
	Validator             ValueValidator // nil disables parameter schemas
	NodeExecutors         *NodeExecutors // nil = built-in node kinds
	Breakers              *handlers.Breakers
	Logger                *slog.Logger
}

// engineImpl is the concrete Engine implementation.
type engineImpl struct {
	models    model.Manager
	handlers  *handlers.Registry
	script    *handlers.ScriptHandler
	exprs     *expressions.ExprEngine
	cel       *expressions.CELEngine
	paths     *expressions.PathEvaluator
	nodes     *NodeExecutors
	observers *observerRegistry
	parker    *parker
	config    Config
	logger    *slog.Logger

	// mu guards running and aborts.
	mu      sync.Mutex
	running map[string]struct{}
	aborts  map[string]bool
}

// New creates an Engine resolving processes through models and handlers
// through registry.
func New(models model.Manager, registry *handlers.Registry, cfg Config) (Engine, error) {
	if models == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a model manager")
	}
	if registry == nil {
		registry = handlers.NewRegistry()
	}
	if cfg.ExceptionParam == "" {
		cfg.ExceptionParam = DefaultExceptionParam
	}
	if cfg.NodeExecutors == nil {
		cfg.NodeExecutors = NewNodeExecutors()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := expressions.NewExprEngine()

	return &engineImpl{
		models:    models,
		handlers:  registry,
		script:    handlers.NewScriptHandler(exprEngine),
		exprs:     exprEngine,
		cel:       celEngine,
		paths:     expressions.NewPathEvaluator(),
		nodes:     cfg.NodeExecutors,
		observers: newObserverRegistry(),
		parker:    newParker(),
		config:    cfg,
		logger:    logging.OrNop(cfg.Logger),
		running:   make(map[string]struct{}),
		aborts:    make(map[string]bool),
	}, nil
}

func (e *engineImpl) Models() model.Manager { return e.models }

// --- Token lifecycle ---

func (e *engineImpl) NewToken(ctx context.Context, ref string, params map[string]any) (*store.TokenContext, error) {
	socket, err := e.ResolveSocketRef(ref, nil, nil, true)
	if err != nil {
		return nil, err
	}
	process := socket.Process()
	tc := store.NewTokenContext(process.Qualifier())
	tc.CurrentSocket = socket.Qualifier()

	for name, value := range params {
		if p := socket.Param(name); p != nil {
			tc.SetParamValue(p.Key(), value)
			continue
		}
		varName := strings.TrimPrefix(name, schema.VariablePrefix)
		if v := process.Variable(varName); v != nil {
			tc.SetParamValue(v.Key(), value)
			continue
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s declares no parameter or variable %q", socket.Qualifier(), name)
	}
	return tc, nil
}

func (e *engineImpl) NewChildToken(ctx context.Context, s store.Session, parent *store.TokenContext, ref string, params map[string]any) (*store.TokenContext, error) {
	if !strings.HasPrefix(ref, "/") {
		r, ok := schema.ParseSocketRef(parent.Process)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parent token has invalid process %q", parent.Process)
		}
		ref = "/" + r.Model + "/" + ref
	}
	child, err := e.NewToken(ctx, ref, params)
	if err != nil {
		return nil, err
	}
	child.ParentID = parent.ID
	child.Priority = parent.Priority
	child.QueueType = parent.QueueType
	if err := e.StartToken(ctx, s, child); err != nil {
		return nil, err
	}
	return child, nil
}

func (e *engineImpl) StartToken(ctx context.Context, s store.Session, tc *store.TokenContext) error {
	if tc.State != schema.StateCreated {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"cannot start token %s in state %s", tc.ID, tc.State)
	}
	process, err := e.models.Process(tc.Process)
	if err != nil {
		return err
	}
	if err := e.initVariables(ctx, tc, process); err != nil {
		return err
	}

	e.emit(ctx, schema.EventBeginToken, tc, nil)

	if err := e.ChangeTokenState(ctx, tc, schema.StateCreated, schema.RequestResume); err != nil {
		return err
	}
	if err := s.AddContext(ctx, tc); err != nil {
		return err
	}
	return s.Flush(ctx)
}

// initVariables creates the declared process variables, evaluating their
// default expression when the token carries no value yet.
func (e *engineImpl) initVariables(ctx context.Context, tc *store.TokenContext, process *schema.Process) error {
	for _, v := range process.Variables {
		key := v.Key()
		if tc.HasParamValue(key) {
			continue
		}
		if v.Default == "" {
			tc.SetParamValue(key, nil)
			continue
		}
		scope := expressions.NewScope(nil, tc.Variables(), handlers.TokenScope(tc))
		value, err := e.exprs.Evaluate(ctx, v.Default, scope.Env())
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression, "default of variable %q", v.Name).WithCause(err)
		}
		tc.SetParamValue(key, value)
	}
	return nil
}

func (e *engineImpl) ResumeToken(ctx context.Context, s store.Session, tc *store.TokenContext) error {
	if e.parker.unpark(tc.ID, func() { tc.Request = schema.RequestResume }) {
		return nil
	}
	switch tc.State {
	case schema.StateIdling:
		tc.Request = schema.RequestResume
		return nil
	case schema.StateSuspended:
		if err := e.ChangeTokenState(ctx, tc, schema.StateSuspended, schema.RequestResume); err != nil {
			return err
		}
		if err := s.SaveContext(ctx, tc); err != nil {
			return err
		}
		return s.Flush(ctx)
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"cannot resume token %s in state %s", tc.ID, tc.State)
	}
}

func (e *engineImpl) ResumeWorkflow(ctx context.Context, s store.Session, task *store.WorkflowTask, socketName, userID string) (*store.TokenContext, error) {
	if task.Status == schema.TaskStatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "workflow task %s is already completed", task.ID)
	}
	tc, err := s.GetContextByID(ctx, task.TokenID)
	if err != nil {
		return nil, err
	}
	node, err := e.nodeAt(task.WorkflowNode)
	if err != nil {
		return nil, err
	}
	from := node.DefaultEntrySocket()
	if from == nil && len(node.Sockets) > 0 {
		from = node.Sockets[0]
	}
	target, err := e.ResolveSocketRef(socketName, from, tc, true)
	if err != nil {
		return nil, err
	}

	tc.CurrentSocket = target.Qualifier()
	if err := e.ResumeToken(ctx, s, tc); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task.Status = schema.TaskStatusResumed
	task.AcceptingUser = userID
	task.TimeAccepted = &now
	if userID != "" {
		task.UserID = userID
	}
	if err := s.SaveWorkflowTask(ctx, task); err != nil {
		return nil, err
	}
	return tc, nil
}

func (e *engineImpl) EndToken(ctx context.Context, s store.Session, tc *store.TokenContext) error {
	e.emit(ctx, schema.EventBeforeEndToken, tc, nil)

	children, err := s.GetChildContexts(ctx, tc.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.State.Terminal() {
			continue
		}
		if e.requestAbort(child.ID) {
			continue
		}
		if err := e.EndToken(ctx, s, child); err != nil {
			return err
		}
	}
	tc.ParentID = ""

	removable, err := e.resolveTasks(ctx, s, tc)
	if err != nil {
		return err
	}

	if err := e.ChangeTokenState(ctx, tc, schema.StateCompleted, schema.RequestNone); err != nil {
		return err
	}
	if removable && tc.Persisted() && !e.config.RetainCompletedTokens {
		if err := s.DeleteContext(ctx, tc); err != nil {
			return err
		}
	} else if err := s.SaveContext(ctx, tc); err != nil {
		return err
	}

	e.emit(ctx, schema.EventAfterEndToken, tc, nil)
	e.observers.setListener(tc.ID, nil)
	return nil
}

// resolveTasks deletes or completes the resumed workflow tasks of tc.
// Tasks nobody accepted are left as they are. It reports whether no task
// is left referencing the token.
func (e *engineImpl) resolveTasks(ctx context.Context, s store.Session, tc *store.TokenContext) (bool, error) {
	tasks, err := s.GetWorkflowTasks(ctx, store.TaskCriteria{TokenID: tc.ID})
	if err != nil {
		return false, err
	}
	removable := true
	for _, t := range tasks {
		if t.Status != schema.TaskStatusResumed {
			removable = false
			continue
		}
		if t.DeleteAfterCompletion {
			if err := s.DeleteWorkflowTask(ctx, t); err != nil {
				return false, err
			}
			continue
		}
		removable = false
		now := time.Now().UTC()
		t.Status = schema.TaskStatusCompleted
		t.CompletedAt = &now
		if err := s.SaveWorkflowTask(ctx, t); err != nil {
			return false, err
		}
	}
	return removable, nil
}

func (e *engineImpl) AbortToken(ctx context.Context, s store.Session, tc *store.TokenContext) error {
	if e.requestAbort(tc.ID) {
		return nil
	}
	if tc.State.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"cannot abort token %s in state %s", tc.ID, tc.State)
	}

	children, err := s.GetChildContexts(ctx, tc.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.State.Terminal() {
			continue
		}
		if err := e.AbortToken(ctx, s, child); err != nil {
			return err
		}
	}

	if err := e.ChangeTokenState(ctx, tc, schema.StateAborted, schema.RequestNone); err != nil {
		return err
	}
	if err := s.SaveContext(ctx, tc); err != nil {
		return err
	}
	return s.Flush(ctx)
}

// --- Execution bookkeeping ---

func (e *engineImpl) Executing(tokenID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[tokenID]
	return ok
}

func (e *engineImpl) track(tokenID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[tokenID]; ok {
		return false
	}
	e.running[tokenID] = struct{}{}
	return true
}

func (e *engineImpl) untrack(tokenID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, tokenID)
	delete(e.aborts, tokenID)
}

// requestAbort flags an executing token for abort and wakes it if parked.
// Reports false when the token is not executing here.
func (e *engineImpl) requestAbort(tokenID string) bool {
	e.mu.Lock()
	if _, ok := e.running[tokenID]; !ok {
		e.mu.Unlock()
		return false
	}
	e.aborts[tokenID] = true
	e.mu.Unlock()

	e.parker.unpark(tokenID, nil)
	return true
}

func (e *engineImpl) takeAbort(tokenID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.aborts[tokenID] {
		return false
	}
	delete(e.aborts, tokenID)
	return true
}

// --- Handlers ---

func (e *engineImpl) ExecuteHandler(ctx context.Context, def *schema.HandlerDef, event string, tc *store.TokenContext, current, next *schema.Socket) (*handlers.Context, error) {
	return e.executeHandler(ctx, nil, def, event, tc, current, next)
}

func (e *engineImpl) executeHandler(ctx context.Context, spawner handlers.Spawner, def *schema.HandlerDef, event string, tc *store.TokenContext, current, next *schema.Socket) (hc *handlers.Context, err error) {
	if !def.HandlesEvent(event) {
		return nil, nil
	}

	var h handlers.Handler = e.script
	if def.Name != "" {
		if h, err = e.handlers.Get(def.Name); err != nil {
			return nil, err
		}
	}

	if b := e.config.Breakers; b != nil {
		if err := b.Allow(h.Name()); err != nil {
			return nil, err
		}
	}

	hc = handlers.NewContext(ctx, event, def, tc, current, next)
	hc.Logger = logging.LogWith(ctx, e.logger).With("handler", h.Name(), "event", event)
	hc.Spawner = spawner

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panic", "handler", h.Name(), "panic", r, "stack", string(debug.Stack()))
			hc, err = nil, schema.NewErrorf(schema.ErrCodeHandlerFailed, "handler %q panicked: %v", h.Name(), r)
		}
	}()

	handled, err := h.Execute(hc)
	if b := e.config.Breakers; b != nil {
		b.Record(h.Name(), err)
	}
	if err != nil {
		return nil, wrapHandlerError(h.Name(), err)
	}
	hc.Handled = handled
	return hc, nil
}

// wrapHandlerError wraps foreign errors as HANDLER_EXECUTION_FAILED and
// passes engine errors through.
func wrapHandlerError(name string, err error) error {
	var pe *schema.ProcflowError
	if errors.As(err, &pe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeHandlerFailed, "handler %q failed", name).WithCause(err)
}

// sessionSpawner starts child tokens inside the session of the executing token.
type sessionSpawner struct {
	e *engineImpl
	s store.Session
}

func (sp sessionSpawner) SpawnToken(ctx context.Context, parent *store.TokenContext, processRef string, params map[string]any) (*store.TokenContext, error) {
	return sp.e.NewChildToken(ctx, sp.s, parent, processRef, params)
}

// --- Model lookups ---

// socketAt returns the socket with the given absolute qualifier.
func (e *engineImpl) socketAt(qualifier string) (*schema.Socket, error) {
	r, ok := schema.ParseSocketRef(qualifier)
	if !ok || r.Socket == "" {
		return nil, schema.NewErrorf(schema.ErrCodeSocketNotFound, "invalid socket qualifier %q", qualifier)
	}
	node, err := e.nodeAt(fmt.Sprintf("%s.%s", r.ProcessQualifier(), r.Node))
	if err != nil {
		return nil, err
	}
	s := node.Socket(r.Socket)
	if s == nil {
		return nil, schema.NewErrorf(schema.ErrCodeSocketNotFound, "socket %q not found", qualifier)
	}
	return s, nil
}

// nodeAt returns the node with the given absolute qualifier.
func (e *engineImpl) nodeAt(qualifier string) (*schema.Node, error) {
	r, ok := schema.ParseSocketRef(qualifier)
	if !ok || r.Node == "" {
		return nil, schema.NewErrorf(schema.ErrCodeNodeNotFound, "invalid node qualifier %q", qualifier)
	}
	p, err := e.models.Process(r.ProcessQualifier())
	if err != nil {
		return nil, err
	}
	n := p.Node(r.Node)
	if n == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeNotFound, "node %q not found", qualifier)
	}
	return n, nil
}

var _ Engine = (*engineImpl)(nil)
