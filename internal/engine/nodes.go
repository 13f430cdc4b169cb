package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// NodeExecutor runs the kind-specific behavior of a node once its entry
// socket has been prepared. It moves the token to the next socket or places
// a lifecycle request.
type NodeExecutor interface {
	ExecuteNode(ctx context.Context, st *Step) error
}

// NodeExecutorFunc adapts a function to a NodeExecutor.
type NodeExecutorFunc func(ctx context.Context, st *Step) error

func (f NodeExecutorFunc) ExecuteNode(ctx context.Context, st *Step) error { return f(ctx, st) }

// NodeExecutors maps node kinds to their executors. Unknown kinds fall back
// to the placeholder behavior.
type NodeExecutors struct {
	mu       sync.RWMutex
	byKind   map[schema.NodeKind]NodeExecutor
	fallback NodeExecutor
}

// NewNodeExecutors creates a registry holding the built-in node kinds.
func NewNodeExecutors() *NodeExecutors {
	r := &NodeExecutors{byKind: make(map[schema.NodeKind]NodeExecutor)}
	r.Register(schema.NodeInitial, NodeExecutorFunc(executePassThrough))
	r.Register(schema.NodeFinal, NodeExecutorFunc(executeFinal))
	r.Register(schema.NodeActivity, NodeExecutorFunc(executeActivity))
	r.Register(schema.NodeDecision, NodeExecutorFunc(executeDecision))
	r.Register(schema.NodeSubprocess, NodeExecutorFunc(executeSubprocess))
	r.Register(schema.NodeWorkflow, NodeExecutorFunc(executeWorkflow))
	r.Register(schema.NodeWaitState, NodeExecutorFunc(executeWaitState))
	r.fallback = NodeExecutorFunc(executePassThrough)
	r.Register(schema.NodePlaceholder, r.fallback)
	return r
}

// Register sets the executor of a node kind, replacing any previous one.
func (r *NodeExecutors) Register(kind schema.NodeKind, ex NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = ex
}

// Lookup returns the executor of a node kind.
func (r *NodeExecutors) Lookup(kind schema.NodeKind) NodeExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ex, ok := r.byKind[kind]; ok {
		return ex
	}
	return r.fallback
}

// Step is what a node executor sees of the token being stepped.
type Step struct {
	x     *execution
	node  *schema.Node
	entry *schema.Socket
}

func (st *Step) Token() *store.TokenContext { return st.x.tc }
func (st *Step) Node() *schema.Node         { return st.node }
func (st *Step) Entry() *schema.Socket      { return st.entry }
func (st *Step) Session() store.Session     { return st.x.s }
func (st *Step) Logger() *slog.Logger       { return st.x.logger }

// MoveTo sets the socket the token continues at.
func (st *Step) MoveTo(s *schema.Socket) { st.x.moveTo(s) }

// Request places a lifecycle request handled after the node ran.
func (st *Step) Request(r schema.LifecycleRequest) { st.x.tc.Request = r }

// ExecuteHandler runs the node's handler for event with the entry socket as
// current socket and the default exit socket as next socket.
func (st *Step) ExecuteHandler(ctx context.Context, event string) (*handlers.Context, error) {
	return st.x.e.executeHandler(ctx, st.x.spawner(), st.node.Handler, event, st.x.tc, st.entry, st.node.DefaultExitSocket())
}

// EvaluateCondition evaluates a CEL condition against the entry socket.
func (st *Step) EvaluateCondition(ctx context.Context, condition string) (bool, error) {
	return st.x.e.cel.EvaluateBool(ctx, condition, st.x.scope(st.entry, nil).Data())
}

// defaultExit returns the default exit socket of the node or an error.
func (st *Step) defaultExit() (*schema.Socket, error) {
	if s := st.node.DefaultExitSocket(); s != nil {
		return s, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeSocketNotFound, "node %s has no default exit socket", st.node.Qualifier())
}

// --- Built-in node kinds ---

func executePassThrough(_ context.Context, st *Step) error {
	next, err := st.defaultExit()
	if err != nil {
		return err
	}
	st.MoveTo(next)
	return nil
}

// executeFinal ends the token, or returns from a subprocess call to the
// caller's exit socket named like the final node.
func executeFinal(_ context.Context, st *Step) error {
	tc := st.Token()
	frame, ok := tc.CallStack.Pop()
	if !ok {
		st.Request(schema.RequestStop)
		return nil
	}

	caller, err := st.x.e.socketAt(frame.Socket)
	if err != nil {
		return schema.Unrecoverable(err)
	}
	target := caller.Node.ExitSocket(st.node.Name)
	if target == nil {
		target = caller.Node.DefaultExitSocket()
	}
	if target == nil {
		return schema.NewErrorf(schema.ErrCodeSocketNotFound,
			"subprocess node %s has no exit socket %q", caller.Node.Qualifier(), st.node.Name)
	}

	for _, p := range st.entry.Params {
		v, ok := tc.ParamValue(p.Key())
		if tp := target.Param(p.Name); tp != nil && ok && v != nil {
			tc.SetParamValue(tp.Key(), v)
		}
		tc.RemoveParamValue(p.Key())
	}
	st.MoveTo(target)
	return nil
}

// executeActivity runs the activity handler and continues at the socket it
// chose, or the default exit socket.
func executeActivity(ctx context.Context, st *Step) error {
	hc, err := st.ExecuteHandler(ctx, schema.HandlerEventActivity)
	if err != nil {
		return err
	}
	if hc != nil && hc.NextSocket != nil {
		st.MoveTo(hc.NextSocket)
		return nil
	}
	return executePassThrough(ctx, st)
}

func executeDecision(ctx context.Context, st *Step) error {
	ok, err := st.EvaluateCondition(ctx, st.node.Condition)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExpression, "decision %s", st.node.Qualifier()).
			WithSocket(st.entry.Qualifier()).WithCause(err)
	}
	name := schema.SocketNo
	if ok {
		name = schema.SocketYes
	}
	next := st.node.ExitSocket(name)
	if next == nil {
		return schema.NewErrorf(schema.ErrCodeSocketNotFound, "decision %s has no exit socket %q", st.node.Qualifier(), name)
	}
	st.MoveTo(next)
	return nil
}

// executeSubprocess pushes a call frame and continues at the called
// process's initial node named like the entry socket.
func executeSubprocess(_ context.Context, st *Step) error {
	callee, err := st.callee()
	if err != nil {
		return err
	}
	initial := callee.InitialNode(st.entry.Name)
	if initial == nil {
		initial = callee.DefaultInitialNode()
	}
	if initial == nil {
		return schema.NewErrorf(schema.ErrCodeNoInitialNode, "process %s has no initial node", callee.Qualifier())
	}
	start := initial.DefaultExitSocket()
	if start == nil {
		return schema.NewErrorf(schema.ErrCodeSocketNotFound, "initial node %s has no default exit socket", initial.Qualifier())
	}

	tc := st.Token()
	tc.CallStack.Push(store.CallFrame{Socket: st.entry.Qualifier(), Process: callee.Qualifier()})
	for _, p := range st.entry.Params {
		if tp := start.Param(p.Name); tp != nil {
			if v, ok := tc.ParamValue(p.Key()); ok && v != nil {
				tc.SetParamValue(tp.Key(), v)
			}
		}
	}
	st.MoveTo(start)
	return nil
}

func (st *Step) callee() (*schema.Process, error) {
	if st.node.SubprocessRef != nil {
		return st.node.SubprocessRef, nil
	}
	ref := st.node.Subprocess
	if !strings.HasPrefix(ref, "/") {
		ref = st.node.Process.Model.Qualifier() + "/" + ref
	}
	return st.x.e.models.Process(ref)
}

// executeWorkflow records a workflow task and suspends the token until the
// task is resumed.
func executeWorkflow(ctx context.Context, st *Step) error {
	name := st.node.Description
	if name == "" {
		name = st.node.Name
	}
	task := store.NewWorkflowTask(st.Token().ID, st.node.Qualifier(), name)
	task.StepName = st.node.StepName
	task.RoleID = st.node.Role
	if err := st.Session().SaveWorkflowTask(ctx, task); err != nil {
		return err
	}
	st.Logger().Info("workflow task created", "task_id", task.ID, "role", task.RoleID)
	st.Request(schema.RequestSuspendImmediate)
	return nil
}

// executeWaitState moves to the default exit socket and suspends, in memory
// when the node asks for it.
func executeWaitState(_ context.Context, st *Step) error {
	next, err := st.defaultExit()
	if err != nil {
		return err
	}
	st.MoveTo(next)
	if st.node.InMemory {
		st.Request(schema.RequestSuspendMemory)
	} else {
		st.Request(schema.RequestSuspendImmediate)
	}
	return nil
}
