package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// execution steps one token inside one session. It is owned by a single
// goroutine for the duration of ExecuteContext.
type execution struct {
	e      *engineImpl
	s      store.Session
	tc     *store.TokenContext
	logger *slog.Logger
}

// ExecuteContext runs the token until it leaves RUNNING: it suspends,
// completes, aborts or fails. Failures mark the token ERROR and are
// returned as unrecoverable errors.
func (e *engineImpl) ExecuteContext(ctx context.Context, s store.Session, tc *store.TokenContext) error {
	if tc == nil {
		return schema.NewError(schema.ErrCodeValidation, "token context is nil")
	}
	if tc.CurrentSocket == "" {
		return schema.NewErrorf(schema.ErrCodeInvalidState, "token %s has no current socket", tc.ID)
	}
	if tc.State.Terminal() || tc.State == schema.StateIdling {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"cannot execute token %s in state %s", tc.ID, tc.State)
	}
	if !e.track(tc.ID) {
		return schema.NewErrorf(schema.ErrCodeConflict, "token %s is already executing", tc.ID)
	}
	defer e.untrack(tc.ID)

	ctx = logging.WithTokenID(ctx, tc.ID)
	x := &execution{e: e, s: s, tc: tc, logger: logging.LogWith(ctx, e.logger)}

	err := x.run(ctx)
	if err != nil {
		err = x.fail(ctx, err)
	}
	e.emit(ctx, schema.EventEndExecution, x.tc, func(ev *Event) { ev.Err = err })
	return err
}

func (x *execution) run(ctx context.Context) error {
	if err := x.s.Begin(ctx); err != nil {
		return err
	}
	if err := x.e.ChangeTokenState(ctx, x.tc, schema.StateRunning, schema.RequestNone); err != nil {
		return err
	}
	x.e.emit(ctx, schema.EventBeginExecution, x.tc, nil)

	if err := x.executeTransaction(ctx); err != nil {
		return err
	}
	return x.commit(ctx)
}

// executeTransaction steps the token while it is RUNNING.
func (x *execution) executeTransaction(ctx context.Context) error {
	for x.tc.State == schema.StateRunning {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		if x.e.takeAbort(x.tc.ID) {
			x.tc.Request = schema.RequestAbort
			_, err := x.handleLifecycleRequest(ctx)
			return err
		}
		if err := x.executeNextStep(ctx); err != nil {
			return err
		}
	}
	return nil
}

// executeNextStep processes the current socket: an entry socket runs its
// node, an exit socket hands the token to the next node.
func (x *execution) executeNextStep(ctx context.Context) error {
	socket, err := x.currentSocket()
	if err != nil {
		return err
	}
	if socket == nil {
		return x.stop(ctx)
	}
	x.tc.Progress.Steps++

	if socket.Entry {
		if err := x.enterNode(ctx, socket); err != nil {
			if err := x.handleException(ctx, socket, err); err != nil {
				return err
			}
		}
	}

	if done, err := x.handleLifecycleRequest(ctx); done || err != nil {
		return err
	}
	if x.tc.State != schema.StateRunning {
		return nil
	}

	socket, err = x.currentSocket()
	if err != nil {
		return err
	}
	if socket == nil {
		return x.stop(ctx)
	}
	if socket.Entry {
		return nil
	}
	if err := x.leaveNode(ctx, socket); err != nil {
		return x.handleException(ctx, socket, err)
	}
	return nil
}

// currentSocket resolves the token position. A model that no longer holds
// the socket is an unrecoverable error.
func (x *execution) currentSocket() (*schema.Socket, error) {
	if x.tc.CurrentSocket == "" {
		return nil, nil
	}
	s, err := x.e.socketAt(x.tc.CurrentSocket)
	if err != nil {
		return nil, schema.Unrecoverable(err)
	}
	return s, nil
}

func (x *execution) moveTo(s *schema.Socket) {
	x.tc.CurrentSocket = s.Qualifier()
}

// --- Entry ---

func (x *execution) enterNode(ctx context.Context, socket *schema.Socket) error {
	node := socket.Node
	ctx = logging.WithPosition(ctx, node.Name, socket.Name)

	if err := x.checkGlobalLinks(ctx, socket); err != nil {
		return err
	}
	if err := x.prepareParams(ctx, socket); err != nil {
		return err
	}
	x.dragAlong(socket)

	x.tc.Progress.LastNode = node.Qualifier()
	x.e.emit(ctx, schema.EventNodeEntry, x.tc, func(ev *Event) {
		ev.Node = node.Qualifier()
		ev.Socket = socket.Qualifier()
	})

	hc, err := x.e.executeHandler(ctx, x.spawner(), node.Handler, schema.HandlerEventEntry, x.tc, socket, node.DefaultExitSocket())
	if err != nil {
		return err
	}
	if hc != nil && hc.NextSocketChanged() && hc.NextSocket != nil {
		x.moveTo(hc.NextSocket)
		return nil
	}

	return x.e.nodes.Lookup(node.Kind).ExecuteNode(ctx, &Step{x: x, node: node, entry: socket})
}

// prepareParams evaluates parameter scripts (always) and constant
// expressions (only while unset), then enforces required parameters and
// parameter schemas.
func (x *execution) prepareParams(ctx context.Context, socket *schema.Socket) error {
	for _, p := range socket.Params {
		key := p.Key()
		source := p.Script
		if source == "" && !x.tc.HasParamValue(key) {
			source = p.Expression
		}
		if source != "" {
			v, err := x.evaluate(ctx, socket, source)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeExpression, "parameter %q", p.Name).
					WithSocket(socket.Qualifier()).WithCause(err)
			}
			x.tc.SetParamValue(key, v)
		}

		if !x.tc.HasParamValue(key) {
			if p.Required {
				return schema.NewErrorf(schema.ErrCodeRequiredParam, "required parameter %q has no value", p.Name).
					WithSocket(socket.Qualifier())
			}
			continue
		}
		if len(p.Schema) > 0 && x.e.config.Validator != nil {
			v, _ := x.tc.ParamValue(key)
			if err := x.e.config.Validator.ValidateValue(v, p.Schema); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "parameter %q violates its schema", p.Name).
					WithSocket(socket.Qualifier()).WithCause(err)
			}
		}
	}
	return nil
}

// dragAlong copies entry parameter values to same-named parameters of the
// node's exit sockets.
func (x *execution) dragAlong(entry *schema.Socket) {
	for _, exit := range entry.Node.Sockets {
		if exit.Entry {
			continue
		}
		for _, p := range entry.Params {
			target := exit.Param(p.Name)
			if target == nil {
				continue
			}
			if v, ok := x.tc.ParamValue(p.Key()); ok && v != nil {
				x.tc.SetParamValue(target.Key(), v)
			}
		}
	}
}

func (x *execution) evaluate(ctx context.Context, socket *schema.Socket, source string) (any, error) {
	return x.e.exprs.Evaluate(ctx, source, x.scope(socket, nil).Env())
}

// scope builds the expression environment of socket. values replaces the
// socket's stored values when set.
func (x *execution) scope(socket *schema.Socket, values map[string]any) *expressions.Scope {
	if values == nil {
		values = paramValues(x.tc, socket)
	}
	return expressions.NewScope(values, x.tc.Variables(), handlers.TokenScope(x.tc))
}

// --- Lifecycle requests ---

// handleLifecycleRequest acts on the pending request. done reports that the
// token left RUNNING and the transaction was closed.
func (x *execution) handleLifecycleRequest(ctx context.Context) (done bool, err error) {
	switch x.tc.Request {
	case schema.RequestSuspendMemory:
		return x.idle(ctx)
	case schema.RequestSuspendImmediate:
		return true, x.suspend(ctx, schema.RequestNone)
	case schema.RequestSuspendTransaction:
		return true, x.suspend(ctx, schema.RequestResume)
	case schema.RequestStop:
		return true, x.stop(ctx)
	case schema.RequestAbort:
		return true, x.abort(ctx)
	}
	return false, nil
}

// idle parks the goroutine until the token is resumed in memory.
func (x *execution) idle(ctx context.Context) (bool, error) {
	wake := x.e.parker.prepare(x.tc.ID)
	if err := x.e.ChangeTokenState(ctx, x.tc, schema.StateIdling, schema.RequestNone); err != nil {
		x.e.parker.cancel(x.tc.ID)
		return false, err
	}
	x.logger.Debug("token idling")

	select {
	case <-wake:
	case <-ctx.Done():
		x.e.parker.cancel(x.tc.ID)
		return false, cancelled(ctx.Err())
	}

	if x.e.takeAbort(x.tc.ID) {
		return true, x.abort(ctx)
	}
	return false, x.e.ChangeTokenState(ctx, x.tc, schema.StateRunning, schema.RequestNone)
}

// suspend persists the token as SUSPENDED. request RESUME makes it eligible
// for the next runner poll right away.
func (x *execution) suspend(ctx context.Context, request schema.LifecycleRequest) error {
	if err := x.e.ChangeTokenState(ctx, x.tc, schema.StateSuspended, request); err != nil {
		return err
	}
	x.logger.Debug("token suspended", "socket", x.tc.CurrentSocket)
	return x.persist(ctx)
}

func (x *execution) stop(ctx context.Context) error {
	if err := x.e.EndToken(ctx, x.s, x.tc); err != nil {
		return err
	}
	x.logger.Debug("token completed")
	return x.commit(ctx)
}

func (x *execution) abort(ctx context.Context) error {
	if err := x.reload(ctx); err != nil {
		return err
	}
	if err := x.e.ChangeTokenState(ctx, x.tc, schema.StateAborted, schema.RequestNone); err != nil {
		return err
	}
	x.logger.Info("token aborted", "socket", x.tc.CurrentSocket)
	return x.persist(ctx)
}

// reload rolls back the session and continues with the last committed
// token. A token that was never committed keeps its in-memory state.
func (x *execution) reload(ctx context.Context) error {
	id := x.tc.ID
	x.s.EvictContext(x.tc)
	if err := x.s.Rollback(ctx); err != nil {
		return err
	}
	tc, err := x.s.GetContextByID(ctx, id)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil
		}
		return schema.Unrecoverable(err)
	}
	x.tc = tc
	return nil
}

// persist saves the token and commits, opening a transaction when the
// session has none so the write is flushed.
func (x *execution) persist(ctx context.Context) error {
	if err := x.s.Begin(ctx); err != nil {
		return err
	}
	if err := x.s.SaveContext(ctx, x.tc); err != nil {
		return err
	}
	return x.s.Commit(ctx)
}

func (x *execution) commit(ctx context.Context) error {
	if err := x.s.Begin(ctx); err != nil {
		return err
	}
	return x.s.Commit(ctx)
}

// fail records an execution failure. Cancellation returns the token to the
// queue; other errors mark it ERROR.
func (x *execution) fail(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)

	if schema.HasCode(cause, schema.ErrCodeCancelled) {
		if err := x.reload(ctx); err != nil {
			return errors.Join(cause, err)
		}
		if !x.tc.State.Terminal() {
			state := schema.StateSuspended
			if x.tc.State == schema.StateCreated {
				state = schema.StateCreated
			}
			_ = x.e.ChangeTokenState(ctx, x.tc, state, schema.RequestResume)
			if err := x.persist(ctx); err != nil {
				return errors.Join(cause, err)
			}
		}
		x.logger.Info("token execution cancelled", "socket", x.tc.CurrentSocket)
		return cause
	}

	x.logger.Error("token execution failed", "socket", x.tc.CurrentSocket, "error", cause)

	if x.e.config.RollbackOnError && !schema.HasCode(cause, schema.ErrCodeTransaction) {
		if err := x.reload(ctx); err != nil {
			return schema.Unrecoverable(errors.Join(cause, err))
		}
	}
	if err := x.e.ChangeTokenState(ctx, x.tc, schema.StateError, schema.RequestNone); err != nil {
		x.tc.State, x.tc.Request = schema.StateError, schema.RequestNone
	}
	if err := x.persist(ctx); err != nil {
		x.logger.Error("persist failed token", "error", err)
	}
	return schema.Unrecoverable(cause)
}

func (x *execution) spawner() handlers.Spawner {
	return sessionSpawner{e: x.e, s: x.s}
}

func cancelled(err error) error {
	return schema.NewError(schema.ErrCodeCancelled, "token execution cancelled").WithCause(err).AsUnrecoverable()
}

// paramValues returns the values of the declared parameters of s keyed by
// parameter name.
func paramValues(tc *store.TokenContext, s *schema.Socket) map[string]any {
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
