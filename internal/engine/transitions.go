package engine

import (
	"context"

	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/pkg/schema"
)

// leaveNode runs the exit side of a node for the exit socket the token sits
// on and hands the token to the next node.
func (x *execution) leaveNode(ctx context.Context, exit *schema.Socket) error {
	node := exit.Node
	ctx = logging.WithPosition(ctx, node.Name, exit.Name)

	hc, err := x.e.executeHandler(ctx, x.spawner(), node.Handler, schema.HandlerEventExit, x.tc, exit, exit)
	if err != nil {
		return err
	}
	if hc != nil && hc.NextSocketChanged() && hc.NextSocket != nil {
		x.moveTo(hc.NextSocket)
		if hc.NextSocket.Entry {
			return nil
		}
		exit = hc.NextSocket
		node = exit.Node
	}

	if err := x.prepareParams(ctx, exit); err != nil {
		return err
	}
	x.clearNodeData(exit)

	x.e.emit(ctx, schema.EventNodeExit, x.tc, func(ev *Event) {
		ev.Node = node.Qualifier()
		ev.Socket = exit.Qualifier()
	})

	return x.advanceToNextSocket(ctx, exit)
}

// clearNodeData drops the values of every other socket of the exit socket's
// node, except sockets an enclosing subprocess call still refers to.
func (x *execution) clearNodeData(exit *schema.Socket) {
	for _, s := range exit.Node.Sockets {
		if s == exit || x.tc.CallStack.Contains(s.Qualifier()) {
			continue
		}
		for _, p := range s.Params {
			x.tc.RemoveParamValue(p.Key())
		}
	}
}

// advanceToNextSocket distributes the exit socket's values over its data
// links, clears them, then follows the first control link whose guard
// passes. Without one, the token continues at the initial node named like
// the exit socket.
func (x *execution) advanceToNextSocket(ctx context.Context, exit *schema.Socket) error {
	values := paramValues(x.tc, exit)

	for _, p := range exit.Params {
		key := p.Key()
		if len(p.OutLinks) == 0 {
			x.autoAssign(p)
		}
		for _, dl := range p.OutLinks {
			if err := x.executeDataLink(ctx, dl); err != nil {
				return err
			}
		}
		x.tc.RemoveParamValue(key)
	}

	for _, cl := range exit.OutLinks {
		if cl.Condition != "" {
			ok, err := x.e.cel.EvaluateBool(ctx, cl.Condition, x.scope(exit, values).Data())
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeExpression, "guard of control link %s -> %s", cl.From, cl.To).
					WithSocket(exit.Qualifier()).WithCause(err)
			}
			if !ok {
				continue
			}
		}
		x.moveTo(cl.Target)
		x.e.emit(ctx, schema.EventControlFlow, x.tc, func(ev *Event) {
			ev.ControlLink = cl
			ev.Node = cl.Target.Node.Qualifier()
			ev.Socket = cl.Target.Qualifier()
		})
		return x.applyTransaction(ctx, cl)
	}

	return x.fallback(ctx, exit, values)
}

// fallback continues at the default exit socket of the initial node that
// carries the exit socket's name. Exit names double as continuation points
// inside a process.
func (x *execution) fallback(ctx context.Context, exit *schema.Socket, values map[string]any) error {
	initial := exit.Process().InitialNode(exit.Name)
	if initial == nil || initial == exit.Node {
		return schema.NewErrorf(schema.ErrCodeUnconnectedSocket, "exit socket has no control link and no initial node %q", exit.Name).
			WithSocket(exit.Qualifier())
	}
	target := initial.DefaultExitSocket()
	if target == nil {
		return schema.NewErrorf(schema.ErrCodeSocketNotFound, "initial node %s has no default exit socket", initial.Qualifier()).
			WithSocket(exit.Qualifier())
	}

	for name, v := range values {
		if p := target.Param(name); p != nil {
			x.tc.SetParamValue(p.Key(), v)
		}
	}
	x.moveTo(target)
	x.e.emit(ctx, schema.EventControlFlow, x.tc, func(ev *Event) {
		ev.Node = initial.Qualifier()
		ev.Socket = target.Qualifier()
	})
	return nil
}

// applyTransaction performs the transaction directive of a traversed link.
func (x *execution) applyTransaction(ctx context.Context, cl *schema.ControlLink) error {
	switch cl.Transaction {
	case schema.TxBegin:
		return x.s.Begin(ctx)
	case schema.TxCommit:
		return x.persist(ctx)
	case schema.TxCommitBegin:
		if err := x.persist(ctx); err != nil {
			return err
		}
		return x.s.Begin(ctx)
	case schema.TxRollback, schema.TxRollbackBegin:
		tc, err := x.e.RollbackAndContinue(ctx, x.s, x.tc, cl.RollbackData, cl.RollbackPosition)
		if err != nil {
			return err
		}
		x.tc = tc
		if err := x.e.ChangeTokenState(ctx, x.tc, schema.StateRunning, schema.RequestNone); err != nil {
			return schema.Unrecoverable(err)
		}
		if cl.Transaction == schema.TxRollbackBegin {
			return x.s.Begin(ctx)
		}
	}
	return nil
}
