package engine

import (
	"context"
	"errors"

	"github.com/rendis/procflow/pkg/schema"
)

// handleException decides how the token continues after err was raised
// while processing socket. A nil return means the token was redirected and
// execution goes on.
//
// Observers of HANDLE_EXCEPTION may pick CONTINUE, ERROR_SOCKET (the
// default) or RETHROW. Unrecoverable errors are still offered to observers
// but always escape.
func (x *execution) handleException(ctx context.Context, socket *schema.Socket, err error) error {
	handling := schema.HandlingErrorSocket
	if ev := x.e.emit(ctx, schema.EventHandleException, x.tc, func(ev *Event) {
		ev.Node = socket.Node.Qualifier()
		ev.Socket = socket.Qualifier()
		ev.Err = err
		ev.Handling = schema.HandlingErrorSocket
	}); ev != nil {
		handling = ev.Handling
	}
	if schema.IsUnrecoverable(err) {
		handling = schema.HandlingRethrow
	}

	switch handling {
	case schema.HandlingContinue:
		x.logger.Debug("exception continued by observer", "socket", x.tc.CurrentSocket, "error", err)
		return nil
	case schema.HandlingRethrow:
		x.fireProcessException(ctx, socket, err)
		return withSocket(err, socket)
	}

	target := errorSocket(socket)
	if target == nil || target == socket {
		x.fireProcessException(ctx, socket, err)
		return withSocket(err, socket)
	}

	x.moveTo(target)
	if p := target.Param(x.e.config.ExceptionParam); p != nil {
		x.tc.SetParamValue(p.Key(), asProcflowError(err, socket))
	}
	x.logger.Warn("exception routed to error socket", "socket", socket.Qualifier(), "target", target.Qualifier(), "error", err)
	return nil
}

func (x *execution) fireProcessException(ctx context.Context, socket *schema.Socket, err error) {
	x.e.emit(ctx, schema.EventProcessException, x.tc, func(ev *Event) {
		ev.Node = socket.Node.Qualifier()
		ev.Socket = socket.Qualifier()
		ev.Err = err
	})
}

// errorSocket returns the "Error" exit socket of the socket's node, or the
// default exit socket of the process's "Error" initial node.
func errorSocket(socket *schema.Socket) *schema.Socket {
	if s := socket.Node.ExitSocket(schema.SocketError); s != nil {
		return s
	}
	if n := socket.Process().InitialNode(schema.SocketError); n != nil {
		return n.DefaultExitSocket()
	}
	return nil
}

// asProcflowError returns err as a ProcflowError carrying the socket.
func asProcflowError(err error, socket *schema.Socket) *schema.ProcflowError {
	var pe *schema.ProcflowError
	if !errors.As(err, &pe) {
		pe = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
	}
	if pe.Socket == "" {
		pe.Socket = socket.Qualifier()
	}
	return pe
}

func withSocket(err error, socket *schema.Socket) error {
	var pe *schema.ProcflowError
	if errors.As(err, &pe) {
		if pe.Socket == "" {
			pe.Socket = socket.Qualifier()
		}
		return err
	}
	return schema.NewError(schema.ErrCodeExecution, "node execution failed").WithSocket(socket.Qualifier()).WithCause(err)
}
