package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/logging"
)

// Observer forwards engine events to a hub.
type Observer struct {
	hub    EventHub
	logger *slog.Logger
}

// NewObserver creates an Observer publishing to hub.
func NewObserver(hub EventHub, logger *slog.Logger) *Observer {
	return &Observer{hub: hub, logger: logging.OrNop(logger)}
}

// ObserveEvent implements engine.Observer.
func (o *Observer) ObserveEvent(ctx context.Context, ev *engine.Event) {
	if err := o.hub.Publish(context.WithoutCancel(ctx), FromEngineEvent(ev)); err != nil {
		o.logger.Warn("publish trace event", "type", ev.Type, "error", err)
	}
}

// FromEngineEvent converts an engine event. The live token is not carried.
func FromEngineEvent(ev *engine.Event) StreamEvent {
	se := StreamEvent{
		ID:      ev.ID,
		TokenID: ev.TokenID,
		Type:    ev.Type,
		Time:    ev.Time,
		Node:    ev.Node,
		Socket:  ev.Socket,
		State:   string(ev.State),
	}
	if ev.Err != nil {
		se.Error = ev.Err.Error()
	}
	switch {
	case ev.DataLink != nil:
		se.Payload = map[string]any{"from": ev.DataLink.From, "to": ev.DataLink.To, "value": ev.Value}
	case ev.ControlLink != nil:
		se.Payload = map[string]any{"from": ev.ControlLink.From, "to": ev.ControlLink.To}
	case ev.OldState != "":
		se.Payload = map[string]any{"old_state": string(ev.OldState), "old_request": string(ev.OldRequest), "request": string(ev.Request)}
	}
	return se
}
