package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/pkg/schema"
)

// ClientNotifier pushes notifications to connected clients.
type ClientNotifier interface {
	Notify(ctx context.Context, clientID string, payload map[string]any) error
}

// Notifier is an engine observer pushing state changes of client-owned
// tokens to the owner's MCP session.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

var (
	_ ClientNotifier  = (*Notifier)(nil)
	_ engine.Observer = (*Notifier)(nil)
)

// NewNotifier creates a Notifier.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends a notification to the client's session. A client that is not
// connected is skipped.
func (n *Notifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(clientID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// ObserveEvent implements engine.Observer for TOKEN_STATE_CHANGE events.
func (n *Notifier) ObserveEvent(ctx context.Context, ev *engine.Event) {
	if ev.Type != schema.EventTokenStateChange || ev.State == ev.OldState {
		return
	}
	clientID, ok := n.sessions.OwnerOf(ev.TokenID)
	if !ok {
		return
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "procflow",
		"data": map[string]any{
			"token_id":  ev.TokenID,
			"state":     ev.State,
			"old_state": ev.OldState,
			"socket":    ev.Socket,
		},
	}
	if err := n.Notify(ctx, clientID, payload); err != nil {
		n.logger.Warn("token notification failed", "token_id", ev.TokenID, "client_id", clientID, "error", err)
	}
	if ev.State.Terminal() {
		n.sessions.Release(ev.TokenID)
	}
}
