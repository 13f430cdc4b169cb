package observability

import (
	"context"
	"log/slog"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/pkg/schema"
)

// TraceLogger logs engine events. Exceptions are logged at warn level,
// everything else at level.
type TraceLogger struct {
	logger *slog.Logger
	level  slog.Level
}

// NewTraceLogger creates a TraceLogger.
func NewTraceLogger(logger *slog.Logger, level slog.Level) *TraceLogger {
	return &TraceLogger{logger: logging.OrNop(logger).With("component", "trace"), level: level}
}

// ObserveEvent implements engine.Observer.
func (l *TraceLogger) ObserveEvent(ctx context.Context, ev *engine.Event) {
	level := l.level
	if ev.Type == schema.EventProcessException || ev.Type == schema.EventHandleException {
		level = slog.LevelWarn
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{slog.String("token_id", ev.TokenID)}
	if ev.Node != "" {
		attrs = append(attrs, slog.String("node", ev.Node))
	}
	if ev.Socket != "" {
		attrs = append(attrs, slog.String("socket", ev.Socket))
	}
	if ev.State != "" {
		attrs = append(attrs, slog.String("state", string(ev.State)))
	}
	if ev.OldState != "" {
		attrs = append(attrs, slog.String("old_state", string(ev.OldState)))
	}
	if ev.DataLink != nil {
		attrs = append(attrs, slog.String("from", ev.DataLink.From), slog.String("to", ev.DataLink.To))
	}
	if ev.ControlLink != nil {
		attrs = append(attrs, slog.String("from", ev.ControlLink.From), slog.String("to", ev.ControlLink.To))
	}
	if ev.Handling != "" {
		attrs = append(attrs, slog.String("handling", string(ev.Handling)))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.Any("error", ev.Err))
	}
	l.logger.LogAttrs(ctx, level, ev.Type, attrs...)
}
