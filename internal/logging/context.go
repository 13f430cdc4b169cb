package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	tokenIDKey ctxKey = iota
	nodeKey
	socketKey
)

// correlationKeys lists the context values every record is enriched with,
// in output order.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{tokenIDKey, "token_id"},
	{nodeKey, "node"},
	{socketKey, "socket"},
}

// WithTokenID returns a context carrying the id of the executing token.
func WithTokenID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tokenIDKey, id)
}

// WithNode returns a context carrying the qualifier of the current node.
func WithNode(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, nodeKey, node)
}

// WithSocket returns a context carrying the qualifier of the current socket.
func WithSocket(ctx context.Context, socket string) context.Context {
	return context.WithValue(ctx, socketKey, socket)
}

// WithPosition sets the node and socket of a token step at once.
func WithPosition(ctx context.Context, node, socket string) context.Context {
	return WithSocket(WithNode(ctx, node), socket)
}

func TokenID(ctx context.Context) string { return value(ctx, tokenIDKey) }
func Node(ctx context.Context) string    { return value(ctx, nodeKey) }
func Socket(ctx context.Context) string  { return value(ctx, socketKey) }

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// correlationAttrs returns the non-empty correlation values of ctx.
func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, k := range correlationKeys {
		if v := value(ctx, k.key); v != "" {
			attrs = append(attrs, slog.String(k.attr, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with the correlation values of ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects the correlation values
// of the record's context, so callers can use logger.InfoContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
