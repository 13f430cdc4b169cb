package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/pkg/schema"
)

func TestTraceLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewTraceLogger(logging.NewWithWriter(&buf, slog.LevelInfo), slog.LevelDebug)

	l.ObserveEvent(context.Background(), &engine.Event{Type: schema.EventNodeEntry, TokenID: "t1", Node: "/M/P.A"})
	assert.Empty(t, buf.String(), "debug events are below the logger level")

	l.ObserveEvent(context.Background(), &engine.Event{
		Type:     schema.EventHandleException,
		TokenID:  "t1",
		Socket:   "/M/P.A.In",
		Handling: schema.HandlingErrorSocket,
		Err:      errors.New("boom"),
	})
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "msg=HANDLE_EXCEPTION")
	assert.Contains(t, out, "socket=/M/P.A.In")
	assert.Contains(t, out, "err=boom")
	assert.Contains(t, out, "component=trace")
}
