package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

func TestRenderMermaid(t *testing.T) {
	m, err := Build(approveProcess(t), nil, Options{DataLinks: true})
	require.NoError(t, err)

	output := RenderMermaid(m)

	assert.Contains(t, output, "graph LR")
	assert.Contains(t, output, "%% /Orders/Approve")
	assert.Contains(t, output, `Start(("Start"))`)
	assert.Contains(t, output, `Check{"Check"}`)
	assert.Contains(t, output, `Review[["Review"]]`)
	assert.Contains(t, output, `End((("End")))`)
	assert.Contains(t, output, "Check -->|Yes| Review")
	assert.Contains(t, output, "Start -.->|amount| Check")
	assert.Contains(t, output, "Retry -.->|Start| Start")
	assert.Contains(t, output, "classDef completed")
	assert.NotContains(t, output, "class Check")
}

func TestRenderMermaidSubprocess(t *testing.T) {
	m, err := Build(approveProcess(t), nil, Options{Subprocess: true})
	require.NoError(t, err)

	output := RenderMermaid(m)
	assert.Contains(t, output, `subgraph Review_call["/Orders/Review"]`)
	assert.Contains(t, output, `Review_Ask{{"Ask"}}`)
	assert.Contains(t, output, "Review_Ask --> Review_Done")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	tc := store.NewTokenContext("/Orders/Approve")
	tc.CurrentSocket = "/Orders/Approve.Check.In"
	tc.State = schema.StateError

	m, err := Build(approveProcess(t), tc, Options{})
	require.NoError(t, err)
	assert.Contains(t, RenderMermaid(m), "class Check failed")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "Review_Ask", mermaidSafeID("Review.Ask"))
	assert.Equal(t, "fan_out_x", mermaidSafeID("fan-out x"))
}
