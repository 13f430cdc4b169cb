package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/model"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

const flowYAML = `
model: Obs
processes:
  - name: Flow
    nodes:
      - name: Start
        kind: initial
      - name: Work
        kind: activity
        handler: {script: "true"}
        sockets:
          - {name: In, entry: true}
          - {name: Out}
      - name: End
        kind: final
    control_links:
      - {from: Start.Start, to: Work.In}
      - {from: Work.Out, to: End.End}
`

func TestMetrics_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Unix(100, 0)
	m.ObserveEvent(ctx, &engine.Event{Type: schema.EventBeginExecution, TokenID: "t1", Time: start})
	m.ObserveEvent(ctx, &engine.Event{Type: schema.EventNodeEntry, TokenID: "t1", Node: "/M/P.Work"})
	m.ObserveEvent(ctx, &engine.Event{Type: schema.EventNodeEntry, TokenID: "t1", Node: "/M/P.Work"})
	m.ObserveEvent(ctx, &engine.Event{Type: schema.EventTokenStateChange, TokenID: "t1", State: schema.StateError})
	m.ObserveEvent(ctx, &engine.Event{
		Type:    schema.EventProcessException,
		TokenID: "t1",
		Err:     schema.NewError(schema.ErrCodeHandlerFailed, "boom"),
	})
	m.ObserveEvent(ctx, &engine.Event{
		Type:    schema.EventEndExecution,
		TokenID: "t1",
		Time:    start.Add(2 * time.Second),
		State:   schema.StateError,
		Err:     schema.NewError(schema.ErrCodeHandlerFailed, "boom"),
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues(schema.EventNodeEntry)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.nodeEntries.WithLabelValues("/M/P.Work")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.states.WithLabelValues("ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exceptions.WithLabelValues(schema.ErrCodeHandlerFailed)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.executions))
	assert.Empty(t, m.started)
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

type executingStub int

func (s executingStub) Executing() int { return int(s) }

func TestRegisterRunnerGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterRunnerGauge(reg, executingStub(3)))

	n, err := testutil.GatherAndCount(reg, "procflow_tokens_executing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_WithEngine(t *testing.T) {
	var m schema.Model
	require.NoError(t, yaml.Unmarshal([]byte(flowYAML), &m))
	models := model.NewRegistry()
	require.NoError(t, models.Register(&m))

	e, err := engine.New(models, handlers.NewRegistry(), engine.Config{})
	require.NoError(t, err)

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	e.RegisterObserver(metrics)
	e.RegisterObserver(NewTraceLogger(nil, 0))

	st := store.NewMemoryStore()
	ctx := context.Background()
	tc, err := engine.NewLauncher(e, st).Launch(ctx, "/Obs/Flow", nil, engine.LaunchOptions{})
	require.NoError(t, err)

	s := st.NewSession()
	defer s.Close()
	loaded, err := s.GetContextByID(ctx, tc.ID)
	require.NoError(t, err)
	require.NoError(t, e.ExecuteContext(ctx, s, loaded))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.nodeEntries.WithLabelValues("/Obs/Flow.Work")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.events.WithLabelValues(schema.EventAfterEndToken)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.states.WithLabelValues("COMPLETED")))
}
