package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/pkg/schema"
)

const namespace = "procflow"

// Metrics is an engine observer recording prometheus metrics.
type Metrics struct {
	events      *prometheus.CounterVec
	nodeEntries *prometheus.CounterVec
	states      *prometheus.CounterVec
	exceptions  *prometheus.CounterVec
	executions  *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events fired, by type.",
		}, []string{"type"}),
		nodeEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_entries_total",
			Help:      "Node entries, by node qualifier.",
		}, []string{"node"}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_state_changes_total",
			Help:      "Token lifecycle transitions, by target state.",
		}, []string{"state"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exceptions_total",
			Help:      "Exceptions that escaped a token, by error code.",
		}, []string{"code"}),
		executions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of one token execution run.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		started: make(map[string]time.Time),
	}
	for _, c := range []prometheus.Collector{m.events, m.nodeEntries, m.states, m.exceptions, m.executions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveEvent implements engine.Observer.
func (m *Metrics) ObserveEvent(_ context.Context, ev *engine.Event) {
	m.events.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case schema.EventNodeEntry:
		m.nodeEntries.WithLabelValues(ev.Node).Inc()
	case schema.EventTokenStateChange:
		m.states.WithLabelValues(string(ev.State)).Inc()
	case schema.EventProcessException:
		m.exceptions.WithLabelValues(errorCode(ev.Err)).Inc()
	case schema.EventBeginExecution:
		m.mu.Lock()
		m.started[ev.TokenID] = ev.Time
		m.mu.Unlock()
	case schema.EventEndExecution:
		m.mu.Lock()
		start, ok := m.started[ev.TokenID]
		delete(m.started, ev.TokenID)
		m.mu.Unlock()
		if ok {
			m.executions.WithLabelValues(outcome(ev)).Observe(ev.Time.Sub(start).Seconds())
		}
	}
}

func outcome(ev *engine.Event) string {
	if ev.Err != nil {
		return "error"
	}
	if ev.State == "" {
		return "unknown"
	}
	return string(ev.State)
}

func errorCode(err error) string {
	var pe *schema.ProcflowError
	if errors.As(err, &pe) {
		return pe.Code
	}
	if err == nil {
		return "none"
	}
	return schema.ErrCodeExecution
}

// RunnerStats reports runner counters.
type RunnerStats interface {
	Executing() int
}

// RegisterRunnerGauge exposes the number of executing tokens.
func RegisterRunnerGauge(reg prometheus.Registerer, r RunnerStats) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tokens_executing",
		Help:      "Tokens selected by this node and not yet finished.",
	}, func() float64 { return float64(r.Executing()) }))
}
