package handlers

import (
	"sync"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// BreakerState is the state of a handler circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass
	BreakerOpen                         // calls fail fast
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures handler circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breakers keeps one circuit breaker per handler name, so a handler whose
// backend is down fails tokens fast instead of stalling them.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker set. Zero config fields take defaults.
func NewBreakers(config BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow reports whether the handler may run. An open breaker returns a
// HANDLER_EXECUTION_FAILED error.
func (b *Breakers) Allow(handler string) error {
	cb := b.get(handler)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
			cb.state = BreakerHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeHandlerFailed,
			"circuit open for handler %q after %d consecutive failures", handler, cb.failures).
			WithDetails(map[string]any{
				"handler":              handler,
				"consecutive_failures": cb.failures,
				"state":                cb.state.String(),
			})
	case BreakerHalfOpen:
		if cb.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeHandlerFailed,
				"circuit half-open for handler %q: probe in progress", handler)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Record feeds the outcome of a handler call into its breaker and returns
// the resulting state.
func (b *Breakers) Record(handler string, err error) BreakerState {
	cb := b.get(handler)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.halfOpenAttempts = 0
		cb.state = BreakerClosed
		return cb.state
	}

	cb.failures++
	cb.lastFailure = b.now()
	if cb.state == BreakerHalfOpen || cb.failures >= b.config.FailureThreshold {
		cb.state = BreakerOpen
	}
	return cb.state
}

// State returns the breaker state of a handler.
func (b *Breakers) State(handler string) BreakerState {
	cb := b.get(handler)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
		cb.state = BreakerHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (b *Breakers) get(handler string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[handler]
	if !ok {
		cb = &breaker{}
		b.breakers[handler] = cb
	}
	return cb
}
