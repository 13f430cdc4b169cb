// Package runner polls the store for executable tokens and dispatches each
// to its own goroutine, which runs it through the engine.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/procflow/internal/cluster"
	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

const (
	DefaultFetchSize    = 10
	DefaultIdleInterval = time.Second
	DefaultMaxBackoff   = 30 * time.Second
	DefaultLockTTL      = 30 * time.Second

	stopPollInterval = 100 * time.Millisecond
)

// Config tunes a Runner. Zero fields take defaults.
type Config struct {
	// FetchSize bounds the tokens fetched per poll. 0 means unbounded.
	FetchSize    int
	IdleInterval time.Duration
	MaxBackoff   time.Duration
	// SystemName tags selected tokens with the node running them.
	SystemName cluster.SystemNameProvider
	// Locker, when set, guards token selection across nodes.
	Locker  cluster.Locker
	LockTTL time.Duration
	Logger  *slog.Logger
}

// Stats are counters of a Runner since it was created.
type Stats struct {
	Executing  int64 `json:"executing"`
	Dispatched int64 `json:"dispatched"`
	Vetoed     int64 `json:"vetoed"`
	Reverted   int64 `json:"reverted"`
	Failed     int64 `json:"failed"`
}

// Runner is the polling loop feeding executable tokens to the engine.
type Runner struct {
	engine   engine.Engine
	store    store.Store
	strategy Strategy
	config   Config
	logger   *slog.Logger

	executing  atomic.Int64
	dispatched atomic.Int64
	vetoed     atomic.Int64
	reverted   atomic.Int64
	failed     atomic.Int64

	mu       sync.Mutex
	stop     chan struct{}
	stopped  chan struct{}
	looping  bool
	stopOnce sync.Once
}

// New creates a Runner. A nil strategy runs each token on a new goroutine
// limited to FetchSize in flight.
func New(e engine.Engine, st store.Store, strategy Strategy, cfg Config) *Runner {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.SystemName == nil {
		cfg.SystemName = cluster.HostName()
	}
	if strategy == nil {
		strategy = NewGoroutineStrategy(cfg.FetchSize)
	}
	return &Runner{
		engine:   e,
		store:    st,
		strategy: strategy,
		config:   cfg,
		logger:   logging.OrNop(cfg.Logger).With("component", "runner"),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Executing returns the number of dispatched tokens still running.
func (r *Runner) Executing() int { return int(r.executing.Load()) }

// Stats returns a snapshot of the runner counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Executing:  r.executing.Load(),
		Dispatched: r.dispatched.Load(),
		Vetoed:     r.vetoed.Load(),
		Reverted:   r.reverted.Load(),
		Failed:     r.failed.Load(),
	}
}

// Start runs the polling loop in the background.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("runner loop exited", "error", err)
		}
	}()
}

// Run polls until Stop is called or ctx is done. Poll failures back off
// exponentially up to MaxBackoff.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.looping {
		r.mu.Unlock()
		return errors.New("runner loop already started")
	}
	r.looping = true
	r.mu.Unlock()
	defer close(r.stopped)

	r.logger.Info("runner started", "system", r.config.SystemName.SystemName(), "fetch_size", r.config.FetchSize)
	failures := 0
	for {
		select {
		case <-r.stop:
			r.logger.Info("runner stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		delay := r.config.IdleInterval
		if _, err := r.ExecutePending(ctx); err != nil {
			failures++
			delay = computeBackoff(r.config.IdleInterval, r.config.MaxBackoff, failures)
			r.logger.Warn("poll failed", "error", err, "failures", failures, "retry_in", delay)
		} else {
			failures = 0
		}

		waitFor(ctx, r.stop, delay)
	}
}

// Stop asks the loop to exit after the current poll. Running tokens are
// not interrupted.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// WaitForStop waits until the loop has exited and no dispatched token is
// still executing. A negative timeout waits indefinitely. It reports
// whether the runner drained in time.
func (r *Runner) WaitForStop(timeout time.Duration) bool {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if !r.loopActive() && r.executing.Load() == 0 {
			return true
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(stopPollInterval)
	}
}

func (r *Runner) loopActive() bool {
	r.mu.Lock()
	looping := r.looping
	r.mu.Unlock()
	if !looping {
		return false
	}
	select {
	case <-r.stopped:
		return false
	default:
		return true
	}
}

func (r *Runner) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// ExecutePending fetches up to FetchSize executable tokens and hands each
// to the strategy. It stops early when the strategy declines a token or a
// stop was requested. It returns the number of tokens dispatched.
func (r *Runner) ExecutePending(ctx context.Context) (int, error) {
	s := r.store.NewSession()
	defer s.Close()

	if err := s.Begin(ctx); err != nil {
		return 0, err
	}
	defer func() { _ = s.Rollback(ctx) }()

	tokens, err := s.GetExecutableContexts(ctx, r.config.FetchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, tc := range tokens {
		if r.stopRequested() || ctx.Err() != nil {
			break
		}
		before := r.dispatched.Load()
		if !r.strategy.RunContext(ctx, r, s, tc) {
			break
		}
		if r.dispatched.Load() > before {
			dispatched++
		}
	}
	return dispatched, nil
}

// Drain polls until no token is executable and none is executing, or ctx
// is done.
func (r *Runner) Drain(ctx context.Context) error {
	for {
		n, err := r.ExecutePending(ctx)
		if err != nil {
			return err
		}
		if n == 0 && r.executing.Load() == 0 {
			s := r.store.NewSession()
			pending, err := s.GetExecutableContexts(ctx, 1)
			_ = s.Close()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				return nil
			}
		}
		if !waitFor(ctx, nil, 10*time.Millisecond) {
			return ctx.Err()
		}
	}
}

// Prepare readies tc for execution inside the polling session s. Observers
// of SHALL_EXECUTE_TOKEN may veto it. Otherwise the token moves to SELECTED,
// is tagged with the system name and committed. A nil job with a nil error
// means the token was skipped.
func (r *Runner) Prepare(ctx context.Context, s store.Session, tc *store.TokenContext) (*Job, error) {
	ev := &engine.Event{Type: schema.EventShallExecute, Token: tc}
	if r.engine.HasActiveObservers(schema.EventShallExecute, tc) {
		r.engine.FireEvent(ctx, ev)
		if ev.Vetoed() {
			r.vetoed.Add(1)
			r.logger.Debug("token execution vetoed", "token_id", tc.ID)
			return nil, nil
		}
	}

	var unlock cluster.UnlockFunc
	if r.config.Locker != nil {
		var ok bool
		var err error
		unlock, ok, err = r.config.Locker.TryLock(ctx, "token:"+tc.ID, r.config.LockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		fresh, err := r.reload(ctx, s, tc)
		if err != nil || fresh == nil {
			_ = unlock(ctx)
			return nil, err
		}
		tc = fresh
	}

	job := &Job{
		runner:          r,
		Token:           tc,
		PreviousState:   tc.State,
		PreviousRequest: tc.Request,
		unlock:          unlock,
	}

	if err := r.engine.ChangeTokenState(ctx, tc, schema.StateSelected, schema.RequestNone); err != nil {
		job.release(ctx)
		return nil, err
	}
	tc.NodeID = r.config.SystemName.SystemName()
	if err := r.persist(ctx, s, tc); err != nil {
		job.release(ctx)
		return nil, err
	}
	r.executing.Add(1)
	return job, nil
}

// reload rereads tc after taking its lock. Another node may have selected
// it in between; nil means it is no longer executable.
func (r *Runner) reload(ctx context.Context, s store.Session, tc *store.TokenContext) (*store.TokenContext, error) {
	s.EvictContext(tc)
	fresh, err := s.GetContextByID(ctx, tc.ID)
	if err != nil {
		var pe *schema.ProcflowError
		if errors.As(err, &pe) && pe.Code == schema.ErrCodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	if fresh.Request != schema.RequestResume {
		return nil, nil
	}
	if fresh.State != schema.StateCreated && fresh.State != schema.StateSuspended {
		return nil, nil
	}
	return fresh, nil
}

// persist saves tc and commits, leaving a new transaction open.
func (r *Runner) persist(ctx context.Context, s store.Session, tc *store.TokenContext) error {
	if err := s.SaveContext(ctx, tc); err != nil {
		return err
	}
	if err := s.Commit(ctx); err != nil {
		return err
	}
	return s.Begin(ctx)
}

// Job is a selected token waiting for a goroutine.
type Job struct {
	runner *Runner
	unlock cluster.UnlockFunc
	done   atomic.Bool

	Token           *store.TokenContext
	PreviousState   schema.LifecycleState
	PreviousRequest schema.LifecycleRequest
}

// Run executes the token in a fresh session. It is called on the
// dispatching goroutine.
func (j *Job) Run(ctx context.Context) error {
	r := j.runner
	defer j.finish(ctx)

	logger := logging.LogWith(logging.WithTokenID(ctx, j.Token.ID), r.logger)
	s := r.store.NewSession()
	defer s.Close()

	tc, err := s.GetContextByID(ctx, j.Token.ID)
	if err != nil {
		r.failed.Add(1)
		logger.Error("load selected token", "error", err)
		return err
	}
	if err := r.engine.ExecuteContext(ctx, s, tc); err != nil {
		r.failed.Add(1)
		logger.Warn("token execution failed", "error", err, "state", tc.State)
		return err
	}
	logger.Debug("token execution finished", "state", tc.State, "request", tc.Request)
	return nil
}

// Revert puts the token back into its state before selection and persists
// it so a later poll picks it up again. s is the polling session.
func (j *Job) Revert(ctx context.Context, s store.Session) error {
	r := j.runner
	defer j.finish(ctx)
	r.reverted.Add(1)

	tc := j.Token
	if err := r.engine.ChangeTokenState(ctx, tc, j.PreviousState, j.PreviousRequest); err != nil {
		tc.State = j.PreviousState
		tc.Request = j.PreviousRequest
	}
	tc.NodeID = ""
	if err := r.persist(ctx, s, tc); err != nil {
		r.logger.Error("revert selected token", "token_id", tc.ID, "error", err)
		return err
	}
	r.logger.Debug("token selection reverted", "token_id", tc.ID, "state", tc.State)
	return nil
}

// finish releases the executing slot once.
func (j *Job) finish(ctx context.Context) {
	if j.done.Swap(true) {
		return
	}
	j.runner.executing.Add(-1)
	j.release(ctx)
}

func (j *Job) release(ctx context.Context) {
	if j.unlock == nil {
		return
	}
	if err := j.unlock(context.WithoutCancel(ctx)); err != nil {
		j.runner.logger.Warn("release token lock", "token_id", j.Token.ID, "error", err)
	}
	j.unlock = nil
}
