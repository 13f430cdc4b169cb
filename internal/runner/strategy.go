package runner

import (
	"context"
	"errors"

	"github.com/rendis/procflow/internal/store"
)

// Strategy decides how a fetched token gets a goroutine. RunContext
// returns false to end the current poll early.
type Strategy interface {
	RunContext(ctx context.Context, r *Runner, s store.Session, tc *store.TokenContext) bool
}

// GoroutineStrategy runs each token on a new goroutine while fewer than
// limit tokens are executing. A limit of 0 is unbounded.
type GoroutineStrategy struct {
	limit int
}

// NewGoroutineStrategy creates a GoroutineStrategy.
func NewGoroutineStrategy(limit int) *GoroutineStrategy {
	return &GoroutineStrategy{limit: limit}
}

func (g *GoroutineStrategy) RunContext(ctx context.Context, r *Runner, s store.Session, tc *store.TokenContext) bool {
	if g.limit > 0 && r.Executing() >= g.limit {
		return false
	}
	job, err := r.Prepare(ctx, s, tc)
	if err != nil {
		r.logger.Error("prepare token", "token_id", tc.ID, "error", err)
		return true
	}
	if job == nil {
		return true
	}
	r.dispatched.Add(1)
	go func() { _ = job.Run(ctx) }()
	return true
}

// PoolStrategy hands tokens to a bounded WorkerPool. A token the pool
// rejects is reverted to its previous state and the poll ends.
type PoolStrategy struct {
	pool *WorkerPool
}

// NewPoolStrategy creates a PoolStrategy over pool.
func NewPoolStrategy(pool *WorkerPool) *PoolStrategy {
	return &PoolStrategy{pool: pool}
}

// Pool returns the underlying worker pool.
func (p *PoolStrategy) Pool() *WorkerPool { return p.pool }

func (p *PoolStrategy) RunContext(ctx context.Context, r *Runner, s store.Session, tc *store.TokenContext) bool {
	job, err := r.Prepare(ctx, s, tc)
	if err != nil {
		r.logger.Error("prepare token", "token_id", tc.ID, "error", err)
		return true
	}
	if job == nil {
		return true
	}

	err = p.pool.TrySubmit(ctx, job.Run)
	if err == nil {
		r.dispatched.Add(1)
		return true
	}
	if !errors.Is(err, ErrPoolFull) {
		r.logger.Error("submit token", "token_id", tc.ID, "error", err)
	}
	_ = job.Revert(ctx, s)
	return false
}
