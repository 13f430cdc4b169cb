package engine

import (
	"context"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// LaunchOptions tune a launched token.
type LaunchOptions struct {
	Priority  int
	QueueType string
	ParentID  string
}

// Launcher creates and starts tokens in their own committed transaction,
// for callers outside of token execution (API, scheduler, CLI).
type Launcher struct {
	engine Engine
	store  store.Store
}

// NewLauncher creates a Launcher.
func NewLauncher(e Engine, st store.Store) *Launcher {
	return &Launcher{engine: e, store: st}
}

// Launch starts a token at ref. The token becomes executable once this
// returns.
func (l *Launcher) Launch(ctx context.Context, ref string, params map[string]any, opts LaunchOptions) (*store.TokenContext, error) {
	tc, err := l.engine.NewToken(ctx, ref, params)
	if err != nil {
		return nil, err
	}
	tc.Priority = opts.Priority
	tc.QueueType = opts.QueueType
	tc.ParentID = opts.ParentID

	s := l.store.NewSession()
	defer s.Close()

	if err := s.Begin(ctx); err != nil {
		return nil, err
	}
	if err := l.engine.StartToken(ctx, s, tc); err != nil {
		_ = s.Rollback(ctx)
		return nil, err
	}
	if err := s.Commit(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// Resume requests RESUME for a suspended token. A token parked in memory
// by this engine is woken directly.
func (l *Launcher) Resume(ctx context.Context, tokenID string) (*store.TokenContext, error) {
	s := l.store.NewSession()
	defer s.Close()

	tc, err := s.GetContextByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if err := s.Begin(ctx); err != nil {
		return nil, err
	}
	if err := l.engine.ResumeToken(ctx, s, tc); err != nil {
		_ = s.Rollback(ctx)
		return nil, err
	}
	if err := s.Commit(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// ResumeTask continues the token waiting on a workflow task.
func (l *Launcher) ResumeTask(ctx context.Context, taskID, socket, userID string) (*store.TokenContext, error) {
	s := l.store.NewSession()
	defer s.Close()

	tasks, err := s.GetWorkflowTasks(ctx, store.TaskCriteria{ID: taskID})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow task %q not found", taskID)
	}

	if err := s.Begin(ctx); err != nil {
		return nil, err
	}
	tc, err := l.engine.ResumeWorkflow(ctx, s, tasks[0], socket, userID)
	if err != nil {
		_ = s.Rollback(ctx)
		return nil, err
	}
	if err := s.Commit(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// Abort aborts a token, at its next step boundary when it is executing.
func (l *Launcher) Abort(ctx context.Context, tokenID string) (*store.TokenContext, error) {
	s := l.store.NewSession()
	defer s.Close()

	tc, err := s.GetContextByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if err := s.Begin(ctx); err != nil {
		return nil, err
	}
	if err := l.engine.AbortToken(ctx, s, tc); err != nil {
		_ = s.Rollback(ctx)
		return nil, err
	}
	if err := s.Commit(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// Token loads a token by id.
func (l *Launcher) Token(ctx context.Context, tokenID string) (*store.TokenContext, error) {
	s := l.store.NewSession()
	defer s.Close()
	return s.GetContextByID(ctx, tokenID)
}

// Tasks lists workflow tasks.
func (l *Launcher) Tasks(ctx context.Context, criteria store.TaskCriteria) ([]*store.WorkflowTask, error) {
	s := l.store.NewSession()
	defer s.Close()
	return s.GetWorkflowTasks(ctx, criteria)
}

// Children lists the child tokens of a token.
func (l *Launcher) Children(ctx context.Context, tokenID string) ([]*store.TokenContext, error) {
	s := l.store.NewSession()
	defer s.Close()
	return s.GetChildContexts(ctx, tokenID)
}
