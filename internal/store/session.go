package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procflow/pkg/schema"
)

// backend is the transactional storage primitive under a session.
type backend interface {
	begin(ctx context.Context) error
	commit(ctx context.Context) error
	rollback(ctx context.Context) error
	inTx() bool

	loadContext(ctx context.Context, id string) (*TokenContext, error)
	findContexts(ctx context.Context, q contextQuery) ([]*TokenContext, error)
	writeContext(ctx context.Context, tc *TokenContext) error
	removeContext(ctx context.Context, id string) error

	findTasks(ctx context.Context, c TaskCriteria) ([]*WorkflowTask, error)
	writeTask(ctx context.Context, t *WorkflowTask) error
	removeTask(ctx context.Context, id string) error
}

type contextQuery struct {
	parentID   string
	executable bool
	limit      int
}

// session implements Session on top of a backend with an identity map.
type session struct {
	b     backend
	cache map[string]*TokenContext
	dirty []string
}

func newSession(b backend) *session {
	return &session{b: b, cache: make(map[string]*TokenContext)}
}

func (s *session) Begin(ctx context.Context) error {
	if s.b.inTx() {
		return nil
	}
	if err := s.b.begin(ctx); err != nil {
		return txError("begin", err)
	}
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	if !s.b.inTx() {
		return nil
	}
	if err := s.Flush(ctx); err != nil {
		_ = s.b.rollback(ctx)
		s.ClearCache()
		return err
	}
	if err := s.b.commit(ctx); err != nil {
		return txError("commit", err)
	}
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	s.ClearCache()
	if !s.b.inTx() {
		return nil
	}
	if err := s.b.rollback(ctx); err != nil {
		return txError("rollback", err)
	}
	return nil
}

func (s *session) InTransaction() bool { return s.b.inTx() }

func (s *session) Flush(ctx context.Context) error {
	for len(s.dirty) > 0 {
		id := s.dirty[0]
		s.dirty = s.dirty[1:]
		tc, ok := s.cache[id]
		if !ok {
			continue
		}
		if err := s.b.writeContext(ctx, tc); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "write token %s", id).WithCause(err)
		}
		tc.persisted = true
	}
	return nil
}

func (s *session) ClearCache() {
	clear(s.cache)
	s.dirty = nil
}

func (s *session) AddContext(ctx context.Context, tc *TokenContext) error {
	if tc.ID == "" {
		tc.ID = uuid.New().String()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	return s.SaveContext(ctx, tc)
}

func (s *session) SaveContext(_ context.Context, tc *TokenContext) error {
	if tc.ID == "" {
		return schema.NewError(schema.ErrCodeStore, "token context has no id")
	}
	tc.UpdatedAt = time.Now().UTC()
	s.cache[tc.ID] = tc
	s.markDirty(tc.ID)
	return nil
}

func (s *session) markDirty(id string) {
	for _, d := range s.dirty {
		if d == id {
			return
		}
	}
	s.dirty = append(s.dirty, id)
}

func (s *session) GetContextByID(ctx context.Context, id string) (*TokenContext, error) {
	if tc, ok := s.cache[id]; ok {
		return tc, nil
	}
	tc, err := s.b.loadContext(ctx, id)
	if err != nil {
		return nil, err
	}
	tc.persisted = true
	s.cache[id] = tc
	return tc, nil
}

func (s *session) GetChildContexts(ctx context.Context, parentID string) ([]*TokenContext, error) {
	return s.query(ctx, contextQuery{parentID: parentID})
}

func (s *session) GetExecutableContexts(ctx context.Context, fetchSize int) ([]*TokenContext, error) {
	return s.query(ctx, contextQuery{executable: true, limit: fetchSize})
}

func (s *session) query(ctx context.Context, q contextQuery) ([]*TokenContext, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	found, err := s.b.findContexts(ctx, q)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query tokens").WithCause(err)
	}
	for i, tc := range found {
		if cached, ok := s.cache[tc.ID]; ok {
			found[i] = cached
			continue
		}
		tc.persisted = true
		s.cache[tc.ID] = tc
	}
	return found, nil
}

func (s *session) DeleteContext(ctx context.Context, tc *TokenContext) error {
	s.EvictContext(tc)
	if err := s.b.removeContext(ctx, tc.ID); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete token %s", tc.ID).WithCause(err)
	}
	tc.persisted = false
	return nil
}

func (s *session) EvictContext(tc *TokenContext) {
	delete(s.cache, tc.ID)
	for i, d := range s.dirty {
		if d == tc.ID {
			s.dirty = append(s.dirty[:i], s.dirty[i+1:]...)
			break
		}
	}
}

func (s *session) GetWorkflowTasks(ctx context.Context, criteria TaskCriteria) ([]*WorkflowTask, error) {
	tasks, err := s.b.findTasks(ctx, criteria)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query workflow tasks").WithCause(err)
	}
	return tasks, nil
}

func (s *session) SaveWorkflowTask(ctx context.Context, task *WorkflowTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if err := s.b.writeTask(ctx, task); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write workflow task %s", task.ID).WithCause(err)
	}
	return nil
}

func (s *session) DeleteWorkflowTask(ctx context.Context, task *WorkflowTask) error {
	if err := s.b.removeTask(ctx, task.ID); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete workflow task %s", task.ID).WithCause(err)
	}
	return nil
}

func (s *session) Close() error {
	if s.b.inTx() {
		return s.Rollback(context.Background())
	}
	s.ClearCache()
	return nil
}

func txError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeTransaction, "%s transaction", op).WithCause(err).AsUnrecoverable()
}

func storeNotFound(resource, id string) *schema.ProcflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func limitTasks(tasks []*WorkflowTask, limit int) []*WorkflowTask {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}

var _ Session = (*session)(nil)

func wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
