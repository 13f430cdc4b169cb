package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps tokens, tasks and jobs in process memory. Committed token
// contexts are held encoded so that a reload always yields a fresh copy.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string][]byte
	tasks    map[string]WorkflowTask
	jobs     map[string]ScheduledJob
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[string][]byte),
		tasks:    make(map[string]WorkflowTask),
		jobs:     make(map[string]ScheduledJob),
	}
}

// NewSession opens a session over the store.
func (s *MemoryStore) NewSession() Session {
	return newSession(&memoryTx{store: s})
}

// Migrate is a no-op for the memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close drops all data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.contexts)
	clear(s.tasks)
	clear(s.jobs)
	return nil
}

// memoryTx stages writes until commit. A nil staged value marks a delete.
type memoryTx struct {
	store    *MemoryStore
	active   bool
	contexts map[string][]byte
	tasks    map[string]*WorkflowTask
}

func (m *memoryTx) begin(context.Context) error {
	m.active = true
	m.contexts = make(map[string][]byte)
	m.tasks = make(map[string]*WorkflowTask)
	return nil
}

func (m *memoryTx) commit(context.Context) error {
	m.store.mu.Lock()
	for id, b := range m.contexts {
		if b == nil {
			delete(m.store.contexts, id)
			continue
		}
		m.store.contexts[id] = b
	}
	for id, t := range m.tasks {
		if t == nil {
			delete(m.store.tasks, id)
			continue
		}
		m.store.tasks[id] = *t
	}
	m.store.mu.Unlock()
	m.reset()
	return nil
}

func (m *memoryTx) rollback(context.Context) error {
	m.reset()
	return nil
}

func (m *memoryTx) reset() {
	m.active = false
	m.contexts = nil
	m.tasks = nil
}

func (m *memoryTx) inTx() bool { return m.active }

// visibleContexts merges committed contexts with this transaction's staged writes.
func (m *memoryTx) visibleContexts() map[string][]byte {
	m.store.mu.RLock()
	view := maps.Clone(m.store.contexts)
	m.store.mu.RUnlock()
	for id, b := range m.contexts {
		if b == nil {
			delete(view, id)
			continue
		}
		view[id] = b
	}
	return view
}

func (m *memoryTx) loadContext(_ context.Context, id string) (*TokenContext, error) {
	b, ok := m.visibleContexts()[id]
	if !ok {
		return nil, storeNotFound("token", id)
	}
	return decodeContext(b)
}

func (m *memoryTx) findContexts(_ context.Context, q contextQuery) ([]*TokenContext, error) {
	var found []*TokenContext
	for _, b := range m.visibleContexts() {
		tc, err := decodeContext(b)
		if err != nil {
			return nil, err
		}
		if q.parentID != "" && tc.ParentID != q.parentID {
			continue
		}
		if q.executable && !executable(tc) {
			continue
		}
		found = append(found, tc)
	}
	sortExecutable(found)
	if q.limit > 0 && len(found) > q.limit {
		found = found[:q.limit]
	}
	return found, nil
}

func (m *memoryTx) writeContext(_ context.Context, tc *TokenContext) error {
	b, err := encodeContext(tc)
	if err != nil {
		return err
	}
	if m.active {
		m.contexts[tc.ID] = b
		return nil
	}
	m.store.mu.Lock()
	m.store.contexts[tc.ID] = b
	m.store.mu.Unlock()
	return nil
}

func (m *memoryTx) removeContext(_ context.Context, id string) error {
	if m.active {
		m.contexts[id] = nil
		return nil
	}
	m.store.mu.Lock()
	delete(m.store.contexts, id)
	m.store.mu.Unlock()
	return nil
}

func (m *memoryTx) findTasks(_ context.Context, c TaskCriteria) ([]*WorkflowTask, error) {
	m.store.mu.RLock()
	view := make(map[string]*WorkflowTask, len(m.store.tasks))
	for id, t := range m.store.tasks {
		t := t
		view[id] = &t
	}
	m.store.mu.RUnlock()
	for id, t := range m.tasks {
		if t == nil {
			delete(view, id)
			continue
		}
		cp := *t
		view[id] = &cp
	}

	var tasks []*WorkflowTask
	for _, t := range view {
		if c.matches(t) {
			tasks = append(tasks, t)
		}
	}
	slices.SortFunc(tasks, func(a, b *WorkflowTask) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return limitTasks(tasks, c.Limit), nil
}

func (m *memoryTx) writeTask(_ context.Context, t *WorkflowTask) error {
	cp := *t
	if m.active {
		m.tasks[t.ID] = &cp
		return nil
	}
	m.store.mu.Lock()
	m.store.tasks[t.ID] = cp
	m.store.mu.Unlock()
	return nil
}

func (m *memoryTx) removeTask(_ context.Context, id string) error {
	if m.active {
		m.tasks[id] = nil
		return nil
	}
	m.store.mu.Lock()
	delete(m.store.tasks, id)
	m.store.mu.Unlock()
	return nil
}

// --- Scheduled Jobs ---

func (s *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	return &job, nil
}

func (s *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*ScheduledJob
	for _, job := range s.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		if filter.ProcessRef != "" && job.ProcessRef != filter.ProcessRef {
			continue
		}
		job := job
		jobs = append(jobs, &job)
	}
	slices.SortFunc(jobs, func(a, b *ScheduledJob) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

var _ Store = (*MemoryStore)(nil)
