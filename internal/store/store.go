package store

import "context"

// Store is the persistence provider. It hands out sessions for token work and
// owns the scheduled job table.
// All implementations must be safe for concurrent use; sessions are not.
type Store interface {
	// NewSession opens a unit of work. Each goroutine uses its own session.
	NewSession() Session

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session is the token context repository used by the engine. It keeps an
// identity map of loaded contexts and writes dirty contexts on Flush or Commit.
type Session interface {
	// Transactions. Begin is a no-op while a transaction is active and Commit
	// is a no-op while none is. Rollback discards the identity map.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTransaction() bool
	Flush(ctx context.Context) error
	ClearCache()

	// Token contexts
	AddContext(ctx context.Context, tc *TokenContext) error
	SaveContext(ctx context.Context, tc *TokenContext) error
	GetContextByID(ctx context.Context, id string) (*TokenContext, error)
	GetChildContexts(ctx context.Context, parentID string) ([]*TokenContext, error)
	// GetExecutableContexts returns contexts with request RESUME in state
	// CREATED or SUSPENDED, highest priority first. fetchSize 0 means unbounded.
	GetExecutableContexts(ctx context.Context, fetchSize int) ([]*TokenContext, error)
	DeleteContext(ctx context.Context, tc *TokenContext) error
	EvictContext(tc *TokenContext)

	// Workflow tasks
	GetWorkflowTasks(ctx context.Context, criteria TaskCriteria) ([]*WorkflowTask, error)
	SaveWorkflowTask(ctx context.Context, task *WorkflowTask) error
	DeleteWorkflowTask(ctx context.Context, task *WorkflowTask) error

	Close() error
}
