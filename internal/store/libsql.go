package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/procflow/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// WAL gives concurrent readers; writers serialize on busy_timeout. A parked
	// token keeps its transaction open, so a single connection would starve
	// every other session.
	db.SetMaxOpenConns(4)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// NewSession opens a session backed by a database transaction.
func (s *LibSQLStore) NewSession() Session {
	return newSession(&sqlTx{db: s.db})
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlTx runs statements inside the open transaction, or directly on the
// database when none is active.
type sqlTx struct {
	db *sql.DB
	tx *sql.Tx
}

func (t *sqlTx) q() querier {
	if t.tx != nil {
		return t.tx
	}
	return t.db
}

func (t *sqlTx) begin(ctx context.Context) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t.tx = tx
	return nil
}

func (t *sqlTx) commit(context.Context) error {
	tx := t.tx
	t.tx = nil
	return tx.Commit()
}

func (t *sqlTx) rollback(context.Context) error {
	tx := t.tx
	t.tx = nil
	return tx.Rollback()
}

func (t *sqlTx) inTx() bool { return t.tx != nil }

// --- Token contexts ---

const contextColumns = `id, parent_id, process, current_socket, lifecycle_state, lifecycle_request,
	priority, queue_type, node_id, call_stack, progress, param_values, created_at, updated_at`

func (t *sqlTx) writeContext(ctx context.Context, tc *TokenContext) error {
	stack, err := json.Marshal(tc.CallStack)
	if err != nil {
		return fmt.Errorf("marshal call stack: %w", err)
	}
	progress, err := json.Marshal(tc.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	values, err := marshalValues(tc.ParamValues)
	if err != nil {
		return err
	}
	_, err = t.q().ExecContext(ctx,
		`INSERT INTO token_contexts (`+contextColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   parent_id=excluded.parent_id, process=excluded.process, current_socket=excluded.current_socket,
		   lifecycle_state=excluded.lifecycle_state, lifecycle_request=excluded.lifecycle_request,
		   priority=excluded.priority, queue_type=excluded.queue_type, node_id=excluded.node_id,
		   call_stack=excluded.call_stack, progress=excluded.progress, param_values=excluded.param_values,
		   updated_at=excluded.updated_at`,
		tc.ID, nullStr(tc.ParentID), tc.Process, nullStr(tc.CurrentSocket),
		string(tc.State), string(tc.Request), tc.Priority, nullStr(tc.QueueType), nullStr(tc.NodeID),
		string(stack), string(progress), values,
		timeOrNow(tc.CreatedAt), timeOrNow(tc.UpdatedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(row rowScanner) (*TokenContext, error) {
	tc := &TokenContext{}
	var (
		parentID, socket, queueType, nodeID sql.NullString
		state, request, stack, progress     string
		values                              []byte
	)
	if err := row.Scan(&tc.ID, &parentID, &tc.Process, &socket, &state, &request,
		&tc.Priority, &queueType, &nodeID, &stack, &progress, &values, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
		return nil, err
	}
	tc.ParentID = parentID.String
	tc.CurrentSocket = socket.String
	tc.QueueType = queueType.String
	tc.NodeID = nodeID.String
	tc.State = schema.LifecycleState(state)
	tc.Request = schema.LifecycleRequest(request)
	if err := json.Unmarshal([]byte(stack), &tc.CallStack); err != nil {
		return nil, fmt.Errorf("unmarshal call stack: %w", err)
	}
	if err := json.Unmarshal([]byte(progress), &tc.Progress); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	vals, err := unmarshalValues(values)
	if err != nil {
		return nil, err
	}
	tc.ParamValues = vals
	return tc, nil
}

func (t *sqlTx) loadContext(ctx context.Context, id string) (*TokenContext, error) {
	row := t.q().QueryRowContext(ctx, `SELECT `+contextColumns+` FROM token_contexts WHERE id = ?`, id)
	tc, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("token", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load token %s", id).WithCause(err)
	}
	return tc, nil
}

func (t *sqlTx) findContexts(ctx context.Context, q contextQuery) ([]*TokenContext, error) {
	var where []string
	var args []any
	if q.parentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, q.parentID)
	}
	if q.executable {
		where = append(where, "lifecycle_request = ? AND lifecycle_state IN (?, ?)")
		args = append(args, string(schema.RequestResume), string(schema.StateCreated), string(schema.StateSuspended))
	}

	query := `SELECT ` + contextColumns + ` FROM token_contexts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"
	if q.limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.limit)
	}

	rows, err := t.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []*TokenContext
	for rows.Next() {
		tc, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, tc)
	}
	return found, rows.Err()
}

func (t *sqlTx) removeContext(ctx context.Context, id string) error {
	_, err := t.q().ExecContext(ctx, `DELETE FROM token_contexts WHERE id = ?`, id)
	return err
}

// --- Workflow tasks ---

const taskColumns = `id, token_id, name, step_name, role_id, user_id, status, workflow_node,
	delete_after_completion, accepting_user, time_accepted, created_at, completed_at`

func (t *sqlTx) writeTask(ctx context.Context, task *WorkflowTask) error {
	_, err := t.q().ExecContext(ctx,
		`INSERT INTO workflow_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, step_name=excluded.step_name, role_id=excluded.role_id, user_id=excluded.user_id,
		   status=excluded.status, delete_after_completion=excluded.delete_after_completion,
		   accepting_user=excluded.accepting_user, time_accepted=excluded.time_accepted,
		   completed_at=excluded.completed_at`,
		task.ID, task.TokenID, task.Name, nullStr(task.StepName), nullStr(task.RoleID), nullStr(task.UserID),
		string(task.Status), task.WorkflowNode, task.DeleteAfterCompletion, nullStr(task.AcceptingUser),
		nullTime(task.TimeAccepted), timeOrNow(task.CreatedAt), nullTime(task.CompletedAt),
	)
	return err
}

func (t *sqlTx) findTasks(ctx context.Context, c TaskCriteria) ([]*WorkflowTask, error) {
	var where []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("id", c.ID)
	add("token_id", c.TokenID)
	add("status", string(c.Status))
	add("role_id", c.RoleID)
	add("user_id", c.UserID)

	query := `SELECT ` + taskColumns + ` FROM workflow_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if c.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, c.Limit)
	}

	rows, err := t.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*WorkflowTask
	for rows.Next() {
		task := &WorkflowTask{}
		var (
			stepName, roleID, userID, accepting sql.NullString
			timeAccepted, completedAt           sql.NullTime
			status                              string
		)
		if err := rows.Scan(&task.ID, &task.TokenID, &task.Name, &stepName, &roleID, &userID, &status,
			&task.WorkflowNode, &task.DeleteAfterCompletion, &accepting, &timeAccepted,
			&task.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		task.StepName = stepName.String
		task.RoleID = roleID.String
		task.UserID = userID.String
		task.AcceptingUser = accepting.String
		task.Status = schema.WorkflowTaskStatus(status)
		task.TimeAccepted = timePtr(timeAccepted)
		task.CompletedAt = timePtr(completedAt)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (t *sqlTx) removeTask(ctx context.Context, id string) error {
	_, err := t.q().ExecContext(ctx, `DELETE FROM workflow_tasks WHERE id = ?`, id)
	return err
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	params, err := marshalMapOrDefault(job.Params)
	if err != nil {
		return wrapf(err, "marshal job params")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, process_ref, cron_expression, params, priority, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProcessRef, job.CronExpression, string(params), job.Priority, job.Enabled,
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

const jobColumns = `id, process_ref, cron_expression, params, priority, enabled, last_run_at, next_run_at, last_run_status, created_at`

func scanJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		params, lastRunStatus sql.NullString
		lastRun, nextRun      sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.ProcessRef, &job.CronExpression, &params, &job.Priority, &job.Enabled,
		&lastRun, &nextRun, &lastRunStatus, &job.CreatedAt); err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &job.Params); err != nil {
			return nil, wrapf(err, "unmarshal job params")
		}
	}
	job.LastRunAt = timePtr(lastRun)
	job.NextRunAt = timePtr(nextRun)
	job.LastRunStatus = lastRunStatus.String
	return job, nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.ProcessRef != "" {
		where = append(where, "process_ref = ?")
		args = append(args, filter.ProcessRef)
	}
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
