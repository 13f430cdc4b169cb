package store

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procflow/pkg/schema"
)

// TokenContext is the mutable execution state of one process instance.
type TokenContext struct {
	ID            string                  `json:"id" msgpack:"id"`
	ParentID      string                  `json:"parent_id,omitempty" msgpack:"parent_id,omitempty"`
	Process       string                  `json:"process" msgpack:"process"`
	CurrentSocket string                  `json:"current_socket,omitempty" msgpack:"current_socket,omitempty"`
	State         schema.LifecycleState   `json:"state" msgpack:"state"`
	Request       schema.LifecycleRequest `json:"request" msgpack:"request"`
	Priority      int                     `json:"priority" msgpack:"priority"`
	QueueType     string                  `json:"queue_type,omitempty" msgpack:"queue_type,omitempty"`
	NodeID        string                  `json:"node_id,omitempty" msgpack:"node_id,omitempty"`
	CallStack     CallStack               `json:"call_stack" msgpack:"call_stack"`
	Progress      ProgressInfo            `json:"progress" msgpack:"progress"`
	ParamValues   map[string]any          `json:"param_values,omitempty" msgpack:"param_values,omitempty"`
	CreatedAt     time.Time               `json:"created_at" msgpack:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at" msgpack:"updated_at"`

	persisted bool
}

// NewTokenContext creates a token for the given process qualifier in state CREATED.
func NewTokenContext(process string) *TokenContext {
	now := time.Now().UTC()
	return &TokenContext{
		ID:          uuid.New().String(),
		Process:     process,
		State:       schema.StateCreated,
		Request:     schema.RequestNone,
		ParamValues: make(map[string]any),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Persisted reports whether the context has been written to or loaded from a store.
func (tc *TokenContext) Persisted() bool { return tc.persisted }

// ParamValue returns the value stored under key.
func (tc *TokenContext) ParamValue(key string) (any, bool) {
	v, ok := tc.ParamValues[key]
	return v, ok
}

// HasParamValue reports whether a non-nil value is stored under key.
func (tc *TokenContext) HasParamValue(key string) bool {
	v, ok := tc.ParamValues[key]
	return ok && v != nil
}

// SetParamValue stores a value under key.
func (tc *TokenContext) SetParamValue(key string, value any) {
	if tc.ParamValues == nil {
		tc.ParamValues = make(map[string]any)
	}
	tc.ParamValues[key] = value
}

// RemoveParamValue deletes the value stored under key.
func (tc *TokenContext) RemoveParamValue(key string) {
	delete(tc.ParamValues, key)
}

// Variables returns the process variable values keyed by variable name.
func (tc *TokenContext) Variables() map[string]any {
	vars := make(map[string]any)
	for k, v := range tc.ParamValues {
		if schema.IsVariableKey(k) {
			vars[k[len(schema.VariablePrefix):]] = v
		}
	}
	return vars
}

// Clone returns a deep copy of the context.
func (tc *TokenContext) Clone() (*TokenContext, error) {
	b, err := encodeContext(tc)
	if err != nil {
		return nil, err
	}
	c, err := decodeContext(b)
	if err != nil {
		return nil, err
	}
	c.persisted = tc.persisted
	return c, nil
}

// CallFrame records the entry socket of a subprocess node while the called
// process runs.
type CallFrame struct {
	Socket  string `json:"socket" msgpack:"socket"`
	Process string `json:"process" msgpack:"process"`
}

// CallStack is the ordered sequence of active subprocess invocations.
type CallStack struct {
	Frames []CallFrame `json:"frames,omitempty" msgpack:"frames,omitempty"`

	index map[string]int
}

// Push adds a frame on top of the stack.
func (s *CallStack) Push(f CallFrame) {
	s.Frames = append(s.Frames, f)
	if s.index != nil {
		s.index[f.Socket]++
	}
}

// Pop removes and returns the top frame.
func (s *CallStack) Pop() (CallFrame, bool) {
	if len(s.Frames) == 0 {
		return CallFrame{}, false
	}
	f := s.Frames[len(s.Frames)-1]
	s.Frames = s.Frames[:len(s.Frames)-1]
	if s.index != nil {
		if s.index[f.Socket]--; s.index[f.Socket] <= 0 {
			delete(s.index, f.Socket)
		}
	}
	return f, true
}

// Peek returns the top frame without removing it.
func (s *CallStack) Peek() (CallFrame, bool) {
	if len(s.Frames) == 0 {
		return CallFrame{}, false
	}
	return s.Frames[len(s.Frames)-1], true
}

// Len returns the stack depth.
func (s *CallStack) Len() int { return len(s.Frames) }

// Contains reports whether any frame references the socket qualifier.
func (s *CallStack) Contains(socket string) bool {
	if len(s.Frames) == 0 {
		return false
	}
	if s.index == nil {
		s.index = make(map[string]int, len(s.Frames))
		for _, f := range s.Frames {
			s.index[f.Socket]++
		}
	}
	return s.index[socket] > 0
}

// Clone returns an independent copy of the stack.
func (s *CallStack) Clone() CallStack {
	return CallStack{Frames: slices.Clone(s.Frames)}
}

// Equal reports whether both stacks hold the same frames.
func (s *CallStack) Equal(o CallStack) bool {
	return slices.Equal(s.Frames, o.Frames)
}

// ProgressInfo summarizes how far a token has come.
type ProgressInfo struct {
	Steps    int    `json:"steps" msgpack:"steps"`
	LastNode string `json:"last_node,omitempty" msgpack:"last_node,omitempty"`
	Message  string `json:"message,omitempty" msgpack:"message,omitempty"`
}

// WorkflowTask is a persisted record of a token waiting for human or external
// resumption at a workflow node.
type WorkflowTask struct {
	ID                    string                    `json:"id"`
	TokenID               string                    `json:"token_id"`
	Name                  string                    `json:"name"`
	StepName              string                    `json:"step_name,omitempty"`
	RoleID                string                    `json:"role_id,omitempty"`
	UserID                string                    `json:"user_id,omitempty"`
	Status                schema.WorkflowTaskStatus `json:"status"`
	WorkflowNode          string                    `json:"workflow_node"`
	DeleteAfterCompletion bool                      `json:"delete_after_completion,omitempty"`
	AcceptingUser         string                    `json:"accepting_user,omitempty"`
	TimeAccepted          *time.Time                `json:"time_accepted,omitempty"`
	CreatedAt             time.Time                 `json:"created_at"`
	CompletedAt           *time.Time                `json:"completed_at,omitempty"`
}

// NewWorkflowTask creates an enabled task for a token parked at a workflow node.
func NewWorkflowTask(tokenID, node, name string) *WorkflowTask {
	return &WorkflowTask{
		ID:           uuid.New().String(),
		TokenID:      tokenID,
		Name:         name,
		Status:       schema.TaskStatusEnabled,
		WorkflowNode: node,
		CreatedAt:    time.Now().UTC(),
	}
}

// ScheduledJob starts a process on a cron schedule.
type ScheduledJob struct {
	ID             string         `json:"id"`
	ProcessRef     string         `json:"process_ref"`
	CronExpression string         `json:"cron_expression"`
	Params         map[string]any `json:"params,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// TaskCriteria selects workflow tasks. Empty fields match everything.
type TaskCriteria struct {
	ID      string                    `json:"id,omitempty"`
	TokenID string                    `json:"token_id,omitempty"`
	Status  schema.WorkflowTaskStatus `json:"status,omitempty"`
	RoleID  string                    `json:"role_id,omitempty"`
	UserID  string                    `json:"user_id,omitempty"`
	Limit   int                       `json:"limit,omitempty"`
}

func (c TaskCriteria) matches(t *WorkflowTask) bool {
	switch {
	case c.ID != "" && t.ID != c.ID:
		return false
	case c.TokenID != "" && t.TokenID != c.TokenID:
		return false
	case c.Status != "" && t.Status != c.Status:
		return false
	case c.RoleID != "" && t.RoleID != c.RoleID:
		return false
	case c.UserID != "" && t.UserID != c.UserID:
		return false
	}
	return true
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	ProcessRef string `json:"process_ref,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// executable reports whether the repository may hand the context to a runner.
func executable(tc *TokenContext) bool {
	if tc.Request != schema.RequestResume {
		return false
	}
	return tc.State == schema.StateCreated || tc.State == schema.StateSuspended
}

// sortExecutable orders contexts by priority (highest first), then age.
func sortExecutable(list []*TokenContext) {
	slices.SortStableFunc(list, func(a, b *TokenContext) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
