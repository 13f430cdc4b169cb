package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/model"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

type fixture struct {
	engine   *engineImpl
	store    *store.MemoryStore
	launcher *Launcher

	mu       sync.Mutex
	captured []map[string]any
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	data, err := os.ReadFile("testdata/engine.yaml")
	require.NoError(t, err)
	var m schema.Model
	require.NoError(t, yaml.Unmarshal(data, &m))
	models := model.NewRegistry()
	require.NoError(t, models.Register(&m))

	f := &fixture{store: store.NewMemoryStore()}
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(handlers.NewFunc("capture", "records the current parameters", func(hc *handlers.Context) (bool, error) {
		f.mu.Lock()
		f.captured = append(f.captured, hc.Params())
		f.mu.Unlock()
		return true, nil
	})))
	require.NoError(t, reg.Register(handlers.NewFunc("boom", "always fails", func(hc *handlers.Context) (bool, error) {
		return false, errors.New("boom")
	})))
	require.NoError(t, reg.Register(handlers.NewFunc("fatal", "fails beyond recovery", func(hc *handlers.Context) (bool, error) {
		return false, schema.Unrecoverable(errors.New("disk gone"))
	})))

	e, err := New(models, reg, cfg)
	require.NoError(t, err)
	f.engine = e.(*engineImpl)
	f.launcher = NewLauncher(e, f.store)
	return f
}

func (f *fixture) launch(t *testing.T, ref string, params map[string]any) *store.TokenContext {
	t.Helper()
	tc, err := f.launcher.Launch(context.Background(), ref, params, LaunchOptions{})
	require.NoError(t, err)
	return tc
}

func (f *fixture) token(t *testing.T, id string) *store.TokenContext {
	t.Helper()
	tc, err := f.launcher.Token(context.Background(), id)
	require.NoError(t, err)
	return tc
}

// execute runs one token in a fresh session.
func (f *fixture) execute(t *testing.T, id string) error {
	t.Helper()
	s := f.store.NewSession()
	defer s.Close()
	tc, err := s.GetContextByID(context.Background(), id)
	require.NoError(t, err)
	return f.engine.ExecuteContext(context.Background(), s, tc)
}

// drain executes tokens until none is executable and returns the execution
// errors.
func (f *fixture) drain(t *testing.T) []error {
	t.Helper()
	ctx := context.Background()
	var errs []error
	for range 50 {
		s := f.store.NewSession()
		pending, err := s.GetExecutableContexts(ctx, 0)
		_ = s.Close()
		require.NoError(t, err)
		if len(pending) == 0 {
			return errs
		}
		for _, tc := range pending {
			if err := f.execute(t, tc.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	t.Fatal("tokens did not settle")
	return nil
}

// outLink returns the first control link leaving a socket of the fixture
// model. Tests may retune it; every fixture loads its own copy.
func (f *fixture) outLink(t *testing.T, process, node, socket string) *schema.ControlLink {
	t.Helper()
	p, err := f.engine.models.Process(process)
	require.NoError(t, err)
	n := p.Node(node)
	require.NotNil(t, n)
	s := n.Socket(socket)
	require.NotNil(t, s)
	require.NotEmpty(t, s.OutLinks)
	return s.OutLinks[0]
}

func (f *fixture) capturedParams() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.captured...)
}

// recorder collects events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) ObserveEvent(_ context.Context, ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
}

func (r *recorder) ofType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// countingSession counts context writes.
type countingSession struct {
	store.Session
	saves   int
	flushes int
}

func (c *countingSession) SaveContext(ctx context.Context, tc *store.TokenContext) error {
	c.saves++
	return c.Session.SaveContext(ctx, tc)
}

func (c *countingSession) Flush(ctx context.Context) error {
	c.flushes++
	return c.Session.Flush(ctx)
}

func TestNew_RequiresModels(t *testing.T) {
	_, err := New(nil, nil, Config{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestNewToken(t *testing.T) {
	f := newFixture(t, Config{})

	tc, err := f.engine.NewToken(context.Background(), "/Test/Decide", map[string]any{"amount": 7})
	require.NoError(t, err)
	assert.Equal(t, "/Test/Decide", tc.Process)
	assert.Equal(t, "/Test/Decide.Start.Start", tc.CurrentSocket)
	assert.Equal(t, schema.StateCreated, tc.State)
	assert.Equal(t, 7, tc.ParamValues["/Test/Decide.Start.Start.amount"])

	tc, err = f.engine.NewToken(context.Background(), "/Test/Main", map[string]any{"_result": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, tc.ParamValues["_result"])

	_, err = f.engine.NewToken(context.Background(), "/Test/Decide", map[string]any{"nope": 1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestStartToken_RequiresCreated(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for _, state := range []schema.LifecycleState{schema.StateRunning, schema.StateSuspended, schema.StateCompleted} {
		tc, err := f.engine.NewToken(ctx, "/Test/Pair", nil)
		require.NoError(t, err)
		tc.State = state
		s := f.store.NewSession()
		err = f.engine.StartToken(ctx, s, tc)
		_ = s.Close()
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidState), "state %s", state)
	}
}

func TestStartToken_InitializesVariables(t *testing.T) {
	f := newFixture(t, Config{})
	rec := &recorder{}
	f.engine.RegisterObserver(rec, schema.EventBeginToken)

	tc := f.launch(t, "/Test/Counter", nil)
	assert.Equal(t, schema.StateCreated, tc.State)
	assert.Equal(t, schema.RequestResume, tc.Request)
	assert.Len(t, rec.ofType(schema.EventBeginToken), 1)

	stored := f.token(t, tc.ID)
	assert.EqualValues(t, 0, stored.ParamValues["_counter"])
	assert.True(t, stored.Persisted())
}

func TestResumeToken_Guards(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.store.NewSession()
	defer s.Close()

	for _, state := range []schema.LifecycleState{schema.StateCreated, schema.StateRunning, schema.StateCompleted, schema.StateAborted} {
		tc := store.NewTokenContext("/Test/Pair")
		tc.State = state
		err := f.engine.ResumeToken(context.Background(), s, tc)
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidState), "state %s", state)
	}
}

func TestResumeToken_IdlingDoesNotPersist(t *testing.T) {
	f := newFixture(t, Config{})
	cs := &countingSession{Session: f.store.NewSession()}
	defer cs.Close()

	tc := store.NewTokenContext("/Test/Pair")
	tc.State = schema.StateIdling
	require.NoError(t, f.engine.ResumeToken(context.Background(), cs, tc))
	assert.Equal(t, schema.RequestResume, tc.Request)
	assert.Zero(t, cs.saves)
	assert.Zero(t, cs.flushes)
}

func TestResumeToken_SuspendedPersists(t *testing.T) {
	f := newFixture(t, Config{})
	cs := &countingSession{Session: f.store.NewSession()}
	defer cs.Close()

	tc := store.NewTokenContext("/Test/Pair")
	tc.State = schema.StateSuspended
	require.NoError(t, f.engine.ResumeToken(context.Background(), cs, tc))
	assert.Equal(t, schema.StateSuspended, tc.State)
	assert.Equal(t, schema.RequestResume, tc.Request)
	assert.Equal(t, 1, cs.saves)
	assert.Equal(t, 1, cs.flushes)
}

func TestChangeTokenState(t *testing.T) {
	f := newFixture(t, Config{})
	rec := &recorder{}
	f.engine.RegisterObserver(rec, schema.EventTokenStateChange)
	ctx := context.Background()

	tc := store.NewTokenContext("/Test/Pair")
	require.NoError(t, f.engine.ChangeTokenState(ctx, tc, schema.StateRunning, schema.RequestNone))
	require.NoError(t, f.engine.ChangeTokenState(ctx, tc, schema.StateRunning, schema.RequestNone))
	require.NoError(t, f.engine.ChangeTokenState(ctx, tc, schema.StateCompleted, schema.RequestNone))

	err := f.engine.ChangeTokenState(ctx, tc, schema.StateRunning, schema.RequestNone)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidState))
	assert.Equal(t, schema.StateCompleted, tc.State)

	events := rec.ofType(schema.EventTokenStateChange)
	require.Len(t, events, 2, "unchanged state must not fire")
	assert.Equal(t, schema.StateCreated, events[0].OldState)
	assert.Equal(t, schema.StateRunning, events[0].State)
	assert.Equal(t, schema.StateRunning, events[1].OldState)
}

func TestEndToken_DeletesUnlessRetained(t *testing.T) {
	f := newFixture(t, Config{})
	tc := f.launch(t, "/Test/Pair", nil)
	assert.Empty(t, f.drain(t))

	_, err := f.launcher.Token(context.Background(), tc.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "completed token is removed")

	f = newFixture(t, Config{RetainCompletedTokens: true})
	tc = f.launch(t, "/Test/Pair", nil)
	assert.Empty(t, f.drain(t))
	assert.Equal(t, schema.StateCompleted, f.token(t, tc.ID).State)
}

func TestEndToken_EndsChildren(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	ctx := context.Background()
	parent := f.launch(t, "/Test/AutoClear", nil)
	assert.Empty(t, f.drain(t))

	s := f.store.NewSession()
	require.NoError(t, s.Begin(ctx))
	child, err := f.engine.NewChildToken(ctx, s, parent, "AutoClear", nil)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))
	_ = s.Close()
	assert.Empty(t, f.drain(t))
	require.Equal(t, schema.StateSuspended, f.token(t, child.ID).State)

	_, err = f.launcher.Resume(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, f.drain(t))

	assert.Equal(t, schema.StateCompleted, f.token(t, parent.ID).State)
	ended := f.token(t, child.ID)
	assert.Equal(t, schema.StateCompleted, ended.State)
	assert.Empty(t, ended.ParentID)

	children, err := f.launcher.Children(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestEndToken_LeavesOpenTasks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	tc := f.launch(t, "/Test/Approval", nil)
	assert.Empty(t, f.drain(t))

	s := f.store.NewSession()
	loaded, err := s.GetContextByID(ctx, tc.ID)
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx))
	require.NoError(t, f.engine.EndToken(ctx, s, loaded))
	require.NoError(t, s.Commit(ctx))
	_ = s.Close()

	tasks, err := f.launcher.Tasks(ctx, store.TaskCriteria{TokenID: tc.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, schema.TaskStatusEnabled, tasks[0].Status, "nobody accepted it")
	assert.Nil(t, tasks[0].CompletedAt)

	kept := f.token(t, tc.ID)
	assert.Equal(t, schema.StateCompleted, kept.State, "still referenced by the task")
}

func TestEndToken_DeletesResumedTasks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	tc := f.launch(t, "/Test/Approval", nil)
	assert.Empty(t, f.drain(t))

	tasks, err := f.launcher.Tasks(ctx, store.TaskCriteria{TokenID: tc.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	task.DeleteAfterCompletion = true
	s := f.store.NewSession()
	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.SaveWorkflowTask(ctx, task))
	require.NoError(t, s.Commit(ctx))
	_ = s.Close()

	_, err = f.launcher.ResumeTask(ctx, task.ID, "Approve", "alice")
	require.NoError(t, err)
	assert.Empty(t, f.drain(t))

	tasks, err = f.launcher.Tasks(ctx, store.TaskCriteria{TokenID: tc.ID})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	_, err = f.launcher.Token(ctx, tc.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "nothing references the token")
}

func TestAbortToken_Suspended(t *testing.T) {
	f := newFixture(t, Config{})
	tc := f.launch(t, "/Test/AutoClear", nil)
	require.Empty(t, f.drain(t))
	require.Equal(t, schema.StateSuspended, f.token(t, tc.ID).State)

	aborted, err := f.launcher.Abort(context.Background(), tc.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StateAborted, aborted.State)
	assert.Equal(t, schema.StateAborted, f.token(t, tc.ID).State)

	_, err = f.launcher.Abort(context.Background(), tc.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidState))
}

func TestNewChildToken(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	parent := f.launch(t, "/Test/AutoClear", nil)
	ctx := context.Background()

	s := f.store.NewSession()
	require.NoError(t, s.Begin(ctx))
	child, err := f.engine.NewChildToken(ctx, s, parent, "Pair", nil)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))
	_ = s.Close()

	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, "/Test/Pair", child.Process)

	children, err := f.launcher.Children(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)
}

func TestExecutingAndConflict(t *testing.T) {
	f := newFixture(t, Config{})
	assert.True(t, f.engine.track("t1"))
	assert.False(t, f.engine.track("t1"))
	assert.True(t, f.engine.Executing("t1"))

	assert.True(t, f.engine.requestAbort("t1"))
	assert.True(t, f.engine.takeAbort("t1"))
	assert.False(t, f.engine.takeAbort("t1"))

	f.engine.untrack("t1")
	assert.False(t, f.engine.Executing("t1"))
	assert.False(t, f.engine.requestAbort("t1"))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}
