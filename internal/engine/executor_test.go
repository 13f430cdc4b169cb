package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

func TestExecute_DataLinkReachesHandler(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/Pair", nil)

	assert.Empty(t, f.drain(t))

	captured := f.capturedParams()
	require.Len(t, captured, 1)
	assert.EqualValues(t, 5, captured[0]["x"])

	done := f.token(t, tc.ID)
	assert.Equal(t, schema.StateCompleted, done.State)
	assert.Equal(t, "/Test/Pair.End", done.Progress.LastNode)
	assert.Positive(t, done.Progress.Steps)
}

func TestExecute_RequiredParameterMissing(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/Required", nil)

	err := f.execute(t, tc.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRequiredParam))
	assert.True(t, schema.IsUnrecoverable(err))
	assert.Empty(t, f.capturedParams(), "handler must not run")

	failed := f.token(t, tc.ID)
	assert.Equal(t, schema.StateError, failed.State)
}

func TestExecute_FallbackToNamedInitialNode(t *testing.T) {
	f := newFixture(t, Config{})
	rec := &recorder{}
	f.engine.RegisterObserver(rec, schema.EventControlFlow)
	tc := f.launch(t, "/Test/Fallback", nil)

	assert.Empty(t, f.drain(t))

	held := f.token(t, tc.ID)
	assert.Equal(t, schema.StateSuspended, held.State)
	assert.Equal(t, "/Test/Fallback.Hold.Out", held.CurrentSocket)
	assert.EqualValues(t, 7, held.ParamValues["/Test/Fallback.Hold.In.v"], "values follow the fallback")

	var sockets []string
	for _, ev := range rec.ofType(schema.EventControlFlow) {
		sockets = append(sockets, ev.Socket)
	}
	assert.Contains(t, sockets, "/Test/Fallback.Again.Again")
}

func TestExecute_UnconnectedSocket(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/Dangling", nil)

	err := f.execute(t, tc.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnconnectedSocket))
	assert.Equal(t, schema.StateError, f.token(t, tc.ID).State)
}

func TestExecute_DataLinkAutoClear(t *testing.T) {
	f := newFixture(t, Config{})
	tc := f.launch(t, "/Test/AutoClear", nil)

	assert.Empty(t, f.drain(t))

	held := f.token(t, tc.ID)
	require.Equal(t, schema.StateSuspended, held.State)
	assert.NotContains(t, held.ParamValues, "/Test/AutoClear.Start.Out.a")
	assert.NotContains(t, held.ParamValues, "/Test/AutoClear.Start.Out.b")
	assert.EqualValues(t, 1, held.ParamValues["/Test/AutoClear.Hold.In.a"])
	assert.EqualValues(t, 2, held.ParamValues["_b"], "unlinked param auto-assigns its variable")
}

func TestExecute_ErrorSocketRedirection(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})

	var bound any
	f.engine.RegisterObserver(NewObserverFunc(func(_ context.Context, ev *Event) {
		if ev.Socket == "/Test/Failing.Work.Error" {
			bound, _ = ev.Token.ParamValue("/Test/Failing.Work.Error.Exception")
		}
	}), schema.EventNodeExit)

	tc := f.launch(t, "/Test/Failing", nil)
	assert.Empty(t, f.drain(t), "routed exceptions do not terminate the token")

	pe, ok := bound.(*schema.ProcflowError)
	require.True(t, ok, "exception param holds the error, got %T", bound)
	assert.Equal(t, schema.ErrCodeHandlerFailed, pe.Code)
	assert.Equal(t, "/Test/Failing.Work.In", pe.Socket)

	done := f.token(t, tc.ID)
	assert.Equal(t, schema.StateCompleted, done.State)
	assert.NotNil(t, done.ParamValues["_failure"])
}

func TestExecute_UnhandledExceptionFailsToken(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	rec := &recorder{}
	f.engine.RegisterObserver(rec, schema.EventProcessException, schema.EventEndExecution)
	tc := f.launch(t, "/Test/Unhandled", nil)

	err := f.execute(t, tc.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerFailed))
	assert.Equal(t, schema.StateError, f.token(t, tc.ID).State)

	require.Len(t, rec.ofType(schema.EventProcessException), 1)
	end := rec.ofType(schema.EventEndExecution)
	require.Len(t, end, 1)
	assert.Error(t, end[0].Err)
}

func TestExecute_ObserverHandlesException(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})

	var calls int
	f.engine.RegisterObserver(NewObserverFunc(func(_ context.Context, ev *Event) {
		calls++
		if calls == 1 {
			ev.Handling = schema.HandlingContinue
			return
		}
		ev.Handling = schema.HandlingRethrow
	}), schema.EventHandleException)

	tc := f.launch(t, "/Test/Unhandled", nil)
	err := f.execute(t, tc.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerFailed))
	assert.Equal(t, 2, calls, "continue re-enters the node, rethrow escapes")
	assert.Equal(t, schema.StateError, f.token(t, tc.ID).State)
}

func TestExecute_Subprocess(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/Main", nil)

	assert.Empty(t, f.drain(t))

	done := f.token(t, tc.ID)
	assert.Equal(t, schema.StateCompleted, done.State)
	assert.EqualValues(t, 2, done.ParamValues["_result"])
	assert.Zero(t, done.CallStack.Len())
}

func TestExecute_Decision(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	big := f.launch(t, "/Test/Decide", map[string]any{"amount": 150})
	small := f.launch(t, "/Test/Decide", map[string]any{"amount": 20})

	assert.Empty(t, f.drain(t))

	assert.Equal(t, "/Test/Decide.Big", f.token(t, big.ID).Progress.LastNode)
	assert.Equal(t, "/Test/Decide.Small", f.token(t, small.ID).Progress.LastNode)
}

func TestExecute_WorkflowTask(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	ctx := context.Background()
	tc := f.launch(t, "/Test/Approval", nil)

	assert.Empty(t, f.drain(t))
	waiting := f.token(t, tc.ID)
	assert.Equal(t, schema.StateSuspended, waiting.State)
	assert.Equal(t, schema.RequestNone, waiting.Request)

	tasks, err := f.launcher.Tasks(ctx, store.TaskCriteria{TokenID: tc.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "manager", task.RoleID)
	assert.Equal(t, "review", task.StepName)
	assert.Equal(t, "Review the request", task.Name)
	assert.Equal(t, schema.TaskStatusEnabled, task.Status)

	resumed, err := f.launcher.ResumeTask(ctx, task.ID, "Reject", "alice")
	require.NoError(t, err)
	assert.Equal(t, "/Test/Approval.Review.Reject", resumed.CurrentSocket)
	assert.Equal(t, schema.RequestResume, resumed.Request)

	assert.Empty(t, f.drain(t))
	done := f.token(t, tc.ID)
	assert.Equal(t, schema.StateCompleted, done.State)
	assert.Equal(t, "/Test/Approval.Rejected", done.Progress.LastNode)

	tasks, err = f.launcher.Tasks(ctx, store.TaskCriteria{ID: task.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, schema.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, "alice", tasks[0].AcceptingUser)

	_, err = f.launcher.ResumeTask(ctx, task.ID, "Approve", "bob")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidState))
}

func TestExecute_WaitStateSuspendAndResume(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/AutoClear", nil)

	assert.Empty(t, f.drain(t))
	require.Equal(t, schema.StateSuspended, f.token(t, tc.ID).State)

	_, err := f.launcher.Resume(context.Background(), tc.ID)
	require.NoError(t, err)
	assert.Empty(t, f.drain(t))
	assert.Equal(t, schema.StateCompleted, f.token(t, tc.ID).State)
}

func TestExecute_InMemoryWaitState(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/Parked", nil)

	done := make(chan error, 1)
	go func() { done <- f.execute(t, tc.ID) }()

	waitFor(t, func() bool { return f.engine.parker.parked(tc.ID) })
	assert.True(t, f.engine.Executing(tc.ID))

	_, err := f.launcher.Resume(context.Background(), tc.ID)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, schema.StateCompleted, f.token(t, tc.ID).State)
	assert.False(t, f.engine.Executing(tc.ID))
}

func TestExecute_AbortParkedToken(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/Parked", nil)

	done := make(chan error, 1)
	go func() { done <- f.execute(t, tc.ID) }()
	waitFor(t, func() bool { return f.engine.parker.parked(tc.ID) })

	_, err := f.launcher.Abort(context.Background(), tc.ID)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, schema.StateAborted, f.token(t, tc.ID).State)
}

func TestExecute_CancelRequeuesToken(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/Parked", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		s := f.store.NewSession()
		defer s.Close()
		loaded, err := s.GetContextByID(ctx, tc.ID)
		if err != nil {
			done <- err
			return
		}
		done <- f.engine.ExecuteContext(ctx, s, loaded)
	}()
	waitFor(t, func() bool { return f.engine.parker.parked(tc.ID) })
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))

	requeued := f.token(t, tc.ID)
	assert.Equal(t, schema.StateCreated, requeued.State, "never selected, so it stays created")
	assert.Equal(t, schema.RequestResume, requeued.Request)
}

func TestExecuteContext_Guards(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	s := f.store.NewSession()
	defer s.Close()

	err := f.engine.ExecuteContext(ctx, s, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	tc := store.NewTokenContext("/Test/Pair")
	err = f.engine.ExecuteContext(ctx, s, tc)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidState), "no current socket")

	tc.CurrentSocket = "/Test/Pair.A.Out"
	tc.State = schema.StateCompleted
	err = f.engine.ExecuteContext(ctx, s, tc)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidState))

	tc.State = schema.StateCreated
	require.True(t, f.engine.track(tc.ID))
	err = f.engine.ExecuteContext(ctx, s, tc)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	f.engine.untrack(tc.ID)
}

func TestExecute_CommitThenFail(t *testing.T) {
	for _, tx := range []schema.TxDirective{schema.TxCommit, schema.TxCommitBegin} {
		t.Run(string(tx), func(t *testing.T) {
			f := newFixture(t, Config{RollbackOnError: true, RetainCompletedTokens: true})
			f.outLink(t, "/Test/CommitThenFail", "Bump", "Out").Transaction = tx
			tc := f.launch(t, "/Test/CommitThenFail", nil)

			err := f.execute(t, tc.ID)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerFailed))

			failed := f.token(t, tc.ID)
			assert.Equal(t, schema.StateError, failed.State)
			assert.Equal(t, "/Test/CommitThenFail.Work.In", failed.CurrentSocket, "position of the last commit")
			assert.Equal(t, "/Test/CommitThenFail.Bump", failed.Progress.LastNode)
			assert.EqualValues(t, 41, failed.ParamValues["_counter"], "committed before the failure")
			assert.NotContains(t, failed.ParamValues, "/Test/CommitThenFail.Work.In.note", "rolled back")
		})
	}
}

func TestExecute_FailWithoutRollbackKeepsWork(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/CommitThenFail", nil)

	require.Error(t, f.execute(t, tc.ID))

	failed := f.token(t, tc.ID)
	assert.Equal(t, schema.StateError, failed.State)
	assert.Equal(t, "/Test/CommitThenFail.Work", failed.Progress.LastNode)
	assert.Equal(t, "dirty", failed.ParamValues["/Test/CommitThenFail.Work.In.note"])
}

func TestExecute_RollbackLink(t *testing.T) {
	tests := []struct {
		name    string
		tx      schema.TxDirective
		data    schema.RollbackData
		counter int
	}{
		{"update variables", schema.TxRollback, schema.RollbackUpdateVariables, 41},
		{"rollback and begin", schema.TxRollbackBegin, schema.RollbackUpdateVariables, 41},
		{"restore variables", schema.TxRollback, schema.RollbackRestoreVariables, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{RetainCompletedTokens: true})
			link := f.outLink(t, "/Test/Rewind", "Bump", "Out")
			link.Transaction, link.RollbackData = tt.tx, tt.data
			tc := f.launch(t, "/Test/Rewind", nil)

			require.NoError(t, f.execute(t, tc.ID))

			held := f.token(t, tc.ID)
			assert.Equal(t, schema.StateSuspended, held.State)
			assert.Equal(t, "/Test/Rewind.Hold.Out", held.CurrentSocket, "position is maintained")
			assert.EqualValues(t, tt.counter, held.ParamValues["_counter"])
		})
	}
}

func TestExecute_DataLinkMembersAndClone(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.RegisterObserver(NewObserverFunc(func(_ context.Context, ev *Event) {
		if ev.DataLink == nil || !ev.DataLink.Clone {
			return
		}
		src, _ := ev.Token.ParamValue("/Test/Members.Start.Start.obj")
		src.(map[string]any)["k"] = 99
	}), schema.EventDataFlow)
	tc := f.launch(t, "/Test/Members", nil)

	assert.Empty(t, f.drain(t))

	held := f.token(t, tc.ID)
	require.Equal(t, schema.StateSuspended, held.State)

	out, ok := held.ParamValues["/Test/Members.Hold.In.out"].(map[string]any)
	require.True(t, ok, "got %T", held.ParamValues["/Test/Members.Hold.In.out"])
	inner, ok := out["x"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, inner["y"])

	cp, ok := held.ParamValues["/Test/Members.Hold.In.copy"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, cp["k"], "cloned values do not follow the source")

	shared, ok := held.ParamValues["/Test/Members.Hold.In.shared"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 99, shared["k"])
}

func TestExecute_GuardedControlLinks(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	huge := f.launch(t, "/Test/Guarded", map[string]any{"amount": 5000})
	big := f.launch(t, "/Test/Guarded", map[string]any{"amount": 150})
	small := f.launch(t, "/Test/Guarded", map[string]any{"amount": 20})

	assert.Empty(t, f.drain(t))

	assert.Equal(t, "/Test/Guarded.Huge", f.token(t, huge.ID).Progress.LastNode, "first passing link wins")
	assert.Equal(t, "/Test/Guarded.Big", f.token(t, big.ID).Progress.LastNode)
	assert.Equal(t, "/Test/Guarded.Small", f.token(t, small.ID).Progress.LastNode)
}

func TestExecute_SuspendTransaction(t *testing.T) {
	execs := NewNodeExecutors()
	execs.Register(schema.NodeKind("checkpoint"), NodeExecutorFunc(func(ctx context.Context, st *Step) error {
		next, err := st.defaultExit()
		if err != nil {
			return err
		}
		st.MoveTo(next)
		st.Request(schema.RequestSuspendTransaction)
		return nil
	}))
	f := newFixture(t, Config{NodeExecutors: execs, RetainCompletedTokens: true})
	tc := f.launch(t, "/Test/Checkpoint", nil)

	require.NoError(t, f.execute(t, tc.ID))

	saved := f.token(t, tc.ID)
	assert.Equal(t, schema.StateSuspended, saved.State)
	assert.Equal(t, schema.RequestResume, saved.Request, "picked up again by the next poll")
	assert.Equal(t, "/Test/Checkpoint.Save.Out", saved.CurrentSocket)

	assert.Empty(t, f.drain(t))
	assert.Equal(t, schema.StateCompleted, f.token(t, tc.ID).State)
}

func TestExecute_UnrecoverableIgnoresHandling(t *testing.T) {
	f := newFixture(t, Config{RetainCompletedTokens: true})
	rec := &recorder{}
	f.engine.RegisterObserver(rec, schema.EventProcessException, schema.EventNodeExit)

	var calls int
	f.engine.RegisterObserver(NewObserverFunc(func(_ context.Context, ev *Event) {
		calls++
		ev.Handling = schema.HandlingContinue
	}), schema.EventHandleException)

	tc := f.launch(t, "/Test/Fatal", nil)
	err := f.execute(t, tc.ID)
	require.Error(t, err)
	assert.True(t, schema.IsUnrecoverable(err))
	assert.Equal(t, 1, calls, "observers still see the exception")
	assert.Len(t, rec.ofType(schema.EventProcessException), 1)
	for _, ev := range rec.ofType(schema.EventNodeExit) {
		assert.NotEqual(t, "/Test/Fatal.Work.Error", ev.Socket, "error socket is not used")
	}
	assert.Equal(t, schema.StateError, f.token(t, tc.ID).State)
}
