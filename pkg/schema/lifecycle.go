package schema

// LifecycleState is the execution state of a token.
type LifecycleState string

const (
	StateCreated   LifecycleState = "CREATED"
	StateRunning   LifecycleState = "RUNNING"
	StateSuspended LifecycleState = "SUSPENDED"
	StateIdling    LifecycleState = "IDLING"
	StateSelected  LifecycleState = "SELECTED"
	StateCompleted LifecycleState = "COMPLETED"
	StateAborted   LifecycleState = "ABORTED"
	StateError     LifecycleState = "ERROR"
)

// Terminal reports whether no further execution can happen in this state.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateError:
		return true
	}
	return false
}

// Resumable reports whether a RESUME request may be placed on a token in this state.
func (s LifecycleState) Resumable() bool {
	switch s {
	case StateCreated, StateSuspended, StateIdling:
		return true
	}
	return false
}

// LifecycleRequest is what the engine has been asked to do with a token next.
type LifecycleRequest string

const (
	RequestNone               LifecycleRequest = "NONE"
	RequestResume             LifecycleRequest = "RESUME"
	RequestSuspendMemory      LifecycleRequest = "SUSPEND_MEMORY"
	RequestSuspendImmediate   LifecycleRequest = "SUSPEND_IMMEDIATE"
	RequestSuspendTransaction LifecycleRequest = "SUSPEND_TRANSACTION"
	RequestStop               LifecycleRequest = "STOP"
	RequestAbort              LifecycleRequest = "ABORT"
)

// WorkflowTaskStatus is the status of a human workflow task.
type WorkflowTaskStatus string

const (
	TaskStatusEnabled   WorkflowTaskStatus = "enabled"
	TaskStatusResumed   WorkflowTaskStatus = "resumed"
	TaskStatusCompleted WorkflowTaskStatus = "completed"
)
