package schema

// Engine event types delivered to observers.
const (
	EventBeginToken       = "BEGIN_TOKEN"
	EventBeforeEndToken   = "BEFORE_END_TOKEN"
	EventAfterEndToken    = "AFTER_END_TOKEN"
	EventTokenStateChange = "TOKEN_STATE_CHANGE"
	EventBeginExecution   = "BEGIN_EXECUTION"
	EventEndExecution     = "END_EXECUTION"
	EventNodeEntry        = "NODE_ENTRY"
	EventNodeExit         = "NODE_EXIT"
	EventControlFlow      = "CONTROL_FLOW"
	EventDataFlow         = "DATA_FLOW"
	EventProcessException = "PROCESS_EXCEPTION"
	EventHandleException  = "HANDLE_EXCEPTION"
	EventShallExecute     = "SHALL_EXECUTE_TOKEN"
)

// AllEventTypes lists every event type the engine fires.
var AllEventTypes = []string{
	EventBeginToken,
	EventBeforeEndToken,
	EventAfterEndToken,
	EventTokenStateChange,
	EventBeginExecution,
	EventEndExecution,
	EventNodeEntry,
	EventNodeExit,
	EventControlFlow,
	EventDataFlow,
	EventProcessException,
	EventHandleException,
	EventShallExecute,
}

// ExceptionHandling is the decision an observer makes for a HANDLE_EXCEPTION event.
type ExceptionHandling string

const (
	// HandlingContinue treats the exception as handled and continues at the current socket.
	HandlingContinue ExceptionHandling = "CONTINUE"
	// HandlingErrorSocket routes the token to the node's error socket.
	HandlingErrorSocket ExceptionHandling = "ERROR_SOCKET"
	// HandlingRethrow escalates the exception out of the executor.
	HandlingRethrow ExceptionHandling = "RETHROW"
)

// Handler events a handler definition may subscribe to.
const (
	HandlerEventEntry    = "entry"
	HandlerEventExit     = "exit"
	HandlerEventActivity = "activity"
)
