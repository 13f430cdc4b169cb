package schema

import "strings"

// NodeKind identifies how a node participates in token execution.
type NodeKind string

const (
	NodeInitial     NodeKind = "initial"
	NodeFinal       NodeKind = "final"
	NodeActivity    NodeKind = "activity"
	NodeDecision    NodeKind = "decision"
	NodeSubprocess  NodeKind = "subprocess"
	NodeWorkflow    NodeKind = "workflow"
	NodeWaitState   NodeKind = "waitstate"
	NodePlaceholder NodeKind = "placeholder"
)

// TxDirective is the transaction action a control link performs when traversed.
type TxDirective string

const (
	TxNone          TxDirective = "none"
	TxBegin         TxDirective = "begin"
	TxCommit        TxDirective = "commit"
	TxCommitBegin   TxDirective = "commit_begin"
	TxRollback      TxDirective = "rollback"
	TxRollbackBegin TxDirective = "rollback_begin"
)

// IsRollback reports whether the directive rolls back the open transaction.
func (d TxDirective) IsRollback() bool {
	return d == TxRollback || d == TxRollbackBegin
}

// RollbackData controls how process data is merged after a rollback.
type RollbackData string

const (
	// RollbackUpdateVariables overlays snapshot values on existing keys only.
	RollbackUpdateVariables RollbackData = "update_variables"
	// RollbackAddVariables overlays snapshot values on keys that are missing only.
	RollbackAddVariables RollbackData = "add_variables"
	// RollbackRestoreVariables keeps the rolled-back data as is.
	RollbackRestoreVariables RollbackData = "restore_variables"
)

// RollbackPosition controls where the token continues after a rollback.
type RollbackPosition string

const (
	RollbackMaintainPosition RollbackPosition = "maintain_position"
	RollbackRestorePosition  RollbackPosition = "restore_position"
)

// Well-known socket names.
const (
	SocketError = "Error"
	SocketYes   = "Yes"
	SocketNo    = "No"
)

// VariablePrefix distinguishes process variable keys from socket parameter keys.
const VariablePrefix = "_"

// Model is a named container of processes.
type Model struct {
	Name        string     `yaml:"model" json:"model"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Processes   []*Process `yaml:"processes" json:"processes"`

	// Fingerprint is the content hash of the document the model was loaded from.
	Fingerprint string `yaml:"-" json:"fingerprint,omitempty"`
	Source      string `yaml:"-" json:"source,omitempty"`
}

// Qualifier returns the absolute name of the model.
func (m *Model) Qualifier() string { return "/" + m.Name }

// Process returns the named process, or nil.
func (m *Model) Process(name string) *Process {
	for _, p := range m.Processes {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Process is a directed graph of nodes connected by control and data links.
type Process struct {
	Name         string             `yaml:"name" json:"name"`
	Description  string             `yaml:"description,omitempty" json:"description,omitempty"`
	Variables    []*ProcessVariable `yaml:"variables,omitempty" json:"variables,omitempty"`
	Nodes        []*Node            `yaml:"nodes" json:"nodes"`
	ControlLinks []*ControlLink     `yaml:"control_links,omitempty" json:"control_links,omitempty"`
	DataLinks    []*DataLink        `yaml:"data_links,omitempty" json:"data_links,omitempty"`

	Model *Model `yaml:"-" json:"-"`
}

// Qualifier returns the absolute name of the process, e.g. "/Orders/Approve".
func (p *Process) Qualifier() string {
	if p.Model == nil {
		return "/" + p.Name
	}
	return p.Model.Qualifier() + "/" + p.Name
}

// Node returns the named node, or nil.
func (p *Process) Node(name string) *Node {
	for _, n := range p.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Variable returns the named process variable, or nil.
func (p *Process) Variable(name string) *ProcessVariable {
	for _, v := range p.Variables {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// InitialNode returns the initial node with the given name, or nil.
func (p *Process) InitialNode(name string) *Node {
	n := p.Node(name)
	if n == nil || n.Kind != NodeInitial {
		return nil
	}
	return n
}

// DefaultInitialNode returns the initial node flagged as default, falling back
// to the first initial node declared.
func (p *Process) DefaultInitialNode() *Node {
	var first *Node
	for _, n := range p.Nodes {
		if n.Kind != NodeInitial {
			continue
		}
		if n.Default {
			return n
		}
		if first == nil {
			first = n
		}
	}
	return first
}

// Node is a step of a process. Sockets are its entry and exit points.
type Node struct {
	Name        string      `yaml:"name" json:"name"`
	Kind        NodeKind    `yaml:"kind" json:"kind"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Default     bool        `yaml:"default,omitempty" json:"default,omitempty"`
	Handler     *HandlerDef `yaml:"handler,omitempty" json:"handler,omitempty"`
	Sockets     []*Socket   `yaml:"sockets,omitempty" json:"sockets,omitempty"`

	// Condition is the CEL expression of a decision node.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	// Subprocess references the process a subprocess node calls.
	Subprocess string `yaml:"subprocess,omitempty" json:"subprocess,omitempty"`
	// Role and StepName describe the task a workflow node creates.
	Role     string `yaml:"role,omitempty" json:"role,omitempty"`
	StepName string `yaml:"step_name,omitempty" json:"step_name,omitempty"`
	// InMemory makes a wait state park the token instead of suspending it.
	InMemory bool `yaml:"in_memory,omitempty" json:"in_memory,omitempty"`

	Process       *Process `yaml:"-" json:"-"`
	SubprocessRef *Process `yaml:"-" json:"-"`
}

// Qualifier returns the absolute name of the node, e.g. "/Orders/Approve.Check".
func (n *Node) Qualifier() string {
	if n.Process == nil {
		return n.Name
	}
	return n.Process.Qualifier() + "." + n.Name
}

// Socket returns the named socket, or nil.
func (n *Node) Socket(name string) *Socket {
	for _, s := range n.Sockets {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ExitSocket returns the named exit socket, or nil.
func (n *Node) ExitSocket(name string) *Socket {
	s := n.Socket(name)
	if s == nil || s.Entry {
		return nil
	}
	return s
}

// DefaultExitSocket returns the exit socket flagged as default. A node with a
// single exit socket treats it as the default.
func (n *Node) DefaultExitSocket() *Socket {
	return n.defaultSocket(false)
}

// DefaultEntrySocket returns the entry socket flagged as default. A node with a
// single entry socket treats it as the default.
func (n *Node) DefaultEntrySocket() *Socket {
	return n.defaultSocket(true)
}

func (n *Node) defaultSocket(entry bool) *Socket {
	var only *Socket
	count := 0
	for _, s := range n.Sockets {
		if s.Entry != entry {
			continue
		}
		if s.Default {
			return s
		}
		only = s
		count++
	}
	if count == 1 {
		return only
	}
	return nil
}

// HandlerDef binds a handler to a node. Name selects a registered handler;
// Script is an expression evaluated when no name is given.
type HandlerDef struct {
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Script string         `yaml:"script,omitempty" json:"script,omitempty"`
	Events []string       `yaml:"events,omitempty" json:"events,omitempty"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// HandlesEvent reports whether the handler subscribes to the given handler event.
func (h *HandlerDef) HandlesEvent(event string) bool {
	if h == nil {
		return false
	}
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Socket is an entry or exit point of a node carrying parameters.
type Socket struct {
	Name    string   `yaml:"name" json:"name"`
	Entry   bool     `yaml:"entry,omitempty" json:"entry,omitempty"`
	Default bool     `yaml:"default,omitempty" json:"default,omitempty"`
	Params  []*Param `yaml:"params,omitempty" json:"params,omitempty"`

	Node     *Node          `yaml:"-" json:"-"`
	OutLinks []*ControlLink `yaml:"-" json:"-"`
	InLinks  []*ControlLink `yaml:"-" json:"-"`
}

// Qualifier returns the absolute name of the socket, e.g. "/Orders/Approve.Check.In".
func (s *Socket) Qualifier() string {
	if s.Node == nil {
		return s.Name
	}
	return s.Node.Qualifier() + "." + s.Name
}

// Process returns the process owning the socket.
func (s *Socket) Process() *Process {
	if s.Node == nil {
		return nil
	}
	return s.Node.Process
}

// Param returns the named parameter, or nil.
func (s *Socket) Param(name string) *Param {
	for _, p := range s.Params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ParamKey returns the key under which the socket's parameter value is stored.
func (s *Socket) ParamKey(param string) string {
	return s.Qualifier() + "." + param
}

// Param is a typed value slot of a socket.
type Param struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	// Expression is a constant evaluated only while the parameter has no value.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
	// Script is evaluated on every entry and overwrites the value.
	Script string         `yaml:"script,omitempty" json:"script,omitempty"`
	Schema map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`

	Socket   *Socket     `yaml:"-" json:"-"`
	OutLinks []*DataLink `yaml:"-" json:"-"`
	InLinks  []*DataLink `yaml:"-" json:"-"`
}

// Key returns the key under which the parameter value is stored.
func (p *Param) Key() string {
	return p.Socket.ParamKey(p.Name)
}

// ProcessVariable is token-wide data declared by a process.
type ProcessVariable struct {
	Name       string `yaml:"name" json:"name"`
	Type       string `yaml:"type,omitempty" json:"type,omitempty"`
	AutoAssign bool   `yaml:"auto_assign,omitempty" json:"auto_assign,omitempty"`
	Persistent bool   `yaml:"persistent,omitempty" json:"persistent,omitempty"`
	// Default is an expression evaluated when the token starts.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`

	Process  *Process    `yaml:"-" json:"-"`
	OutLinks []*DataLink `yaml:"-" json:"-"`
	InLinks  []*DataLink `yaml:"-" json:"-"`
}

// Key returns the key under which the variable value is stored.
func (v *ProcessVariable) Key() string { return VariableKey(v.Name) }

// VariableKey returns the storage key of a process variable.
func VariableKey(name string) string { return VariablePrefix + name }

// IsVariableKey reports whether key addresses a process variable.
func IsVariableKey(key string) bool { return strings.HasPrefix(key, VariablePrefix) }

// ControlLink connects an exit socket to an entry socket.
type ControlLink struct {
	Name             string           `yaml:"name,omitempty" json:"name,omitempty"`
	From             string           `yaml:"from" json:"from"`
	To               string           `yaml:"to" json:"to"`
	Transaction      TxDirective      `yaml:"transaction,omitempty" json:"transaction,omitempty"`
	RollbackData     RollbackData     `yaml:"rollback_data,omitempty" json:"rollback_data,omitempty"`
	RollbackPosition RollbackPosition `yaml:"rollback_position,omitempty" json:"rollback_position,omitempty"`
	// Condition is an optional CEL guard; a false guard skips the link.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	Source *Socket `yaml:"-" json:"-"`
	Target *Socket `yaml:"-" json:"-"`
}

// DataLink moves a value between parameters and process variables.
type DataLink struct {
	Name         string `yaml:"name,omitempty" json:"name,omitempty"`
	From         string `yaml:"from" json:"from"`
	To           string `yaml:"to" json:"to"`
	SourceMember string `yaml:"source_member,omitempty" json:"source_member,omitempty"`
	TargetMember string `yaml:"target_member,omitempty" json:"target_member,omitempty"`
	Clone        bool   `yaml:"clone,omitempty" json:"clone,omitempty"`

	SourceParam *Param           `yaml:"-" json:"-"`
	SourceVar   *ProcessVariable `yaml:"-" json:"-"`
	TargetParam *Param           `yaml:"-" json:"-"`
	TargetVar   *ProcessVariable `yaml:"-" json:"-"`
}

// SourceKey returns the storage key the link reads from.
func (l *DataLink) SourceKey() string {
	if l.SourceVar != nil {
		return l.SourceVar.Key()
	}
	return l.SourceParam.Key()
}

// TargetKey returns the storage key the link writes to.
func (l *DataLink) TargetKey() string {
	if l.TargetVar != nil {
		return l.TargetVar.Key()
	}
	return l.TargetParam.Key()
}

// SocketRef is a parsed absolute socket reference "/Model/Process[.Node[.Socket]]".
type SocketRef struct {
	Model   string
	Process string
	Node    string
	Socket  string
}

// ProcessQualifier returns "/Model/Process".
func (r SocketRef) ProcessQualifier() string {
	return "/" + r.Model + "/" + r.Process
}

// ParseSocketRef parses an absolute reference. ok is false when the reference
// is not absolute or is malformed.
func ParseSocketRef(ref string) (SocketRef, bool) {
	if !strings.HasPrefix(ref, "/") {
		return SocketRef{}, false
	}
	model, rest, found := strings.Cut(ref[1:], "/")
	if !found || model == "" || rest == "" {
		return SocketRef{}, false
	}
	parts := strings.Split(rest, ".")
	if len(parts) > 3 {
		return SocketRef{}, false
	}
	for _, p := range parts {
		if p == "" {
			return SocketRef{}, false
		}
	}
	r := SocketRef{Model: model, Process: parts[0]}
	if len(parts) > 1 {
		r.Node = parts[1]
	}
	if len(parts) > 2 {
		r.Socket = parts[2]
	}
	return r, true
}
