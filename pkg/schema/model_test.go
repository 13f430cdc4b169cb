package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProcess() *Process {
	m := &Model{Name: "Orders"}
	p := &Process{Name: "Approve", Model: m}
	m.Processes = []*Process{p}

	start := &Node{Name: "Start", Kind: NodeInitial, Process: p}
	start.Sockets = []*Socket{{Name: "Start", Node: start}}
	alt := &Node{Name: "Alt", Kind: NodeInitial, Default: true, Process: p}
	alt.Sockets = []*Socket{{Name: "Alt", Node: alt}}
	act := &Node{Name: "Check", Kind: NodeActivity, Process: p}
	act.Sockets = []*Socket{
		{Name: "In", Entry: true, Node: act},
		{Name: "Out", Default: true, Node: act},
		{Name: "Error", Node: act},
	}
	p.Nodes = []*Node{start, alt, act}
	return p
}

func TestQualifiers(t *testing.T) {
	p := sampleProcess()
	check := p.Node("Check")
	require.NotNil(t, check)

	assert.Equal(t, "/Orders", p.Model.Qualifier())
	assert.Equal(t, "/Orders/Approve", p.Qualifier())
	assert.Equal(t, "/Orders/Approve.Check", check.Qualifier())
	assert.Equal(t, "/Orders/Approve.Check.In", check.Socket("In").Qualifier())
	assert.Equal(t, "/Orders/Approve.Check.In.x", check.Socket("In").ParamKey("x"))
	assert.Equal(t, "_customer", VariableKey("customer"))
	assert.True(t, IsVariableKey("_customer"))
}

func TestNode_DefaultSockets(t *testing.T) {
	p := sampleProcess()
	check := p.Node("Check")

	assert.Equal(t, "Out", check.DefaultExitSocket().Name)
	assert.Equal(t, "In", check.DefaultEntrySocket().Name, "single entry socket is the default")
	assert.Nil(t, check.ExitSocket("In"))
	assert.Equal(t, "Error", check.ExitSocket("Error").Name)
}

func TestProcess_InitialNodes(t *testing.T) {
	p := sampleProcess()

	assert.Equal(t, "Alt", p.DefaultInitialNode().Name)
	assert.NotNil(t, p.InitialNode("Start"))
	assert.Nil(t, p.InitialNode("Check"), "activity nodes are not initial nodes")
}

func TestParseSocketRef(t *testing.T) {
	tests := []struct {
		ref  string
		want SocketRef
		ok   bool
	}{
		{"/M/P", SocketRef{Model: "M", Process: "P"}, true},
		{"/M/P.Start", SocketRef{Model: "M", Process: "P", Node: "Start"}, true},
		{"/M/P.Start.Go", SocketRef{Model: "M", Process: "P", Node: "Start", Socket: "Go"}, true},
		{"M/P", SocketRef{}, false},
		{"/M", SocketRef{}, false},
		{"/M/P..S", SocketRef{}, false},
		{"/M/P.A.B.C", SocketRef{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, ok := ParseSocketRef(tt.ref)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	r, _ := ParseSocketRef("/M/P.Start")
	assert.Equal(t, "/M/P", r.ProcessQualifier())
}

func TestLifecycleState_Predicates(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateIdling.Terminal())
	assert.True(t, StateIdling.Resumable())
	assert.False(t, StateRunning.Resumable())
}

func TestLink_ResolvesLinksAndDefaults(t *testing.T) {
	m := &Model{
		Name: "Orders",
		Processes: []*Process{{
			Name:      "Approve",
			Variables: []*ProcessVariable{{Name: "customer"}},
			Nodes: []*Node{
				{Name: "Start", Kind: NodeInitial, Sockets: []*Socket{{Name: "Start", Params: []*Param{{Name: "x"}}}}},
				{Name: "Check", Kind: NodeActivity, Handler: &HandlerDef{Name: "log"}, Sockets: []*Socket{
					{Name: "In", Entry: true, Params: []*Param{{Name: "x"}, {Name: "customer"}}},
					{Name: "Out"},
				}},
				{Name: "End", Kind: NodeFinal},
			},
			ControlLinks: []*ControlLink{
				{From: "Start.Start", To: "Check.In"},
				{From: "Check.Out", To: "End.End", Transaction: TxCommit},
			},
			DataLinks: []*DataLink{
				{From: "Start.Start.x", To: "Check.In.x"},
				{From: "_customer", To: "Check.In.customer"},
			},
		}},
	}

	result := Link(m)
	require.True(t, result.Valid(), "%+v", result.Errors)

	p := m.Processes[0]
	start := p.Node("Start").Socket("Start")
	in := p.Node("Check").Socket("In")
	end := p.Node("End")

	require.Len(t, start.OutLinks, 1)
	assert.Same(t, in, start.OutLinks[0].Target)
	assert.Equal(t, TxNone, start.OutLinks[0].Transaction)
	assert.Equal(t, RollbackUpdateVariables, start.OutLinks[0].RollbackData)
	assert.Equal(t, RollbackMaintainPosition, start.OutLinks[0].RollbackPosition)

	require.NotNil(t, end.Socket("End"))
	assert.True(t, end.Socket("End").Entry)
	assert.Equal(t, []string{HandlerEventActivity}, p.Node("Check").Handler.Events)

	assert.Len(t, start.Param("x").OutLinks, 1)
	assert.Equal(t, "/Orders/Approve.Check.In.x", p.DataLinks[0].TargetKey())
	assert.Equal(t, "_customer", p.DataLinks[1].SourceKey())
	assert.Len(t, p.Variable("customer").OutLinks, 1)

	again := Link(m)
	assert.True(t, again.Valid())
	assert.Len(t, start.OutLinks, 1, "linking twice does not duplicate links")
}

func TestLink_ReportsUnresolvedEndpoints(t *testing.T) {
	m := &Model{
		Name: "M",
		Processes: []*Process{{
			Name:         "P",
			Nodes:        []*Node{{Name: "A", Kind: NodeInitial}},
			ControlLinks: []*ControlLink{{From: "A.A", To: "B.In"}},
			DataLinks:    []*DataLink{{From: "A.A.x", To: "_nope"}},
		}},
	}
	result := Link(m)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "processes[0].control_links[0].to", result.Errors[0].Path)
	assert.Equal(t, ErrCodeSocketNotFound, result.Errors[0].Code)
	assert.Equal(t, "processes[0].data_links[0].from", result.Errors[1].Path)
}
