package model

import (
	"testing"

	"github.com/rendis/procflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callerModel(ref string) *schema.Model {
	return &schema.Model{
		Name: "Orders",
		Processes: []*schema.Process{
			{
				Name: "Main",
				Nodes: []*schema.Node{
					{Name: "Start", Kind: schema.NodeInitial},
					{Name: "Call", Kind: schema.NodeSubprocess, Subprocess: ref, Sockets: []*schema.Socket{
						{Name: "In", Entry: true}, {Name: "Done"},
					}},
					{Name: "End", Kind: schema.NodeFinal},
				},
				ControlLinks: []*schema.ControlLink{
					{From: "Start.Start", To: "Call.In"},
					{From: "Call.Done", To: "End.End"},
				},
			},
			{
				Name: "Sub",
				Nodes: []*schema.Node{
					{Name: "In", Kind: schema.NodeInitial},
					{Name: "Done", Kind: schema.NodeFinal},
				},
				ControlLinks: []*schema.ControlLink{{From: "In.In", To: "Done.Done"}},
			},
		},
	}
}

func TestRegistry_ResolvesRelativeSubprocess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(callerModel("Sub")))

	p, err := reg.Process("/Orders/Main")
	require.NoError(t, err)
	call := p.Node("Call")
	require.NotNil(t, call.SubprocessRef)
	assert.Equal(t, "/Orders/Sub", call.SubprocessRef.Qualifier())
}

func TestRegistry_ResolvesAcrossBatch(t *testing.T) {
	shared := &schema.Model{Name: "Shared", Processes: []*schema.Process{{
		Name:         "Audit",
		Nodes:        []*schema.Node{{Name: "In", Kind: schema.NodeInitial}, {Name: "Done", Kind: schema.NodeFinal}},
		ControlLinks: []*schema.ControlLink{{From: "In.In", To: "Done.Done"}},
	}}}
	reg := NewRegistry()
	require.NoError(t, reg.Register(callerModel("/Shared/Audit"), shared))

	p, err := reg.Process("/Orders/Main")
	require.NoError(t, err)
	assert.Same(t, shared.Processes[0], p.Node("Call").SubprocessRef)

	names := []string{}
	for _, m := range reg.Models() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"Orders", "Shared"}, names)
}

func TestRegistry_UnresolvedSubprocessRegistersNothing(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(callerModel("/Missing/Proc"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeModelNotFound))

	_, err = reg.Model("Orders")
	assert.True(t, schema.HasCode(err, schema.ErrCodeModelNotFound))
}

func TestRegistry_ProcessErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(callerModel("Sub")))

	for _, q := range []string{"/Nope/Main", "/Orders/Nope", "Orders/Main", "/Orders/Main.Call"} {
		_, err := reg.Process(q)
		assert.True(t, schema.HasCode(err, schema.ErrCodeModelNotFound), q)
	}

	m, err := reg.Model("/Orders")
	require.NoError(t, err)
	assert.Equal(t, "Orders", m.Name)

	assert.True(t, reg.Remove("Orders"))
	assert.False(t, reg.Remove("Orders"))
	assert.Empty(t, reg.Models())
}

func TestRegistry_RejectsUnlinkableModel(t *testing.T) {
	m := callerModel("Sub")
	m.Processes[0].ControlLinks[0].To = "Ghost.In"
	err := NewRegistry().Register(m)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
