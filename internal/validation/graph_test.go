package validation

import (
	"testing"

	"github.com/rendis/procflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_UnreachableNode(t *testing.T) {
	m := orderModel()
	m.Processes[0].Nodes = append(m.Processes[0].Nodes, &schema.Node{
		Name: "Orphan", Kind: schema.NodePlaceholder,
		Sockets: []*schema.Socket{{Name: "In", Entry: true}, {Name: "Out"}},
	})
	m.Processes[0].ControlLinks = append(m.Processes[0].ControlLinks, &schema.ControlLink{From: "Orphan.Out", To: "End.End"})
	require.True(t, schema.Link(m).Valid())

	result := validateGraph(m)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, `"Orphan" is unreachable`)
}

func TestGraph_SameNamedInitialNodeCountsAsEdge(t *testing.T) {
	m := &schema.Model{Name: "M", Processes: []*schema.Process{{
		Name: "P",
		Nodes: []*schema.Node{
			{Name: "Start", Kind: schema.NodeInitial},
			{Name: "Work", Kind: schema.NodePlaceholder, Sockets: []*schema.Socket{
				{Name: "In", Entry: true}, {Name: "Again"},
			}},
			{Name: "Again", Kind: schema.NodeInitial},
			{Name: "End", Kind: schema.NodeFinal},
		},
		ControlLinks: []*schema.ControlLink{
			{From: "Start.Start", To: "Work.In"},
			{From: "Again.Again", To: "End.End"},
		},
	}}}
	require.True(t, schema.Link(m).Valid())

	result := validateGraph(m)
	assert.Empty(t, result.Warnings)
}

func TestGraph_UnconnectedExitSocket(t *testing.T) {
	m := orderModel()
	m.Processes[0].ControlLinks = m.Processes[0].ControlLinks[:3]
	require.True(t, schema.Link(m).Valid())

	result := validateGraph(m)
	codes := map[string]int{}
	for _, w := range result.Warnings {
		codes[w.Code]++
	}
	assert.Equal(t, 1, codes[schema.ErrCodeUnconnectedSocket])
	assert.Equal(t, 1, codes[schema.ErrCodeValidation], "Reject becomes unreachable")
}
