package validation

import (
	"testing"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHandlerLookup implements HandlerLookup for tests.
type mockHandlerLookup struct {
	registered map[string]bool
}

func (m *mockHandlerLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockHandlerLookup {
	m := &mockHandlerLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

func newValidator(t *testing.T, handlers ...string) *ModelValidator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	mv, err := NewModelValidator(newMockLookup(handlers...), expressions.NewExprEngine(), cel)
	require.NoError(t, err)
	return mv
}

// orderModel builds Start -> Check -> Decide -> (Yes: End, No: Reject).
func orderModel() *schema.Model {
	return &schema.Model{
		Name: "Orders",
		Processes: []*schema.Process{{
			Name:      "Approve",
			Variables: []*schema.ProcessVariable{{Name: "total", AutoAssign: true, Default: "0"}},
			Nodes: []*schema.Node{
				{Name: "Start", Kind: schema.NodeInitial, Sockets: []*schema.Socket{
					{Name: "Start", Params: []*schema.Param{{Name: "x", Expression: "5"}}},
				}},
				{Name: "Check", Kind: schema.NodeActivity, Handler: &schema.HandlerDef{Name: "log"}, Sockets: []*schema.Socket{
					{Name: "In", Entry: true, Params: []*schema.Param{{Name: "x", Required: true, Schema: map[string]any{"type": "integer"}}}},
					{Name: "Out", Default: true},
				}},
				{Name: "Decide", Kind: schema.NodeDecision, Condition: "params.x > 3", Sockets: []*schema.Socket{
					{Name: "In", Entry: true},
					{Name: "Yes"},
					{Name: "No"},
				}},
				{Name: "End", Kind: schema.NodeFinal},
				{Name: "Reject", Kind: schema.NodeFinal},
			},
			ControlLinks: []*schema.ControlLink{
				{From: "Start.Start", To: "Check.In"},
				{From: "Check.Out", To: "Decide.In", Transaction: schema.TxCommitBegin},
				{From: "Decide.Yes", To: "End.End"},
				{From: "Decide.No", To: "Reject.Reject", Condition: "params.x != 0"},
			},
			DataLinks: []*schema.DataLink{
				{From: "Start.Start.x", To: "Check.In.x"},
			},
		}},
	}
}

func linked(t *testing.T, m *schema.Model) *schema.Model {
	t.Helper()
	require.True(t, schema.Link(m).Valid())
	return m
}

func TestModelValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*ModelValidator)(nil)
}

func TestModelValidator_Valid(t *testing.T) {
	mv := newValidator(t, "log")
	result := mv.Validate(linked(t, orderModel()))
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, mv.ValidateModel(orderModel()))
}

func TestModelValidator_NilModel(t *testing.T) {
	mv := newValidator(t)
	result := mv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestModelValidator_UnregisteredHandler(t *testing.T) {
	mv := newValidator(t, "other")
	result := mv.Validate(linked(t, orderModel()))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "processes[0].nodes[1].handler.name", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeNotFound, result.Errors[0].Code)
}

func TestModelValidator_NilLookupsSkipChecks(t *testing.T) {
	mv, err := NewModelValidator(nil, nil, nil)
	require.NoError(t, err)

	m := orderModel()
	m.Processes[0].Nodes[1].Handler.Name = "missing"
	m.Processes[0].Nodes[2].Condition = "((("
	assert.True(t, mv.Validate(linked(t, m)).Valid())
}

func TestModelValidator_ExpressionErrors(t *testing.T) {
	mv := newValidator(t, "log")
	m := orderModel()
	m.Processes[0].Nodes[0].Sockets[0].Params[0].Expression = "1 +"
	m.Processes[0].Nodes[2].Condition = "params.x >"

	result := mv.Validate(linked(t, m))
	require.Len(t, result.Errors, 2)
	assert.Equal(t, schema.ErrCodeExpression, result.Errors[0].Code)
	assert.Equal(t, "processes[0].nodes[0].sockets[0].params[0].expression", result.Errors[0].Path)
	assert.Equal(t, "processes[0].nodes[2].condition", result.Errors[1].Path)
}

func TestModelValidator_DecisionNeedsYesAndNo(t *testing.T) {
	mv := newValidator(t, "log")
	m := orderModel()
	decide := m.Processes[0].Nodes[2]
	decide.Sockets = decide.Sockets[:2]
	m.Processes[0].ControlLinks = m.Processes[0].ControlLinks[:3]

	result := mv.Validate(linked(t, m))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeSocketNotFound, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, `"No"`)
	assert.Equal(t, "/Orders/Approve.Decide", result.Errors[0].Element)
	assert.Len(t, result.ForElement("/Orders/Approve.Decide"), 1)
}

func TestModelValidator_DuplicateNames(t *testing.T) {
	mv := newValidator(t, "log")
	m := orderModel()
	p := m.Processes[0]
	p.Nodes = append(p.Nodes, &schema.Node{Name: "End", Kind: schema.NodeFinal})
	p.Variables = append(p.Variables, &schema.ProcessVariable{Name: "total"})

	result := mv.Validate(linked(t, m))
	var messages []string
	for _, e := range result.Errors {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, `duplicate node name "End"`)
	assert.Contains(t, messages, `duplicate variable name "total"`)
}

func TestModelValidator_ControlLinkDirection(t *testing.T) {
	mv := newValidator(t, "log")
	m := orderModel()
	m.Processes[0].ControlLinks[0] = &schema.ControlLink{From: "Check.In", To: "Decide.Yes"}

	result := mv.Validate(linked(t, m))
	require.GreaterOrEqual(t, len(result.Errors), 2)
	assert.Equal(t, "processes[0].control_links[0].from", result.Errors[0].Path)
	assert.Equal(t, "processes[0].control_links[0].to", result.Errors[1].Path)
}

func TestModelValidator_InvalidParamSchema(t *testing.T) {
	mv := newValidator(t, "log")
	m := orderModel()
	m.Processes[0].Nodes[1].Sockets[0].Params[0].Schema = map[string]any{"type": 12}

	result := mv.Validate(linked(t, m))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "processes[0].nodes[1].sockets[0].params[0].schema", result.Errors[0].Path)
}

func TestModelValidator_HandlerNeedsNameOrScript(t *testing.T) {
	mv := newValidator(t, "log")
	m := orderModel()
	m.Processes[0].Nodes[1].Handler = &schema.HandlerDef{Events: []string{"activity", "bogus"}}

	result := mv.Validate(linked(t, m))
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "processes[0].nodes[1].handler", result.Errors[0].Path)
	assert.Equal(t, "processes[0].nodes[1].handler.events[1]", result.Errors[1].Path)
}

func TestModelValidator_NoInitialNode(t *testing.T) {
	mv := newValidator(t)
	m := &schema.Model{Name: "M", Processes: []*schema.Process{{
		Name:  "P",
		Nodes: []*schema.Node{{Name: "End", Kind: schema.NodeFinal}},
	}}}
	result := mv.Validate(linked(t, m))
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeNoInitialNode, result.Errors[0].Code)
}

func TestModelValidator_DocumentStructural(t *testing.T) {
	mv := newValidator(t)

	valid := map[string]any{
		"model": "Orders",
		"processes": []any{map[string]any{
			"name": "Approve",
			"nodes": []any{
				map[string]any{"name": "Start", "kind": "initial", "sockets": []any{
					map[string]any{"name": "Start", "params": []any{map[string]any{"name": "x", "expression": 5}}},
				}},
			},
			"control_links": []any{map[string]any{"from": "Start.Start", "to": "Check.In", "transaction": "commit"}},
		}},
	}
	assert.True(t, mv.ValidateDocument(valid).Valid())

	invalid := map[string]any{
		"model": "Orders",
		"processes": []any{map[string]any{
			"name":          "Approve",
			"nodes":         []any{map[string]any{"name": "Start", "kind": "bogus"}},
			"control_links": []any{map[string]any{"from": "Start", "to": "Check.In", "transaction": "sometimes"}},
		}},
	}
	result := mv.ValidateDocument(invalid)
	assert.GreaterOrEqual(t, len(result.Errors), 3)

	assert.False(t, mv.ValidateDocument(nil).Valid())
	assert.False(t, mv.ValidateDocument(map[string]any{"model": "M", "processes": []any{}}).Valid())
}
