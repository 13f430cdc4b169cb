package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_SeverityRouting(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("processes[0].nodes[2].handler", ErrCodeValidation, "activity node has no handler")
	assert.True(t, r.Valid(), "warnings do not invalidate a model")

	r.AddElementError("processes[0].nodes[1].kind", "/Orders/Approve.Check", ErrCodeValidation, "unknown node kind")
	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Equal(t, "/Orders/Approve.Check", r.Errors[0].Element)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Empty(t, r.Warnings[0].Element)
}

func TestValidationIssue_String(t *testing.T) {
	issue := ValidationIssue{
		Path:    "processes[0].control_links[1].to",
		Element: "/Orders/Approve.Check.Out",
		Message: `socket "Ship.In" not found in process Approve`,
	}
	assert.Equal(t, `processes[0].control_links[1].to: socket "Ship.In" not found in process Approve (/Orders/Approve.Check.Out)`, issue.String())
	assert.Equal(t, "model name is required", ValidationIssue{Message: "model name is required"}.String())
}

func TestValidationResult_ForElement(t *testing.T) {
	r := &ValidationResult{}
	r.AddElementError("a", "/Orders/Approve.Check", ErrCodeValidation, "node")
	r.AddElementError("b", "/Orders/Approve.Check.Out", ErrCodeSocketNotFound, "socket")
	r.AddElementWarning("c", "/Orders/Approve.CheckAgain", ErrCodeValidation, "sibling")
	r.AddElementError("d", "/Orders/Ship.Check", ErrCodeValidation, "other process")
	r.AddError("e", ErrCodeValidation, "document level")

	node := r.ForElement("/Orders/Approve.Check")
	require.Len(t, node, 2, "a node matches its sockets but not nodes sharing its prefix")
	assert.Equal(t, "node", node[0].Message)
	assert.Equal(t, "socket", node[1].Message)

	assert.Len(t, r.ForElement("/Orders/Approve"), 3)
	assert.Empty(t, r.ForElement("/Billing"))
}

func TestValidationResult_Merge(t *testing.T) {
	r := &ValidationResult{Source: "orders.yaml"}
	r.AddError("/", ErrCodeValidation, "structural")

	other := &ValidationResult{Source: "ignored"}
	other.AddElementError("processes[0]", "/Orders/Approve", ErrCodeNoInitialNode, "no initial node")
	other.AddWarning("processes[1]", ErrCodeValidation, "unreachable node")

	r.Merge(other)
	r.Merge(nil)
	assert.Equal(t, "orders.yaml", r.Source)
	assert.Len(t, r.Errors, 2)
	assert.Len(t, r.Warnings, 1)
	assert.Equal(t, "/Orders/Approve", r.Errors[1].Element)
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		r := &ValidationResult{Source: "orders.yaml"}
		r.AddWarning("/", ErrCodeValidation, "just a warning")
		assert.Nil(t, r.ToError())
	})

	t.Run("single error keeps its message", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddElementError("processes[0].nodes[1].kind", "/Orders/Approve.Check", ErrCodeValidation, `unknown node kind "robot"`)

		pfErr, ok := r.ToError().(*ProcflowError)
		require.True(t, ok)
		assert.Equal(t, ErrCodeValidation, pfErr.Code)
		assert.Equal(t, `unknown node kind "robot"`, pfErr.Message)
		assert.Equal(t, 1, pfErr.Details["error_count"])
		assert.NotContains(t, pfErr.Details, "source")
	})

	t.Run("several errors are counted and sourced", func(t *testing.T) {
		r := &ValidationResult{Source: "orders.yaml"}
		r.AddError("/", ErrCodeValidation, "err1")
		r.AddError("/", ErrCodeValidation, "err2")
		r.AddWarning("/", ErrCodeValidation, "warn1")

		pfErr, ok := r.ToError().(*ProcflowError)
		require.True(t, ok)
		assert.Equal(t, "orders.yaml: validation failed with 2 errors", pfErr.Message)
		assert.Equal(t, 2, pfErr.Details["error_count"])
		assert.Equal(t, 1, pfErr.Details["warning_count"])
		assert.Equal(t, "orders.yaml", pfErr.Details["source"])
	})
}

func TestLink_IssuesNameTheirElement(t *testing.T) {
	m := &Model{
		Name: "M",
		Processes: []*Process{{
			Name: "P",
			Nodes: []*Node{
				{Name: "A", Kind: NodeInitial, Sockets: []*Socket{{Name: "Go", Params: []*Param{{Name: "x"}}}}},
			},
			ControlLinks: []*ControlLink{
				{From: "A.Go", To: "B.In"},
				{From: "Z.Out", To: "A.Go"},
			},
			DataLinks: []*DataLink{{From: "A.Go.x", To: "B.In.x"}},
		}},
	}
	result := Link(m)
	require.Len(t, result.Errors, 3)

	assert.Equal(t, "processes[0].control_links[0].to", result.Errors[0].Path)
	assert.Equal(t, "/M/P.A.Go", result.Errors[0].Element, "resolved source socket")
	assert.Equal(t, "processes[0].control_links[1].from", result.Errors[1].Path)
	assert.Equal(t, "/M/P", result.Errors[1].Element)
	assert.Equal(t, "processes[0].data_links[0].to", result.Errors[2].Path)
	assert.Equal(t, "/M/P.A.Go", result.Errors[2].Element)

	assert.Len(t, result.ForElement("/M/P.A"), 2)
}
