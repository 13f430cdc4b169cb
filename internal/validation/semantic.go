package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/procflow/pkg/schema"
)

// validateSemantic checks a linked model: unique names, node kind rules,
// handler references, expression syntax, link endpoints and parameter schemas.
func validateSemantic(m *schema.Model, mv *ModelValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if m.Name == "" {
		result.AddError("model", schema.ErrCodeValidation, "model name is required")
	}

	procs := make(map[string]bool, len(m.Processes))
	for i, p := range m.Processes {
		path := fmt.Sprintf("processes[%d]", i)
		if procs[p.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate process name %q", p.Name))
		}
		procs[p.Name] = true
		validateProcess(p, path, mv, result)
	}
	return result
}

func validateProcess(p *schema.Process, path string, mv *ModelValidator, result *schema.ValidationResult) {
	if p.DefaultInitialNode() == nil {
		result.AddError(path, schema.ErrCodeNoInitialNode, fmt.Sprintf("process %q has no initial node", p.Name))
	}

	vars := make(map[string]bool, len(p.Variables))
	for i, v := range p.Variables {
		vp := fmt.Sprintf("%s.variables[%d]", path, i)
		if vars[v.Name] {
			result.AddError(vp+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate variable name %q", v.Name))
		}
		vars[v.Name] = true
		checkScript(mv.scripts, v.Default, vp+".default", result)
	}

	nodes := make(map[string]bool, len(p.Nodes))
	for i, n := range p.Nodes {
		np := fmt.Sprintf("%s.nodes[%d]", path, i)
		if nodes[n.Name] {
			result.AddError(np+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate node name %q", n.Name))
		}
		nodes[n.Name] = true
		validateNode(n, np, mv, result)
	}

	for i, cl := range p.ControlLinks {
		lp := fmt.Sprintf("%s.control_links[%d]", path, i)
		validateControlLink(cl, lp, mv, result)
	}
	for i, dl := range p.DataLinks {
		lp := fmt.Sprintf("%s.data_links[%d]", path, i)
		if dl.TargetParam == nil && dl.TargetVar == nil {
			continue // unresolved endpoints are reported by linking
		}
		if dl.SourceKey() == dl.TargetKey() && dl.SourceMember == dl.TargetMember {
			result.AddError(lp, schema.ErrCodeValidation, "data link source and target are the same")
		}
	}
}

func validateNode(n *schema.Node, path string, mv *ModelValidator, result *schema.ValidationResult) {
	sockets := make(map[string]bool, len(n.Sockets))
	entries, exits := 0, 0
	for i, s := range n.Sockets {
		sp := fmt.Sprintf("%s.sockets[%d]", path, i)
		if sockets[s.Name] {
			result.AddElementError(sp+".name", n.Qualifier(), schema.ErrCodeValidation, fmt.Sprintf("duplicate socket name %q on node %q", s.Name, n.Name))
		}
		sockets[s.Name] = true
		if s.Entry {
			entries++
		} else {
			exits++
		}
		validateSocket(s, sp, mv, result)
	}

	switch n.Kind {
	case schema.NodeInitial:
		if n.DefaultExitSocket() == nil {
			result.AddElementError(path, n.Qualifier(), schema.ErrCodeValidation, fmt.Sprintf("initial node %q needs a default exit socket", n.Name))
		}
	case schema.NodeFinal:
		if entries == 0 {
			result.AddElementError(path, n.Qualifier(), schema.ErrCodeValidation, fmt.Sprintf("final node %q needs an entry socket", n.Name))
		}
	case schema.NodeDecision:
		if strings.TrimSpace(n.Condition) == "" {
			result.AddElementError(path+".condition", n.Qualifier(), schema.ErrCodeValidation, fmt.Sprintf("decision node %q needs a condition", n.Name))
		} else {
			checkCompile(mv.conditions, n.Condition, path+".condition", result)
		}
		for _, name := range []string{schema.SocketYes, schema.SocketNo} {
			if n.ExitSocket(name) == nil {
				result.AddElementError(path+".sockets", n.Qualifier(), schema.ErrCodeSocketNotFound,
					fmt.Sprintf("decision node %q needs an exit socket %q", n.Name, name))
			}
		}
	case schema.NodeSubprocess:
		if n.Subprocess == "" {
			result.AddElementError(path+".subprocess", n.Qualifier(), schema.ErrCodeValidation, fmt.Sprintf("subprocess node %q needs a subprocess reference", n.Name))
		} else if strings.HasPrefix(n.Subprocess, "/") {
			if ref, ok := schema.ParseSocketRef(n.Subprocess); !ok || ref.Node != "" {
				result.AddElementError(path+".subprocess", n.Qualifier(), schema.ErrCodeValidation,
					fmt.Sprintf("subprocess reference %q must have the form /Model/Process", n.Subprocess))
			}
		}
	case schema.NodeActivity, schema.NodeWaitState, schema.NodePlaceholder:
		if exits > 0 && n.DefaultExitSocket() == nil {
			result.AddElementWarning(path+".sockets", n.Qualifier(), schema.ErrCodeValidation,
				fmt.Sprintf("node %q has several exit sockets and none is default", n.Name))
		}
	case schema.NodeWorkflow:
		if exits == 0 {
			result.AddElementError(path+".sockets", n.Qualifier(), schema.ErrCodeValidation, fmt.Sprintf("workflow node %q needs an exit socket", n.Name))
		}
	default:
		result.AddElementError(path+".kind", n.Qualifier(), schema.ErrCodeValidation, fmt.Sprintf("unknown node kind %q", n.Kind))
	}

	if n.Kind != schema.NodeInitial && n.Kind != schema.NodeFinal && entries == 0 {
		result.AddElementError(path+".sockets", n.Qualifier(), schema.ErrCodeValidation, fmt.Sprintf("node %q has no entry socket", n.Name))
	}

	if n.Handler != nil {
		validateHandler(n.Handler, path+".handler", mv, result)
	} else if n.Kind == schema.NodeActivity {
		result.AddElementWarning(path+".handler", n.Qualifier(), schema.ErrCodeValidation, fmt.Sprintf("activity node %q has no handler", n.Name))
	}
}

func validateHandler(h *schema.HandlerDef, path string, mv *ModelValidator, result *schema.ValidationResult) {
	switch {
	case h.Name != "" && h.Script != "":
		result.AddError(path, schema.ErrCodeValidation, "handler sets both name and script")
	case h.Name != "":
		if mv.handlers != nil && !mv.handlers.Has(h.Name) {
			result.AddError(path+".name", schema.ErrCodeNotFound, fmt.Sprintf("handler %q not registered", h.Name))
		}
	case h.Script != "":
		checkCompile(mv.scripts, h.Script, path+".script", result)
	default:
		result.AddError(path, schema.ErrCodeValidation, "handler needs a name or a script")
	}

	for i, ev := range h.Events {
		switch ev {
		case schema.HandlerEventEntry, schema.HandlerEventExit, schema.HandlerEventActivity:
		default:
			result.AddError(fmt.Sprintf("%s.events[%d]", path, i), schema.ErrCodeValidation, fmt.Sprintf("unknown handler event %q", ev))
		}
	}
}

func validateSocket(s *schema.Socket, path string, mv *ModelValidator, result *schema.ValidationResult) {
	params := make(map[string]bool, len(s.Params))
	for i, p := range s.Params {
		pp := fmt.Sprintf("%s.params[%d]", path, i)
		if params[p.Name] {
			result.AddError(pp+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate param name %q on socket %q", p.Name, s.Name))
		}
		params[p.Name] = true
		checkScript(mv.scripts, p.Expression, pp+".expression", result)
		checkScript(mv.scripts, p.Script, pp+".script", result)
		if len(p.Schema) > 0 {
			if _, err := mv.jsonSchema.getOrCompile(p.Schema); err != nil {
				result.AddError(pp+".schema", schema.ErrCodeValidation, fmt.Sprintf("invalid param schema: %v", err))
			}
		}
	}
}

func validateControlLink(cl *schema.ControlLink, path string, mv *ModelValidator, result *schema.ValidationResult) {
	switch cl.Transaction {
	case schema.TxNone, schema.TxBegin, schema.TxCommit, schema.TxCommitBegin, schema.TxRollback, schema.TxRollbackBegin:
	default:
		result.AddError(path+".transaction", schema.ErrCodeValidation, fmt.Sprintf("unknown transaction directive %q", cl.Transaction))
	}
	switch cl.RollbackData {
	case schema.RollbackUpdateVariables, schema.RollbackAddVariables, schema.RollbackRestoreVariables:
	default:
		result.AddError(path+".rollback_data", schema.ErrCodeValidation, fmt.Sprintf("unknown rollback data behavior %q", cl.RollbackData))
	}
	switch cl.RollbackPosition {
	case schema.RollbackMaintainPosition, schema.RollbackRestorePosition:
	default:
		result.AddError(path+".rollback_position", schema.ErrCodeValidation, fmt.Sprintf("unknown rollback position behavior %q", cl.RollbackPosition))
	}

	if cl.Condition != "" {
		checkCompile(mv.conditions, cl.Condition, path+".condition", result)
	}
	if cl.Source == nil || cl.Target == nil {
		return
	}
	if cl.Source.Entry {
		result.AddError(path+".from", schema.ErrCodeValidation, fmt.Sprintf("control link starts at entry socket %q", cl.From))
	}
	if !cl.Target.Entry {
		result.AddError(path+".to", schema.ErrCodeValidation, fmt.Sprintf("control link ends at exit socket %q", cl.To))
	}
	if cl.Source.Node == cl.Target.Node {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("control link %s -> %s loops on one node", cl.From, cl.To))
	}
}

// checkScript compiles an expr source. Empty sources are skipped.
func checkScript(c ExpressionChecker, src, path string, result *schema.ValidationResult) {
	if strings.TrimSpace(src) == "" {
		return
	}
	checkCompile(c, src, path, result)
}

func checkCompile(c ExpressionChecker, src, path string, result *schema.ValidationResult) {
	if c == nil {
		return
	}
	if err := c.Compile(src); err != nil {
		result.AddError(path, schema.ErrCodeExpression, err.Error())
	}
}
