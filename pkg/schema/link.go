package schema

import (
	"fmt"
	"strings"
)

// Link wires the back-pointers of a model loaded from a document, resolves the
// endpoints of control and data links and fills in defaults. Subprocess
// references are left to the model registry. Link may be called repeatedly.
func Link(m *Model) *ValidationResult {
	result := &ValidationResult{}
	for i, p := range m.Processes {
		p.Model = m
		linkProcess(p, fmt.Sprintf("processes[%d]", i), result)
	}
	return result
}

func linkProcess(p *Process, path string, result *ValidationResult) {
	for _, v := range p.Variables {
		v.Process = p
		v.OutLinks, v.InLinks = nil, nil
	}
	for _, n := range p.Nodes {
		n.Process = p
		normalizeNode(n)
		for _, s := range n.Sockets {
			s.Node = n
			s.OutLinks, s.InLinks = nil, nil
			for _, prm := range s.Params {
				prm.Socket = s
				prm.OutLinks, prm.InLinks = nil, nil
			}
		}
	}

	for i, cl := range p.ControlLinks {
		lp := fmt.Sprintf("%s.control_links[%d]", path, i)
		if cl.Transaction == "" {
			cl.Transaction = TxNone
		}
		if cl.RollbackData == "" {
			cl.RollbackData = RollbackUpdateVariables
		}
		if cl.RollbackPosition == "" {
			cl.RollbackPosition = RollbackMaintainPosition
		}
		cl.Source = resolveSocket(p, cl.From)
		cl.Target = resolveSocket(p, cl.To)
		if cl.Source == nil {
			result.AddElementError(lp+".from", p.Qualifier(), ErrCodeSocketNotFound, fmt.Sprintf("socket %q not found in process %s", cl.From, p.Name))
		}
		if cl.Target == nil {
			element := p.Qualifier()
			if cl.Source != nil {
				element = cl.Source.Qualifier()
			}
			result.AddElementError(lp+".to", element, ErrCodeSocketNotFound, fmt.Sprintf("socket %q not found in process %s", cl.To, p.Name))
		}
		if cl.Source != nil && cl.Target != nil {
			cl.Source.OutLinks = append(cl.Source.OutLinks, cl)
			cl.Target.InLinks = append(cl.Target.InLinks, cl)
		}
	}

	for i, dl := range p.DataLinks {
		lp := fmt.Sprintf("%s.data_links[%d]", path, i)
		dl.SourceParam, dl.SourceVar = resolveDataEnd(p, dl.From)
		dl.TargetParam, dl.TargetVar = resolveDataEnd(p, dl.To)
		if dl.SourceParam == nil && dl.SourceVar == nil {
			result.AddElementError(lp+".from", p.Qualifier(), ErrCodeNotFound, fmt.Sprintf("data link source %q not found in process %s", dl.From, p.Name))
			continue
		}
		if dl.TargetParam == nil && dl.TargetVar == nil {
			element := p.Qualifier()
			if dl.SourceParam != nil {
				element = dl.SourceParam.Socket.Qualifier()
			}
			result.AddElementError(lp+".to", element, ErrCodeNotFound, fmt.Sprintf("data link target %q not found in process %s", dl.To, p.Name))
			continue
		}
		if dl.SourceParam != nil {
			dl.SourceParam.OutLinks = append(dl.SourceParam.OutLinks, dl)
		} else {
			dl.SourceVar.OutLinks = append(dl.SourceVar.OutLinks, dl)
		}
		if dl.TargetParam != nil {
			dl.TargetParam.InLinks = append(dl.TargetParam.InLinks, dl)
		} else {
			dl.TargetVar.InLinks = append(dl.TargetVar.InLinks, dl)
		}
	}
}

// normalizeNode applies the per-kind socket conventions: an initial node only
// has exit sockets and a final node only entry sockets, each defaulting to a
// single socket named after the node.
func normalizeNode(n *Node) {
	switch n.Kind {
	case NodeInitial:
		if len(n.Sockets) == 0 {
			n.Sockets = []*Socket{{Name: n.Name, Default: true}}
		}
		for _, s := range n.Sockets {
			s.Entry = false
		}
	case NodeFinal:
		if len(n.Sockets) == 0 {
			n.Sockets = []*Socket{{Name: n.Name, Entry: true, Default: true}}
		}
		for _, s := range n.Sockets {
			s.Entry = true
		}
	}
	if n.Handler != nil && len(n.Handler.Events) == 0 {
		if n.Kind == NodeActivity {
			n.Handler.Events = []string{HandlerEventActivity}
		} else {
			n.Handler.Events = []string{HandlerEventEntry}
		}
	}
}

// resolveSocket resolves "Node.Socket" within a process.
func resolveSocket(p *Process, ref string) *Socket {
	node, socket, ok := strings.Cut(ref, ".")
	if !ok {
		return nil
	}
	n := p.Node(node)
	if n == nil {
		return nil
	}
	return n.Socket(socket)
}

// resolveDataEnd resolves "_variable" or "Node.Socket.Param" within a process.
func resolveDataEnd(p *Process, ref string) (*Param, *ProcessVariable) {
	if IsVariableKey(ref) {
		return nil, p.Variable(strings.TrimPrefix(ref, VariablePrefix))
	}
	i := strings.LastIndex(ref, ".")
	if i < 0 {
		return nil, nil
	}
	s := resolveSocket(p, ref[:i])
	if s == nil {
		return nil, nil
	}
	return s.Param(ref[i+1:]), nil
}
