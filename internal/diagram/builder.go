package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Options select what Build draws.
type Options struct {
	DataLinks  bool // draw data links between node parameters
	Subprocess bool // nest called processes as subgraphs
}

// Build constructs a DiagramModel from a linked process. When tc is set the
// node holding the token, or the subprocess node that called into its
// current process, carries a status overlay.
func Build(p *schema.Process, tc *store.TokenContext, opts Options) (*DiagramModel, error) {
	if p == nil {
		return nil, fmt.Errorf("diagram: process is nil")
	}

	nodes, edges := buildGraph(p, "", opts.DataLinks)
	if opts.Subprocess {
		for i, n := range p.Nodes {
			callee := n.SubprocessRef
			if n.Kind != schema.NodeSubprocess || callee == nil || callee == p {
				continue
			}
			prefix := n.Name + "."
			subNodes, subEdges := buildGraph(callee, prefix, false)
			nodes[i].Children = append(nodes[i].Children, &SubGraph{
				Label: callee.Qualifier(),
				Nodes: subNodes,
				Edges: subEdges,
			})
		}
	}

	m := &DiagramModel{Title: p.Qualifier(), Nodes: nodes, Edges: edges}
	if tc != nil {
		overlayToken(m, p, tc)
	}
	return m, nil
}

// buildGraph maps the nodes and links of p. prefix namespaces node IDs of
// nested processes.
func buildGraph(p *schema.Process, prefix string, dataLinks bool) ([]*Node, []Edge) {
	nodes := make([]*Node, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		nodes = append(nodes, &Node{
			ID:    prefix + n.Name,
			Label: nodeLabel(n),
			Kind:  NodeKind(n.Kind),
		})
	}

	var edges []Edge
	for _, cl := range p.ControlLinks {
		if cl.Source == nil || cl.Target == nil {
			continue
		}
		edges = append(edges, Edge{
			From:  prefix + cl.Source.Node.Name,
			To:    prefix + cl.Target.Node.Name,
			Label: controlLabel(cl),
			Style: EdgeControl,
		})
	}

	for _, n := range p.Nodes {
		for _, s := range n.Sockets {
			if s.Entry || len(s.OutLinks) > 0 {
				continue
			}
			if initial := p.InitialNode(s.Name); initial != nil && initial != n {
				edges = append(edges, Edge{
					From:  prefix + n.Name,
					To:    prefix + initial.Name,
					Label: s.Name,
					Style: EdgeFallback,
				})
			}
		}
	}

	if dataLinks {
		for _, dl := range p.DataLinks {
			if dl.SourceParam == nil || dl.TargetParam == nil {
				continue
			}
			from, to := dl.SourceParam.Socket.Node, dl.TargetParam.Socket.Node
			if from == to {
				continue
			}
			edges = append(edges, Edge{
				From:  prefix + from.Name,
				To:    prefix + to.Name,
				Label: dl.SourceParam.Name,
				Style: EdgeData,
			})
		}
	}
	return nodes, edges
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(n *schema.Node) string {
	switch {
	case n.Kind == schema.NodeDecision && n.Condition != "":
		return fmt.Sprintf("%s\n%s", n.Name, n.Condition)
	case n.Kind == schema.NodeSubprocess && n.Subprocess != "":
		return fmt.Sprintf("%s\n(%s)", n.Name, n.Subprocess)
	case n.Handler != nil && n.Handler.Name != "":
		return fmt.Sprintf("%s\n(%s)", n.Name, n.Handler.Name)
	}
	return n.Name
}

// controlLabel names the exit socket when it differs from the node, plus the
// guard.
func controlLabel(cl *schema.ControlLink) string {
	var parts []string
	if cl.Source.Name != cl.Source.Node.Name {
		parts = append(parts, cl.Source.Name)
	}
	if cl.Condition != "" {
		parts = append(parts, "["+cl.Condition+"]")
	}
	return strings.Join(parts, " ")
}

// overlayToken marks the node the token sits on within p.
func overlayToken(m *DiagramModel, p *schema.Process, tc *store.TokenContext) {
	ref, ok := schema.ParseSocketRef(tc.CurrentSocket)
	if !ok {
		return
	}
	nodeName := ""
	if ref.ProcessQualifier() == p.Qualifier() {
		nodeName = ref.Node
	} else {
		// Inside a call: mark the outermost frame that belongs to p.
		for _, frame := range tc.CallStack.Frames {
			fr, ok := schema.ParseSocketRef(frame.Socket)
			if ok && fr.ProcessQualifier() == p.Qualifier() {
				nodeName = fr.Node
				break
			}
		}
	}
	for _, n := range m.Nodes {
		if n.ID == nodeName {
			n.Status = &StatusOverlay{State: string(tc.State), Socket: tc.CurrentSocket}
			return
		}
	}
}

// firstLine returns the text before the first newline.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
