package validation

import (
	"fmt"

	"github.com/rendis/procflow/pkg/schema"
)

// validateGraph performs reachability analysis per process: BFS from the
// initial nodes across control links and the same-named
// initial node fallback. Unreachable nodes and unconnected exits are warnings
// since they only fail when a token actually gets there.
func validateGraph(m *schema.Model) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i, p := range m.Processes {
		validateProcessGraph(p, fmt.Sprintf("processes[%d]", i), result)
	}
	return result
}

func validateProcessGraph(p *schema.Process, path string, result *schema.ValidationResult) {
	edges := make(map[string][]string, len(p.Nodes))
	for _, n := range p.Nodes {
		for _, s := range n.Sockets {
			if s.Entry {
				continue
			}
			if len(s.OutLinks) > 0 {
				for _, cl := range s.OutLinks {
					edges[n.Name] = append(edges[n.Name], cl.Target.Node.Name)
				}
				continue
			}
			if fallback := p.InitialNode(s.Name); fallback != nil && fallback != n {
				edges[n.Name] = append(edges[n.Name], fallback.Name)
				continue
			}
			if n.Kind != schema.NodeFinal && s.Name != schema.SocketError {
				result.AddWarning(fmt.Sprintf("%s.nodes[%s].sockets[%s]", path, n.Name, s.Name),
					schema.ErrCodeUnconnectedSocket,
					fmt.Sprintf("exit socket %s has no control link and no initial node named %q", s.Qualifier(), s.Name))
			}
		}
	}

	reachable := make(map[string]bool, len(p.Nodes))
	queue := make([]string, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.Kind == schema.NodeInitial {
			reachable[n.Name] = true
			queue = append(queue, n.Name)
		}
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, n := range p.Nodes {
		if !reachable[n.Name] {
			result.AddWarning(fmt.Sprintf("%s.nodes[%s]", path, n.Name),
				schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any initial node", n.Name))
		}
	}
}
