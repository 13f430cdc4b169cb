package engine

import (
	"strings"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// ResolveSocketRef resolves a socket reference.
//
// Absolute references "/Model/Process[.Node[.Socket]]" name a start point:
// the node must be an initial node (the default one when omitted) and the
// socket (its default exit socket when omitted) must have an outgoing
// control link.
//
// Relative references are resolved against current, or against the token's
// current socket when current is nil:
//   - ""            the default exit socket of the current node
//   - "Node.Socket" a socket of another node of the same process
//   - ".Socket"     a socket of the current node
//   - "Socket"      a socket of the current node
//
// A relative reference that does not resolve returns nil unless mustExist is set.
func (e *engineImpl) ResolveSocketRef(ref string, current *schema.Socket, tc *store.TokenContext, mustExist bool) (*schema.Socket, error) {
	if strings.HasPrefix(ref, "/") {
		return e.resolveAbsolute(ref)
	}

	if current == nil && tc != nil && tc.CurrentSocket != "" {
		s, err := e.socketAt(tc.CurrentSocket)
		if err != nil {
			return nil, err
		}
		current = s
	}
	if current == nil || current.Node == nil {
		return nil, schema.NewErrorf(schema.ErrCodeSocketNotFound, "relative reference %q without a current socket", ref)
	}

	node := current.Node
	var target *schema.Socket
	switch {
	case ref == "":
		target = node.DefaultExitSocket()
	case strings.HasPrefix(ref, "."):
		target = node.Socket(ref[1:])
	case strings.Contains(ref, "."):
		nodeName, socketName, _ := strings.Cut(ref, ".")
		other := node.Process.Node(nodeName)
		if other == nil {
			if mustExist {
				return nil, schema.NewErrorf(schema.ErrCodeNodeNotFound,
					"node %q not found in %s", nodeName, node.Process.Qualifier())
			}
			return nil, nil
		}
		target = other.Socket(socketName)
	default:
		target = node.Socket(ref)
	}

	if target == nil && mustExist {
		if ref == "" {
			return nil, schema.NewErrorf(schema.ErrCodeSocketNotFound, "node %s has no default exit socket", node.Qualifier())
		}
		return nil, schema.NewErrorf(schema.ErrCodeSocketNotFound, "socket %q not found from %s", ref, node.Qualifier())
	}
	return target, nil
}

func (e *engineImpl) resolveAbsolute(ref string) (*schema.Socket, error) {
	r, ok := schema.ParseSocketRef(ref)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed socket reference %q", ref)
	}
	p, err := e.models.Process(r.ProcessQualifier())
	if err != nil {
		return nil, err
	}

	var node *schema.Node
	if r.Node == "" {
		node = p.DefaultInitialNode()
		if node == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNoInitialNode, "process %s has no initial node", p.Qualifier())
		}
	} else {
		node = p.Node(r.Node)
		if node == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNodeNotFound, "node %q not found in %s", r.Node, p.Qualifier())
		}
		if node.Kind != schema.NodeInitial {
			return nil, schema.NewErrorf(schema.ErrCodeNoInitialNode, "%s is not an initial node", node.Qualifier())
		}
	}

	var socket *schema.Socket
	if r.Socket == "" {
		socket = node.DefaultExitSocket()
	} else {
		socket = node.ExitSocket(r.Socket)
	}
	if socket == nil {
		return nil, schema.NewErrorf(schema.ErrCodeSocketNotFound, "no start socket for %q", ref)
	}
	if len(socket.OutLinks) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNoControlLink, "%s has no outgoing control link", socket.Qualifier())
	}
	return socket, nil
}
