package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the graphviz output format.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
	FormatDOT ImageFormat = "dot"
)

// RenderImage renders a DiagramModel with graphviz.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	case FormatDOT:
		gvFormat = graphviz.XDOT
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.LRRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	// Called processes become clusters.
	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			sub, subErr := graph.CreateSubGraphByName("cluster_" + node.ID)
			if subErr != nil {
				continue
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)

			for _, subNode := range sg.Nodes {
				gvSub, nErr := sub.CreateNodeByName(subNode.ID)
				if nErr != nil {
					continue
				}
				gvSub.SetLabel(subNode.Label)
				applyNodeStyle(gvSub, subNode)
				gvNodes[subNode.ID] = gvSub
			}
			for _, edge := range sg.Edges {
				createEdge(graph, gvNodes, edge)
			}
		}
	}

	for _, edge := range model.Edges {
		createEdge(graph, gvNodes, edge)
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func createEdge(graph *cgraph.Graph, gvNodes map[string]*cgraph.Node, edge Edge) {
	fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
	if fromGV == nil || toGV == nil {
		return
	}
	e, err := graph.CreateEdgeByName("", fromGV, toGV)
	if err != nil {
		return
	}
	if edge.Label != "" {
		e.SetLabel(edge.Label)
	}
	switch edge.Style {
	case EdgeData:
		e.SetStyle(cgraph.DashedEdgeStyle)
		e.SetColor("#1a5276")
	case EdgeFallback:
		e.SetStyle(cgraph.DottedEdgeStyle)
	}
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindActivity, NodeKindPlaceholder:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindDecision:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindSubprocess:
		gvNode.SetShape(cgraph.Box3DShape)
	case NodeKindWorkflow:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindWaitState:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindInitial:
		gvNode.SetShape(cgraph.CircleShape)
	case NodeKindFinal:
		gvNode.SetShape(cgraph.DoubleCircleShape)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.State)
	}
}

// applyStatusColor fills the node by token lifecycle state.
func applyStatusColor(gvNode *cgraph.Node, state string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch state {
	case "COMPLETED":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "ERROR":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "RUNNING", "SELECTED":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "SUSPENDED", "IDLING":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "ABORTED":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	default:
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	}
}
