package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph LR\n")

	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))

		for _, sg := range node.Children {
			fmt.Fprintf(&b, "    subgraph %s[\"%s\"]\n", mermaidSafeID(node.ID+"_call"), sg.Label)
			for _, subNode := range sg.Nodes {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(subNode))
			}
			for _, edge := range sg.Edges {
				fmt.Fprintf(&b, "        %s\n", mermaidEdge(edge))
			}
			b.WriteString("    end\n")
		}
	}

	for _, edge := range model.Edges {
		fmt.Fprintf(&b, "    %s\n", mermaidEdge(edge))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef aborted fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.State); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindWorkflow:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindWaitState:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindSubprocess:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindInitial:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindFinal:
		return fmt.Sprintf("%s(((%q)))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func mermaidEdge(edge Edge) string {
	arrow := "-->"
	switch edge.Style {
	case EdgeData, EdgeFallback:
		arrow = "-.->"
	}
	label := ""
	if edge.Label != "" {
		label = "|" + strings.ReplaceAll(edge.Label, "|", "/") + "|"
	}
	return fmt.Sprintf("%s %s%s %s", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidStatusClass maps a lifecycle state to a Mermaid class name.
func mermaidStatusClass(state string) string {
	switch state {
	case "COMPLETED":
		return "completed"
	case "ERROR":
		return "failed"
	case "RUNNING", "SELECTED":
		return "running"
	case "SUSPENDED", "IDLING":
		return "suspended"
	case "CREATED":
		return "pending"
	case "ABORTED":
		return "aborted"
	default:
		return ""
	}
}
