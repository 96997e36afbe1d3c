package graph

// ExportedGraph is the JSON artifact written for inspection after a graph
// is built. It is a derivation of the feature list plus inferred edges and
// can always be recomputed.
type ExportedGraph struct {
	Version  string         `json:"version"`
	Nodes    []ExportedNode `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata ExportMetadata `json:"metadata"`
}

// ExportedNode is the per-feature slice of an exported graph.
type ExportedNode struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags,omitempty"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ExportMetadata carries summary counts for an exported graph.
type ExportMetadata struct {
	TotalFeatures     int `json:"total_features"`
	TotalDependencies int `json:"total_dependencies"`
}

// Export renders the graph into its persistent artifact form. Nodes appear
// in feature-list order; edges in insertion order (explicit first, then
// inferred).
func (g *Graph) Export() *ExportedGraph {
	out := &ExportedGraph{
		Version: ExportVersion,
		Nodes:   make([]ExportedNode, 0, len(g.order)),
		Edges:   g.Edges(),
		Metadata: ExportMetadata{
			TotalFeatures:     len(g.nodes),
			TotalDependencies: len(g.edges),
		},
	}
	for _, id := range g.order {
		f := g.nodes[id]
		out.Nodes = append(out.Nodes, ExportedNode{
			ID:           f.ID,
			Description:  f.Description,
			Tags:         f.Tags,
			Priority:     f.Priority,
			Dependencies: f.Dependencies,
		})
	}
	return out
}
