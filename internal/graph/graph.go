// Package graph builds and analyzes the feature dependency graph.
//
// Nodes are features; edges point from a prerequisite to the feature that
// needs it. Explicit edges come from each feature's declared dependencies
// and must form a DAG. Implicit edges are inferred from tag and description
// heuristics (see rules.go); they are advisory and are dropped rather than
// ever introducing a cycle.
//
// The graph exposes the derivations the planner needs: topological
// levelization into parallelizable batches and the duration-weighted
// critical path.
package graph

import (
	"sort"
	"time"

	"github.com/featrun/featrun/internal/errors"
	"github.com/featrun/featrun/internal/feature"
)

// ExportVersion is the schema version stamped on exported graph artifacts.
const ExportVersion = "1.0.0"

// -----------------------------------------------------------------------------
// Edges
// -----------------------------------------------------------------------------

// EdgeKind distinguishes declared dependencies from inferred ones.
type EdgeKind string

const (
	// EdgeExplicit is an edge declared in a feature's dependency list.
	EdgeExplicit EdgeKind = "explicit"
	// EdgeImplicit is an edge inferred by a heuristic rule.
	EdgeImplicit EdgeKind = "implicit"
)

// Edge is a directed dependency: From must complete before To can start.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"type"`
}

// -----------------------------------------------------------------------------
// Graph
// -----------------------------------------------------------------------------

// Graph is a directed acyclic dependency graph over a feature list.
//
// Build validates the list before constructing the graph, so a Graph value
// always satisfies the DAG invariant for its explicit edges. Implicit
// edges added later preserve it.
type Graph struct {
	nodes map[string]*feature.Feature
	order []string
	edges []Edge

	edgeSet    map[[2]string]bool
	dependents map[string][]string
	requires   map[string][]string
}

// Build constructs a graph from the feature list. It fails with a
// *errors.ValidationError when an ID is duplicated, a referenced
// dependency does not exist, or the declared dependencies contain a cycle.
func Build(list *feature.List) (*Graph, error) {
	if err := list.Validate(); err != nil {
		return nil, err
	}

	g := &Graph{
		nodes:      make(map[string]*feature.Feature, list.Len()),
		edgeSet:    make(map[[2]string]bool),
		dependents: make(map[string][]string),
		requires:   make(map[string][]string),
	}
	for i := range list.Features {
		f := &list.Features[i]
		g.nodes[f.ID] = f
		g.order = append(g.order, f.ID)
	}
	for i := range list.Features {
		f := &list.Features[i]
		for _, dep := range f.Dependencies {
			g.addEdge(dep, f.ID, EdgeExplicit)
		}
	}
	return g, nil
}

// addEdge inserts the edge if not already present, regardless of kind.
func (g *Graph) addEdge(from, to string, kind EdgeKind) bool {
	key := [2]string{from, to}
	if g.edgeSet[key] {
		return false
	}
	g.edgeSet[key] = true
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: kind})
	g.dependents[from] = append(g.dependents[from], to)
	g.requires[to] = append(g.requires[to], from)
	return true
}

// NodeCount returns the number of features in the graph.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges, explicit and implicit.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// Node returns the feature with the given ID, or nil if not present.
func (g *Graph) Node(id string) *feature.Feature {
	return g.nodes[id]
}

// NodeIDs returns all feature IDs in feature-list order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

// Edges returns a copy of all edges in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// HasEdge returns true if an edge from -> to exists of any kind.
func (g *Graph) HasEdge(from, to string) bool {
	return g.edgeSet[[2]string{from, to}]
}

// Dependents returns the IDs of features that depend on id, sorted.
func (g *Graph) Dependents(id string) []string {
	out := append([]string(nil), g.dependents[id]...)
	sort.Strings(out)
	return out
}

// Requirements returns the IDs of features id depends on, explicit and
// implicit, sorted.
func (g *Graph) Requirements(id string) []string {
	out := append([]string(nil), g.requires[id]...)
	sort.Strings(out)
	return out
}

// hasPath reports whether to is reachable from from along existing edges.
func (g *Graph) hasPath(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.dependents[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Implicit Edges
// -----------------------------------------------------------------------------

// InferImplicitEdges applies the given rules to every ordered node pair and
// adds an implicit edge provider -> consumer where a rule matches. An edge
// that would close a cycle is dropped, never the explicit edges it would
// conflict with. Returns the edges actually added.
func (g *Graph) InferImplicitEdges(rules []Rule) []Edge {
	var added []Edge
	for _, providerID := range g.order {
		provider := g.nodes[providerID]
		for _, consumerID := range g.order {
			if providerID == consumerID {
				continue
			}
			consumer := g.nodes[consumerID]
			for _, rule := range rules {
				if !rule.Applies(provider, consumer) {
					continue
				}
				if g.edgeSet[[2]string{providerID, consumerID}] {
					break
				}
				// Adding provider -> consumer closes a cycle exactly when
				// provider is already reachable from consumer.
				if g.hasPath(consumerID, providerID) {
					break
				}
				g.addEdge(providerID, consumerID, EdgeImplicit)
				added = append(added, Edge{From: providerID, To: consumerID, Kind: EdgeImplicit})
				break
			}
		}
	}
	return added
}

// -----------------------------------------------------------------------------
// Levelization
// -----------------------------------------------------------------------------

// Levelize partitions the features into ordered levels. Every feature in a
// level has all of its prerequisites in earlier levels, so features within
// one level are mutually independent and can run concurrently.
//
// Within a level, features are ordered by priority descending, then by ID
// ascending, so the most urgent runnable work is dispatched first. The
// result is deterministic for a given graph.
func (g *Graph) Levelize() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.requires[id])
	}

	remaining := len(g.nodes)
	var levels [][]string
	for remaining > 0 {
		var level []string
		for _, id := range g.order {
			if deg, ok := inDegree[id]; ok && deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// Unreachable after Build and cycle-safe inference.
			return nil, errors.NewValidationError("dependency graph is not acyclic").
				WithCause(errors.ErrCycle)
		}

		sort.Slice(level, func(i, j int) bool {
			a, b := g.nodes[level[i]], g.nodes[level[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.ID < b.ID
		})

		for _, id := range level {
			delete(inDegree, id)
			for _, dependent := range g.dependents[id] {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
		remaining -= len(level)
		levels = append(levels, level)
	}
	return levels, nil
}

// -----------------------------------------------------------------------------
// Critical Path
// -----------------------------------------------------------------------------

// CriticalPath returns the longest duration-weighted root-to-sink path and
// its total duration. The weight function supplies each feature's estimated
// duration. The path length is the theoretical minimum completion time with
// unlimited workers.
//
// An empty graph yields a nil path and zero duration. Ties are broken
// toward the lexically smaller feature ID so the result is deterministic.
func (g *Graph) CriticalPath(weight func(*feature.Feature) time.Duration) ([]string, time.Duration) {
	if len(g.nodes) == 0 {
		return nil, 0
	}

	levels, err := g.Levelize()
	if err != nil {
		return nil, 0
	}

	// Longest path ending at each node, computed in topological order.
	longest := make(map[string]time.Duration, len(g.nodes))
	prev := make(map[string]string, len(g.nodes))
	for _, level := range levels {
		for _, id := range level {
			best := time.Duration(0)
			bestPrev := ""
			reqs := g.Requirements(id)
			for _, req := range reqs {
				if longest[req] > best || (longest[req] == best && bestPrev == "") {
					best = longest[req]
					bestPrev = req
				}
			}
			w := g.nodes[id].Estimate(0)
			if weight != nil {
				w = weight(g.nodes[id])
			}
			longest[id] = best + w
			prev[id] = bestPrev
		}
	}

	endID := ""
	var endDur time.Duration
	ids := g.NodeIDs()
	sort.Strings(ids)
	for _, id := range ids {
		if endID == "" || longest[id] > endDur {
			endID = id
			endDur = longest[id]
		}
	}

	var path []string
	for id := endID; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return path, endDur
}
