// Package graph assembles verified causal edges into a directed
// acyclic graph over canonical variables. Edges that would introduce a
// cycle or reference unknown variables are rejected and counted in the
// dropout cascade.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"causeway/internal/logging"
	"causeway/internal/telemetry"
)

// Variable is one node in the causal graph.
type Variable struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CandidateEdge is a draft causal edge awaiting verification.
type CandidateEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Mechanism string `json:"mechanism"`
	Origin    string `json:"origin"` // "pairwise" or "extractor"
}

// Edge is a verified causal edge in the graph.
type Edge struct {
	From            string  `json:"from"`
	To              string  `json:"to"`
	Mechanism       string  `json:"mechanism"`
	SupportingQuote string  `json:"supporting_quote,omitempty"`
	Confidence      float64 `json:"confidence"`
}

// NodeNotFoundError reports an edge endpoint that resolved to no
// known variable.
type NodeNotFoundError struct {
	ID string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node not found: %s", e.ID)
}

// CycleError reports an edge that would make the graph cyclic.
type CycleError struct {
	From, To string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("edge %s->%s would create a cycle", e.From, e.To)
}

// Graph is a mutex-guarded causal DAG.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]Variable
	adj   map[string][]string
	edges []Edge
	tel   *telemetry.Recorder
}

// New creates an empty graph.
func New(tel *telemetry.Recorder) *Graph {
	return &Graph{
		nodes: make(map[string]Variable),
		adj:   make(map[string][]string),
		tel:   tel,
	}
}

// AddVariable registers a node. Re-adding the same ID overwrites the
// metadata but keeps existing edges.
func (g *Graph) AddVariable(v Variable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[v.ID] = v
}

// canonicalize lowercases and snake-cases a raw variable reference.
func canonicalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Join(strings.Fields(s), "_")
	return s
}

// ResolveID maps a raw variable reference (as an LLM emitted it) to a
// registered node ID. Exact matches are free; anything else is
// recorded as a resolve miss with the match strategy that salvaged it.
func (g *Graph) ResolveID(raw string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[raw]; ok {
		return raw, nil
	}

	canonical := canonicalize(raw)
	if _, ok := g.nodes[canonical]; ok {
		g.tel.RecordVarIDResolveMiss(raw, canonical, "canonicalized")
		return canonical, nil
	}

	// Substring fallback: unique node whose id contains (or is
	// contained by) the canonical form.
	var hits []string
	for id := range g.nodes {
		if strings.Contains(id, canonical) || strings.Contains(canonical, id) {
			hits = append(hits, id)
		}
	}
	if len(hits) == 1 {
		g.tel.RecordVarIDResolveMiss(raw, hits[0], "substring")
		return hits[0], nil
	}

	g.tel.RecordVarIDResolveMiss(raw, "", "none")
	return "", &NodeNotFoundError{ID: raw}
}

// AddEdge inserts a verified edge. Both endpoints must resolve to
// registered nodes and the edge must not create a cycle. Failures are
// counted in the dropout cascade and returned.
func (g *Graph) AddEdge(e Edge) error {
	from, err := g.ResolveID(e.From)
	if err != nil {
		g.tel.RecordGraphAddError("node_not_found")
		return err
	}
	to, err := g.ResolveID(e.To)
	if err != nil {
		g.tel.RecordGraphAddError("node_not_found")
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if from == to || g.reachable(to, from) {
		g.tel.RecordGraphAddError("cycle_detected")
		return &CycleError{From: from, To: to}
	}

	for _, existing := range g.adj[from] {
		if existing == to {
			// Duplicate edge; count as other, keep first.
			g.tel.RecordGraphAddError("duplicate_edge")
			return fmt.Errorf("edge %s->%s already in graph", from, to)
		}
	}

	e.From, e.To = from, to
	g.adj[from] = append(g.adj[from], to)
	g.edges = append(g.edges, e)
	logging.Graph("Edge added: %s -> %s (%s)", from, to, e.Mechanism)
	return nil
}

// reachable reports whether target is reachable from start. Caller
// holds the lock.
func (g *Graph) reachable(start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.adj[n] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// NodeCount returns the number of registered variables.
func (g *Graph) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Edges returns a copy of the edges.
func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Edge(nil), g.edges...)
}

// Variables returns the registered variables sorted by ID.
func (g *Graph) Variables() []Variable {
	g.mu.Lock()
	defer g.mu.Unlock()
	vars := make([]Variable, 0, len(g.nodes))
	for _, v := range g.nodes {
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].ID < vars[j].ID })
	return vars
}

// DedupeCandidates removes duplicate draft edges (same resolved
// from/to pair), keeping the first occurrence.
func DedupeCandidates(candidates []CandidateEdge) []CandidateEdge {
	seen := make(map[string]bool, len(candidates))
	out := make([]CandidateEdge, 0, len(candidates))
	for _, c := range candidates {
		key := canonicalize(c.From) + "->" + canonicalize(c.To)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
