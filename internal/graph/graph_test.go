package graph

import (
	"errors"
	"testing"

	"causeway/internal/telemetry"
)

func newTestGraph() (*Graph, *telemetry.Recorder) {
	tel := telemetry.New()
	g := New(tel)
	g.AddVariable(Variable{ID: "rainfall", Name: "Rainfall"})
	g.AddVariable(Variable{ID: "soil_moisture", Name: "Soil moisture"})
	g.AddVariable(Variable{ID: "crop_yield", Name: "Crop yield"})
	return g, tel
}

func TestAddEdgeAndCount(t *testing.T) {
	g, _ := newTestGraph()

	if err := g.AddEdge(Edge{From: "rainfall", To: "soil_moisture", Mechanism: "precipitation"}); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := g.AddEdge(Edge{From: "soil_moisture", To: "crop_yield", Mechanism: "water uptake"}); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if g.EdgeCount() != 2 {
		t.Fatalf("EdgeCount = %d, want 2", g.EdgeCount())
	}
	if g.NodeCount() != 3 {
		t.Fatalf("NodeCount = %d, want 3", g.NodeCount())
	}
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g, tel := newTestGraph()

	mustAdd := func(from, to string) {
		t.Helper()
		if err := g.AddEdge(Edge{From: from, To: to}); err != nil {
			t.Fatalf("AddEdge %s->%s failed: %v", from, to, err)
		}
	}
	mustAdd("rainfall", "soil_moisture")
	mustAdd("soil_moisture", "crop_yield")

	err := g.AddEdge(Edge{From: "crop_yield", To: "rainfall"})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if g.EdgeCount() != 2 {
		t.Fatalf("cycle edge must not be inserted, count = %d", g.EdgeCount())
	}
	if tel.Dropout().CycleDetectedErrors != 1 {
		t.Fatalf("cycle error not counted: %+v", tel.Dropout())
	}
}

func TestAddEdgeRejectsSelfLoop(t *testing.T) {
	g, _ := newTestGraph()
	err := g.AddEdge(Edge{From: "rainfall", To: "rainfall"})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError for self loop, got %v", err)
	}
}

func TestAddEdgeUnknownNode(t *testing.T) {
	g, tel := newTestGraph()
	err := g.AddEdge(Edge{From: "rainfall", To: "stock price of llamas"})
	var nf *NodeNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NodeNotFoundError, got %v", err)
	}
	if tel.Dropout().NodeNotFoundErrors != 1 {
		t.Fatalf("node_not_found not counted: %+v", tel.Dropout())
	}
}

func TestResolveIDCanonicalization(t *testing.T) {
	g, tel := newTestGraph()

	id, err := g.ResolveID("  Soil Moisture ")
	if err != nil {
		t.Fatalf("ResolveID failed: %v", err)
	}
	if id != "soil_moisture" {
		t.Fatalf("resolved to %q", id)
	}

	// Exact hits are free; the canonicalized hit must be recorded.
	if _, err := g.ResolveID("rainfall"); err != nil {
		t.Fatalf("exact resolve failed: %v", err)
	}

	misses := tel.Summary().VarIDResolveMisses
	if len(misses) != 1 {
		t.Fatalf("expected 1 resolve miss, got %d", len(misses))
	}
	if misses[0].MatchType != "canonicalized" {
		t.Fatalf("match type = %q", misses[0].MatchType)
	}
}

func TestResolveIDSubstringFallback(t *testing.T) {
	g, _ := newTestGraph()

	id, err := g.ResolveID("yield")
	if err != nil {
		t.Fatalf("ResolveID failed: %v", err)
	}
	if id != "crop_yield" {
		t.Fatalf("resolved to %q", id)
	}
}

func TestDuplicateEdgeRejected(t *testing.T) {
	g, _ := newTestGraph()
	if err := g.AddEdge(Edge{From: "rainfall", To: "crop_yield"}); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := g.AddEdge(Edge{From: "rainfall", To: "crop_yield"}); err == nil {
		t.Fatal("expected duplicate edge rejection")
	}
	if g.EdgeCount() != 1 {
		t.Fatalf("EdgeCount = %d, want 1", g.EdgeCount())
	}
}

func TestDedupeCandidates(t *testing.T) {
	in := []CandidateEdge{
		{From: "Rainfall", To: "Crop Yield", Origin: "pairwise"},
		{From: "rainfall", To: "crop_yield", Origin: "extractor"},
		{From: "crop_yield", To: "rainfall", Origin: "pairwise"},
	}
	out := DedupeCandidates(in)
	if len(out) != 2 {
		t.Fatalf("deduped to %d, want 2", len(out))
	}
	if out[0].Origin != "pairwise" {
		t.Fatal("first occurrence must win")
	}
}
