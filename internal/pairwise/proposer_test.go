package pairwise

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"causeway/internal/graph"
	"causeway/internal/telemetry"
)

// fakeOracle answers pairs by looking up both variable names in the
// prompt. Unmatched pairs get the fallback response.
type fakeOracle struct {
	mu       sync.Mutex
	answers  map[string]string // "name1|name2" -> response text
	fallback string
	calls    int
	prompts  []string
	err      error
}

func (f *fakeOracle) Complete(_ context.Context, _, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, userPrompt)
	if f.err != nil {
		return "", f.err
	}
	for key, resp := range f.answers {
		parts := strings.SplitN(key, "|", 2)
		if strings.Contains(userPrompt, parts[0]) && strings.Contains(userPrompt, parts[1]) {
			return resp, nil
		}
	}
	return f.fallback, nil
}

func testVars() []graph.Variable {
	return []graph.Variable{
		{ID: "rainfall", Name: "Rainfall", Description: "mm of rain per month"},
		{ID: "soil_moisture", Name: "Soil moisture", Description: "volumetric water content"},
		{ID: "crop_yield", Name: "Crop yield", Description: "tons per hectare"},
	}
}

func TestProposeDirections(t *testing.T) {
	oracle := &fakeOracle{
		answers: map[string]string{
			"Rainfall|Soil moisture":   "<answer>A</answer>",
			"Soil moisture|Crop yield": "<answer>A</answer>",
			"Rainfall|Crop yield":      "<answer>B</answer>",
		},
		fallback: "<answer>C</answer>",
	}
	tel := telemetry.New()
	p := New(oracle, tel)

	edges, err := p.Propose(context.Background(), testVars())
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if oracle.calls != 3 {
		t.Fatalf("oracle calls = %d, want 3", oracle.calls)
	}
	if len(edges) != 3 {
		t.Fatalf("got %d edges, want 3", len(edges))
	}

	want := map[string]bool{
		"rainfall->soil_moisture":   true,
		"soil_moisture->crop_yield": true,
		"crop_yield->rainfall":      true, // B reverses the pair
	}
	for _, e := range edges {
		key := e.From + "->" + e.To
		if !want[key] {
			t.Errorf("unexpected edge %s", key)
		}
		if e.Origin != "pairwise" {
			t.Errorf("edge %s origin = %q", key, e.Origin)
		}
	}

	pw := tel.Pairwise()
	if pw.TotalPairs != 3 || pw.PairsA != 2 || pw.PairsB != 1 {
		t.Fatalf("pairwise counters = %+v", pw)
	}
	if tel.Dropout().PairwiseProposed != 3 {
		t.Fatalf("proposed count = %d", tel.Dropout().PairwiseProposed)
	}
}

func TestProposeNoRelationship(t *testing.T) {
	oracle := &fakeOracle{fallback: "<answer>C</answer>"}
	tel := telemetry.New()
	p := New(oracle, tel)

	edges, err := p.Propose(context.Background(), testVars())
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("got %d edges, want 0", len(edges))
	}
	if tel.Pairwise().PairsC != 3 {
		t.Fatalf("C count = %d, want 3", tel.Pairwise().PairsC)
	}
}

func TestProposeRecoversMalformedAnswer(t *testing.T) {
	oracle := &fakeOracle{
		answers: map[string]string{
			"Rainfall|Soil moisture": "The most plausible option is A.",
		},
		fallback: "<answer>C</answer>",
	}
	tel := telemetry.New()
	p := New(oracle, tel)

	edges, err := p.Propose(context.Background(), testVars()[:2])
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("got %d edges, want 1", len(edges))
	}
	if tel.Pairwise().PairsNormalized != 1 {
		t.Fatalf("recovered count = %d, want 1", tel.Pairwise().PairsNormalized)
	}
}

func TestProposeParseFailureSkipsPair(t *testing.T) {
	oracle := &fakeOracle{fallback: "I cannot determine the relationship."}
	tel := telemetry.New()
	p := New(oracle, tel)

	edges, err := p.Propose(context.Background(), testVars()[:2])
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("parse failure must not emit an edge, got %d", len(edges))
	}
	if tel.Pairwise().PairsParseFail != 1 {
		t.Fatalf("parse failure count = %d, want 1", tel.Pairwise().PairsParseFail)
	}
}

func TestProposeOracleErrorCountedNotFatal(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("quota exceeded")}
	tel := telemetry.New()
	p := New(oracle, tel)

	edges, err := p.Propose(context.Background(), testVars()[:2])
	if err != nil {
		t.Fatalf("pair-level oracle error must not be fatal: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("got %d edges, want 0", len(edges))
	}
	if tel.Pairwise().PairsException != 1 {
		t.Fatalf("exception count = %d, want 1", tel.Pairwise().PairsException)
	}
}

func TestProposePromptContainsBothDirections(t *testing.T) {
	oracle := &fakeOracle{fallback: "<answer>C</answer>"}
	p := New(oracle, telemetry.New())

	if _, err := p.Propose(context.Background(), testVars()[:2]); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	prompt := oracle.prompts[0]
	for _, want := range []string{
		`A. "Rainfall" causes "Soil moisture"`,
		`B. "Soil moisture" causes "Rainfall"`,
		"C. Neither causes the other.",
		"mm of rain per month",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestProposeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	oracle := &fakeOracle{fallback: "<answer>C</answer>"}
	p := New(oracle, telemetry.New())

	if _, err := p.Propose(ctx, testVars()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProposePairCount(t *testing.T) {
	oracle := &fakeOracle{fallback: "<answer>C</answer>"}
	p := New(oracle, telemetry.New())

	vars := make([]graph.Variable, 6)
	for i := range vars {
		vars[i] = graph.Variable{ID: fmt.Sprintf("v%d", i), Name: fmt.Sprintf("Var %d", i)}
	}
	if _, err := p.Propose(context.Background(), vars); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if oracle.calls != 15 {
		t.Fatalf("oracle calls = %d, want 15", oracle.calls)
	}
}
