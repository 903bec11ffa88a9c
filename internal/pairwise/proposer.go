// Package pairwise proposes draft causal edges by asking the oracle an
// A/B/C multiple-choice question for every unordered variable pair.
// With n variables this is n*(n-1)/2 oracle calls, so pairs run
// concurrently behind the shared permit pool.
package pairwise

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"causeway/internal/answer"
	"causeway/internal/graph"
	"causeway/internal/logging"
	"causeway/internal/telemetry"
)

const pairwiseSystem = `You are a causal reasoning assistant. Given two variables from a document corpus, decide which causal relationship is most plausible. Think briefly, then answer with exactly one letter wrapped in answer tags, e.g. <answer>A</answer>.`

const pairwiseTemplate = `Consider these two variables extracted from a document corpus:

1. %s: %s
2. %s: %s

Which of the following is most plausible?
A. "%s" causes "%s"
B. "%s" causes "%s"
C. Neither causes the other.

Respond with <answer>A</answer>, <answer>B</answer>, or <answer>C</answer>.`

// Oracle is the completion capability the proposer needs.
// *oracle.Client satisfies it.
type Oracle interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Proposer runs the pairwise question over all variable pairs.
type Proposer struct {
	oracle Oracle
	tel    *telemetry.Recorder
}

// New creates a pairwise proposer.
func New(o Oracle, tel *telemetry.Recorder) *Proposer {
	return &Proposer{oracle: o, tel: tel}
}

// Propose asks the oracle about every unordered pair of variables and
// returns draft edges for A and B answers. Individual pair failures
// (oracle errors, unparseable answers) are counted and skipped, never
// fatal; only context cancellation aborts the batch.
func (p *Proposer) Propose(ctx context.Context, vars []graph.Variable) ([]graph.CandidateEdge, error) {
	type pair struct{ a, b graph.Variable }
	var pairs []pair
	for i := 0; i < len(vars); i++ {
		for j := i + 1; j < len(vars); j++ {
			pairs = append(pairs, pair{vars[i], vars[j]})
		}
	}
	logging.Pairwise("Proposing edges for %d variables (%d pairs)", len(vars), len(pairs))

	var mu sync.Mutex
	var candidates []graph.CandidateEdge

	g, ctx := errgroup.WithContext(ctx)
	for _, pr := range pairs {
		g.Go(func() error {
			edge, ok := p.askPair(ctx, pr.a, pr.b)
			if ok {
				mu.Lock()
				candidates = append(candidates, edge)
				mu.Unlock()
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.tel.AddPairwiseProposed(len(candidates))
	logging.Pairwise("Pairwise stage proposed %d draft edges from %d pairs", len(candidates), len(pairs))
	return candidates, nil
}

// askPair runs one A/B/C question. The bool result reports whether a
// draft edge was produced.
func (p *Proposer) askPair(ctx context.Context, a, b graph.Variable) (graph.CandidateEdge, bool) {
	prompt := fmt.Sprintf(pairwiseTemplate,
		a.Name, describe(a), b.Name, describe(b),
		a.Name, b.Name, b.Name, a.Name)

	start := time.Now()
	raw, err := p.oracle.Complete(ctx, pairwiseSystem, prompt)
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		p.tel.RecordPairwiseAnswer(a.ID, b.ID, "", raw, latencyMs, err.Error(), false)
		logging.PairwiseDebug("pair %s/%s failed: %v", a.ID, b.ID, err)
		return graph.CandidateEdge{}, false
	}

	letter, recovered := answer.Normalize(raw)
	p.tel.RecordPairwiseAnswer(a.ID, b.ID, letter, raw, latencyMs, "", recovered)

	switch letter {
	case "A":
		return graph.CandidateEdge{From: a.ID, To: b.ID, Origin: "pairwise"}, true
	case "B":
		return graph.CandidateEdge{From: b.ID, To: a.ID, Origin: "pairwise"}, true
	default:
		// "C" or unparseable: no relationship / inconclusive.
		return graph.CandidateEdge{}, false
	}
}

func describe(v graph.Variable) string {
	if v.Description != "" {
		return v.Description
	}
	return "(no description)"
}
