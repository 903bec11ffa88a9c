// Package pipeline sequences a world-model build: ingest documents,
// propose draft edges pairwise, dedupe, attach mechanisms, verify
// against evidence, and assemble the surviving edges into a DAG. Every
// stage is bracketed with telemetry timing and the run ends with a
// dump artifact.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"causeway/internal/config"
	"causeway/internal/evidence"
	"causeway/internal/graph"
	"causeway/internal/logging"
	"causeway/internal/telemetry"
	"causeway/internal/verify"
)

const mechanismSystem = `You are a causal reasoning assistant. Describe causal mechanisms concisely and concretely.`

const mechanismTemplate = `In one sentence, describe the most plausible mechanism by which "%s" causes "%s". Answer with the sentence only.`

// DocumentLoader ingests a directory of documents into the evidence
// store. *ingest.Ingestor satisfies it.
type DocumentLoader interface {
	IngestDir(ctx context.Context, dir string) (docs, added int, err error)
}

// Proposer produces draft causal edges from variables. *pairwise.Proposer
// satisfies it.
type Proposer interface {
	Propose(ctx context.Context, vars []graph.Variable) ([]graph.CandidateEdge, error)
}

// Verifier runs the verification loop over draft edges. *verify.Loop
// satisfies it.
type Verifier interface {
	VerifyAll(ctx context.Context, candidates []graph.CandidateEdge) ([]verify.Outcome, error)
}

// Oracle is the plain completion surface used for mechanism synthesis.
type Oracle interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Loader    DocumentLoader
	Proposer  Proposer
	Oracle    Oracle
	Verifier  Verifier
	Retriever evidence.Retriever
}

// Pipeline runs the end-to-end build.
type Pipeline struct {
	cfg  *config.Config
	tel  *telemetry.Recorder
	deps Deps
}

// New creates a pipeline.
func New(cfg *config.Config, tel *telemetry.Recorder, deps Deps) *Pipeline {
	return &Pipeline{cfg: cfg, tel: tel, deps: deps}
}

// Result is the outcome of one build run.
type Result struct {
	Graph    *graph.Graph
	Outcomes []verify.Outcome
	DumpPath string
}

// Run executes the full build. docsDir may be empty to skip ingestion
// (verify against an already-populated store); dumpPath may be empty
// to skip the artifact. A retrieval-backend failure aborts the run;
// per-edge and per-pair failures are absorbed into telemetry.
func (p *Pipeline) Run(ctx context.Context, docsDir string, vars []graph.Variable, dumpPath string) (*Result, error) {
	p.tel.Reset()
	logging.Pipeline("Build started: %d variables, docs=%q", len(vars), docsDir)

	if docsDir != "" {
		p.tel.StageStart("ingest")
		docs, added, err := p.deps.Loader.IngestDir(ctx, docsDir)
		if err != nil {
			return nil, fmt.Errorf("ingest failed: %w", err)
		}
		p.tel.StageEnd("ingest", map[string]interface{}{"docs": docs, "chunks_added": added})
	}

	g := graph.New(p.tel)
	for _, v := range vars {
		g.AddVariable(v)
	}
	p.tel.SetVariableCounts(len(vars), g.NodeCount(), g.NodeCount())

	p.tel.StageStart("pairwise")
	candidates, err := p.deps.Proposer.Propose(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("pairwise proposal failed: %w", err)
	}
	p.tel.StageEnd("pairwise", map[string]interface{}{"proposed": len(candidates)})

	p.tel.StageStart("dedup")
	deduped := graph.DedupeCandidates(candidates)
	p.tel.SetAfterDedup(len(deduped))
	p.tel.StageEnd("dedup", map[string]interface{}{"survived": len(deduped)})

	p.tel.StageStart("mechanism_synthesis")
	if err := p.attachMechanisms(ctx, deduped); err != nil {
		return nil, err
	}
	p.tel.SetAfterMechanismSynthesis(len(deduped))
	p.tel.StageEnd("mechanism_synthesis", nil)

	p.tel.StageStart("verification")
	outcomes, err := p.deps.Verifier.VerifyAll(ctx, deduped)
	if err != nil {
		return nil, fmt.Errorf("verification failed: %w", err)
	}
	p.tel.StageEnd("verification", map[string]interface{}{"edges": len(outcomes)})

	p.tel.StageStart("graph_build")
	for _, o := range outcomes {
		if !o.Grounded {
			continue
		}
		err := g.AddEdge(graph.Edge{
			From:            o.Edge.From,
			To:              o.Edge.To,
			Mechanism:       o.Edge.Mechanism,
			SupportingQuote: o.SupportingQuote,
			Confidence:      o.Confidence,
		})
		if err != nil {
			// Counted by the graph; the build keeps going.
			logging.Pipeline("Dropped grounded edge %s->%s: %v", o.Edge.From, o.Edge.To, err)
		}
	}
	p.tel.SetFinalEdgeCount(g.EdgeCount())
	p.tel.StageEnd("graph_build", map[string]interface{}{"final_edges": g.EdgeCount()})

	if p.deps.Retriever != nil {
		p.tel.SetEvidenceCacheSize(p.deps.Retriever.CacheSize())
	}

	result := &Result{Graph: g, Outcomes: outcomes}
	if dumpPath != "" {
		path, err := p.tel.Dump(dumpPath)
		if err != nil {
			return nil, fmt.Errorf("telemetry dump failed: %w", err)
		}
		result.DumpPath = path
	}
	logging.Pipeline("Build finished: %d edges in graph", g.EdgeCount())
	return result, nil
}

// attachMechanisms asks the oracle for a one-sentence mechanism for
// each draft edge that lacks one. Synthesis failures leave the
// mechanism empty; only context cancellation is fatal.
func (p *Pipeline) attachMechanisms(ctx context.Context, candidates []graph.CandidateEdge) error {
	if p.deps.Oracle == nil {
		return nil
	}

	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	for i := range candidates {
		if candidates[i].Mechanism != "" {
			continue
		}
		eg.Go(func() error {
			prompt := fmt.Sprintf(mechanismTemplate, candidates[i].From, candidates[i].To)
			text, err := p.deps.Oracle.Complete(ctx, mechanismSystem, prompt)
			if err != nil {
				logging.PipelineDebug("mechanism synthesis for %s->%s failed: %v",
					candidates[i].From, candidates[i].To, err)
				return ctx.Err()
			}
			mu.Lock()
			candidates[i].Mechanism = text
			mu.Unlock()
			return ctx.Err()
		})
	}
	return eg.Wait()
}
