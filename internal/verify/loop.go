// Package verify runs the bounded retrieve→judge loop that decides
// whether each candidate causal edge is grounded in evidence. Each
// edge's loop is sequential; many edges verify concurrently, bounded
// by the shared oracle permit pool.
package verify

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"causeway/internal/config"
	"causeway/internal/evidence"
	"causeway/internal/graph"
	"causeway/internal/judge"
	"causeway/internal/logging"
	"causeway/internal/telemetry"
)

// Rejection reasons carried by terminal outcomes.
const (
	ReasonNoEvidence           = "no_evidence"
	ReasonExhaustedIterations  = "exhausted_iterations"
	ReasonAdversarialRejection = "adversarial_rejection"
	ReasonJudgeError           = "judge_error"
	ReasonCancelled            = "cancelled"
)

// strongEdgeConfidence is the grounding confidence above which an
// accepted edge is also put through the adversarial pass.
const strongEdgeConfidence = 0.7

// Outcome is the terminal state of one edge's verification.
type Outcome struct {
	Edge            graph.CandidateEdge
	Grounded        bool
	RejectionReason string // set iff not grounded
	IterationsUsed  int
	SupportingQuote string
	Confidence      float64
}

// EdgeJudge is the judging capability the loop needs. *judge.Judge
// satisfies it.
type EdgeJudge interface {
	Evaluate(ctx context.Context, fromVar, toVar, mechanism string, chunks []evidence.Chunk, iteration int) (*judge.VerificationVerdict, error)
	EvaluateAdversarial(ctx context.Context, fromVar, toVar, mechanism, supportingQuote string) (*judge.AdversarialVerdict, error)
}

// Loop orchestrates verification for candidate edges.
type Loop struct {
	judge     EdgeJudge
	retriever evidence.Retriever
	cfg       config.VerifyConfig
	topK      int
	tel       *telemetry.Recorder
}

// NewLoop creates a verification loop orchestrator.
func NewLoop(j EdgeJudge, r evidence.Retriever, cfg config.VerifyConfig, topK int, tel *telemetry.Recorder) *Loop {
	return &Loop{judge: j, retriever: r, cfg: cfg, topK: topK, tel: tel}
}

// initialQuery derives the first retrieval query from the edge itself.
func initialQuery(e graph.CandidateEdge) string {
	if e.Mechanism != "" {
		return fmt.Sprintf("%s causes %s: %s", e.From, e.To, e.Mechanism)
	}
	return fmt.Sprintf("%s causes %s", e.From, e.To)
}

// VerifyEdge runs the bounded state machine for one edge:
// Pending → Retrieving → Judging → {Accepted, Refining, Rejected}.
// Edge-level failures never propagate; they resolve to a Rejected
// outcome. Only retrieval-backend failures return an error.
func (l *Loop) VerifyEdge(ctx context.Context, e graph.CandidateEdge) (Outcome, error) {
	lastQuery := initialQuery(e)
	anyEvidence := false

	for iteration := 1; iteration <= l.cfg.MaxJudgeIterations; iteration++ {
		if ctx.Err() != nil {
			return l.finalize(e, Outcome{
				Edge: e, RejectionReason: ReasonCancelled, IterationsUsed: iteration,
			}), nil
		}

		bundle, err := l.retriever.Retrieve(ctx, lastQuery, l.topK)
		if err != nil {
			if ctx.Err() != nil {
				return l.finalize(e, Outcome{
					Edge: e, RejectionReason: ReasonCancelled, IterationsUsed: iteration,
				}), nil
			}
			// Retrieval backend failure is fatal to the pipeline.
			return Outcome{}, fmt.Errorf("retrieval failed for %s->%s: %w", e.From, e.To, err)
		}
		if len(bundle.Chunks) > 0 {
			anyEvidence = true
		}

		verdict, err := l.judge.Evaluate(ctx, e.From, e.To, e.Mechanism, bundle.Chunks, iteration)
		if err != nil {
			reason := ReasonJudgeError
			if ctx.Err() != nil {
				reason = ReasonCancelled
			}
			logging.Verification("Edge %s->%s rejected (%s): %v", e.From, e.To, reason, err)
			return l.finalize(e, Outcome{
				Edge: e, RejectionReason: reason, IterationsUsed: iteration,
			}), nil
		}

		if verdict.IsGrounded && verdict.Confidence >= l.cfg.GroundingConfidenceThreshold {
			if l.cfg.EnableAdversarialPass && verdict.Confidence >= strongEdgeConfidence {
				adv, err := l.judge.EvaluateAdversarial(ctx, e.From, e.To, e.Mechanism, verdict.SupportingQuote)
				if err != nil {
					reason := ReasonJudgeError
					if ctx.Err() != nil {
						reason = ReasonCancelled
					}
					return l.finalize(e, Outcome{
						Edge: e, RejectionReason: reason, IterationsUsed: iteration,
					}), nil
				}
				if !adv.StillGrounded {
					return l.finalize(e, Outcome{
						Edge: e, RejectionReason: ReasonAdversarialRejection, IterationsUsed: iteration,
					}), nil
				}
			}
			return l.finalize(e, Outcome{
				Edge: e, Grounded: true, IterationsUsed: iteration,
				SupportingQuote: verdict.SupportingQuote, Confidence: verdict.Confidence,
			}), nil
		}

		refinement := verdict.SuggestedRefinementQuery
		if refinement != "" && refinement == lastQuery {
			// Same query twice in a row makes no progress; equality is
			// exact string match.
			l.tel.RecordDuplicateQueryBreak(e.From, e.To, refinement)
			return l.finalize(e, Outcome{
				Edge:            e,
				RejectionReason: rejectionReason(verdict.RejectionReason, anyEvidence),
				IterationsUsed:  iteration,
			}), nil
		}
		if refinement == "" {
			return l.finalize(e, Outcome{
				Edge:            e,
				RejectionReason: rejectionReason(verdict.RejectionReason, anyEvidence),
				IterationsUsed:  iteration,
			}), nil
		}

		lastQuery = refinement
	}

	return l.finalize(e, Outcome{
		Edge: e, RejectionReason: ReasonExhaustedIterations, IterationsUsed: l.cfg.MaxJudgeIterations,
	}), nil
}

// rejectionReason prefers the judge's own reason; an edge that never
// saw evidence is always a no_evidence rejection.
func rejectionReason(judgeReason string, anyEvidence bool) string {
	if !anyEvidence {
		return ReasonNoEvidence
	}
	return judgeReason
}

func (l *Loop) finalize(e graph.CandidateEdge, o Outcome) Outcome {
	l.tel.RecordVerificationFinal(e.From, e.To, o.Grounded, o.RejectionReason, o.IterationsUsed)
	return o
}

// VerifyAll verifies candidates concurrently and returns outcomes in
// input order. Edge loops run in parallel; the oracle permit pool is
// the admission control, so no extra limit is applied here. The first
// fatal (retrieval-backend) error aborts the batch.
func (l *Loop) VerifyAll(ctx context.Context, candidates []graph.CandidateEdge) ([]Outcome, error) {
	l.tel.RecordVerificationSubmitted(len(candidates))
	outcomes := make([]Outcome, len(candidates))

	g, ctx := errgroup.WithContext(ctx)
	for i, cand := range candidates {
		g.Go(func() error {
			o, err := l.VerifyEdge(ctx, cand)
			if err != nil {
				return err
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
