package verify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"causeway/internal/config"
	"causeway/internal/evidence"
	"causeway/internal/graph"
	"causeway/internal/judge"
	"causeway/internal/telemetry"
)

func TestMain(m *testing.M) {
	// go.opencensus.io (an indirect dependency) starts a worker goroutine
	// in package init that can never be stopped.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedJudge returns one verdict per call, in order.
type scriptedJudge struct {
	verdicts    []*judge.VerificationVerdict
	adversarial *judge.AdversarialVerdict
	evalErr     error
	calls       int
	advCalls    int
	queries     []string // iteration numbers seen
}

func (s *scriptedJudge) Evaluate(_ context.Context, _, _, _ string, _ []evidence.Chunk, iteration int) (*judge.VerificationVerdict, error) {
	if s.evalErr != nil {
		return nil, s.evalErr
	}
	v := s.verdicts[s.calls]
	s.calls++
	_ = iteration
	return v, nil
}

func (s *scriptedJudge) EvaluateAdversarial(_ context.Context, _, _, _, _ string) (*judge.AdversarialVerdict, error) {
	s.advCalls++
	return s.adversarial, nil
}

// fixedRetriever returns the same chunks for every query and records
// the queries it saw.
type fixedRetriever struct {
	mu      sync.Mutex
	chunks  []evidence.Chunk
	queries []string
	err     error
}

func (r *fixedRetriever) Retrieve(_ context.Context, query string, _ int) (evidence.Bundle, error) {
	if r.err != nil {
		return evidence.Bundle{}, r.err
	}
	r.mu.Lock()
	r.queries = append(r.queries, query)
	r.mu.Unlock()
	return evidence.Bundle{Query: query, Chunks: r.chunks}, nil
}

func (r *fixedRetriever) CacheSize() int { return 0 }

func testVerifyConfig() config.VerifyConfig {
	return config.VerifyConfig{
		MaxJudgeIterations:           2,
		GroundingConfidenceThreshold: 0.4,
		EnableAdversarialPass:        false,
	}
}

func candidate() graph.CandidateEdge {
	return graph.CandidateEdge{From: "rain", To: "floods", Mechanism: "water accumulation", Origin: "pairwise"}
}

func someChunks() []evidence.Chunk {
	return []evidence.Chunk{{ID: "c1", Content: "rain causes floods"}}
}

func TestAcceptFirstRound(t *testing.T) {
	j := &scriptedJudge{verdicts: []*judge.VerificationVerdict{
		{IsGrounded: true, SupportType: judge.SupportDirectCausal, Confidence: 0.9, SupportingQuote: "rain causes floods"},
	}}
	tel := telemetry.New()
	l := NewLoop(j, &fixedRetriever{chunks: someChunks()}, testVerifyConfig(), 5, tel)

	o, err := l.VerifyEdge(context.Background(), candidate())
	if err != nil {
		t.Fatalf("VerifyEdge failed: %v", err)
	}
	if !o.Grounded || o.IterationsUsed != 1 {
		t.Fatalf("outcome = %+v", o)
	}
	if o.SupportingQuote != "rain causes floods" {
		t.Fatalf("quote = %q", o.SupportingQuote)
	}
	v := tel.Verification()
	if v.GroundedCount != 1 || v.RejectedCount != 0 {
		t.Fatalf("counters: %+v", v)
	}
}

func TestRefinementThenAccept(t *testing.T) {
	// First round ungrounded with a distinct refinement query, second
	// round grounded at 0.8 with adversarial disabled.
	j := &scriptedJudge{verdicts: []*judge.VerificationVerdict{
		{IsGrounded: false, SupportType: judge.SupportCorrelationOnly, Confidence: 0.3, SuggestedRefinementQuery: "Q2"},
		{IsGrounded: true, SupportType: judge.SupportDirectCausal, Confidence: 0.8},
	}}
	r := &fixedRetriever{chunks: someChunks()}
	l := NewLoop(j, r, testVerifyConfig(), 5, telemetry.New())

	o, err := l.VerifyEdge(context.Background(), candidate())
	if err != nil {
		t.Fatalf("VerifyEdge failed: %v", err)
	}
	if !o.Grounded {
		t.Fatalf("outcome = %+v", o)
	}
	if o.IterationsUsed != 2 {
		t.Fatalf("IterationsUsed = %d, want 2", o.IterationsUsed)
	}
	if len(r.queries) != 2 || r.queries[1] != "Q2" {
		t.Fatalf("queries = %v", r.queries)
	}
}

func TestExhaustedIterations(t *testing.T) {
	j := &scriptedJudge{verdicts: []*judge.VerificationVerdict{
		{IsGrounded: false, SupportType: judge.SupportCorrelationOnly, Confidence: 0.3, SuggestedRefinementQuery: "Q2"},
		{IsGrounded: false, SupportType: judge.SupportCorrelationOnly, Confidence: 0.2, SuggestedRefinementQuery: "Q3"},
	}}
	tel := telemetry.New()
	l := NewLoop(j, &fixedRetriever{chunks: someChunks()}, testVerifyConfig(), 5, tel)

	o, err := l.VerifyEdge(context.Background(), candidate())
	if err != nil {
		t.Fatalf("VerifyEdge failed: %v", err)
	}
	if o.Grounded || o.RejectionReason != ReasonExhaustedIterations || o.IterationsUsed != 2 {
		t.Fatalf("outcome = %+v", o)
	}
	if j.calls != 2 {
		t.Fatalf("judge calls = %d, bound violated", j.calls)
	}
	if tel.Verification().ExhaustedIterations != 1 {
		t.Fatalf("exhausted not counted: %+v", tel.Verification())
	}
}

func TestDuplicateQueryBreak(t *testing.T) {
	// The judge repeats the initial query verbatim: no progress.
	initial := initialQuery(candidate())
	j := &scriptedJudge{verdicts: []*judge.VerificationVerdict{
		{IsGrounded: false, SupportType: judge.SupportCorrelationOnly, Confidence: 0.3,
			RejectionReason: "only co-occurrence", SuggestedRefinementQuery: initial},
	}}
	tel := telemetry.New()
	l := NewLoop(j, &fixedRetriever{chunks: someChunks()}, testVerifyConfig(), 5, tel)

	o, err := l.VerifyEdge(context.Background(), candidate())
	if err != nil {
		t.Fatalf("VerifyEdge failed: %v", err)
	}
	if o.Grounded || o.IterationsUsed != 1 {
		t.Fatalf("outcome = %+v", o)
	}
	if o.RejectionReason != "only co-occurrence" {
		t.Fatalf("reason = %q, want judge's reason", o.RejectionReason)
	}
	if tel.Verification().DuplicateQueryBreaks != 1 {
		t.Fatalf("duplicate break not counted: %+v", tel.Verification())
	}
}

func TestNoEvidenceRejection(t *testing.T) {
	j := &scriptedJudge{verdicts: []*judge.VerificationVerdict{
		{IsGrounded: false, SupportType: judge.SupportIrrelevant, Confidence: 0.8},
	}}
	tel := telemetry.New()
	l := NewLoop(j, &fixedRetriever{}, testVerifyConfig(), 5, tel)

	o, err := l.VerifyEdge(context.Background(), candidate())
	if err != nil {
		t.Fatalf("VerifyEdge failed: %v", err)
	}
	if o.RejectionReason != ReasonNoEvidence {
		t.Fatalf("reason = %q, want no_evidence", o.RejectionReason)
	}
	if tel.Verification().NoEvidenceCount != 1 {
		t.Fatalf("no_evidence not counted: %+v", tel.Verification())
	}
}

func TestLowConfidenceIsNotAccepted(t *testing.T) {
	j := &scriptedJudge{verdicts: []*judge.VerificationVerdict{
		{IsGrounded: true, SupportType: judge.SupportDirectCausal, Confidence: 0.3},
	}}
	l := NewLoop(j, &fixedRetriever{chunks: someChunks()}, testVerifyConfig(), 5, telemetry.New())

	o, err := l.VerifyEdge(context.Background(), candidate())
	if err != nil {
		t.Fatalf("VerifyEdge failed: %v", err)
	}
	if o.Grounded {
		t.Fatal("grounded verdict below threshold must not be accepted")
	}
}

func TestAdversarialRejection(t *testing.T) {
	cfg := testVerifyConfig()
	cfg.EnableAdversarialPass = true

	j := &scriptedJudge{
		verdicts: []*judge.VerificationVerdict{
			{IsGrounded: true, SupportType: judge.SupportDirectCausal, Confidence: 0.9, SupportingQuote: "q"},
		},
		adversarial: &judge.AdversarialVerdict{StillGrounded: false, Confidence: 0.6},
	}
	l := NewLoop(j, &fixedRetriever{chunks: someChunks()}, cfg, 5, telemetry.New())

	o, err := l.VerifyEdge(context.Background(), candidate())
	if err != nil {
		t.Fatalf("VerifyEdge failed: %v", err)
	}
	if o.Grounded || o.RejectionReason != ReasonAdversarialRejection {
		t.Fatalf("outcome = %+v", o)
	}
	if j.advCalls != 1 {
		t.Fatalf("adversarial calls = %d", j.advCalls)
	}
}

func TestAdversarialSkippedForModestConfidence(t *testing.T) {
	cfg := testVerifyConfig()
	cfg.EnableAdversarialPass = true

	// Above the acceptance threshold but below the strong-edge bar.
	j := &scriptedJudge{verdicts: []*judge.VerificationVerdict{
		{IsGrounded: true, SupportType: judge.SupportDirectCausal, Confidence: 0.5},
	}}
	l := NewLoop(j, &fixedRetriever{chunks: someChunks()}, cfg, 5, telemetry.New())

	o, err := l.VerifyEdge(context.Background(), candidate())
	if err != nil {
		t.Fatalf("VerifyEdge failed: %v", err)
	}
	if !o.Grounded {
		t.Fatalf("outcome = %+v", o)
	}
	if j.advCalls != 0 {
		t.Fatal("adversarial pass must not run for modest-confidence edges")
	}
}

func TestJudgeErrorBecomesRejection(t *testing.T) {
	j := &scriptedJudge{evalErr: errors.New("oracle melted")}
	l := NewLoop(j, &fixedRetriever{chunks: someChunks()}, testVerifyConfig(), 5, telemetry.New())

	o, err := l.VerifyEdge(context.Background(), candidate())
	if err != nil {
		t.Fatalf("judge errors must not propagate: %v", err)
	}
	if o.Grounded || o.RejectionReason != ReasonJudgeError {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestRetrievalErrorIsFatal(t *testing.T) {
	j := &scriptedJudge{}
	l := NewLoop(j, &fixedRetriever{err: errors.New("backend unreachable")}, testVerifyConfig(), 5, telemetry.New())

	if _, err := l.VerifyEdge(context.Background(), candidate()); err == nil {
		t.Fatal("retrieval backend failure must propagate")
	}
}

func TestCancelledContext(t *testing.T) {
	j := &scriptedJudge{}
	l := NewLoop(j, &fixedRetriever{chunks: someChunks()}, testVerifyConfig(), 5, telemetry.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, err := l.VerifyEdge(ctx, candidate())
	if err != nil {
		t.Fatalf("cancellation must not propagate as error: %v", err)
	}
	if o.Grounded || o.RejectionReason != ReasonCancelled {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestVerifyAllPreservesOrder(t *testing.T) {
	j := &scriptedJudge{verdicts: []*judge.VerificationVerdict{
		{IsGrounded: true, SupportType: judge.SupportDirectCausal, Confidence: 0.9},
		{IsGrounded: true, SupportType: judge.SupportDirectCausal, Confidence: 0.9},
		{IsGrounded: true, SupportType: judge.SupportDirectCausal, Confidence: 0.9},
	}}
	tel := telemetry.New()
	l := NewLoop(&concurrentSafeJudge{inner: j}, &fixedRetriever{chunks: someChunks()}, testVerifyConfig(), 5, tel)

	candidates := []graph.CandidateEdge{
		{From: "a", To: "b"},
		{From: "b", To: "c"},
		{From: "c", To: "d"},
	}
	outcomes, err := l.VerifyAll(context.Background(), candidates)
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Edge.From != candidates[i].From {
			t.Fatalf("outcome %d out of order: %+v", i, o)
		}
	}
	if tel.Verification().TotalEdgesSubmitted != 3 {
		t.Fatalf("submitted = %d", tel.Verification().TotalEdgesSubmitted)
	}
}

// concurrentSafeJudge serializes a scriptedJudge for VerifyAll tests.
type concurrentSafeJudge struct {
	mu    sync.Mutex
	inner *scriptedJudge
}

func (c *concurrentSafeJudge) Evaluate(ctx context.Context, from, to, mech string, chunks []evidence.Chunk, iteration int) (*judge.VerificationVerdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Evaluate(ctx, from, to, mech, chunks, iteration)
}

func (c *concurrentSafeJudge) EvaluateAdversarial(ctx context.Context, from, to, mech, quote string) (*judge.AdversarialVerdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.EvaluateAdversarial(ctx, from, to, mech, quote)
}
