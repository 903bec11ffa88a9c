package telemetry

import (
	"sync"
	"time"

	"causeway/internal/logging"
)

// Recorder is the in-process telemetry instance for one pipeline run.
// Every mutation is serialized by a single mutex; reads produce a
// consistent point-in-time snapshot.
type Recorder struct {
	mu sync.Mutex

	runStart     time.Time
	runStartWall string

	events         []Event
	stageStarts    map[string]time.Time
	stageDurations map[string]float64

	llm          LLMCounter
	pairwise     PairwiseCounter
	verification VerificationCounter
	dropout      EdgeDropout
	variables    VariableCounts

	evidenceCacheSize int
	resolveMisses     []ResolveMiss
}

// New creates a fresh Recorder with all counters zeroed.
func New() *Recorder {
	r := &Recorder{}
	r.Reset()
	return r
}

// Reset atomically clears all counters and events for a fresh run.
// Must be called exactly once per pipeline execution, never concurrently
// with in-flight recorders from a prior run.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runStart = time.Now()
	r.runStartWall = time.Now().UTC().Format(time.RFC3339Nano)
	r.events = nil
	r.stageStarts = make(map[string]time.Time)
	r.stageDurations = make(map[string]float64)
	r.llm = LLMCounter{CallsByModel: make(map[string]int)}
	r.pairwise = PairwiseCounter{}
	r.verification = VerificationCounter{}
	r.dropout = EdgeDropout{}
	r.variables = VariableCounts{}
	r.evidenceCacheSize = 0
	r.resolveMisses = nil
}

// ── Generic event recorder ───────────────────────────────────────────

// Record appends one immutable event with a monotonic timestamp and a
// wall-clock timestamp.
func (r *Recorder) Record(stage, event string, data map[string]interface{}) {
	ev := Event{
		Stage:     stage,
		Event:     event,
		At:        time.Now(),
		WallClock: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// ── Stage timing ─────────────────────────────────────────────────────

// StageStart marks the beginning of a named pipeline phase.
func (r *Recorder) StageStart(stage string) {
	r.mu.Lock()
	r.stageStarts[stage] = time.Now()
	r.mu.Unlock()
	r.Record(stage, "stage_start", nil)
}

// StageEnd marks the end of a named phase and logs elapsed wall time.
// A StageEnd without a matching StageStart records zero elapsed rather
// than failing.
func (r *Recorder) StageEnd(stage string, extra map[string]interface{}) {
	r.mu.Lock()
	var elapsed float64
	if t0, ok := r.stageStarts[stage]; ok {
		elapsed = time.Since(t0).Seconds()
	}
	r.stageDurations[stage] = elapsed
	r.mu.Unlock()

	payload := map[string]interface{}{"elapsed_seconds": round(elapsed, 3)}
	for k, v := range extra {
		payload[k] = v
	}
	r.Record(stage, "stage_end", payload)
	logging.Telemetry("Stage '%s' completed in %.2fs", stage, elapsed)
}

// ── LLM call tracking ────────────────────────────────────────────────

// RecordLLMCall records one completed oracle round trip.
func (r *Recorder) RecordLLMCall(model string, promptChars, completionChars int, latencyMs float64) {
	r.mu.Lock()
	r.llm.TotalCalls++
	r.llm.TotalPromptChars += promptChars
	r.llm.TotalCompletionChars += completionChars
	r.llm.TotalPromptTokensEst += promptChars / 4
	r.llm.latencySamplesMs = append(r.llm.latencySamplesMs, latencyMs)
	r.llm.CallsByModel[model]++
	r.mu.Unlock()
	r.Record("llm", "call", map[string]interface{}{
		"model": model, "prompt_chars": promptChars,
		"completion_chars": completionChars, "latency_ms": round(latencyMs, 1),
	})
}

// RecordLLMRetry records one retry attempt against the oracle.
func (r *Recorder) RecordLLMRetry(model string, attempt int, errText string) {
	r.mu.Lock()
	r.llm.TotalRetries++
	r.mu.Unlock()
	r.Record("llm", "retry", map[string]interface{}{
		"model": model, "attempt": attempt, "error": truncate(errText, 300),
	})
}

// RecordLLMError records a terminal oracle failure. Quota errors are
// counted separately for capacity-planning visibility.
func (r *Recorder) RecordLLMError(model, errText string, isQuota bool) {
	r.mu.Lock()
	r.llm.TotalErrors++
	if isQuota {
		r.llm.TotalQuotaErrors++
	}
	r.mu.Unlock()
	r.Record("llm", "error", map[string]interface{}{
		"model": model, "error": truncate(errText, 500), "is_quota": isQuota,
	})
}

// RecordLLMFallback records a silent fallback from native structured
// output to prompt-injected JSON.
func (r *Recorder) RecordLLMFallback(model string) {
	r.mu.Lock()
	r.llm.TotalFallbacks++
	r.mu.Unlock()
	r.Record("llm", "native_to_prompt_fallback", map[string]interface{}{"model": model})
}

// ── Pairwise proposer tracking ───────────────────────────────────────

// RecordPairwiseAnswer records one pairwise A/B/C question outcome.
// answer must be the normalized answer ("" for a parse failure);
// wasNormalized marks answers recovered by the normalizer from
// malformed oracle output.
func (r *Recorder) RecordPairwiseAnswer(var1, var2, answer, rawDescription string, latencyMs float64, errText string, wasNormalized bool) {
	r.mu.Lock()
	r.pairwise.TotalPairs++
	r.pairwise.latencyMs = append(r.pairwise.latencyMs, latencyMs)
	switch {
	case errText != "":
		r.pairwise.PairsException++
	case answer == "A":
		r.pairwise.PairsA++
	case answer == "B":
		r.pairwise.PairsB++
	case answer == "C":
		r.pairwise.PairsC++
	default:
		r.pairwise.PairsParseFail++
	}
	if wasNormalized {
		r.pairwise.PairsNormalized++
	}
	if len(r.pairwise.rawOutputs) < rawOutputCap {
		r.pairwise.rawOutputs = append(r.pairwise.rawOutputs, RawPairOutput{
			Var1:           var1,
			Var2:           var2,
			AnswerParsed:   answer,
			RawDescription: truncate(rawDescription, 500),
			LatencyMs:      round(latencyMs, 1),
			Error:          errText,
		})
	}
	r.mu.Unlock()
	r.Record("pairwise", "pair_result", map[string]interface{}{
		"var1": var1, "var2": var2, "answer": answer,
		"was_normalized": wasNormalized, "latency_ms": round(latencyMs, 1),
	})
}

// ── Verification tracking ────────────────────────────────────────────

// RecordVerificationSubmitted records a batch of edges entering the
// verification loop.
func (r *Recorder) RecordVerificationSubmitted(n int) {
	r.mu.Lock()
	r.verification.TotalEdgesSubmitted += n
	r.dropout.SubmittedToVerification += n
	r.mu.Unlock()
	r.Record("verification", "edges_submitted", map[string]interface{}{"count": n})
}

// RecordVerificationVerdict records one grounding judge round trip.
func (r *Recorder) RecordVerificationVerdict(fromVar, toVar string, iteration int, isGrounded bool, confidence float64, supportType string, hasRefinement bool, evidenceChunks, evidenceChars int) {
	r.mu.Lock()
	r.verification.TotalJudgeCalls++
	r.verification.verdictConfidences = append(r.verification.verdictConfidences, confidence)
	r.mu.Unlock()
	r.Record("verification", "judge_verdict", map[string]interface{}{
		"edge":                 fromVar + "->" + toVar,
		"iteration":            iteration,
		"is_grounded":          isGrounded,
		"confidence":           confidence,
		"support_type":         supportType,
		"has_refinement":       hasRefinement,
		"evidence_chunk_count": evidenceChunks,
		"evidence_block_chars": evidenceChars,
	})
}

// RecordAdversarialCall records one adversarial judge round trip.
func (r *Recorder) RecordAdversarialCall(fromVar, toVar string, stillGrounded bool, confidence float64) {
	r.mu.Lock()
	r.verification.TotalAdversarialCalls++
	if !stillGrounded {
		r.verification.AdversarialRejections++
	}
	r.mu.Unlock()
	r.Record("verification", "adversarial_verdict", map[string]interface{}{
		"edge": fromVar + "->" + toVar, "still_grounded": stillGrounded, "confidence": confidence,
	})
}

// RecordVerificationFinal records the terminal outcome of one edge.
func (r *Recorder) RecordVerificationFinal(fromVar, toVar string, grounded bool, rejectionReason string, iterationsUsed int) {
	r.mu.Lock()
	if grounded {
		r.verification.GroundedCount++
		r.dropout.GroundedByVerification++
	} else {
		r.verification.RejectedCount++
		r.dropout.RejectedByVerification++
		reason := rejectionReason
		if reason == "" {
			reason = "unknown"
		}
		switch reason {
		case "no_evidence":
			r.verification.NoEvidenceCount++
		case "exhausted_iterations":
			r.verification.ExhaustedIterations++
		}
		if len(r.verification.RejectionReasons) < rejectionReasonCap {
			r.verification.RejectionReasons = append(r.verification.RejectionReasons, RejectionReason{
				Edge:       fromVar + "->" + toVar,
				Reason:     reason,
				Iterations: iterationsUsed,
			})
		}
	}
	r.mu.Unlock()
	r.Record("verification", "final", map[string]interface{}{
		"edge": fromVar + "->" + toVar, "grounded": grounded,
		"rejection_reason": rejectionReason, "iterations_used": iterationsUsed,
	})
}

// RecordDuplicateQueryBreak records an early loop termination caused by
// the judge suggesting the same refinement query twice in a row.
func (r *Recorder) RecordDuplicateQueryBreak(fromVar, toVar, query string) {
	r.mu.Lock()
	r.verification.DuplicateQueryBreaks++
	r.mu.Unlock()
	r.Record("verification", "duplicate_query_break", map[string]interface{}{
		"edge": fromVar + "->" + toVar, "query": truncate(query, 200),
	})
}

// ── Variable and graph tracking ──────────────────────────────────────

// SetVariableCounts records variable survival through canonicalization.
func (r *Recorder) SetVariableCounts(raw, canonical, added int) {
	r.mu.Lock()
	r.variables = VariableCounts{
		RawDiscovered:         raw,
		AfterCanonicalization: canonical,
		AddedToEngine:         added,
	}
	r.mu.Unlock()
}

// RecordVarIDResolveMiss records a variable-id lookup that needed fuzzy
// matching (or failed entirely).
func (r *Recorder) RecordVarIDResolveMiss(rawID, resolvedID, matchType string) {
	r.mu.Lock()
	if len(r.resolveMisses) < resolveMissCap {
		r.resolveMisses = append(r.resolveMisses, ResolveMiss{
			RawID: rawID, ResolvedID: resolvedID, MatchType: matchType,
		})
	}
	r.mu.Unlock()
	r.Record("graph", "var_id_resolve_miss", map[string]interface{}{
		"raw_id": rawID, "resolved_id": resolvedID, "match_type": matchType,
	})
}

// SetEvidenceCacheSize records the retriever's query-cache size.
func (r *Recorder) SetEvidenceCacheSize(n int) {
	r.mu.Lock()
	r.evidenceCacheSize = n
	r.mu.Unlock()
}

// ── Dropout cascade mutators ─────────────────────────────────────────

// AddPairwiseProposed adds draft edges proposed by the pairwise stage.
func (r *Recorder) AddPairwiseProposed(n int) {
	r.mu.Lock()
	r.dropout.PairwiseProposed += n
	r.mu.Unlock()
}

// AddExtractorProposed adds draft edges proposed by the extraction stage.
func (r *Recorder) AddExtractorProposed(n int) {
	r.mu.Lock()
	r.dropout.ExtractorProposed += n
	r.mu.Unlock()
}

// SetAfterDedup records the draft edge count surviving deduplication.
func (r *Recorder) SetAfterDedup(n int) {
	r.mu.Lock()
	r.dropout.TotalAfterDedup = n
	r.mu.Unlock()
}

// SetAfterMechanismSynthesis records the edge count after mechanism synthesis.
func (r *Recorder) SetAfterMechanismSynthesis(n int) {
	r.mu.Lock()
	r.dropout.AfterMechanismSynthesis = n
	r.mu.Unlock()
}

// RecordGraphAddError counts an edge lost at graph insertion.
func (r *Recorder) RecordGraphAddError(kind string) {
	r.mu.Lock()
	switch kind {
	case "node_not_found":
		r.dropout.NodeNotFoundErrors++
	case "cycle_detected":
		r.dropout.CycleDetectedErrors++
	default:
		r.dropout.OtherAddErrors++
	}
	r.mu.Unlock()
	r.Record("graph", "edge_add_error", map[string]interface{}{"kind": kind})
}

// SetFinalEdgeCount records the final number of edges in the graph.
func (r *Recorder) SetFinalEdgeCount(n int) {
	r.mu.Lock()
	r.dropout.FinalEdgesInGraph = n
	r.mu.Unlock()
}

// ── Accessors used by tests and the summary ──────────────────────────

// LLM returns a copy of the LLM counter.
func (r *Recorder) LLM() LLMCounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.llm
	c.CallsByModel = copyIntMap(r.llm.CallsByModel)
	c.latencySamplesMs = append([]float64(nil), r.llm.latencySamplesMs...)
	return c
}

// Pairwise returns a copy of the pairwise counter.
func (r *Recorder) Pairwise() PairwiseCounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.pairwise
	c.rawOutputs = append([]RawPairOutput(nil), r.pairwise.rawOutputs...)
	c.latencyMs = append([]float64(nil), r.pairwise.latencyMs...)
	return c
}

// Verification returns a copy of the verification counter.
func (r *Recorder) Verification() VerificationCounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.verification
	c.RejectionReasons = append([]RejectionReason(nil), r.verification.RejectionReasons...)
	c.verdictConfidences = append([]float64(nil), r.verification.verdictConfidences...)
	return c
}

// Dropout returns a copy of the edge dropout tracker.
func (r *Recorder) Dropout() EdgeDropout {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropout
}

// Events returns a copy of the event log.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// EventCount returns how many events match the given stage and event name.
func (r *Recorder) EventCount(stage, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Stage == stage && ev.Event == event {
			n++
		}
	}
	return n
}

func copyIntMap(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
