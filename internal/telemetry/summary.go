package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"causeway/internal/logging"
)

// Summary is a fully computed, serializable snapshot of the run. Keys are
// stable: downstream tooling parses the dumped artifact by these names.
type Summary struct {
	RunStartUTC           string             `json:"run_start_utc"`
	TotalRunSeconds       float64            `json:"total_run_seconds"`
	StageDurationsSeconds map[string]float64 `json:"stage_durations_seconds"`
	Variables             VariableCounts     `json:"variables"`
	LLMCalls              LLMSummary         `json:"llm_calls"`
	Pairwise              PairwiseSummary    `json:"pywhyllm_pairwise"`
	EdgeDropout           EdgeDropout        `json:"edge_dropout"`
	Verification          VerifySummary      `json:"verification"`
	VarIDResolveMisses    []ResolveMiss      `json:"var_id_resolve_misses"`
	EvidenceCacheSize     int                `json:"evidence_cache_size"`
}

// LLMSummary aggregates oracle call statistics.
type LLMSummary struct {
	Total                      int            `json:"total"`
	ByModel                    map[string]int `json:"by_model"`
	TotalPromptChars           int            `json:"total_prompt_chars"`
	TotalCompletionChars       int            `json:"total_completion_chars"`
	EstTotalPromptTokens       int            `json:"est_total_prompt_tokens"`
	AvgLatencyMs               float64        `json:"avg_latency_ms"`
	Retries                    int            `json:"retries"`
	Errors                     int            `json:"errors"`
	QuotaErrors                int            `json:"quota_errors"`
	FallbacksToPromptInjection int            `json:"fallbacks_to_prompt_injection"`
}

// PairwiseSummary aggregates the O(n²) pairwise stage.
type PairwiseSummary struct {
	TotalPairs                       int     `json:"total_pairs"`
	EdgesFoundA                      int     `json:"edges_found_A"`
	EdgesFoundB                      int     `json:"edges_found_B"`
	NoRelationshipC                  int     `json:"no_relationship_C"`
	AnswersRecoveredViaNormalization int     `json:"answers_recovered_via_normalization"`
	ParseFailures                    int     `json:"parse_failures"`
	Exceptions                       int     `json:"exceptions"`
	AvgLatencyMs                     float64 `json:"avg_latency_ms"`
}

// VerifySummary aggregates the verification loop.
type VerifySummary struct {
	EdgesSubmitted        int               `json:"edges_submitted"`
	JudgeCalls            int               `json:"judge_calls"`
	AdversarialCalls      int               `json:"adversarial_calls"`
	Grounded              int               `json:"grounded"`
	Rejected              int               `json:"rejected"`
	NoEvidenceRetrievals  int               `json:"no_evidence_retrievals"`
	ExhaustedIterations   int               `json:"exhausted_iterations"`
	DuplicateQueryBreaks  int               `json:"duplicate_query_breaks"`
	AdversarialRejections int               `json:"adversarial_rejections"`
	AvgVerdictConfidence  float64           `json:"avg_verdict_confidence"`
	RejectionReasons      []RejectionReason `json:"rejection_reasons"`
}

// Summary derives a consistent snapshot without mutating state. It is safe
// to call at any time, including mid-run, and is idempotent in the absence
// of intervening mutations.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.stageDurations))
	for k, v := range r.stageDurations {
		durations[k] = round(v, 2)
	}

	s := Summary{
		RunStartUTC:           r.runStartWall,
		TotalRunSeconds:       round(time.Since(r.runStart).Seconds(), 2),
		StageDurationsSeconds: durations,
		Variables:             r.variables,
		LLMCalls: LLMSummary{
			Total:                      r.llm.TotalCalls,
			ByModel:                    copyIntMap(r.llm.CallsByModel),
			TotalPromptChars:           r.llm.TotalPromptChars,
			TotalCompletionChars:       r.llm.TotalCompletionChars,
			EstTotalPromptTokens:       r.llm.TotalPromptTokensEst,
			AvgLatencyMs:               round(mean(r.llm.latencySamplesMs), 1),
			Retries:                    r.llm.TotalRetries,
			Errors:                     r.llm.TotalErrors,
			QuotaErrors:                r.llm.TotalQuotaErrors,
			FallbacksToPromptInjection: r.llm.TotalFallbacks,
		},
		Pairwise: PairwiseSummary{
			TotalPairs:                       r.pairwise.TotalPairs,
			EdgesFoundA:                      r.pairwise.PairsA,
			EdgesFoundB:                      r.pairwise.PairsB,
			NoRelationshipC:                  r.pairwise.PairsC,
			AnswersRecoveredViaNormalization: r.pairwise.PairsNormalized,
			ParseFailures:                    r.pairwise.PairsParseFail,
			Exceptions:                       r.pairwise.PairsException,
			AvgLatencyMs:                     round(mean(r.pairwise.latencyMs), 1),
		},
		EdgeDropout: r.dropout,
		Verification: VerifySummary{
			EdgesSubmitted:        r.verification.TotalEdgesSubmitted,
			JudgeCalls:            r.verification.TotalJudgeCalls,
			AdversarialCalls:      r.verification.TotalAdversarialCalls,
			Grounded:              r.verification.GroundedCount,
			Rejected:              r.verification.RejectedCount,
			NoEvidenceRetrievals:  r.verification.NoEvidenceCount,
			ExhaustedIterations:   r.verification.ExhaustedIterations,
			DuplicateQueryBreaks:  r.verification.DuplicateQueryBreaks,
			AdversarialRejections: r.verification.AdversarialRejections,
			AvgVerdictConfidence:  round(mean(r.verification.verdictConfidences), 3),
			RejectionReasons:      append([]RejectionReason(nil), r.verification.RejectionReasons...),
		},
		VarIDResolveMisses: append([]ResolveMiss(nil), r.resolveMisses...),
		EvidenceCacheSize:  r.evidenceCacheSize,
	}
	return s
}

// dumpEvent is the serialized form of an Event in the artifact.
type dumpEvent struct {
	Stage             string                 `json:"stage"`
	Event             string                 `json:"event"`
	WallClock         string                 `json:"wall_clock"`
	ElapsedSinceStart float64                `json:"elapsed_since_start"`
	Data              map[string]interface{} `json:"data"`
}

// dumpPayload is the single artifact written by Dump.
type dumpPayload struct {
	Summary    Summary         `json:"summary"`
	RawOutputs []RawPairOutput `json:"pywhyllm_raw_outputs"`
	Events     []dumpEvent     `json:"events"`
}

// Dump persists {summary, raw pairwise outputs, full event log} as a
// single JSON artifact and returns the resolved path. Missing parent
// directories are created.
func (r *Recorder) Dump(path string) (string, error) {
	summary := r.Summary()

	r.mu.Lock()
	raw := append([]RawPairOutput(nil), r.pairwise.rawOutputs...)
	events := make([]dumpEvent, len(r.events))
	for i, ev := range r.events {
		events[i] = dumpEvent{
			Stage:             ev.Stage,
			Event:             ev.Event,
			WallClock:         ev.WallClock,
			ElapsedSinceStart: round(ev.At.Sub(r.runStart).Seconds(), 3),
			Data:              ev.Data,
		}
	}
	r.mu.Unlock()

	payload := dumpPayload{Summary: summary, RawOutputs: raw, Events: events}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create dump directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if err := os.WriteFile(absPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write telemetry: %w", err)
	}

	logging.Telemetry("Full telemetry dumped to %s", absPath)
	return absPath, nil
}

// PrintSummary renders a fixed-width human-readable report from the same
// summary data.
func (r *Recorder) PrintSummary() string {
	s := r.Summary()
	var b strings.Builder
	rule := strings.Repeat("=", 72)

	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, " PIPELINE TELEMETRY SUMMARY")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Total run time:    %.1fs\n\n", s.TotalRunSeconds)

	fmt.Fprintln(&b, "── Stage Durations ──")
	for stage, dur := range s.StageDurationsSeconds {
		pct := dur / math.Max(s.TotalRunSeconds, 0.001) * 100
		fmt.Fprintf(&b, "  %-30s  %8.1fs  (%5.1f%%)\n", stage, dur, pct)
	}

	fmt.Fprintf(&b, "\n── Variables ──\n")
	fmt.Fprintf(&b, "  Raw discovered:          %d\n", s.Variables.RawDiscovered)
	fmt.Fprintf(&b, "  After canonicalization:  %d\n", s.Variables.AfterCanonicalization)
	fmt.Fprintf(&b, "  Added to engine:         %d\n", s.Variables.AddedToEngine)

	fmt.Fprintf(&b, "\n── LLM Calls ──\n")
	fmt.Fprintf(&b, "  Total calls:     %d\n", s.LLMCalls.Total)
	fmt.Fprintf(&b, "  By model:        %v\n", s.LLMCalls.ByModel)
	fmt.Fprintf(&b, "  Avg latency:     %.0fms\n", s.LLMCalls.AvgLatencyMs)
	fmt.Fprintf(&b, "  Retries:         %d\n", s.LLMCalls.Retries)
	fmt.Fprintf(&b, "  Errors:          %d\n", s.LLMCalls.Errors)
	fmt.Fprintf(&b, "  Quota errors:    %d\n", s.LLMCalls.QuotaErrors)
	fmt.Fprintf(&b, "  Fallbacks:       %d\n", s.LLMCalls.FallbacksToPromptInjection)

	fmt.Fprintf(&b, "\n── Pairwise Proposals ──\n")
	fmt.Fprintf(&b, "  Total pairs:     %d\n", s.Pairwise.TotalPairs)
	fmt.Fprintf(&b, "  A (var1→var2):   %d\n", s.Pairwise.EdgesFoundA)
	fmt.Fprintf(&b, "  B (var2→var1):   %d\n", s.Pairwise.EdgesFoundB)
	fmt.Fprintf(&b, "  C (no relation): %d\n", s.Pairwise.NoRelationshipC)
	fmt.Fprintf(&b, "  Recovered:       %d\n", s.Pairwise.AnswersRecoveredViaNormalization)
	fmt.Fprintf(&b, "  Parse failures:  %d\n", s.Pairwise.ParseFailures)
	fmt.Fprintf(&b, "  Exceptions:      %d\n", s.Pairwise.Exceptions)
	fmt.Fprintf(&b, "  Avg latency:     %.0fms\n", s.Pairwise.AvgLatencyMs)

	fmt.Fprintf(&b, "\n── Edge Dropout Cascade ──\n")
	fmt.Fprintf(&b, "  Pairwise proposed:           %d\n", s.EdgeDropout.PairwiseProposed)
	fmt.Fprintf(&b, "  Extractor proposed:          %d\n", s.EdgeDropout.ExtractorProposed)
	fmt.Fprintf(&b, "  After dedup:                 %d\n", s.EdgeDropout.TotalAfterDedup)
	fmt.Fprintf(&b, "  Submitted to verification:   %d\n", s.EdgeDropout.SubmittedToVerification)
	fmt.Fprintf(&b, "  Grounded by verification:    %d\n", s.EdgeDropout.GroundedByVerification)
	fmt.Fprintf(&b, "  Rejected by verification:    %d\n", s.EdgeDropout.RejectedByVerification)
	fmt.Fprintf(&b, "  NodeNotFound errors:         %d\n", s.EdgeDropout.NodeNotFoundErrors)
	fmt.Fprintf(&b, "  CycleDetected errors:        %d\n", s.EdgeDropout.CycleDetectedErrors)
	fmt.Fprintf(&b, "  Other add errors:            %d\n", s.EdgeDropout.OtherAddErrors)
	fmt.Fprintf(&b, "  Final edges in graph:        %d\n", s.EdgeDropout.FinalEdgesInGraph)

	fmt.Fprintf(&b, "\n── Verification ──\n")
	fmt.Fprintf(&b, "  Judge calls:             %d\n", s.Verification.JudgeCalls)
	fmt.Fprintf(&b, "  Adversarial calls:       %d\n", s.Verification.AdversarialCalls)
	fmt.Fprintf(&b, "  Grounded:                %d\n", s.Verification.Grounded)
	fmt.Fprintf(&b, "  Rejected:                %d\n", s.Verification.Rejected)
	fmt.Fprintf(&b, "  No evidence:             %d\n", s.Verification.NoEvidenceRetrievals)
	fmt.Fprintf(&b, "  Exhausted iterations:    %d\n", s.Verification.ExhaustedIterations)
	fmt.Fprintf(&b, "  Duplicate query breaks:  %d\n", s.Verification.DuplicateQueryBreaks)
	fmt.Fprintf(&b, "  Avg verdict confidence:  %.3f\n", s.Verification.AvgVerdictConfidence)

	fmt.Fprintf(&b, "\n── Var ID Resolve Misses ──\n")
	fmt.Fprintf(&b, "  Total: %d\n", len(s.VarIDResolveMisses))
	limit := len(s.VarIDResolveMisses)
	if limit > 10 {
		limit = 10
	}
	for _, miss := range s.VarIDResolveMisses[:limit] {
		fmt.Fprintf(&b, "    %s → %s (%s)\n", miss.RawID, miss.ResolvedID, miss.MatchType)
	}

	fmt.Fprintln(&b, rule)
	return b.String()
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
