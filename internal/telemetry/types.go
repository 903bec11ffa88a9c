// Package telemetry provides lightweight, non-destructive telemetry for the
// world-model building pipeline. It records timestamped events, LLM call
// metrics, edge dropout statistics, and raw pairwise outputs so that a
// post-hoc root-cause analysis can identify exactly where time is spent and
// where edges are lost.
//
// A Recorder is explicitly constructed once per pipeline run and passed to
// every component that needs it. All mutation methods are safe to call from
// many concurrent verification rounds at once.
package telemetry

import "time"

// rawOutputCap bounds the retained raw pairwise samples in the dump artifact.
const rawOutputCap = 200

// rejectionReasonCap bounds the rejection reasons kept in the summary.
const rejectionReasonCap = 50

// resolveMissCap bounds the var-id resolve misses kept in the summary.
const resolveMissCap = 30

// Event is a single telemetry data-point. Events are write-once and
// ordered by their monotonic timestamp.
type Event struct {
	Stage     string
	Event     string
	At        time.Time // monotonic reading for latency math
	WallClock string    // ISO-8601 for human readability
	Data      map[string]interface{}
}

// LLMCounter accumulates stats for LLM calls.
type LLMCounter struct {
	TotalCalls           int
	TotalPromptChars     int
	TotalCompletionChars int
	TotalPromptTokensEst int // len(text) / 4
	TotalRetries         int
	TotalErrors          int
	TotalQuotaErrors     int
	TotalFallbacks       int // native structured output → prompt-injected JSON
	CallsByModel         map[string]int
	latencySamplesMs     []float64
}

// PairwiseCounter holds stats for the O(n²) pairwise proposer stage.
type PairwiseCounter struct {
	TotalPairs      int
	PairsA          int // var1 → var2
	PairsB          int // var2 → var1
	PairsC          int // no relationship
	PairsNormalized int // answers recovered via normalization (were not exact A/B/C)
	PairsParseFail  int
	PairsException  int
	rawOutputs      []RawPairOutput
	latencyMs       []float64
}

// RawPairOutput is one retained raw pairwise sample for forensic analysis.
type RawPairOutput struct {
	Var1           string  `json:"var1"`
	Var2           string  `json:"var2"`
	AnswerParsed   string  `json:"answer_parsed"`
	RawDescription string  `json:"raw_description"`
	LatencyMs      float64 `json:"latency_ms"`
	Error          string  `json:"error,omitempty"`
}

// VerificationCounter holds stats for the verification loop.
type VerificationCounter struct {
	TotalEdgesSubmitted   int
	TotalJudgeCalls       int
	TotalAdversarialCalls int
	GroundedCount         int
	RejectedCount         int
	NoEvidenceCount       int
	ExhaustedIterations   int
	DuplicateQueryBreaks  int
	AdversarialRejections int
	RejectionReasons      []RejectionReason
	verdictConfidences    []float64
}

// RejectionReason records why one edge was rejected.
type RejectionReason struct {
	Edge       string `json:"edge"`
	Reason     string `json:"reason"`
	Iterations int    `json:"iterations"`
}

// EdgeDropout tracks where edges are lost across stages, from initial
// proposal through final graph inclusion.
type EdgeDropout struct {
	PairwiseProposed        int `json:"pywhyllm_proposed"`
	ExtractorProposed       int `json:"langextract_proposed"`
	TotalAfterDedup         int `json:"total_after_dedup"`
	AfterMechanismSynthesis int `json:"after_mechanism_synthesis"`
	SubmittedToVerification int `json:"submitted_to_verification"`
	GroundedByVerification  int `json:"grounded_by_verification"`
	RejectedByVerification  int `json:"rejected_by_verification"`
	NodeNotFoundErrors      int `json:"node_not_found_errors"`
	CycleDetectedErrors     int `json:"cycle_detected_errors"`
	OtherAddErrors          int `json:"other_add_errors"`
	FinalEdgesInGraph       int `json:"final_edges_in_graph"`
}

// ResolveMiss records a variable-id resolution that did not match exactly.
type ResolveMiss struct {
	RawID      string `json:"raw_id"`
	ResolvedID string `json:"resolved_id"`
	MatchType  string `json:"match_type"`
}

// VariableCounts tracks variable survival through canonicalization.
type VariableCounts struct {
	RawDiscovered         int `json:"raw_discovered"`
	AfterCanonicalization int `json:"after_canonicalization"`
	AddedToEngine         int `json:"added_to_engine"`
}
