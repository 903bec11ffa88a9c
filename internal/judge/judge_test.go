package judge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"causeway/internal/evidence"
	"causeway/internal/telemetry"
)

// fakeOracle returns canned responses and captures prompts.
type fakeOracle struct {
	responses []string
	err       error
	calls     int
	systems   []string
	prompts   []string
}

func (f *fakeOracle) GenerateStructured(_ context.Context, systemPrompt, userPrompt string, _ map[string]interface{}) (string, error) {
	f.calls++
	f.systems = append(f.systems, systemPrompt)
	f.prompts = append(f.prompts, userPrompt)
	if f.err != nil {
		return "", f.err
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func TestEvaluateGroundedVerdict(t *testing.T) {
	fake := &fakeOracle{responses: []string{
		`{"is_grounded": true, "support_type": "direct_causal", "supporting_quote": "rain causes floods", "confidence": 0.85}`,
	}}
	tel := telemetry.New()
	j := New(fake, tel)

	chunks := []evidence.Chunk{
		{Source: "report.txt", Location: "paragraph 2", Content: "Heavy rain causes floods in the valley."},
	}
	verdict, err := j.Evaluate(context.Background(), "rain", "floods", "water accumulation", chunks, 1)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !verdict.IsGrounded || verdict.SupportType != SupportDirectCausal {
		t.Fatalf("verdict = %+v", verdict)
	}
	if verdict.Confidence != 0.85 {
		t.Fatalf("confidence = %v", verdict.Confidence)
	}

	v := tel.Verification()
	if v.TotalJudgeCalls != 1 {
		t.Fatalf("TotalJudgeCalls = %d, want 1", v.TotalJudgeCalls)
	}

	// The prompt must carry the edge and the numbered evidence block.
	prompt := fake.prompts[0]
	for _, want := range []string{"**Cause variable:** rain", "**Effect variable:** floods",
		"water accumulation", "### Chunk 1 [report.txt — paragraph 2]"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.Contains(fake.systems[0], "causal-inference verifier") {
		t.Error("grounding system prompt not used")
	}
}

func TestEvaluateNoEvidenceBlock(t *testing.T) {
	fake := &fakeOracle{responses: []string{
		`{"is_grounded": false, "support_type": "irrelevant", "rejection_reason": "nothing retrieved", "confidence": 0.9}`,
	}}
	j := New(fake, telemetry.New())

	verdict, err := j.Evaluate(context.Background(), "a", "b", "m", nil, 1)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if verdict.IsGrounded {
		t.Fatal("expected ungrounded verdict")
	}
	if !strings.Contains(fake.prompts[0], "(no evidence retrieved)") {
		t.Error("empty evidence must render as (no evidence retrieved)")
	}
}

func TestEvaluateSchemaViolation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "I think the answer is yes"},
		{"bad support type", `{"is_grounded": true, "support_type": "maybe", "confidence": 0.5}`},
		{"confidence out of range", `{"is_grounded": true, "support_type": "direct_causal", "confidence": 1.7}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeOracle{responses: []string{tc.raw}}
			j := New(fake, telemetry.New())

			_, err := j.Evaluate(context.Background(), "a", "b", "m", nil, 1)
			var sv *SchemaViolationError
			if !errors.As(err, &sv) {
				t.Fatalf("expected SchemaViolationError, got %v", err)
			}
		})
	}
}

func TestEvaluateHandlesFencedJSON(t *testing.T) {
	fake := &fakeOracle{responses: []string{
		"```json\n{\"is_grounded\": true, \"support_type\": \"direct_causal\", \"confidence\": 0.6}\n```",
	}}
	j := New(fake, telemetry.New())

	verdict, err := j.Evaluate(context.Background(), "a", "b", "m", nil, 1)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !verdict.IsGrounded {
		t.Fatal("expected grounded verdict from fenced JSON")
	}
}

func TestEvaluateAdversarial(t *testing.T) {
	fake := &fakeOracle{responses: []string{
		`{"still_grounded": false, "alternative_explanations": ["confounder: season"], "assumptions_required": ["no selection bias"], "conditions": [], "confidence": 0.7}`,
	}}
	tel := telemetry.New()
	j := New(fake, tel)

	verdict, err := j.EvaluateAdversarial(context.Background(), "ice cream sales", "drownings", "none plausible", "both rise in summer")
	if err != nil {
		t.Fatalf("EvaluateAdversarial failed: %v", err)
	}
	if verdict.StillGrounded {
		t.Fatal("expected adversarial rejection")
	}
	if len(verdict.AlternativeExplanations) != 1 {
		t.Fatalf("alternatives = %v", verdict.AlternativeExplanations)
	}

	v := tel.Verification()
	if v.TotalAdversarialCalls != 1 || v.AdversarialRejections != 1 {
		t.Fatalf("adversarial counters: %+v", v)
	}
	if !strings.Contains(fake.systems[0], "devil's advocate") {
		t.Error("adversarial system prompt not used")
	}
	if !strings.Contains(fake.prompts[0], "both rise in summer") {
		t.Error("supporting quote missing from prompt")
	}
}

func TestEvaluateAdversarialMissingQuote(t *testing.T) {
	fake := &fakeOracle{responses: []string{
		`{"still_grounded": true, "confidence": 0.8}`,
	}}
	j := New(fake, telemetry.New())

	if _, err := j.EvaluateAdversarial(context.Background(), "a", "b", "m", ""); err != nil {
		t.Fatalf("EvaluateAdversarial failed: %v", err)
	}
	if !strings.Contains(fake.prompts[0], "(no quote extracted)") {
		t.Error("empty quote must render as placeholder")
	}
}

func TestEvaluateOracleError(t *testing.T) {
	fake := &fakeOracle{err: errors.New("transport down")}
	j := New(fake, telemetry.New())

	if _, err := j.Evaluate(context.Background(), "a", "b", "m", nil, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestFormatEvidenceNumbering(t *testing.T) {
	chunks := []evidence.Chunk{
		{Source: "a.txt", Location: "paragraph 1", Content: "first"},
		{DocID: "doc-2", Content: "second"},
	}
	block := formatEvidence(chunks)
	if !strings.Contains(block, "### Chunk 1 [a.txt — paragraph 1]") {
		t.Errorf("bad block:\n%s", block)
	}
	if !strings.Contains(block, "### Chunk 2 [doc-2 — unknown location]") {
		t.Errorf("fallback source/location not used:\n%s", block)
	}
}
