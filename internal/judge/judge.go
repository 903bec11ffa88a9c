package judge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"causeway/internal/evidence"
	"causeway/internal/logging"
	"causeway/internal/telemetry"
)

// Oracle is the structured-generation capability the judge needs.
// *oracle.Client satisfies it.
type Oracle interface {
	GenerateStructured(ctx context.Context, systemPrompt, userPrompt string, schema map[string]interface{}) (string, error)
}

const groundingSystem = `You are a causal-inference verifier.
Your task is to determine whether provided evidence TEXT supports a proposed causal relationship.

Rules:
- Accept DIRECT causal evidence (A causes B, A leads to B, A drives B, A results in B) — the evidence must explicitly mention or clearly imply a causal mechanism.
- Accept well-established domain knowledge stated in business plans, strategy documents, or industry analyses (e.g. "marketing increases customer acquisition" is a widely accepted causal claim even without a controlled experiment).
- Accept evidence describing plans, strategies, or projections that express domain-expert causal beliefs — these are valid for initial model construction even if they lack experimental proof.
- If the text only shows two variables co-occurring without ANY implied mechanism or plausible domain-logic connection, classify as "correlation_only" and set is_grounded=false.
- If the text is about unrelated topics, classify as "irrelevant" and set is_grounded=false.
- When is_grounded=true, extract the EXACT verbatim quote (no paraphrasing) as supporting_quote.
- When is_grounded=false and you believe better evidence might exist in the document corpus, suggest a refined search query in suggested_refinement_query. If you do not believe better evidence exists, leave it out.
- Be fair and constructive: for initial graph construction, your primary goal is to identify genuine causal relationships even when evidence is indirect. Accept claims when the evidence plausibly supports a causal link — err on the side of inclusion with an appropriately calibrated confidence score rather than rejecting borderline cases outright.`

const groundingTemplate = `## Proposed Causal Edge
- **Cause variable:** %s
- **Effect variable:** %s
- **Proposed mechanism:** %s

## Retrieved Evidence Chunks
%s

## Task
Does the evidence above explicitly support the claim that **%s** causes **%s** through the mechanism described?
Evaluate carefully and respond with a structured verdict.`

const adversarialSystem = `You are a devil's advocate reviewer for causal claims.
Assume the proposed relationship might be spurious and look for reasons why the evidence might be misleading.

Consider:
- Confounding variables that could explain the association
- Reverse causation (B causes A instead)
- Selection bias in the evidence
- Measurement issues
- Temporal ordering problems

IMPORTANT NUANCE — Evidence types have different standards:
- **Academic / empirical studies**: require rigorous causal evidence.
- **Business plans, projections, strategy documents**: these express domain-expert causal beliefs grounded in industry knowledge. A business plan stating "marketing drives customer acquisition" is a valid causal claim based on established business logic, even if it is forward-looking. Do NOT reject claims merely because they come from a planning or strategy document.
- **Mission statements and aspirational text**: these are weaker but still signal believed causal relationships.

Be thorough but fair — if after scrutiny the claim genuinely holds as a reasonable causal belief supported by the evidence context, set still_grounded=true.`

const adversarialTemplate = `## Proposed Causal Edge
- **Cause variable:** %s
- **Effect variable:** %s
- **Proposed mechanism:** %s
- **Supporting quote:** %s

## Task
Assume this causal relationship is spurious. What alternative explanations could account for the observed evidence? What assumptions must hold for the causal claim to be valid?`

// Judge runs grounding and adversarial verdicts for candidate edges.
// Both operations are pure functions of their inputs plus oracle
// nondeterminism; neither mutates the candidate edge.
type Judge struct {
	oracle Oracle
	tel    *telemetry.Recorder
}

// New creates a judge. client should already target the judge model
// (use oracle.Client.ForModel); it shares the pipeline's permit pool.
func New(client Oracle, tel *telemetry.Recorder) *Judge {
	return &Judge{oracle: client, tel: tel}
}

// Evaluate runs the grounding judge on one edge plus retrieved
// evidence. iteration is the 1-based verification round, recorded with
// the verdict.
func (j *Judge) Evaluate(ctx context.Context, fromVar, toVar, mechanism string, chunks []evidence.Chunk, iteration int) (*VerificationVerdict, error) {
	evidenceBlock := formatEvidence(chunks)
	prompt := fmt.Sprintf(groundingTemplate, fromVar, toVar, mechanism, evidenceBlock, fromVar, toVar)

	logging.VerificationDebug("Judge evaluate %s→%s: prompt_chars=%d evidence_chunks=%d evidence_block_chars=%d",
		fromVar, toVar, len(prompt)+len(groundingSystem), len(chunks), len(evidenceBlock))

	start := time.Now()
	raw, err := j.oracle.GenerateStructured(ctx, groundingSystem, prompt, verificationVerdictSchema())
	if err != nil {
		return nil, fmt.Errorf("grounding judge call failed: %w", err)
	}

	var verdict VerificationVerdict
	if err := parseVerdict(raw, &verdict); err != nil {
		return nil, err
	}

	j.tel.RecordVerificationVerdict(fromVar, toVar, iteration, verdict.IsGrounded,
		verdict.Confidence, string(verdict.SupportType),
		verdict.SuggestedRefinementQuery != "", len(chunks), len(evidenceBlock))

	logging.Verification("Judge verdict for %s→%s: grounded=%t type=%s confidence=%.2f latency=%.1fs refinement=%q",
		fromVar, toVar, verdict.IsGrounded, verdict.SupportType, verdict.Confidence,
		time.Since(start).Seconds(), truncateQuery(verdict.SuggestedRefinementQuery))
	return &verdict, nil
}

// EvaluateAdversarial runs the devil's-advocate judge. Only called for
// edges that passed the grounding judge with high confidence.
func (j *Judge) EvaluateAdversarial(ctx context.Context, fromVar, toVar, mechanism, supportingQuote string) (*AdversarialVerdict, error) {
	if supportingQuote == "" {
		supportingQuote = "(no quote extracted)"
	}
	prompt := fmt.Sprintf(adversarialTemplate, fromVar, toVar, mechanism, supportingQuote)

	start := time.Now()
	raw, err := j.oracle.GenerateStructured(ctx, adversarialSystem, prompt, adversarialVerdictSchema())
	if err != nil {
		return nil, fmt.Errorf("adversarial judge call failed: %w", err)
	}

	var verdict AdversarialVerdict
	if err := parseVerdict(raw, &verdict); err != nil {
		return nil, err
	}

	j.tel.RecordAdversarialCall(fromVar, toVar, verdict.StillGrounded, verdict.Confidence)

	logging.Verification("Adversarial verdict for %s→%s: still_grounded=%t alternatives=%d confidence=%.2f latency=%.1fs",
		fromVar, toVar, verdict.StillGrounded, len(verdict.AlternativeExplanations),
		verdict.Confidence, time.Since(start).Seconds())
	return &verdict, nil
}

// formatEvidence renders chunks as a numbered block for the prompt.
func formatEvidence(chunks []evidence.Chunk) string {
	if len(chunks) == 0 {
		return "(no evidence retrieved)"
	}

	var b strings.Builder
	for i, chunk := range chunks {
		source := chunk.Source
		if source == "" {
			source = chunk.DocID
		}
		loc := chunk.Location
		if loc == "" {
			loc = "unknown location"
		}
		fmt.Fprintf(&b, "### Chunk %d [%s — %s]\n%s\n", i+1, source, loc, chunk.Content)
		if i < len(chunks)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func truncateQuery(q string) string {
	if len(q) > 80 {
		return q[:80]
	}
	return q
}
