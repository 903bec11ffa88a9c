// Package judge evaluates whether retrieved evidence actually supports
// a proposed causal edge. Two modes: the grounding judge asks "does
// this evidence support the claim?", the adversarial judge assumes the
// claim is spurious and hunts for alternative explanations.
package judge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SupportType classifies how the evidence relates to the causal claim.
type SupportType string

const (
	SupportDirectCausal    SupportType = "direct_causal"
	SupportCorrelationOnly SupportType = "correlation_only"
	SupportIrrelevant      SupportType = "irrelevant"
)

// VerificationVerdict is the structured output of the grounding judge.
// Produced fresh each round; never mutated.
type VerificationVerdict struct {
	IsGrounded               bool        `json:"is_grounded"`
	SupportType              SupportType `json:"support_type"`
	SupportingQuote          string      `json:"supporting_quote,omitempty"`
	RejectionReason          string      `json:"rejection_reason,omitempty"`
	Confidence               float64     `json:"confidence"`
	SuggestedRefinementQuery string      `json:"suggested_refinement_query,omitempty"`
}

// AdversarialVerdict is the structured output of the devil's-advocate
// judge. Only produced for edges that passed grounding with high
// confidence.
type AdversarialVerdict struct {
	StillGrounded           bool     `json:"still_grounded"`
	AlternativeExplanations []string `json:"alternative_explanations"`
	AssumptionsRequired     []string `json:"assumptions_required"`
	Conditions              []string `json:"conditions"`
	Confidence              float64  `json:"confidence"`
}

// SchemaViolationError marks a judge response that deserialized but
// failed field validation, or did not deserialize at all. It is
// distinguishable from transport errors so callers can count it
// separately.
type SchemaViolationError struct {
	Detail string
	Raw    string
}

func (e *SchemaViolationError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return fmt.Sprintf("judge response violated schema: %s (raw: %s)", e.Detail, raw)
}

// Validate checks field-level constraints immediately after
// deserialization so a partially valid verdict never escapes.
func (v *VerificationVerdict) Validate() error {
	switch v.SupportType {
	case SupportDirectCausal, SupportCorrelationOnly, SupportIrrelevant:
	default:
		return &SchemaViolationError{Detail: fmt.Sprintf("invalid support_type %q", v.SupportType)}
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return &SchemaViolationError{Detail: fmt.Sprintf("confidence %v out of [0,1]", v.Confidence)}
	}
	return nil
}

// Validate checks field-level constraints on an adversarial verdict.
func (v *AdversarialVerdict) Validate() error {
	if v.Confidence < 0 || v.Confidence > 1 {
		return &SchemaViolationError{Detail: fmt.Sprintf("confidence %v out of [0,1]", v.Confidence)}
	}
	return nil
}

// parseVerdict deserializes and validates one judge response.
func parseVerdict[T interface{ Validate() error }](raw string, out T) error {
	cleaned := stripJSONFences(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return &SchemaViolationError{Detail: err.Error(), Raw: raw}
	}
	if err := out.Validate(); err != nil {
		if sv, ok := err.(*SchemaViolationError); ok {
			sv.Raw = raw
		}
		return err
	}
	return nil
}

// stripJSONFences removes a markdown code fence if the model wrapped
// its JSON in one despite instructions.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// verificationVerdictSchema is the response schema sent to the model
// for the grounding judge.
func verificationVerdictSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"is_grounded": map[string]interface{}{
				"type":        "boolean",
				"description": "True if the evidence explicitly supports a causal link",
			},
			"support_type": map[string]interface{}{
				"type": "string",
				"enum": []string{"direct_causal", "correlation_only", "irrelevant"},
			},
			"supporting_quote": map[string]interface{}{
				"type":        "string",
				"description": "Exact verbatim quote from the evidence that supports the claim",
			},
			"rejection_reason": map[string]interface{}{
				"type":        "string",
				"description": "Why the evidence does not support the causal claim",
			},
			"confidence": map[string]interface{}{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
			"suggested_refinement_query": map[string]interface{}{
				"type":        "string",
				"description": "A better search query to find supporting evidence, or omitted if none exists",
			},
		},
		"required": []string{"is_grounded", "support_type", "confidence"},
	}
}

// adversarialVerdictSchema is the response schema for the adversarial judge.
func adversarialVerdictSchema() map[string]interface{} {
	stringList := map[string]interface{}{
		"type":  "array",
		"items": map[string]interface{}{"type": "string"},
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"still_grounded": map[string]interface{}{
				"type":        "boolean",
				"description": "True if the causal claim survives adversarial scrutiny",
			},
			"alternative_explanations": stringList,
			"assumptions_required":     stringList,
			"conditions":               stringList,
			"confidence": map[string]interface{}{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
		},
		"required": []string{"still_grounded", "confidence"},
	}
}
