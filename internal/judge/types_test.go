package judge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdictValid(t *testing.T) {
	var v VerificationVerdict
	err := parseVerdict(`{
		"is_grounded": true,
		"support_type": "direct_causal",
		"supporting_quote": "the rains saturated the soil",
		"confidence": 0.82,
		"suggested_refinement_query": ""
	}`, &v)
	require.NoError(t, err)
	assert.True(t, v.IsGrounded)
	assert.Equal(t, SupportDirectCausal, v.SupportType)
	assert.InDelta(t, 0.82, v.Confidence, 1e-9)
}

func TestParseVerdictKeepsRawOnViolation(t *testing.T) {
	raw := `{"is_grounded": true, "support_type": "definitely", "confidence": 0.5}`
	var v VerificationVerdict
	err := parseVerdict(raw, &v)
	require.Error(t, err)
	sv, ok := err.(*SchemaViolationError)
	require.True(t, ok, "want SchemaViolationError, got %T", err)
	assert.Equal(t, raw, sv.Raw)
	assert.Contains(t, sv.Detail, "support_type")
}

func TestAdversarialVerdictValidate(t *testing.T) {
	good := AdversarialVerdict{StillGrounded: true, Confidence: 0.5}
	require.NoError(t, good.Validate())

	bad := AdversarialVerdict{StillGrounded: true, Confidence: -0.1}
	require.Error(t, bad.Validate())
}

func TestStripJSONFences(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"  {\"a\": 1}  ", `{"a": 1}`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, stripJSONFences(tc.in))
	}
}

func TestSchemaViolationErrorTruncatesRaw(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	e := &SchemaViolationError{Detail: "bad", Raw: string(long)}
	assert.Less(t, len(e.Error()), 300)
}

func TestVerdictSchemasDeclareRequiredFields(t *testing.T) {
	vs := verificationVerdictSchema()
	require.ElementsMatch(t,
		[]string{"is_grounded", "support_type", "confidence"},
		vs["required"].([]string))

	as := adversarialVerdictSchema()
	require.ElementsMatch(t,
		[]string{"still_grounded", "confidence"},
		as["required"].([]string))
}
