package fallback

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cascade/internal/validate"
)

func floatPtr(f float64) *float64 { return &f }

func analysisPolicy() validate.Policy {
	return validate.Policy{
		Required: []string{"ticker", "company_name", "composite_score", "summary"},
		Fields: map[string]validate.FieldRule{
			"ticker":          {Type: validate.TypeString, Strict: true},
			"company_name":    {Type: validate.TypeString, Strict: true},
			"composite_score": {Type: validate.TypeNumber, Min: floatPtr(0), Max: floatPtr(1)},
			"summary":         {Type: validate.TypeString},
		},
		RejectPlaceholders: true,
	}
}

func upstreamFixture() map[string]validate.Output {
	return map[string]validate.Output{
		"analyze_fundamentals": {"ticker": "NVDA", "company_name": "NVIDIA Corporation", "pe_ratio": 34.2},
		"analyze_sentiment":    {"ticker": "NVDA", "sentiment_score": 0.61},
	}
}

func TestSynthesizeSatisfiesPolicy(t *testing.T) {
	raw, err := Synthesize("integrated_analysis", analysisPolicy(), Rule{}, upstreamFixture())
	require.NoError(t, err)

	out, err := validate.Validate(raw, analysisPolicy())
	require.NoError(t, err)

	// strict fields came from upstream, not invention
	assert.Equal(t, "NVDA", out["ticker"])
	assert.Equal(t, "NVIDIA Corporation", out["company_name"])

	score := out["composite_score"].(float64)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestSynthesizeDeterministic(t *testing.T) {
	first, err := Synthesize("integrated_analysis", analysisPolicy(), Rule{}, upstreamFixture())
	require.NoError(t, err)

	for range 5 {
		again, err := Synthesize("integrated_analysis", analysisPolicy(), Rule{}, upstreamFixture())
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestSynthesizeChangesWithUpstream(t *testing.T) {
	base, err := Synthesize("integrated_analysis", analysisPolicy(), Rule{}, upstreamFixture())
	require.NoError(t, err)

	shifted := upstreamFixture()
	shifted["analyze_sentiment"] = validate.Output{"ticker": "NVDA", "sentiment_score": -0.4}
	other, err := Synthesize("integrated_analysis", analysisPolicy(), Rule{}, shifted)
	require.NoError(t, err)

	assert.NotEqual(t, string(base), string(other), "derived values should track upstream content")
}

func TestSynthesizeCopyProjection(t *testing.T) {
	rule := Rule{
		Copy:     map[string]string{"summary": "analyze_fundamentals.company_name"},
		Defaults: map[string]any{"composite_score": 0.5},
	}
	raw, err := Synthesize("integrated_analysis", analysisPolicy(), rule, upstreamFixture())
	require.NoError(t, err)

	out, err := validate.Validate(raw, analysisPolicy())
	require.NoError(t, err)
	assert.Equal(t, "NVIDIA Corporation", out["summary"])
	assert.Equal(t, 0.5, out["composite_score"])
}

func universePolicy() validate.Policy {
	return validate.Policy{
		Required:           []string{"symbols"},
		Fields:             map[string]validate.FieldRule{"symbols": {Type: validate.TypeList}},
		RejectPlaceholders: true,
	}
}

// An empty-list default for a required field can never pass the policy,
// so synthesis must fail rather than hand downstream an empty payload.
func TestSynthesizeRejectsEmptyDefaultForRequiredField(t *testing.T) {
	rule := Rule{Defaults: map[string]any{"symbols": []any{}}}
	_, err := Synthesize("fetch_universe", universePolicy(), rule, nil)

	var serr *SynthesisError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "fetch_universe", serr.TaskID)
}

// Without a default the derivation path produces a non-empty list that
// satisfies the same policy.
func TestSynthesizeDerivesListWithoutDefault(t *testing.T) {
	raw, err := Synthesize("fetch_universe", universePolicy(), Rule{}, nil)
	require.NoError(t, err)

	out, err := validate.Validate(raw, universePolicy())
	require.NoError(t, err)
	assert.NotEmpty(t, out["symbols"])
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"no defaults", Rule{}, false},
		{"non-empty list", Rule{Defaults: map[string]any{"symbols": []any{"SPY"}}}, false},
		{"empty list for required field", Rule{Defaults: map[string]any{"symbols": []any{}}}, true},
		{"wrong type", Rule{Defaults: map[string]any{"symbols": "SPY"}}, true},
		{"placeholder literal", Rule{Defaults: map[string]any{"symbols": []any{"Company A"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRule("fetch_universe", universePolicy(), tt.rule)
			if tt.wantErr {
				var serr *SynthesisError
				require.True(t, errors.As(err, &serr))
				assert.Equal(t, "symbols", serr.Field)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSynthesizeImplicitCopySkipsPlaceholders(t *testing.T) {
	policy := validate.Policy{
		Required:           []string{"summary"},
		Fields:             map[string]validate.FieldRule{"summary": {Type: validate.TypeString}},
		RejectPlaceholders: true,
	}
	upstream := map[string]validate.Output{
		"analyze_fundamentals": {"summary": "Stock A is promising"},
	}

	raw, err := Synthesize("integrated_analysis", policy, Rule{}, upstream)
	require.NoError(t, err)

	out, err := validate.Validate(raw, policy)
	require.NoError(t, err)
	assert.NotEqual(t, "Stock A is promising", out["summary"], "placeholder upstream value must not be copied")
}

func TestSynthesizeStrictFieldWithoutSourceFails(t *testing.T) {
	_, err := Synthesize("integrated_analysis", analysisPolicy(), Rule{}, nil)
	require.Error(t, err)

	var serr *SynthesisError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "integrated_analysis", serr.TaskID)
	assert.Contains(t, []string{"ticker", "company_name"}, serr.Field)
}

func TestSynthesizeDefaultMustPassPolicy(t *testing.T) {
	rule := Rule{Defaults: map[string]any{
		"ticker":          "AAPL",
		"company_name":    "Company A", // placeholder, validator must reject
		"composite_score": 0.5,
		"summary":         "carried default",
	}}
	_, err := Synthesize("integrated_analysis", analysisPolicy(), rule, nil)

	var serr *SynthesisError
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Reason, "rejected")
}
