package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func sentimentPolicy() Policy {
	return Policy{
		Required: []string{"ticker", "company_name", "sentiment_score"},
		Fields: map[string]FieldRule{
			"ticker":          {Type: TypeString, Strict: true},
			"company_name":    {Type: TypeString, Strict: true},
			"sentiment_score": {Type: TypeNumber, Min: floatPtr(-1), Max: floatPtr(1)},
		},
		RejectPlaceholders: true,
	}
}

func TestValidateAccept(t *testing.T) {
	raw := []byte(`{"ticker":"AAPL","company_name":"Apple Inc.","sentiment_score":0.42,"extra":"ok"}`)
	out, err := Validate(raw, sentimentPolicy())
	require.NoError(t, err)
	assert.Equal(t, "AAPL", out["ticker"])
	assert.Equal(t, 0.42, out["sentiment_score"])
}

func TestValidateReject(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"missing required", `{"ticker":"AAPL","sentiment_score":0.1}`, "company_name"},
		{"empty required", `{"ticker":"  ","company_name":"Apple Inc.","sentiment_score":0.1}`, "ticker"},
		{"wrong type", `{"ticker":7,"company_name":"Apple Inc.","sentiment_score":0.1}`, "ticker"},
		{"score below min", `{"ticker":"AAPL","company_name":"Apple Inc.","sentiment_score":-3}`, "sentiment_score"},
		{"score above max", `{"ticker":"AAPL","company_name":"Apple Inc.","sentiment_score":1.5}`, "sentiment_score"},
		{"not an object", `[1,2,3]`, ""},
		{"null payload", `null`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate([]byte(tt.raw), sentimentPolicy())
			require.Error(t, err)
			var verr *Error
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

// A payload with placeholder identifiers must fail even when the
// structure is otherwise perfectly well-formed.
func TestValidateRejectsPlaceholders(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"generic company", `{"ticker":"AAPL","company_name":"Company A","sentiment_score":0.5}`},
		{"generic stock", `{"ticker":"AAPL","company_name":"Stock B","sentiment_score":0.5}`},
		{"bare ticker marker", `{"ticker":"TICKER1","company_name":"Apple Inc.","sentiment_score":0.5}`},
		{"template marker", `{"ticker":"AAPL","company_name":"{{company}}","sentiment_score":0.5}`},
		{"angle marker", `{"ticker":"AAPL","company_name":"<company name>","sentiment_score":0.5}`},
		{"tbd", `{"ticker":"AAPL","company_name":"TBD","sentiment_score":0.5}`},
		{"nested list", `{"ticker":"AAPL","company_name":"Apple Inc.","sentiment_score":0.5,"peers":["Microsoft","Company B"]}`},
		{"nested object", `{"ticker":"AAPL","company_name":"Apple Inc.","sentiment_score":0.5,"top":{"name":"lorem ipsum"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate([]byte(tt.raw), sentimentPolicy())
			var verr *Error
			require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
			assert.Contains(t, verr.Reason, "placeholder")
		})
	}
}

func TestValidatePlaceholdersAllowedWhenDisabled(t *testing.T) {
	p := sentimentPolicy()
	p.RejectPlaceholders = false
	raw := []byte(`{"ticker":"AAPL","company_name":"Company A","sentiment_score":0.5}`)
	_, err := Validate(raw, p)
	assert.NoError(t, err)
}

func TestValidateDeterministic(t *testing.T) {
	raw := []byte(`{"ticker":"AAPL","company_name":"Apple Inc.","sentiment_score":0.42}`)
	for range 10 {
		out, err := Validate(raw, sentimentPolicy())
		require.NoError(t, err)
		assert.Equal(t, "Apple Inc.", out["company_name"])
	}
}

func TestCheckValue(t *testing.T) {
	assert.True(t, CheckValue("Company A"))
	assert.True(t, CheckValue("tbd"))
	assert.False(t, CheckValue("Apple Inc."))
	assert.False(t, CheckValue("NVDA"))
}
