package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", "cl100k_base"},
		{"gemini-1.5-flash", "cl100k_base"},
		{"something-unknown", "cl100k_base"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, encodingFor(tt.model))
		})
	}
}

func TestEstimator_Estimate(t *testing.T) {
	est := NewEstimator("gpt-4")

	assert.Equal(t, 0, est.Estimate(""))

	n := est.Estimate("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 45, "token count should be well under character count")
}

func TestFallbackEstimate(t *testing.T) {
	assert.Equal(t, 1, fallbackEstimate("hi"))
	assert.Equal(t, 3, fallbackEstimate("twelve chars"))
	assert.Equal(t, 25, fallbackEstimate(string(make([]byte, 100))))
}
