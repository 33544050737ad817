// Package tokens estimates token counts for admission control. The
// estimates feed rate limiting and budget projection; they do not need
// to match provider-side accounting exactly.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken is the fallback ratio used when no encoding is
// available (roughly 4 characters per token for English prose).
const charsPerToken = 4

// modelEncodings maps model ID prefixes to tiktoken encodings. Claude,
// Gemini, and Perplexity tokenizers are proprietary; cl100k_base is a
// close enough approximation for admission estimates.
var modelEncodings = map[string]string{
	"anthropic.claude": "cl100k_base",
	"claude":           "cl100k_base",
	"gemini":           "cl100k_base",
	"sonar":            "cl100k_base",
	"gpt-4o":           "o200k_base",
	"gpt-4":            "cl100k_base",
	"gpt-3.5-turbo":    "cl100k_base",
}

const defaultEncoding = "cl100k_base"

// Estimator counts tokens with a lazily initialized tiktoken encoding,
// falling back to a character-ratio estimate when the encoding cannot
// be loaded.
type Estimator struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator builds an estimator for the given model, resolving the
// encoding by exact then prefix match.
func NewEstimator(model string) *Estimator {
	return &Estimator{encoding: encodingFor(model)}
}

func encodingFor(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	for prefix, enc := range modelEncodings {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return enc
		}
	}
	return defaultEncoding
}

// init loads the encoding on first use; tiktoken may download encoding
// data here.
func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = err
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// Estimate returns the token count for text. It never fails; when the
// encoding is unavailable it estimates from the character count.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if err := e.init(); err != nil {
		return fallbackEstimate(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

func fallbackEstimate(text string) int {
	n := (len(text) + charsPerToken - 1) / charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}
