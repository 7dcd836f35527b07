// Package utils provides token counting, word counting, and identifier
// sanitization helpers shared by the interview pipeline.
package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for transcript statistics and summary
// budgets. All supported providers are approximated with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a new token counter. The model argument is accepted
// for future per-model codecs; today everything maps to GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
// Falls back to character-based estimation (4 chars ≈ 1 token) when the codec
// is unavailable.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

var (
	sharedCounterOnce sync.Once
	sharedCounter     *TokenCounter
)

// CountTokensSimple counts tokens without requiring a TokenCounter instance.
// The codec is built once and shared; callers hit the hot path per message.
func CountTokensSimple(text string) int {
	sharedCounterOnce.Do(func() {
		counter, err := NewTokenCounter("gpt-4")
		if err != nil {
			return
		}
		sharedCounter = counter
	})
	if sharedCounter == nil {
		return len(text) / 4
	}
	return sharedCounter.CountTokens(text)
}

// TruncateToTokenLimit truncates text to fit within the specified token limit.
// This is a rough approximation - it truncates by characters, not perfect
// token boundaries.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	currentTokens := tc.CountTokens(text)
	if currentTokens <= limit {
		return text
	}

	ratio := float64(limit) / float64(currentTokens)
	charLimit := int(float64(len(text)) * ratio * 0.9) // 0.9 safety margin
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

// CountWords returns the number of whitespace-separated words in text.
// Used for the respondent word count saved at finalization.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
