package utils

import (
	"strings"
	"testing"
)

func TestCountTokens(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("NewTokenCounter failed: %v", err)
	}

	if got := counter.CountTokens(""); got != 0 {
		t.Errorf("empty string should count 0 tokens, got %d", got)
	}

	count := counter.CountTokens("Hello, how are you doing today?")
	if count < 3 || count > 15 {
		t.Errorf("unexpected token count for short sentence: %d", count)
	}
}

func TestCountTokensFallback(t *testing.T) {
	tc := &TokenCounter{} // nil codec forces the char/4 estimate
	text := strings.Repeat("a", 40)
	if got := tc.CountTokens(text); got != 10 {
		t.Errorf("expected fallback estimate 10, got %d", got)
	}
}

func TestCountTokensSimpleSharesCodec(t *testing.T) {
	text := "Hello, how are you doing today?"
	first := CountTokensSimple(text)

	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("NewTokenCounter failed: %v", err)
	}
	if want := counter.CountTokens(text); first != want {
		t.Errorf("CountTokensSimple = %d, want %d", first, want)
	}

	// Repeated calls reuse the shared codec and stay stable.
	for i := 0; i < 3; i++ {
		if got := CountTokensSimple(text); got != first {
			t.Errorf("call %d returned %d, want %d", i, got, first)
		}
	}
}

func TestTruncateToTokenLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("NewTokenCounter failed: %v", err)
	}

	short := "brief"
	if got := counter.TruncateToTokenLimit(short, 100); got != short {
		t.Errorf("text under limit should be unchanged, got %q", got)
	}

	long := strings.Repeat("some repeated words ", 500)
	truncated := counter.TruncateToTokenLimit(long, 50)
	if len(truncated) >= len(long) {
		t.Error("expected truncation for text over limit")
	}
	if !strings.HasSuffix(truncated, "...") {
		t.Error("truncated text should end with ellipsis")
	}
}

func TestCountWords(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"one", 1},
		{"I enjoyed the product overall.", 5},
		{"  spaced   out\twords\nacross lines  ", 5},
	}

	for _, tt := range tests {
		if got := CountWords(tt.text); got != tt.want {
			t.Errorf("CountWords(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ollama:phi4", "ollama-phi4"},
		{"user name/with\\junk", "user-name-with-junk"},
		{"already-safe_id.01", "already-safe_id.01"},
	}

	for _, tt := range tests {
		if got := SanitizeIdentifier(tt.in); got != tt.want {
			t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
