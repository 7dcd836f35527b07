package logx

import (
	"errors"
	"testing"
	"time"
)

func TestDomainFiltering(t *testing.T) {
	// Save and restore global state
	defer SetDebug(false, nil)

	SetDebug(true, []string{"recovery"})

	if !IsDebugEnabledForDomain("recovery") {
		t.Error("Expected recovery domain to be enabled")
	}
	if IsDebugEnabledForDomain("conversation") {
		t.Error("Expected conversation domain to be disabled")
	}

	SetDebug(true, nil)
	if !IsDebugEnabledForDomain("conversation") {
		t.Error("Expected all domains enabled when no filter configured")
	}

	SetDebug(false, nil)
	if IsDebugEnabledForDomain("recovery") {
		t.Error("Expected all domains disabled when debug is off")
	}
}

func TestRecentEntries(t *testing.T) {
	logger := NewLogger("test-conversation")
	logger.Info("interview started")
	logger.Warn("model returned malformed payload")

	entries := RecentEntries("", time.Time{})
	if len(entries) < 2 {
		t.Fatalf("Expected at least 2 buffered entries, got %d", len(entries))
	}

	found := false
	for i := range entries {
		if entries[i].Scope == "test-conversation" && entries[i].Level == "WARN" {
			found = true
		}
	}
	if !found {
		t.Error("Expected WARN entry from test-conversation in buffer")
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("disk full")
	wrapped := Wrap(base, "save progress")
	if wrapped == nil {
		t.Fatal("Expected non-nil wrapped error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Expected wrapped error to match base via errors.Is")
	}

	if Wrap(nil, "noop") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWithScope(t *testing.T) {
	logger := NewLogger("a")
	scoped := logger.WithScope("b")
	if scoped.GetScope() != "b" {
		t.Errorf("Expected scope b, got %s", scoped.GetScope())
	}
	if logger.GetScope() != "a" {
		t.Errorf("Original logger scope changed to %s", logger.GetScope())
	}
}
