package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorderWith(reg)

	rec.RecordRecoveryTier("strict", "success")
	rec.RecordRecoveryTier("strict", "success")
	rec.RecordRecoveryTier("repair", "fail")
	rec.RecordModelRequest("claude-sonnet-4-5", true, "", 1200*time.Millisecond)
	rec.RecordModelRequest("claude-sonnet-4-5", false, "rate_limit", 50*time.Millisecond)
	rec.RecordModelTokens("claude-sonnet-4-5", "conv1", 120, 80)
	rec.RecordProgressPatch("applied")
	rec.RecordConversationFinalized()

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.recoveryTiers.WithLabelValues("strict", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.recoveryTiers.WithLabelValues("repair", "fail")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.modelRequests.WithLabelValues("claude-sonnet-4-5", "success", "")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.modelRequests.WithLabelValues("claude-sonnet-4-5", "error", "rate_limit")))
	assert.Equal(t, float64(120), testutil.ToFloat64(rec.modelTokens.WithLabelValues("claude-sonnet-4-5", "conv1", "prompt")))
	assert.Equal(t, float64(80), testutil.ToFloat64(rec.modelTokens.WithLabelValues("claude-sonnet-4-5", "conv1", "completion")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.progressPatches.WithLabelValues("applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.finalized))
}

func TestNewQueryServiceRejectsBadURL(t *testing.T) {
	_, err := NewQueryService("://not-a-url")
	assert.Error(t, err)
}
