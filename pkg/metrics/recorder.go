// Package metrics provides Prometheus-based recording for the interview
// pipeline and a query service for aggregating usage from a Prometheus server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"interviewer/pkg/utils"
)

// Recorder records interview pipeline metrics. It satisfies the consumer-side
// recorder interfaces in pkg/recovery, pkg/progress, and pkg/finalize.
type Recorder struct {
	recoveryTiers   *prometheus.CounterVec
	modelRequests   *prometheus.CounterVec
	modelDuration   *prometheus.HistogramVec
	modelTokens     *prometheus.CounterVec
	progressPatches *prometheus.CounterVec
	finalized       prometheus.Counter
}

// NewRecorder creates a recorder registered on the default registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith creates a recorder on a specific registerer. Tests pass a
// fresh registry to avoid duplicate registration panics.
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		recoveryTiers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_tier_total",
				Help: "Recovery tier attempts by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		modelRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_requests_total",
				Help: "Model requests by model and status",
			},
			[]string{"model", "status", "error_type"},
		),
		modelDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "model_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		modelTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_tokens_total",
				Help: "Tokens used in model requests by conversation and direction",
			},
			[]string{"model", "conversation", "type"},
		),
		progressPatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_patches_total",
				Help: "Progress patch batches by outcome",
			},
			[]string{"outcome"},
		),
		finalized: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conversations_finalized_total",
				Help: "Conversations that completed the finalization pipeline",
			},
		),
	}
}

// RecordRecoveryTier records one recovery tier attempt.
func (r *Recorder) RecordRecoveryTier(tier, outcome string) {
	r.recoveryTiers.WithLabelValues(tier, outcome).Inc()
}

// RecordModelRequest records a completed model request.
func (r *Recorder) RecordModelRequest(model string, success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.modelRequests.WithLabelValues(model, status, errorType).Inc()
	r.modelDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordModelTokens adds token usage for one request.
func (r *Recorder) RecordModelTokens(model, conversation string, promptTokens, completionTokens int) {
	conversation = utils.SanitizeIdentifier(conversation)
	r.modelTokens.WithLabelValues(model, conversation, "prompt").Add(float64(promptTokens))
	r.modelTokens.WithLabelValues(model, conversation, "completion").Add(float64(completionTokens))
}

// RecordProgressPatch records the outcome of one patch batch.
func (r *Recorder) RecordProgressPatch(outcome string) {
	r.progressPatches.WithLabelValues(outcome).Inc()
}

// RecordConversationFinalized counts a completed finalization.
func (r *Recorder) RecordConversationFinalized() {
	r.finalized.Inc()
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
