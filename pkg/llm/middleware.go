package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"interviewer/pkg/llm/llmerrors"
)

// Middleware wraps a Client with additional behavior.
type Middleware func(Client) Client

// Chain applies middlewares to a client. The first middleware in the list
// becomes the outermost wrapper.
func Chain(client Client, middlewares ...Middleware) Client {
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}

// RequestRecorder observes model request outcomes. Satisfied by the metrics
// package.
type RequestRecorder interface {
	RecordModelRequest(model string, success bool, errorType string, duration time.Duration)
}

type metricsClient struct {
	inner    Client
	recorder RequestRecorder
	model    string
}

// MetricsMiddleware records request counts and latencies for every
// completion. Place it outermost so retries count as one request.
func MetricsMiddleware(recorder RequestRecorder, model string) Middleware {
	return func(inner Client) Client {
		return &metricsClient{inner: inner, recorder: recorder, model: model}
	}
}

func (m *metricsClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	start := time.Now()
	resp, err := m.inner.Complete(ctx, in)

	errorType := ""
	if err != nil {
		errorType = llmerrors.TypeOf(err).String()
	}
	m.recorder.RecordModelRequest(m.model, err == nil, errorType, time.Since(start))
	return resp, err
}

func (m *metricsClient) Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error) {
	return m.inner.Stream(ctx, in)
}

type retryClient struct {
	inner Client
}

// RetryMiddleware retries failed completions according to the per-error-type
// budgets in llmerrors.DefaultRetryConfigs. Non-retryable errors (auth, bad
// prompt) are returned immediately.
func RetryMiddleware() Middleware {
	return func(inner Client) Client {
		return &retryClient{inner: inner}
	}
}

func (r *retryClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	var lastErr error

	attempt := 0
	for {
		resp, err := r.inner.Complete(ctx, in)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var llmErr *llmerrors.Error
		if !errors.As(err, &llmErr) || !llmErr.IsRetryable() {
			return CompletionResponse{}, err
		}

		cfg := llmErr.GetRetryConfig()
		if attempt >= cfg.MaxRetries {
			return CompletionResponse{}, lastErr
		}

		delay := backoffDelay(cfg, attempt)
		select {
		case <-ctx.Done():
			return CompletionResponse{}, ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func (r *retryClient) Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error) {
	return r.inner.Stream(ctx, in)
}

func backoffDelay(cfg llmerrors.RetryConfig, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	if cfg.Jitter && delay > 0 {
		//nolint:gosec // math/rand is fine for backoff jitter
		delay += time.Duration(rand.Int63n(int64(delay) / 2))
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
