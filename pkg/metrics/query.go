package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ConversationUsage is aggregated token usage for one conversation.
type ConversationUsage struct {
	ConversationID   string `json:"conversation_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryService queries a Prometheus server for aggregated interview metrics.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against a Prometheus server URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetConversationUsage aggregates prompt and completion token counts for one
// conversation across all models.
func (q *QueryService) GetConversationUsage(ctx context.Context, convID string) (*ConversationUsage, error) {
	usage := &ConversationUsage{
		ConversationID: convID,
	}

	promptQuery := fmt.Sprintf(`sum(model_tokens_total{conversation=%q, type="prompt"})`, convID)
	promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		usage.PromptTokens = int64(vector[0].Value)
	}

	completionQuery := fmt.Sprintf(`sum(model_tokens_total{conversation=%q, type="completion"})`, convID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		usage.CompletionTokens = int64(vector[0].Value)
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage, nil
}

// RecoveryTierRates returns the per-tier success counts since server start,
// for offline triage of parser behavior.
func (q *QueryService) RecoveryTierRates(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (tier) (recovery_tier_total{outcome="success"})`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery tiers: %w", err)
	}

	rates := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if tier, ok := sample.Metric["tier"]; ok {
				rates[string(tier)] = int64(sample.Value)
			}
		}
	}
	return rates, nil
}
