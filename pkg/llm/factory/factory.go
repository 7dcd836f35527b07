// Package factory builds provider clients from configuration. It lives beside
// the provider packages so the core llm package stays free of provider imports.
package factory

import (
	"fmt"
	"strings"

	"interviewer/pkg/config"
	"interviewer/pkg/llm"
	"interviewer/pkg/llm/anthropic"
	"interviewer/pkg/llm/google"
	"interviewer/pkg/llm/ollama"
	"interviewer/pkg/llm/openai"
)

// NewClient creates a provider client for the configured model, with the
// retry middleware applied. The API key (or host URL for Ollama) is resolved
// from the secrets file or environment.
func NewClient(cfg *config.Config, middlewares ...llm.Middleware) (llm.Client, error) {
	provider, err := config.GetModelProvider(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", cfg.Model, err)
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	var raw llm.Client
	switch provider {
	case config.ProviderAnthropic:
		raw = anthropic.NewClient(apiKey, cfg.Model)
	case config.ProviderOpenAI:
		raw = openai.NewClient(apiKey, cfg.Model)
	case config.ProviderGoogle:
		raw = google.NewClient(apiKey, cfg.Model)
	case config.ProviderOllama:
		// "ollama:phi4" addresses the model explicitly; strip the prefix.
		model := strings.TrimPrefix(cfg.Model, "ollama:")
		raw = ollama.NewClient(apiKey, model)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	chain := append([]llm.Middleware{}, middlewares...)
	chain = append(chain, llm.RetryMiddleware())
	return llm.Chain(raw, chain...), nil
}
