// Package config handles interviewer configuration: a YAML config file
// validated on load, a static model registry with provider inference, and an
// encrypted secrets file for API keys.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Environment variable names for API keys.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// ModelInfo contains static information about a known model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common
// models. Unknown models are inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-20250514": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         20.0,
		OutputCPM:        60.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"o4-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"gemini-3-pro-preview": {
		Provider:         ProviderGoogle,
		InputCPM:         2.0,
		OutputCPM:        12.0,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model
// names, so new models work without code changes.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}

	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}

	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// GetModelInfo returns the ModelInfo for a given model name.
// Returns the info and true if found in KnownModels, or a default info with
// inferred provider and false if not found.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}

	provider := ""
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			provider = ProviderPatterns[i].Provider
			break
		}
	}

	return ModelInfo{
		Provider:         provider,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// GetAPIKey returns the API key for a given provider.
// Checks the decrypted secrets file first, then environment variables.
// For Ollama, returns the host URL instead of an API key.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}

	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}

// TimingConfig holds the interview timing constants. All three delays exist so
// tests can inject zeros; production values come from the config file.
type TimingConfig struct {
	OpenerDelay time.Duration `yaml:"opener_delay"` // pause before the cached opener is shown
	GracePeriod time.Duration `yaml:"grace_period"` // wait between end detection and finalization
	SettleDelay time.Duration `yaml:"settle_delay"` // wait inside the finalizer before re-reading progress
}

// CacheConfig bounds the prompt/opener cache.
type CacheConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// Config is the top-level interviewer configuration loaded from YAML.
type Config struct {
	Model               string       `yaml:"model"`
	Temperature         float32      `yaml:"temperature"`
	MaxTokens           int          `yaml:"max_tokens"`
	DatabasePath        string       `yaml:"database_path"`
	EventLogDir         string       `yaml:"event_log_dir"`
	MetricsAddr         string       `yaml:"metrics_addr"`         // empty disables the /metrics listener
	PrometheusURL       string       `yaml:"prometheus_url"`       // empty disables the usage query service
	CompletionThreshold int          `yaml:"completion_threshold"` // percent required before usage counts
	ClosingPhrases      []string     `yaml:"closing_phrases"`      // overrides the built-in closing phrase set
	Timing              TimingConfig `yaml:"timing"`
	Cache               CacheConfig  `yaml:"cache"`
}

// DefaultConfig returns a config with production defaults.
func DefaultConfig() Config {
	return Config{
		Model:               "claude-sonnet-4-5",
		Temperature:         0.7,
		MaxTokens:           4096,
		DatabasePath:        "interviewer.db",
		EventLogDir:         "logs/events",
		CompletionThreshold: 50,
		Timing: TimingConfig{
			OpenerDelay: 2 * time.Second,
			GracePeriod: 5 * time.Second,
			SettleDelay: 2 * time.Second,
		},
		Cache: CacheConfig{
			Capacity: 256,
			TTL:      30 * time.Minute,
		},
	}
}

// LoadConfig reads and validates a YAML config file. Missing fields keep
// their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the config for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("config: model must be set")
	}
	if _, err := GetModelProvider(c.Model); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("config: temperature %.2f out of range [0, 2]", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("config: max_tokens must be positive, got %d", c.MaxTokens)
	}
	if info, known := GetModelInfo(c.Model); known && c.MaxTokens > info.MaxOutputTokens {
		return fmt.Errorf("config: max_tokens %d exceeds model limit %d for %s", c.MaxTokens, info.MaxOutputTokens, c.Model)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path must be set")
	}
	if c.CompletionThreshold < 0 || c.CompletionThreshold > 100 {
		return fmt.Errorf("config: completion_threshold %d out of range [0, 100]", c.CompletionThreshold)
	}
	if c.Timing.OpenerDelay < 0 || c.Timing.GracePeriod < 0 || c.Timing.SettleDelay < 0 {
		return fmt.Errorf("config: timing delays must be non-negative")
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("config: cache capacity must be non-negative, got %d", c.Cache.Capacity)
	}
	return nil
}
