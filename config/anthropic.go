package config

import (
	"os"

	llmanthropic "github.com/aschepis/backscratcher/cortex/llm/anthropic"
	"github.com/rs/zerolog"
)

// LoadAnthropicConfig loads Anthropic configuration from server config.
// It returns the API key, base URL and model to use for creating Anthropic adapters.
func LoadAnthropicConfig(cfg *ServerConfig) (apiKey, baseURL, model string) {
	if cfg != nil {
		apiKey, baseURL, model = cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.Model
	}
	if envBaseURL := os.Getenv("ANTHROPIC_BASE_URL"); envBaseURL != "" {
		baseURL = envBaseURL
	}
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return apiKey, baseURL, model
}

// NewAnthropicResolver creates the gray-zone belief revision resolver.
func NewAnthropicResolver(cfg *ServerConfig, logger zerolog.Logger) (*llmanthropic.Resolver, error) {
	apiKey, baseURL, model := LoadAnthropicConfig(cfg)
	client, err := llmanthropic.NewClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	return llmanthropic.NewResolver(client, model, logger), nil
}

// NewAnthropicSummarizer creates a turn summarizer.
func NewAnthropicSummarizer(cfg *ServerConfig) (*llmanthropic.Summarizer, error) {
	apiKey, baseURL, model := LoadAnthropicConfig(cfg)
	client, err := llmanthropic.NewClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	return llmanthropic.NewSummarizer(client, model), nil
}
