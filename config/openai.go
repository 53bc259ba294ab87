package config

import (
	"os"

	llmopenai "github.com/aschepis/backscratcher/cortex/llm/openai"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

// LoadOpenAIConfig loads OpenAI configuration from server config with environment
// variable overrides applied.
func LoadOpenAIConfig(cfg *ServerConfig) OpenAIConfig {
	var out OpenAIConfig
	if cfg != nil {
		out = cfg.OpenAI
	}

	// Apply environment variable overrides
	if envAPIKey := os.Getenv("OPENAI_API_KEY"); envAPIKey != "" {
		out.APIKey = envAPIKey
	}
	if envBaseURL := os.Getenv("OPENAI_BASE_URL"); envBaseURL != "" {
		out.BaseURL = envBaseURL
	}
	if envModel := os.Getenv("OPENAI_MODEL"); envModel != "" {
		out.ChatModel = envModel
	}
	if envOrg := os.Getenv("OPENAI_ORG_ID"); envOrg != "" {
		out.Organization = envOrg
	}
	return out
}

func newOpenAIClient(cfg *ServerConfig) (*openai.Client, OpenAIConfig, error) {
	oc := LoadOpenAIConfig(cfg)
	client, err := llmopenai.NewClient(oc.APIKey, oc.BaseURL, oc.Organization)
	return client, oc, err
}

// NewOpenAIEmbedder creates an embedder backed by the OpenAI embeddings API.
func NewOpenAIEmbedder(cfg *ServerConfig) (*llmopenai.Embedder, error) {
	client, oc, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	return llmopenai.NewEmbedder(client, oc.EmbeddingModel), nil
}

// NewOpenAIExtractor creates a JSON-mode fact extractor.
func NewOpenAIExtractor(cfg *ServerConfig, logger zerolog.Logger) (*llmopenai.Extractor, error) {
	client, oc, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	return llmopenai.NewExtractor(client, oc.ChatModel, logger), nil
}
