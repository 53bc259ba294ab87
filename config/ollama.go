package config

import (
	"os"

	"github.com/aschepis/backscratcher/cortex/memory/ollama"
)

// LoadOllamaConfig loads Ollama configuration from server config.
// It returns the host and the embedding and summary models.
func LoadOllamaConfig(cfg *ServerConfig) (host string, embedModel, summaryModel ollama.Model) {
	if cfg != nil {
		host = cfg.Ollama.Host
		embedModel = ollama.Model(cfg.Ollama.EmbeddingModel)
		summaryModel = ollama.Model(cfg.Ollama.SummaryModel)
	}

	// Apply environment variable overrides
	if envHost := getOllamaHostFromEnv(); envHost != "" {
		host = envHost
	}
	if envModel := getOllamaModelFromEnv(); envModel != "" {
		summaryModel = ollama.Model(envModel)
	}

	// Set defaults if still empty
	if host == "" {
		host = "http://localhost:11434"
	}
	if embedModel == "" {
		embedModel = ollama.ModelMXBAI
	}
	if summaryModel == "" {
		summaryModel = ollama.ModelLlama32
	}
	return host, embedModel, summaryModel
}

// NewOllamaEmbedder creates an embedder backed by the configured Ollama server.
func NewOllamaEmbedder(cfg *ServerConfig) (*ollama.Embedder, error) {
	host, model, _ := LoadOllamaConfig(cfg)
	return ollama.NewEmbedder(host, model)
}

// NewOllamaSummarizer creates a summarizer backed by the configured Ollama server.
func NewOllamaSummarizer(cfg *ServerConfig) (*ollama.Summarizer, error) {
	host, _, model := LoadOllamaConfig(cfg)
	return ollama.NewSummarizer(host, model)
}

// getOllamaHostFromEnv gets the Ollama host from environment variable.
func getOllamaHostFromEnv() string {
	return os.Getenv("OLLAMA_HOST")
}

// getOllamaModelFromEnv gets the Ollama summary model from environment variable.
func getOllamaModelFromEnv() string {
	return os.Getenv("OLLAMA_MODEL")
}
