package config

import (
	"fmt"

	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/llm"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/aschepis/backscratcher/cortex/metrics"
	"github.com/rs/zerolog"
)

// Upstreams holds the external functions selected by the providers section, each
// behind its own circuit breaker. A nil field means the function is disabled.
type Upstreams struct {
	Embedder   memory.Embedder
	Extractor  llm.Extractor
	Resolver   facts.Resolver
	Summarizer memory.Summarizer
}

// NewUpstreams builds the configured upstreams. m may be nil.
func NewUpstreams(cfg *ServerConfig, m *metrics.Metrics, logger zerolog.Logger) (Upstreams, error) {
	var up Upstreams
	bc := llm.BreakerConfig{Timeout: cfg.BreakerTimeout()}
	if cfg.Breaker.MaxFailures > 0 {
		bc.MaxFailures = uint32(cfg.Breaker.MaxFailures) //#nosec G115 -- positive config value
	}
	breaker := func(name string) *llm.Breaker { return llm.NewBreaker(name, bc, m, logger) }

	switch cfg.Providers.Embedder {
	case "ollama":
		e, err := NewOllamaEmbedder(cfg)
		if err != nil {
			return up, fmt.Errorf("ollama embedder: %w", err)
		}
		up.Embedder = llm.GuardEmbedder(e, breaker("embedder"))
	case "openai":
		e, err := NewOpenAIEmbedder(cfg)
		if err != nil {
			return up, fmt.Errorf("openai embedder: %w", err)
		}
		up.Embedder = llm.GuardEmbedder(e, breaker("embedder"))
	}

	if cfg.Providers.Extractor == "openai" {
		x, err := NewOpenAIExtractor(cfg, logger)
		if err != nil {
			return up, fmt.Errorf("openai extractor: %w", err)
		}
		up.Extractor = llm.GuardExtractor(x, breaker("extractor"))
	}

	if cfg.Providers.Resolver == "anthropic" {
		r, err := NewAnthropicResolver(cfg, logger)
		if err != nil {
			return up, fmt.Errorf("anthropic resolver: %w", err)
		}
		up.Resolver = llm.GuardResolver(r, breaker("resolver"))
	}

	switch cfg.Providers.Summarizer {
	case "anthropic":
		s, err := NewAnthropicSummarizer(cfg)
		if err != nil {
			return up, fmt.Errorf("anthropic summarizer: %w", err)
		}
		up.Summarizer = llm.GuardSummarizer(s, breaker("summarizer"))
	case "ollama":
		s, err := NewOllamaSummarizer(cfg)
		if err != nil {
			return up, fmt.Errorf("ollama summarizer: %w", err)
		}
		up.Summarizer = llm.GuardSummarizer(s, breaker("summarizer"))
	}

	logger.Info().
		Str("embedder", cfg.Providers.Embedder).
		Str("extractor", cfg.Providers.Extractor).
		Str("resolver", cfg.Providers.Resolver).
		Str("summarizer", cfg.Providers.Summarizer).
		Msg("Upstreams configured")
	return up, nil
}

// RevisionConfig returns the belief revision settings.
func (c *ServerConfig) RevisionConfig() facts.Config {
	fc := facts.DefaultConfig()
	if c.Facts.SemanticThreshold > 0 {
		fc.SemanticThreshold = c.Facts.SemanticThreshold
	}
	if c.Facts.GrayZoneFloor > 0 {
		fc.GrayZoneFloor = c.Facts.GrayZoneFloor
	}
	return fc
}
