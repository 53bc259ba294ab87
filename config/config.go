package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AnthropicConfig represents configuration for the Anthropic resolver and summarizer.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`  // Anthropic API key
	BaseURL string `yaml:"base_url,omitempty"` // Custom base URL (default: official API)
	Model   string `yaml:"model,omitempty"`    // Model for resolution and summaries
}

// OllamaConfig represents configuration for the local Ollama server.
type OllamaConfig struct {
	Host           string `yaml:"host,omitempty"`            // Ollama host (default: "http://localhost:11434")
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Embedding model name
	SummaryModel   string `yaml:"summary_model,omitempty"`   // Chat model used for summaries
}

// OpenAIConfig represents configuration for the OpenAI embedder and extractor.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key,omitempty"`         // OpenAI API key
	BaseURL        string `yaml:"base_url,omitempty"`        // Custom base URL (default: official API)
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Embedding model name
	ChatModel      string `yaml:"chat_model,omitempty"`      // JSON-mode model used for fact extraction
	Organization   string `yaml:"organization,omitempty"`    // Organization ID
}

// ProvidersConfig picks the upstream behind each external function. "none" disables
// the function; the resolver falls back to deterministic rules.
type ProvidersConfig struct {
	Embedder   string `yaml:"embedder,omitempty"`   // "ollama", "openai" or "none"
	Extractor  string `yaml:"extractor,omitempty"`  // "openai" or "none"
	Resolver   string `yaml:"resolver,omitempty"`   // "anthropic" or "rules"
	Summarizer string `yaml:"summarizer,omitempty"` // "anthropic", "ollama" or "none"
}

// BreakerConfig tunes the circuit breaker in front of every upstream.
type BreakerConfig struct {
	MaxFailures    int `yaml:"max_failures,omitempty"`    // Consecutive failures that open the breaker
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"` // Open duration before a trial request
}

// RecallConfig tunes the agent-facing recall path.
type RecallConfig struct {
	Limit           int `yaml:"limit,omitempty"`             // Default number of memories returned
	CacheTTLSeconds int `yaml:"cache_ttl_seconds,omitempty"` // 0 disables the recall cache
	SummarizeOver   int `yaml:"summarize_over,omitempty"`    // Turn length that triggers summarization
}

// FactsConfig tunes belief revision thresholds.
type FactsConfig struct {
	SemanticThreshold float64 `yaml:"semantic_threshold,omitempty"`
	GrayZoneFloor     float64 `yaml:"gray_zone_floor,omitempty"`
}

// GraphSyncConfig configures the outbox drain.
type GraphSyncConfig struct {
	Disabled          bool    `yaml:"disabled,omitempty"`            // Disable graph sync (enabled by default)
	Sink              string  `yaml:"sink,omitempty"`                // "redis" or "postgres"
	Schedule          string  `yaml:"schedule,omitempty"`            // Cron expression or duration, e.g. "30s"
	RedisURL          string  `yaml:"redis_url,omitempty"`           // Redis sink address
	PostgresDSN       string  `yaml:"postgres_dsn,omitempty"`        // Postgres sink DSN
	BatchSize         int     `yaml:"batch_size,omitempty"`          // Items fetched per batch
	MaxAttempts       int     `yaml:"max_attempts,omitempty"`        // Attempts before an item is parked
	PushRate          float64 `yaml:"push_rate,omitempty"`           // Pushes per second
	RetainSyncedHours int     `yaml:"retain_synced_hours,omitempty"` // Synced items older than this are deleted
}

// GovernanceConfig configures the retention sweep.
type GovernanceConfig struct {
	Disabled   bool   `yaml:"disabled,omitempty"`    // Disable scheduled enforcement (enabled by default)
	Schedule   string `yaml:"schedule,omitempty"`    // Cron expression or duration
	PolicyFile string `yaml:"policy_file,omitempty"` // Watched YAML file of policies
}

// EventsConfig configures cross-instance event fan-out.
type EventsConfig struct {
	RedisURL   string `yaml:"redis_url,omitempty"`   // Empty disables fan-out
	InstanceID string `yaml:"instance_id,omitempty"` // Defaults to the hostname
}

// ServerConfig represents configuration for the cortexd daemon.
type ServerConfig struct {
	// Server settings
	Server struct {
		Socket string `yaml:"socket,omitempty"` // Unix socket path for gRPC (default: /tmp/cortexd.sock)
		TCP    string `yaml:"tcp,omitempty"`    // TCP address for gRPC (e.g., localhost:50051)
		HTTP   string `yaml:"http,omitempty"`   // HTTP API address (e.g., :8080); empty disables
		MCP    bool   `yaml:"mcp,omitempty"`    // Serve MCP tools on /mcp of the HTTP listener
	} `yaml:"server,omitempty"`

	Database string `yaml:"database,omitempty"` // SQLite database path
	Tenant   string `yaml:"tenant,omitempty"`   // Tenant every request is scoped to

	// Upstream configurations
	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`
	Providers ProvidersConfig `yaml:"providers,omitempty"`
	Breaker   BreakerConfig   `yaml:"breaker,omitempty"`

	// Feature configurations
	Recall     RecallConfig     `yaml:"recall,omitempty"`
	Facts      FactsConfig      `yaml:"facts,omitempty"`
	GraphSync  GraphSyncConfig  `yaml:"graph_sync,omitempty"`
	Governance GovernanceConfig `yaml:"governance,omitempty"`
	Events     EventsConfig     `yaml:"events,omitempty"`
}

type DaemonConfig struct {
	Socket string `yaml:"socket,omitempty"` // Unix socket path (default: /tmp/cortexd.sock)
	TCP    string `yaml:"tcp,omitempty"`    // TCP address (e.g., localhost:50051)
}

// ClientConfig represents client-side configuration for the cortex CLI.
type ClientConfig struct {
	Daemon  DaemonConfig `yaml:"daemon,omitempty"`
	Timeout int          `yaml:"timeout,omitempty"` // Timeout in seconds for each call (default: 30)
	UserID  string       `yaml:"user_id,omitempty"` // Default user for commands that take one
}

// DefaultServerConfig returns the compiled-in server defaults.
func DefaultServerConfig() ServerConfig {
	cfg := ServerConfig{
		Database: "cortex.db",
		Ollama: OllamaConfig{
			Host:           "http://localhost:11434",
			EmbeddingModel: "mxbai-embed-large",
			SummaryModel:   "llama3.2:3b",
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			EmbeddingModel: "text-embedding-3-small",
			ChatModel:      "gpt-4o-mini",
		},
		Anthropic: AnthropicConfig{
			Model: "claude-haiku-4-5",
		},
		Providers: ProvidersConfig{
			Embedder:   "ollama",
			Extractor:  "none",
			Resolver:   "rules",
			Summarizer: "none",
		},
		Breaker: BreakerConfig{MaxFailures: 3, TimeoutSeconds: 30},
		Recall:  RecallConfig{Limit: 10, CacheTTLSeconds: 60, SummarizeOver: 1200},
		Facts:   FactsConfig{SemanticThreshold: 0.85, GrayZoneFloor: 0.70},
		GraphSync: GraphSyncConfig{
			Sink:              "redis",
			Schedule:          "15s",
			BatchSize:         50,
			MaxAttempts:       8,
			PushRate:          50,
			RetainSyncedHours: 24,
		},
		Governance: GovernanceConfig{
			Schedule: "@hourly",
		},
	}
	cfg.Server.Socket = "/tmp/cortexd.sock"
	return cfg
}

// GetServerConfigPath returns the default server config file path.
// Can be overridden via CORTEX_CONFIG_PATH environment variable.
func GetServerConfigPath() string {
	if envPath := os.Getenv("CORTEX_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.cortex/config.yaml"
	}
	return filepath.Join(homeDir, ".cortex", "config.yaml")
}

// GetClientConfigPath returns the default client config file path.
// Can be overridden via CORTEX_CLIENT_CONFIG_PATH environment variable.
func GetClientConfigPath() string {
	if envPath := os.Getenv("CORTEX_CLIENT_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.cortex/cli.yaml"
	}
	return filepath.Join(homeDir, ".cortex", "cli.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// SaveServerConfig saves the server configuration to the specified path.
func SaveServerConfig(cfg *ServerConfig, path string) error {
	return save(cfg, path)
}

// SaveClientConfig saves the client configuration to the specified path.
func SaveClientConfig(cfg *ClientConfig, path string) error {
	return save(cfg, path)
}

func save(cfg any, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadServerConfig loads server-side configuration: compiled defaults, then the YAML
// file at path if it exists, then secrets from the environment. A .env file in the
// working directory is loaded into the environment first without overriding
// variables that are already set.
func LoadServerConfig(path string) (*ServerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	defaults := DefaultServerConfig()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		userConfigYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var userConfig ServerConfig
		if err := yaml.Unmarshal(userConfigYAML, &userConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}

		// Merge user config on top
		if err := mergo.Merge(&defaults, userConfig, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge user config: %w", err)
		}
	}

	// Secrets from the environment win over the file
	secrets := ServerConfig{
		Anthropic: AnthropicConfig{APIKey: os.Getenv("ANTHROPIC_API_KEY")},
		OpenAI:    OpenAIConfig{APIKey: os.Getenv("OPENAI_API_KEY")},
		GraphSync: GraphSyncConfig{
			RedisURL:    os.Getenv("CORTEX_REDIS_URL"),
			PostgresDSN: os.Getenv("CORTEX_GRAPH_DSN"),
		},
		Events: EventsConfig{RedisURL: os.Getenv("CORTEX_REDIS_URL")},
	}
	if err := mergo.Merge(&defaults, secrets, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge environment secrets: %w", err)
	}

	defaults.Database = expandPath(defaults.Database)
	defaults.Governance.PolicyFile = expandPath(defaults.Governance.PolicyFile)
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &defaults, nil
}

// Validate checks provider names and thresholds.
func (c *ServerConfig) Validate() error {
	check := func(field, value string, allowed ...string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return fmt.Errorf("invalid %s %q (want one of %s)", field, value, strings.Join(allowed, ", "))
	}
	if err := errors.Join(
		check("providers.embedder", c.Providers.Embedder, "ollama", "openai", "none"),
		check("providers.extractor", c.Providers.Extractor, "openai", "none"),
		check("providers.resolver", c.Providers.Resolver, "anthropic", "rules"),
		check("providers.summarizer", c.Providers.Summarizer, "anthropic", "ollama", "none"),
		check("graph_sync.sink", c.GraphSync.Sink, "redis", "postgres"),
	); err != nil {
		return err
	}
	if c.Facts.GrayZoneFloor > c.Facts.SemanticThreshold {
		return fmt.Errorf("facts.gray_zone_floor %.2f is above facts.semantic_threshold %.2f",
			c.Facts.GrayZoneFloor, c.Facts.SemanticThreshold)
	}
	return nil
}

// BreakerTimeout returns the breaker's open duration.
func (c *ServerConfig) BreakerTimeout() time.Duration {
	return time.Duration(c.Breaker.TimeoutSeconds) * time.Second
}

// RecallCacheTTL returns the recall cache lifetime.
func (c *ServerConfig) RecallCacheTTL() time.Duration {
	return time.Duration(c.Recall.CacheTTLSeconds) * time.Second
}

// LoadClientConfig loads client-side configuration.
// Returns defaults if config file doesn't exist.
func LoadClientConfig(path string) (*ClientConfig, error) {
	defaults := ClientConfig{
		Timeout: 30,
	}
	defaults.Daemon.Socket = "/tmp/cortexd.sock"

	// Load config file if it exists
	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err != nil {
		// File doesn't exist, return defaults
		return &defaults, nil
	}

	configYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
	if err != nil {
		return nil, fmt.Errorf("failed to read client config file %q: %w", expandedPath, err)
	}

	var config ClientConfig
	if err := yaml.Unmarshal(configYAML, &config); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}

	// Merge loaded config onto defaults
	if err := mergo.Merge(&defaults, config, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge client config: %w", err)
	}

	return &defaults, nil
}
