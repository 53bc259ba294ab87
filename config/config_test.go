package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CORTEX_REDIS_URL", "")
	t.Setenv("CORTEX_GRAPH_DSN", "")

	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cortexd.sock", cfg.Server.Socket)
	assert.Equal(t, "ollama", cfg.Providers.Embedder)
	assert.Equal(t, "rules", cfg.Providers.Resolver)
	assert.Equal(t, 10, cfg.Recall.Limit)
	assert.Equal(t, time.Minute, cfg.RecallCacheTTL())
	assert.Equal(t, 30*time.Second, cfg.BreakerTimeout())
	assert.InDelta(t, 0.85, cfg.RevisionConfig().SemanticThreshold, 1e-9)
	assert.Equal(t, "redis", cfg.GraphSync.Sink)
}

func TestLoadServerConfigMergesFileAndEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("CORTEX_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("CORTEX_GRAPH_DSN", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	path := writeConfig(t, `
tenant: acme
server:
  http: ":8080"
openai:
  api_key: sk-file
  chat_model: gpt-4o
providers:
  embedder: openai
  extractor: openai
recall:
  limit: 25
graph_sync:
  sink: postgres
  schedule: "@every 1m"
governance:
  disabled: true
`)
	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Tenant)
	assert.Equal(t, ":8080", cfg.Server.HTTP)
	assert.Equal(t, "/tmp/cortexd.sock", cfg.Server.Socket, "unset fields keep their defaults")
	assert.Equal(t, "sk-env", cfg.OpenAI.APIKey, "environment secrets win over the file")
	assert.Equal(t, "gpt-4o", cfg.OpenAI.ChatModel)
	assert.Equal(t, "text-embedding-3-small", cfg.OpenAI.EmbeddingModel)
	assert.Equal(t, 25, cfg.Recall.Limit)
	assert.Equal(t, 1200, cfg.Recall.SummarizeOver)
	assert.Equal(t, "postgres", cfg.GraphSync.Sink)
	assert.Equal(t, "@every 1m", cfg.GraphSync.Schedule)
	assert.Equal(t, "redis://cache:6379/0", cfg.GraphSync.RedisURL)
	assert.Equal(t, "redis://cache:6379/0", cfg.Events.RedisURL)
	assert.True(t, cfg.Governance.Disabled)
	assert.Equal(t, "@hourly", cfg.Governance.Schedule)
}

func TestLoadServerConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"unknown embedder": "providers:\n  embedder: word2vec\n",
		"unknown sink":     "graph_sync:\n  sink: neo4j\n",
		"inverted zone":    "facts:\n  semantic_threshold: 0.6\n  gray_zone_floor: 0.7\n",
		"malformed yaml":   "providers: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadServerConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestSaveAndLoadClientConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cli.yaml")

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Timeout)
	assert.Equal(t, "/tmp/cortexd.sock", cfg.Daemon.Socket)

	cfg.Daemon.TCP = "localhost:50051"
	cfg.UserID = "u-1"
	require.NoError(t, SaveClientConfig(cfg, path))

	loaded, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:50051", loaded.Daemon.TCP)
	assert.Equal(t, "u-1", loaded.UserID)
	assert.Equal(t, 30, loaded.Timeout)
}

func TestConfigPathsHonorEnvironment(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	t.Setenv("CORTEX_CONFIG_PATH", "~/custom/cortex.yaml")
	assert.Equal(t, filepath.Join(home, "custom", "cortex.yaml"), GetServerConfigPath())

	t.Setenv("CORTEX_CONFIG_PATH", "")
	assert.Equal(t, filepath.Join(home, ".cortex", "config.yaml"), GetServerConfigPath())
}

func TestNewUpstreamsDisabled(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Providers.Embedder = "none"

	up, err := NewUpstreams(&cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, up.Embedder)
	assert.Nil(t, up.Extractor)
	assert.Nil(t, up.Resolver)
	assert.Nil(t, up.Summarizer)
}

func TestNewUpstreamsRequiresKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := DefaultServerConfig()
	cfg.Providers.Embedder = "none"
	cfg.Providers.Extractor = "openai"

	_, err := NewUpstreams(&cfg, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "openai extractor")
}

func TestNewUpstreamsOllama(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	cfg := DefaultServerConfig()
	cfg.Providers.Summarizer = "ollama"

	up, err := NewUpstreams(&cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, up.Embedder)
	assert.NotNil(t, up.Summarizer)
}
