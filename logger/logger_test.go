package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"chatty":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, zerolog.DebugLevel), "graphsync")
	l.Info().Str("table", "facts").Msg("pushed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cortex", line["service"])
	assert.Equal(t, "graphsync", line["component"])
	assert.Equal(t, "facts", line["table"])
	assert.Contains(t, line, "time")
}

func TestInitWithOptionsWritesFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	path := filepath.Join(t.TempDir(), "cortexd.log")

	l, err := InitWithOptions(path, false)
	require.NoError(t, err)
	l.Info().Msg("dropped")
	l.Warn().Msg("kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestInitWithOptionsBadPath(t *testing.T) {
	_, err := InitWithOptions(filepath.Join(t.TempDir(), "missing", "x.log"), false)
	assert.Error(t, err)
}
