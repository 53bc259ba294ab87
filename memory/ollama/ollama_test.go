package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/embed":
			assert.Equal(t, "mxbai-embed-large", body["model"])
			_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2, 0.3}}})
		case "/api/generate":
			_ = json.NewEncoder(w).Encode(map[string]any{"response": "  The user wants a flat near Bondi.  ", "done": true})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedderEmbed(t *testing.T) {
	srv := fakeOllama(t)
	e, err := NewEmbedder(srv.URL, "")
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "bondi beach")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestSummarizerSummarize(t *testing.T) {
	srv := fakeOllama(t)
	s, err := NewSummarizer(srv.URL, "")
	require.NoError(t, err)

	out, err := s.Summarize(context.Background(), "I want a flat near Bondi")
	require.NoError(t, err)
	assert.Equal(t, "The user wants a flat near Bondi.", out)

	out, err = s.Summarize(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, out)
}
