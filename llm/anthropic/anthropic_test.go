package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageServer(t *testing.T, status int, text string, seen *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		if seen != nil {
			body, _ := io.ReadAll(r.Body)
			*seen = string(body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       DefaultModel,
			"content":     []map[string]any{{"type": "text", "text": text}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolver(t *testing.T) {
	var body string
	srv := messageServer(t, http.StatusOK,
		"Here you go:\n{\"action\": \"supersede\", \"reason\": \"the user moved on from Bondi\", \"confidence\": 88}", &body)
	client, err := NewClient("test-key", srv.URL)
	require.NoError(t, err)

	match := facts.Match{
		Existing:   facts.Fact{FactID: "fact-1", Fact: "The user likes Bondi Beach", Confidence: 90},
		Stage:      facts.StageAmbiguous,
		Similarity: 0.78,
		Scored:     true,
	}
	d, err := NewResolver(client, "", zerolog.Nop()).Resolve(context.Background(), match,
		facts.Observation{Text: "The user now prefers Manly", Confidence: 85})
	require.NoError(t, err)
	assert.Equal(t, facts.ActionSupersede, d.Action)
	assert.Equal(t, 88, d.Confidence)
	assert.Contains(t, body, "similarity 0.78")
	assert.Contains(t, body, "The user likes Bondi Beach")
}

func TestParseDecision(t *testing.T) {
	_, err := parseDecision(`{"action": "maybe"}`)
	assert.Error(t, err)
	_, err = parseDecision(`no json here`)
	assert.Error(t, err)

	d, err := parseDecision(`{"action":"DISCARD","reason":"duplicate","confidence":140}`)
	require.NoError(t, err)
	assert.Equal(t, facts.ActionDiscard, d.Action)
	assert.Equal(t, 100, d.Confidence)
}

func TestSummarizer(t *testing.T) {
	srv := messageServer(t, http.StatusOK, "  The user wants a two bedroom flat in Manly under $1.2m.  ", nil)
	client, err := NewClient("test-key", srv.URL)
	require.NoError(t, err)

	s := NewSummarizer(client, "")
	out, err := s.Summarize(context.Background(), "I'm after a 2br in Manly, budget 1.2")
	require.NoError(t, err)
	assert.Equal(t, "The user wants a two bedroom flat in Manly under $1.2m.", out)

	empty, err := s.Summarize(context.Background(), " ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestServerErrorsAreRetryable(t *testing.T) {
	srv := messageServer(t, 529, "", nil)
	client, err := NewClient("test-key", srv.URL)
	require.NoError(t, err)

	_, err = NewSummarizer(client, "").Summarize(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, llm.IsRetryableError(err))
}
