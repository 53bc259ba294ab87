package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
)

const summarizeSystemPrompt = `You condense a user's conversation turn into a short memory for a real-estate assistant.

Rules:
- Keep every stated preference, constraint, place, price and date
- Write in third person about "the user"
- Use plain text only (no markdown, no lists)
- One to three sentences`

// Summarizer produces summarized memories with an Ollama chat model.
type Summarizer struct {
	client *api.Client
	model  Model
}

// NewSummarizer creates a summarizer for model on host.
func NewSummarizer(host string, model Model) (*Summarizer, error) {
	if model == "" {
		model = ModelLlama32
	}
	cli, err := NewClient(host)
	if err != nil {
		return nil, err
	}
	return &Summarizer{client: cli, model: model}, nil
}

// Summarize condenses text. Empty text yields an empty summary.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	var b strings.Builder
	stream := false
	req := &api.GenerateRequest{
		Model:  string(s.model),
		Prompt: "Summarize this for long-term memory:\n\n" + text,
		System: summarizeSystemPrompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.2,
		},
	}
	if err := s.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		b.WriteString(resp.Response)
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}
	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return "", fmt.Errorf("received empty summary from model %s", s.model)
	}
	return summary, nil
}
