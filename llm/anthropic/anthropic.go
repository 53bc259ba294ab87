// Package anthropic provides the ambiguous-fact resolver and the memory summarizer
// backed by Claude.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/llm"
	"github.com/rs/zerolog"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5"

const defaultRetryAfter = 10 * time.Second

// NewClient creates an Anthropic client. baseURL may be empty.
func NewClient(apiKey, baseURL string) (*anthropic.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &client, nil
}

const resolveSystemPrompt = `You maintain a user's long-term beliefs for a real-estate assistant.
You are given an existing fact and a new observation that may revise it. Decide one action:
- CREATE: the observation is a different belief; keep both
- UPDATE: the observation refines the same belief without changing its identity
- SUPERSEDE: the observation replaces the belief with a changed value
- DELETE: the observation retracts the belief with no replacement
- DISCARD: the observation adds nothing

Reply with only a JSON object: {"action": "...", "reason": "one sentence", "confidence": 0-100}`

// Resolver decides gray-zone matches with a Claude model.
type Resolver struct {
	client *anthropic.Client
	model  string
	logger zerolog.Logger
}

// NewResolver creates a resolver. An empty model selects DefaultModel.
func NewResolver(client *anthropic.Client, model string, logger zerolog.Logger) *Resolver {
	if model == "" {
		model = DefaultModel
	}
	return &Resolver{
		client: client,
		model:  model,
		logger: logger.With().Str("component", "anthropic_resolver").Logger(),
	}
}

// Resolve implements facts.Resolver.
func (r *Resolver) Resolve(ctx context.Context, match facts.Match, candidate facts.Observation) (facts.Decision, error) {
	prompt := fmt.Sprintf("Existing fact (confidence %d): %s\nNew observation (confidence %d): %s\nMatched by: %s",
		match.Existing.Confidence, match.Existing.Fact, candidate.Confidence, candidate.Statement(), match.Stage)
	if match.Scored {
		prompt += fmt.Sprintf(" (similarity %.2f)", match.Similarity)
	}
	text, err := r.complete(ctx, resolveSystemPrompt, prompt, 256)
	if err != nil {
		return facts.Decision{}, err
	}
	d, err := parseDecision(text)
	if err != nil {
		return facts.Decision{}, err
	}
	r.logger.Debug().
		Str("fact_id", match.Existing.FactID).
		Str("action", string(d.Action)).
		Str("reason", d.Reason).
		Msg("Resolved ambiguous match")
	return d, nil
}

func (r *Resolver) complete(ctx context.Context, system, prompt string, maxTokens int64) (string, error) {
	return complete(ctx, r.client, r.model, system, prompt, maxTokens)
}

func parseDecision(text string) (facts.Decision, error) {
	text = strings.TrimSpace(text)
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		text = text[i : j+1]
	}
	var d facts.Decision
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return facts.Decision{}, llm.NewInvalidResponseError("failed to parse resolver decision", err)
	}
	d.Action = facts.Action(strings.ToUpper(strings.TrimSpace(string(d.Action))))
	switch d.Action {
	case facts.ActionCreate, facts.ActionUpdate, facts.ActionSupersede, facts.ActionDelete, facts.ActionDiscard:
	default:
		return facts.Decision{}, llm.NewInvalidResponseError(fmt.Sprintf("unknown resolver action %q", d.Action), nil)
	}
	d.Confidence = min(max(d.Confidence, 0), 100)
	return d, nil
}

const summarizeSystemPrompt = `You condense a user's conversation turn into a short memory for a real-estate assistant.

Rules:
- Keep every stated preference, constraint, place, price and date
- Write in third person about "the user"
- Use plain text only (no markdown, no lists)
- One to three sentences`

// Summarizer condenses memories with a Claude model.
type Summarizer struct {
	client *anthropic.Client
	model  string
}

// NewSummarizer creates a summarizer. An empty model selects DefaultModel.
func NewSummarizer(client *anthropic.Client, model string) *Summarizer {
	if model == "" {
		model = DefaultModel
	}
	return &Summarizer{client: client, model: model}
}

// Summarize implements memory.Summarizer. Empty text yields an empty summary.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	summary, err := complete(ctx, s.client, s.model, summarizeSystemPrompt, "Summarize this for long-term memory:\n\n"+text, 512)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", llm.NewInvalidResponseError(fmt.Sprintf("received empty summary from model %s", s.model), nil)
	}
	return summary, nil
}

func complete(ctx context.Context, client *anthropic.Client, model, system, prompt string, maxTokens int64) (string, error) {
	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", convertAnthropicError(err)
	}
	var b strings.Builder
	for _, blockUnion := range message.Content {
		if block, ok := blockUnion.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func convertAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &llm.Error{Type: llm.ErrorTypeNetwork, Message: "Anthropic request failed", ProviderErr: err}
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		return llm.NewRateLimitError("Anthropic rate limit", &retryAfter, err)
	case apiErr.StatusCode == http.StatusRequestEntityTooLarge:
		return llm.NewRequestTooLargeError("Anthropic request too large", err)
	case apiErr.StatusCode == http.StatusBadRequest:
		return &llm.Error{
			Type:        llm.ErrorTypeInvalidRequest,
			Message:     "Anthropic invalid request",
			StatusCode:  apiErr.StatusCode,
			ProviderErr: err,
		}
	case apiErr.StatusCode >= http.StatusInternalServerError:
		// 529 overloaded lands here too.
		return &llm.Error{
			Type:        llm.ErrorTypeProvider,
			Message:     "Anthropic server error",
			Retryable:   true,
			StatusCode:  apiErr.StatusCode,
			ProviderErr: err,
		}
	default:
		return &llm.Error{
			Type:        llm.ErrorTypeProvider,
			Message:     "Anthropic API error",
			StatusCode:  apiErr.StatusCode,
			ProviderErr: err,
		}
	}
}
