package openai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/llm"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const extractSystemPrompt = `You extract durable facts about the user from one turn of a conversation with a real-estate assistant.

Return a JSON object {"facts": [...]} where each fact has:
- subject: who the fact is about, usually "user"
- predicate: a snake_case slot name such as likes_suburb, budget_max, bedrooms_min, prefers_property_type
- object: the value, as the user stated it
- confidence: 0-100, how sure the user sounded
- text: the fact as one short sentence
- factType: one of preference, identity, knowledge, relationship, event, observation

Rules:
- Only extract what the user said about themselves, never what the assistant suggested
- Use the same predicate for the same kind of fact so later turns can revise it
- When the user withdraws a preference, emit the predicate with object "none"
- Return {"facts": []} when the turn holds nothing worth remembering`

// DefaultConfidence is assigned to extracted facts that carry no confidence.
const DefaultConfidence = 70

// Extractor turns conversation turns into fact candidates with a JSON-mode chat model.
type Extractor struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

// NewExtractor creates an extractor. An empty model selects DefaultChatModel.
func NewExtractor(client *openai.Client, model string, logger zerolog.Logger) *Extractor {
	if model == "" {
		model = DefaultChatModel
	}
	return &Extractor{
		client: client,
		model:  model,
		logger: logger.With().Str("component", "openai_extractor").Logger(),
	}
}

type extracted struct {
	Facts []struct {
		Subject    string         `json:"subject"`
		Predicate  string         `json:"predicate"`
		Object     string         `json:"object"`
		Confidence *int           `json:"confidence"`
		Text       string         `json:"text"`
		FactType   facts.FactType `json:"factType"`
	} `json:"facts"`
}

// Extract implements llm.Extractor.
func (x *Extractor) Extract(ctx context.Context, turn llm.Turn) ([]facts.Observation, error) {
	if strings.TrimSpace(turn.Text) == "" {
		return nil, nil
	}
	var prompt strings.Builder
	prompt.WriteString("User: ")
	prompt.WriteString(turn.Text)
	if turn.Reply != "" {
		prompt.WriteString("\nAssistant: ")
		prompt.WriteString(turn.Reply)
	}

	resp, err := x.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: x.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		return nil, convertOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewInvalidResponseError("OpenAI returned no choices", nil)
	}
	return x.parse(resp.Choices[0].Message.Content, turn)
}

func (x *Extractor) parse(content string, turn llm.Turn) ([]facts.Observation, error) {
	var out extracted
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, llm.NewInvalidResponseError("failed to parse extracted facts", err)
	}
	obs := make([]facts.Observation, 0, len(out.Facts))
	for _, f := range out.Facts {
		if strings.TrimSpace(f.Subject) == "" || strings.TrimSpace(f.Predicate) == "" {
			x.logger.Debug().Str("text", f.Text).Msg("Skipping extracted fact without subject or predicate")
			continue
		}
		obs = append(obs, facts.Observation{
			UserID:     turn.UserID,
			Subject:    f.Subject,
			Predicate:  f.Predicate,
			Object:     f.Object,
			Text:       f.Text,
			Confidence: extractedConfidence(f.Confidence),
			FactType:   knownFactType(f.FactType),
			SourceType: "conversation",
		})
	}
	x.logger.Debug().Str("model", x.model).Int("facts", len(obs)).Msg("Extracted facts")
	return obs, nil
}

func knownFactType(t facts.FactType) facts.FactType {
	switch t {
	case facts.TypePreference, facts.TypeIdentity, facts.TypeKnowledge, facts.TypeRelationship, facts.TypeEvent:
		return t
	}
	return facts.TypeObservation
}

// extractedConfidence clamps a model-reported confidence to 0..100, defaulting
// when the model left it out.
func extractedConfidence(c *int) int {
	if c == nil {
		return DefaultConfidence
	}
	return min(max(*c, 0), 100)
}
