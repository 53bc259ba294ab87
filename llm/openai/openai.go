// Package openai provides the OpenAI embedder and fact extractor.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/cortex/llm"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI API errors don't directly expose retry-after headers
// We'll use a default retry after duration for rate limits
const defaultRetryAfter = 20 * time.Second

const (
	DefaultEmbeddingModel = openai.SmallEmbedding3
	DefaultChatModel      = openai.GPT4oMini
)

// NewClient creates an OpenAI client.
// If apiKey is empty, it will return an error.
// If baseURL is empty, it will use the default OpenAI API endpoint.
func NewClient(apiKey, baseURL, organization string) (*openai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if organization != "" {
		config.OrgID = organization
	}
	return openai.NewClientWithConfig(config), nil
}

// Embedder embeds text with an OpenAI embedding model.
type Embedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewEmbedder creates an embedder. An empty model selects DefaultEmbeddingModel.
func NewEmbedder(client *openai.Client, model string) *Embedder {
	m := openai.EmbeddingModel(model)
	if m == "" {
		m = DefaultEmbeddingModel
	}
	return &Embedder{client: client, model: m}
}

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, convertOpenAIError(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, llm.NewInvalidResponseError(fmt.Sprintf("OpenAI returned no embedding for model %s", e.model), nil)
	}
	return resp.Data[0].Embedding, nil
}

func convertOpenAIError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= http.StatusInternalServerError {
			return &llm.Error{
				Type:        llm.ErrorTypeProvider,
				Message:     "OpenAI server error",
				Retryable:   true,
				StatusCode:  reqErr.HTTPStatusCode,
				ProviderErr: err,
			}
		}
		return &llm.Error{
			Type:        llm.ErrorTypeNetwork,
			Message:     "OpenAI request failed",
			Retryable:   false,
			ProviderErr: err,
		}
	}

	switch apiErr.HTTPStatusCode {
	case http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		return llm.NewRateLimitError(
			fmt.Sprintf("OpenAI rate limit: %s", apiErr.Message),
			&retryAfter,
			err,
		)
	case http.StatusRequestEntityTooLarge:
		return llm.NewRequestTooLargeError(
			fmt.Sprintf("OpenAI request too large: %s", apiErr.Message),
			err,
		)
	case http.StatusBadRequest:
		return &llm.Error{
			Type:        llm.ErrorTypeInvalidRequest,
			Message:     fmt.Sprintf("OpenAI invalid request: %s", apiErr.Message),
			Retryable:   false,
			StatusCode:  apiErr.HTTPStatusCode,
			ProviderErr: err,
		}
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return &llm.Error{
			Type:        llm.ErrorTypeProvider,
			Message:     fmt.Sprintf("OpenAI server error: %s", apiErr.Message),
			Retryable:   true,
			StatusCode:  apiErr.HTTPStatusCode,
			ProviderErr: err,
		}
	default:
		return &llm.Error{
			Type:        llm.ErrorTypeProvider,
			Message:     fmt.Sprintf("OpenAI API error: %s", apiErr.Message),
			Retryable:   false,
			StatusCode:  apiErr.HTTPStatusCode,
			ProviderErr: err,
		}
	}
}
