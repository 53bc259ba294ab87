// Package ollama provides the memory index's embedder and summarizer backed by a local
// Ollama server.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// Model names an Ollama model.
type Model string

const (
	ModelMXBAI      Model = "mxbai-embed-large"
	ModelNomicEmbed Model = "nomic-embed-text"
	ModelLlama32    Model = "llama3.2:3b"
)

// Embedder embeds text with an Ollama embedding model.
type Embedder struct {
	client *api.Client
	model  Model
}

// NewClient returns a client for host, or one configured from OLLAMA_HOST when host
// is empty.
func NewClient(host string) (*api.Client, error) {
	if host == "" {
		return api.ClientFromEnvironment()
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}
	return api.NewClient(base, http.DefaultClient), nil
}

// NewEmbedder creates an embedder for model on host.
func NewEmbedder(host string, model Model) (*Embedder, error) {
	if model == "" {
		model = ModelMXBAI
	}
	cli, err := NewClient(host)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: cli, model: model}, nil
}

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings for model %s", e.model)
	}
	return resp.Embeddings[0], nil
}
