package memory

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEmbedder implements Embedder using the OpenAI embeddings API. It is
// an alternative to OllamaEmbedder for deployments that prefer a hosted
// model over a local Ollama instance; either satisfies the same Embedder
// interface and the engine does not care which one backs it.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder backed by the OpenAI API. apiKey may
// be empty to fall back to the OPENAI_API_KEY environment variable, which
// the underlying client reads automatically.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Model returns "openai:<model>".
func (e *OpenAIEmbedder) Model() string { return "openai:" + e.model }

// Embed generates vector embeddings for the given texts via the OpenAI
// embeddings endpoint.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("openai embed: empty response")
	}
	return out, nil
}
