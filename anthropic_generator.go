package memory

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGenerator implements Generator and JSONGenerator using the
// Anthropic Messages API. It backs the classifier's reclassification pass
// and the scheduler's reflection task when configured; both are optional,
// so the engine runs fine without one.
type AnthropicGenerator struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicGenerator creates a generator backed by the given model (for
// example anthropic.ModelClaude3_5HaikuLatest). apiKey may be empty to fall
// back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicGenerator(apiKey string, model anthropic.Model) *AnthropicGenerator {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicGenerator{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Generate sends prompt as a single user turn and returns the assistant's
// text reply.
func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}
	var out string
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out += text.Text
		}
	}
	return out, nil
}

// GenerateJSON appends a short instruction asking for a bare JSON response
// and returns it. The Anthropic API has no constrained-JSON mode as of this
// writing, so this is prompting, not enforcement; callers should still
// tolerate markdown-fenced or prefixed output (see parseExtractResponse).
func (g *AnthropicGenerator) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return g.Generate(ctx, prompt+"\n\nRespond with JSON only, no commentary.")
}
