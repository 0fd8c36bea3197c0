package memory

import "context"

// Generator produces free-form text completions. A Reflector uses one
// (optionally) for fact extraction from raw conversational text, which the
// scheduler runs for periodic reflection synthesis, and the classifier uses
// one (optionally) for reclassification.
// Both are entirely optional: nil generators simply disable those features.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// JSONGenerator is a Generator that can additionally be asked to produce a
// strict JSON response, for collaborators whose API supports constrained
// output modes more reliable than prompting alone.
type JSONGenerator interface {
	Generator
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}
