package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ReflectHints provides domain context to guide fact extraction during a
// reflection pass.
type ReflectHints struct {
	Persona    string   // name/role for domain context
	Focus      []string // domains to prioritize
	Categories []string // restrict to these; empty = all defaults
}

// ReflectOpts controls a single reflection run.
type ReflectOpts struct {
	Entity string // fallback entity when the generator omits one
	Source Source
	Hints  ReflectHints
}

// ReflectResult summarizes the outcome of a reflection run. Each distilled
// fact is run through the same Writer.Capture pipeline as a directly
// captured fact, so dedupe, supersession, and WAL semantics stay identical.
type ReflectResult struct {
	Captured []CaptureResult
	Errors   []error
}

// extractedFact is the intermediate representation parsed from generator
// output, before it's handed to Writer.Capture.
type extractedFact struct {
	Text     string `json:"text"`
	Entity   string `json:"entity"`
	Category string `json:"category"`
}

// ReflectPromptFunc builds the reflection prompt from raw text and hints.
type ReflectPromptFunc func(text string, hints ReflectHints) string

// Reflector distills unstructured conversational text into discrete facts
// using a Generator, deferring storage to a Writer so every captured fact
// goes through the normal filter/dedupe/embed/WAL pipeline rather than a
// separate insert path.
type Reflector struct {
	writer    *Writer
	generator Generator
	promptFn  ReflectPromptFunc // nil = defaultReflectPrompt
}

// NewReflector creates a reflector that extracts facts via generator and
// persists them via writer.
func NewReflector(writer *Writer, generator Generator) *Reflector {
	return &Reflector{writer: writer, generator: generator}
}

// SetPromptFunc overrides the default prompt builder.
func (r *Reflector) SetPromptFunc(fn ReflectPromptFunc) {
	r.promptFn = fn
}

// Reflect distills text into structured facts and captures each one.
func (r *Reflector) Reflect(ctx context.Context, text string, opts ReflectOpts) (*ReflectResult, error) {
	if r.generator == nil {
		return nil, invalidArg("Reflect", fmt.Errorf("no generator configured"))
	}

	promptFn := r.promptFn
	if promptFn == nil {
		promptFn = defaultReflectPrompt
	}
	prompt := promptFn(text, opts.Hints)

	var raw string
	var err error
	if jg, ok := r.generator.(JSONGenerator); ok {
		raw, err = jg.GenerateJSON(ctx, prompt)
	} else {
		raw, err = r.generator.Generate(ctx, prompt)
	}
	if err != nil {
		return nil, degraded("Reflect", fmt.Errorf("generation failed: %w", err))
	}

	facts, parseErrs := parseExtractResponse(raw)
	result := &ReflectResult{Errors: parseErrs}

	for _, ef := range facts {
		if strings.TrimSpace(ef.Text) == "" {
			continue
		}
		entity := ef.Entity
		if entity == "" {
			entity = opts.Entity
		}

		cr, err := r.writer.Capture(ctx, ef.Text, CaptureOpts{Entity: entity, Source: opts.Source})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("capturing %q: %w", ef.Text, err))
			continue
		}
		result.Captured = append(result.Captured, cr)
	}

	return result, nil
}

// parseExtractResponse parses the generator's JSON output into extracted
// facts, tolerating markdown code fences or surrounding prose around the
// JSON array.
func parseExtractResponse(raw string) ([]extractedFact, []error) {
	raw = strings.TrimSpace(raw)

	var facts []extractedFact
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		if start := strings.Index(raw, "["); start >= 0 {
			if end := strings.LastIndex(raw, "]"); end > start {
				if err2 := json.Unmarshal([]byte(raw[start:end+1]), &facts); err2 == nil {
					return facts, nil
				}
			}
		}
		return nil, []error{fmt.Errorf("memory: failed to parse reflection response: %w", err)}
	}

	return facts, nil
}

// defaultReflectPrompt builds the extraction prompt for the generator.
func defaultReflectPrompt(text string, hints ReflectHints) string {
	var b strings.Builder

	b.WriteString("Extract durable factual claims from the following conversation or text. Return a JSON array of objects, each with these fields:\n")
	b.WriteString("- \"text\": the factual claim as a concise sentence\n")
	b.WriteString("- \"entity\": the primary entity being described\n")
	b.WriteString("- \"category\": one of: preference, fact, decision, entity, pattern, rule, procedure, credential, other\n\n")

	if hints.Persona != "" {
		fmt.Fprintf(&b, "Context: you are extracting facts for the persona %q.\n", hints.Persona)
	}
	if len(hints.Focus) > 0 {
		fmt.Fprintf(&b, "Prioritize facts about: %s.\n", strings.Join(hints.Focus, ", "))
	}
	if len(hints.Categories) > 0 {
		fmt.Fprintf(&b, "Only extract facts in these categories: %s.\n", strings.Join(hints.Categories, ", "))
	}

	b.WriteString("\nReturn ONLY the JSON array, no other text.\n\nText:\n")
	b.WriteString(text)

	return b.String()
}
