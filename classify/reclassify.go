package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
)

// reclassifyResponse is the shape a generator is asked to produce for a
// batch reclassification pass.
type reclassifyResponse struct {
	Category   string `json:"category"`
	DecayClass string `json:"decay_class"`
}

// Reclassify asks the attached generator to re-evaluate a fact whose
// heuristic category was CategoryOther or whose confidence has decayed
// enough that the scheduler flagged it for review (spec §4.7 reflect
// task). Returns ok=false if no generator is configured, in which case the
// caller should leave the fact's classification unchanged.
func (c *Classifier) Reclassify(ctx context.Context, f memory.Fact) (Classification, bool, error) {
	if c.generator == nil {
		return Classification{}, false, nil
	}

	prompt := reclassifyPrompt(f)
	var raw string
	var err error
	if jg, ok := c.generator.(memory.JSONGenerator); ok {
		raw, err = jg.GenerateJSON(ctx, prompt)
	} else {
		raw, err = c.generator.Generate(ctx, prompt)
	}
	if err != nil {
		return Classification{}, false, fmt.Errorf("classify: reclassify generation: %w", err)
	}

	resp, err := parseReclassifyResponse(raw)
	if err != nil {
		return Classification{}, false, err
	}

	return Classification{
		Category:   memory.Category(resp.Category),
		DecayClass: memory.DecayClass(resp.DecayClass),
		Tags:       f.Tags,
		Importance: f.Importance,
		Capture:    true,
	}, true, nil
}

func reclassifyPrompt(f memory.Fact) string {
	var b strings.Builder
	b.WriteString("Classify the following stored fact. Return a JSON object with two fields:\n")
	b.WriteString(`- "category": one of preference, fact, decision, entity, pattern, rule, procedure, credential, other` + "\n")
	b.WriteString(`- "decay_class": one of permanent, stable, active, session, checkpoint` + "\n\n")
	fmt.Fprintf(&b, "Fact: %q\n", f.Text)
	if f.Entity != "" {
		fmt.Fprintf(&b, "Entity: %s\n", f.Entity)
	}
	b.WriteString("\nReturn ONLY the JSON object, no other text.\n")
	return b.String()
}

func parseReclassifyResponse(raw string) (reclassifyResponse, error) {
	raw = strings.TrimSpace(raw)
	var resp reclassifyResponse
	if err := json.Unmarshal([]byte(raw), &resp); err == nil {
		return resp, nil
	}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err == nil {
				return resp, nil
			}
		}
	}
	return resp, fmt.Errorf("classify: failed to parse reclassify response: %q", raw)
}
