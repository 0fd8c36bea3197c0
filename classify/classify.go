// Package classify implements the heuristic classification stage of the
// write pipeline: deciding a captured fact's category, decay class,
// tags, and importance without requiring an LLM call on the hot path.
// An optional Generator can be layered on top for harder cases (see
// Classifier.SetGenerator) but every decision here has a deterministic
// fallback so the engine degrades gracefully without one.
package classify

import (
	"regexp"
	"strings"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
)

// Trigger is a phrase pattern that signals a capture-worthy statement and
// the decay class it implies.
type Trigger struct {
	Pattern    *regexp.Regexp
	Category   memory.Category
	DecayClass memory.DecayClass
	Importance float64
}

// defaultTriggers is seeded from the kind of phrasing conversational agents
// actually see: preference statements, identity claims, decisions, and
// corrections. Order matters — first match wins.
var defaultTriggers = []Trigger{
	{regexp.MustCompile(`(?i)\bi (prefer|like|love|hate|dislike|always|never)\b`), memory.CategoryPreference, memory.DecayStable, 0.6},
	{regexp.MustCompile(`(?i)\bmy name is\b|\bi am\b|\bi'm a\b|\bi work as\b`), memory.CategoryEntity, memory.DecayPermanent, 0.8},
	{regexp.MustCompile(`(?i)\barchitecture\b|\bwe (decided|agreed|chose|will use|are going with)\b`), memory.CategoryDecision, memory.DecayPermanent, 0.7},
	{regexp.MustCompile(`(?i)\balways (do|use|run|check)\b|\bnever (do|use|run)\b`), memory.CategoryRule, memory.DecayPermanent, 0.65},
	{regexp.MustCompile(`(?i)\bto (deploy|build|release|set up)\b.*\b(run|use|do)\b`), memory.CategoryProcedure, memory.DecaySession, 0.5},
	{regexp.MustCompile(`(?i)\bapi[_ ]?key\b|\btoken\b|\bpassword\b|\bsecret\b`), memory.CategoryCredential, memory.DecayPermanent, 0.9},
}

// ShouldCaptureMinImportance is the floor below which Classify recommends
// skipping capture entirely (spec §4.4: low-signal chatter is filtered
// before it ever reaches the write pipeline).
const ShouldCaptureMinImportance = 0.2

// Classification is an alias for memory.Classification so callers in this
// package don't need to import both packages by name.
type Classification = memory.Classification

// Classifier applies heuristic rules to decide whether and how a piece of
// text should become a Fact. It never itself talks to the store; the
// write pipeline owns persistence.
type Classifier struct {
	triggers  []Trigger
	generator memory.Generator
	keywords  map[string][]string // tag -> keyword list, extensible at runtime
}

// New creates a Classifier with the built-in trigger set.
func New() *Classifier {
	return &Classifier{
		triggers: defaultTriggers,
		keywords: map[string][]string{},
	}
}

// SetGenerator attaches an optional LLM generator used by Reclassify for
// statements the heuristics can't confidently place. Passing nil disables
// the feature; all heuristic classification still works without one.
func (c *Classifier) SetGenerator(g memory.Generator) { c.generator = g }

// LoadKeywords registers a tag's trigger keywords (e.g. loaded from a
// language-specific keyword file at startup). Matching is case-insensitive
// substring search, applied after the regex triggers.
func (c *Classifier) LoadKeywords(tag string, keywords []string) {
	c.keywords[tag] = keywords
}

// Classify applies the trigger rules to text and returns a verdict.
func (c *Classifier) Classify(text string) Classification {
	text = strings.TrimSpace(text)
	if text == "" {
		return Classification{Capture: false}
	}

	for _, trig := range c.triggers {
		if trig.Pattern.MatchString(text) {
			return Classification{
				Category:   trig.Category,
				DecayClass: trig.DecayClass,
				Tags:       c.matchKeywordTags(text),
				Importance: trig.Importance,
				Capture:    trig.Importance >= ShouldCaptureMinImportance,
			}
		}
	}

	// No trigger matched: fall back to a low-importance "fact" bucket.
	// Still captured if long enough to carry real content — single-word
	// acknowledgements ("ok", "thanks") are filtered out.
	importance := 0.3
	if wordCount(text) < 4 {
		importance = 0.1
	}
	return Classification{
		Category:   memory.CategoryFact,
		DecayClass: memory.DecaySession,
		Tags:       c.matchKeywordTags(text),
		Importance: importance,
		Capture:    importance >= ShouldCaptureMinImportance,
	}
}

func (c *Classifier) matchKeywordTags(text string) []string {
	lower := strings.ToLower(text)
	var tags []string
	for tag, keywords := range c.keywords {
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				tags = append(tags, tag)
				break
			}
		}
	}
	return memory.NormalizeTags(tags)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
