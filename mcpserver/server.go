// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes an Engine-backed persistent memory system as MCP tools. It is
// designed to give an LLM agent durable, searchable memory across sessions
// via hybrid FTS5 + vector recall, graph-boosted and decay-aware.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
)

// MemoryServer bridges MCP tool calls to a memory.Engine.
type MemoryServer struct {
	engine *memory.Engine
}

// NewMemoryServer creates a server backed by the given engine.
func NewMemoryServer(engine *memory.Engine) *MemoryServer {
	return &MemoryServer{engine: engine}
}

// --- Input types (MCP SDK infers JSON schemas from struct tags) ---

// StoreInput is the input schema for the memory_store tool.
type StoreInput struct {
	Text   string `json:"text" jsonschema:"the factual claim or memory to store"`
	Entity string `json:"entity" jsonschema:"the entity this fact is about (e.g. a person or project)"`
	Key    string `json:"key,omitempty" jsonschema:"the attribute name this fact records about entity (e.g. \"email\"); pairs with value for the entity+key model"`
	Value  string `json:"value,omitempty" jsonschema:"the attribute's value, when key is set"`
	Source string `json:"source,omitempty" jsonschema:"who produced this fact: user, agent, tool, import, or reflection (default: agent)"`
}

// CaptureEventInput is the input schema for the memory_capture_event tool.
type CaptureEventInput struct {
	Text   string `json:"text" jsonschema:"a conversational turn or event to run through the capture pipeline"`
	Entity string `json:"entity,omitempty" jsonschema:"the entity this event concerns, if known"`
}

// RecallInput is the input schema for the memory_recall tool.
type RecallInput struct {
	Query          string `json:"query" jsonschema:"natural language recall query"`
	Entity         string `json:"entity,omitempty" jsonschema:"filter results to a specific entity"`
	Category       string `json:"category,omitempty" jsonschema:"filter results to a specific category"`
	Limit          int    `json:"limit,omitempty" jsonschema:"maximum number of results (default 10)"`
	TokenBudget    int    `json:"token_budget,omitempty" jsonschema:"approximate token budget to trim results to (0 = unbounded)"`
	Index          bool   `json:"index,omitempty" jsonschema:"if true, return a compact progressive-disclosure index instead of full text"`
	IncludeCold    bool   `json:"include_cold,omitempty" jsonschema:"if true, include archival COLD-tier facts (excluded by default)"`
	PreferLongTerm bool   `json:"prefer_long_term,omitempty" jsonschema:"if true, weight permanent/stable facts 1.25x over session/active chatter when both match"`
}

// LookupInput is the input schema for the memory_lookup tool.
type LookupInput struct {
	Entity     string `json:"entity" jsonschema:"the entity to list known facts for"`
	Key        string `json:"key,omitempty" jsonschema:"restrict to one attribute of entity (e.g. \"email\"); omit to list every fact for the entity"`
	OnlyActive bool   `json:"only_active,omitempty" jsonschema:"if true, exclude superseded facts (default false)"`
}

// SearchInput is the input schema for the memory_search tool, the raw
// hybrid-search primitive without budget trimming or refresh side effects.
type SearchInput struct {
	Query             string `json:"query" jsonschema:"natural language search query"`
	Entity            string `json:"entity,omitempty" jsonschema:"filter results to a specific entity"`
	Category          string `json:"category,omitempty" jsonschema:"filter results to a specific category"`
	Limit             int    `json:"limit,omitempty" jsonschema:"maximum number of results (default 10)"`
	IncludeSuperseded bool   `json:"include_superseded,omitempty" jsonschema:"if true, include superseded facts in results"`
}

// ForgetInput is the input schema for the memory_forget tool.
type ForgetInput struct {
	ID string `json:"id" jsonschema:"the fact ID to delete outright"`
}

// SupersedeInput is the input schema for the memory_supersede tool.
type SupersedeInput struct {
	OldID string `json:"old_id" jsonschema:"ID of the fact being replaced"`
	NewID string `json:"new_id" jsonschema:"ID of the fact that replaces it"`
}

// StatsInput is the input schema for the memory_stats tool.
type StatsInput struct{}

// PruneInput is the input schema for the memory_prune tool.
type PruneInput struct{}

// CompactInput is the input schema for the memory_compact tool.
type CompactInput struct{}

// VerifyInput is the input schema for the memory_verify tool.
type VerifyInput struct{}

// --- Tool registration ---

// Register adds all memory tools to the given MCP server.
func (ms *MemoryServer) Register(s *mcp.Server) {
	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_store",
		Description: `Store a fact. Persists across sessions with automatic classification, embedding, and dedup/supersession. Use this whenever you learn something worth remembering about the user, their projects, preferences, or any durable knowledge.

Store aggressively — it is better to store something and let the classifier pick its decay class than to lose it. Good candidates: user preferences, project decisions, technical choices, names, relationships, workflow habits, corrections, environment details.

Conventions:
- entity: lowercase, singular entity name (e.g. "matthew", "memory-engine", "home-server"). This is the primary lookup key — be consistent.
- The classifier decides category and decay class; you don't set them directly.`,
	}, ms.HandleStore)

	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_capture_event",
		Description: `Run a raw conversational turn or event through the capture pipeline. Identical to memory_store but framed for callers that think in terms of events rather than pre-distilled facts; classification decides whether anything is kept at all.`,
	}, ms.HandleCaptureEvent)

	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_recall",
		Description: `Recall memories relevant to a query using hybrid full-text + semantic search, fused via reciprocal rank fusion, boosted by graph relationships, and trimmed to a token budget. Facts whose decay class refreshes on access have their expiry extended as a side effect.

Use this as the default way to retrieve memory — it is the full pipeline, including refresh-on-access. Use memory_search instead when you want the raw ranked list without side effects.`,
	}, ms.HandleRecall)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_lookup",
		Description: `List every known fact for an entity directly, bypassing search ranking. Use this when you want a complete picture of one entity rather than matching a query.`,
	}, ms.HandleLookup)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_search",
		Description: `Low-level hybrid search: returns ranked results with per-channel and fused scores, without the token-budget trim or refresh-on-access side effects memory_recall applies. Set include_superseded=true to see how a fact has changed over time.`,
	}, ms.HandleSearch)

	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_forget",
		Description: `Delete a specific memory by its ID outright. Prefer memory_supersede for corrections — it preserves the old fact in history. Only forget facts that are genuinely wrong or harmful, not just outdated.`,
	}, ms.HandleForget)

	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_supersede",
		Description: `Mark an existing fact as replaced by a newer fact. Both facts must already exist. The old fact is preserved in history but excluded from active recall.`,
	}, ms.HandleSupersede)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_stats",
		Description: "Show memory store statistics: fact counts by tier, category, and decay class.",
	}, ms.HandleStats)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_prune",
		Description: "Delete every fact whose expiry has already passed. Normally run by the background scheduler; exposed for on-demand maintenance.",
	}, ms.HandlePrune)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_compact",
		Description: "Backfill missing embeddings and compact the write-ahead log once it has grown past its size threshold. Normally run by the background scheduler; exposed for on-demand maintenance.",
	}, ms.HandleCompact)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_verify",
		Description: "Check store invariants (permanent facts have no expiry, supersession references resolve, confidence never drops below the floor) and return a list of violations, empty if none.",
	}, ms.HandleVerify)
}

// --- Handlers ---

func (ms *MemoryServer) HandleStore(ctx context.Context, _ *mcp.CallToolRequest, input StoreInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Text) == "" {
		return textResult("Error: text is required", true), nil, nil
	}
	if strings.TrimSpace(input.Entity) == "" {
		return textResult("Error: entity is required", true), nil, nil
	}

	source := memory.Source(input.Source)
	if source == "" {
		source = memory.SourceAgent
	}

	res, err := ms.engine.Store(ctx, input.Text, memory.CaptureOpts{
		Entity: input.Entity,
		Key:    input.Key,
		Value:  input.Value,
		Source: source,
	})
	if err != nil {
		return textResult(fmt.Sprintf("Error storing fact: %v", err), true), nil, nil
	}
	return textResult(captureSummary(res), false), nil, nil
}

func (ms *MemoryServer) HandleCaptureEvent(ctx context.Context, _ *mcp.CallToolRequest, input CaptureEventInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Text) == "" {
		return textResult("Error: text is required", true), nil, nil
	}

	res, err := ms.engine.CaptureEvent(ctx, input.Text, memory.CaptureOpts{Entity: input.Entity, Source: memory.SourceAgent})
	if err != nil {
		return textResult(fmt.Sprintf("Error capturing event: %v", err), true), nil, nil
	}
	return textResult(captureSummary(res), false), nil, nil
}

func captureSummary(res memory.CaptureResult) string {
	switch {
	case res.Filtered:
		return "Not stored (classifier judged this low-signal)."
	case res.Duplicate:
		return "Already stored (duplicate)."
	case res.Fact == nil:
		return "Nothing captured."
	case res.Superseded != "":
		return fmt.Sprintf("Stored (id=%s, entity=%q, category=%q). Superseded fact %s.",
			res.Fact.ID, res.Fact.Entity, res.Fact.Category, res.Superseded)
	default:
		return fmt.Sprintf("Stored (id=%s, entity=%q, category=%q).", res.Fact.ID, res.Fact.Entity, res.Fact.Category)
	}
}

func (ms *MemoryServer) HandleRecall(ctx context.Context, _ *mcp.CallToolRequest, input RecallInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Query) == "" {
		return textResult("Error: query is required", true), nil, nil
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	opts := memory.RecallOpts{
		SearchOpts: memory.SearchOpts{
			MaxResults:     limit,
			Entity:         input.Entity,
			Category:       memory.Category(input.Category),
			OnlyActive:     true,
			IncludeCold:    input.IncludeCold,
			PreferLongTerm: input.PreferLongTerm,
		},
		TokenBudget: input.TokenBudget,
	}
	if input.Index {
		opts.Format = "index"
	}

	resp, err := ms.engine.Recall(ctx, input.Query, opts)
	if err != nil {
		return textResult(fmt.Sprintf("Error recalling: %v", err), true), nil, nil
	}

	if input.Index {
		if len(resp.Index) == 0 {
			return textResult("No matching memories found.", false), nil, nil
		}
		var b strings.Builder
		for i, e := range resp.Index {
			fmt.Fprintf(&b, "[%d] (id=%s) %s | %s\n", i+1, e.ID, e.Category, e.Text)
		}
		return textResult(b.String(), false), nil, nil
	}

	if len(resp.Results) == 0 {
		return textResult("No matching memories found.", false), nil, nil
	}
	return textResult(formatResults(resp.Results), false), nil, nil
}

func (ms *MemoryServer) HandleLookup(ctx context.Context, _ *mcp.CallToolRequest, input LookupInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Entity) == "" {
		return textResult("Error: entity is required", true), nil, nil
	}

	facts, err := ms.engine.Lookup(ctx, input.Entity, input.Key, input.OnlyActive)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	if len(facts) == 0 {
		return textResult("No memories found for that entity.", false), nil, nil
	}

	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "[id=%s] %s | %s | %s\n", f.ID, f.Entity, f.Category, f.CreatedAt.Format("2006-01-02 15:04"))
		fmt.Fprintf(&b, "  %s\n", f.Text)
	}
	return textResult(b.String(), false), nil, nil
}

func (ms *MemoryServer) HandleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Query) == "" {
		return textResult("Error: query is required", true), nil, nil
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	results, err := ms.engine.Search(ctx, input.Query, memory.SearchOpts{
		MaxResults: limit,
		Entity:     input.Entity,
		Category:   memory.Category(input.Category),
		OnlyActive: !input.IncludeSuperseded,
	})
	if err != nil {
		return textResult(fmt.Sprintf("Error searching: %v", err), true), nil, nil
	}
	if len(results) == 0 {
		return textResult("No matching memories found.", false), nil, nil
	}
	return textResult(formatResults(results), false), nil, nil
}

func formatResults(results []memory.SearchResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] (id=%s, score=%.3f, sources=%s) %s | %s",
			i+1, r.Fact.ID, r.Combined, strings.Join(r.Sources, "+"), r.Fact.Entity, r.Fact.Category)
		if r.Fact.SupersededBy != nil {
			fmt.Fprintf(&b, " [SUPERSEDED by %s]", *r.Fact.SupersededBy)
		}
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "    %s\n", r.Fact.Text)
		fmt.Fprintln(&b)
	}
	return b.String()
}

func (ms *MemoryServer) HandleForget(ctx context.Context, _ *mcp.CallToolRequest, input ForgetInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.ID) == "" {
		return textResult("Error: id is required", true), nil, nil
	}
	if err := ms.engine.Forget(ctx, input.ID); err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	return textResult(fmt.Sprintf("Forgot fact %s.", input.ID), false), nil, nil
}

func (ms *MemoryServer) HandleSupersede(ctx context.Context, _ *mcp.CallToolRequest, input SupersedeInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.OldID) == "" || strings.TrimSpace(input.NewID) == "" {
		return textResult("Error: both old_id and new_id are required", true), nil, nil
	}
	if input.OldID == input.NewID {
		return textResult("Error: old_id and new_id must be different", true), nil, nil
	}
	if err := ms.engine.Supersede(ctx, input.OldID, input.NewID); err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	return textResult(fmt.Sprintf("Superseded fact %s with fact %s.", input.OldID, input.NewID), false), nil, nil
}

func (ms *MemoryServer) HandleStats(ctx context.Context, _ *mcp.CallToolRequest, _ StatsInput) (*mcp.CallToolResult, any, error) {
	stats, err := ms.engine.Stats(ctx)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total facts: %d (active: %d, superseded: %d)\n\n", stats.TotalFacts, stats.ActiveFacts, stats.SupersededFacts)

	if len(stats.ByCategory) > 0 {
		fmt.Fprintln(&b, "By category:")
		for cat, n := range stats.ByCategory {
			fmt.Fprintf(&b, "  %s: %d\n", cat, n)
		}
		fmt.Fprintln(&b)
	}
	if len(stats.ByTier) > 0 {
		fmt.Fprintln(&b, "By tier:")
		for tier, n := range stats.ByTier {
			fmt.Fprintf(&b, "  %s: %d\n", tier, n)
		}
		fmt.Fprintln(&b)
	}
	if len(stats.ByDecayClass) > 0 {
		fmt.Fprintln(&b, "By decay class:")
		for dc, n := range stats.ByDecayClass {
			fmt.Fprintf(&b, "  %s: %d\n", dc, n)
		}
	}

	return textResult(b.String(), false), nil, nil
}

func (ms *MemoryServer) HandlePrune(ctx context.Context, _ *mcp.CallToolRequest, _ PruneInput) (*mcp.CallToolResult, any, error) {
	n, err := ms.engine.Prune(ctx)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	return textResult(fmt.Sprintf("Pruned %d expired facts.", n), false), nil, nil
}

func (ms *MemoryServer) HandleCompact(ctx context.Context, _ *mcp.CallToolRequest, _ CompactInput) (*mcp.CallToolResult, any, error) {
	if err := ms.engine.Compact(ctx); err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	return textResult("Compaction complete.", false), nil, nil
}

func (ms *MemoryServer) HandleVerify(ctx context.Context, _ *mcp.CallToolRequest, _ VerifyInput) (*mcp.CallToolResult, any, error) {
	violations, err := ms.engine.Verify(ctx)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	if len(violations) == 0 {
		return textResult("No invariant violations found.", false), nil, nil
	}
	return textResult(strings.Join(violations, "\n"), false), nil, nil
}

// textResult builds a CallToolResult with a single text content block.
func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: isError,
	}
}
