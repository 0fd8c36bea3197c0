// Package scheduler runs the engine's background maintenance loop: prune,
// decay, tier compaction, and the optional LLM-backed reclassify/reflect
// passes. Everything runs serialized through one goroutine on a single
// time.Ticker, grounded on the engine's own embedWithRetry backoff idiom —
// transient task failures (a locked database, a generator timeout) are
// retried with github.com/cenkalti/backoff/v4 rather than aborting the tick.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/classify"
)

// Config controls how often each maintenance task runs. Prune and decay run
// on every Tick; a zero Tick or TierCompactEvery takes its default, and a
// zero ReclassifyEvery or ReflectEvery disables that task.
type Config struct {
	Tick             time.Duration // base loop interval; default 1h
	TierCompactEvery time.Duration // default 24h
	ReclassifyEvery  time.Duration // 0 disables (needs a classifier with a generator)
	ReflectEvery     time.Duration // 0 disables (needs a reflector attached via SetReflector)

	// InactivePreferenceDays is how long a fact may sit untouched before
	// tierCompact considers it stale (spec §4.7 tier compaction). Default 3 days.
	InactivePreferenceDays time.Duration
	// HotMaxFacts and HotMaxTokens bound how many blocker-tagged facts
	// tierCompact will promote to hot in a single pass.
	HotMaxFacts  int
	HotMaxTokens int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Hour
	}
	if c.TierCompactEvery <= 0 {
		c.TierCompactEvery = 24 * time.Hour
	}
	if c.InactivePreferenceDays <= 0 {
		c.InactivePreferenceDays = 3 * 24 * time.Hour
	}
	if c.HotMaxFacts <= 0 {
		c.HotMaxFacts = 20
	}
	if c.HotMaxTokens <= 0 {
		c.HotMaxTokens = 2000
	}
	return c
}

// Scheduler owns the maintenance ticker.
type Scheduler struct {
	store      memory.Store
	classifier *classify.Classifier
	reflector  *memory.Reflector
	cfg        Config
	log        *zap.Logger

	lastTierCompact time.Time
	lastReclassify  time.Time
	lastReflect     time.Time
}

// New constructs a Scheduler. classifier may be nil to disable reclassify.
// A nil log falls back to zap.NewNop(), matching the pack's own
// test-logger convention.
func New(store memory.Store, classifier *classify.Classifier, cfg Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{store: store, classifier: classifier, cfg: cfg.withDefaults(), log: log}
}

// SetReflector attaches a reflector used by the reflect task to distill
// session-scoped facts into durable ones. Nil disables the task even if
// Config.ReflectEvery is set.
func (s *Scheduler) SetReflector(r *memory.Reflector) {
	s.reflector = r
}

// Run blocks, ticking the maintenance loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// RunOnce executes a single maintenance pass immediately; used by
// cmd/memoryctl's prune subcommand and by tests.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.withRetry(ctx, s.prune); err != nil {
		s.log.Error("scheduler: prune failed", zap.Error(err))
	}
	if err := s.withRetry(ctx, s.decay); err != nil {
		s.log.Error("scheduler: decay failed", zap.Error(err))
	}

	now := time.Now()
	if now.Sub(s.lastTierCompact) >= s.cfg.TierCompactEvery {
		if err := s.withRetry(ctx, s.tierCompact); err != nil {
			s.log.Error("scheduler: tier compaction failed", zap.Error(err))
		}
		s.lastTierCompact = now
	}

	if s.cfg.ReclassifyEvery > 0 && s.classifier != nil && now.Sub(s.lastReclassify) >= s.cfg.ReclassifyEvery {
		if err := s.withRetry(ctx, s.reclassify); err != nil {
			s.log.Error("scheduler: reclassify failed", zap.Error(err))
		}
		s.lastReclassify = now
	}

	if s.cfg.ReflectEvery > 0 && s.reflector != nil && now.Sub(s.lastReflect) >= s.cfg.ReflectEvery {
		if err := s.withRetry(ctx, s.reflect); err != nil {
			s.log.Error("scheduler: reflect failed", zap.Error(err))
		}
		s.lastReflect = now
	}
}

// withRetry wraps a maintenance task with bounded exponential backoff so a
// single transient error (a momentarily locked database) doesn't skip the
// whole tick.
func (s *Scheduler) withRetry(ctx context.Context, task func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error { return task(ctx) }, backoff.WithContext(b, ctx))
}

// prune finds facts whose expiry has passed and deletes them (spec §4.7
// prune task). Permanent facts never appear here since ComputeExpiry never
// sets their ExpiresAt.
func (s *Scheduler) prune(ctx context.Context) error {
	expired, err := s.store.Expired(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, f := range expired {
		if err := s.store.Delete(ctx, f.ID); err != nil {
			return err
		}
	}
	if len(expired) > 0 {
		s.log.Info("scheduler: pruned expired facts", zap.Int("count", len(expired)))
	}
	return nil
}

// decay halves the confidence of facts that have crossed 75% of their TTL
// since last confirmation, deleting any that fall below MinConfidence
// (invariant I5).
func (s *Scheduler) decay(ctx context.Context) error {
	facts, err := s.store.List(ctx, memory.QueryOpts{OnlyActive: true})
	if err != nil {
		return err
	}
	now := time.Now()
	var decayed, deleted int
	for _, f := range facts {
		threshold, ok := f.DecayThreshold()
		if !ok || now.Before(threshold) {
			continue
		}
		newConfidence := f.Confidence / 2
		if newConfidence < memory.MinConfidence {
			if err := s.store.Delete(ctx, f.ID); err != nil {
				return err
			}
			deleted++
			continue
		}
		if err := s.store.SetConfidence(ctx, f.ID, newConfidence); err != nil {
			return err
		}
		decayed++
	}
	if decayed > 0 || deleted > 0 {
		s.log.Info("scheduler: decay pass complete", zap.Int("decayed", decayed), zap.Int("deleted", deleted))
	}
	return nil
}

// tierCompact applies the spec's three tier-compaction rules (§4.7):
// facts tagged "blocker" are promoted to hot, bounded by HotMaxFacts and
// HotMaxTokens; hot facts that aren't blockers and have gone untouched
// past InactivePreferenceDays fall back to warm; decisions and tasks that
// have gone stale the same way are archived to cold.
func (s *Scheduler) tierCompact(ctx context.Context) error {
	facts, err := s.store.List(ctx, memory.QueryOpts{OnlyActive: true})
	if err != nil {
		return err
	}
	now := time.Now()

	var blockers, rest []memory.Fact
	for _, f := range facts {
		if hasTag(f, "blocker") {
			blockers = append(blockers, f)
		} else {
			rest = append(rest, f)
		}
	}
	sort.Slice(blockers, func(i, j int) bool {
		return blockers[i].Importance > blockers[j].Importance
	})

	var moved, hotCount, hotTokens int
	for _, f := range blockers {
		tokens := memory.EstimateTokens(f.Text)
		if hotCount >= s.cfg.HotMaxFacts || hotTokens+tokens > s.cfg.HotMaxTokens {
			break
		}
		hotCount++
		hotTokens += tokens
		if f.Tier == memory.TierHot {
			continue
		}
		if err := s.store.SetTier(ctx, f.ID, memory.TierHot); err != nil {
			return err
		}
		moved++
	}

	for _, f := range rest {
		stale := now.Sub(f.LastConfirmedAt) > s.cfg.InactivePreferenceDays
		var target memory.Tier
		switch {
		case f.Tier == memory.TierHot && stale:
			target = memory.TierWarm
		case stale && (f.Category == memory.CategoryDecision || hasTag(f, "task")):
			target = memory.TierCold
		default:
			continue
		}
		if target == f.Tier {
			continue
		}
		if err := s.store.SetTier(ctx, f.ID, target); err != nil {
			return err
		}
		moved++
	}

	if moved > 0 {
		s.log.Info("scheduler: tier compaction moved facts", zap.Int("count", moved))
	}
	return nil
}

func hasTag(f memory.Fact, tag string) bool {
	for _, t := range f.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// reclassify asks the classifier's generator to re-evaluate facts the
// heuristic classifier couldn't confidently place (CategoryOther). Skips
// entirely if the classifier has no generator attached.
func (s *Scheduler) reclassify(ctx context.Context) error {
	facts, err := s.store.List(ctx, memory.QueryOpts{Category: memory.CategoryOther, OnlyActive: true, Limit: 50})
	if err != nil {
		return err
	}
	var updated int
	for _, f := range facts {
		class, ok, err := s.classifier.Reclassify(ctx, f)
		if err != nil {
			s.log.Warn("scheduler: reclassify failed for fact", zap.String("id", f.ID), zap.Error(err))
			continue
		}
		if !ok {
			return nil // no generator configured; nothing more to try
		}
		if err := s.store.SetClassification(ctx, f.ID, class.Category, class.DecayClass); err != nil {
			return err
		}
		updated++
	}
	if updated > 0 {
		s.log.Info("scheduler: reclassified facts", zap.Int("count", updated))
	}
	return nil
}

// reflect distills accumulated session-scoped facts into durable ones via
// the attached reflector, a no-op when none is attached. Session facts
// are short-lived working memory (spec's DecaySession class); this pass
// is what promotes anything worth keeping past the session's own TTL.
func (s *Scheduler) reflect(ctx context.Context) error {
	if s.reflector == nil {
		return nil
	}

	facts, err := s.store.List(ctx, memory.QueryOpts{OnlyActive: true})
	if err != nil {
		return err
	}

	var sb strings.Builder
	var entity string
	var count int
	for _, f := range facts {
		if f.DecayClass != memory.DecaySession {
			continue
		}
		fmt.Fprintf(&sb, "- %s\n", f.Text)
		if entity == "" {
			entity = f.Entity
		}
		count++
	}
	if count == 0 {
		return nil
	}

	result, err := s.reflector.Reflect(ctx, sb.String(), memory.ReflectOpts{
		Entity: entity,
		Source: memory.SourceReflection,
	})
	if err != nil {
		return err
	}
	if len(result.Captured) > 0 {
		s.log.Info("scheduler: reflection distilled facts", zap.Int("count", len(result.Captured)))
	}
	return nil
}
