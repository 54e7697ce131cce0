// Package optimizer implements the context optimization engine: a
// relevance-ranked, budget-constrained selection of conversation history
// for the next model request, with guaranteed inclusion of mandatory
// content and an ordered chain of degraded fallback strategies.
package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/winnowhq/winnow/pkg/config"
	"github.com/winnowhq/winnow/pkg/embedding"
	"github.com/winnowhq/winnow/pkg/logging"
	"github.com/winnowhq/winnow/pkg/tokenizer"
	"github.com/winnowhq/winnow/pkg/types"
)

// Manager is the engine façade. It owns the configuration and the chunk
// registry, orchestrates the scorer, selector, and fallback chain, and
// tracks statistics.
//
// Concurrent OptimizeContext calls on one Manager are safe to interleave.
// Registry mutation (AddChunk/RemoveChunk/Clear) is caller-serialized with
// respect to in-flight OptimizeContext calls: each optimization snapshots
// the registry at entry, so interleaved mutation is memory-safe but the
// snapshot a given call sees is unspecified.
type Manager struct {
	mu    sync.RWMutex // guards cfg, globs, and stats
	cfg   *config.Config
	globs []glob.Glob

	registry *ChunkRegistry
	provider embedding.Provider
	scorer   *RelevanceScorer
	selector *BudgetSelector
	fallback *FallbackStrategyManager
	counter  *tokenizer.Counter
	log      *logging.Logger
	clock    func() time.Time

	lastStats    *types.OptimizationStats
	cumulative   types.CumulativeStats
	sumReduction float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmbeddingProvider supplies the embedding collaborator. Without one,
// the embedding signal is always zero.
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(m *Manager) {
		m.provider = p
	}
}

// WithTokenCounter supplies the counter used to backfill token counts for
// chunks added without one. Default: the heuristic counter.
func WithTokenCounter(c *tokenizer.Counter) Option {
	return func(m *Manager) {
		if c != nil {
			m.counter = c
		}
	}
}

// WithLogger supplies a logger. Default: a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source, which makes recency scoring and
// processing-time stats deterministic in tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New creates a Manager. A nil config uses the defaults; a non-nil config
// is validated and rejected with a *config.ValidationError if malformed.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	} else {
		cfg = cfg.Clone()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	globs, err := cfg.CompileMandatoryPatterns()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		globs:    globs,
		registry: NewChunkRegistry(),
		counter:  tokenizer.NewHeuristic(),
		log:      logging.Nop(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	// Pipeline components are built after the options so they see the
	// final logger and clock.
	m.scorer = NewRelevanceScorer(m.provider, m.log, m.clock)
	m.selector = NewBudgetSelector(m.log)
	m.fallback = NewFallbackStrategyManager(m.log, m.clock)

	return m, nil
}

// Config returns a copy of the active configuration.
func (m *Manager) Config() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// UpdateConfig validates and atomically swaps the configuration. On
// failure the prior configuration is left unchanged.
func (m *Manager) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		return &config.ValidationError{Field: "config", Reason: "must not be nil"}
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return err
	}
	globs, err := cfg.CompileMandatoryPatterns()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.globs = globs
	return nil
}

// AddChunk adds a chunk to the registry, backfilling its token count when
// the host did not precompute one.
func (m *Manager) AddChunk(chunk *types.ConversationChunk) {
	if chunk == nil {
		return
	}
	if chunk.Tokens == 0 && chunk.Content != "" {
		chunk.Tokens = m.counter.CountText(chunk.Content)
	}
	m.registry.AddChunk(chunk)
}

// AddChunks adds multiple chunks in order.
func (m *Manager) AddChunks(chunks []*types.ConversationChunk) {
	for _, chunk := range chunks {
		m.AddChunk(chunk)
	}
}

// GetChunk returns a chunk by ID.
func (m *Manager) GetChunk(id string) (*types.ConversationChunk, bool) {
	return m.registry.GetChunk(id)
}

// RemoveChunk deletes a chunk by ID, reporting whether it was present.
func (m *Manager) RemoveChunk(id string) bool {
	return m.registry.RemoveChunk(id)
}

// Clear empties the registry and resets the last-call statistics.
// Cumulative statistics persist for the life of the manager; use
// ResetCumulativeStats to drop them explicitly.
func (m *Manager) Clear() {
	m.registry.Clear()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStats = nil
}

// TotalTokens sums the token counts of all registered chunks.
func (m *Manager) TotalTokens() int {
	return m.registry.TotalTokens()
}

// Registry exposes the underlying chunk registry for hosts that need its
// filtered views (by role, time range, pinned state, or advisory score).
func (m *Manager) Registry() *ChunkRegistry {
	return m.registry
}

// AddFallbackStrategy registers a custom fallback strategy at its own
// priority within the chain.
func (m *Manager) AddFallbackStrategy(s FallbackStrategy) {
	m.fallback.AddStrategy(s)
}

// FallbackStrategies returns a defensive copy of the fallback chain.
func (m *Manager) FallbackStrategies() []FallbackStrategy {
	return m.fallback.Strategies()
}

// OptimizeContext selects which chunks to send to the model for the given
// query under maxTokens. It never fails the caller: scoring or selection
// problems route through the fallback chain, and the worst case is an
// empty window.
//
// The embedding lookup inside the scorer is the only point that can block
// on I/O; everything else is CPU-bound over the registry snapshot taken at
// entry.
func (m *Manager) OptimizeContext(ctx context.Context, query types.RelevanceQuery, maxTokens int) *types.ContextWindow {
	start := m.clock()

	m.mu.RLock()
	cfg := m.cfg
	globs := m.globs
	m.mu.RUnlock()

	if !cfg.Enabled {
		chunks := m.registry.AllChunks()
		window := &types.ContextWindow{
			Chunks:      chunks,
			TotalTokens: m.registry.TotalTokens(),
			MaxTokens:   maxTokens,
		}
		m.recordStats(window, len(chunks), window.TotalTokens, start)
		return window
	}

	snapshot := m.registry.AllChunks()
	originalTokens := 0
	for _, chunk := range snapshot {
		originalTokens += chunk.Tokens
	}

	if len(snapshot) == 0 {
		window := types.EmptyWindow(maxTokens)
		m.recordStats(window, 0, 0, start)
		return window
	}

	window, err := m.scoreAndSelect(ctx, snapshot, query, maxTokens, cfg, globs)
	if err != nil {
		m.log.Warnf("primary scoring/selection failed, entering fallback chain: %v", err)
		window = m.fallback.Execute(snapshot, query, maxTokens, cfg)
	}

	m.recordStats(window, len(snapshot), originalTokens, start)
	return window
}

// scoreAndSelect runs the primary scorer and selector with panic
// containment, so a scoring bug degrades to the fallback chain instead of
// crashing the caller.
func (m *Manager) scoreAndSelect(ctx context.Context, chunks []*types.ConversationChunk, query types.RelevanceQuery, budget int, cfg *config.Config, globs []glob.Glob) (window *types.ContextWindow, err error) {
	defer func() {
		if r := recover(); r != nil {
			window = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	scores := m.scorer.Score(ctx, chunks, query, cfg)
	return m.selector.Select(chunks, scores, query, budget, cfg, globs), nil
}

// recordStats computes this call's statistics and merges them into the
// cumulative record.
func (m *Manager) recordStats(window *types.ContextWindow, originalChunks, originalTokens int, start time.Time) {
	reduction := 0.0
	if originalTokens > 0 {
		reduction = (1 - float64(window.TotalTokens)/float64(originalTokens)) * 100
	}

	stats := &types.OptimizationStats{
		OriginalChunks:      originalChunks,
		OriginalTokens:      originalTokens,
		SelectedChunks:      len(window.Chunks),
		SelectedTokens:      window.TotalTokens,
		ReductionPercentage: reduction,
		ProcessingTimeMs:    float64(m.clock().Sub(start).Microseconds()) / 1000,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStats = stats
	m.cumulative.TotalOptimizations++
	m.cumulative.TotalTokensProcessed += originalTokens
	m.sumReduction += reduction
	m.cumulative.AverageReductionPercentage = m.sumReduction / float64(m.cumulative.TotalOptimizations)

	m.log.Debugf("optimization done: %d -> %d chunks, %d -> %d tokens (%.1f%% reduction) in %.2fms",
		originalChunks, stats.SelectedChunks, originalTokens, stats.SelectedTokens, reduction, stats.ProcessingTimeMs)
}

// OptimizationStats returns the last call's statistics, or nil if no
// optimization has run since construction or Clear.
func (m *Manager) OptimizationStats() *types.OptimizationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastStats == nil {
		return nil
	}
	stats := *m.lastStats
	return &stats
}

// CumulativeStats returns the running totals since construction or the
// last ResetCumulativeStats.
func (m *Manager) CumulativeStats() types.CumulativeStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cumulative
}

// ResetCumulativeStats zeroes the cumulative record. Hosts aggregating
// across managers do so explicitly; nothing here is process-global.
func (m *Manager) ResetCumulativeStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cumulative = types.CumulativeStats{}
	m.sumReduction = 0
}
