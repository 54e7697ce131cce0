package optimizer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/winnowhq/winnow/pkg/config"
	"github.com/winnowhq/winnow/pkg/logging"
	"github.com/winnowhq/winnow/pkg/types"
)

// FallbackStrategy is a simplified, dependency-free selection algorithm
// used when primary multi-signal scoring is disabled or fails. Strategies
// must not depend on the embedding provider or any external service.
type FallbackStrategy interface {
	// Name returns the strategy's identifier for logging and debugging.
	Name() string

	// Priority orders strategies within the chain; lower runs first.
	Priority() int

	// Select builds a window from the chunks under the budget. Returning
	// an error (or panicking) hands control to the next strategy.
	Select(chunks []*types.ConversationChunk, query types.RelevanceQuery, budget int, cfg *config.Config) (*types.ContextWindow, error)
}

// FallbackStrategyManager holds an ordered chain of fallback strategies
// and runs them until one produces a well-formed window. Execute itself
// never fails: if every strategy errors, the ultimate fallback is an
// empty window. Registration and execution may be interleaved from
// different goroutines; the chain is mutex-guarded.
type FallbackStrategyManager struct {
	mu         sync.RWMutex
	strategies []FallbackStrategy
	log        *logging.Logger
}

// NewFallbackStrategyManager creates a manager with the built-in recency
// and simple-truncation strategies registered. log may be nil.
func NewFallbackStrategyManager(log *logging.Logger, clock func() time.Time) *FallbackStrategyManager {
	if log == nil {
		log = logging.Nop()
	}
	m := &FallbackStrategyManager{log: log}
	m.AddStrategy(NewRecencyFallbackStrategy(clock))
	m.AddStrategy(NewSimpleTruncationFallbackStrategy())
	return m
}

// AddStrategy registers a strategy at its own priority. The chain is kept
// sorted by ascending priority; registration order breaks ties.
func (m *FallbackStrategyManager) AddStrategy(s FallbackStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.strategies = append(m.strategies, s)
	sort.SliceStable(m.strategies, func(i, j int) bool {
		return m.strategies[i].Priority() < m.strategies[j].Priority()
	})
}

// Strategies returns a defensive copy of the chain in priority order.
func (m *FallbackStrategyManager) Strategies() []FallbackStrategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FallbackStrategy(nil), m.strategies...)
}

// Execute tries each strategy in priority order and returns the first
// well-formed window. Strategy errors and panics are logged at warning
// level and the next strategy is tried.
func (m *FallbackStrategyManager) Execute(chunks []*types.ConversationChunk, query types.RelevanceQuery, budget int, cfg *config.Config) *types.ContextWindow {
	for _, strategy := range m.Strategies() {
		window, err := m.runStrategy(strategy, chunks, query, budget, cfg)
		if err != nil {
			m.log.Warnf("fallback strategy %s failed: %v", strategy.Name(), err)
			continue
		}
		if !wellFormed(window, budget) {
			m.log.Warnf("fallback strategy %s returned a malformed window, trying next", strategy.Name())
			continue
		}
		m.log.Infof("fallback strategy %s selected %d chunks (%d tokens)", strategy.Name(), len(window.Chunks), window.TotalTokens)
		return window
	}

	m.log.Warnf("all fallback strategies failed, returning empty window")
	return types.EmptyWindow(budget)
}

// runStrategy invokes one strategy with panic containment.
func (m *FallbackStrategyManager) runStrategy(strategy FallbackStrategy, chunks []*types.ConversationChunk, query types.RelevanceQuery, budget int, cfg *config.Config) (window *types.ContextWindow, err error) {
	defer func() {
		if r := recover(); r != nil {
			window = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return strategy.Select(chunks, query, budget, cfg)
}

// wellFormed checks the success predicate shared by all strategies: a
// non-nil window with non-negative totals that echoes the requested budget.
func wellFormed(w *types.ContextWindow, budget int) bool {
	return w != nil && w.TotalTokens >= 0 && w.MaxTokens == budget
}

// =============================================================================
// Built-in strategies
// =============================================================================

// RecencyFallbackStrategy scores purely by exponential recency decay plus
// the mandatory-content boosts, then applies the same two-pass
// mandatory-then-budget-constrained selection as the primary path. It
// needs no external dependencies at all.
type RecencyFallbackStrategy struct {
	clock func() time.Time
}

// NewRecencyFallbackStrategy creates the recency strategy. clock may be
// nil, in which case time.Now is used.
func NewRecencyFallbackStrategy(clock func() time.Time) *RecencyFallbackStrategy {
	if clock == nil {
		clock = time.Now
	}
	return &RecencyFallbackStrategy{clock: clock}
}

// Name returns the strategy name.
func (s *RecencyFallbackStrategy) Name() string {
	return "RecencyFallback"
}

// Priority returns 1: this is the first fallback tried.
func (s *RecencyFallbackStrategy) Priority() int {
	return 1
}

// Select scores chunks by recency and boosts, then selects under budget.
func (s *RecencyFallbackStrategy) Select(chunks []*types.ConversationChunk, query types.RelevanceQuery, budget int, cfg *config.Config) (*types.ContextWindow, error) {
	queryTime := query.Timestamp
	if queryTime == 0 {
		queryTime = s.clock().UnixMilli()
	}

	mandatoryTags := compileMandatoryMatcher(cfg)

	scores := make(map[string]*types.ScoreBreakdown, len(chunks))
	for _, chunk := range chunks {
		breakdown := &types.ScoreBreakdown{
			Recency: clamp01(recencyScore(queryTime, chunk.Timestamp)),
		}
		if chunk.Pinned() {
			breakdown.Boost += pinnedBoost
		}
		if hasMandatoryTag(chunk, mandatoryTags) {
			breakdown.Boost += mandatoryTagBoost
		}
		breakdown.Final = breakdown.Recency + breakdown.Boost
		scores[chunk.ID] = breakdown
	}

	selector := NewBudgetSelector(nil)
	return selector.Select(chunks, scores, query, budget, cfg, mandatoryTags), nil
}

// SimpleTruncationFallbackStrategy keeps mandatory chunks (counted against
// the budget) and then adds optional chunks newest-first until the budget
// is exhausted. It is the last resort before the empty window: no scoring
// at all, just truncation.
type SimpleTruncationFallbackStrategy struct{}

// NewSimpleTruncationFallbackStrategy creates the truncation strategy.
func NewSimpleTruncationFallbackStrategy() *SimpleTruncationFallbackStrategy {
	return &SimpleTruncationFallbackStrategy{}
}

// Name returns the strategy name.
func (s *SimpleTruncationFallbackStrategy) Name() string {
	return "SimpleTruncationFallback"
}

// Priority returns 2: truncation runs after the recency fallback.
func (s *SimpleTruncationFallbackStrategy) Priority() int {
	return 2
}

// Select truncates newest-first under the budget, mandatory chunks always
// included, output chronological.
func (s *SimpleTruncationFallbackStrategy) Select(chunks []*types.ConversationChunk, query types.RelevanceQuery, budget int, cfg *config.Config) (*types.ContextWindow, error) {
	mandatoryTags := compileMandatoryMatcher(cfg)
	mandatory, optional := partitionMandatory(chunks, mandatoryTags)

	selected := append([]*types.ConversationChunk(nil), mandatory...)
	totalTokens := 0
	for _, chunk := range mandatory {
		totalTokens += chunk.Tokens
	}

	newestFirst := append([]*types.ConversationChunk(nil), optional...)
	sort.SliceStable(newestFirst, func(i, j int) bool {
		if newestFirst[i].Timestamp != newestFirst[j].Timestamp {
			return newestFirst[i].Timestamp > newestFirst[j].Timestamp
		}
		return newestFirst[i].ID < newestFirst[j].ID
	})

	for _, chunk := range newestFirst {
		if cfg.MaxChunks > 0 && len(selected) >= cfg.MaxChunks {
			break
		}
		if totalTokens+chunk.Tokens > budget {
			break
		}
		selected = append(selected, chunk)
		totalTokens += chunk.Tokens
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return lessChronological(selected[i], selected[j])
	})

	return &types.ContextWindow{
		Chunks:      selected,
		TotalTokens: totalTokens,
		MaxTokens:   budget,
	}, nil
}
