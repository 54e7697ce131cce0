package optimizer

import (
	"sort"

	"github.com/gobwas/glob"

	"github.com/winnowhq/winnow/pkg/config"
	"github.com/winnowhq/winnow/pkg/logging"
	"github.com/winnowhq/winnow/pkg/types"
)

// BudgetSelector performs two-pass, budget-constrained greedy selection
// over a scored chunk set. Selection is a pure function of its inputs:
// identical chunks, scores, budget, and config always produce an
// identical window.
type BudgetSelector struct {
	log *logging.Logger
}

// NewBudgetSelector creates a selector. log may be nil.
func NewBudgetSelector(log *logging.Logger) *BudgetSelector {
	if log == nil {
		log = logging.Nop()
	}
	return &BudgetSelector{log: log}
}

// Select builds a context window from scored chunks under a token budget.
//
// Mandatory chunks (pinned, or tagged to match a mandatory tag pattern)
// are always included, even when their combined tokens exceed the budget:
// the budget is a soft target for optional content only. This holds for a
// zero budget as well: a budget of 0 returns exactly the mandatory set.
//
// Optional chunks are added greedily in score order while they fit and the
// MaxChunks cap (counting mandatory and optional together) is not reached.
// A chunk that does not fit is skipped, not a stopping point: lower-scored
// chunks that still fit are admitted after it. Skipping keeps the highest
// scores in the window but means selection is not monotone in the budget.
// A larger budget can admit a large high-scoring chunk that then crowds
// out several small ones, so neither the chunk count nor the token total
// is guaranteed to grow with the budget. What is guaranteed: determinism,
// mandatory inclusion, and the budget cap on optional content.
//
// The final window is always chronological, never score-ordered, because
// downstream model consumption expects causal turn order.
func (s *BudgetSelector) Select(chunks []*types.ConversationChunk, scores map[string]*types.ScoreBreakdown, query types.RelevanceQuery, budget int, cfg *config.Config, mandatoryTags []glob.Glob) *types.ContextWindow {
	mandatory, optional := partitionMandatory(chunks, mandatoryTags)

	// An explicit query role restricts which optional chunks compete for
	// the budget; mandatory content is unaffected.
	if query.Role != "" {
		filtered := optional[:0:0]
		for _, chunk := range optional {
			if chunk.Role == query.Role {
				filtered = append(filtered, chunk)
			}
		}
		optional = filtered
	}

	if cfg.AggressivePruning {
		optional = pruneBelowMean(optional, scores)
	}

	sorted := append([]*types.ConversationChunk(nil), optional...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lessByScore(sorted[i], sorted[j], scores)
	})

	selected := append([]*types.ConversationChunk(nil), mandatory...)
	totalTokens := 0
	for _, chunk := range mandatory {
		totalTokens += chunk.Tokens
	}

	for _, chunk := range sorted {
		if cfg.MaxChunks > 0 && len(selected) >= cfg.MaxChunks {
			break
		}
		if totalTokens+chunk.Tokens > budget {
			continue
		}
		selected = append(selected, chunk)
		totalTokens += chunk.Tokens
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return lessChronological(selected[i], selected[j])
	})

	s.log.Debugf("selected %d/%d chunks (%d mandatory), %d tokens against budget %d",
		len(selected), len(chunks), len(mandatory), totalTokens, budget)

	return &types.ContextWindow{
		Chunks:      selected,
		TotalTokens: totalTokens,
		MaxTokens:   budget,
	}
}

// pruneBelowMean drops optional chunks scoring below the mean of the
// optional set. Removing candidates can only shrink what greedy selection
// admits, so aggressive pruning always reduces at least as much as the
// default mode for the same budget.
func pruneBelowMean(optional []*types.ConversationChunk, scores map[string]*types.ScoreBreakdown) []*types.ConversationChunk {
	if len(optional) == 0 {
		return optional
	}

	sum := 0.0
	for _, chunk := range optional {
		if s, ok := scores[chunk.ID]; ok {
			sum += s.Final
		}
	}
	mean := sum / float64(len(optional))

	kept := make([]*types.ConversationChunk, 0, len(optional))
	for _, chunk := range optional {
		score := 0.0
		if s, ok := scores[chunk.ID]; ok {
			score = s.Final
		}
		if score >= mean {
			kept = append(kept, chunk)
		}
	}
	return kept
}

// partitionMandatory splits chunks into mandatory (pinned or
// mandatory-tagged) and optional sets, preserving input order.
func partitionMandatory(chunks []*types.ConversationChunk, mandatoryTags []glob.Glob) (mandatory, optional []*types.ConversationChunk) {
	for _, chunk := range chunks {
		if chunk.Pinned() || hasMandatoryTag(chunk, mandatoryTags) {
			mandatory = append(mandatory, chunk)
		} else {
			optional = append(optional, chunk)
		}
	}
	return mandatory, optional
}

// hasMandatoryTag reports whether any of the chunk's tags matches a
// mandatory tag pattern.
func hasMandatoryTag(chunk *types.ConversationChunk, mandatoryTags []glob.Glob) bool {
	if len(mandatoryTags) == 0 {
		return false
	}
	for _, tag := range chunk.Tags() {
		for _, pattern := range mandatoryTags {
			if pattern.Match(tag) {
				return true
			}
		}
	}
	return false
}

// compileMandatoryMatcher compiles the config's mandatory tag patterns.
// Patterns are validated on the way in; if compilation still fails the
// default patterns are used so mandatory inclusion is never lost.
func compileMandatoryMatcher(cfg *config.Config) []glob.Glob {
	globs, err := cfg.CompileMandatoryPatterns()
	if err != nil {
		fallback, _ := config.Default().CompileMandatoryPatterns()
		return fallback
	}
	return globs
}
