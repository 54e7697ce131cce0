package optimizer

import (
	"testing"

	"github.com/gobwas/glob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winnowhq/winnow/pkg/config"
	"github.com/winnowhq/winnow/pkg/types"
)

func scoresFor(pairs map[string]float64) map[string]*types.ScoreBreakdown {
	scores := make(map[string]*types.ScoreBreakdown, len(pairs))
	for id, final := range pairs {
		scores[id] = &types.ScoreBreakdown{Final: final}
	}
	return scores
}

func selectorConfig() *config.Config {
	cfg := config.Default()
	cfg.EmbeddingEnabled = false
	return cfg
}

func defaultGlobs(t *testing.T) []glob.Glob {
	t.Helper()
	globs, err := config.Default().CompileMandatoryPatterns()
	require.NoError(t, err)
	return globs
}

// TestSelector_ExactlyOneFits tests the classic two-chunk case: with
// chunks of 100 and 150 tokens and a budget of 100, exactly one chunk
// fits. The 150-token chunk scores higher but cannot fit, so greedy
// selection skips it and admits the 100-token chunk.
func TestSelector_ExactlyOneFits(t *testing.T) {
	a := chunkAt("a", types.RoleUser, 100, 1000)
	b := chunkAt("b", types.RoleUser, 150, 2000)

	window := NewBudgetSelector(nil).Select(
		[]*types.ConversationChunk{a, b},
		scoresFor(map[string]float64{"a": 0.5, "b": 0.5}),
		types.RelevanceQuery{}, 100, selectorConfig(), nil)

	require.Len(t, window.Chunks, 1)
	assert.Equal(t, "a", window.Chunks[0].ID)
	assert.Equal(t, 100, window.TotalTokens)
	assert.Equal(t, 100, window.MaxTokens)
}

// TestSelector_BudgetRespected tests that TotalTokens never exceeds the
// budget when no mandatory chunks are present.
func TestSelector_BudgetRespected(t *testing.T) {
	chunks := []*types.ConversationChunk{
		chunkAt("a", types.RoleUser, 40, 1),
		chunkAt("b", types.RoleUser, 40, 2),
		chunkAt("c", types.RoleUser, 40, 3),
		chunkAt("d", types.RoleUser, 40, 4),
	}
	scores := scoresFor(map[string]float64{"a": 0.9, "b": 0.8, "c": 0.7, "d": 0.6})

	window := NewBudgetSelector(nil).Select(chunks, scores, types.RelevanceQuery{}, 100, selectorConfig(), nil)

	assert.LessOrEqual(t, window.TotalTokens, 100)
	assert.Len(t, window.Chunks, 2)
	assert.Equal(t, []string{"a", "b"}, window.ChunkIDs())
}

// TestSelector_MandatoryExceedsBudget tests that mandatory chunks are
// included even when they alone blow the budget.
func TestSelector_MandatoryExceedsBudget(t *testing.T) {
	tool := chunkAt("tool", types.RoleTool, 150, 1).WithTags(types.TagToolDefinition)
	chat := chunkAt("chat", types.RoleUser, 20, 2)

	window := NewBudgetSelector(nil).Select(
		[]*types.ConversationChunk{tool, chat},
		scoresFor(map[string]float64{"tool": 0.1, "chat": 0.9}),
		types.RelevanceQuery{}, 50, selectorConfig(), defaultGlobs(t))

	require.Len(t, window.Chunks, 1)
	assert.Equal(t, "tool", window.Chunks[0].ID)
	assert.Equal(t, 150, window.TotalTokens)
	assert.Greater(t, window.TotalTokens, window.MaxTokens)
}

// TestSelector_ZeroBudgetKeepsMandatory tests that a zero budget returns
// exactly the mandatory set.
func TestSelector_ZeroBudgetKeepsMandatory(t *testing.T) {
	pinned := chunkAt("pinned", types.RoleUser, 30, 1).Pin()
	chat := chunkAt("chat", types.RoleUser, 10, 2)

	window := NewBudgetSelector(nil).Select(
		[]*types.ConversationChunk{pinned, chat},
		scoresFor(map[string]float64{"pinned": 1.5, "chat": 0.9}),
		types.RelevanceQuery{}, 0, selectorConfig(), nil)

	require.Len(t, window.Chunks, 1)
	assert.Equal(t, "pinned", window.Chunks[0].ID)
	assert.Equal(t, 30, window.TotalTokens)
	assert.Equal(t, 0, window.MaxTokens)
}

// TestSelector_MaxChunksCap tests that the cap counts mandatory and
// optional chunks together.
func TestSelector_MaxChunksCap(t *testing.T) {
	cfg := selectorConfig()
	cfg.MaxChunks = 2

	chunks := []*types.ConversationChunk{
		chunkAt("pinned", types.RoleUser, 10, 1).Pin(),
		chunkAt("a", types.RoleUser, 10, 2),
		chunkAt("b", types.RoleUser, 10, 3),
	}
	scores := scoresFor(map[string]float64{"pinned": 1.5, "a": 0.9, "b": 0.8})

	window := NewBudgetSelector(nil).Select(chunks, scores, types.RelevanceQuery{}, 1000, cfg, nil)

	assert.Len(t, window.Chunks, 2)
	assert.Equal(t, []string{"pinned", "a"}, window.ChunkIDs())
}

// TestSelector_ChronologicalOutput tests that the window is ordered by
// timestamp regardless of score order.
func TestSelector_ChronologicalOutput(t *testing.T) {
	chunks := []*types.ConversationChunk{
		chunkAt("newest", types.RoleUser, 10, 3000),
		chunkAt("oldest", types.RoleUser, 10, 1000),
		chunkAt("middle", types.RoleUser, 10, 2000),
	}
	scores := scoresFor(map[string]float64{"newest": 0.9, "oldest": 0.8, "middle": 0.7})

	window := NewBudgetSelector(nil).Select(chunks, scores, types.RelevanceQuery{}, 1000, selectorConfig(), nil)

	assert.Equal(t, []string{"oldest", "middle", "newest"}, window.ChunkIDs())
}

// TestSelector_RoleFilterOptionalOnly tests that a query role restricts
// optional candidates but never drops mandatory content.
func TestSelector_RoleFilterOptionalOnly(t *testing.T) {
	chunks := []*types.ConversationChunk{
		chunkAt("pinned-tool", types.RoleTool, 10, 1).Pin(),
		chunkAt("user", types.RoleUser, 10, 2),
		chunkAt("assistant", types.RoleAssistant, 10, 3),
	}
	scores := scoresFor(map[string]float64{"pinned-tool": 1.5, "user": 0.9, "assistant": 0.8})

	window := NewBudgetSelector(nil).Select(chunks, scores,
		types.RelevanceQuery{Role: types.RoleUser}, 1000, selectorConfig(), nil)

	assert.Equal(t, []string{"pinned-tool", "user"}, window.ChunkIDs())
}

// TestSelector_AggressivePruning tests that aggressive mode selects a
// subset of the default selection for the same inputs.
func TestSelector_AggressivePruning(t *testing.T) {
	chunks := []*types.ConversationChunk{
		chunkAt("strong", types.RoleUser, 10, 1),
		chunkAt("weak", types.RoleUser, 10, 2),
	}
	scores := scoresFor(map[string]float64{"strong": 0.9, "weak": 0.1})

	defaultWindow := NewBudgetSelector(nil).Select(chunks, scores, types.RelevanceQuery{}, 1000, selectorConfig(), nil)
	require.Len(t, defaultWindow.Chunks, 2)

	cfg := selectorConfig()
	cfg.AggressivePruning = true
	aggressive := NewBudgetSelector(nil).Select(chunks, scores, types.RelevanceQuery{}, 1000, cfg, nil)

	require.Len(t, aggressive.Chunks, 1)
	assert.Equal(t, "strong", aggressive.Chunks[0].ID)

	defaultIDs := make(map[string]bool)
	for _, id := range defaultWindow.ChunkIDs() {
		defaultIDs[id] = true
	}
	for _, id := range aggressive.ChunkIDs() {
		assert.True(t, defaultIDs[id])
	}
}

// TestSelector_SkipGreedyFavorsScoreOverCount pins down the skip-greedy
// trade-off: selection keeps the highest-scoring chunks that fit, so a
// larger budget can admit one large high-scoring chunk in place of
// several small ones, shrinking the chunk count. Growth with the budget
// is deliberately not guaranteed; what every budget does guarantee is
// the cap on optional tokens and a deterministic result.
func TestSelector_SkipGreedyFavorsScoreOverCount(t *testing.T) {
	chunks := []*types.ConversationChunk{
		chunkAt("big", types.RoleUser, 100, 1),
		chunkAt("s1", types.RoleUser, 45, 2),
		chunkAt("s2", types.RoleUser, 45, 3),
	}
	scores := scoresFor(map[string]float64{"big": 0.9, "s1": 0.2, "s2": 0.1})

	selector := NewBudgetSelector(nil)

	// big does not fit in 90, so both small chunks are admitted past it.
	small := selector.Select(chunks, scores, types.RelevanceQuery{}, 90, selectorConfig(), nil)
	assert.Equal(t, []string{"s1", "s2"}, small.ChunkIDs())
	assert.Equal(t, 90, small.TotalTokens)

	// At 120, big fits and leaves no room for either small chunk: fewer
	// chunks than the smaller budget selected.
	large := selector.Select(chunks, scores, types.RelevanceQuery{}, 120, selectorConfig(), nil)
	assert.Equal(t, []string{"big"}, large.ChunkIDs())
	assert.Equal(t, 100, large.TotalTokens)

	assert.Less(t, len(large.Chunks), len(small.Chunks))
	assert.LessOrEqual(t, small.TotalTokens, 90)
	assert.LessOrEqual(t, large.TotalTokens, 120)
}

// TestSelector_Deterministic tests that repeated selection over the same
// inputs yields the same window.
func TestSelector_Deterministic(t *testing.T) {
	chunks := []*types.ConversationChunk{
		chunkAt("a", types.RoleUser, 50, 100),
		chunkAt("b", types.RoleUser, 50, 100),
		chunkAt("c", types.RoleUser, 50, 100),
	}
	scores := scoresFor(map[string]float64{"a": 0.5, "b": 0.5, "c": 0.5})

	selector := NewBudgetSelector(nil)
	first := selector.Select(chunks, scores, types.RelevanceQuery{}, 100, selectorConfig(), nil)
	for i := 0; i < 5; i++ {
		again := selector.Select(chunks, scores, types.RelevanceQuery{}, 100, selectorConfig(), nil)
		assert.Equal(t, first.ChunkIDs(), again.ChunkIDs())
	}
}

// TestSelector_EmptyInput tests the empty-candidate edge case.
func TestSelector_EmptyInput(t *testing.T) {
	window := NewBudgetSelector(nil).Select(nil, nil, types.RelevanceQuery{}, 500, selectorConfig(), nil)
	assert.Empty(t, window.Chunks)
	assert.Equal(t, 0, window.TotalTokens)
	assert.Equal(t, 500, window.MaxTokens)
}

// TestHasMandatoryTag tests glob matching against chunk tags.
func TestHasMandatoryTag(t *testing.T) {
	globs := defaultGlobs(t)

	assert.True(t, hasMandatoryTag(chunkAt("a", types.RoleUser, 1, 1).WithTags(types.TagSystemPrompt), globs))
	assert.True(t, hasMandatoryTag(chunkAt("b", types.RoleUser, 1, 1).WithTags("other", types.TagToolDefinition), globs))
	assert.False(t, hasMandatoryTag(chunkAt("c", types.RoleUser, 1, 1).WithTags("other"), globs))
	assert.False(t, hasMandatoryTag(chunkAt("d", types.RoleUser, 1, 1), globs))
	assert.False(t, hasMandatoryTag(chunkAt("e", types.RoleUser, 1, 1).WithTags(types.TagSystemPrompt), nil))
}

// TestPruneBelowMean tests that only chunks at or above the mean final
// score survive.
func TestPruneBelowMean(t *testing.T) {
	chunks := []*types.ConversationChunk{
		chunkAt("a", types.RoleUser, 1, 1),
		chunkAt("b", types.RoleUser, 1, 2),
		chunkAt("c", types.RoleUser, 1, 3),
	}
	scores := scoresFor(map[string]float64{"a": 0.9, "b": 0.6, "c": 0.0}) // mean 0.5

	kept := pruneBelowMean(chunks, scores)
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, "b", kept[1].ID)

	assert.Empty(t, pruneBelowMean(nil, scores))
}
