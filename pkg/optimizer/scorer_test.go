package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winnowhq/winnow/pkg/config"
	"github.com/winnowhq/winnow/pkg/types"
)

// stubProvider returns the same canned vector for every input text, an
// error when failing is set, or panics when panicking is set.
type stubProvider struct {
	vec       []float64
	failing   bool
	panicking bool
	calls     int
}

func (p *stubProvider) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	p.calls++
	if p.panicking {
		panic("provider crashed")
	}
	if p.failing {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = p.vec
	}
	return out, nil
}

func (p *stubProvider) Dimensions() int { return len(p.vec) }
func (p *stubProvider) Name() string    { return "stub" }

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

// TestRecencyScore tests the exponential decay curve with a 24 hour
// half-life constant.
func TestRecencyScore(t *testing.T) {
	hour := int64(time.Hour / time.Millisecond)

	tests := []struct {
		name     string
		queryMs  int64
		chunkMs  int64
		expected float64
	}{
		{"same instant", 1000, 1000, 1.0},
		{"one day old", 24 * hour, 0, math.Exp(-1)},
		{"two days old", 48 * hour, 0, math.Exp(-2)},
		{"future timestamp clamps to now", 1000, 5000, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, recencyScore(tt.queryMs, tt.chunkMs), 1e-9)
		})
	}
}

// TestCosineSimilarity tests the degraded-to-zero edge cases alongside
// the standard geometry.
func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float64
		expected float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1.0},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0.0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1.0},
		{"nil left", nil, []float64{1, 0}, 0.0},
		{"nil right", []float64{1, 0}, nil, 0.0},
		{"dimension mismatch", []float64{1, 0}, []float64{1, 0, 0}, 0.0},
		{"zero magnitude", []float64{0, 0}, []float64{1, 0}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, cosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

// TestBM25_RelativeOrdering tests that a chunk matching the query terms
// outscores one that does not, and that scores stay in [0,1].
func TestBM25_RelativeOrdering(t *testing.T) {
	match := chunkAt("match", types.RoleUser, 10, 1)
	match.Content = "database connection pool exhausted"
	other := chunkAt("other", types.RoleUser, 10, 2)
	other.Content = "the weather is nice today"

	corpus := newBM25Corpus([]*types.ConversationChunk{match, other})
	query := tokenize("database connection error")

	sMatch := corpus.score(query, match)
	sOther := corpus.score(query, other)

	assert.Greater(t, sMatch, sOther)
	assert.GreaterOrEqual(t, sMatch, 0.0)
	assert.LessOrEqual(t, sMatch, 1.0)
	assert.Equal(t, 0.0, sOther)
}

// TestBM25_EmptyInputs tests the zero-score edge cases.
func TestBM25_EmptyInputs(t *testing.T) {
	chunk := chunkAt("a", types.RoleUser, 10, 1)
	chunk.Content = "hello world"

	corpus := newBM25Corpus([]*types.ConversationChunk{chunk})
	assert.Equal(t, 0.0, corpus.score(nil, chunk))

	empty := newBM25Corpus(nil)
	assert.Equal(t, 0.0, empty.score(tokenize("hello"), chunk))
}

// TestTokenize tests lowercasing and splitting on punctuation.
func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, tokenize("Hello, WORLD! 42"))
	assert.Empty(t, tokenize("   ...   "))
}

// TestScorer_PinnedBoostDominates tests that a pinned chunk outranks any
// purely-optional chunk regardless of its other signals.
func TestScorer_PinnedBoostDominates(t *testing.T) {
	cfg := config.Default()
	cfg.EmbeddingEnabled = false

	now := int64(1_700_000_000_000)
	pinned := chunkAt("pinned", types.RoleUser, 10, now-48*3600*1000).Pin()
	pinned.Content = "unrelated text"
	fresh := chunkAt("fresh", types.RoleUser, 10, now)
	fresh.Content = "database connection error details"

	scorer := NewRelevanceScorer(nil, nil, fixedClock(now))
	scores := scorer.Score(context.Background(), []*types.ConversationChunk{pinned, fresh},
		types.RelevanceQuery{Text: "database connection error", Timestamp: now}, cfg)

	require.Contains(t, scores, "pinned")
	require.Contains(t, scores, "fresh")
	assert.Equal(t, 1.0, scores["pinned"].Boost)
	assert.Greater(t, scores["pinned"].Final, scores["fresh"].Final)
}

// TestScorer_MandatoryTagBoost tests the +0.5 boost for chunks whose tags
// match the configured mandatory patterns.
func TestScorer_MandatoryTagBoost(t *testing.T) {
	cfg := config.Default()
	cfg.EmbeddingEnabled = false

	now := int64(1_700_000_000_000)
	tool := chunkAt("tool", types.RoleTool, 10, now).WithTags(types.TagToolDefinition)
	plain := chunkAt("plain", types.RoleUser, 10, now)

	scorer := NewRelevanceScorer(nil, nil, fixedClock(now))
	scores := scorer.Score(context.Background(), []*types.ConversationChunk{tool, plain},
		types.RelevanceQuery{Timestamp: now}, cfg)

	assert.Equal(t, 0.5, scores["tool"].Boost)
	assert.Equal(t, 0.0, scores["plain"].Boost)
}

// TestScorer_ManualScoreClamped tests that NaN and out-of-range manual
// scores clamp into [0,1] instead of poisoning the final score.
func TestScorer_ManualScoreClamped(t *testing.T) {
	cfg := config.Default()
	cfg.EmbeddingEnabled = false

	now := int64(1_700_000_000_000)
	tests := []struct {
		name     string
		manual   interface{}
		expected float64
	}{
		{"nan", math.NaN(), 0.0},
		{"negative", -3.5, 0.0},
		{"above one", 7.0, 1.0},
		{"in range", 0.6, 0.6},
	}

	scorer := NewRelevanceScorer(nil, nil, fixedClock(now))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := chunkAt("m", types.RoleUser, 10, now).WithMetadata(types.MetadataManualScore, tt.manual)
			scores := scorer.Score(context.Background(), []*types.ConversationChunk{chunk},
				types.RelevanceQuery{Timestamp: now}, cfg)
			assert.InDelta(t, tt.expected, scores["m"].Manual, 1e-9)
			assert.False(t, math.IsNaN(scores["m"].Final))
		})
	}
}

// TestScorer_EmbeddingSignal tests that provider vectors feed the
// embedding component and that precomputed metadata vectors are reused
// without a provider round trip.
func TestScorer_EmbeddingSignal(t *testing.T) {
	cfg := config.Default()

	now := int64(1_700_000_000_000)
	precomputed := chunkAt("pre", types.RoleUser, 10, now).
		WithMetadata(types.MetadataEmbedding, []float64{1, 0, 0})

	provider := &stubProvider{vec: []float64{1, 0, 0}}
	scorer := NewRelevanceScorer(provider, nil, fixedClock(now))
	scores := scorer.Score(context.Background(), []*types.ConversationChunk{precomputed},
		types.RelevanceQuery{Text: "query", Timestamp: now}, cfg)

	// Query vector equals the stored chunk vector, so similarity is 1.
	assert.InDelta(t, 1.0, scores["pre"].Embedding, 1e-9)
	// Only the query itself went to the provider.
	assert.Equal(t, 1, provider.calls)
}

// TestScorer_ProviderFailureDegrades tests that an erroring provider
// zeroes the embedding signal without failing the score call.
func TestScorer_ProviderFailureDegrades(t *testing.T) {
	cfg := config.Default()

	now := int64(1_700_000_000_000)
	chunk := chunkAt("a", types.RoleUser, 10, now)
	chunk.Content = "some content"

	scorer := NewRelevanceScorer(&stubProvider{failing: true}, nil, fixedClock(now))
	scores := scorer.Score(context.Background(), []*types.ConversationChunk{chunk},
		types.RelevanceQuery{Text: "query", Timestamp: now}, cfg)

	require.Contains(t, scores, "a")
	assert.Equal(t, 0.0, scores["a"].Embedding)
	assert.Greater(t, scores["a"].Final, 0.0) // recency still contributes
}

// TestScorer_DebugScoreWriteback tests the opt-in advisory metadata copy.
func TestScorer_DebugScoreWriteback(t *testing.T) {
	cfg := config.Default()
	cfg.EmbeddingEnabled = false

	now := int64(1_700_000_000_000)
	chunk := chunkAt("a", types.RoleUser, 10, now)

	scorer := NewRelevanceScorer(nil, nil, fixedClock(now))

	scorer.Score(context.Background(), []*types.ConversationChunk{chunk},
		types.RelevanceQuery{Timestamp: now}, cfg)
	_, ok := chunk.FinalScore()
	assert.False(t, ok)

	cfg.DebugScoreWriteback = true
	scores := scorer.Score(context.Background(), []*types.ConversationChunk{chunk},
		types.RelevanceQuery{Timestamp: now}, cfg)
	written, ok := chunk.FinalScore()
	require.True(t, ok)
	assert.InDelta(t, scores["a"].Final, written, 1e-9)

	bm25, ok := chunk.BM25Score()
	require.True(t, ok)
	assert.InDelta(t, scores["a"].BM25, bm25, 1e-9)
}

// TestLessByScore tests the deterministic tie-break chain: score desc,
// then timestamp desc, then ID asc.
func TestLessByScore(t *testing.T) {
	a := chunkAt("a", types.RoleUser, 1, 100)
	b := chunkAt("b", types.RoleUser, 1, 200)

	scores := map[string]*types.ScoreBreakdown{
		"a": {Final: 0.9},
		"b": {Final: 0.5},
	}
	assert.True(t, lessByScore(a, b, scores))
	assert.False(t, lessByScore(b, a, scores))

	// Equal scores: newer timestamp wins.
	scores["b"].Final = 0.9
	assert.False(t, lessByScore(a, b, scores))
	assert.True(t, lessByScore(b, a, scores))

	// Equal score and timestamp: lower ID wins.
	b = b.WithTimestamp(100)
	assert.True(t, lessByScore(a, b, scores))
}

// TestLessChronological tests ascending time with ID tie-break.
func TestLessChronological(t *testing.T) {
	a := chunkAt("a", types.RoleUser, 1, 100)
	b := chunkAt("b", types.RoleUser, 1, 200)
	assert.True(t, lessChronological(a, b))
	assert.False(t, lessChronological(b, a))

	b = b.WithTimestamp(100)
	assert.True(t, lessChronological(a, b))
}
