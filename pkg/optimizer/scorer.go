package optimizer

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/winnowhq/winnow/pkg/config"
	"github.com/winnowhq/winnow/pkg/embedding"
	"github.com/winnowhq/winnow/pkg/logging"
	"github.com/winnowhq/winnow/pkg/types"
)

// BM25 parameters. Standard Okapi defaults: k1 controls term-frequency
// saturation, b controls document-length normalization. Raw scores are
// squashed into [0,1] with s/(s+1) so the weighted combination stays
// bounded without depending on the candidate set's maximum.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Mandatory-content boosts. The three weighted relevance signals plus the
// manual signal contribute at most 1.0 combined, so a pinned chunk (+1.0)
// or a mandatory-tagged chunk (+0.5, with ties broken by recency) always
// outranks any purely-optional chunk before mandatory inclusion is even
// enforced by the selector.
const (
	pinnedBoost       = 1.0
	mandatoryTagBoost = 0.5
)

// RelevanceScorer combines embedding, text-match, recency, and manual
// signals into one score per chunk for a query. Scoring never fails: a
// missing or erroring embedding provider degrades to a zero embedding
// signal, and malformed numeric inputs clamp to zero.
type RelevanceScorer struct {
	provider embedding.Provider
	log      *logging.Logger
	clock    func() time.Time
}

// NewRelevanceScorer creates a scorer. provider may be nil, in which case
// the embedding signal is always zero.
func NewRelevanceScorer(provider embedding.Provider, log *logging.Logger, clock func() time.Time) *RelevanceScorer {
	if log == nil {
		log = logging.Nop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &RelevanceScorer{provider: provider, log: log, clock: clock}
}

// Score computes a ScoreBreakdown for every chunk. The returned map is
// local to this call: selection consumes it directly and never reads the
// advisory metadata fields, so concurrent Score calls cannot interfere.
// When cfg.DebugScoreWriteback is set, a copy of each chunk's scores is
// additionally written into its metadata for inspection.
func (s *RelevanceScorer) Score(ctx context.Context, chunks []*types.ConversationChunk, query types.RelevanceQuery, cfg *config.Config) map[string]*types.ScoreBreakdown {
	scores := make(map[string]*types.ScoreBreakdown, len(chunks))
	if len(chunks) == 0 {
		return scores
	}

	queryTime := query.Timestamp
	if queryTime == 0 {
		queryTime = s.clock().UnixMilli()
	}

	queryTerms := tokenize(query.Text)
	corpus := newBM25Corpus(chunks)

	var queryVec []float64
	var chunkVecs map[string][]float64
	if cfg.EmbeddingEnabled {
		queryVec, chunkVecs = s.embedAll(ctx, chunks, query.Text)
	}

	mandatoryTags := compileMandatoryMatcher(cfg)

	for _, chunk := range chunks {
		breakdown := &types.ScoreBreakdown{
			Embedding: clamp01(cosineSimilarity(queryVec, chunkVecs[chunk.ID])),
			BM25:      clamp01(corpus.score(queryTerms, chunk)),
			Recency:   clamp01(recencyScore(queryTime, chunk.Timestamp)),
			Manual:    clamp01(chunk.ManualScore()),
		}

		if chunk.Pinned() {
			breakdown.Boost += pinnedBoost
		}
		if hasMandatoryTag(chunk, mandatoryTags) {
			breakdown.Boost += mandatoryTagBoost
		}

		breakdown.Final = cfg.ScoringWeights.Embedding*breakdown.Embedding +
			cfg.ScoringWeights.BM25*breakdown.BM25 +
			cfg.ScoringWeights.Recency*breakdown.Recency +
			cfg.ScoringWeights.Manual*breakdown.Manual +
			breakdown.Boost
		breakdown.Final = clampFinite(breakdown.Final)

		scores[chunk.ID] = breakdown

		if cfg.DebugScoreWriteback {
			chunk.WithMetadata(types.MetadataFinalScore, breakdown.Final)
			chunk.WithMetadata(types.MetadataBM25Score, breakdown.BM25)
		}
	}

	return scores
}

// embedAll resolves vectors for the query and for every chunk. Chunks with
// a precomputed metadata vector keep it; the rest are embedded in one
// batch. Any provider failure degrades the whole embedding signal to zero
// for this call and is logged, never propagated.
func (s *RelevanceScorer) embedAll(ctx context.Context, chunks []*types.ConversationChunk, queryText string) ([]float64, map[string][]float64) {
	vecs := make(map[string][]float64, len(chunks))

	var missing []*types.ConversationChunk
	for _, chunk := range chunks {
		if vec := chunk.Embedding(); len(vec) > 0 {
			vecs[chunk.ID] = vec
		} else if chunk.Content != "" {
			missing = append(missing, chunk)
		}
	}

	if s.provider == nil || queryText == "" {
		return nil, vecs
	}

	texts := make([]string, 0, len(missing)+1)
	texts = append(texts, queryText)
	for _, chunk := range missing {
		texts = append(texts, chunk.Content)
	}

	fetched, err := s.provider.EmbedBatch(ctx, texts)
	if err != nil {
		s.log.Warnf("embedding provider %s failed, degrading to zero embedding signal: %v", s.provider.Name(), err)
		return nil, vecs
	}
	if len(fetched) != len(texts) {
		s.log.Warnf("embedding provider %s returned %d vectors for %d texts, degrading to zero embedding signal", s.provider.Name(), len(fetched), len(texts))
		return nil, vecs
	}

	for i, chunk := range missing {
		vecs[chunk.ID] = fetched[i+1]
	}
	return fetched[0], vecs
}

// recencyScore is exp(-ageHours / 24): 1.0 for a chunk at the query time,
// ~0.37 after a day, ~0.14 after two. Future timestamps clamp to zero age.
func recencyScore(queryTimeMs, chunkTimeMs int64) float64 {
	deltaMs := queryTimeMs - chunkTimeMs
	if deltaMs < 0 {
		deltaMs = 0
	}
	hours := float64(deltaMs) / float64(time.Hour/time.Millisecond)
	return math.Exp(-hours / 24)
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// for nil, mismatched, or zero-magnitude vectors. Dimension mismatches are
// a degraded signal here, not an error: the scorer must always produce a
// score.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// clamp01 forces malformed signal inputs (NaN, Inf, negatives) to 0 and
// caps at 1.
func clamp01(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// clampFinite zeroes NaN/Inf but leaves the boosted range intact.
func clampFinite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

// lessByScore orders chunks for selection: final score descending, then
// more recent timestamp first, then ascending ID. Fully deterministic.
func lessByScore(a, b *types.ConversationChunk, scores map[string]*types.ScoreBreakdown) bool {
	sa, sb := 0.0, 0.0
	if s, ok := scores[a.ID]; ok {
		sa = s.Final
	}
	if s, ok := scores[b.ID]; ok {
		sb = s.Final
	}
	if sa != sb {
		return sa > sb
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ID < b.ID
}

// lessChronological orders chunks for output: ascending timestamp, then
// ascending ID for equal timestamps.
func lessChronological(a, b *types.ConversationChunk) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// =============================================================================
// BM25
// =============================================================================

// bm25Corpus holds the per-call document statistics for BM25 scoring.
type bm25Corpus struct {
	termFreqs map[string]map[string]int // chunk ID -> term -> count
	docFreqs  map[string]int            // term -> number of chunks containing it
	docLens   map[string]int            // chunk ID -> term count
	avgDocLen float64
	numDocs   int
}

func newBM25Corpus(chunks []*types.ConversationChunk) *bm25Corpus {
	c := &bm25Corpus{
		termFreqs: make(map[string]map[string]int, len(chunks)),
		docFreqs:  make(map[string]int),
		docLens:   make(map[string]int, len(chunks)),
		numDocs:   len(chunks),
	}

	totalLen := 0
	for _, chunk := range chunks {
		terms := tokenize(chunk.Content)
		freqs := make(map[string]int, len(terms))
		for _, term := range terms {
			freqs[term]++
		}
		c.termFreqs[chunk.ID] = freqs
		c.docLens[chunk.ID] = len(terms)
		totalLen += len(terms)
		for term := range freqs {
			c.docFreqs[term]++
		}
	}
	if c.numDocs > 0 {
		c.avgDocLen = float64(totalLen) / float64(c.numDocs)
	}
	return c
}

// score computes the normalized BM25 score of a chunk for the query terms.
func (c *bm25Corpus) score(queryTerms []string, chunk *types.ConversationChunk) float64 {
	if len(queryTerms) == 0 || c.numDocs == 0 || c.avgDocLen == 0 {
		return 0
	}

	freqs := c.termFreqs[chunk.ID]
	docLen := float64(c.docLens[chunk.ID])

	raw := 0.0
	for _, term := range queryTerms {
		tf := float64(freqs[term])
		if tf == 0 {
			continue
		}
		df := float64(c.docFreqs[term])
		idf := math.Log(1 + (float64(c.numDocs)-df+0.5)/(df+0.5))
		raw += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*docLen/c.avgDocLen))
	}

	// Monotone squash into [0,1]: keeps per-chunk scoring independent of
	// the rest of the candidate set.
	return raw / (raw + 1)
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
