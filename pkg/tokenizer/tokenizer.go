// Package tokenizer counts model tokens for chunk content. It wraps
// tiktoken's cl100k_base encoding and degrades to a bytes/4 heuristic when
// the encoding data is unavailable (for example, offline environments).
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/winnowhq/winnow/pkg/types"
)

// DefaultEncoding is the BPE encoding used for counting.
const DefaultEncoding = "cl100k_base"

// Counter counts tokens in text and chunks. A Counter with a nil encoding
// uses the heuristic estimate; both modes are deterministic.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// New creates a Counter backed by the cl100k_base encoding. When the
// encoding cannot be loaded, the returned error is non-nil and the Counter
// still works in heuristic mode, so callers may ignore the error if an
// estimate is acceptable.
func New() (*Counter, error) {
	encoding, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return &Counter{}, fmt.Errorf("failed to load %s encoding: %w", DefaultEncoding, err)
	}
	return &Counter{encoding: encoding}, nil
}

// NewHeuristic creates a Counter that always uses the bytes/4 estimate.
func NewHeuristic() *Counter {
	return &Counter{}
}

// CountText returns the token count of the given text.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}
	// Rough average of 4 bytes per token, rounded up.
	return (len(text) + 3) / 4
}

// CountChunk returns the chunk's precomputed token count when present,
// otherwise counts its content.
func (c *Counter) CountChunk(chunk *types.ConversationChunk) int {
	if chunk == nil {
		return 0
	}
	if chunk.Tokens > 0 {
		return chunk.Tokens
	}
	return c.CountText(chunk.Content)
}

// CountChunks sums the token counts of all chunks.
func (c *Counter) CountChunks(chunks []*types.ConversationChunk) int {
	total := 0
	for _, chunk := range chunks {
		total += c.CountChunk(chunk)
	}
	return total
}
