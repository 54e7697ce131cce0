package optimizer

import (
	"sort"
	"sync"

	"github.com/winnowhq/winnow/pkg/types"
)

// ChunkRegistry is an ordered, keyed store of conversation chunks. Lookups
// and iteration are guarded by a read-write mutex so concurrent optimize
// calls can snapshot safely; mutation while an optimize call is in flight
// is a caller-serialized contract (see Manager.OptimizeContext).
type ChunkRegistry struct {
	mu     sync.RWMutex
	order  []string
	chunks map[string]*types.ConversationChunk
}

// NewChunkRegistry creates an empty registry.
func NewChunkRegistry() *ChunkRegistry {
	return &ChunkRegistry{
		chunks: make(map[string]*types.ConversationChunk),
	}
}

// AddChunk inserts or replaces a chunk by ID. Updating an existing chunk
// does not move its position in iteration order. Nil chunks and chunks
// without an ID are ignored.
func (r *ChunkRegistry) AddChunk(chunk *types.ConversationChunk) {
	if chunk == nil || chunk.ID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.chunks[chunk.ID]; !exists {
		r.order = append(r.order, chunk.ID)
	}
	r.chunks[chunk.ID] = chunk
}

// GetChunk returns the chunk with the given ID.
func (r *ChunkRegistry) GetChunk(id string) (*types.ConversationChunk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chunk, ok := r.chunks[id]
	return chunk, ok
}

// RemoveChunk deletes a chunk by ID, reporting whether it was present.
func (r *ChunkRegistry) RemoveChunk(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chunks[id]; !ok {
		return false
	}
	delete(r.chunks, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear removes all chunks.
func (r *ChunkRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = nil
	r.chunks = make(map[string]*types.ConversationChunk)
}

// Size returns the number of stored chunks.
func (r *ChunkRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks)
}

// AllChunks returns all chunks in insertion order. The returned slice is a
// fresh copy and safe for the caller to sort or filter.
func (r *ChunkRegistry) AllChunks() []*types.ConversationChunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chunks := make([]*types.ConversationChunk, 0, len(r.order))
	for _, id := range r.order {
		chunks = append(chunks, r.chunks[id])
	}
	return chunks
}

// ChunksByRole returns chunks with the given role, in insertion order.
func (r *ChunkRegistry) ChunksByRole(role types.Role) []*types.ConversationChunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chunks []*types.ConversationChunk
	for _, id := range r.order {
		if c := r.chunks[id]; c.Role == role {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// ChunksByTimeRange returns chunks whose timestamp falls in [start, end]
// (epoch milliseconds, both bounds inclusive), in insertion order.
func (r *ChunkRegistry) ChunksByTimeRange(start, end int64) []*types.ConversationChunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chunks []*types.ConversationChunk
	for _, id := range r.order {
		if c := r.chunks[id]; c.Timestamp >= start && c.Timestamp <= end {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// PinnedChunks returns pinned chunks in insertion order.
func (r *ChunkRegistry) PinnedChunks() []*types.ConversationChunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chunks []*types.ConversationChunk
	for _, id := range r.order {
		if c := r.chunks[id]; c.Pinned() {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// ChunksByScore returns chunks carrying an advisory finalScore, sorted
// descending. Chunks that were never scored (or scored without debug
// write-back enabled) are excluded.
func (r *ChunkRegistry) ChunksByScore() []*types.ConversationChunk {
	r.mu.RLock()
	scored := make([]*types.ConversationChunk, 0, len(r.order))
	for _, id := range r.order {
		if c := r.chunks[id]; c != nil {
			if _, ok := c.FinalScore(); ok {
				scored = append(scored, c)
			}
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		si, _ := scored[i].FinalScore()
		sj, _ := scored[j].FinalScore()
		return si > sj
	})
	return scored
}

// TotalTokens sums the token counts of all stored chunks.
func (r *ChunkRegistry) TotalTokens() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, c := range r.chunks {
		total += c.Tokens
	}
	return total
}
