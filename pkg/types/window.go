package types

// RelevanceQuery describes what the next model request is about, so the
// scorer can rank history against it.
type RelevanceQuery struct {
	// Text is the query text, typically the latest user turn.
	Text string `json:"text"`

	// Role optionally restricts relevance to a single speaker role.
	Role Role `json:"role,omitempty"`

	// Timestamp is the reference time for recency scoring, in epoch
	// milliseconds. Zero means "now" at the time of the call.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ContextWindow is the optimized slice of history handed back to the host.
// Chunks are always in chronological (ascending timestamp) order because
// downstream model consumption expects causal turn order.
type ContextWindow struct {
	Chunks      []*ConversationChunk `json:"chunks"`
	TotalTokens int                  `json:"totalTokens"`

	// MaxTokens echoes the requested budget verbatim. TotalTokens may
	// exceed it when mandatory chunks alone are larger than the budget.
	MaxTokens int `json:"maxTokens"`
}

// EmptyWindow returns a well-formed window containing no chunks.
func EmptyWindow(maxTokens int) *ContextWindow {
	return &ContextWindow{
		Chunks:      []*ConversationChunk{},
		TotalTokens: 0,
		MaxTokens:   maxTokens,
	}
}

// ChunkIDs returns the ids of the window's chunks in order.
func (w *ContextWindow) ChunkIDs() []string {
	ids := make([]string, len(w.Chunks))
	for i, c := range w.Chunks {
		ids[i] = c.ID
	}
	return ids
}

// ScoreBreakdown records the individual signals that produced a chunk's
// final relevance score. All component values are in [0,1]; Boost is the
// mandatory-content boost applied on top of the weighted combination.
type ScoreBreakdown struct {
	Embedding float64 `json:"embedding"`
	BM25      float64 `json:"bm25"`
	Recency   float64 `json:"recency"`
	Manual    float64 `json:"manual"`
	Boost     float64 `json:"boost"`
	Final     float64 `json:"final"`
}
