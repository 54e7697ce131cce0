package types

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of a conversation chunk.
type Role string

const (
	RoleUser      Role = "user"      // RoleUser is a human turn.
	RoleAssistant Role = "assistant" // RoleAssistant is a model turn.
	RoleTool      Role = "tool"      // RoleTool is a tool-call result turn.
)

// Metadata keys understood by the optimization engine. Everything else in
// a chunk's metadata map is opaque host data and passes through untouched.
const (
	// MetadataPinned marks a chunk as exempt from budget-driven eviction.
	MetadataPinned = "pinned"

	// MetadataTags holds a []string of free-form tags.
	MetadataTags = "tags"

	// MetadataManualScore holds an explicit relevance boost set by the host.
	MetadataManualScore = "manualScore"

	// MetadataEmbedding holds a precomputed []float64 embedding vector.
	MetadataEmbedding = "embedding"

	// MetadataFinalScore and MetadataBM25Score are advisory write-backs from
	// the scorer. They exist for debugging and inspection only; selection
	// never reads them.
	MetadataFinalScore = "finalScore"
	MetadataBM25Score  = "bm25Score"
)

// Tags that make a chunk mandatory regardless of its relevance score.
const (
	TagSystemPrompt   = "system-prompt"
	TagToolDefinition = "tool-definition"
)

// ConversationChunk is an atomic, addressable unit of conversation history
// with a precomputed token cost.
type ConversationChunk struct {
	// ID uniquely identifies the chunk within a registry.
	ID string `json:"id"`

	// Role is the speaker: user, assistant, or tool.
	Role Role `json:"role"`

	// Content is the chunk's text.
	Content string `json:"content"`

	// Tokens is the precomputed token cost. Never negative.
	Tokens int `json:"tokens"`

	// Timestamp is the creation time in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Metadata holds optional additional information about the chunk.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewChunk creates a chunk with a generated ID and the current time.
func NewChunk(role Role, content string) *ConversationChunk {
	return &ConversationChunk{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  make(map[string]interface{}),
	}
}

// NewUserChunk creates a new user chunk.
func NewUserChunk(content string) *ConversationChunk {
	return NewChunk(RoleUser, content)
}

// NewAssistantChunk creates a new assistant chunk.
func NewAssistantChunk(content string) *ConversationChunk {
	return NewChunk(RoleAssistant, content)
}

// NewToolChunk creates a new tool chunk.
func NewToolChunk(content string) *ConversationChunk {
	return NewChunk(RoleTool, content)
}

// WithID overrides the generated ID and returns the chunk for chaining.
func (c *ConversationChunk) WithID(id string) *ConversationChunk {
	c.ID = id
	return c
}

// WithTokens sets the precomputed token count and returns the chunk for chaining.
func (c *ConversationChunk) WithTokens(tokens int) *ConversationChunk {
	if tokens < 0 {
		tokens = 0
	}
	c.Tokens = tokens
	return c
}

// WithTimestamp sets the creation time (epoch milliseconds) and returns the
// chunk for chaining.
func (c *ConversationChunk) WithTimestamp(ms int64) *ConversationChunk {
	c.Timestamp = ms
	return c
}

// WithMetadata adds metadata to the chunk and returns the chunk for chaining.
func (c *ConversationChunk) WithMetadata(key string, value interface{}) *ConversationChunk {
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	c.Metadata[key] = value
	return c
}

// WithTags sets the chunk's tag list and returns the chunk for chaining.
func (c *ConversationChunk) WithTags(tags ...string) *ConversationChunk {
	return c.WithMetadata(MetadataTags, tags)
}

// Pin marks the chunk as pinned and returns the chunk for chaining.
func (c *ConversationChunk) Pin() *ConversationChunk {
	return c.WithMetadata(MetadataPinned, true)
}

// Pinned reports whether the chunk is pinned.
func (c *ConversationChunk) Pinned() bool {
	if c.Metadata == nil {
		return false
	}
	pinned, ok := c.Metadata[MetadataPinned].(bool)
	return ok && pinned
}

// Tags returns the chunk's tags. Both []string and []interface{} metadata
// representations are accepted so that chunks decoded from JSON behave the
// same as chunks built in code.
func (c *ConversationChunk) Tags() []string {
	if c.Metadata == nil {
		return nil
	}
	switch v := c.Metadata[MetadataTags].(type) {
	case []string:
		return v
	case []interface{}:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	default:
		return nil
	}
}

// HasTag reports whether the chunk carries the given tag.
func (c *ConversationChunk) HasTag(tag string) bool {
	for _, t := range c.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// ManualScore returns the host-assigned relevance boost, or 0 if unset.
func (c *ConversationChunk) ManualScore() float64 {
	if c.Metadata == nil {
		return 0
	}
	switch v := c.Metadata[MetadataManualScore].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Embedding returns the precomputed embedding vector, or nil if absent.
func (c *ConversationChunk) Embedding() []float64 {
	if c.Metadata == nil {
		return nil
	}
	switch v := c.Metadata[MetadataEmbedding].(type) {
	case []float64:
		return v
	case []interface{}:
		vec := make([]float64, 0, len(v))
		for _, x := range v {
			if f, ok := x.(float64); ok {
				vec = append(vec, f)
			}
		}
		return vec
	default:
		return nil
	}
}

// FinalScore returns the advisory final score written back by the scorer,
// if DebugScoreWriteback was enabled on the last optimization.
func (c *ConversationChunk) FinalScore() (float64, bool) {
	if c.Metadata == nil {
		return 0, false
	}
	score, ok := c.Metadata[MetadataFinalScore].(float64)
	return score, ok
}

// BM25Score returns the advisory BM25 component written back by the
// scorer, if DebugScoreWriteback was enabled on the last optimization.
func (c *ConversationChunk) BM25Score() (float64, bool) {
	if c.Metadata == nil {
		return 0, false
	}
	score, ok := c.Metadata[MetadataBM25Score].(float64)
	return score, ok
}

// Time returns the chunk's timestamp as a time.Time.
func (c *ConversationChunk) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// Clone returns a deep copy of the chunk. The metadata map is copied
// shallowly per key, which is sufficient because the engine never mutates
// values inside it.
func (c *ConversationChunk) Clone() *ConversationChunk {
	clone := *c
	if c.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
