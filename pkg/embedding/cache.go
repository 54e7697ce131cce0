package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// vectorCache is a bounded TTL cache of text embeddings keyed by content
// hash. Conversation chunks are immutable once added, so cached vectors
// stay valid for the life of the entry.
type vectorCache struct {
	entries map[string]*cacheEntry
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	vector    []float64
	timestamp time.Time
}

func newVectorCache(maxSize int, ttl time.Duration) *vectorCache {
	return &vectorCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *vectorCache) get(key string) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.timestamp) > c.ttl {
		return nil, false
	}
	return entry.vector, true
}

func (c *vectorCache) set(key string, vector []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &cacheEntry{vector: vector, timestamp: time.Now()}
}

// evictOldest removes the oldest cache entry. Caller holds the lock.
func (c *vectorCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.timestamp.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.timestamp
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// CachedProvider decorates a Provider with an in-memory TTL cache so that
// repeated optimizations over a stable registry do not re-embed the same
// chunk content.
type CachedProvider struct {
	inner Provider
	cache *vectorCache
}

// NewCachedProvider wraps a provider with a cache of at most maxSize
// vectors, each valid for ttl.
func NewCachedProvider(inner Provider, maxSize int, ttl time.Duration) *CachedProvider {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedProvider{
		inner: inner,
		cache: newVectorCache(maxSize, ttl),
	}
}

// EmbedBatch serves cached vectors where possible and forwards only the
// misses to the wrapped provider.
func (p *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	keys := make([]string, len(texts))

	var missTexts []string
	var missIndexes []int
	for i, text := range texts {
		keys[i] = cacheKey(text)
		if vec, ok := p.cache.get(keys[i]); ok {
			vectors[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIndexes = append(missIndexes, i)
	}

	if len(missTexts) > 0 {
		fetched, err := p.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIndexes {
			vectors[idx] = fetched[j]
			p.cache.set(keys[idx], fetched[j])
		}
	}

	return vectors, nil
}

// Dimensions returns the wrapped provider's dimensionality.
func (p *CachedProvider) Dimensions() int {
	return p.inner.Dimensions()
}

// Name returns the wrapped provider's name with a cache marker.
func (p *CachedProvider) Name() string {
	return p.inner.Name() + "+cache"
}
