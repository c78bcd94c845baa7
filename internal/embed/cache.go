package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// EmbeddingCache is an in-memory LRU cache for embedding vectors keyed by
// the hash of the embedded text. Entries optionally expire after a TTL.
type EmbeddingCache struct {
	lru *expirable.LRU[string, []float32]
}

// NewEmbeddingCache creates a new EmbeddingCache.
// maxSize is the maximum number of entries to cache.
// ttl is the time-to-live for cache entries; zero means no expiration.
func NewEmbeddingCache(maxSize int, ttl time.Duration) *EmbeddingCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &EmbeddingCache{
		lru: expirable.NewLRU[string, []float32](maxSize, nil, ttl),
	}
}

// Key generates a cache key for the given text using SHA256.
func (c *EmbeddingCache) Key(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// Get retrieves an embedding from the cache.
// Returns the embedding and true if found and not expired.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	vector, ok := c.lru.Get(c.Key(text))
	if !ok {
		return nil, false
	}

	// Return a copy to prevent external modification
	result := make([]float32, len(vector))
	copy(result, vector)
	return result, true
}

// Set stores an embedding in the cache, evicting the least recently used
// entry when at capacity.
func (c *EmbeddingCache) Set(text string, vector []float32) {
	vectorCopy := make([]float32, len(vector))
	copy(vectorCopy, vector)
	c.lru.Add(c.Key(text), vectorCopy)
}

// Size returns the current number of entries in the cache.
func (c *EmbeddingCache) Size() int {
	return c.lru.Len()
}

// Clear removes all entries from the cache.
func (c *EmbeddingCache) Clear() {
	c.lru.Purge()
}
