package embed

import (
	"context"
	"time"
)

// CachedProvider fronts a Provider with the embedding LRU.
type CachedProvider struct {
	inner Provider
	cache *EmbeddingCache
}

// WithCache wraps p with a cache of at most size entries that never expire.
func WithCache(p Provider, size int) Provider {
	return WithCacheAndTTL(p, size, 0)
}

// WithCacheAndTTL wraps p with a cache of at most size entries expiring after
// ttl. A zero ttl disables expiration.
func WithCacheAndTTL(p Provider, size int, ttl time.Duration) Provider {
	return &CachedProvider{inner: p, cache: NewEmbeddingCache(size, ttl)}
}

func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec)
	return vec, nil
}

// EmbedBatch serves what it can from the cache and embeds the rest in one
// backend call, preserving input order.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var misses []string
	for i, text := range texts {
		if vec, ok := c.cache.Get(text); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		misses = append(misses, text)
	}
	if len(misses) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Set(misses[j], vecs[j])
	}
	return out, nil
}

func (c *CachedProvider) Model() string {
	return c.inner.Model()
}

func (c *CachedProvider) Dimensions() int {
	return c.inner.Dimensions()
}

func (c *CachedProvider) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// CachedCount reports how many embeddings are resident.
func (c *CachedProvider) CachedCount() int {
	return c.cache.Size()
}
