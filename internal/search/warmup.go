package search

import (
	"context"
	"fmt"
)

// commonQueries are typical development searches pre-embedded at startup so
// the first interactive queries hit the embedding cache.
var commonQueries = []string{
	"error handling",
	"main function",
	"configuration",
	"database connection",
	"authentication",
	"API endpoint",
	"HTTP handler",
	"struct definition",
	"interface",
	"parse JSON",
	"read file",
	"write file",
	"unit test",
	"helper function",
	"environment variable",
}

// Warmup pre-generates embeddings for common queries. Call it in the
// background during initialization; the CachedProvider keeps the results.
func (s *Searcher) Warmup(ctx context.Context) error {
	if s.provider == nil {
		return fmt.Errorf("embedding provider not initialized")
	}
	_, err := s.provider.EmbedBatch(ctx, commonQueries)
	return err
}

// WarmupCustom pre-generates embeddings for domain-specific queries.
func (s *Searcher) WarmupCustom(ctx context.Context, queries []string) error {
	if s.provider == nil {
		return fmt.Errorf("embedding provider not initialized")
	}
	if len(queries) == 0 {
		return nil
	}
	_, err := s.provider.EmbedBatch(ctx, queries)
	return err
}
