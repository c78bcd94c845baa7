// Package search provides semantic and full-text search over indexed
// collections.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/semidx/semidx/internal/cache"
	"github.com/semidx/semidx/internal/embed"
	"github.com/semidx/semidx/internal/fts"
	"github.com/semidx/semidx/internal/idindex"
	"github.com/semidx/semidx/internal/session"
)

// FTSDir is the per-collection subdirectory holding the full-text index.
const FTSDir = "fts"

// Result represents a search result with full metadata.
type Result struct {
	ID           string  `json:"id"`
	RelativePath string  `json:"relative_path"`
	Content      string  `json:"content"`
	StartLine    int     `json:"start_line"`
	EndLine      int     `json:"end_line"`
	Symbol       string  `json:"symbol,omitempty"`
	Language     string  `json:"language"`
	Distance     float32 `json:"distance"`
	Score        float32 `json:"score"` // 1 - distance (higher is better)
}

// SearchOptions configures search behavior.
type SearchOptions struct {
	Limit       int
	Language    string  // Filter by language
	FilePattern string  // Filter by file path pattern
	MinScore    float32 // Minimum similarity score (0-1)
}

// DefaultSearchOptions returns sensible defaults.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		Limit:    10,
		MinScore: 0.0,
	}
}

// Searcher performs searches against one indexed collection. Semantic
// queries go through the session layer, which rebuilds a stale index before
// answering. Full-text queries run against the bleve index cached per
// project.
type Searcher struct {
	sessions   *session.Manager
	cache      *cache.Service
	provider   embed.Provider
	collection string
}

// NewSearcher creates a new Searcher over the named collection.
func NewSearcher(sessions *session.Manager, cacheSvc *cache.Service, provider embed.Provider, coll string) *Searcher {
	return &Searcher{
		sessions:   sessions,
		cache:      cacheSvc,
		provider:   provider,
		collection: coll,
	}
}

// Collection returns the collection this searcher reads.
func (s *Searcher) Collection() string {
	return s.collection
}

// Search performs a semantic search for the given query.
func (s *Searcher) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultSearchOptions().Limit
	}

	queryEmbedding, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	dir := s.sessions.Dir(s.collection)
	var entry *cache.Entry
	if s.cache != nil {
		entry = s.cache.GetOrCreate(dir)
	}

	// Language filtering happens inside the k-NN query; pattern and score
	// filters apply afterwards, so over-fetch to compensate.
	var filters map[string]string
	if opts.Language != "" {
		filters = map[string]string{"language": strings.ToLower(opts.Language)}
	}
	fetch := opts.Limit
	if opts.FilePattern != "" || opts.MinScore > 0 {
		fetch = opts.Limit * 3
		if fetch < 30 {
			fetch = 30
		}
	}

	hits, err := s.sessions.Search(s.collection, queryEmbedding, fetch, filters)
	if err != nil {
		return nil, fmt.Errorf("search collection: %w", err)
	}

	// The query left the session layer holding a loaded graph; hand it to the
	// cache entry so eviction and invalidation govern its lifetime.
	if entry != nil {
		if ix := s.sessions.Loaded(s.collection); ix != nil {
			mapping, err := idindex.Load(dir)
			if err != nil {
				return nil, fmt.Errorf("load identifier index: %w", err)
			}
			entry.SetSemanticIndexes(ix, mapping)
		}
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		result := resultFromHit(hit)
		if !matchesFilters(result, opts) {
			continue
		}
		results = append(results, result)
		if len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// Text performs a full-text search. Returns (nil, nil) when the collection
// has no full-text index.
func (s *Searcher) Text(query string, limit int) ([]fts.Hit, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if limit <= 0 {
		limit = DefaultSearchOptions().Limit
	}

	searcher, ok, err := s.textSearcher()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return searcher.Search(query, limit)
}

// textSearcher returns the cached full-text searcher, loading it from disk
// on first use.
func (s *Searcher) textSearcher() (fts.Searcher, bool, error) {
	dir := s.sessions.Dir(s.collection)

	if s.cache != nil {
		entry := s.cache.GetOrCreate(dir)
		if searcher, ok := entry.FTS(); ok {
			return searcher, searcher != nil, nil
		}
		ix, err := fts.Load(filepath.Join(dir, FTSDir))
		if err != nil || ix == nil {
			return nil, false, err
		}
		entry.SetFTSIndexes(ix, ix)
		return ix, true, nil
	}

	ix, err := fts.Load(filepath.Join(dir, FTSDir))
	if err != nil || ix == nil {
		return nil, false, err
	}
	return ix, true, nil
}

// resultFromHit converts a session hit into a Result using the stored
// payload.
func resultFromHit(hit session.Result) Result {
	r := Result{
		ID:       hit.ID,
		Distance: hit.Distance,
		Score:    1 - hit.Distance,
	}
	p := hit.Payload
	if p == nil {
		return r
	}
	if v, ok := p["path"].(string); ok {
		r.RelativePath = v
	}
	if v, ok := p["content"].(string); ok {
		r.Content = v
	}
	if v, ok := p["symbol"].(string); ok {
		r.Symbol = v
	}
	if v, ok := p["language"].(string); ok {
		r.Language = v
	}
	r.StartLine = payloadInt(p, "start_line")
	r.EndLine = payloadInt(p, "end_line")
	return r
}

// payloadInt reads an integer payload field. JSON decoding yields float64.
func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// matchesFilters checks if a result matches the search options filters.
func matchesFilters(result Result, opts SearchOptions) bool {
	if opts.MinScore > 0 && result.Score < opts.MinScore {
		return false
	}
	if opts.Language != "" && !strings.EqualFold(result.Language, opts.Language) {
		return false
	}
	if opts.FilePattern != "" {
		matched, err := filepath.Match(opts.FilePattern, result.RelativePath)
		if err != nil || !matched {
			matched, _ = filepath.Match(opts.FilePattern, filepath.Base(result.RelativePath))
			if !matched {
				return false
			}
		}
	}
	return true
}

// Count returns the number of indexed points in the collection.
func (s *Searcher) Count() (int, error) {
	return s.sessions.CountPoints(s.collection)
}

// Stats returns statistics about the search index.
func (s *Searcher) Stats() (map[string]any, error) {
	count, err := s.sessions.CountPoints(s.collection)
	if err != nil {
		return nil, fmt.Errorf("count points: %w", err)
	}
	return map[string]any{
		"collection":           s.collection,
		"total_chunks":         count,
		"embedding_model":      s.provider.Model(),
		"embedding_dimensions": s.provider.Dimensions(),
	}, nil
}

// OutputFormat specifies the output format for search results.
type OutputFormat string

const (
	FormatDefault OutputFormat = "default"
	FormatJSON    OutputFormat = "json"
	FormatCompact OutputFormat = "compact"
)

// FormatResults formats search results according to the specified format.
func FormatResults(results []Result, format OutputFormat) string {
	switch format {
	case FormatJSON:
		return formatJSON(results)
	case FormatCompact:
		return formatCompact(results)
	default:
		return formatDefault(results)
	}
}

// formatDefault produces human-readable output.
func formatDefault(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var sb strings.Builder
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("=== Result %d (score: %.2f) ===\n", i+1, r.Score))
		sb.WriteString(fmt.Sprintf("File: %s\n", r.RelativePath))
		sb.WriteString(fmt.Sprintf("Lines: %d-%d", r.StartLine, r.EndLine))

		if r.Symbol != "" {
			sb.WriteString(fmt.Sprintf(" | Symbol: %s", r.Symbol))
		}
		if r.Language != "" && r.Language != "unknown" {
			sb.WriteString(fmt.Sprintf(" | Lang: %s", r.Language))
		}
		sb.WriteString("\n\n")

		for _, line := range strings.Split(r.Content, "\n") {
			sb.WriteString("  ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatJSON produces JSON output.
func formatJSON(results []Result) string {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

// formatCompact produces compact single-line-per-result output.
func formatCompact(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("%s:%d-%d\t%.2f", r.RelativePath, r.StartLine, r.EndLine, r.Score))
		if r.Symbol != "" {
			sb.WriteString(fmt.Sprintf("\t%s", r.Symbol))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
