package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MultiSearcher fans a query out across several collections and merges the
// answers.
type MultiSearcher struct {
	mu        sync.RWMutex
	searchers map[string]*Searcher
}

// NewMultiSearcher creates a new MultiSearcher.
func NewMultiSearcher() *MultiSearcher {
	return &MultiSearcher{
		searchers: make(map[string]*Searcher),
	}
}

// AddCollection registers a searcher for a collection.
func (m *MultiSearcher) AddCollection(name string, s *Searcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchers[name] = s
}

// RemoveCollection removes a collection's searcher.
func (m *MultiSearcher) RemoveCollection(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.searchers, name)
}

// GetCollection returns the searcher for a specific collection.
func (m *MultiSearcher) GetCollection(name string) (*Searcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.searchers[name]
	return s, ok
}

// ListCollections returns all registered collection names.
func (m *MultiSearcher) ListCollections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.searchers))
	for name := range m.searchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MultiSearchOptions configures multi-collection search behavior.
type MultiSearchOptions struct {
	SearchOptions

	// Collections is the list of collection names to search.
	// If empty, searches all collections.
	Collections []string

	// MergeResults sorts the combined results by score when true; otherwise
	// results stay grouped by collection.
	MergeResults bool

	// MaxResultsPerCollection limits results from each collection.
	MaxResultsPerCollection int
}

// MultiResult wraps a search result with its source collection.
type MultiResult struct {
	Result
	Collection string `json:"collection"`
}

// MultiSearchResult holds results from a multi-collection search.
type MultiSearchResult struct {
	// Results contains all search results.
	Results []MultiResult `json:"results"`

	// ByCollection groups results by collection name.
	ByCollection map[string][]Result `json:"by_collection,omitempty"`

	// CollectionsSearched lists all collections that were searched.
	CollectionsSearched []string `json:"collections_searched"`

	// Errors contains any errors that occurred during search.
	Errors map[string]error `json:"errors,omitempty"`
}

// Search performs a search across multiple collections in parallel.
func (m *MultiSearcher) Search(ctx context.Context, query string, opts MultiSearchOptions) (*MultiSearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	collections := opts.Collections
	if len(collections) == 0 {
		collections = make([]string, 0, len(m.searchers))
		for name := range m.searchers {
			collections = append(collections, name)
		}
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("no collections available to search")
	}

	type collResult struct {
		collection string
		results    []Result
		err        error
	}

	resultsChan := make(chan collResult, len(collections))
	var wg sync.WaitGroup

	for _, collName := range collections {
		searcher, exists := m.searchers[collName]
		if !exists {
			resultsChan <- collResult{
				collection: collName,
				err:        fmt.Errorf("collection %q not found", collName),
			}
			continue
		}

		wg.Add(1)
		go func(name string, s *Searcher) {
			defer wg.Done()

			searchOpts := opts.SearchOptions
			if opts.MaxResultsPerCollection > 0 {
				searchOpts.Limit = opts.MaxResultsPerCollection
			}

			results, err := s.Search(ctx, query, searchOpts)
			resultsChan <- collResult{
				collection: name,
				results:    results,
				err:        err,
			}
		}(collName, searcher)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	multiResult := &MultiSearchResult{
		Results:             make([]MultiResult, 0),
		ByCollection:        make(map[string][]Result),
		CollectionsSearched: collections,
		Errors:              make(map[string]error),
	}

	for cr := range resultsChan {
		if cr.err != nil {
			multiResult.Errors[cr.collection] = cr.err
			continue
		}

		multiResult.ByCollection[cr.collection] = cr.results
		for _, r := range cr.results {
			multiResult.Results = append(multiResult.Results, MultiResult{
				Result:     r,
				Collection: cr.collection,
			})
		}
	}

	if opts.MergeResults {
		sort.Slice(multiResult.Results, func(i, j int) bool {
			return multiResult.Results[i].Score > multiResult.Results[j].Score
		})
		if opts.Limit > 0 && len(multiResult.Results) > opts.Limit {
			multiResult.Results = multiResult.Results[:opts.Limit]
		}
	}

	return multiResult, nil
}

// SearchCollection searches a single named collection.
func (m *MultiSearcher) SearchCollection(ctx context.Context, coll, query string, opts SearchOptions) ([]Result, error) {
	m.mu.RLock()
	searcher, exists := m.searchers[coll]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("collection %q not found", coll)
	}
	return searcher.Search(ctx, query, opts)
}

// GetStats returns stats for all collections.
func (m *MultiSearcher) GetStats() (map[string]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]map[string]any)
	for name, searcher := range m.searchers {
		collStats, err := searcher.Stats()
		if err != nil {
			continue
		}
		stats[name] = collStats
	}
	return stats, nil
}
