// Package fts wraps the full-text index held alongside the vector indexes.
// The cache layer treats it as opaque: load it, search it, close it.
package fts

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
)

// Hit is one full-text match.
type Hit struct {
	ID     string         `json:"id"`
	Score  float64        `json:"score"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Searcher answers full-text queries.
type Searcher interface {
	Search(query string, limit int) ([]Hit, error)
}

// Index is a loaded full-text index and its searcher.
type Index interface {
	Searcher
	Close() error
}

type bleveIndex struct {
	idx bleve.Index
}

// Load opens the full-text index stored at dir. A missing index directory
// returns (nil, nil) so callers treat full-text search as unavailable rather
// than failing.
func Load(dir string) (Index, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	idx, err := bleve.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open full-text index: %w", err)
	}
	return &bleveIndex{idx: idx}, nil
}

// Create builds a new empty full-text index at dir.
func Create(dir string) (Index, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.New(dir, mapping)
	if err != nil {
		return nil, fmt.Errorf("create full-text index: %w", err)
	}
	return &bleveIndex{idx: idx}, nil
}

// IndexDocument adds or replaces one document. Exposed so the indexer can
// keep the full-text side in step with the vector side.
func IndexDocument(ix Index, id string, doc any) error {
	b, ok := ix.(*bleveIndex)
	if !ok {
		return fmt.Errorf("unsupported index type %T", ix)
	}
	return b.idx.Index(id, doc)
}

// DeleteDocument removes one document.
func DeleteDocument(ix Index, id string) error {
	b, ok := ix.(*bleveIndex)
	if !ok {
		return fmt.Errorf("unsupported index type %T", ix)
	}
	return b.idx.Delete(id)
}

func (b *bleveIndex) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit, 0, false)
	req.Fields = []string{"*"}
	res, err := b.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score, Fields: h.Fields})
	}
	return hits, nil
}

func (b *bleveIndex) Close() error {
	return b.idx.Close()
}
