package ann

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/semidx/semidx/internal/fsx"
	"github.com/semidx/semidx/internal/hnsw"
)

// MetaFile is the sidecar metadata file inside a collection directory.
const MetaFile = "collection_meta.json"

// Meta is the sidecar metadata persisted next to the graph.
type Meta struct {
	VectorDim      int        `json:"vector_dim"`
	Space          hnsw.Space `json:"space"`
	M              int        `json:"m"`
	EfConstruction int        `json:"ef_construction"`
	EfSearch       int        `json:"ef_search"`
	HNSWIndex      GraphMeta  `json:"hnsw_index"`
	Stale          bool       `json:"stale"`
}

// GraphMeta holds the per-graph bookkeeping nested under "hnsw_index".
type GraphMeta struct {
	VectorCount int       `json:"vector_count"`
	LastRebuild time.Time `json:"last_rebuild"`
}

// LoadMeta reads the sidecar. A missing file returns (nil, nil) so callers
// can fall back to slower paths.
func LoadMeta(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read collection metadata: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode collection metadata: %w", err)
	}
	return &m, nil
}

// SaveMeta writes the sidecar atomically.
func SaveMeta(dir string, m *Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode collection metadata: %w", err)
	}
	if err := fsx.WriteFileAtomic(filepath.Join(dir, MetaFile), data, 0o644); err != nil {
		return fmt.Errorf("save collection metadata: %w", err)
	}
	return nil
}

func metaFromConfig(cfg hnsw.Config) *Meta {
	return &Meta{
		VectorDim:      cfg.Dim,
		Space:          cfg.Space,
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		EfSearch:       cfg.EfSearch,
	}
}
