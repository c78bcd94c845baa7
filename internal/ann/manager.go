// Package ann manages the approximate-nearest-neighbor index of a collection:
// building, loading, in-place mutation, staleness tracking, and the atomic
// rebuild-and-swap of the persisted graph.
package ann

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/semidx/semidx/internal/collection"
	"github.com/semidx/semidx/internal/fsx"
	"github.com/semidx/semidx/internal/hnsw"
)

// GraphFile is the persisted ANN index inside a collection directory. It holds
// the serialized graph followed by the id<->label mapping.
const GraphFile = "hnsw_index.bin"

// Index is a loaded ANN index together with the id<->label bridge. Labels are
// dense integers private to the graph; ids are the caller-visible point keys.
type Index struct {
	Graph     *hnsw.Graph
	IDToLabel map[string]uint32
	LabelToID map[uint32]string
	NextLabel uint32
}

// SearchResult is one query hit resolved back to its point id.
type SearchResult struct {
	ID       string  `json:"id"`
	Distance float32 `json:"distance"`
}

// Build constructs a brand-new graph from a vector snapshot, assigning
// sequential labels starting at 0, and persists index, mapping, and metadata
// atomically. The collection comes out fresh (not stale).
func Build(dir string, vectors [][]float32, ids []string, cfg hnsw.Config) error {
	if len(vectors) != len(ids) {
		return fmt.Errorf("vector/id count mismatch: %d != %d", len(vectors), len(ids))
	}

	g, err := hnsw.New(cfg)
	if err != nil {
		return err
	}
	ix := &Index{
		Graph:     g,
		IDToLabel: make(map[string]uint32, len(ids)),
		LabelToID: make(map[uint32]string, len(ids)),
	}
	for i, vec := range vectors {
		label := uint32(i)
		if err := g.Add(label, vec); err != nil {
			return fmt.Errorf("add vector %q: %w", ids[i], err)
		}
		ix.IDToLabel[ids[i]] = label
		ix.LabelToID[label] = ids[i]
	}
	ix.NextLabel = uint32(len(ids))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create collection dir: %w", err)
	}
	if err := writeIndexFile(dir, ix); err != nil {
		return err
	}

	meta := metaFromConfig(g.Config())
	meta.HNSWIndex = GraphMeta{VectorCount: g.Len(), LastRebuild: time.Now().UTC()}
	return SaveMeta(dir, meta)
}

// LoadForIncremental loads the persisted index for in-place mutation. An
// absent index is not an error: it yields a nil graph, empty mappings, and
// next label 0 so first-time builds proceed normally.
func LoadForIncremental(dir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, GraphFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{
				IDToLabel: map[string]uint32{},
				LabelToID: map[uint32]string{},
			}, nil
		}
		return nil, fmt.Errorf("read ann index: %w", err)
	}
	return decodeIndexFile(data)
}

// AddOrUpdate applies one vector in place. An id already mapped keeps its
// label and NextLabel does not advance; a new id takes the next label. The
// label used is returned.
func (ix *Index) AddOrUpdate(id string, vec []float32) (uint32, error) {
	label, exists := ix.IDToLabel[id]
	if !exists {
		label = ix.NextLabel
	}
	if err := ix.Graph.Add(label, vec); err != nil {
		return 0, fmt.Errorf("add vector %q: %w", id, err)
	}
	if !exists {
		ix.IDToLabel[id] = label
		ix.LabelToID[label] = id
		ix.NextLabel++
	}
	return label, nil
}

// Remove soft-deletes the id's label so subsequent queries exclude it. Other
// labels are never renumbered. Returns false for unknown ids.
func (ix *Index) Remove(id string) bool {
	label, ok := ix.IDToLabel[id]
	if !ok {
		return false
	}
	return ix.Graph.MarkDeleted(label)
}

// Query returns up to k hits ordered by ascending distance, resolved to point
// ids. Fewer than k live vectors returns all of them.
func (ix *Index) Query(vector []float32, k int) ([]SearchResult, error) {
	if ix.Graph == nil {
		return nil, nil
	}
	hits, err := ix.Graph.Search(vector, k)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		id, ok := ix.LabelToID[h.Label]
		if !ok {
			continue
		}
		results = append(results, SearchResult{ID: id, Distance: h.Distance})
	}
	return results, nil
}

// SaveIncremental atomically persists the mutated index and mapping, updates
// the sidecar vector count, and clears staleness.
func SaveIncremental(dir string, ix *Index) error {
	if ix.Graph == nil {
		return fmt.Errorf("no graph loaded")
	}
	if err := writeIndexFile(dir, ix); err != nil {
		return err
	}

	meta, err := LoadMeta(dir)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = metaFromConfig(ix.Graph.Config())
	}
	meta.HNSWIndex.VectorCount = ix.Graph.Len()
	meta.Stale = false
	return SaveMeta(dir, meta)
}

// RebuildFromVectors reads every persisted point under dir, builds a fresh
// graph with sequential labels, and atomically swaps it in. Concurrent
// rebuilds of the same collection are serialized by an advisory lock; a
// blocked caller proceeds against the then-current on-disk state once the
// first finishes. On failure the previously committed index is left
// untouched, no temp file remains, and the returned count is zero.
func RebuildFromVectors(dir string, cfg hnsw.Config) (int, error) {
	lock, err := acquireRebuildLock(dir)
	if err != nil {
		return 0, err
	}
	defer lock.release()

	var points []collection.Point
	err = collection.ScanPoints(dir, func(p collection.Point, _ string) error {
		if len(p.Vector) == 0 {
			return fmt.Errorf("point %q has no vector", p.ID)
		}
		points = append(points, p)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild scan: %w", err)
	}

	// Sequential labels follow id order so rebuilds are deterministic.
	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })

	if cfg.Dim == 0 && len(points) > 0 {
		cfg = hnsw.DefaultConfig(len(points[0].Vector))
	}
	if cfg.Dim == 0 {
		// Nothing stored and no configured dimension; an empty collection
		// rebuilds to an empty but fresh state.
		meta, err := LoadMeta(dir)
		if err != nil {
			return 0, err
		}
		if meta != nil {
			meta.HNSWIndex = GraphMeta{VectorCount: 0, LastRebuild: time.Now().UTC()}
			meta.Stale = false
			if err := SaveMeta(dir, meta); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	g, err := hnsw.New(cfg)
	if err != nil {
		return 0, err
	}
	ix := &Index{
		Graph:     g,
		IDToLabel: make(map[string]uint32, len(points)),
		LabelToID: make(map[uint32]string, len(points)),
	}
	for i, p := range points {
		label := uint32(i)
		if err := g.Add(label, p.Vector); err != nil {
			return 0, fmt.Errorf("rebuild add %q: %w", p.ID, err)
		}
		ix.IDToLabel[p.ID] = label
		ix.LabelToID[label] = p.ID
	}
	ix.NextLabel = uint32(len(points))

	if err := writeIndexFile(dir, ix); err != nil {
		return 0, err
	}

	meta, err := LoadMeta(dir)
	if err != nil {
		return 0, err
	}
	if meta == nil {
		meta = metaFromConfig(g.Config())
	}
	meta.VectorDim = cfg.Dim
	meta.HNSWIndex = GraphMeta{VectorCount: len(points), LastRebuild: time.Now().UTC()}
	meta.Stale = false
	if err := SaveMeta(dir, meta); err != nil {
		return 0, err
	}
	return len(points), nil
}

// IsStale reports whether outstanding mutations have not yet been folded into
// a persisted build. Only Build, SaveIncremental, and RebuildFromVectors
// clear it.
func IsStale(dir string) (bool, error) {
	meta, err := LoadMeta(dir)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, nil
	}
	return meta.Stale, nil
}

// MarkStale records that the persisted graph no longer reflects all committed
// mutations (watch-mode writes, deferred rebuilds). A collection that has
// never been built gets a minimal sidecar so the deferral is not lost: IsStale
// must come back true or the next search would skip the owed rebuild.
func MarkStale(dir string) error {
	meta, err := LoadMeta(dir)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &Meta{}
	}
	if meta.Stale {
		return nil
	}
	meta.Stale = true
	return SaveMeta(dir, meta)
}

// Index file envelope: graph_len:u64 | graph | next_label:u32 |
// map_count:u32 | per entry {label:u32, id_len:u16, id_bytes}.

func writeIndexFile(dir string, ix *Index) error {
	var graphBuf bytes.Buffer
	if _, err := ix.Graph.WriteTo(&graphBuf); err != nil {
		return fmt.Errorf("serialize graph: %w", err)
	}

	var buf bytes.Buffer
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(graphBuf.Len()))
	buf.Write(hdr[:])
	buf.Write(graphBuf.Bytes())

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], ix.NextLabel)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(ix.IDToLabel)))
	buf.Write(u32[:])

	var u16 [2]byte
	for id, label := range ix.IDToLabel {
		if len(id) > math.MaxUint16 {
			return fmt.Errorf("id too long: %d bytes", len(id))
		}
		binary.LittleEndian.PutUint32(u32[:], label)
		buf.Write(u32[:])
		binary.LittleEndian.PutUint16(u16[:], uint16(len(id)))
		buf.Write(u16[:])
		buf.WriteString(id)
	}

	if err := fsx.WriteFileAtomic(filepath.Join(dir, GraphFile), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save ann index: %w", err)
	}
	return nil
}

func decodeIndexFile(data []byte) (*Index, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: short header", hnsw.ErrBadGraph)
	}
	graphLen := binary.LittleEndian.Uint64(data[:8])
	if uint64(len(data)-8) < graphLen {
		return nil, fmt.Errorf("%w: truncated graph section", hnsw.ErrBadGraph)
	}

	g, err := hnsw.ReadFrom(bytes.NewReader(data[8 : 8+graphLen]))
	if err != nil {
		return nil, err
	}

	rest := data[8+graphLen:]
	if len(rest) < 8 {
		return nil, fmt.Errorf("%w: truncated mapping section", hnsw.ErrBadGraph)
	}
	nextLabel := binary.LittleEndian.Uint32(rest[:4])
	count := binary.LittleEndian.Uint32(rest[4:8])
	off := 8

	ix := &Index{
		Graph:     g,
		IDToLabel: make(map[string]uint32, count),
		LabelToID: make(map[uint32]string, count),
		NextLabel: nextLabel,
	}
	for i := uint32(0); i < count; i++ {
		if off+6 > len(rest) {
			return nil, fmt.Errorf("%w: truncated mapping entry %d", hnsw.ErrBadGraph, i)
		}
		label := binary.LittleEndian.Uint32(rest[off : off+4])
		idLen := int(binary.LittleEndian.Uint16(rest[off+4 : off+6]))
		off += 6
		if off+idLen > len(rest) {
			return nil, fmt.Errorf("%w: truncated mapping id %d", hnsw.ErrBadGraph, i)
		}
		id := string(rest[off : off+idLen])
		off += idLen
		ix.IDToLabel[id] = label
		ix.LabelToID[label] = id
	}
	if off != len(rest) {
		return nil, fmt.Errorf("%w: %d trailing bytes", hnsw.ErrBadGraph, len(rest)-off)
	}
	return ix, nil
}
