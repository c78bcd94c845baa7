// Package session orchestrates per-collection write batches: classifying
// upserts and deletes against the identifier index, deciding incremental
// versus full rebuild at batch end, and rebuilding stale collections before
// queries.
package session

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/semidx/semidx/internal/ann"
	"github.com/semidx/semidx/internal/collection"
	"github.com/semidx/semidx/internal/hnsw"
	"github.com/semidx/semidx/internal/idindex"
)

// UpdateMode reports how EndIndexing (or a stale-triggered rebuild) updated
// the ANN index.
type UpdateMode string

const (
	// UpdateIncremental applied exactly the session's recorded changes.
	UpdateIncremental UpdateMode = "incremental"
	// UpdateFull rebuilt the graph from the stored vectors.
	UpdateFull UpdateMode = "full"
	// UpdateDeferred wrote nothing and left the collection stale.
	UpdateDeferred UpdateMode = "deferred"
)

// ChangeRecord tracks the ids touched during one indexing session. It is
// owned by the session between BeginIndexing and EndIndexing and cleared when
// the session ends; it is never persisted.
type ChangeRecord struct {
	Added   map[string]struct{}
	Updated map[string]struct{}
	Deleted map[string]struct{}
}

func newChangeRecord() *ChangeRecord {
	return &ChangeRecord{
		Added:   make(map[string]struct{}),
		Updated: make(map[string]struct{}),
		Deleted: make(map[string]struct{}),
	}
}

// Empty reports whether the session recorded no changes.
func (r *ChangeRecord) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Deleted) == 0
}

func (r *ChangeRecord) touched() []string {
	ids := make([]string, 0, len(r.Added)+len(r.Updated))
	for id := range r.Added {
		ids = append(ids, id)
	}
	for id := range r.Updated {
		if _, ok := r.Added[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Result is one search hit with its stored payload.
type Result struct {
	ID       string         `json:"id"`
	Distance float32        `json:"distance"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Manager coordinates indexing sessions for the collections under one data
// root. Safe for concurrent use.
type Manager struct {
	root     string
	graphCfg hnsw.Config

	mu    sync.Mutex
	colls map[string]*collState
}

type collState struct {
	mu     sync.Mutex
	begun  bool
	record *ChangeRecord
	loaded *ann.Index
}

// NewManager creates a session manager rooted at the collections directory.
// cfg supplies graph construction parameters; a zero Dim is inferred from the
// first vector written.
func NewManager(root string, cfg hnsw.Config) *Manager {
	return &Manager{
		root:     root,
		graphCfg: cfg,
		colls:    make(map[string]*collState),
	}
}

// Dir returns the directory of a collection.
func (m *Manager) Dir(coll string) string {
	return filepath.Join(m.root, coll)
}

func (m *Manager) state(coll string) *collState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.colls[coll]
	if !ok {
		cs = &collState{}
		m.colls[coll] = cs
	}
	return cs
}

// BeginIndexing opens a fresh change record for the collection. Calling it
// again before EndIndexing resets tracking rather than accumulating across
// sessions.
func (m *Manager) BeginIndexing(coll string) error {
	cs := m.state(coll)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := collection.EnsureDir(m.Dir(coll)); err != nil {
		return err
	}
	cs.begun = true
	cs.record = newChangeRecord()
	return nil
}

// UpsertPoints writes points to durable storage and the identifier index
// immediately. Points absent from the identifier index are classified added,
// the rest updated. With watchMode each vector is additionally applied
// in place to the ANN graph for immediate searchability and the collection is
// marked stale, still owing a consolidation rebuild.
func (m *Manager) UpsertPoints(coll string, points []collection.Point, watchMode bool) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point with empty id")
		}
		if len(p.Vector) == 0 {
			return fmt.Errorf("point %q has no vector", p.ID)
		}
	}
	cs := m.state(coll)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	dir := m.Dir(coll)
	if err := collection.EnsureDir(dir); err != nil {
		return err
	}

	existing, err := idindex.Load(dir)
	if err != nil {
		return err
	}

	additions := make(map[string]string, len(points))
	for _, p := range points {
		rel, err := collection.WritePoint(dir, p)
		if err != nil {
			return err
		}
		additions[p.ID] = rel

		if cs.record != nil {
			if _, ok := existing[p.ID]; ok {
				cs.record.Updated[p.ID] = struct{}{}
			} else {
				cs.record.Added[p.ID] = struct{}{}
			}
			delete(cs.record.Deleted, p.ID)
		}
	}

	if err := idindex.UpdateBatch(dir, additions); err != nil {
		return err
	}

	if !watchMode {
		return refreshSidecarCount(dir)
	}

	if err := m.ensureLoaded(cs, dir, points[0].Vector); err != nil {
		return err
	}
	for _, p := range points {
		if _, err := cs.loaded.AddOrUpdate(p.ID, p.Vector); err != nil {
			return err
		}
	}
	return m.markStaleWithCount(dir, cs.loaded)
}

// DeletePoints removes the named points from the identifier index and durable
// storage, and soft-deletes them from the ANN graph when one is loaded.
// Absent ids are a no-op.
func (m *Manager) DeletePoints(coll string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	cs := m.state(coll)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	dir := m.Dir(coll)
	if err := idindex.RemoveIDs(dir, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := collection.RemovePoint(dir, id); err != nil {
			return err
		}
		if cs.record != nil {
			cs.record.Deleted[id] = struct{}{}
			delete(cs.record.Added, id)
			delete(cs.record.Updated, id)
		}
		if cs.loaded != nil {
			cs.loaded.Remove(id)
		}
	}
	return refreshSidecarCount(dir)
}

// refreshSidecarCount keeps the sidecar vector count in step with the
// identifier index after writes that bypass a rebuild, so the fast count path
// never reports a number the slow path would contradict.
func refreshSidecarCount(dir string) error {
	meta, err := ann.LoadMeta(dir)
	if err != nil || meta == nil {
		return err
	}
	n, err := idindex.Count(dir)
	if err != nil {
		return err
	}
	if meta.HNSWIndex.VectorCount == n {
		return nil
	}
	meta.HNSWIndex.VectorCount = n
	return ann.SaveMeta(dir, meta)
}

// EndIndexing closes the session. Callers that never began a session get a
// full rebuild; a session with recorded changes gets an incremental update of
// exactly those ids unless skipRebuild defers it, leaving the collection
// stale. The change record is cleared in every case.
func (m *Manager) EndIndexing(coll string, skipRebuild bool) (UpdateMode, error) {
	cs := m.state(coll)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	record := cs.record
	begun := cs.begun
	cs.record = nil
	cs.begun = false

	dir := m.Dir(coll)

	if skipRebuild {
		if err := ann.MarkStale(dir); err != nil {
			return "", err
		}
		return UpdateDeferred, nil
	}

	if !begun || record.Empty() {
		if _, err := m.rebuild(cs, dir); err != nil {
			return "", err
		}
		return UpdateFull, nil
	}

	if err := m.applyIncremental(cs, dir, record); err != nil {
		return "", err
	}
	return UpdateIncremental, nil
}

// Search runs a k-NN query. A stale collection is synchronously rebuilt first
// (incremental when a session recorded the outstanding changes, full
// otherwise), so an immediately following search observes a fresh index and
// rebuilds nothing.
func (m *Manager) Search(coll string, vector []float32, k int, filters map[string]string) ([]Result, error) {
	cs := m.state(coll)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	dir := m.Dir(coll)

	stale, err := ann.IsStale(dir)
	if err != nil {
		return nil, err
	}
	if stale {
		// An open session keeps its change record: re-folding the same ids is
		// idempotent, and EndIndexing still reports the session's true mode.
		if cs.record != nil && !cs.record.Empty() {
			if err := m.applyIncremental(cs, dir, cs.record); err != nil {
				return nil, err
			}
		} else if _, err := m.rebuild(cs, dir); err != nil {
			return nil, err
		}
	}

	if cs.loaded == nil {
		ix, err := ann.LoadForIncremental(dir)
		if err != nil {
			return nil, err
		}
		cs.loaded = ix
	}
	if cs.loaded.Graph == nil {
		return nil, nil
	}

	fetch := k
	if len(filters) > 0 {
		fetch = k * 4
		if fetch < k+16 {
			fetch = k + 16
		}
	}

	hits, err := cs.loaded.Query(vector, fetch)
	if err != nil {
		return nil, err
	}

	mapping, err := idindex.Load(dir)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, k)
	for _, h := range hits {
		rel, ok := mapping[h.ID]
		if !ok {
			continue
		}
		var payload map[string]any
		if p, err := collection.ReadPoint(dir, rel); err == nil {
			payload = p.Payload
		}
		if !matchesFilters(payload, filters) {
			continue
		}
		results = append(results, Result{ID: h.ID, Distance: h.Distance, Payload: payload})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// CountPoints reads the vector count from the sidecar metadata when the
// collection is fresh and falls back to counting identifier index entries
// otherwise. A stale sidecar may predate outstanding mutations, so only the
// identifier index is trusted then; both paths answer the same number.
func (m *Manager) CountPoints(coll string) (int, error) {
	dir := m.Dir(coll)
	meta, err := ann.LoadMeta(dir)
	if err != nil {
		return 0, err
	}
	if meta != nil && !meta.Stale {
		return meta.HNSWIndex.VectorCount, nil
	}
	return idindex.Count(dir)
}

// Loaded returns the currently loaded index for a collection, if any. The
// cache layer uses it to expose what a serving process holds in memory.
func (m *Manager) Loaded(coll string) *ann.Index {
	cs := m.state(coll)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.loaded
}

// Release drops the in-memory index for a collection so the next access
// reloads from disk. Used by cache eviction.
func (m *Manager) Release(coll string) {
	cs := m.state(coll)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.loaded = nil
}

// ReleaseDir releases the collection whose directory is dir. Cache entries
// are keyed by collection directory, so eviction hands back a path rather
// than a name. Paths outside the manager's root are ignored.
func (m *Manager) ReleaseDir(dir string) bool {
	if filepath.Dir(filepath.Clean(dir)) != filepath.Clean(m.root) {
		return false
	}
	m.Release(filepath.Base(dir))
	return true
}

// applyIncremental folds exactly the recorded ids into the graph and persists
// the result, clearing staleness.
func (m *Manager) applyIncremental(cs *collState, dir string, record *ChangeRecord) error {
	if record == nil || record.Empty() {
		// Nothing recorded; persist the loaded graph as-is so staleness
		// still clears, or rebuild when nothing is loaded.
		if cs.loaded != nil && cs.loaded.Graph != nil {
			return ann.SaveIncremental(dir, cs.loaded)
		}
		_, err := m.rebuild(cs, dir)
		return err
	}

	mapping, err := idindex.Load(dir)
	if err != nil {
		return err
	}

	var probe []float32
	touched := record.touched()
	points := make([]collection.Point, 0, len(touched))
	for _, id := range touched {
		rel, ok := mapping[id]
		if !ok {
			continue
		}
		p, err := collection.ReadPoint(dir, rel)
		if err != nil {
			return fmt.Errorf("incremental read %q: %w", id, err)
		}
		points = append(points, p)
		if probe == nil {
			probe = p.Vector
		}
	}

	if err := m.ensureLoaded(cs, dir, probe); err != nil {
		return err
	}
	if cs.loaded.Graph == nil {
		// Session deleted everything before any graph existed.
		_, err := m.rebuild(cs, dir)
		return err
	}

	for _, p := range points {
		if _, err := cs.loaded.AddOrUpdate(p.ID, p.Vector); err != nil {
			return err
		}
	}
	for id := range record.Deleted {
		cs.loaded.Remove(id)
	}

	return ann.SaveIncremental(dir, cs.loaded)
}

// rebuild runs a full rebuild and refreshes the loaded index.
func (m *Manager) rebuild(cs *collState, dir string) (int, error) {
	n, err := ann.RebuildFromVectors(dir, m.graphCfg)
	if err != nil {
		return 0, err
	}
	ix, err := ann.LoadForIncremental(dir)
	if err != nil {
		return n, err
	}
	cs.loaded = ix
	return n, nil
}

// ensureLoaded makes cs.loaded usable for in-place mutation, creating a fresh
// empty graph when none is persisted yet. probe supplies the dimensionality
// when the manager was not configured with one.
func (m *Manager) ensureLoaded(cs *collState, dir string, probe []float32) error {
	if cs.loaded == nil {
		ix, err := ann.LoadForIncremental(dir)
		if err != nil {
			return err
		}
		cs.loaded = ix
	}
	if cs.loaded.Graph != nil {
		return nil
	}

	cfg := m.graphCfg
	if cfg.Dim == 0 {
		if len(probe) == 0 {
			return nil
		}
		cfg = hnsw.DefaultConfig(len(probe))
	}
	g, err := hnsw.New(cfg)
	if err != nil {
		return err
	}
	cs.loaded.Graph = g
	return nil
}

// markStaleWithCount records staleness after watch-mode writes and keeps the
// sidecar vector count in step with the in-memory graph so the fast count
// path agrees with the identifier index.
func (m *Manager) markStaleWithCount(dir string, ix *ann.Index) error {
	meta, err := ann.LoadMeta(dir)
	if err != nil {
		return err
	}
	if meta == nil {
		cfg := ix.Graph.Config()
		meta = &ann.Meta{
			VectorDim:      cfg.Dim,
			Space:          cfg.Space,
			M:              cfg.M,
			EfConstruction: cfg.EfConstruction,
			EfSearch:       cfg.EfSearch,
		}
	}
	meta.HNSWIndex.VectorCount = ix.Graph.Len()
	meta.Stale = true
	return ann.SaveMeta(dir, meta)
}

func matchesFilters(payload map[string]any, filters map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	for key, want := range filters {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
