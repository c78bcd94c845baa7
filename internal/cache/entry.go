// Package cache holds the loaded indexes of active projects in process
// memory and expires them after inactivity so a long-lived serving process
// does not pin every project it ever touched.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/semidx/semidx/internal/ann"
	"github.com/semidx/semidx/internal/fts"
)

// DefaultTTLMinutes is how long an entry survives without access.
const DefaultTTLMinutes = 10

// Entry holds one project's loaded indexes. Field reads take the shared read
// lock; structural mutation (invalidation, population, eviction) goes through
// the owning Service's mutation lock plus the entry's write lock, so at most
// one mutation proceeds at a time and a reader mid-access never races a
// teardown.
type Entry struct {
	ProjectPath string

	mu           sync.RWMutex
	semantic     *ann.Index
	idMapping    map[string]string
	ftsIndex     fts.Index
	ftsSearcher  fts.Searcher
	ftsAvailable bool
	lastAccessed time.Time
	accessCount  int64
	ttl          time.Duration

	// generation increments on every invalidation or eviction so a reader
	// holding a stale reference can detect teardown.
	generation atomic.Uint64
}

// NewEntry creates an entry with the default TTL. The access count starts at
// zero; lastAccessed starts at creation time.
func NewEntry(projectPath string, ttlMinutes int) *Entry {
	if ttlMinutes <= 0 {
		ttlMinutes = DefaultTTLMinutes
	}
	return &Entry{
		ProjectPath:  projectPath,
		lastAccessed: time.Now(),
		ttl:          time.Duration(ttlMinutes) * time.Minute,
	}
}

// UpdateAccess bumps the access count and refreshes the last access time.
func (e *Entry) UpdateAccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessCount++
	e.lastAccessed = time.Now()
}

// IsExpired reports whether the entry has gone unaccessed for at least its
// TTL. The boundary is inclusive: exactly-at-TTL counts as expired.
func (e *Entry) IsExpired() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return time.Since(e.lastAccessed) >= e.ttl
}

// SetSemanticIndexes stores the lazily loaded ANN index and identifier
// mapping.
func (e *Entry) SetSemanticIndexes(ix *ann.Index, mapping map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.semantic = ix
	e.idMapping = mapping
}

// SetFTSIndexes stores the lazily loaded full-text index/searcher pair and
// flips the availability flag.
func (e *Entry) SetFTSIndexes(index fts.Index, searcher fts.Searcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ftsIndex = index
	e.ftsSearcher = searcher
	e.ftsAvailable = true
}

// Semantic returns the loaded ANN index and identifier mapping, or nils when
// not loaded.
func (e *Entry) Semantic() (*ann.Index, map[string]string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.semantic, e.idMapping
}

// FTS returns the full-text searcher and whether full-text search is
// available.
func (e *Entry) FTS() (fts.Searcher, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ftsSearcher, e.ftsAvailable
}

// Invalidate clears the four loaded-index fields and the availability flag
// while preserving access bookkeeping. The entry itself stays cached, unlike
// eviction.
func (e *Entry) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Entry) clearLocked() {
	if e.ftsIndex != nil {
		e.ftsIndex.Close()
	}
	e.semantic = nil
	e.idMapping = nil
	e.ftsIndex = nil
	e.ftsSearcher = nil
	e.ftsAvailable = false
	e.generation.Add(1)
}

// Generation returns the teardown counter for stale-reader detection.
func (e *Entry) Generation() uint64 {
	return e.generation.Load()
}

// Stats is a point-in-time snapshot of an entry.
type Stats struct {
	ProjectPath    string    `json:"project_path"`
	SemanticLoaded bool      `json:"semantic_loaded"`
	FTSLoaded      bool      `json:"fts_loaded"`
	FTSAvailable   bool      `json:"fts_available"`
	AccessCount    int64     `json:"access_count"`
	LastAccessed   time.Time `json:"last_accessed"`
	TTLMinutes     int       `json:"ttl_minutes"`
	Expired        bool      `json:"expired"`
}

// GetStats snapshots the entry.
func (e *Entry) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		ProjectPath:    e.ProjectPath,
		SemanticLoaded: e.semantic != nil,
		FTSLoaded:      e.ftsSearcher != nil,
		FTSAvailable:   e.ftsAvailable,
		AccessCount:    e.accessCount,
		LastAccessed:   e.lastAccessed,
		TTLMinutes:     int(e.ttl / time.Minute),
		Expired:        time.Since(e.lastAccessed) >= e.ttl,
	}
}

// backdate is a test hook shifting lastAccessed into the past.
func (e *Entry) backdate(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAccessed = e.lastAccessed.Add(-d)
}
