package cache

import (
	"sync"
)

// Service owns the cache entries of a serving process, one per active
// project. Its mutex is the structural mutation lock: entry creation,
// invalidation, and eviction all serialize through it.
type Service struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	ttlMinutes int
}

// NewService creates an empty cache. ttlMinutes applies to entries it
// creates; zero or negative selects the default.
func NewService(ttlMinutes int) *Service {
	return &Service{
		entries:    make(map[string]*Entry),
		ttlMinutes: ttlMinutes,
	}
}

// GetOrCreate returns the entry for projectPath, creating it on first use,
// and refreshes its access time.
func (s *Service) GetOrCreate(projectPath string) *Entry {
	s.mu.Lock()
	e, ok := s.entries[projectPath]
	if !ok {
		e = NewEntry(projectPath, s.ttlMinutes)
		s.entries[projectPath] = e
	}
	s.mu.Unlock()

	e.UpdateAccess()
	return e
}

// Lookup returns the entry for projectPath without creating one.
func (s *Service) Lookup(projectPath string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[projectPath]
	return e, ok
}

// Invalidate clears the loaded indexes of projectPath's entry, keeping its
// bookkeeping. Returns false when no entry exists.
func (s *Service) Invalidate(projectPath string) bool {
	s.mu.Lock()
	e, ok := s.entries[projectPath]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.Invalidate()
	return true
}

// evictExpired drops every expired entry entirely. A subsequent access must
// reload from disk. Returns the evicted project paths.
func (s *Service) evictExpired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for path, e := range s.entries {
		if !e.IsExpired() {
			continue
		}
		e.mu.Lock()
		e.clearLocked()
		e.mu.Unlock()
		delete(s.entries, path)
		evicted = append(evicted, path)
	}
	return evicted
}

// Len returns the number of cached entries.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats snapshots every entry.
func (s *Service) Stats() []Stats {
	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]Stats, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.GetStats())
	}
	return out
}
