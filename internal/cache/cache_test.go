package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/semidx/semidx/internal/ann"
)

func TestEntryTTLBoundary(t *testing.T) {
	e := NewEntry("/p", 1)

	if e.IsExpired() {
		t.Fatal("fresh entry must not be expired")
	}

	// Exactly at the TTL counts as expired.
	e.backdate(time.Minute)
	if !e.IsExpired() {
		t.Error("entry at exactly its TTL should be expired")
	}
}

func TestEntryAccessResetsExpiry(t *testing.T) {
	e := NewEntry("/p", 1)
	e.backdate(2 * time.Minute)
	if !e.IsExpired() {
		t.Fatal("backdated entry should be expired")
	}

	e.UpdateAccess()
	if e.IsExpired() {
		t.Error("access must reset the expiry clock")
	}
	if got := e.GetStats().AccessCount; got != 1 {
		t.Errorf("access count = %d, want 1", got)
	}
}

func TestEntryDefaultTTL(t *testing.T) {
	e := NewEntry("/p", 0)
	if got := e.GetStats().TTLMinutes; got != DefaultTTLMinutes {
		t.Errorf("ttl = %d minutes, want %d", got, DefaultTTLMinutes)
	}
}

func TestInvalidatePreservesBookkeeping(t *testing.T) {
	e := NewEntry("/p", 10)
	e.UpdateAccess()
	e.UpdateAccess()
	e.SetSemanticIndexes(&ann.Index{}, map[string]string{"id": "path"})

	gen := e.Generation()
	e.Invalidate()

	if ix, mapping := e.Semantic(); ix != nil || mapping != nil {
		t.Error("invalidate must clear loaded indexes")
	}
	if _, ok := e.FTS(); ok {
		t.Error("invalidate must clear full-text availability")
	}
	if e.Generation() != gen+1 {
		t.Errorf("generation = %d, want %d", e.Generation(), gen+1)
	}
	if got := e.GetStats().AccessCount; got != 2 {
		t.Errorf("access count = %d after invalidate, want 2", got)
	}
}

func TestServiceGetOrCreate(t *testing.T) {
	s := NewService(10)

	a := s.GetOrCreate("/a")
	if a2 := s.GetOrCreate("/a"); a2 != a {
		t.Error("GetOrCreate must return the same entry for the same path")
	}
	if got := a.GetStats().AccessCount; got != 2 {
		t.Errorf("access count = %d, want 2", got)
	}

	if _, ok := s.Lookup("/missing"); ok {
		t.Error("Lookup must not create entries")
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
}

func TestServiceInvalidateVersusEvict(t *testing.T) {
	s := NewService(1)
	e := s.GetOrCreate("/a")
	e.SetSemanticIndexes(&ann.Index{}, nil)

	// Invalidation keeps the entry resident.
	if !s.Invalidate("/a") {
		t.Fatal("invalidate of existing entry returned false")
	}
	if _, ok := s.Lookup("/a"); !ok {
		t.Error("invalidated entry must stay in the cache")
	}
	if s.Invalidate("/missing") {
		t.Error("invalidate of absent entry returned true")
	}

	// Eviction drops it entirely.
	e.backdate(2 * time.Minute)
	evicted := s.evictExpired()
	if len(evicted) != 1 || evicted[0] != "/a" {
		t.Fatalf("evicted = %v, want [/a]", evicted)
	}
	if _, ok := s.Lookup("/a"); ok {
		t.Error("evicted entry must be gone from the cache")
	}
}

func TestEvictExpiredSkipsFresh(t *testing.T) {
	s := NewService(1)
	s.GetOrCreate("/fresh")
	stale := s.GetOrCreate("/stale")
	stale.backdate(90 * time.Second)

	evicted := s.evictExpired()
	if len(evicted) != 1 || evicted[0] != "/stale" {
		t.Fatalf("evicted = %v, want [/stale]", evicted)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d after eviction, want 1", s.Len())
	}
}

func TestEvictorLoop(t *testing.T) {
	s := NewService(1)
	e := s.GetOrCreate("/a")
	e.SetSemanticIndexes(&ann.Index{}, nil)
	e.backdate(2 * time.Minute)

	var mu sync.Mutex
	var hooks []string
	idle := make(chan struct{})
	var idleOnce sync.Once

	ev := NewEvictor(s, 10*time.Millisecond,
		WithEvictHook(func(path string) {
			mu.Lock()
			hooks = append(hooks, path)
			mu.Unlock()
		}),
		WithIdleShutdown(func() {
			idleOnce.Do(func() { close(idle) })
		}),
	)
	ev.Start()
	defer ev.Stop()

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("evictor never reported the cache idle")
	}

	if _, ok := s.Lookup("/a"); ok {
		t.Error("expired entry still cached after eviction pass")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hooks) != 1 || hooks[0] != "/a" {
		t.Errorf("evict hooks = %v, want [/a]", hooks)
	}
}

func TestEvictorStopIsIdempotent(t *testing.T) {
	ev := NewEvictor(NewService(10), 5*time.Millisecond)
	ev.Start()
	ev.Stop()
	ev.Stop()
}

func TestStatsSnapshot(t *testing.T) {
	s := NewService(10)
	e := s.GetOrCreate("/a")
	e.SetSemanticIndexes(&ann.Index{}, nil)

	stats := s.Stats()
	if len(stats) != 1 {
		t.Fatalf("got %d stats, want 1", len(stats))
	}
	st := stats[0]
	if st.ProjectPath != "/a" || !st.SemanticLoaded || st.FTSAvailable || st.Expired {
		t.Errorf("unexpected snapshot: %+v", st)
	}
}
