package session

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/semidx/semidx/internal/ann"
	"github.com/semidx/semidx/internal/collection"
	"github.com/semidx/semidx/internal/hnsw"
	"github.com/semidx/semidx/internal/idindex"
)

func testManager(t *testing.T, dim int) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), hnsw.Config{Dim: dim, Space: hnsw.SpaceL2, M: 8, EfConstruction: 64, EfSearch: 64})
}

func randomPoints(n, dim int, seed int64) []collection.Point {
	rng := rand.New(rand.NewSource(seed))
	points := make([]collection.Point, n)
	for i := range points {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		points[i] = collection.Point{
			ID:      "vec_" + string(rune('0'+i)),
			Vector:  v,
			Payload: map[string]any{"language": "go"},
		}
	}
	return points
}

func graphModTime(t *testing.T, m *Manager, coll string) time.Time {
	t.Helper()
	fi, err := os.Stat(filepath.Join(m.Dir(coll), ann.GraphFile))
	if err != nil {
		t.Fatalf("stat graph file: %v", err)
	}
	return fi.ModTime()
}

func TestUpsertClassification(t *testing.T) {
	m := testManager(t, 4)
	const coll = "code"

	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}
	points := randomPoints(3, 4, 1)
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}

	cs := m.state(coll)
	if len(cs.record.Added) != 3 || len(cs.record.Updated) != 0 {
		t.Fatalf("first upsert: added=%d updated=%d, want 3/0", len(cs.record.Added), len(cs.record.Updated))
	}

	// Re-upserting one point classifies it updated.
	if err := m.UpsertPoints(coll, points[:1], false); err != nil {
		t.Fatal(err)
	}
	if _, ok := cs.record.Updated[points[0].ID]; !ok {
		t.Error("re-upserted point not classified updated")
	}

	// Storage and identifier index were written immediately.
	mapping, err := idindex.Load(m.Dir(coll))
	if err != nil {
		t.Fatal(err)
	}
	if len(mapping) != 3 {
		t.Errorf("identifier index has %d entries, want 3", len(mapping))
	}
}

func TestBeginIndexingResets(t *testing.T) {
	m := testManager(t, 4)
	const coll = "code"

	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}
	if err := m.UpsertPoints(coll, randomPoints(2, 4, 2), false); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}

	cs := m.state(coll)
	if !cs.record.Empty() {
		t.Error("BeginIndexing must reset tracking, record still has changes")
	}
}

func TestEndIndexingModes(t *testing.T) {
	t.Run("full when never begun", func(t *testing.T) {
		m := testManager(t, 4)
		if err := m.UpsertPoints("c", randomPoints(2, 4, 3), false); err != nil {
			t.Fatal(err)
		}
		mode, err := m.EndIndexing("c", false)
		if err != nil {
			t.Fatal(err)
		}
		if mode != UpdateFull {
			t.Errorf("mode = %q, want full", mode)
		}
	})

	t.Run("incremental with recorded changes", func(t *testing.T) {
		m := testManager(t, 4)
		if err := m.BeginIndexing("c"); err != nil {
			t.Fatal(err)
		}
		if err := m.UpsertPoints("c", randomPoints(3, 4, 4), false); err != nil {
			t.Fatal(err)
		}
		mode, err := m.EndIndexing("c", false)
		if err != nil {
			t.Fatal(err)
		}
		if mode != UpdateIncremental {
			t.Errorf("mode = %q, want incremental", mode)
		}
		if stale, _ := ann.IsStale(m.Dir("c")); stale {
			t.Error("incremental end must clear staleness")
		}

		cs := m.state("c")
		if cs.record != nil || cs.begun {
			t.Error("change record not cleared after EndIndexing")
		}
	})

	t.Run("deferred leaves stale", func(t *testing.T) {
		m := testManager(t, 4)
		if err := m.BeginIndexing("c"); err != nil {
			t.Fatal(err)
		}
		if err := m.UpsertPoints("c", randomPoints(2, 4, 5), true); err != nil {
			t.Fatal(err)
		}
		mode, err := m.EndIndexing("c", true)
		if err != nil {
			t.Fatal(err)
		}
		if mode != UpdateDeferred {
			t.Errorf("mode = %q, want deferred", mode)
		}
		if stale, _ := ann.IsStale(m.Dir("c")); !stale {
			t.Error("deferred end must leave the collection stale")
		}
	})
}

func TestWatchModeStaleness(t *testing.T) {
	m := testManager(t, 4)
	const coll = "c"

	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}
	points := randomPoints(3, 4, 6)
	if err := m.UpsertPoints(coll, points, true); err != nil {
		t.Fatal(err)
	}

	if stale, _ := ann.IsStale(m.Dir(coll)); !stale {
		t.Fatal("watch-mode upsert must mark the collection stale")
	}

	// Despite staleness, the points are immediately searchable in-process.
	cs := m.state(coll)
	if cs.loaded == nil || cs.loaded.Graph == nil {
		t.Fatal("watch mode did not populate the loaded graph")
	}
	if cs.loaded.Graph.Len() != 3 {
		t.Errorf("loaded graph has %d vectors, want 3", cs.loaded.Graph.Len())
	}
}

func TestSearchRebuildsStaleOnce(t *testing.T) {
	m := testManager(t, 8)
	const coll = "c"

	points := randomPoints(5, 8, 7)
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}

	// Defer a consolidation so the collection is stale.
	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}
	if err := m.UpsertPoints(coll, randomPoints(2, 8, 8)[:1], false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, true); err != nil {
		t.Fatal(err)
	}
	if stale, _ := ann.IsStale(m.Dir(coll)); !stale {
		t.Fatal("setup: collection should be stale")
	}

	before := graphModTime(t, m, coll)
	time.Sleep(10 * time.Millisecond)

	if _, err := m.Search(coll, points[0].Vector, 3, nil); err != nil {
		t.Fatal(err)
	}
	afterFirst := graphModTime(t, m, coll)
	if afterFirst.Equal(before) {
		t.Fatal("first search on a stale index must rebuild (mtime unchanged)")
	}
	if stale, _ := ann.IsStale(m.Dir(coll)); stale {
		t.Fatal("search must clear staleness after rebuilding")
	}

	if _, err := m.Search(coll, points[0].Vector, 3, nil); err != nil {
		t.Fatal(err)
	}
	afterSecond := graphModTime(t, m, coll)
	if !afterSecond.Equal(afterFirst) {
		t.Error("second search must not rebuild again")
	}
}

func TestDeleteThenSearchScenario(t *testing.T) {
	m := testManager(t, 128)
	const coll = "c"

	points := randomPoints(10, 128, 9)
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}

	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}
	if err := m.DeletePoints(coll, []string{points[0].ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}

	results, err := m.Search(coll, points[0].Vector, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.ID == points[0].ID {
			t.Errorf("deleted id %q in results", r.ID)
		}
	}
}

func TestSearchFilters(t *testing.T) {
	m := testManager(t, 4)
	const coll = "c"

	points := randomPoints(4, 4, 10)
	points[1].Payload = map[string]any{"language": "python"}
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}

	results, err := m.Search(coll, points[1].Vector, 4, map[string]string{"language": "python"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != points[1].ID {
		t.Errorf("filtered search = %v, want only %q", results, points[1].ID)
	}
}

func TestCountPointsAgreement(t *testing.T) {
	m := testManager(t, 4)
	const coll = "c"

	points := randomPoints(6, 4, 11)
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}

	fast, err := m.CountPoints(coll)
	if err != nil {
		t.Fatal(err)
	}
	slow, err := idindex.Count(m.Dir(coll))
	if err != nil {
		t.Fatal(err)
	}
	if fast != slow {
		t.Errorf("metadata count %d != identifier index count %d", fast, slow)
	}
	if fast != 6 {
		t.Errorf("count = %d, want 6", fast)
	}

	// Fallback path: with the sidecar gone, counting still works.
	if err := os.Remove(filepath.Join(m.Dir(coll), ann.MetaFile)); err != nil {
		t.Fatal(err)
	}
	fallback, err := m.CountPoints(coll)
	if err != nil {
		t.Fatal(err)
	}
	if fallback != slow {
		t.Errorf("fallback count %d != %d", fallback, slow)
	}
}

func TestEndIndexingIdempotentNoChanges(t *testing.T) {
	m := testManager(t, 8)
	const coll = "c"

	points := randomPoints(4, 8, 12)
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}

	wantResults, err := m.Search(coll, points[2].Vector, 2, nil)
	if err != nil {
		t.Fatal(err)
	}

	// An empty begin/end cycle rebuilds but must not change what queries see.
	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}
	mode, err := m.EndIndexing(coll, false)
	if err != nil {
		t.Fatal(err)
	}
	if mode != UpdateFull {
		t.Errorf("mode = %q, want full", mode)
	}

	gotResults, err := m.Search(coll, points[2].Vector, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotResults) != len(wantResults) {
		t.Fatalf("result count changed: %d vs %d", len(gotResults), len(wantResults))
	}
	for i := range gotResults {
		if gotResults[i].ID != wantResults[i].ID {
			t.Errorf("result %d changed: %q vs %q", i, gotResults[i].ID, wantResults[i].ID)
		}
	}
}

func TestDeferredEndOnFreshCollection(t *testing.T) {
	m := testManager(t, 4)
	const coll = "c"

	// No graph has ever been built for this collection.
	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}
	points := randomPoints(3, 4, 14)
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}
	mode, err := m.EndIndexing(coll, true)
	if err != nil {
		t.Fatal(err)
	}
	if mode != UpdateDeferred {
		t.Fatalf("mode = %q, want deferred", mode)
	}

	// The deferral must survive even without a prior sidecar, or the owed
	// rebuild is lost and the committed points stay unsearchable.
	if stale, _ := ann.IsStale(m.Dir(coll)); !stale {
		t.Fatal("deferred end on a fresh collection must leave it stale")
	}

	results, err := m.Search(coll, points[0].Vector, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("search after deferred end returned %d results, want 3", len(results))
	}
	if stale, _ := ann.IsStale(m.Dir(coll)); stale {
		t.Error("search must clear staleness after rebuilding")
	}
}

func TestUpsertRejectsInvalidPoints(t *testing.T) {
	m := testManager(t, 4)
	const coll = "c"

	noVector := []collection.Point{{ID: "orphan"}}
	if err := m.UpsertPoints(coll, noVector, true); err == nil {
		t.Error("upsert of a vectorless point must fail")
	}
	noID := []collection.Point{{Vector: []float32{1, 0, 0, 0}}}
	if err := m.UpsertPoints(coll, noID, false); err == nil {
		t.Error("upsert of a point without an id must fail")
	}

	// A rejected batch writes nothing.
	mapping, err := idindex.Load(m.Dir(coll))
	if err != nil {
		t.Fatal(err)
	}
	if len(mapping) != 0 {
		t.Errorf("identifier index has %d entries after rejected batches, want 0", len(mapping))
	}
}

func TestCountPointsAgreementMidSession(t *testing.T) {
	m := testManager(t, 4)
	const coll = "c"

	agree := func(want int) {
		t.Helper()
		fast, err := m.CountPoints(coll)
		if err != nil {
			t.Fatal(err)
		}
		slow, err := idindex.Count(m.Dir(coll))
		if err != nil {
			t.Fatal(err)
		}
		if fast != slow {
			t.Fatalf("metadata count %d != identifier index count %d", fast, slow)
		}
		if fast != want {
			t.Fatalf("count = %d, want %d", fast, want)
		}
	}

	points := randomPoints(6, 4, 15)
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}
	agree(6)

	// A delete updates the identifier index immediately; both count paths
	// must track it without waiting for the next rebuild.
	if err := m.DeletePoints(coll, []string{points[0].ID, points[1].ID}); err != nil {
		t.Fatal(err)
	}
	agree(4)

	// Same for a mid-session upsert of new points.
	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}
	extra := randomPoints(3, 4, 16)
	for i := range extra {
		extra[i].ID = "extra_" + string(rune('0'+i))
	}
	if err := m.UpsertPoints(coll, extra, false); err != nil {
		t.Fatal(err)
	}
	agree(7)
}

func TestSearchMidSessionKeepsIncrementalEnd(t *testing.T) {
	m := testManager(t, 4)
	const coll = "c"

	points := randomPoints(4, 4, 17)
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}

	if err := m.BeginIndexing(coll); err != nil {
		t.Fatal(err)
	}
	extra := randomPoints(1, 4, 18)
	extra[0].ID = "mid_session"
	if err := m.UpsertPoints(coll, extra, true); err != nil {
		t.Fatal(err)
	}
	if stale, _ := ann.IsStale(m.Dir(coll)); !stale {
		t.Fatal("setup: watch-mode upsert should leave the collection stale")
	}

	// A query folds the outstanding changes, but the open session keeps its
	// record so its end still reports the work it actually did.
	if _, err := m.Search(coll, extra[0].Vector, 2, nil); err != nil {
		t.Fatal(err)
	}
	mode, err := m.EndIndexing(coll, false)
	if err != nil {
		t.Fatal(err)
	}
	if mode != UpdateIncremental {
		t.Errorf("mode = %q, want incremental", mode)
	}
}

func TestReleaseDir(t *testing.T) {
	m := testManager(t, 4)
	const coll = "c"

	if err := m.UpsertPoints(coll, randomPoints(2, 4, 19), false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}
	if m.Loaded(coll) == nil {
		t.Fatal("setup: rebuild should leave the index loaded")
	}

	if !m.ReleaseDir(m.Dir(coll)) {
		t.Fatal("ReleaseDir rejected the collection's own directory")
	}
	if m.Loaded(coll) != nil {
		t.Error("index still loaded after ReleaseDir")
	}

	// Paths outside the manager's root belong to someone else.
	if err := m.UpsertPoints(coll, randomPoints(2, 4, 20), false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EndIndexing(coll, false); err != nil {
		t.Fatal(err)
	}
	if m.ReleaseDir(filepath.Join(t.TempDir(), coll)) {
		t.Error("ReleaseDir accepted a directory outside the root")
	}
	if m.Loaded(coll) == nil {
		t.Error("foreign-path release must not drop the loaded index")
	}
}

func TestDeletePointsRemovesStorage(t *testing.T) {
	m := testManager(t, 4)
	const coll = "c"

	points := randomPoints(2, 4, 13)
	if err := m.UpsertPoints(coll, points, false); err != nil {
		t.Fatal(err)
	}
	if err := m.DeletePoints(coll, []string{points[0].ID, "absent"}); err != nil {
		t.Fatal(err)
	}

	mapping, err := idindex.Load(m.Dir(coll))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mapping[points[0].ID]; ok {
		t.Error("deleted id still in identifier index")
	}
	if _, err := collection.ReadPoint(m.Dir(coll), collection.PointPath(points[0].ID)); !os.IsNotExist(err) {
		t.Errorf("point file should be gone, err=%v", err)
	}
}
