package ann

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/semidx/semidx/internal/collection"
	"github.com/semidx/semidx/internal/hnsw"
)

func testVectors(t *testing.T, n, dim int) ([][]float32, []string) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(n*1000 + dim)))
	vecs := make([][]float32, n)
	ids := make([]string, n)
	for i := range vecs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		vecs[i] = v
		ids[i] = "vec_" + string(rune('0'+i%10)) + strings.Repeat("x", i/10)
	}
	return vecs, ids
}

func testConfig(dim int) hnsw.Config {
	return hnsw.Config{Dim: dim, Space: hnsw.SpaceL2, M: 8, EfConstruction: 64, EfSearch: 64}
}

func TestBuildAndLoad(t *testing.T) {
	dir := t.TempDir()
	vecs, ids := testVectors(t, 10, 16)

	if err := Build(dir, vecs, ids, testConfig(16)); err != nil {
		t.Fatalf("Build: %v", err)
	}

	ix, err := LoadForIncremental(dir)
	if err != nil {
		t.Fatalf("LoadForIncremental: %v", err)
	}
	if ix.Graph == nil {
		t.Fatal("expected loaded graph")
	}
	if ix.NextLabel != 10 {
		t.Errorf("NextLabel = %d, want 10", ix.NextLabel)
	}
	for id, label := range ix.IDToLabel {
		if back, ok := ix.LabelToID[label]; !ok || back != id {
			t.Errorf("mapping not bidirectional for %q -> %d -> %q", id, label, back)
		}
	}

	meta, err := LoadMeta(dir)
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil {
		t.Fatal("expected metadata sidecar")
	}
	if meta.HNSWIndex.VectorCount != 10 {
		t.Errorf("vector_count = %d, want 10", meta.HNSWIndex.VectorCount)
	}
	if meta.Stale {
		t.Error("fresh build must not be stale")
	}
	if meta.HNSWIndex.LastRebuild.IsZero() {
		t.Error("last_rebuild not recorded")
	}
}

func TestLoadForIncrementalAbsent(t *testing.T) {
	ix, err := LoadForIncremental(t.TempDir())
	if err != nil {
		t.Fatalf("LoadForIncremental: %v", err)
	}
	if ix.Graph != nil {
		t.Error("absent index must yield nil graph")
	}
	if len(ix.IDToLabel) != 0 || len(ix.LabelToID) != 0 || ix.NextLabel != 0 {
		t.Errorf("absent index must yield empty state, got %+v", ix)
	}
}

func TestAddOrUpdateLabelInvariants(t *testing.T) {
	g, err := hnsw.New(testConfig(4))
	if err != nil {
		t.Fatal(err)
	}
	ix := &Index{Graph: g, IDToLabel: map[string]uint32{}, LabelToID: map[uint32]string{}}

	labelA, err := ix.AddOrUpdate("a", []float32{1, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if labelA != 0 || ix.NextLabel != 1 {
		t.Errorf("first add: label=%d next=%d, want 0/1", labelA, ix.NextLabel)
	}

	labelB, err := ix.AddOrUpdate("b", []float32{0, 1, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if labelB != 1 || ix.NextLabel != 2 {
		t.Errorf("second add: label=%d next=%d, want 1/2", labelB, ix.NextLabel)
	}

	// Updating an existing id reuses its label and never advances NextLabel.
	labelA2, err := ix.AddOrUpdate("a", []float32{0, 0, 1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if labelA2 != labelA {
		t.Errorf("update reassigned label %d -> %d", labelA, labelA2)
	}
	if ix.NextLabel != 2 {
		t.Errorf("update advanced NextLabel to %d", ix.NextLabel)
	}
}

func TestRemoveAndQuery(t *testing.T) {
	dir := t.TempDir()
	vecs, ids := testVectors(t, 10, 128)
	if err := Build(dir, vecs, ids, testConfig(128)); err != nil {
		t.Fatal(err)
	}

	ix, err := LoadForIncremental(dir)
	if err != nil {
		t.Fatal(err)
	}

	if !ix.Remove(ids[0]) {
		t.Fatal("Remove of existing id returned false")
	}
	if ix.Remove("ghost") {
		t.Error("Remove of unknown id returned true")
	}

	results, err := ix.Query(vecs[0], 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.ID == ids[0] {
			t.Errorf("removed id %q in results", ids[0])
		}
	}
}

func TestSaveIncrementalClearsStale(t *testing.T) {
	dir := t.TempDir()
	vecs, ids := testVectors(t, 5, 8)
	if err := Build(dir, vecs, ids, testConfig(8)); err != nil {
		t.Fatal(err)
	}
	if err := MarkStale(dir); err != nil {
		t.Fatal(err)
	}
	if stale, _ := IsStale(dir); !stale {
		t.Fatal("MarkStale did not take")
	}

	ix, err := LoadForIncremental(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ix.AddOrUpdate("new_point", make([]float32, 8)); err != nil {
		t.Fatal(err)
	}
	if err := SaveIncremental(dir, ix); err != nil {
		t.Fatalf("SaveIncremental: %v", err)
	}

	if stale, _ := IsStale(dir); stale {
		t.Error("SaveIncremental must clear staleness")
	}
	meta, _ := LoadMeta(dir)
	if meta.HNSWIndex.VectorCount != 6 {
		t.Errorf("vector_count = %d, want 6", meta.HNSWIndex.VectorCount)
	}

	reloaded, err := LoadForIncremental(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.NextLabel != 6 {
		t.Errorf("NextLabel after reload = %d, want 6", reloaded.NextLabel)
	}
}

func TestRebuildFromVectors(t *testing.T) {
	dir := t.TempDir()
	for i, id := range []string{"alpha", "beta", "gamma"} {
		vec := make([]float32, 8)
		vec[i] = 1
		if _, err := collection.WritePoint(dir, collection.Point{ID: id, Vector: vec}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := RebuildFromVectors(dir, testConfig(8))
	if err != nil {
		t.Fatalf("RebuildFromVectors: %v", err)
	}
	if n != 3 {
		t.Fatalf("rebuilt %d vectors, want 3", n)
	}

	ix, err := LoadForIncremental(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Labels are sequential in id order.
	want := map[string]uint32{"alpha": 0, "beta": 1, "gamma": 2}
	for id, label := range want {
		if ix.IDToLabel[id] != label {
			t.Errorf("label for %q = %d, want %d", id, ix.IDToLabel[id], label)
		}
	}

	if stale, _ := IsStale(dir); stale {
		t.Error("rebuild must clear staleness")
	}
}

func TestRebuildFailurePreservesIndex(t *testing.T) {
	dir := t.TempDir()
	vec := []float32{1, 0}
	if _, err := collection.WritePoint(dir, collection.Point{ID: "good", Vector: vec}); err != nil {
		t.Fatal(err)
	}
	if n, err := RebuildFromVectors(dir, testConfig(2)); err != nil || n != 1 {
		t.Fatalf("initial rebuild: n=%d err=%v", n, err)
	}
	committed, err := os.ReadFile(filepath.Join(dir, GraphFile))
	if err != nil {
		t.Fatal(err)
	}

	// Drop a malformed point record and rebuild again.
	bad := filepath.Join(dir, collection.PointsDir, "zzz-bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := RebuildFromVectors(dir, testConfig(2))
	if err == nil {
		t.Fatal("expected error for malformed point record")
	}
	if n != 0 {
		t.Errorf("failed rebuild reported %d vectors, want 0", n)
	}

	after, err := os.ReadFile(filepath.Join(dir, GraphFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(committed) {
		t.Error("failed rebuild modified the committed index")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestRebuildEmptyCollection(t *testing.T) {
	dir := t.TempDir()
	n, err := RebuildFromVectors(dir, hnsw.Config{})
	if err != nil {
		t.Fatalf("RebuildFromVectors on empty dir: %v", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}

func TestIsStaleAbsentCollection(t *testing.T) {
	stale, err := IsStale(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if stale {
		t.Error("brand-new collection must not be stale")
	}
}

func TestDecodeIndexFileCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, GraphFile), []byte("bogus"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadForIncremental(dir); err == nil {
		t.Error("expected corruption error for bogus index file")
	}
}
