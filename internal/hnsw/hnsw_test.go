package hnsw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
)

func testGraph(t *testing.T, dim int) *Graph {
	t.Helper()
	g, err := New(Config{Dim: dim, Space: SpaceL2, M: 8, EfConstruction: 64, EfSearch: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// axisVec returns a unit vector along one axis, scaled; useful because L2
// distances between them are unambiguous.
func axisVec(dim, axis int, scale float32) []float32 {
	v := make([]float32, dim)
	v[axis%dim] = scale
	return v
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Dim: 0}); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := New(Config{Dim: 4, Space: "chebyshev"}); err == nil {
		t.Error("expected error for unknown space")
	}
}

func TestAddAndSearch(t *testing.T) {
	g := testGraph(t, 4)

	for i := 0; i < 10; i++ {
		if err := g.Add(uint32(i), axisVec(4, i%4, float32(1+i/4))); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if g.Len() != 10 {
		t.Fatalf("Len = %d, want 10", g.Len())
	}

	results, err := g.Search(axisVec(4, 0, 1), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Label != 0 {
		t.Errorf("nearest label = %d, want 0", results[0].Label)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("results not sorted by distance: %v", results)
		}
	}
}

func TestSearchFewerThanK(t *testing.T) {
	g := testGraph(t, 4)
	for i := 0; i < 3; i++ {
		if err := g.Add(uint32(i), axisVec(4, i, 1)); err != nil {
			t.Fatal(err)
		}
	}

	results, err := g.Search(axisVec(4, 0, 1), 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want all 3", len(results))
	}
}

func TestSearchEmptyGraph(t *testing.T) {
	g := testGraph(t, 4)
	results, err := g.Search(axisVec(4, 0, 1), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %v", results)
	}
}

func TestDimensionMismatch(t *testing.T) {
	g := testGraph(t, 4)
	if err := g.Add(0, make([]float32, 5)); err == nil {
		t.Error("Add with wrong dimension should fail")
	}
	if _, err := g.Search(make([]float32, 3), 1); err == nil {
		t.Error("Search with wrong dimension should fail")
	}
}

func TestOverwriteKeepsLabel(t *testing.T) {
	g := testGraph(t, 4)
	if err := g.Add(7, axisVec(4, 0, 1)); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(7, axisVec(4, 1, 1)); err != nil {
		t.Fatal(err)
	}
	if g.Len() != 1 {
		t.Fatalf("Len after overwrite = %d, want 1", g.Len())
	}

	results, err := g.Search(axisVec(4, 1, 1), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Label != 7 {
		t.Errorf("expected label 7 with new vector, got %v", results)
	}
	if results[0].Distance != 0 {
		t.Errorf("overwritten vector should match exactly, distance %f", results[0].Distance)
	}
}

func TestSoftDelete(t *testing.T) {
	g := testGraph(t, 4)
	for i := 0; i < 6; i++ {
		if err := g.Add(uint32(i), axisVec(4, i%4, float32(1+i))); err != nil {
			t.Fatal(err)
		}
	}

	if !g.MarkDeleted(0) {
		t.Fatal("MarkDeleted(0) = false")
	}
	if g.MarkDeleted(99) {
		t.Error("MarkDeleted of unknown label should return false")
	}
	if g.Len() != 5 {
		t.Errorf("Len after delete = %d, want 5", g.Len())
	}
	if !g.IsDeleted(0) {
		t.Error("IsDeleted(0) = false")
	}

	results, err := g.Search(axisVec(4, 0, 1), 6)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Label == 0 {
			t.Error("soft-deleted label 0 appeared in results")
		}
	}
	if len(results) != 5 {
		t.Errorf("got %d results, want 5 live", len(results))
	}
}

func TestReAddClearsDeletion(t *testing.T) {
	g := testGraph(t, 4)
	if err := g.Add(1, axisVec(4, 0, 1)); err != nil {
		t.Fatal(err)
	}
	g.MarkDeleted(1)
	if err := g.Add(1, axisVec(4, 0, 2)); err != nil {
		t.Fatal(err)
	}
	if g.IsDeleted(1) {
		t.Error("re-added label still marked deleted")
	}
	if g.Len() != 1 {
		t.Errorf("Len = %d, want 1", g.Len())
	}
}

func TestDeleteThenQueryScenario(t *testing.T) {
	// Build vec_0..vec_9 analog: labels 0..9 with 128-dim vectors, delete
	// label 0, query its vector; expect exactly 3 hits, none of them 0.
	g, err := New(DefaultConfig(128))
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(42))
	vectors := make([][]float32, 10)
	for i := range vectors {
		v := make([]float32, 128)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
		if err := g.Add(uint32(i), v); err != nil {
			t.Fatal(err)
		}
	}

	g.MarkDeleted(0)

	results, err := g.Search(vectors[0], 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Label == 0 {
			t.Error("deleted label 0 in results")
		}
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	g := testGraph(t, 8)
	rng := rand.New(rand.NewSource(7))
	vecs := make([][]float32, 50)
	for i := range vecs {
		v := make([]float32, 8)
		for j := range v {
			v[j] = rng.Float32()
		}
		vecs[i] = v
		if err := g.Add(uint32(i), v); err != nil {
			t.Fatal(err)
		}
	}
	g.MarkDeleted(3)
	g.MarkDeleted(17)

	var buf bytes.Buffer
	n, err := g.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo reported %d bytes, buffer has %d", n, buf.Len())
	}

	loaded, err := ReadFrom(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	if loaded.Len() != g.Len() {
		t.Errorf("loaded Len = %d, want %d", loaded.Len(), g.Len())
	}
	if !loaded.IsDeleted(3) || !loaded.IsDeleted(17) {
		t.Error("tombstones not preserved across serialization")
	}
	if loaded.Config() != g.Config() {
		t.Errorf("config mismatch: %+v vs %+v", loaded.Config(), g.Config())
	}

	// Query equivalence on a few probes.
	for probe := 0; probe < 5; probe++ {
		want, err := g.Search(vecs[probe], 5)
		if err != nil {
			t.Fatal(err)
		}
		got, err := loaded.Search(vecs[probe], 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(want) {
			t.Fatalf("probe %d: %d results vs %d", probe, len(got), len(want))
		}
		for i := range got {
			if got[i].Label != want[i].Label {
				t.Errorf("probe %d result %d: label %d vs %d", probe, i, got[i].Label, want[i].Label)
			}
		}
	}
}

func TestReadFromCorrupt(t *testing.T) {
	g := testGraph(t, 4)
	for i := 0; i < 4; i++ {
		if err := g.Add(uint32(i), axisVec(4, i, 1)); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if _, err := g.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	full := buf.Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "bad magic", data: append([]byte("NOPE"), full[4:]...)},
		{name: "truncated header", data: full[:6]},
		{name: "truncated nodes", data: full[:len(full)/2]},
		{name: "truncated tombstones", data: full[:len(full)-2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrom(bytes.NewReader(tt.data))
			if !errors.Is(err, ErrBadGraph) {
				t.Errorf("expected ErrBadGraph, got %v", err)
			}
		})
	}
}

func TestReadFromImplausibleCounts(t *testing.T) {
	empty := testGraph(t, 4)
	var ebuf bytes.Buffer
	if _, err := empty.WriteTo(&ebuf); err != nil {
		t.Fatal(err)
	}

	// Header layout for an "l2" graph: magic(4) version(4) dim(4)
	// spaceLen(4) space(2) m(4) efc(4) efs(4) maxLevel(4) entry(4),
	// putting the node count at byte 38. An empty graph's tombstone
	// length follows the zero node count directly.
	const (
		dimOff       = 8
		nodeCountOff = 38
		tombLenOff   = 42
	)

	full := testGraph(t, 4)
	for i := 0; i < 4; i++ {
		if err := full.Add(uint32(i), axisVec(4, i, 1)); err != nil {
			t.Fatal(err)
		}
	}
	var fbuf bytes.Buffer
	if _, err := full.WriteTo(&fbuf); err != nil {
		t.Fatal(err)
	}
	// A node record is label(4) level(4) vector(dim*4) layerCount(4), so
	// the first node's first per-layer edge count sits 32 bytes past the
	// node count.
	edgeCountOff := nodeCountOff + 4 + 4 + 4 + 4*4 + 4

	patch := func(data []byte, off int) []byte {
		out := append([]byte(nil), data...)
		binary.LittleEndian.PutUint32(out[off:], 0xFFFFFFFF)
		return out
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "huge dimension", data: patch(ebuf.Bytes(), dimOff)},
		{name: "huge node count", data: patch(ebuf.Bytes(), nodeCountOff)},
		{name: "huge tombstone length", data: patch(ebuf.Bytes(), tombLenOff)},
		{name: "huge edge count", data: patch(fbuf.Bytes(), edgeCountOff)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrom(bytes.NewReader(tt.data))
			if !errors.Is(err, ErrBadGraph) {
				t.Errorf("expected ErrBadGraph, got %v", err)
			}
		})
	}
}

func TestCosineSpace(t *testing.T) {
	g, err := New(Config{Dim: 2, Space: SpaceCosine, M: 4, EfConstruction: 16, EfSearch: 16})
	if err != nil {
		t.Fatal(err)
	}
	// Same direction, different magnitude: cosine distance 0.
	if err := g.Add(0, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(1, []float32{0, 1}); err != nil {
		t.Fatal(err)
	}

	results, err := g.Search([]float32{10, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Label != 0 {
		t.Fatalf("unexpected results %v", results)
	}
	if results[0].Distance > 1e-5 {
		t.Errorf("same-direction cosine distance = %f, want ~0", results[0].Distance)
	}
}

func TestRandomRecall(t *testing.T) {
	// With ef well above n, the graph search should behave near-exhaustively.
	const n, dim = 200, 16
	g, err := New(Config{Dim: dim, Space: SpaceL2, M: 12, EfConstruction: 100, EfSearch: 200})
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(99))
	vecs := make([][]float32, n)
	for i := range vecs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		vecs[i] = v
		if err := g.Add(uint32(i), v); err != nil {
			t.Fatal(err)
		}
	}

	hits := 0
	const probes = 20
	for p := 0; p < probes; p++ {
		i := rng.Intn(n)
		results, err := g.Search(vecs[i], 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) == 1 && results[0].Label == uint32(i) {
			hits++
		}
	}
	if hits < probes*9/10 {
		t.Errorf("self-recall %d/%d, expected at least %d", hits, probes, probes*9/10)
	}
}

func BenchmarkSearch(b *testing.B) {
	g, err := New(DefaultConfig(64))
	if err != nil {
		b.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		v := make([]float32, 64)
		for j := range v {
			v[j] = rng.Float32()
		}
		if err := g.Add(uint32(i), v); err != nil {
			b.Fatal(err)
		}
	}
	query := make([]float32, 64)
	for j := range query {
		query[j] = rng.Float32()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := g.Search(query, 10); err != nil {
			b.Fatal(err)
		}
	}
}
