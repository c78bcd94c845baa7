// Package hnsw implements the hierarchical navigable small world graph used
// for approximate nearest-neighbor search over a collection's vectors.
//
// Labels are dense uint32 keys assigned by the caller; the graph never
// renumbers them. Removal is soft: deleted labels stay in the graph for
// navigation but are excluded from search results until the caller rebuilds.
package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

const maxLayer = 16

// Config holds graph construction parameters.
type Config struct {
	Dim            int   `json:"dim"`
	Space          Space `json:"space"`
	M              int   `json:"m"`
	EfConstruction int   `json:"ef_construction"`
	EfSearch       int   `json:"ef_search"`
}

// DefaultConfig returns the construction parameters used when a collection
// does not override them.
func DefaultConfig(dim int) Config {
	return Config{
		Dim:            dim,
		Space:          SpaceCosine,
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
	}
}

func (c *Config) applyDefaults() {
	if c.Space == "" {
		c.Space = SpaceCosine
	}
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 100
	}
}

type node struct {
	vector []float32
	level  int
	// edges[l] holds neighbor labels at layer l. Layer 0 allows 2*M
	// neighbors, upper layers M.
	edges [][]uint32
}

// Result is one search hit.
type Result struct {
	Label    uint32
	Distance float32
}

// Graph is an in-memory HNSW graph. All exported methods are safe for
// concurrent use.
type Graph struct {
	mu       sync.RWMutex
	cfg      Config
	dist     distanceFunc
	nodes    map[uint32]*node
	deleted  *roaring.Bitmap
	entry    uint32
	maxLevel int // -1 while empty
	levelMul float64
}

// New creates an empty graph.
func New(cfg Config) (*Graph, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", cfg.Dim)
	}
	cfg.applyDefaults()
	dist, err := distanceFor(cfg.Space)
	if err != nil {
		return nil, err
	}
	return &Graph{
		cfg:      cfg,
		dist:     dist,
		nodes:    make(map[uint32]*node),
		deleted:  roaring.New(),
		maxLevel: -1,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
	}, nil
}

// Config returns the construction parameters.
func (g *Graph) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Dim returns the vector dimensionality.
func (g *Graph) Dim() int { return g.cfg.Dim }

// Len returns the number of live (not soft-deleted) vectors.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes) - int(g.deleted.GetCardinality())
}

// Has reports whether label exists in the graph, deleted or not.
func (g *Graph) Has(label uint32) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[label]
	return ok
}

// IsDeleted reports whether label is soft-deleted.
func (g *Graph) IsDeleted(label uint32) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.deleted.Contains(label)
}

// Add inserts vec under label, or overwrites the stored vector when the label
// already exists. Overwriting keeps the label's edges and clears any
// soft-delete mark; the graph is not re-linked, which trades a little recall
// for O(1) updates until the next rebuild.
func (g *Graph) Add(label uint32, vec []float32) error {
	if len(vec) != g.cfg.Dim {
		return fmt.Errorf("vector dimension mismatch: expected %d, got %d", g.cfg.Dim, len(vec))
	}

	v := make([]float32, len(vec))
	copy(v, vec)
	if g.cfg.Space == SpaceCosine {
		normalize(v)
	}

	level := g.randomLevel()

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.nodes[label]; ok {
		existing.vector = v
		g.deleted.Remove(label)
		return nil
	}

	n := &node{vector: v, level: level, edges: make([][]uint32, level+1)}
	for i := range n.edges {
		n.edges[i] = make([]uint32, 0, g.cfg.M)
	}

	if len(g.nodes) == 0 {
		g.nodes[label] = n
		g.entry = label
		g.maxLevel = level
		return nil
	}

	g.insert(label, n)
	g.nodes[label] = n
	if level > g.maxLevel {
		g.maxLevel = level
		g.entry = label
	}
	return nil
}

// MarkDeleted soft-deletes label so it is excluded from all subsequent
// searches. Returns false when the label is unknown.
func (g *Graph) MarkDeleted(label uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[label]; !ok {
		return false
	}
	g.deleted.Add(label)
	return true
}

// Search returns up to k live labels ordered by ascending distance to query.
// When fewer than k live vectors exist it returns all of them.
func (g *Graph) Search(query []float32, k int) ([]Result, error) {
	if len(query) != g.cfg.Dim {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", g.cfg.Dim, len(query))
	}
	if k <= 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if g.cfg.Space == SpaceCosine {
		normalize(q)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 {
		return nil, nil
	}

	ef := g.cfg.EfSearch
	if ef < k {
		ef = k
	}

	// Descend through the upper layers greedily.
	curr := g.entry
	currDist := g.dist(q, g.nodes[curr].vector)
	for lc := g.maxLevel; lc > 0; lc-- {
		changed := true
		for changed {
			changed = false
			n := g.nodes[curr]
			if lc >= len(n.edges) {
				continue
			}
			for _, nb := range n.edges[lc] {
				d := g.dist(q, g.nodes[nb].vector)
				if d < currDist {
					currDist = d
					curr = nb
					changed = true
				}
			}
		}
	}

	found := g.searchLayer(q, curr, ef, 0)

	results := make([]Result, 0, k)
	for _, c := range found {
		if g.deleted.Contains(c.label) {
			continue
		}
		results = append(results, Result{Label: c.label, Distance: c.distance})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

func (g *Graph) randomLevel() int {
	level := 0
	for level < maxLayer && rand.Float64() < 1.0/float64(g.cfg.M) {
		level++
	}
	return level
}

// insert links n into the graph. Caller holds the write lock.
func (g *Graph) insert(label uint32, n *node) {
	curr := g.entry
	currDist := g.dist(n.vector, g.nodes[curr].vector)

	for lc := g.maxLevel; lc > n.level; lc-- {
		changed := true
		for changed {
			changed = false
			cn := g.nodes[curr]
			if lc >= len(cn.edges) {
				continue
			}
			for _, nb := range cn.edges[lc] {
				d := g.dist(n.vector, g.nodes[nb].vector)
				if d < currDist {
					currDist = d
					curr = nb
					changed = true
				}
			}
		}
	}

	top := n.level
	if top > g.maxLevel {
		top = g.maxLevel
	}
	for lc := top; lc >= 0; lc-- {
		candidates := g.searchLayer(n.vector, curr, g.cfg.EfConstruction, lc)

		m := g.cfg.M
		if lc == 0 {
			m *= 2
		}

		neighbors := selectNearest(candidates, m)
		for _, nb := range neighbors {
			n.edges[lc] = append(n.edges[lc], nb)
			other := g.nodes[nb]
			if lc <= other.level {
				other.edges[lc] = append(other.edges[lc], label)
				if len(other.edges[lc]) > m {
					g.prune(nb, lc, m)
				}
			}
		}

		if len(candidates) > 0 {
			curr = candidates[0].label
		}
	}
}

// searchLayer runs the greedy beam search at one layer. Soft-deleted nodes
// are traversed (keeping the graph navigable) but still appear in the
// returned candidates; callers filter them. Caller holds at least a read
// lock.
func (g *Graph) searchLayer(query []float32, entry uint32, ef, layer int) []candidate {
	visited := roaring.New()
	candidates := &minHeap{}
	result := &maxHeap{}

	d := g.dist(query, g.nodes[entry].vector)
	heap.Push(candidates, candidate{label: entry, distance: d})
	heap.Push(result, candidate{label: entry, distance: d})
	visited.Add(entry)

	for candidates.Len() > 0 {
		curr := heap.Pop(candidates).(candidate)
		if result.Len() >= ef && curr.distance > (*result)[0].distance {
			break
		}

		n := g.nodes[curr.label]
		if layer >= len(n.edges) {
			continue
		}
		for _, nb := range n.edges[layer] {
			if visited.Contains(nb) {
				continue
			}
			visited.Add(nb)

			d := g.dist(query, g.nodes[nb].vector)
			if result.Len() < ef || d < (*result)[0].distance {
				heap.Push(candidates, candidate{label: nb, distance: d})
				heap.Push(result, candidate{label: nb, distance: d})
				if result.Len() > ef {
					heap.Pop(result)
				}
			}
		}
	}

	out := make([]candidate, result.Len())
	for i := result.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(result).(candidate)
	}
	return out
}

func selectNearest(candidates []candidate, m int) []uint32 {
	if len(candidates) > m {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].distance < candidates[j].distance
		})
		candidates = candidates[:m]
	}
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.label
	}
	return out
}

// prune trims a node's edge list at layer back down to m nearest neighbors.
// Caller holds the write lock.
func (g *Graph) prune(label uint32, layer, m int) {
	n := g.nodes[label]
	cands := make([]candidate, 0, len(n.edges[layer]))
	for _, nb := range n.edges[layer] {
		other, ok := g.nodes[nb]
		if !ok {
			continue
		}
		cands = append(cands, candidate{label: nb, distance: g.dist(n.vector, other.vector)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].distance < cands[j].distance })
	if len(cands) > m {
		cands = cands[:m]
	}
	n.edges[layer] = n.edges[layer][:0]
	for _, c := range cands {
		n.edges[layer] = append(n.edges[layer], c.label)
	}
}
