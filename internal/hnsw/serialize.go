package hnsw

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
)

// Binary graph format (little endian):
//
//	magic "HNSW", version:u32
//	dim:u32, space_len:u32 + space, m:u32, ef_construction:u32, ef_search:u32
//	max_level:i32, entry:u32, node_count:u32
//	per node: label:u32, level:u32, vector (dim float32),
//	          layer_count:u32, per layer: edge_count:u32 + edges (u32 each)
//	tombstone_len:u32 + serialized roaring bitmap

var graphMagic = [4]byte{'H', 'N', 'S', 'W'}

const graphVersion = 1

// ErrBadGraph reports an unreadable or malformed graph file.
var ErrBadGraph = errors.New("hnsw graph corrupt")

// Plausibility bounds for counts read from untrusted input. Anything past
// these is a corrupt file, not a large graph, and must fail before the
// decoder allocates for it.
const (
	maxSerializedDim       = 1 << 16
	maxSerializedNodes     = 1 << 28
	maxSerializedEdges     = 1 << 20
	maxSerializedTombstone = 1 << 28
)

// WriteTo serializes the graph, soft-delete tombstones included, so an
// incremental save round-trips exactly.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cw := &countingWriter{w: bufio.NewWriter(w)}

	if _, err := cw.Write(graphMagic[:]); err != nil {
		return cw.n, err
	}
	if err := cw.writeU32(graphVersion); err != nil {
		return cw.n, err
	}
	if err := cw.writeU32(uint32(g.cfg.Dim)); err != nil {
		return cw.n, err
	}
	space := []byte(g.cfg.Space)
	if err := cw.writeU32(uint32(len(space))); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(space); err != nil {
		return cw.n, err
	}
	for _, v := range []uint32{uint32(g.cfg.M), uint32(g.cfg.EfConstruction), uint32(g.cfg.EfSearch)} {
		if err := cw.writeU32(v); err != nil {
			return cw.n, err
		}
	}
	if err := cw.writeU32(uint32(int32(g.maxLevel))); err != nil {
		return cw.n, err
	}
	if err := cw.writeU32(g.entry); err != nil {
		return cw.n, err
	}
	if err := cw.writeU32(uint32(len(g.nodes))); err != nil {
		return cw.n, err
	}

	for label, n := range g.nodes {
		if err := cw.writeU32(label); err != nil {
			return cw.n, err
		}
		if err := cw.writeU32(uint32(n.level)); err != nil {
			return cw.n, err
		}
		for _, f := range n.vector {
			if err := cw.writeU32(math.Float32bits(f)); err != nil {
				return cw.n, err
			}
		}
		if err := cw.writeU32(uint32(len(n.edges))); err != nil {
			return cw.n, err
		}
		for _, layer := range n.edges {
			if err := cw.writeU32(uint32(len(layer))); err != nil {
				return cw.n, err
			}
			for _, nb := range layer {
				if err := cw.writeU32(nb); err != nil {
					return cw.n, err
				}
			}
		}
	}

	tombstones, err := g.deleted.ToBytes()
	if err != nil {
		return cw.n, fmt.Errorf("serialize tombstones: %w", err)
	}
	if err := cw.writeU32(uint32(len(tombstones))); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(tombstones); err != nil {
		return cw.n, err
	}

	return cw.n, cw.w.(*bufio.Writer).Flush()
}

// ReadFrom deserializes a graph written by WriteTo. Any malformed input
// yields ErrBadGraph, never a partially populated graph.
func ReadFrom(r io.Reader) (*Graph, error) {
	br := bufio.NewReader(r)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: read magic: %v", ErrBadGraph, err)
	}
	if magic != graphMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadGraph, magic[:])
	}
	version, err := readU32(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read version: %v", ErrBadGraph, err)
	}
	if version != graphVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadGraph, version)
	}

	dim, err := readU32(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read dim: %v", ErrBadGraph, err)
	}
	if dim > maxSerializedDim {
		return nil, fmt.Errorf("%w: implausible dimension %d", ErrBadGraph, dim)
	}
	spaceLen, err := readU32(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read space length: %v", ErrBadGraph, err)
	}
	if spaceLen > 64 {
		return nil, fmt.Errorf("%w: implausible space length %d", ErrBadGraph, spaceLen)
	}
	space := make([]byte, spaceLen)
	if _, err := io.ReadFull(br, space); err != nil {
		return nil, fmt.Errorf("%w: read space: %v", ErrBadGraph, err)
	}

	var params [3]uint32
	for i := range params {
		if params[i], err = readU32(br); err != nil {
			return nil, fmt.Errorf("%w: read params: %v", ErrBadGraph, err)
		}
	}

	g, err := New(Config{
		Dim:            int(dim),
		Space:          Space(space),
		M:              int(params[0]),
		EfConstruction: int(params[1]),
		EfSearch:       int(params[2]),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGraph, err)
	}

	maxLevel, err := readU32(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read max level: %v", ErrBadGraph, err)
	}
	g.maxLevel = int(int32(maxLevel))
	if g.entry, err = readU32(br); err != nil {
		return nil, fmt.Errorf("%w: read entry point: %v", ErrBadGraph, err)
	}

	nodeCount, err := readU32(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read node count: %v", ErrBadGraph, err)
	}
	if nodeCount > maxSerializedNodes {
		return nil, fmt.Errorf("%w: implausible node count %d", ErrBadGraph, nodeCount)
	}

	for i := uint32(0); i < nodeCount; i++ {
		label, err := readU32(br)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d label: %v", ErrBadGraph, i, err)
		}
		level, err := readU32(br)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d level: %v", ErrBadGraph, i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			bits, err := readU32(br)
			if err != nil {
				return nil, fmt.Errorf("%w: node %d vector: %v", ErrBadGraph, i, err)
			}
			vec[j] = math.Float32frombits(bits)
		}
		layerCount, err := readU32(br)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d layer count: %v", ErrBadGraph, i, err)
		}
		if layerCount > maxLayer+1 {
			return nil, fmt.Errorf("%w: node %d has %d layers", ErrBadGraph, i, layerCount)
		}
		edges := make([][]uint32, layerCount)
		for l := range edges {
			edgeCount, err := readU32(br)
			if err != nil {
				return nil, fmt.Errorf("%w: node %d edges: %v", ErrBadGraph, i, err)
			}
			if edgeCount > maxSerializedEdges {
				return nil, fmt.Errorf("%w: node %d has %d edges", ErrBadGraph, i, edgeCount)
			}
			layer := make([]uint32, edgeCount)
			for e := range layer {
				if layer[e], err = readU32(br); err != nil {
					return nil, fmt.Errorf("%w: node %d edges: %v", ErrBadGraph, i, err)
				}
			}
			edges[l] = layer
		}
		g.nodes[label] = &node{vector: vec, level: int(level), edges: edges}
	}

	tombLen, err := readU32(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read tombstone length: %v", ErrBadGraph, err)
	}
	if tombLen > maxSerializedTombstone {
		return nil, fmt.Errorf("%w: implausible tombstone length %d", ErrBadGraph, tombLen)
	}
	tomb := make([]byte, tombLen)
	if _, err := io.ReadFull(br, tomb); err != nil {
		return nil, fmt.Errorf("%w: read tombstones: %v", ErrBadGraph, err)
	}
	if tombLen > 0 {
		deleted := roaring.New()
		if _, err := deleted.ReadFrom(bytes.NewReader(tomb)); err != nil {
			return nil, fmt.Errorf("%w: decode tombstones: %v", ErrBadGraph, err)
		}
		g.deleted = deleted
	}

	return g, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) writeU32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := cw.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
