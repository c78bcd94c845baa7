// Package idindex implements the binary identifier index mapping point ids to
// their storage paths inside a collection directory.
//
// File format (little endian):
//
//	entry_count:u32
//	entry_count records of {id_len:u16, id_bytes, path_len:u16, path_bytes}
//
// Ids and paths are UTF-8. Save/Load round-trips losslessly, including
// non-ASCII ids and the empty mapping.
package idindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/semidx/semidx/internal/fsx"
	"github.com/semidx/semidx/internal/mmap"
)

// FileName is the identifier index file inside a collection directory.
const FileName = "id_index.bin"

// ErrCorrupt reports a malformed header or truncated record. Loads never
// return partial mappings alongside it.
var ErrCorrupt = errors.New("identifier index corrupt")

// dirLocks serializes mutating operations per collection directory within
// one process, so concurrent UpdateBatch/RemoveIDs callers merge instead of
// clobbering each other.
var dirLocks sync.Map // abs dir -> *sync.Mutex

func lockDir(dir string) func() {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	v, _ := dirLocks.LoadOrStore(abs, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Save writes the full mapping atomically (write-to-temp, rename).
func Save(dir string, mapping map[string]string) error {
	unlock := lockDir(dir)
	defer unlock()
	return save(dir, mapping)
}

func save(dir string, mapping map[string]string) error {
	if len(mapping) > math.MaxUint32 {
		return fmt.Errorf("identifier index too large: %d entries", len(mapping))
	}

	size := 4
	for id, path := range mapping {
		if len(id) > math.MaxUint16 {
			return fmt.Errorf("id too long: %d bytes", len(id))
		}
		if len(path) > math.MaxUint16 {
			return fmt.Errorf("path too long: %d bytes", len(path))
		}
		size += 4 + len(id) + len(path)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(mapping)))
	for id, path := range mapping {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(id)))
		buf = append(buf, id...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(path)))
		buf = append(buf, path...)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	if err := fsx.WriteFileAtomic(filepath.Join(dir, FileName), buf, 0o644); err != nil {
		return fmt.Errorf("save identifier index: %w", err)
	}
	return nil
}

// Load reads the identifier index under dir. A missing file yields an empty
// mapping; a malformed file yields ErrCorrupt and no partial result. The file
// is read through a read-only memory mapping.
func Load(dir string) (map[string]string, error) {
	path := filepath.Join(dir, FileName)
	m, err := mmap.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("open identifier index: %w", err)
	}
	defer m.Close()

	return decode(m.Data)
}

func decode(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		// A zero-length file never happens through Save; treat it as a
		// damaged header rather than an empty mapping.
		return nil, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(data))
	}

	count := binary.LittleEndian.Uint32(data[:4])
	mapping := make(map[string]string, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		id, n, err := readString(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d id: %v", ErrCorrupt, i, err)
		}
		off = n
		path, n, err := readString(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d path: %v", ErrCorrupt, i, err)
		}
		off = n
		mapping[id] = path
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(data)-off)
	}
	return mapping, nil
}

func readString(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", 0, errors.New("truncated length")
	}
	n := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if off+n > len(data) {
		return "", 0, errors.New("truncated bytes")
	}
	return string(data[off : off+n]), off + n, nil
}

// UpdateBatch merges additions into the persisted index without touching
// other entries.
func UpdateBatch(dir string, additions map[string]string) error {
	if len(additions) == 0 {
		return nil
	}
	unlock := lockDir(dir)
	defer unlock()

	mapping, err := Load(dir)
	if err != nil {
		return err
	}
	for id, path := range additions {
		mapping[id] = path
	}
	return save(dir, mapping)
}

// RemoveIDs deletes exactly the named entries. Absent ids are a no-op.
func RemoveIDs(dir string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	unlock := lockDir(dir)
	defer unlock()

	mapping, err := Load(dir)
	if err != nil {
		return err
	}
	changed := false
	for _, id := range ids {
		if _, ok := mapping[id]; ok {
			delete(mapping, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return save(dir, mapping)
}

// Count returns the number of entries without decoding record bodies.
func Count(dir string) (int, error) {
	mapping, err := Load(dir)
	if err != nil {
		return 0, err
	}
	return len(mapping), nil
}
