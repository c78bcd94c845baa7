// Package collection defines the on-disk layout of a vector collection and
// the per-point storage files discovered during full rebuilds.
package collection

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/semidx/semidx/internal/fsx"
)

// PointsDir is the subdirectory holding one file per stored point.
const PointsDir = "points"

// Point is one stored vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PointPath returns the storage path for a point id, relative to the
// collection directory. Ids are hashed so arbitrary Unicode ids map to safe
// file names.
func PointPath(id string) string {
	h := sha256.Sum256([]byte(id))
	return filepath.Join(PointsDir, hex.EncodeToString(h[:16])+".json")
}

// EnsureDir creates the collection directory and its points subdirectory.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, PointsDir), 0o755); err != nil {
		return fmt.Errorf("create collection dir: %w", err)
	}
	return nil
}

// WritePoint persists a point under dir at its relative path. The write is
// atomic so a rebuild scanning the directory never sees a partial record.
func WritePoint(dir string, p Point) (string, error) {
	rel := PointPath(p.ID)
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode point %q: %w", p.ID, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, PointsDir), 0o755); err != nil {
		return "", fmt.Errorf("create points dir: %w", err)
	}
	if err := fsx.WriteFileAtomic(filepath.Join(dir, rel), data, 0o644); err != nil {
		return "", fmt.Errorf("write point %q: %w", p.ID, err)
	}
	return rel, nil
}

// ReadPoint loads the point stored at rel (relative to dir).
func ReadPoint(dir, rel string) (Point, error) {
	var p Point
	data, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode point file %s: %w", rel, err)
	}
	return p, nil
}

// RemovePoint deletes the stored file for id. A missing file is not an error.
func RemovePoint(dir, id string) error {
	err := os.Remove(filepath.Join(dir, PointPath(id)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove point %q: %w", id, err)
	}
	return nil
}

// ScanPoints walks the points directory and yields every stored point. The
// callback receives the point and its path relative to dir. Any unreadable or
// malformed record aborts the scan with an error.
func ScanPoints(dir string, fn func(Point, string) error) error {
	root := filepath.Join(dir, PointsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan points dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rel := filepath.Join(PointsDir, entry.Name())
		p, err := ReadPoint(dir, rel)
		if err != nil {
			return fmt.Errorf("read point file %s: %w", entry.Name(), err)
		}
		if err := fn(p, rel); err != nil {
			return err
		}
	}
	return nil
}
