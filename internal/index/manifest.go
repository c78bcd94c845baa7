package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/semidx/semidx/internal/fsx"
)

// ManifestFile records what the indexer has stored for each file.
const ManifestFile = "manifest.json"

// FileEntry is the manifest record for one indexed file.
type FileEntry struct {
	// Hash is the SHA-256 of the file content at indexing time.
	Hash string `json:"hash"`
	// ChunkIDs are the point identifiers produced from the file.
	ChunkIDs []string `json:"chunk_ids"`
}

// Manifest maps relative file paths to their index state. It is what lets a
// re-index skip unchanged files and remove the chunks of changed or deleted
// ones.
type Manifest struct {
	Files map[string]FileEntry `json:"files"`
}

// LoadManifest reads the manifest from dir. A missing file yields an empty
// manifest.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if os.IsNotExist(err) {
		return &Manifest{Files: make(map[string]FileEntry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Files == nil {
		m.Files = make(map[string]FileEntry)
	}
	return &m, nil
}

// Save writes the manifest atomically.
func (m *Manifest) Save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := fsx.WriteFileAtomic(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
