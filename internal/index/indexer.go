package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"

	"github.com/semidx/semidx/internal/collection"
	"github.com/semidx/semidx/internal/embed"
	"github.com/semidx/semidx/internal/fts"
	"github.com/semidx/semidx/internal/session"
)

// IndexerConfig holds configuration for the indexer.
type IndexerConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	IgnorePatterns []string
	MaxFileSize    int64
	BatchSize      int
	Workers        int
}

// DefaultIndexerConfig returns sensible defaults for indexing.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		ChunkSize:    60,
		ChunkOverlap: 10,
		IgnorePatterns: []string{
			".git/**",
			".semidx/**",
			"node_modules/**",
			"vendor/**",
			"__pycache__/**",
			"*.min.js",
			"*.min.css",
			"*.lock",
			"go.sum",
			"package-lock.json",
			"yarn.lock",
		},
		MaxFileSize: 1024 * 1024, // 1MB
		BatchSize:   32,
		Workers:     4,
	}
}

// Progress represents indexing progress information.
type Progress struct {
	TotalFiles     int
	ProcessedFiles int
	SkippedFiles   int
	TotalChunks    int
	CurrentFile    string
	StartTime      time.Time
	Errors         []error
}

// ProgressCallback is called during indexing to report progress.
type ProgressCallback func(Progress)

// Indexer walks a project tree, chunks its files, embeds the chunks, and
// feeds them to the indexing session layer. When a full-text index is
// attached, chunks land there too.
type Indexer struct {
	sessions   *session.Manager
	collection string
	provider   embed.Provider
	textIndex  fts.Index
	chunker    *Chunker
	config     IndexerConfig
	progress   ProgressCallback
}

// NewIndexer creates a new Indexer writing into the named collection.
func NewIndexer(sessions *session.Manager, coll string, provider embed.Provider, cfg IndexerConfig) *Indexer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultIndexerConfig().BatchSize
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultIndexerConfig().Workers
	}

	return &Indexer{
		sessions:   sessions,
		collection: coll,
		provider:   provider,
		chunker: NewChunker(ChunkerConfig{
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
		}),
		config: cfg,
	}
}

// SetProgressCallback sets a callback for progress updates.
func (idx *Indexer) SetProgressCallback(cb ProgressCallback) {
	idx.progress = cb
}

// SetTextIndex attaches a full-text index that receives every chunk.
func (idx *Indexer) SetTextIndex(ti fts.Index) {
	idx.textIndex = ti
}

// IndexResult contains the results of an indexing operation.
type IndexResult struct {
	FilesProcessed int
	FilesSkipped   int
	FilesDeleted   int
	ChunksCreated  int
	UpdateMode     session.UpdateMode
	Duration       time.Duration
	Errors         []error
}

// IndexOptions control a single indexing run.
type IndexOptions struct {
	// Paths restricts the walk to the given paths; empty means the whole
	// project.
	Paths []string
	// WatchMode applies vectors to the loaded graph immediately and leaves
	// consolidation to a later rebuild.
	WatchMode bool
	// SkipRebuild defers index consolidation entirely.
	SkipRebuild bool
	// Force reindexes files even when their content hash is unchanged.
	Force bool
}

// Index runs one indexing session over projectRoot.
func (idx *Indexer) Index(ctx context.Context, projectRoot string, opts IndexOptions) (*IndexResult, error) {
	startTime := time.Now()

	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}

	ignoreMatcher := idx.buildIgnoreMatcher(absRoot)

	files, err := idx.collectFiles(ctx, absRoot, opts.Paths, ignoreMatcher)
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}

	if err := idx.sessions.BeginIndexing(idx.collection); err != nil {
		return nil, fmt.Errorf("begin indexing: %w", err)
	}

	collDir := idx.sessions.Dir(idx.collection)
	manifest, err := LoadManifest(collDir)
	if err != nil {
		return nil, err
	}

	toIndex := files
	var skipped int
	if !opts.Force {
		toIndex, skipped = filterUnchanged(manifest, files)
	}

	result := &IndexResult{FilesSkipped: skipped}
	progress := Progress{
		TotalFiles:   len(toIndex),
		SkippedFiles: skipped,
		StartTime:    startTime,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.config.Workers)

	for _, file := range toIndex {
		g.Go(func() error {
			chunks, err := idx.indexFile(gctx, manifest, file, opts.WatchMode, &mu)

			mu.Lock()
			defer mu.Unlock()
			result.FilesProcessed++
			result.ChunksCreated += chunks
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("%s: %w", file.relativePath, err))
			}
			progress.ProcessedFiles = result.FilesProcessed
			progress.TotalChunks = result.ChunksCreated
			progress.CurrentFile = file.relativePath
			progress.Errors = result.Errors
			if idx.progress != nil {
				idx.progress(progress)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	// Files in the manifest but gone from disk lose their chunks. A scoped
	// run only sees part of the tree, so deletions apply to full walks.
	if len(opts.Paths) == 0 {
		deleted, err := idx.removeVanished(manifest, files)
		if err != nil {
			result.Errors = append(result.Errors, err)
		}
		result.FilesDeleted = deleted
	}

	if err := manifest.Save(collDir); err != nil {
		result.Errors = append(result.Errors, err)
	}

	mode, err := idx.sessions.EndIndexing(idx.collection, opts.SkipRebuild)
	if err != nil {
		return result, fmt.Errorf("end indexing: %w", err)
	}
	result.UpdateMode = mode
	result.Duration = time.Since(startTime)
	return result, nil
}

// fileInfo holds information about a file to be indexed.
type fileInfo struct {
	path         string
	relativePath string
	hash         string
	size         int64
}

// indexFile chunks, embeds, and upserts a single file. mu guards the shared
// manifest.
func (idx *Indexer) indexFile(ctx context.Context, manifest *Manifest, file fileInfo, watchMode bool, mu *sync.Mutex) (int, error) {
	content, err := os.ReadFile(file.path)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}
	if !IsTextFile(content) {
		return 0, nil // Skip binary files silently
	}

	lang := DetectLanguage(file.path)
	chunks := idx.chunker.ChunkFile(string(content), file.path)
	if len(chunks) == 0 {
		return 0, nil
	}

	var total int
	var chunkIDs []string
	for i := 0; i < len(chunks); i += idx.config.BatchSize {
		end := i + idx.config.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]

		texts := make([]string, len(batch))
		for j, chunk := range batch {
			texts[j] = chunk.Content
		}

		embeddings, err := idx.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embed batch: %w", err)
		}

		points := make([]collection.Point, 0, len(batch))
		for j, chunk := range batch {
			if j >= len(embeddings) || embeddings[j] == nil {
				continue
			}
			id := chunk.ID(file.relativePath)
			points = append(points, collection.Point{
				ID:     id,
				Vector: embeddings[j],
				Payload: map[string]any{
					"path":       file.relativePath,
					"language":   string(lang),
					"content":    chunk.Content,
					"symbol":     chunk.Symbol,
					"start_line": chunk.StartLine,
					"end_line":   chunk.EndLine,
				},
			})
			chunkIDs = append(chunkIDs, id)

			if idx.textIndex != nil {
				doc := map[string]any{
					"path":     file.relativePath,
					"language": string(lang),
					"content":  chunk.Content,
					"symbol":   chunk.Symbol,
				}
				if err := fts.IndexDocument(idx.textIndex, id, doc); err != nil {
					return total, fmt.Errorf("index text: %w", err)
				}
			}
		}

		if err := idx.sessions.UpsertPoints(idx.collection, points, watchMode); err != nil {
			return total, fmt.Errorf("upsert points: %w", err)
		}
		total += len(points)
	}

	// Chunks from a previous version of the file that were not regenerated
	// are stale and get deleted.
	mu.Lock()
	prev := manifest.Files[file.relativePath]
	manifest.Files[file.relativePath] = FileEntry{Hash: file.hash, ChunkIDs: chunkIDs}
	mu.Unlock()

	if stale := missingIDs(prev.ChunkIDs, chunkIDs); len(stale) > 0 {
		if err := idx.deleteChunks(stale); err != nil {
			return total, err
		}
	}

	return total, nil
}

// RemoveFiles deletes the chunks of the given relative paths and drops them
// from the manifest.
func (idx *Indexer) RemoveFiles(relPaths []string) error {
	if len(relPaths) == 0 {
		return nil
	}
	collDir := idx.sessions.Dir(idx.collection)
	manifest, err := LoadManifest(collDir)
	if err != nil {
		return err
	}
	for _, relPath := range relPaths {
		entry, ok := manifest.Files[relPath]
		if !ok {
			continue
		}
		if err := idx.deleteChunks(entry.ChunkIDs); err != nil {
			return fmt.Errorf("delete %s: %w", relPath, err)
		}
		delete(manifest.Files, relPath)
	}
	return manifest.Save(collDir)
}

// removeVanished deletes the chunks of manifest files that no longer exist
// on disk.
func (idx *Indexer) removeVanished(manifest *Manifest, current []fileInfo) (int, error) {
	onDisk := make(map[string]struct{}, len(current))
	for _, f := range current {
		onDisk[f.relativePath] = struct{}{}
	}

	var deleted int
	for relPath, entry := range manifest.Files {
		if _, ok := onDisk[relPath]; ok {
			continue
		}
		if err := idx.deleteChunks(entry.ChunkIDs); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", relPath, err)
		}
		delete(manifest.Files, relPath)
		deleted++
	}
	return deleted, nil
}

func (idx *Indexer) deleteChunks(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := idx.sessions.DeletePoints(idx.collection, ids); err != nil {
		return err
	}
	if idx.textIndex != nil {
		for _, id := range ids {
			if err := fts.DeleteDocument(idx.textIndex, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// missingIDs returns the elements of prev absent from cur.
func missingIDs(prev, cur []string) []string {
	if len(prev) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(cur))
	for _, id := range cur {
		have[id] = struct{}{}
	}
	var missing []string
	for _, id := range prev {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// buildIgnoreMatcher combines configured ignore patterns with the project's
// .gitignore and .semidxignore files.
func (idx *Indexer) buildIgnoreMatcher(rootPath string) *gitignore.GitIgnore {
	patterns := make([]string, len(idx.config.IgnorePatterns))
	copy(patterns, idx.config.IgnorePatterns)

	for _, name := range []string{".gitignore", ".semidxignore"} {
		content, err := os.ReadFile(filepath.Join(rootPath, name))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				patterns = append(patterns, line)
			}
		}
	}

	return gitignore.CompileIgnoreLines(patterns...)
}

// collectFiles walks the file tree and collects files to index.
func (idx *Indexer) collectFiles(ctx context.Context, absRoot string, paths []string, ignore *gitignore.GitIgnore) ([]fileInfo, error) {
	if len(paths) == 0 {
		paths = []string{absRoot}
	}

	var files []fileInfo
	for _, path := range paths {
		absPath := path
		if !filepath.IsAbs(path) {
			absPath = filepath.Join(absRoot, path)
		}

		err := filepath.WalkDir(absPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // Skip files with errors
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			relPath, err := filepath.Rel(absRoot, p)
			if err != nil {
				relPath = p
			}

			if ignore.MatchesPath(relPath) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.Size() > idx.config.MaxFileSize {
				return nil
			}

			hash, err := hashFile(p)
			if err != nil {
				return nil
			}

			files = append(files, fileInfo{
				path:         p,
				relativePath: relPath,
				hash:         hash,
				size:         info.Size(),
			})
			return nil
		})
		if err != nil && err != context.Canceled {
			return nil, fmt.Errorf("walk %s: %w", path, err)
		}
	}

	return files, nil
}

// filterUnchanged drops files whose content hash matches the manifest.
func filterUnchanged(manifest *Manifest, files []fileInfo) ([]fileInfo, int) {
	var toIndex []fileInfo
	var skipped int
	for _, file := range files {
		if entry, ok := manifest.Files[file.relativePath]; ok && entry.Hash == file.hash {
			skipped++
			continue
		}
		toIndex = append(toIndex, file)
	}
	return toIndex, skipped
}

// hashFile calculates SHA256 hash of a file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PendingChanges holds counts of files needing reindexing.
type PendingChanges struct {
	NewFiles      int
	ModifiedFiles int
	DeletedFiles  int
	TotalPending  int
}

// GetPendingChanges scans the project and reports what a run would touch.
func (idx *Indexer) GetPendingChanges(ctx context.Context, projectRoot string) (*PendingChanges, error) {
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}

	manifest, err := LoadManifest(idx.sessions.Dir(idx.collection))
	if err != nil {
		return nil, err
	}

	current, err := idx.collectFiles(ctx, absRoot, nil, idx.buildIgnoreMatcher(absRoot))
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}

	pending := &PendingChanges{}
	onDisk := make(map[string]struct{}, len(current))
	for _, f := range current {
		onDisk[f.relativePath] = struct{}{}
		entry, ok := manifest.Files[f.relativePath]
		switch {
		case !ok:
			pending.NewFiles++
		case entry.Hash != f.hash:
			pending.ModifiedFiles++
		}
	}
	for relPath := range manifest.Files {
		if _, ok := onDisk[relPath]; !ok {
			pending.DeletedFiles++
		}
	}
	pending.TotalPending = pending.NewFiles + pending.ModifiedFiles + pending.DeletedFiles
	return pending, nil
}
