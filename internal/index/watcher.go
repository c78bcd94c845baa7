package index

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig tunes the file watcher.
type WatcherConfig struct {
	// Debounce batches change events; everything arriving within one window
	// reaches the callback as a single batch.
	Debounce time.Duration

	// IgnorePatterns are glob patterns skipped entirely, matched against the
	// path relative to the watch root. A trailing /** excludes a directory
	// subtree.
	IgnorePatterns []string

	// MaxFileSize drops change events for larger files.
	MaxFileSize int64
}

// DefaultWatcherConfig returns the defaults used by the watch command.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce: 500 * time.Millisecond,
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
			"*.tmp",
			"*~",
			".#*",
		},
		MaxFileSize: 1 << 20,
	}
}

// batch accumulates the paths that changed within one debounce window.
// Updated holds created and modified files; removed holds deleted and
// renamed-away ones. A path lives in at most one of the two.
type batch struct {
	updated map[string]struct{}
	removed map[string]struct{}
}

func newBatch() *batch {
	return &batch{
		updated: make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}
}

func (b *batch) empty() bool {
	return len(b.updated) == 0 && len(b.removed) == 0
}

// Watcher turns raw fsnotify events into debounced batches of changed files.
type Watcher struct {
	cfg  WatcherConfig
	fs   *fsnotify.Watcher
	root string
	emit func(updated, removed []string)

	mu      sync.Mutex
	pending *batch

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a watcher rooted at root. The whole directory tree is
// watched, minus the ignore patterns.
func NewWatcher(root string, cfg WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:     cfg,
		fs:      fsw,
		root:    root,
		pending: newBatch(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// OnBatch sets the function receiving each debounced batch.
func (w *Watcher) OnBatch(fn func(updated, removed []string)) {
	w.emit = fn
}

// Start registers the directory tree and begins delivering batches.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watchTree(w.root); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop ends delivery and releases the watch handles. Blocks until the event
// loop has exited.
func (w *Watcher) Stop() error {
	close(w.stop)
	<-w.done
	return w.fs.Close()
}

// watchTree registers dir and every non-ignored directory under it.
// Unreadable subtrees are skipped, not fatal.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(w.rel(p)) {
			return filepath.SkipDir
		}
		return w.fs.Add(p)
	})
}

func (w *Watcher) rel(p string) string {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return p
	}
	return rel
}

// ignored reports whether relPath matches any ignore pattern.
func (w *Watcher) ignored(relPath string) bool {
	for _, pattern := range w.cfg.IgnorePatterns {
		if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
			if relPath == dir || strings.HasPrefix(relPath, dir+string(os.PathSeparator)) {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(relPath)); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.record(ev)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("watch: %v", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// record folds one fsnotify event into the pending batch.
func (w *Watcher) record(ev fsnotify.Event) {
	if w.ignored(w.rel(ev.Name)) {
		return
	}

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// A rename delivers the old name here; the new name arrives as a
		// separate create.
		w.mu.Lock()
		w.pending.removed[ev.Name] = struct{}{}
		delete(w.pending.updated, ev.Name)
		w.mu.Unlock()
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Gone already; the remove event follows.
		return
	}
	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			if err := w.watchTree(ev.Name); err != nil {
				log.Printf("watch %s: %v", ev.Name, err)
			}
		}
		return
	}
	if w.cfg.MaxFileSize > 0 && info.Size() > w.cfg.MaxFileSize {
		return
	}

	w.mu.Lock()
	w.pending.updated[ev.Name] = struct{}{}
	delete(w.pending.removed, ev.Name)
	w.mu.Unlock()
}

// flush hands the pending batch to the callback.
func (w *Watcher) flush() {
	w.mu.Lock()
	b := w.pending
	if b.empty() {
		w.mu.Unlock()
		return
	}
	w.pending = newBatch()
	w.mu.Unlock()

	if w.emit == nil {
		return
	}
	updated := make([]string, 0, len(b.updated))
	for p := range b.updated {
		updated = append(updated, p)
	}
	removed := make([]string, 0, len(b.removed))
	for p := range b.removed {
		removed = append(removed, p)
	}
	w.emit(updated, removed)
}

// WatchAndIndex starts a watcher that feeds changes back into the indexer.
// Updated files are applied in watch mode so they become searchable right
// away; removed files lose their chunks. Consolidation stays deferred until
// the next search.
func WatchAndIndex(ctx context.Context, indexer *Indexer, root string, cfg WatcherConfig) (*Watcher, error) {
	w, err := NewWatcher(root, cfg)
	if err != nil {
		return nil, err
	}

	w.OnBatch(func(updated, removed []string) {
		if len(updated) > 0 {
			if _, err := indexer.Index(ctx, root, IndexOptions{Paths: updated, WatchMode: true, SkipRebuild: true}); err != nil {
				log.Printf("watch reindex: %v", err)
			}
		}
		if len(removed) > 0 {
			rels := make([]string, 0, len(removed))
			for _, p := range removed {
				if rel, err := filepath.Rel(root, p); err == nil {
					rels = append(rels, rel)
				}
			}
			if err := indexer.RemoveFiles(rels); err != nil {
				log.Printf("watch remove: %v", err)
			}
		}
	})

	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
