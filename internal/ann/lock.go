package ann

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LockFile is the advisory lock file used only during rebuild.
const LockFile = "rebuild.lock"

// rebuildMus serializes rebuilds per directory within this process; the flock
// below extends the same guarantee across processes sharing the data dir.
var rebuildMus sync.Map // abs dir -> *sync.Mutex

// rebuildLock is the advisory lock scoped to a collection directory. Acquire
// blocks until any concurrent rebuild finishes.
type rebuildLock struct {
	mu   *sync.Mutex
	file *os.File
}

func acquireRebuildLock(dir string) (*rebuildLock, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	v, _ := rebuildMus.LoadOrStore(abs, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("create collection dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, LockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("open rebuild lock: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("acquire rebuild lock: %w", err)
	}
	return &rebuildLock{mu: mu, file: f}, nil
}

func (l *rebuildLock) release() {
	if l.file != nil {
		flockRelease(l.file)
		l.file.Close()
		l.file = nil
	}
	l.mu.Unlock()
}
