//go:build windows

package ann

import "os"

// Windows has no flock; the per-directory mutex in acquireRebuildLock still
// serializes rebuilds within a process.
func flockExclusive(f *os.File) error { return nil }

func flockRelease(f *os.File) error { return nil }
