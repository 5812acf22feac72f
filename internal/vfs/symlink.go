package vfs

import (
	"strings"
	"sync"

	"github.com/coreospkg/tinykernel/internal/kconst"
)

// symlinkRecord is one (linkpath -> target) substitution rule, matching
// a SymlinkInode.Target() style lookup in shape (a name that stands for
// another path) but stored as a flat per-process list rather than a
// dedicated inode.
type symlinkRecord struct {
	linkPath string
	target   string
}

// SymlinkTable is the per-process list of symlink substitutions applied
// during path resolution. External synchronization is provided by the
// filesystem facade's global lock; the mutex here only protects against
// accidental concurrent use from outside that discipline.
type SymlinkTable struct {
	mu      sync.Mutex
	entries []symlinkRecord
}

// Add records a new linkPath -> target substitution. Later entries take
// precedence when two linkPaths collide, matching "first occurrence" scan
// order used by Apply's fixed-point loop (the newest add is scanned
// first).
func (s *SymlinkTable) Add(linkPath, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]symlinkRecord{{linkPath, target}}, s.entries...)
}

// Apply repeatedly substitutes the first matching linkpath prefix in path
// with its target until a fixed point is reached, bounded at
// kconst.MaxSymlinkExpansions passes to guard against a cycle in
// untrusted symlink input.
func (s *SymlinkTable) Apply(path string) (string, error) {
	s.mu.Lock()
	entries := append([]symlinkRecord(nil), s.entries...)
	s.mu.Unlock()

	for i := 0; i < kconst.MaxSymlinkExpansions; i++ {
		replaced, changed := substituteOnce(path, entries)
		if !changed {
			return path, nil
		}
		path = replaced
	}

	return "", ErrTooManySymlinks
}

func substituteOnce(path string, entries []symlinkRecord) (string, bool) {
	for _, e := range entries {
		if path == e.linkPath {
			return e.target, true
		}
		if strings.HasPrefix(path, e.linkPath+"/") {
			return e.target + path[len(e.linkPath):], true
		}
	}
	return path, false
}
