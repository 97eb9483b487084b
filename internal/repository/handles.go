package repository

import (
	"sync"

	"github.com/gofrs/flock"

	"github.com/scmreg/scm-registry-server/internal/git"
)

// Handles is the keyed arena of repository handles. It guarantees at most
// one Handle per local checkout path, which is what makes the per-repository
// serialization enforceable: ad-hoc handles against the same path would each
// carry their own lock.
type Handles struct {
	mu     sync.Mutex
	runner git.Runner
	byPath map[string]*Handle
}

// NewHandles returns an empty arena whose handles run git operations through
// runner.
func NewHandles(runner git.Runner) *Handles {
	return &Handles{
		runner: runner,
		byPath: make(map[string]*Handle),
	}
}

// Get returns the handle bound to localPath, creating it on first use. The
// first remoteURL registered for a path wins; callers derive the path
// deterministically from the package identity so the pairing is stable.
func (hs *Handles) Get(remoteURL, localPath string) *Handle {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if h, ok := hs.byPath[localPath]; ok {
		return h
	}

	h := &Handle{
		remoteURL: remoteURL,
		localPath: localPath,
		runner:    hs.runner,
		fileLock:  flock.New(localPath + ".lock"),
	}
	hs.byPath[localPath] = h
	return h
}
