// Package repository pairs one remote repository with one local checkout and
// exposes release discovery, checkout and archival over it. The local
// checkout is shared mutable state: every operation that touches it runs
// under the handle's lock, so concurrent requests against the same
// repository serialize while different repositories proceed in parallel.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/scmreg/scm-registry-server/internal/git"
	"github.com/scmreg/scm-registry-server/internal/semver"
)

var (
	// ErrNoMatchingTag is returned when no tag in the repository classifies
	// to the requested canonical version.
	ErrNoMatchingTag = errors.New("no tag matches the requested version")

	// ErrManifestRead is returned when the release resolved and checked out
	// fine but the manifest file could not be read from the working tree.
	ErrManifestRead = errors.New("manifest read failed")
)

const lockRetryInterval = 100 * time.Millisecond

// Handle is the guarded pairing of a remote repository URL and its local
// checkout path. Obtain handles through Handles.Get so a given local path is
// only ever guarded by one lock.
type Handle struct {
	remoteURL string
	localPath string
	runner    git.Runner

	// mu serializes goroutines within this process; fileLock additionally
	// guards the checkout against other processes sharing the storage root.
	// The Handles arena guarantees a single Handle per path, so mu is the
	// single point of mutual exclusion for that checkout.
	mu       sync.Mutex
	fileLock *flock.Flock
}

// RemoteURL returns the remote repository URL this handle is bound to.
func (h *Handle) RemoteURL() string { return h.remoteURL }

// LocalPath returns the local checkout path this handle is bound to.
func (h *Handle) LocalPath() string { return h.localPath }

// withLock runs fn while holding the per-repository lock, releasing it on
// every exit path. The lock file lives beside the checkout, so its parent
// directory must exist before the first acquisition on a fresh storage root.
func (h *Handle) withLock(ctx context.Context, fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.localPath), 0o750); err != nil {
		return fmt.Errorf("creating repository lock directory: %w", err)
	}

	locked, err := h.fileLock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquiring repository lock for %s: %w", h.localPath, err)
	}
	if !locked {
		return fmt.Errorf("repository lock for %s not acquired", h.localPath)
	}
	defer func() {
		_ = h.fileLock.Unlock()
	}()

	return fn()
}

// ensureClone clones the remote if no local checkout exists yet. Caller must
// hold the handle lock, which also guarantees the parent directory exists.
func (h *Handle) ensureClone(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(h.localPath, ".git")); err == nil {
		return nil
	}
	return h.runner.Clone(ctx, h.remoteURL, h.localPath)
}

// freshTags clones if needed, fetches new tags from the remote and returns
// the raw tag list. Caller must hold the handle lock. A fetch failure fails
// the whole call; stale local tags are never served.
func (h *Handle) freshTags(ctx context.Context) ([]string, error) {
	if err := h.ensureClone(ctx); err != nil {
		return nil, err
	}
	if err := h.runner.FetchTags(ctx, h.localPath); err != nil {
		return nil, err
	}
	return h.runner.ListTags(ctx, h.localPath)
}

// ListReleases discovers the repository's releases: fetch tags, classify
// each against the semantic-version scheme, drop the rest and sort
// ascending. This ordering is what latest/predecessor/successor queries are
// defined over.
func (h *Handle) ListReleases(ctx context.Context) ([]string, error) {
	var tags []string
	err := h.withLock(ctx, func() error {
		var lockedErr error
		tags, lockedErr = h.freshTags(ctx)
		return lockedErr
	})
	if err != nil {
		return nil, err
	}

	var releases []string
	for _, tag := range tags {
		if version, ok := semver.Classify(tag); ok {
			releases = append(releases, version)
		}
	}
	semver.Sort(releases)
	return releases, nil
}

// resolveTag selects the tag backing a canonical version: a tag matches only
// when its classified form equals the requested version, so 1.2.3 can never
// resolve to a v1.2.30 tag. When several tags classify identically (say
// 1.2.3 and v1.2.3) the last listed one wins.
func resolveTag(tags []string, version string) (string, error) {
	resolved := ""
	for _, tag := range tags {
		if classified, ok := semver.Classify(tag); ok && classified == version {
			resolved = tag
		}
	}
	if resolved == "" {
		return "", fmt.Errorf("%w: %s", ErrNoMatchingTag, version)
	}
	return resolved, nil
}

// CreateArchive materializes the release identified by version as a zip
// archive at outputPath: resolve the backing tag, switch the working tree to
// it and run the archival tool over subpath. The whole sequence runs under
// the handle lock so the archive is never cut from a half-switched tree.
func (h *Handle) CreateArchive(ctx context.Context, version, subpath, outputPath string) error {
	return h.withLock(ctx, func() error {
		tags, err := h.freshTags(ctx)
		if err != nil {
			return err
		}
		tag, err := resolveTag(tags, version)
		if err != nil {
			return err
		}
		if err := h.runner.Checkout(ctx, h.localPath, tag); err != nil {
			return err
		}
		return h.runner.Archive(ctx, h.localPath, subpath, outputPath)
	})
}

// ReadManifest checks out the release identified by version and reads the
// manifest file at manifestPath (relative to the checkout root, so nested
// package paths work). The returned error distinguishes an unresolvable
// release (ErrNoMatchingTag) from a filesystem read failure.
func (h *Handle) ReadManifest(ctx context.Context, version, manifestPath string) ([]byte, error) {
	var contents []byte
	err := h.withLock(ctx, func() error {
		tags, err := h.freshTags(ctx)
		if err != nil {
			return err
		}
		tag, err := resolveTag(tags, version)
		if err != nil {
			return err
		}
		if err := h.runner.Checkout(ctx, h.localPath, tag); err != nil {
			return err
		}

		contents, err = os.ReadFile(filepath.Join(h.localPath, manifestPath))
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrManifestRead, manifestPath, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contents, nil
}
