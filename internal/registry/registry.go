package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scmreg/scm-registry-server/internal/config"
	"github.com/scmreg/scm-registry-server/internal/repository"
)

const (
	checkoutsDir = "checkouts"
	archivesDir  = "archives"

	// ArchiveExtension is the file extension of cached source archives.
	ArchiveExtension = ".zip"
)

// Registry implements Service over a catalog of scopes and packages backed
// by remote repositories. The catalog is immutable after construction.
type Registry struct {
	name    string
	root    string
	catalog map[string]map[string]Package
	handles *repository.Handles

	// group collapses concurrent archive requests for the same release into
	// one checkout+archive pass.
	group singleflight.Group
}

var _ Service = (*Registry)(nil)

// New builds a registry from the loaded configuration. The storage root and
// its archives directory are created on first use, not here.
func New(cfg *config.Config, handles *repository.Handles) *Registry {
	catalog := make(map[string]map[string]Package, len(cfg.Scopes))
	for _, scope := range cfg.Scopes {
		packages := make(map[string]Package, len(scope.Packages))
		for _, pkg := range scope.Packages {
			packages[pkg.Name] = Package{
				Scope:     scope.Name,
				Name:      pkg.Name,
				RemoteURL: pkg.Repository,
				Path:      pkg.Path,
				Manifest:  pkg.Manifest,
			}
		}
		catalog[scope.Name] = packages
	}

	return &Registry{
		name:    cfg.RegistryName,
		root:    cfg.Storage.Root,
		catalog: catalog,
		handles: handles,
	}
}

// Name returns the configured registry instance name.
func (r *Registry) Name() string { return r.name }

// ResolvePackage looks a package up in the catalog. Pure, no I/O.
func (r *Registry) ResolvePackage(scope, name string) (Package, bool) {
	pkg, ok := r.catalog[scope][name]
	return pkg, ok
}

// handleFor returns the repository handle for a package. The local checkout
// path is a pure function of the package identity, so repeated calls address
// the same directory and therefore the same lock.
func (r *Registry) handleFor(pkg Package) *repository.Handle {
	localPath := filepath.Join(r.root, checkoutsDir, pkg.Scope, pkg.Name)
	return r.handles.Get(pkg.RemoteURL, localPath)
}

// ListReleases returns the package's releases in ascending semantic-version
// order, recomputed from the repository's tags on every call.
func (r *Registry) ListReleases(ctx context.Context, scope, name string) ([]string, error) {
	pkg, ok := r.ResolvePackage(scope, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, scope, name)
	}

	releases, err := r.handleFor(pkg).ListReleases(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing releases for %s/%s: %w: %w", scope, name, ErrBackend, err)
	}
	return releases, nil
}

// ReleaseExists reports whether version is in the package's release set.
func (r *Registry) ReleaseExists(ctx context.Context, scope, name, version string) (bool, error) {
	releases, err := r.ListReleases(ctx, scope, name)
	if err != nil {
		return false, err
	}
	for _, release := range releases {
		if release == version {
			return true, nil
		}
	}
	return false, nil
}

// Latest returns the package's newest release, or "" when it has none.
func (r *Registry) Latest(ctx context.Context, scope, name string) (string, error) {
	releases, err := r.ListReleases(ctx, scope, name)
	if err != nil || len(releases) == 0 {
		return "", err
	}
	return releases[len(releases)-1], nil
}

// ReleaseBefore returns the release preceding version, or "" when version is
// the first release or not a release at all.
func (r *Registry) ReleaseBefore(ctx context.Context, scope, name, version string) (string, error) {
	releases, err := r.ListReleases(ctx, scope, name)
	if err != nil {
		return "", err
	}
	for i, release := range releases {
		if release == version {
			if i == 0 {
				return "", nil
			}
			return releases[i-1], nil
		}
	}
	return "", nil
}

// ReleaseAfter returns the release following version, or "" when version is
// the last release or not a release at all.
func (r *Registry) ReleaseAfter(ctx context.Context, scope, name, version string) (string, error) {
	releases, err := r.ListReleases(ctx, scope, name)
	if err != nil {
		return "", err
	}
	for i, release := range releases {
		if release == version {
			if i == len(releases)-1 {
				return "", nil
			}
			return releases[i+1], nil
		}
	}
	return "", nil
}

// archivePath returns the canonical cache location for a release archive.
// The presence of a file at this path is itself the cache: archives are
// immutable once produced and never regenerated.
func (r *Registry) archivePath(scope, name, version string) string {
	key := fmt.Sprintf("%s.%s-%s", scope, name, version)
	return filepath.Join(r.root, archivesDir, key+ArchiveExtension)
}

// GetSourceArchive returns the checksummed source archive for a release.
// A cache hit only re-reads the file to compute its checksum and performs no
// version-control I/O and takes no repository lock. A miss resolves the tag,
// checks out and archives under the per-repository lock, then publishes the
// file atomically so a failure never leaves a partial archive behind.
func (r *Registry) GetSourceArchive(ctx context.Context, scope, name, version string) (SourceArchive, error) {
	pkg, ok := r.ResolvePackage(scope, name)
	if !ok {
		return SourceArchive{}, fmt.Errorf("%w: %s/%s", ErrNotFound, scope, name)
	}

	path := r.archivePath(scope, name, version)
	if archive, ok, err := r.cachedArchive(path); err != nil {
		return SourceArchive{}, err
	} else if ok {
		return archive, nil
	}

	result, err, shared := r.group.Do(path, func() (any, error) {
		return r.produceArchive(ctx, pkg, version, path)
	})
	if err != nil {
		return SourceArchive{}, err
	}
	if shared {
		slog.Debug("archive request coalesced", "archive", path)
	}
	return result.(SourceArchive), nil
}

// cachedArchive returns the archive at path when it already exists.
func (r *Registry) cachedArchive(path string) (SourceArchive, bool, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return SourceArchive{}, false, nil
	}

	checksum, err := checksumFile(path)
	if err != nil {
		return SourceArchive{}, false, fmt.Errorf("checksumming cached archive: %w", err)
	}
	return SourceArchive{Path: path, Checksum: checksum}, true, nil
}

// produceArchive materializes the release archive at path. Runs inside the
// singleflight group, so at most one producer per archive key.
func (r *Registry) produceArchive(ctx context.Context, pkg Package, version, path string) (SourceArchive, error) {
	// A request that lost the singleflight race may arrive after the winner
	// published the file.
	if archive, ok, err := r.cachedArchive(path); err != nil {
		return SourceArchive{}, err
	} else if ok {
		return archive, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return SourceArchive{}, fmt.Errorf("creating archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.partial")
	if err != nil {
		return SourceArchive{}, fmt.Errorf("creating archive temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	start := time.Now()
	if err := r.handleFor(pkg).CreateArchive(ctx, version, pkg.Path, tmpPath); err != nil {
		if errors.Is(err, repository.ErrNoMatchingTag) {
			return SourceArchive{}, fmt.Errorf("%w: %s/%s %s", ErrNoSuchRelease, pkg.Scope, pkg.Name, version)
		}
		return SourceArchive{}, fmt.Errorf("archiving %s/%s %s: %w: %w", pkg.Scope, pkg.Name, version, ErrBackend, err)
	}

	checksum, err := checksumFile(tmpPath)
	if err != nil {
		return SourceArchive{}, fmt.Errorf("checksumming archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return SourceArchive{}, fmt.Errorf("publishing archive: %w", err)
	}

	slog.Info("source archive produced",
		"scope", pkg.Scope,
		"package", pkg.Name,
		"version", version,
		"checksum", checksum,
		"duration", time.Since(start).String())

	return SourceArchive{Path: path, Checksum: checksum}, nil
}

// GetReleaseManifest returns the package manifest contents at a release,
// read from the (possibly nested) package path in a checkout of the backing
// tag.
func (r *Registry) GetReleaseManifest(ctx context.Context, scope, name, version string) ([]byte, error) {
	pkg, ok := r.ResolvePackage(scope, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, scope, name)
	}

	manifestPath := filepath.Join(pkg.Path, pkg.Manifest)
	contents, err := r.handleFor(pkg).ReadManifest(ctx, version, manifestPath)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNoMatchingTag):
			return nil, fmt.Errorf("%w: %s/%s %s", ErrNoSuchRelease, scope, name, version)
		case errors.Is(err, repository.ErrManifestRead):
			return nil, fmt.Errorf("%w: %s/%s %s: %w", ErrManifestRead, scope, name, version, err)
		default:
			return nil, fmt.Errorf("reading manifest for %s/%s %s: %w: %w", scope, name, version, ErrBackend, err)
		}
	}
	return contents, nil
}

// checksumFile returns the hex-encoded SHA-256 digest of a file's bytes.
// Given the same on-disk archive it is stable across process restarts.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
