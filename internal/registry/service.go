// Package registry resolves package identities to their backing
// repositories and answers release, manifest and archive queries over them.
package registry

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a scope or package is not in the catalog.
	ErrNotFound = errors.New("package not found")

	// ErrNoSuchRelease is returned when the package exists but the requested
	// version has no unambiguous backing tag.
	ErrNoSuchRelease = errors.New("release not found")

	// ErrBackend is returned when the version-control or archival subprocess
	// failed; the operation is safe to retry as a whole.
	ErrBackend = errors.New("version control backend failure")

	// ErrManifestRead is returned when the release exists but its manifest
	// could not be read from the checkout.
	ErrManifestRead = errors.New("manifest read failed")
)

// Package is one catalog entry: a named unit of source code within a scope,
// backed by a remote repository and an optional subdirectory within it.
type Package struct {
	Scope     string
	Name      string
	RemoteURL string

	// Path is the package root within the repository, empty when the
	// package lives at the repository root.
	Path string

	// Manifest is the manifest file name relative to Path.
	Manifest string
}

// SourceArchive is an immutable, content-checksummed packaging of one
// release's source tree.
type SourceArchive struct {
	// Path is the archive's location on the local filesystem.
	Path string

	// Checksum is the hex-encoded SHA-256 digest of the archive bytes.
	Checksum string
}

// Service defines the interface for registry operations. Every method
// returns a typed result; none panic across this boundary.
type Service interface {
	// ResolvePackage looks a package up in the catalog. Pure, no I/O.
	ResolvePackage(scope, name string) (Package, bool)

	// ListReleases returns the package's releases in ascending
	// semantic-version order, recomputed from the repository's tags.
	ListReleases(ctx context.Context, scope, name string) ([]string, error)

	// ReleaseExists reports whether version is in the package's release set.
	ReleaseExists(ctx context.Context, scope, name, version string) (bool, error)

	// Latest returns the package's newest release, or "" when it has none.
	Latest(ctx context.Context, scope, name string) (string, error)

	// ReleaseBefore returns the release preceding version in the ordered
	// release set, or "" when version is first or not a release.
	ReleaseBefore(ctx context.Context, scope, name, version string) (string, error)

	// ReleaseAfter returns the release following version in the ordered
	// release set, or "" when version is last or not a release.
	ReleaseAfter(ctx context.Context, scope, name, version string) (string, error)

	// GetSourceArchive returns the checksummed source archive for a release,
	// producing and caching it on first request.
	GetSourceArchive(ctx context.Context, scope, name, version string) (SourceArchive, error)

	// GetReleaseManifest returns the package manifest contents at a release.
	GetReleaseManifest(ctx context.Context, scope, name, version string) ([]byte, error)
}
