package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmreg/scm-registry-server/internal/config"
	"github.com/scmreg/scm-registry-server/internal/repository"
)

// fakeRunner is an instrumented git.Runner: it counts operations, serves a
// fixed tag list and materializes a fake worktree on checkout.
type fakeRunner struct {
	mu        sync.Mutex
	tags      []string
	worktree  map[string]string // relative path -> contents, written on checkout
	archive   []byte            // bytes written by Archive
	clones    int
	fetches   int
	checkouts int
	archives  int
}

func (f *fakeRunner) Clone(_ context.Context, _, localPath string) error {
	f.mu.Lock()
	f.clones++
	f.mu.Unlock()
	return os.MkdirAll(filepath.Join(localPath, ".git"), 0o750)
}

func (f *fakeRunner) FetchTags(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return nil
}

func (f *fakeRunner) ListTags(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags, nil
}

func (f *fakeRunner) Checkout(_ context.Context, localPath, _ string) error {
	f.mu.Lock()
	f.checkouts++
	f.mu.Unlock()

	for rel, contents := range f.worktree {
		path := filepath.Join(localPath, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRunner) Archive(_ context.Context, _, _, outputPath string) error {
	f.mu.Lock()
	f.archives++
	f.mu.Unlock()
	return os.WriteFile(outputPath, f.archive, 0o600)
}

func (f *fakeRunner) counts() (clones, fetches, checkouts, archives int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clones, f.fetches, f.checkouts, f.archives
}

func newTestRegistry(t *testing.T, runner *fakeRunner) *Registry {
	t.Helper()

	cfg := &config.Config{
		RegistryName: "test",
		Storage:      config.StorageConfig{Root: t.TempDir()},
		Scopes: []config.ScopeConfig{
			{
				Name: "acme",
				Packages: []config.PackageConfig{
					{
						Name:       "libfoo",
						Repository: "https://github.com/acme/libfoo.git",
						Manifest:   "package.yaml",
					},
					{
						Name:       "nested",
						Repository: "https://github.com/acme/mono.git",
						Path:       "Sources/Nested",
						Manifest:   "package.yaml",
					},
				},
			},
		},
	}
	require.NoError(t, cfg.Validate())

	return New(cfg, repository.NewHandles(runner))
}

func defaultRunner() *fakeRunner {
	return &fakeRunner{
		tags:     []string{"v1.0.0", "v1.1.0", "release-2.0.0"},
		archive:  []byte("archive bytes"),
		worktree: map[string]string{"package.yaml": "name: libfoo\n"},
	}
}

func TestResolvePackage(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, defaultRunner())

	pkg, ok := reg.ResolvePackage("acme", "libfoo")
	require.True(t, ok)
	assert.Equal(t, "acme", pkg.Scope)
	assert.Equal(t, "https://github.com/acme/libfoo.git", pkg.RemoteURL)

	_, ok = reg.ResolvePackage("acme", "unknown")
	assert.False(t, ok)
	_, ok = reg.ResolvePackage("ghost", "libfoo")
	assert.False(t, ok)
}

func TestListReleasesOrdering(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, defaultRunner())

	releases, err := reg.ListReleases(context.Background(), "acme", "libfoo")

	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.1.0", "2.0.0"}, releases)
}

func TestUnknownPackageYieldsNotFoundEverywhere(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, defaultRunner())
	ctx := context.Background()

	_, err := reg.ListReleases(ctx, "ghost", "libfoo")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.ListReleases(ctx, "acme", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.ReleaseExists(ctx, "ghost", "libfoo", "1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.GetSourceArchive(ctx, "ghost", "libfoo", "1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.GetReleaseManifest(ctx, "ghost", "libfoo", "1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseExists(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, defaultRunner())
	ctx := context.Background()

	exists, err := reg.ReleaseExists(ctx, "acme", "libfoo", "1.1.0")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = reg.ReleaseExists(ctx, "acme", "libfoo", "9.9.9")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReleaseNeighbors(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, defaultRunner())
	ctx := context.Background()

	latest, err := reg.Latest(ctx, "acme", "libfoo")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest)

	before, err := reg.ReleaseBefore(ctx, "acme", "libfoo", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", before)

	before, err = reg.ReleaseBefore(ctx, "acme", "libfoo", "1.0.0")
	require.NoError(t, err)
	assert.Empty(t, before)

	after, err := reg.ReleaseAfter(ctx, "acme", "libfoo", "2.0.0")
	require.NoError(t, err)
	assert.Empty(t, after)

	// for an interior release, after(before(r)) == r
	after, err = reg.ReleaseAfter(ctx, "acme", "libfoo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", after)

	after, err = reg.ReleaseAfter(ctx, "acme", "libfoo", "9.9.9")
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestGetSourceArchiveCachesOnDisk(t *testing.T) {
	t.Parallel()

	runner := defaultRunner()
	reg := newTestRegistry(t, runner)
	ctx := context.Background()

	first, err := reg.GetSourceArchive(ctx, "acme", "libfoo", "1.0.0")
	require.NoError(t, err)
	assert.FileExists(t, first.Path)
	assert.NotEmpty(t, first.Checksum)

	_, _, checkouts, archives := runner.counts()
	assert.Equal(t, 1, checkouts)
	assert.Equal(t, 1, archives)

	second, err := reg.GetSourceArchive(ctx, "acme", "libfoo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Path, second.Path)

	// the hit path performs no version-control work at all
	clones, fetches, checkouts, archives := runner.counts()
	assert.Equal(t, 1, clones)
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 1, checkouts)
	assert.Equal(t, 1, archives)
}

func TestGetSourceArchiveUnknownRelease(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, defaultRunner())

	_, err := reg.GetSourceArchive(context.Background(), "acme", "libfoo", "9.9.9")

	require.ErrorIs(t, err, ErrNoSuchRelease)

	// no partial archive may be left behind
	matches, globErr := filepath.Glob(reg.archivePath("acme", "libfoo", "9.9.9") + "*")
	require.NoError(t, globErr)
	assert.Empty(t, matches)
}

func TestGetSourceArchiveKeyShape(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, defaultRunner())

	archive, err := reg.GetSourceArchive(context.Background(), "acme", "libfoo", "1.1.0")

	require.NoError(t, err)
	assert.Equal(t, "acme.libfoo-1.1.0.zip", filepath.Base(archive.Path))
}

func TestChecksumStableForExistingArchive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, []byte("immutable bytes"), 0o600))

	first, err := checksumFile(path)
	require.NoError(t, err)
	second, err := checksumFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetReleaseManifest(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, defaultRunner())

	contents, err := reg.GetReleaseManifest(context.Background(), "acme", "libfoo", "1.0.0")

	require.NoError(t, err)
	assert.Equal(t, "name: libfoo\n", string(contents))
}

func TestGetReleaseManifestNestedPackagePath(t *testing.T) {
	t.Parallel()

	runner := defaultRunner()
	runner.worktree = map[string]string{
		filepath.Join("Sources", "Nested", "package.yaml"): "name: nested\n",
	}
	reg := newTestRegistry(t, runner)

	contents, err := reg.GetReleaseManifest(context.Background(), "acme", "nested", "1.0.0")

	require.NoError(t, err)
	assert.Equal(t, "name: nested\n", string(contents))
}

func TestGetReleaseManifestErrors(t *testing.T) {
	t.Parallel()

	runner := defaultRunner()
	runner.worktree = nil // checkout produces no manifest file
	reg := newTestRegistry(t, runner)
	ctx := context.Background()

	_, err := reg.GetReleaseManifest(ctx, "acme", "libfoo", "9.9.9")
	assert.ErrorIs(t, err, ErrNoSuchRelease)

	_, err = reg.GetReleaseManifest(ctx, "acme", "libfoo", "1.0.0")
	assert.ErrorIs(t, err, ErrManifestRead)
}

func TestConcurrentArchiveRequestsCoalesce(t *testing.T) {
	t.Parallel()

	runner := defaultRunner()
	reg := newTestRegistry(t, runner)

	var wg sync.WaitGroup
	checksums := make([]string, 8)
	for i := range checksums {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			archive, err := reg.GetSourceArchive(context.Background(), "acme", "libfoo", "2.0.0")
			assert.NoError(t, err)
			checksums[i] = archive.Checksum
		}(i)
	}
	wg.Wait()

	for _, checksum := range checksums[1:] {
		assert.Equal(t, checksums[0], checksum)
	}
}
