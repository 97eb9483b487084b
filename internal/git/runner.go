// Package git runs the external git tool as a subprocess and parses its
// textual output. The Runner interface is the only seam the rest of the
// server sees, so a test double (or an embedded git library) can be swapped
// in without touching the callers.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrOperation indicates the git subprocess could not be started or
	// exited abnormally.
	ErrOperation = errors.New("git operation failed")

	// ErrOutputDecode indicates the git subprocess produced output that is
	// not valid UTF-8 text.
	ErrOutputDecode = errors.New("git output is not valid text")
)

const (
	fetchMaxTries      = 3
	fetchRetryInterval = 500 * time.Millisecond
)

// Runner is the narrow capability surface over one local clone of a remote
// repository. Paths are absolute; implementations must not retain state
// between calls beyond what lives in the clone itself.
type Runner interface {
	// Clone clones remoteURL into localPath.
	Clone(ctx context.Context, remoteURL, localPath string) error

	// FetchTags fetches new tags from the remote into the clone at localPath.
	FetchTags(ctx context.Context, localPath string) error

	// ListTags returns the raw tag names of the clone at localPath.
	ListTags(ctx context.Context, localPath string) ([]string, error)

	// Checkout switches the working tree at localPath to ref.
	Checkout(ctx context.Context, localPath, ref string) error

	// Archive packages subpath of the currently checked-out tree at
	// localPath into a zip file at outputPath. An empty subpath archives the
	// whole tree.
	Archive(ctx context.Context, localPath, subpath, outputPath string) error
}

// CLIRunner invokes the git binary found on the host.
type CLIRunner struct {
	binary string
}

var _ Runner = (*CLIRunner)(nil)

// NewCLIRunner returns a Runner backed by the given git binary name or path.
// An empty binary defaults to "git" resolved from PATH.
func NewCLIRunner(binary string) *CLIRunner {
	if binary == "" {
		binary = "git"
	}
	return &CLIRunner{binary: binary}
}

// Clone clones remoteURL into localPath.
func (r *CLIRunner) Clone(ctx context.Context, remoteURL, localPath string) error {
	_, err := r.run(ctx, "", "clone", remoteURL, localPath)
	return err
}

// FetchTags fetches new tags from the remote, retrying transient failures
// with capped exponential backoff. A fetch that still fails after the final
// attempt is reported to the caller; there is no fallback to stale tags.
func (r *CLIRunner) FetchTags(ctx context.Context, localPath string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = fetchRetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, runErr := r.run(ctx, localPath, "fetch", "--tags", "origin")
		return struct{}{}, runErr
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(fetchMaxTries))
	return err
}

// ListTags returns the clone's raw tag names, newline-split.
func (r *CLIRunner) ListTags(ctx context.Context, localPath string) ([]string, error) {
	out, err := r.run(ctx, localPath, "tag", "--list")
	if err != nil {
		return nil, err
	}

	var tags []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

// Checkout switches the working tree to ref.
func (r *CLIRunner) Checkout(ctx context.Context, localPath, ref string) error {
	_, err := r.run(ctx, localPath, "checkout", "--force", ref)
	return err
}

// Archive packages subpath of the checked-out tree into a zip at outputPath.
// outputPath must be absolute because git resolves it relative to the clone.
func (r *CLIRunner) Archive(ctx context.Context, localPath, subpath, outputPath string) error {
	treeish := "HEAD"
	if subpath != "" {
		treeish = "HEAD:" + subpath
	}
	_, err := r.run(ctx, localPath, "archive", "--format=zip", "--output", outputPath, treeish)
	return err
}

// run executes one git command and returns its stdout as text. A non-empty
// dir runs the command inside that clone.
func (r *CLIRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	slog.Debug("git command finished",
		"args", strings.Join(args, " "),
		"dir", dir,
		"duration", time.Since(start).String(),
		"error", err != nil)

	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%w: git %s: %s", ErrOperation, args[0], detail)
	}

	if !utf8.Valid(stdout.Bytes()) {
		return "", fmt.Errorf("%w: git %s", ErrOutputDecode, args[0])
	}
	return stdout.String(), nil
}
