package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"pixi.build/dispatcher/go/hash"
	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/go/exec"
	"pixi.build/go/skerr"
	"pixi.build/go/sklog"
)

const readySentinel = ".ready"

// Engine drives git checkouts into a content-addressed directory tree under
// Root: Root/<short_hash(repo_url)>/<commit_sha>/, per §4.3 and the layout
// in §6.
type Engine struct {
	Root     string
	Resolver *Resolver
}

// NewEngine returns an Engine rooted at root, using resolver to pin
// branch/tag/default-branch references to commit SHAs.
func NewEngine(root string, resolver *Resolver) *Engine {
	return &Engine{Root: root, Resolver: resolver}
}

// Checkout resolves ref and materializes the checkout, returning the pinned
// spec and its on-disk path. If the directory already carries a .ready
// sentinel, the existing checkout is reused without touching the network
// (§4.3: "presence of .ready sentinel ⇒ reuse").
func (e *Engine) Checkout(ctx context.Context, url string, ref pixitypes.GitReference, subdirectory string) (*pixitypes.SourceCheckout, error) {
	sha, err := e.Resolver.Resolve(ctx, url, ref)
	if err != nil {
		return nil, skerr.Wrapf(err, "resolving git reference for %s", url)
	}

	repoDir := filepath.Join(e.Root, hash.ShortHash(url))
	checkoutDir := filepath.Join(repoDir, sha)
	sentinel := filepath.Join(checkoutDir, readySentinel)

	if _, err := os.Stat(sentinel); err == nil {
		return e.pinnedCheckout(url, sha, subdirectory, checkoutDir), nil
	}

	locksDir := filepath.Join(repoDir, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, skerr.Wrapf(err, "creating git locks dir %s", locksDir)
	}
	lock := flock.New(filepath.Join(locksDir, sha+".lock"))
	if err := lock.Lock(); err != nil {
		return nil, skerr.Wrapf(err, "locking git checkout %s", checkoutDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			sklog.Warningf("failed to unlock git checkout lock for %s: %s", checkoutDir, err)
		}
	}()

	// Re-check after acquiring the lock: another process may have finished
	// the checkout while we waited.
	if _, err := os.Stat(sentinel); err == nil {
		return e.pinnedCheckout(url, sha, subdirectory, checkoutDir), nil
	}

	if err := os.MkdirAll(checkoutDir, 0o755); err != nil {
		return nil, skerr.Wrapf(err, "creating git checkout dir %s", checkoutDir)
	}
	if err := cloneAndCheckout(ctx, url, sha, checkoutDir); err != nil {
		return nil, skerr.Wrapf(err, "checking out %s@%s", url, sha)
	}

	// The sentinel is written last and carries no meaningful content, so a
	// process that crashes mid-checkout never leaves behind a directory
	// that looks complete (§3 invariant, §6).
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		return nil, skerr.Wrapf(err, "writing ready sentinel for %s", checkoutDir)
	}
	return e.pinnedCheckout(url, sha, subdirectory, checkoutDir), nil
}

func (e *Engine) pinnedCheckout(url, sha, subdirectory, dir string) *pixitypes.SourceCheckout {
	return &pixitypes.SourceCheckout{
		Pinned: pixitypes.PinnedSourceSpec{
			Kind:            pixitypes.SourceGit,
			GitURL:          url,
			GitSha:          sha,
			GitSubdirectory: subdirectory,
		},
		Path: dir,
	}
}

func cloneAndCheckout(ctx context.Context, url, sha, dir string) error {
	if _, err := exec.RunSimple(ctx, fmt.Sprintf("git init %s", dir)); err != nil {
		return skerr.Wrap(err)
	}
	if _, err := exec.RunCwd(ctx, dir, "git", "fetch", "--depth", "1", url, sha); err != nil {
		// Shallow fetch of an exact SHA isn't supported by every remote;
		// fall back to a full fetch of the ref namespace.
		if _, err := exec.RunCwd(ctx, dir, "git", "fetch", url); err != nil {
			return skerr.Wrapf(err, "git fetch %s", url)
		}
	}
	if _, err := exec.RunCwd(ctx, dir, "git", "checkout", "--detach", sha); err != nil {
		return skerr.Wrapf(err, "git checkout %s", sha)
	}
	return nil
}
