package git

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"pixi.build/go/now"
	"pixi.build/go/sklog"
)

// GC removes commit checkout directories under root whose .ready sentinel
// has not been touched in at least maxAge (§3: "garbage-collectible by
// age"). Repository-level directories left empty afterward are removed too.
func GC(ctx context.Context, root string, maxAge time.Duration) error {
	repoDirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := now.Now(ctx).Add(-maxAge)
	for _, repoDir := range repoDirs {
		if !repoDir.IsDir() {
			continue
		}
		repoPath := filepath.Join(root, repoDir.Name())
		shaDirs, err := os.ReadDir(repoPath)
		if err != nil {
			continue
		}
		remaining := 0
		for _, shaDir := range shaDirs {
			if !shaDir.IsDir() || shaDir.Name() == "locks" {
				remaining++
				continue
			}
			checkoutPath := filepath.Join(repoPath, shaDir.Name())
			sentinel := filepath.Join(checkoutPath, readySentinel)
			info, err := os.Stat(sentinel)
			if err != nil {
				remaining++
				continue
			}
			if info.ModTime().Before(cutoff) {
				sklog.Infof("git checkout GC: removing stale checkout %s", checkoutPath)
				if err := os.RemoveAll(checkoutPath); err != nil {
					sklog.Warningf("git checkout GC: failed to remove %s: %s", checkoutPath, err)
					remaining++
				}
				continue
			}
			remaining++
		}
		if remaining == 0 {
			_ = os.RemoveAll(repoPath)
		}
	}
	return nil
}
