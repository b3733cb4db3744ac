package url

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"pixi.build/go/now"
	"pixi.build/go/sklog"
)

// GC removes checkout directories under root/checkouts whose .ready sentinel
// has not been touched in at least maxAge (§3: "garbage-collectible by
// age"), mirroring the git engine's GC.
func GC(ctx context.Context, root string, maxAge time.Duration) error {
	checkoutsRoot := filepath.Join(root, "checkouts")
	entries, err := os.ReadDir(checkoutsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := now.Now(ctx).Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		checkoutPath := filepath.Join(checkoutsRoot, e.Name())
		sentinel := filepath.Join(checkoutPath, readySentinel)
		info, err := os.Stat(sentinel)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			sklog.Infof("url checkout GC: removing stale checkout %s", checkoutPath)
			if err := os.RemoveAll(checkoutPath); err != nil {
				sklog.Warningf("url checkout GC: failed to remove %s: %s", checkoutPath, err)
			}
		}
	}
	return nil
}
