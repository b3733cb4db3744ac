package filecache

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"pixi.build/go/now"
	"pixi.build/go/sklog"
)

// GC removes per-key cache directories under root whose metadata.json has
// not been modified in at least maxAge. It is not on any hot path (§9's
// "garbage-collectible by age" note names no operation); callers invoke it
// from an optional maintenance entry point, typically via go/cleanup.Repeat.
func GC(ctx context.Context, root string, maxAge time.Duration) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := now.Now(ctx).Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		metaPath := filepath.Join(dir, cacheFileName)
		info, err := os.Stat(metaPath)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			sklog.Infof("filecache GC: removing stale entry %s (mtime %s)", dir, info.ModTime())
			if err := os.RemoveAll(dir); err != nil {
				sklog.Warningf("filecache GC: failed to remove %s: %s", dir, err)
			}
		}
	}
	return nil
}
