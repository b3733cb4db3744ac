// Package filecache implements the dispatcher's generic file-locked JSON
// cache (C2): one directory per key, one exclusively-locked file per entry,
// read-then-optionally-write semantics so at most one writer across
// processes ever holds a given key at a time.
//
// Grounded on §4.2 of the dispatcher design and adapted from the locking
// shape the eslerm-melange2 pack file uses around its own package cache:
// an OS advisory lock (github.com/gofrs/flock) guards a directory entry for
// the lifetime of a single read-modify-write.
package filecache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"pixi.build/go/skerr"
	"pixi.build/go/util"
)

const cacheFileName = "metadata.json"

// Cache is a generic, file-locked JSON cache rooted at Root. Metadata is the
// type stored per key; callers choose it by passing a pointer to their own
// struct to Entry.Read and Entry.Write.
type Cache struct {
	Root string
}

// New returns a Cache rooted at root, creating the directory if needed.
func New(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, skerr.Wrapf(err, "creating cache root %s", root)
	}
	return &Cache{Root: root}, nil
}

// Entry opens (creating if necessary) the locked cache file for key,
// blocking until any other process's lock on the same key is released. The
// returned Entry must have Close called on it (typically via defer) to
// release the lock; forgetting to do so leaks the lock for the life of the
// process.
func (c *Cache) Entry(key string) (*Entry, error) {
	dir := filepath.Join(c.Root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, skerr.Wrapf(err, "creating cache dir %s", dir)
	}
	path := filepath.Join(dir, cacheFileName)

	// Ensure the file exists without truncating any existing contents, per
	// the C2 contract (open read-write, create if missing, no truncate).
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, skerr.Wrapf(err, "opening cache file %s", path)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		util.Close(f)
		return nil, skerr.Wrapf(err, "locking cache file %s", path)
	}

	return &Entry{path: path, file: f, lock: lock}, nil
}

// Entry is a locked cache file. Read deserializes the current contents into
// dest (a pointer); Write serializes a replacement value and truncates the
// file to its new length. Close releases the lock and must always be
// called.
type Entry struct {
	path string
	file *os.File
	lock *flock.Flock
}

// Read deserializes the entry's current contents into dest, a pointer to
// the caller's Metadata type. If the file is empty, corrupt, or fails to
// parse, Read returns (false, nil): per §4.2, a corrupt cache file is
// treated as "no metadata", not as an error, and will be overwritten on the
// next Write.
func (e *Entry) Read(dest interface{}) (bool, error) {
	if _, err := e.file.Seek(0, 0); err != nil {
		return false, skerr.Wrapf(err, "seeking cache file %s", e.path)
	}
	info, err := e.file.Stat()
	if err != nil {
		return false, skerr.Wrapf(err, "stat cache file %s", e.path)
	}
	if info.Size() == 0 {
		return false, nil
	}
	dec := json.NewDecoder(e.file)
	if err := dec.Decode(dest); err != nil {
		return false, nil
	}
	return true, nil
}

// Write serializes value and replaces the entry's contents with it,
// truncating to the newly written length.
func (e *Entry) Write(value interface{}) error {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return skerr.Wrapf(err, "marshaling cache entry %s", e.path)
	}
	if _, err := e.file.Seek(0, 0); err != nil {
		return skerr.Wrapf(err, "seeking cache file %s", e.path)
	}
	n, err := e.file.Write(raw)
	if err != nil {
		return skerr.Wrapf(err, "writing cache file %s", e.path)
	}
	if err := e.file.Truncate(int64(n)); err != nil {
		return skerr.Wrapf(err, "truncating cache file %s", e.path)
	}
	return nil
}

// Close releases the entry's file lock. Safe to call once per Entry.
func (e *Entry) Close() error {
	defer util.Close(e.file)
	return e.lock.Unlock()
}
