// Package util collects small helpers with no better home: safe-close
// wrappers, atomic file writes, and set-like map aliases used across the
// dispatcher's cache and checkout packages.
package util

import (
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"pixi.build/go/sklog"
)

// IsNil reports whether i is nil, or is a non-nil interface wrapping a nil
// pointer/map/slice/chan/func — the classic "typed nil" gotcha that a plain
// `i == nil` check misses.
func IsNil(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

// Close calls c.Close() and logs any error, for use in defers where the
// close error isn't actionable but shouldn't be silently swallowed either.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		sklog.Errorf("Failed to close: %s", err)
	}
}

// AtomicCounter is a goroutine-safe integer counter.
type AtomicCounter struct {
	val  int
	lock sync.RWMutex
}

// Inc increments the counter.
func (c *AtomicCounter) Inc() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.val++
}

// Dec decrements the counter.
func (c *AtomicCounter) Dec() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.val--
}

// Get returns the current value.
func (c *AtomicCounter) Get() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.val
}

// WithWriteFile writes to path atomically: it calls write with a handle to a
// temp file in the same directory, and renames the temp file over path only
// if write succeeds. Any cache or checkout sentinel that must never be
// observed half-written uses this instead of os.Create.
func WithWriteFile(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := write(tmp); err != nil {
		Close(tmp)
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// WithReadFile opens path and calls read with the resulting handle, closing
// it afterward regardless of the outcome.
func WithReadFile(path string, read func(r io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer Close(f)
	return read(f)
}

// StringSet is a set of strings backed by a map. Keys does not sort, so
// callers that need a stable order sort the result themselves.
type StringSet map[string]struct{}

// NewStringSet builds a StringSet from the given strings.
func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Add inserts item into the set.
func (s StringSet) Add(item string) {
	s[item] = struct{}{}
}

// Has reports whether item is a member of the set.
func (s StringSet) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Keys returns the set's members in unspecified order.
func (s StringSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
