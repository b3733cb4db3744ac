package dispatch

import (
	"context"

	"golang.org/x/sync/semaphore"

	"pixi.build/go/skerr"
)

// Limits caps the number of concurrent downloads, solves, and builds a
// dispatcher instance will run at once (§5: "A resolved Limits struct caps
// the number of concurrent downloads, solves, and builds").
type Limits struct {
	MaxConcurrentDownloads int64
	MaxConcurrentSolves    int64
	MaxConcurrentBuilds    int64
}

// DefaultLimits returns the caps used for any Limits field that is zero or
// negative: 8 concurrent downloads, 4 solves, and 4 builds (a build backend
// is typically itself multi-threaded).
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentDownloads: 8,
		MaxConcurrentSolves:    4,
		MaxConcurrentBuilds:    4,
	}
}

// semaphores holds the weighted semaphores backing a resolved Limits. The
// processor acquires the relevant semaphore before adding a task of that
// resource class to its in-flight set, holding back additions when it's
// full (§5).
type semaphores struct {
	downloads *semaphore.Weighted
	solves    *semaphore.Weighted
	builds    *semaphore.Weighted
}

func newSemaphores(l Limits) *semaphores {
	d := DefaultLimits()
	if l.MaxConcurrentDownloads <= 0 {
		l.MaxConcurrentDownloads = d.MaxConcurrentDownloads
	}
	if l.MaxConcurrentSolves <= 0 {
		l.MaxConcurrentSolves = d.MaxConcurrentSolves
	}
	if l.MaxConcurrentBuilds <= 0 {
		l.MaxConcurrentBuilds = d.MaxConcurrentBuilds
	}
	return &semaphores{
		downloads: semaphore.NewWeighted(orOne(l.MaxConcurrentDownloads)),
		solves:    semaphore.NewWeighted(orOne(l.MaxConcurrentSolves)),
		builds:    semaphore.NewWeighted(orOne(l.MaxConcurrentBuilds)),
	}
}

func orOne(n int64) int64 {
	if n <= 0 {
		return 1
	}
	return n
}

// resourceClass names which semaphore a task kind draws from.
type resourceClass int

const (
	resourceNone resourceClass = iota
	resourceDownload
	resourceSolve
	resourceBuild
)

func (s *semaphores) acquire(ctx context.Context, class resourceClass) (release func(), err error) {
	var sem *semaphore.Weighted
	switch class {
	case resourceDownload:
		sem = s.downloads
	case resourceSolve:
		sem = s.solves
	case resourceBuild:
		sem = s.builds
	default:
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, skerr.Wrap(err)
	}
	return func() { sem.Release(1) }, nil
}
