package dispatch

import (
	"context"
	"sync"

	"pixi.build/dispatcher/go/reporter"
	"pixi.build/go/ctxutil"
)

// TaskID identifies one allocated task within a Processor, across all task
// kinds. Zero is reserved for "no parent" (an external, top-level caller).
type TaskID uint64

// taskEntry is the dedup map's value: the shared state for one in-flight or
// completed task, regardless of its kind or result type. Result is stored as
// interface{} and type-asserted by the generic Submit caller, since Go
// doesn't let a map hold heterogeneous generic instantiations directly.
type taskEntry struct {
	id     TaskID
	kind   reporter.TaskKind
	parent TaskID

	mu       sync.Mutex
	done     bool
	result   interface{}
	err      error
	waitCh   chan struct{}
	cancel   *ctxutil.RefCountedCancel
	reporterID reporter.ID
}

func newTaskEntry(id TaskID, kind reporter.TaskKind, parent TaskID, cancel *ctxutil.RefCountedCancel, reporterID reporter.ID) *taskEntry {
	return &taskEntry{
		id:         id,
		kind:       kind,
		parent:     parent,
		waitCh:     make(chan struct{}),
		cancel:     cancel,
		reporterID: reporterID,
	}
}

// finish records the task's terminal result and wakes every waiter. Safe to
// call exactly once.
func (t *taskEntry) finish(result interface{}, err error) {
	t.mu.Lock()
	t.done = true
	t.result = result
	t.err = err
	t.mu.Unlock()
	close(t.waitCh)
}

// wait blocks until the task finishes or ctx is cancelled, whichever comes
// first. Joining as a waiter on an already-running task increments its
// waiter refcount so that the task's own cancellation is cooperative with
// every caller depending on it (§4.9, §5).
func (t *taskEntry) wait(ctx context.Context) (interface{}, error) {
	t.cancel.AddWaiter()
	defer t.cancel.DropWaiter()

	select {
	case <-t.waitCh:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}
