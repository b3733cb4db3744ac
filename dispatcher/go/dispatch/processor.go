package dispatch

import (
	"context"
	"sync"

	"pixi.build/dispatcher/go/reporter"
	"pixi.build/go/ctxutil"
	"pixi.build/go/sklog"
	"pixi.build/go/util"
)

// taskIDKey is the context key a running task's id is stored under, so a
// task body that itself calls Submit (a nested dispatcher operation, e.g.
// solve's recursive source_metadata calls) automatically supplies the
// right parent for cycle detection without threading a TaskID through
// every pipeline's function signature.
type taskIDKeyType struct{}

var taskIDKey = taskIDKeyType{}

func withTaskID(ctx context.Context, id TaskID) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// ParentFromContext returns the TaskID of the task currently running on
// ctx, or zero if ctx was not derived from a running task's context (the
// top-level caller of a Dispatcher method).
func ParentFromContext(ctx context.Context) TaskID {
	if id, ok := ctx.Value(taskIDKey).(TaskID); ok {
		return id
	}
	return 0
}

// ExecutorPolicy selects how the processor schedules newly-submitted task
// bodies (§4.9).
type ExecutorPolicy int

const (
	// Parallel runs each task body on its own goroutine; ordering between
	// concurrent tasks is not guaranteed, only ordering within one task's
	// own steps.
	Parallel ExecutorPolicy = iota
	// Serial processes one task body at a time, in submission order. Used
	// for deterministic tests.
	Serial
)

// Processor owns every dispatcher handle's shared state: the per-kind
// dedup maps, the parent-context table used for cycle detection, and the
// concurrency limits. §9 notes implementers may keep a single actor task
// plus channel (as the original does) or guard each map with a mutex and
// accept the contention, calling the latter "simpler and sufficient here" —
// this is the mutex-guarded design, which is also the more idiomatic choice
// in Go: goroutines-plus-mutex over a hand-rolled actor loop.
type Processor struct {
	mu      sync.Mutex
	nextID  TaskID
	tasks   map[TaskID]*taskEntry
	dedup   map[string]TaskID // "<kind>:<key>" -> task id
	parents map[TaskID]TaskID

	policy  ExecutorPolicy
	sem     *semaphores
	rep     reporter.Reporter
	inFlight util.AtomicCounter

	// serialQueue is non-nil only under Serial, and carries task bodies to
	// run one at a time on runSerialLoop.
	serialQueue chan func()
	closeOnce   sync.Once
	closed      chan struct{}
}

// Options configures a new Processor.
type Options struct {
	Policy   ExecutorPolicy
	Limits   Limits
	Reporter reporter.Reporter
}

// NewProcessor constructs a Processor. Call Close when the last dispatcher
// handle using it is dropped, so its Serial loop (if any) can exit and any
// pooled backend processes are released by the caller's own cleanup.
func NewProcessor(opts Options) *Processor {
	rep := opts.Reporter
	if rep == nil {
		rep = reporter.NopReporter{}
	}
	p := &Processor{
		tasks:   make(map[TaskID]*taskEntry),
		dedup:   make(map[string]TaskID),
		parents: make(map[TaskID]TaskID),
		policy:  opts.Policy,
		sem:     newSemaphores(opts.Limits),
		rep:     rep,
		closed:  make(chan struct{}),
	}
	if opts.Policy == Serial {
		p.serialQueue = make(chan func(), 64)
		go p.runSerialLoop()
	}
	return p
}

func (p *Processor) runSerialLoop() {
	for {
		select {
		case fn, ok := <-p.serialQueue:
			if !ok {
				return
			}
			fn()
		case <-p.closed:
			return
		}
	}
}

// Close stops the Serial loop, if any. Pending tasks already running are
// allowed to finish; new submissions after Close will panic, matching the
// "processor drains currently pending futures, then exits" shutdown note in
// §4.9 (draining is the caller's responsibility: stop submitting, then
// Close).
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.serialQueue != nil {
			close(p.serialQueue)
		}
	})
}

// containsCycle walks the parent chain upward from candidateParent and
// reports whether it reaches existingID (§4.9: "contains_cycle(id,
// candidate_parent) walks parent_contexts upwards from candidate_parent and
// returns true iff it reaches id"). Caller must hold p.mu.
func (p *Processor) containsCycle(existingID, candidateParent TaskID) bool {
	id := candidateParent
	for id != 0 {
		if id == existingID {
			return true
		}
		next, ok := p.parents[id]
		if !ok {
			return false
		}
		id = next
	}
	return false
}

// cyclePath reconstructs a human-readable chain for ErrCycle, walking from
// candidateParent up to existingID. Caller must hold p.mu.
func (p *Processor) cyclePath(existingID, candidateParent TaskID) []string {
	var path []string
	id := candidateParent
	for id != 0 {
		entry, ok := p.tasks[id]
		if !ok {
			break
		}
		path = append([]string{string(entry.kind)}, path...)
		if id == existingID {
			break
		}
		id = p.parents[id]
	}
	return path
}

// Submit is the generic intake path shared by every task kind (§4.9
// "Intake protocol"): dedup by (kind, key), cycle-check against the calling
// context's parent chain, and either join an existing task's waiter list or
// allocate a fresh one and run it under the processor's executor policy.
func Submit[Result any](
	ctx context.Context,
	p *Processor,
	kind reporter.TaskKind,
	key string,
	parent TaskID,
	description string,
	run func(ctx context.Context) (Result, error),
) (Result, error) {
	var zero Result
	dedupKey := string(kind) + ":" + key

	p.mu.Lock()
	if id, ok := p.dedup[dedupKey]; ok {
		entry := p.tasks[id]
		if p.containsCycle(id, parent) {
			path := p.cyclePath(id, parent)
			p.mu.Unlock()
			return zero, &ErrCycle{Path: path}
		}
		p.mu.Unlock()
		result, err := entry.wait(ctx)
		if err != nil {
			return zero, err
		}
		typed, ok := result.(Result)
		if !ok {
			return zero, err
		}
		return typed, nil
	}

	id := p.nextID + 1
	p.nextID = id
	p.parents[id] = parent
	p.dedup[dedupKey] = id

	cancel := ctxutil.NewRefCountedCancel(ctx)
	reporterID := p.rep.OnQueued(kind, p.reporterIDFor(parent), description)
	entry := newTaskEntry(id, kind, parent, cancel, reporterID)
	p.tasks[id] = entry
	p.mu.Unlock()

	p.rep.OnStarted(reporterID)
	p.inFlight.Inc()

	body := func() {
		defer p.inFlight.Dec()
		result, err := run(withTaskID(cancel.Context(), id))
		cancel.Finish()
		p.mu.Lock()
		// On error, forget the dedup entry so a later call with the same
		// spec starts fresh rather than replaying a possibly-transient
		// failure (§5: "a subsequent call that re-queues the same spec
		// starts fresh").
		if err != nil {
			delete(p.dedup, dedupKey)
		}
		p.mu.Unlock()
		entry.finish(result, err)
		p.rep.OnFinished(reporterID)
	}

	switch p.policy {
	case Serial:
		done := make(chan struct{})
		select {
		case p.serialQueue <- func() { body(); close(done) }:
			<-done
		case <-p.closed:
			return zero, ErrCancelled
		}
	default:
		go body()
	}

	result, err := entry.wait(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := result.(Result)
	if !ok {
		sklog.Errorf("dispatch: task %s returned unexpected result type", kind)
		return zero, err
	}
	return typed, nil
}

func (p *Processor) reporterIDFor(parent TaskID) reporter.ID {
	if parent == 0 {
		return 0
	}
	if entry, ok := p.tasks[parent]; ok {
		return entry.reporterID
	}
	return 0
}

// InFlight returns the number of submitted tasks whose bodies have not yet
// returned, for diagnostics and tests. A task is counted from before its
// body is handed to the executor, so under Serial a task still waiting for
// the queue counts too.
func (p *Processor) InFlight() int {
	return p.inFlight.Get()
}

// Acquire blocks until a slot for the given resource class is available,
// returning a release function to call when the task's use of that
// resource class ends.
func (p *Processor) acquire(ctx context.Context, class resourceClass) (func(), error) {
	return p.sem.acquire(ctx, class)
}
