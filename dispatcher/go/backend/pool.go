package backend

import (
	"context"
	"fmt"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"pixi.build/go/sklog"
)

// poolKey identifies one (checkout, backend spec) pair. A *BuildBackend
// process is created on first use for a given pair and reused for
// subsequent operations on the same checkout within the same dispatcher
// invocation (§3 lifecycles).
type poolKey struct {
	checkoutPath string
	tool         string
}

func (k poolKey) String() string {
	return fmt.Sprintf("%s::%s", k.checkoutPath, k.tool)
}

// Pool bounds the number of live backend child processes a dispatcher
// instance keeps around, evicting (and terminating) the least-recently-used
// backend when a new one is needed and the pool is full — grounded on the
// github.com/hashicorp/golang-lru package the teacher's go.mod already
// carries for exactly this kind of bounded process cache.
type Pool struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewPool returns a Pool that keeps at most size live backends. Evicted
// backends are closed (their child process killed) automatically.
func NewPool(size int) (*Pool, error) {
	p := &Pool{}
	cache, err := lru.NewWithEvict(size, func(key, value interface{}) {
		if b, ok := value.(Backend); ok {
			if err := b.Close(); err != nil {
				sklog.Warningf("closing evicted backend %v: %s", key, err)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// Factory constructs a fresh Backend for the given spec; called only on a
// pool miss.
type Factory func(ctx context.Context) (Backend, error)

// Get returns the pooled Backend for (checkoutPath, tool), constructing it
// via factory on a miss.
func (p *Pool) Get(ctx context.Context, checkoutPath, tool string, factory Factory) (Backend, error) {
	key := poolKey{checkoutPath: checkoutPath, tool: tool}

	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.cache.Get(key); ok {
		return v.(Backend), nil
	}
	b, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, b)
	return b, nil
}

// CloseAll terminates every pooled backend concurrently (a stuck backend's
// process teardown shouldn't serialize behind every other one), collecting
// every error rather than short-circuiting on the first. Called on
// dispatcher shutdown so no child process outlives the dispatcher (§9).
func (p *Pool) CloseAll() error {
	type entry struct {
		key interface{}
		b   Backend
	}
	p.mu.Lock()
	var entries []entry
	for _, key := range p.cache.Keys() {
		if v, ok := p.cache.Peek(key); ok {
			if b, ok := v.(Backend); ok {
				entries = append(entries, entry{key: key, b: b})
			}
		}
	}
	p.cache.Purge()
	p.mu.Unlock()

	var mu sync.Mutex
	var result *multierror.Error
	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := e.b.Close(); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("closing backend %v: %w", e.key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}
