package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixi.build/dispatcher/go/reporter"
	"pixi.build/go/testutils"
)

func TestSubmit_DeduplicatesConcurrentRequestsForSameKey(t *testing.T) {
	testutils.SmallTest(t)
	p := NewProcessor(Options{Policy: Parallel})
	defer p.Close()

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	run := func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return "result", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := Submit(context.Background(), p, reporter.KindGitCheckout, "same-key", 0, "", run)
			results[i] = r
			errs[i] = err
		}(i)
	}
	<-started
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "result", results[0])
	assert.Equal(t, "result", results[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "two concurrent Submits with the same key must run the body exactly once")
}

func TestSubmit_DifferentKeysRunIndependently(t *testing.T) {
	testutils.SmallTest(t)
	p := NewProcessor(Options{Policy: Parallel})
	defer p.Close()

	var calls int32
	run := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	}
	_, err := Submit(context.Background(), p, reporter.KindURLCheckout, "a", 0, "", run)
	require.NoError(t, err)
	_, err = Submit(context.Background(), p, reporter.KindURLCheckout, "b", 0, "", run)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSubmit_CycleDetectedViaParentChain(t *testing.T) {
	testutils.SmallTest(t)
	p := NewProcessor(Options{Policy: Serial})
	defer p.Close()

	var innerErr error
	_, outerErr := Submit(context.Background(), p, reporter.KindSourceMetadata, "pkg-a", 0, "outer", func(ctx context.Context) (int, error) {
		id := ParentFromContext(ctx)
		// A nested Submit that dedups to the SAME key as an ancestor, using
		// the ancestor's own id as the candidate parent, must be rejected as
		// a cycle rather than deadlocking waiting on itself.
		_, err := Submit(ctx, p, reporter.KindSourceMetadata, "pkg-a", id, "inner", func(ctx context.Context) (int, error) {
			return 0, nil
		})
		innerErr = err
		return 1, nil
	})
	require.NoError(t, outerErr)
	var cycleErr *ErrCycle
	assert.ErrorAs(t, innerErr, &cycleErr)
}

func TestSubmit_NoCycleForUnrelatedNestedKey(t *testing.T) {
	testutils.SmallTest(t)
	// Parallel, not Serial: a nested Submit for a brand-new key would
	// deadlock under Serial, since the single serial worker goroutine would
	// be enqueuing work for itself to pick up while it's still busy running
	// the outer task body.
	p := NewProcessor(Options{Policy: Parallel})
	defer p.Close()

	var innerResult int
	var innerErr error
	_, err := Submit(context.Background(), p, reporter.KindSolvePixi, "env-a", 0, "outer", func(ctx context.Context) (int, error) {
		innerResult, innerErr = Submit(ctx, p, reporter.KindSourceMetadata, "pkg-b", ParentFromContext(ctx), "inner", func(ctx context.Context) (int, error) {
			return 42, nil
		})
		return 1, nil
	})
	require.NoError(t, err)
	require.NoError(t, innerErr)
	assert.Equal(t, 42, innerResult)
}

func TestSubmit_ErrorDropsDedupEntrySoRetryStartsFresh(t *testing.T) {
	testutils.SmallTest(t)
	p := NewProcessor(Options{Policy: Serial})
	defer p.Close()

	var calls int32
	run := func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return 0, assert.AnError
		}
		return 7, nil
	}
	_, err := Submit(context.Background(), p, reporter.KindSolveConda, "k", 0, "", run)
	require.Error(t, err)

	result, err := Submit(context.Background(), p, reporter.KindSolveConda, "k", 0, "", run)
	require.NoError(t, err)
	assert.Equal(t, 7, result)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSubmit_SerialPolicyRunsOneAtATime(t *testing.T) {
	testutils.SmallTest(t)
	p := NewProcessor(Options{Policy: Serial})
	defer p.Close()

	var concurrent int32
	var maxConcurrent int32
	run := func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return 0, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := Submit(context.Background(), p, reporter.KindInstallPixi, string(rune('a'+i)), 0, "", run)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent), "Serial policy must never run two task bodies at once")
}

func TestProcessor_InFlightTracksRunningTasks(t *testing.T) {
	testutils.SmallTest(t)
	p := NewProcessor(Options{Policy: Parallel})
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Submit(context.Background(), p, reporter.KindGitCheckout, "inflight", 0, "", func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started
	assert.Equal(t, 1, p.InFlight())
	close(release)
	require.Eventually(t, func() bool { return p.InFlight() == 0 }, time.Second, time.Millisecond)
}
