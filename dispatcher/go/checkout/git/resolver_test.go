package git

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/go/exec"
	"pixi.build/go/testutils"
)

// fakeRun wires a stub git ls-remote response into exec.NewContext so the
// resolver tests never shell out to a real git binary.
func fakeRun(t *testing.T, lsRemoteOutput string, calls *int32) func(ctx context.Context) context.Context {
	return func(ctx context.Context) context.Context {
		return exec.NewContext(ctx, func(cmd *exec.Command) error {
			atomic.AddInt32(calls, 1)
			if cmd.CombinedOutput != nil {
				_, _ = cmd.CombinedOutput.Write([]byte(lsRemoteOutput))
			}
			return nil
		})
	}
}

func TestResolve_FullShaShortCircuitsWithoutNetwork(t *testing.T) {
	testutils.SmallTest(t)
	var calls int32
	ctx := fakeRun(t, "", &calls)(context.Background())
	r := NewResolver(time.Hour)

	sha := "0123456789abcdef0123456789abcdef01234567"
	got, err := r.Resolve(ctx, "https://example.com/repo.git", pixitypes.GitReference{Kind: pixitypes.GitRev, Name: sha})
	require.NoError(t, err)
	assert.Equal(t, sha, got)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "a full-length SHA must never trigger ls-remote")
}

func TestResolve_BranchMemoizedWithinProcess(t *testing.T) {
	testutils.SmallTest(t)
	var calls int32
	ctx := fakeRun(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef\trefs/heads/main\n", &calls)(context.Background())
	r := NewResolver(time.Hour)

	ref := pixitypes.GitReference{Kind: pixitypes.GitBranch, Name: "main"}
	sha1, err := r.Resolve(ctx, "https://example.com/repo.git", ref)
	require.NoError(t, err)
	sha2, err := r.Resolve(ctx, "https://example.com/repo.git", ref)
	require.NoError(t, err)

	assert.Equal(t, sha1, sha2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second Resolve call should hit the memoization cache")
}

func TestResolve_ConcurrentCallsForSameKeyCollapseIntoOneResolve(t *testing.T) {
	testutils.MediumTest(t)
	var calls int32
	ctx := fakeRun(t, "cafebabecafebabecafebabecafebabecafebabe\trefs/heads/main\n", &calls)(context.Background())
	r := NewResolver(time.Hour)
	ref := pixitypes.GitReference{Kind: pixitypes.GitBranch, Name: "main"}

	var wg sync.WaitGroup
	shas := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sha, err := r.Resolve(ctx, "https://example.com/repo.git", ref)
			assert.NoError(t, err)
			shas[i] = sha
		}(i)
	}
	wg.Wait()

	for _, sha := range shas {
		assert.Equal(t, shas[0], sha)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestResolve_DefaultBranchAsksForHEAD(t *testing.T) {
	testutils.SmallTest(t)
	var calls int32
	ctx := fakeRun(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\tHEAD\n", &calls)(context.Background())
	r := NewResolver(time.Hour)

	sha, err := r.Resolve(ctx, "https://example.com/repo.git", pixitypes.GitReference{Kind: pixitypes.GitDefaultBranch})
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", sha)
}
