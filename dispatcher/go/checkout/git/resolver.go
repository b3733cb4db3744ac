// Package git implements the C3 git checkout engine: resolving a
// (repo_url, reference) pair to a pinned commit SHA and materializing it
// into a content-addressed checkout directory, guarded by a .ready sentinel
// and a per-directory exclusive lock.
package git

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/go/exec"
	"pixi.build/go/skerr"
)

// Resolver memoizes (repo_url, reference) -> commit_sha within one process,
// so repeated references to e.g. "the main branch" resolve to the same pin
// throughout a single dispatcher invocation (§4.3, round-trip law #2).
// Backed by github.com/patrickmn/go-cache so a long-lived dispatcher doesn't
// grow the table unboundedly; TTL defaults to the lifetime expectations of a
// single command invocation (§1: the dispatcher lives for one invocation).
type Resolver struct {
	cache *gocache.Cache
	// group collapses concurrent resolutions of the same key so a racing
	// pair of callers only shells out to git once.
	group singleflight.Group
}

// NewResolver builds a Resolver whose memoized entries expire after ttl (use
// gocache.NoExpiration for the common "one process lifetime" case).
func NewResolver(ttl time.Duration) *Resolver {
	return &Resolver{
		cache: gocache.New(ttl, ttl/2+time.Second),
	}
}

func refKey(url string, ref pixitypes.GitReference) string {
	return fmt.Sprintf("%s#%d:%s", url, ref.Kind, ref.Name)
}

// Resolved returns a snapshot of every (repo_url#reference) -> commit_sha
// pin this resolver has made so far, for diagnostics and tests asserting
// the round-trip law that a branch resolves consistently within one run.
func (r *Resolver) Resolved() map[string]string {
	out := make(map[string]string)
	for k, v := range r.cache.Items() {
		if sha, ok := v.Object.(string); ok {
			out[k] = sha
		}
	}
	return out
}

// Resolve returns the commit SHA that (url, ref) currently points to,
// memoizing the result. If ref is already a full SHA (GitRev with a
// 40-character hex string), it is returned as-is without touching the
// network.
func (r *Resolver) Resolve(ctx context.Context, url string, ref pixitypes.GitReference) (string, error) {
	if ref.Kind == pixitypes.GitRev && looksLikeFullSha(ref.Name) {
		return ref.Name, nil
	}

	key := refKey(url, ref)
	if v, ok := r.cache.Get(key); ok {
		return v.(string), nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		sha, err := r.resolveRemote(ctx, url, ref)
		if err != nil {
			return "", err
		}
		r.cache.SetDefault(key, sha)
		return sha, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func looksLikeFullSha(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// resolveRemote performs `git ls-remote` with retry/backoff (transient
// network failures listing a remote are common enough to be worth a few
// retries before returning the wrapped error).
func (r *Resolver) resolveRemote(ctx context.Context, url string, ref pixitypes.GitReference) (string, error) {
	var want string
	switch ref.Kind {
	case pixitypes.GitDefaultBranch:
		want = "HEAD"
	case pixitypes.GitBranch:
		want = "refs/heads/" + ref.Name
	case pixitypes.GitTag:
		want = "refs/tags/" + ref.Name
	default:
		want = ref.Name
	}

	var sha string
	op := func() error {
		out, err := exec.RunSimple(ctx, fmt.Sprintf("git ls-remote %s %s", url, want))
		if err != nil {
			return skerr.Wrapf(err, "git ls-remote %s %s", url, want)
		}
		line := strings.TrimSpace(strings.Split(out, "\n")[0])
		if line == "" {
			return skerr.Fmt("git ls-remote %s %s: reference not found", url, want)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return skerr.Fmt("git ls-remote %s %s: unparseable output %q", url, want, line)
		}
		sha = fields[0]
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", skerr.Wrapf(err, "resolving git reference %s for %s", want, url)
	}
	return sha, nil
}
