// Package sourcebuild implements the C6 pipeline: given a single resolved
// package output from C5 and the build/host prefixes named in its Spec,
// invoke the backend's conda/build-v1, and cache the resulting archive's
// digest and input globs (§4.6). It does not create the prefixes.
package sourcebuild

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"pixi.build/dispatcher/go/backend"
	"pixi.build/dispatcher/go/filecache"
	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/dispatcher/go/reporter"
	"pixi.build/go/now"
	"pixi.build/go/skerr"
)

// Spec is a fully-resolved source-build request: one package output, the
// checkout it came from, and the build/host prefixes it should build
// against. The prefixes are passed to the backend as given. Neither this
// package nor the dispatcher's SourceBuild creates them; the dispatcher's
// install path leaves both empty.
type Spec struct {
	Checkout    pixitypes.SourceCheckout
	Output      backend.CondaOutput
	BuildPrefix string
	HostPrefix  string
	WorkDir     string
	OutputDir   string
}

// CachedBuild is what's persisted to and read from the source-build cache.
type CachedBuild struct {
	ArtifactPath string    `json:"artifact_path"`
	Sha256       string    `json:"sha256"`
	Size         int64     `json:"size"`
	InputGlobs   []string  `json:"input_globs"`
	Timestamp    time.Time `json:"timestamp"`
}

// CacheStatus is the result of the standalone query_source_build_cache task
// (SPEC_FULL.md component 5): whether a build is cached without triggering
// one.
type CacheStatus struct {
	Hit   bool
	Entry *CachedBuild
}

// BackendFactory constructs and initializes a Backend for the discovered
// tool, rooted at the checkout.
type BackendFactory func(ctx context.Context, checkoutPath, tool string) (backend.Backend, error)

// Pipeline wires the cache and backend construction together.
type Pipeline struct {
	Cache      *filecache.Cache
	Discover   func(checkoutPath string) (string, error)
	NewBackend BackendFactory
	Reporter   reporter.Reporter
}

// NewPipeline returns a Pipeline rooted at cacheRoot.
func NewPipeline(cacheRoot string, discover func(string) (string, error), newBackend BackendFactory, rep reporter.Reporter) (*Pipeline, error) {
	cache, err := filecache.New(cacheRoot)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		rep = reporter.NopReporter{}
	}
	return &Pipeline{Cache: cache, Discover: discover, NewBackend: newBackend, Reporter: rep}, nil
}

// QueryCache implements the standalone query_source_build_cache task: a
// read-only cache probe with no build-backend invocation, useful for a
// `pixi-dispatch` front end deciding whether to show a "will rebuild"
// warning before committing to a full install.
func (p *Pipeline) QueryCache(ctx context.Context, key string) (CacheStatus, error) {
	entry, err := p.Cache.Entry(key)
	if err != nil {
		return CacheStatus{}, err
	}
	defer func() { _ = entry.Close() }()

	var cached CachedBuild
	hit, err := entry.Read(&cached)
	if err != nil {
		return CacheStatus{}, err
	}
	if !hit {
		return CacheStatus{Hit: false}, nil
	}
	return CacheStatus{Hit: true, Entry: &cached}, nil
}

// Build implements §4.6 steps 2-7: consult the cache, and on a miss invoke
// the backend's conda/build-v1 streaming output lines to the reporter,
// then hash and record the resulting artifact.
func (p *Pipeline) Build(ctx context.Context, key string, reporterID reporter.ID, spec Spec) (*CachedBuild, error) {
	entry, err := p.Cache.Entry(key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = entry.Close() }()

	var cached CachedBuild
	hit, err := entry.Read(&cached)
	if err != nil {
		return nil, err
	}
	if hit && artifactStillExists(cached.ArtifactPath) {
		return &cached, nil
	}

	tool, err := p.Discover(spec.Checkout.Path)
	if err != nil {
		return nil, skerr.Wrapf(err, "discovering build backend for %s", spec.Checkout.Path)
	}
	b, err := p.NewBackend(ctx, spec.Checkout.Path, tool)
	if err != nil {
		return nil, skerr.Wrapf(err, "initializing build backend %s", tool)
	}
	if !b.Capabilities().ProvidesCondaBuildV1 {
		return nil, &backend.ErrIncompatibleAPI{Required: backend.APIVersionV1, Available: b.NegotiatedVersion()}
	}

	onLine := func(line string) {
		p.Reporter.OnOutputLine(reporterID, line)
	}

	resp, err := b.CondaBuildV1(ctx, backend.CondaBuildV1Request{
		Output:      spec.Output,
		HostPrefix:  spec.HostPrefix,
		BuildPrefix: spec.BuildPrefix,
		WorkDir:     spec.WorkDir,
		OutputDir:   spec.OutputDir,
	}, onLine)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	digest, size, err := hashArtifact(resp.OutputFile)
	if err != nil {
		return nil, err
	}

	result := &CachedBuild{
		ArtifactPath: resp.OutputFile,
		Sha256:       digest,
		Size:         size,
		InputGlobs:   resp.InputGlobs,
		Timestamp:    now.Now(ctx),
	}
	if err := entry.Write(result); err != nil {
		return nil, err
	}
	return result, nil
}

func artifactStillExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func hashArtifact(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, skerr.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, skerr.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
