// Package sourcemetadata implements the C5 pipeline: given a pinned source
// checkout, discover its build backend, ask it for conda/outputs, and cache
// the translated result keyed by every input that could change it (§4.5).
package sourcemetadata

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"pixi.build/dispatcher/go/backend"
	"pixi.build/dispatcher/go/filecache"
	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/go/now"
	"pixi.build/go/skerr"
)

// Spec is a source-metadata request, already pinned by the caller via the
// C3 checkout engines (§4.5: "Pin the source (via C3 for Git/URL; no-op for
// Path)" — that step happens one layer up, in the dispatcher, since
// git/url checkouts are themselves dispatcher task kinds).
type Spec struct {
	Checkout         pixitypes.SourceCheckout
	Channels         []string
	BuildEnvironment pixitypes.BuildEnvironment
	Variants         []map[string]interface{}
	EnabledProtocols []string
}

// CachedMetadata is what's persisted to and read from the source-metadata
// cache: the translated backend outputs, the input globs that bound its
// validity for mutable Path sources, and the timestamp it was computed at.
type CachedMetadata struct {
	Records    []pixitypes.UnresolvedSourceRecord `json:"records"`
	InputGlobs []string                            `json:"input_globs"`
	Timestamp  time.Time                           `json:"timestamp"`
}

// BackendFactory constructs and initializes a Backend for the discovered
// tool, rooted at the checkout.
type BackendFactory func(ctx context.Context, checkoutPath, tool string) (backend.Backend, error)

// Pipeline wires the cache, backend discovery, and backend construction
// together.
type Pipeline struct {
	Cache       *filecache.Cache
	Discover    func(checkoutPath string) (string, error)
	NewBackend  BackendFactory
}

// NewPipeline returns a Pipeline rooted at cacheRoot.
func NewPipeline(cacheRoot string, discover func(string) (string, error), newBackend BackendFactory) (*Pipeline, error) {
	cache, err := filecache.New(cacheRoot)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Cache: cache, Discover: discover, NewBackend: newBackend}, nil
}

// Resolve implements §4.5 steps 2-5: compute the cache key (done by the
// caller and passed in as key, since it also seeds the dispatcher's own
// dedup key), consult the cache, and on a miss or stale entry invoke the
// backend and persist the translated result.
func (p *Pipeline) Resolve(ctx context.Context, key string, spec Spec) (*CachedMetadata, error) {
	entry, err := p.Cache.Entry(key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = entry.Close() }()

	var cached CachedMetadata
	hit, err := entry.Read(&cached)
	if err != nil {
		return nil, err
	}
	if hit && p.stillValid(ctx, spec, cached) {
		return &cached, nil
	}

	records, err := p.queryBackend(ctx, spec)
	if err != nil {
		return nil, err
	}

	globs := collectInputGlobs(records)
	result := &CachedMetadata{
		Records:    records,
		InputGlobs: globs,
		Timestamp:  now.Now(ctx),
	}
	if err := entry.Write(result); err != nil {
		return nil, err
	}
	return result, nil
}

// stillValid implements §3's cache validity invariant: a pinned (immutable)
// source is always valid once cached; a mutable Path source is valid only
// if no file matched by the recorded input globs is newer than the cache
// timestamp. Per §9, coarse filesystem timestamps mean ">=" counts as
// fresh, not just ">".
func (p *Pipeline) stillValid(ctx context.Context, spec Spec, cached CachedMetadata) bool {
	if !spec.Checkout.Pinned.IsMutable() {
		return true
	}
	for _, pattern := range cached.InputGlobs {
		matches, err := filepath.Glob(filepath.Join(spec.Checkout.Path, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if info.ModTime().After(cached.Timestamp) {
				return false
			}
		}
	}
	return true
}

func (p *Pipeline) queryBackend(ctx context.Context, spec Spec) ([]pixitypes.UnresolvedSourceRecord, error) {
	tool, err := p.Discover(spec.Checkout.Path)
	if err != nil {
		return nil, skerr.Wrapf(err, "discovering build backend for %s", spec.Checkout.Path)
	}
	b, err := p.NewBackend(ctx, spec.Checkout.Path, tool)
	if err != nil {
		return nil, skerr.Wrapf(err, "initializing build backend %s", tool)
	}
	if !b.Capabilities().ProvidesCondaOutputs {
		return nil, &backend.ErrIncompatibleAPI{Required: backend.APIVersionV0, Available: b.NegotiatedVersion()}
	}
	resp, err := b.CondaOutputs(ctx, backend.CondaOutputsRequest{
		HostPlatform: spec.BuildEnvironment.HostPlatform,
		Variants:     spec.Variants,
		Channels:     spec.Channels,
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return translateOutputs(resp.Outputs), nil
}

func translateOutputs(outputs []backend.CondaOutput) []pixitypes.UnresolvedSourceRecord {
	out := make([]pixitypes.UnresolvedSourceRecord, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, pixitypes.UnresolvedSourceRecord{
			PackageRecord: pixitypes.PackageRecord{
				Name:             o.Name,
				Version:          o.Version,
				Build:            o.Build,
				BuildNumber:      o.BuildNumber,
				Subdir:           o.Subdir,
				Depends:          o.Depends,
				Constrains:       o.Constrains,
				NoarchType:       o.Noarch,
				RunExports:       o.RunExports,
				IgnoreRunExports: o.IgnoreRunExports,
			},
			InputGlobs:       o.InputGlobs,
			RunExports:       o.RunExports,
			IgnoreRunExports: o.IgnoreRunExports,
		})
	}
	return out
}

func collectInputGlobs(records []pixitypes.UnresolvedSourceRecord) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range records {
		for _, g := range r.InputGlobs {
			if _, ok := seen[g]; !ok {
				seen[g] = struct{}{}
				out = append(out, g)
			}
		}
	}
	return out
}
