// Package dispatch assembles the C9 command dispatcher core and the public
// Dispatcher handle that wires it to every domain pipeline: checkout
// (C3), build backends (C4), source metadata (C5), source build (C6), the
// pixi solver (C7), and the prefix installer (C8). Every operation a
// caller invokes on a Dispatcher goes through Submit, so dedup, cycle
// detection, and cancellation are uniform across the eight task kinds it
// submits (§4.9). No Dispatcher method submits the build-backend-metadata
// or solve-conda kinds declared in reporter: the backend query runs inside
// the source-metadata task and the conda solve inside the solve-pixi task.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/mohae/deepcopy"

	"pixi.build/dispatcher/go/backend"
	gitcheckout "pixi.build/dispatcher/go/checkout/git"
	urlcheckout "pixi.build/dispatcher/go/checkout/url"
	"pixi.build/dispatcher/go/hash"
	"pixi.build/dispatcher/go/install"
	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/dispatcher/go/reporter"
	"pixi.build/dispatcher/go/solve"
	"pixi.build/dispatcher/go/sourcebuild"
	"pixi.build/dispatcher/go/sourcemetadata"
	"pixi.build/dispatcher/go/variant"
	"pixi.build/go/sklog"
)

// Dispatcher is the single entry point an embedder (the pixi-dispatch CLI,
// or a future IDE integration) holds. Every exported method is safe to
// call concurrently from multiple goroutines; internally, each call is a
// Submit against the shared Processor.
type Dispatcher struct {
	proc *Processor

	git      *gitcheckout.Engine
	urlckout *urlcheckout.Engine
	backends *backend.Pool
	newBackendFn func(ctx context.Context, checkoutPath, tool string) (backend.Backend, error)

	sourceMeta  *sourcemetadata.Pipeline
	sourceBld   *sourcebuild.Pipeline
	solver      *solve.Solver
	installer   *install.Installer
}

// Config configures a new Dispatcher.
type Config struct {
	CacheRoot      string
	GitCheckoutDir string
	URLCheckoutDir string
	BackendPoolSize int
	Policy         ExecutorPolicy
	Limits         Limits
	Reporter       reporter.Reporter
	CondaSolver    solve.CondaSolver
	LowLevelInstaller install.LowLevelInstaller
	BackendSpawner func(ctx context.Context, checkoutPath, tool string) (backend.Backend, error)
}

// New constructs a Dispatcher from cfg, wiring every domain pipeline to
// the shared Processor and on-disk caches under cfg.CacheRoot.
func New(cfg Config) (*Dispatcher, error) {
	poolSize := cfg.BackendPoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	pool, err := backend.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	resolver := gitcheckout.NewResolver(time.Hour)
	gitEngine := gitcheckout.NewEngine(cfg.GitCheckoutDir, resolver)
	urlEngine := urlcheckout.NewEngine(cfg.URLCheckoutDir, urlcheckout.HTTPDownloader{}, urlcheckout.CopyExtractor{})

	d := &Dispatcher{
		proc:         NewProcessor(Options{Policy: cfg.Policy, Limits: cfg.Limits, Reporter: cfg.Reporter}),
		git:          gitEngine,
		urlckout:     urlEngine,
		backends:     pool,
		newBackendFn: cfg.BackendSpawner,
	}
	if d.newBackendFn == nil {
		d.newBackendFn = d.spawnBackend
	}

	smPipeline, err := sourcemetadata.NewPipeline(cfg.CacheRoot+"/source-metadata", backend.Discover, d.pooledBackend)
	if err != nil {
		return nil, err
	}
	d.sourceMeta = smPipeline

	sbPipeline, err := sourcebuild.NewPipeline(cfg.CacheRoot+"/source-build", backend.Discover, d.pooledBackend, cfg.Reporter)
	if err != nil {
		return nil, err
	}
	d.sourceBld = sbPipeline

	d.solver = &solve.Solver{
		ResolveSourceMetadata: d.resolveSourceMetadataForSolve,
		Conda:                 cfg.CondaSolver,
	}
	d.installer = &install.Installer{
		Build:    d.buildSourceForInstall,
		LowLevel: cfg.LowLevelInstaller,
	}
	return d, nil
}

// Close releases every resource a Dispatcher holds: pooled backend child
// processes and the processor's Serial loop, if any. Errors from each are
// aggregated rather than short-circuited, so one failing backend's Close
// doesn't hide another's (grounded in the teacher's use of
// hashicorp/go-multierror for exactly this shape of "collect every error,
// don't stop at the first" cleanup).
func (d *Dispatcher) Close() error {
	var result *multierror.Error
	if err := d.backends.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}
	d.proc.Close()
	return result.ErrorOrNil()
}

func (d *Dispatcher) pooledBackend(ctx context.Context, checkoutPath, tool string) (backend.Backend, error) {
	return d.backends.Get(ctx, checkoutPath, tool, func(ctx context.Context) (backend.Backend, error) {
		return d.newBackendFn(ctx, checkoutPath, tool)
	})
}

func (d *Dispatcher) spawnBackend(ctx context.Context, checkoutPath, tool string) (backend.Backend, error) {
	b, err := backend.NewJSONRPC(ctx, tool, nil)
	if err != nil {
		return nil, err
	}
	if err := b.Initialize(ctx, nil, checkoutPath, nil); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// requestID returns a fresh uuid. InstantiateToolEnvironment uses it to tag
// the log line it writes when called at top level; the id is not stored in
// the context, so the nested tasks it spawns do not carry it.
func requestID() string {
	return uuid.New().String()
}

// GitCheckout resolves and materializes a git source, deduplicated by
// (url, reference) across every concurrent caller (§4.3, §4.9 kind
// "git-checkout").
func (d *Dispatcher) GitCheckout(ctx context.Context, url string, ref pixitypes.GitReference, subdirectory string) (*pixitypes.SourceCheckout, error) {
	parent := ParentFromContext(ctx)
	key := url + "#" + ref.Name + fmt.Sprintf("#%d", ref.Kind)
	release, err := d.proc.acquire(ctx, resourceDownload)
	if err != nil {
		return nil, err
	}
	defer release()
	return Submit(ctx, d.proc, reporter.KindGitCheckout, key, parent, "git "+url, func(ctx context.Context) (*pixitypes.SourceCheckout, error) {
		return d.git.Checkout(ctx, url, ref, subdirectory)
	})
}

// URLCheckout downloads and extracts a URL source, deduplicated by sha256
// when known, else by URL (§4.3, §4.9 kind "url-checkout").
func (d *Dispatcher) URLCheckout(ctx context.Context, rawURL, md5Expected, sha256Expected string) (*pixitypes.SourceCheckout, error) {
	parent := ParentFromContext(ctx)
	key := sha256Expected
	if key == "" {
		key = rawURL
	}
	release, err := d.proc.acquire(ctx, resourceDownload)
	if err != nil {
		return nil, err
	}
	defer release()
	return Submit(ctx, d.proc, reporter.KindURLCheckout, key, parent, "url "+rawURL, func(ctx context.Context) (*pixitypes.SourceCheckout, error) {
		return d.urlckout.Checkout(ctx, rawURL, md5Expected, sha256Expected)
	})
}

// pinSource resolves a SourceSpec to a SourceCheckout via the appropriate
// engine, going through the dispatcher's own task kinds for Git/URL so the
// checkout is deduplicated with any other caller wanting the same source
// (§4.5 step 1, §4.6 step 1).
func (d *Dispatcher) pinSource(ctx context.Context, spec pixitypes.SourceSpec) (*pixitypes.SourceCheckout, error) {
	switch spec.Kind {
	case pixitypes.SourceGit:
		return d.GitCheckout(ctx, spec.GitURL, spec.GitReference, spec.GitSubdirectory)
	case pixitypes.SourceURL:
		return d.URLCheckout(ctx, spec.URL, spec.URLMd5, spec.URLSha256)
	default:
		return &pixitypes.SourceCheckout{
			Pinned: pixitypes.PinnedSourceSpec{Kind: pixitypes.SourcePath, Path: spec.Path},
			Path:   spec.Path,
		}, nil
	}
}

// SourceMetadataRequest is the public input to SourceMetadata, mirroring
// sourcemetadata.Spec but expressed in terms of an unpinned SourceSpec
// (pinning happens inside the call, via the dispatcher's own checkout task
// kinds).
type SourceMetadataRequest struct {
	Source           pixitypes.SourceSpec
	Channels         []string
	BuildEnvironment pixitypes.BuildEnvironment
	Variants         variant.Variant
	EnabledProtocols []string
}

// SourceMetadata pins req.Source and discovers/queries its build backend
// for conda/outputs, consulting and populating the C1/C2 cache (§4.5,
// §4.9 kind "source-metadata").
func (d *Dispatcher) SourceMetadata(ctx context.Context, req SourceMetadataRequest) ([]pixitypes.UnresolvedSourceRecord, pixitypes.PinnedSourceSpec, error) {
	checkout, err := d.pinSource(ctx, req.Source)
	if err != nil {
		return nil, pixitypes.PinnedSourceSpec{}, err
	}

	parent := ParentFromContext(ctx)
	cacheKey := hash.SourceMetadataKey(req.Channels, req.BuildEnvironment, req.Variants, req.EnabledProtocols)
	dedupKey := cacheKey + "@" + checkout.Path

	result, err := Submit(ctx, d.proc, reporter.KindSourceMetadata, dedupKey, parent, "metadata for "+checkout.Path, func(ctx context.Context) (*sourcemetadata.CachedMetadata, error) {
		return d.sourceMeta.Resolve(ctx, cacheKey, sourcemetadata.Spec{
			Checkout:         *checkout,
			Channels:         req.Channels,
			BuildEnvironment: req.BuildEnvironment,
			Variants:         []map[string]interface{}{variantToMap(req.Variants)},
			EnabledProtocols: req.EnabledProtocols,
		})
	})
	if err != nil {
		return nil, pixitypes.PinnedSourceSpec{}, err
	}
	// Defensive copy: the cache's own in-memory entry (if the filecache
	// implementation ever keeps one) must never be mutated by a caller
	// through the slice returned here.
	records := deepcopy.Copy(result.Records).([]pixitypes.UnresolvedSourceRecord)
	return records, checkout.Pinned, nil
}

func (d *Dispatcher) resolveSourceMetadataForSolve(ctx context.Context, spec pixitypes.SourceSpec) ([]pixitypes.UnresolvedSourceRecord, pixitypes.PinnedSourceSpec, error) {
	return d.SourceMetadata(ctx, SourceMetadataRequest{Source: spec})
}

func variantToMap(v variant.Variant) map[string]interface{} {
	out := make(map[string]interface{}, len(v))
	for _, k := range v.Keys() {
		out[k] = v[k].String()
	}
	return out
}

// SourceBuildRequest is the public input to SourceBuild.
type SourceBuildRequest struct {
	Checkout         pixitypes.SourceCheckout
	Output           backend.CondaOutput
	ChannelURLs      []string
	BuildEnvironment pixitypes.BuildEnvironment
	BuildPrefix      string
	HostPrefix       string
	WorkDir          string
	OutputDir        string
}

// SourceBuild invokes the resolved build backend's conda/build-v1 for one
// package output, caching the resulting artifact (§4.6, §4.9 kind
// "source-build").
func (d *Dispatcher) SourceBuild(ctx context.Context, req SourceBuildRequest) (*sourcebuild.CachedBuild, error) {
	parent := ParentFromContext(ctx)
	key := hash.BuildInput(req.ChannelURLs, req.Output.Name, req.Output.Version, req.Output.Build, req.Output.Subdir, req.BuildEnvironment)

	release, err := d.proc.acquire(ctx, resourceBuild)
	if err != nil {
		return nil, err
	}
	defer release()

	return Submit(ctx, d.proc, reporter.KindSourceBuild, key, parent, "build "+req.Output.Name, func(ctx context.Context) (*sourcebuild.CachedBuild, error) {
		reporterID := d.proc.reporterIDFor(ParentFromContext(ctx))
		return d.sourceBld.Build(ctx, key, reporterID, sourcebuild.Spec{
			Checkout:    req.Checkout,
			Output:      req.Output,
			BuildPrefix: req.BuildPrefix,
			HostPrefix:  req.HostPrefix,
			WorkDir:     req.WorkDir,
			OutputDir:   req.OutputDir,
		})
	})
}

// QuerySourceBuildCache implements the standalone query_source_build_cache
// task (SPEC_FULL.md component 5): a read-only probe that never triggers a
// build, for a front end deciding whether to warn about an upcoming
// rebuild (§4.9 kind "query-source-build-cache").
func (d *Dispatcher) QuerySourceBuildCache(ctx context.Context, channelURLs []string, name, version, build, subdir string, env pixitypes.BuildEnvironment) (sourcebuild.CacheStatus, error) {
	parent := ParentFromContext(ctx)
	key := hash.BuildInput(channelURLs, name, version, build, subdir, env)
	return Submit(ctx, d.proc, reporter.KindQuerySourceBuildCache, key, parent, "cache status for "+name, func(ctx context.Context) (sourcebuild.CacheStatus, error) {
		return d.sourceBld.QueryCache(ctx, key)
	})
}

func (d *Dispatcher) buildSourceForInstall(ctx context.Context, record pixitypes.SourceRecord) (string, error) {
	pinned := record.Source
	checkout, err := d.pinSource(ctx, pinnedToSpec(pinned))
	if err != nil {
		return "", err
	}
	tool, err := backend.Discover(checkout.Path)
	if err != nil {
		return "", err
	}
	output := backend.CondaOutput{
		Name:        record.PackageRecord.Name,
		Version:     record.PackageRecord.Version,
		Build:       record.PackageRecord.Build,
		BuildNumber: record.PackageRecord.BuildNumber,
		Subdir:      record.PackageRecord.Subdir,
		Depends:     record.PackageRecord.Depends,
		Constrains:  record.PackageRecord.Constrains,
	}
	built, err := d.SourceBuild(ctx, SourceBuildRequest{
		Checkout: *checkout,
		Output:   output,
	})
	if err != nil {
		return "", err
	}
	sklog.Infof("built %s via %s -> %s", record.PackageRecord.Name, tool, built.ArtifactPath)
	return built.ArtifactPath, nil
}

func pinnedToSpec(p pixitypes.PinnedSourceSpec) pixitypes.SourceSpec {
	switch p.Kind {
	case pixitypes.SourceGit:
		return pixitypes.GitSpec(p.GitURL, pixitypes.GitReference{Kind: pixitypes.GitRev, Name: p.GitSha}, p.GitSubdirectory)
	case pixitypes.SourceURL:
		return pixitypes.URLSpec(p.URL, "", p.URLSha256)
	default:
		return pixitypes.PathSpec(p.Path)
	}
}

// SolvePixi implements §4.7/§4.9 kind "solve-pixi": partition env into
// source and binary specs, recursively close the source dependency graph
// via nested SourceMetadata calls, and hand the remainder to the
// underlying conda solver.
func (d *Dispatcher) SolvePixi(ctx context.Context, env pixitypes.PixiEnvironmentSpec, key string) ([]pixitypes.PixiRecord, error) {
	parent := ParentFromContext(ctx)
	return Submit(ctx, d.proc, reporter.KindSolvePixi, key, parent, "solve", func(ctx context.Context) ([]pixitypes.PixiRecord, error) {
		release, err := d.proc.acquire(ctx, resourceSolve)
		if err != nil {
			return nil, err
		}
		defer release()
		records, err := d.solver.Solve(ctx, env)
		if err != nil {
			return nil, err
		}
		return deepcopy.Copy(records).([]pixitypes.PixiRecord), nil
	})
}

// InstallOptions mirrors install.Options at the Dispatcher boundary.
type InstallOptions = install.Options

// InstallPixi implements §4.8/§4.9 kind "install-pixi": build every source
// record via nested SourceBuild calls, then drive the low-level installer
// over the combined binary set.
func (d *Dispatcher) InstallPixi(ctx context.Context, prefix string, records []pixitypes.PixiRecord, opts InstallOptions) error {
	parent := ParentFromContext(ctx)
	key := prefix
	_, err := Submit(ctx, d.proc, reporter.KindInstallPixi, key, parent, "install to "+prefix, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.installer.Install(ctx, prefix, records, opts)
	})
	return err
}

// InstantiateToolEnvironment materializes a throwaway prefix containing
// exactly the tools a build backend needs to run (its own conda
// dependencies), by recursing into SolvePixi and InstallPixi for a
// synthetic, backend-declared environment spec (§4.9 kind
// "instantiate-tool-environment"). No other Dispatcher method calls it;
// SourceBuild does not use it to create a BuildPrefix or HostPrefix.
func (d *Dispatcher) InstantiateToolEnvironment(ctx context.Context, prefix string, env pixitypes.PixiEnvironmentSpec) error {
	parent := ParentFromContext(ctx)
	if parent == 0 {
		sklog.Infof("[%s] instantiating tool environment at %s", requestID(), prefix)
	}
	key := prefix
	_, err := Submit(ctx, d.proc, reporter.KindInstantiateToolEnv, key, parent, "tool env for "+prefix, func(ctx context.Context) (struct{}, error) {
		records, err := d.SolvePixi(ctx, env, key+"-solve")
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, d.installer.Install(ctx, prefix, records, install.Options{})
	})
	return err
}
