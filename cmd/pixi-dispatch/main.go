// Command pixi-dispatch is a thin CLI harness over the dispatcher package:
// it reads a manifest-derived request as JSON, drives the requested
// pipeline, and writes the result as JSON, so the dispatcher's solve,
// install and source-build cache query operations are exercisable without
// embedding them in pixi itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	gitcheckout "pixi.build/dispatcher/go/checkout/git"
	urlcheckout "pixi.build/dispatcher/go/checkout/url"
	"pixi.build/dispatcher/go/dispatch"
	"pixi.build/dispatcher/go/filecache"
	"pixi.build/dispatcher/go/install"
	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/dispatcher/go/reporter"
	"pixi.build/dispatcher/go/solve"
	"pixi.build/go/cleanup"
	"pixi.build/go/sklog"
	"pixi.build/go/util"
)

// gcInterval and gcMaxAge bound the optional background cache sweep; the
// sweep only runs when --gc is set, since most CLI invocations are
// short-lived and a sweep that never fires once is pointless overhead.
const gcInterval = time.Hour
const gcMaxAge = 30 * 24 * time.Hour

var (
	cacheRoot      string
	gitCheckoutDir string
	urlCheckoutDir string
	maxDownloads   int64
	maxSolves      int64
	maxBuilds      int64
	outputPath     string
	inputPath      string
	quiet          bool
	gcEnabled      bool
)

func main() {
	cleanup.Enable()

	root := &cobra.Command{
		Use:   "pixi-dispatch",
		Short: "Drive the pixi command dispatcher's solve and install pipelines from the command line.",
	}
	root.PersistentFlags().StringVar(&cacheRoot, "cache-root", defaultCacheRoot(), "root directory for the source-metadata/source-build caches")
	root.PersistentFlags().StringVar(&gitCheckoutDir, "git-checkout-dir", "", "root directory for git checkouts (defaults under cache-root)")
	root.PersistentFlags().StringVar(&urlCheckoutDir, "url-checkout-dir", "", "root directory for URL checkouts (defaults under cache-root)")
	root.PersistentFlags().Int64Var(&maxDownloads, "max-concurrent-downloads", 0, "cap on concurrent checkouts (0 = default)")
	root.PersistentFlags().Int64Var(&maxSolves, "max-concurrent-solves", 0, "cap on concurrent solves (0 = default)")
	root.PersistentFlags().Int64Var(&maxBuilds, "max-concurrent-builds", 0, "cap on concurrent source builds (0 = default)")
	root.PersistentFlags().StringVarP(&inputPath, "input", "i", "-", "path to the request JSON, or - for stdin")
	root.PersistentFlags().StringVarP(&outputPath, "output", "o", "-", "path to write the result JSON, or - for stdout")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress the tree progress reporter on stderr")
	root.PersistentFlags().BoolVar(&gcEnabled, "gc", false, "run a periodic background sweep of stale caches and checkouts for the life of this process")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if gcEnabled {
			startGCSweep()
		}
	}

	root.AddCommand(solveCmd(), installCmd(), queryCacheCmd())

	if err := root.Execute(); err != nil {
		sklog.Fatal(err)
	}
}

// startGCSweep registers a cleanup.Repeat loop that periodically removes
// cache entries and checkouts older than gcMaxAge. It runs for the whole
// process lifetime once armed with --gc; cleanup.Enable (already called in
// main) makes sure a final sweep's cleanupFn still gets a chance to run on
// SIGINT/SIGTERM, though here it's a no-op since a sweep mid-tick is safe to
// simply abandon.
func startGCSweep() {
	ctx := context.Background()
	sweep := func() {
		for _, dir := range []string{
			filepath.Join(cacheRoot, "source-metadata"),
			filepath.Join(cacheRoot, "source-build"),
		} {
			if err := filecache.GC(ctx, dir, gcMaxAge); err != nil {
				sklog.Warningf("cache GC failed for %s: %s", dir, err)
			}
		}
		gitDir := gitCheckoutDir
		if gitDir == "" {
			gitDir = cacheRoot + "/checkouts/git"
		}
		if err := gitcheckout.GC(ctx, gitDir, gcMaxAge); err != nil {
			sklog.Warningf("git checkout GC failed for %s: %s", gitDir, err)
		}
		urlDir := urlCheckoutDir
		if urlDir == "" {
			urlDir = cacheRoot + "/checkouts/url"
		}
		if err := urlcheckout.GC(ctx, urlDir, gcMaxAge); err != nil {
			sklog.Warningf("url checkout GC failed for %s: %s", urlDir, err)
		}
	}
	cleanup.Repeat(gcInterval, sweep, func() {})
}

func defaultCacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pixi-dispatch-cache"
	}
	return home + "/.cache/pixi-dispatch"
}

func newDispatcher() (*dispatch.Dispatcher, error) {
	var rep reporter.Reporter = reporter.NopReporter{}
	if !quiet {
		rep = reporter.NewTreeReporter(os.Stderr)
	}
	gitDir := gitCheckoutDir
	if gitDir == "" {
		gitDir = cacheRoot + "/checkouts/git"
	}
	urlDir := urlCheckoutDir
	if urlDir == "" {
		urlDir = cacheRoot + "/checkouts/url"
	}
	return dispatch.New(dispatch.Config{
		CacheRoot:      cacheRoot,
		GitCheckoutDir: gitDir,
		URLCheckoutDir: urlDir,
		Policy:         dispatch.Parallel,
		Limits: dispatch.Limits{
			MaxConcurrentDownloads: maxDownloads,
			MaxConcurrentSolves:    maxSolves,
			MaxConcurrentBuilds:    maxBuilds,
		},
		Reporter:          rep,
		CondaSolver:       passthroughCondaSolver{},
		LowLevelInstaller: loggingInstaller{},
	})
}

func readInput(v interface{}) error {
	if inputPath == "-" {
		return json.NewDecoder(os.Stdin).Decode(v)
	}
	return util.WithReadFile(inputPath, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(v)
	})
}

// writeOutput serializes v and writes it to outputPath, using the same
// atomic-rename pattern the teacher's code-generation tools use for any
// output that downstream tooling might read mid-write.
func writeOutput(v interface{}) error {
	if outputPath == "-" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return util.WithWriteFile(outputPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func solveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "solve",
		Short: "Resolve a pixi environment spec into a list of binary and source records.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var env pixitypes.PixiEnvironmentSpec
			if err := readInput(&env); err != nil {
				return fmt.Errorf("reading environment spec: %w", err)
			}
			d, err := newDispatcher()
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			records, err := d.SolvePixi(context.Background(), env, "cli-solve")
			if err != nil {
				return err
			}
			return writeOutput(records)
		},
	}
}

func installCmd() *cobra.Command {
	var prefix string
	var forceReinstall []string
	var runLinkScripts bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a resolved record list (from `solve`) into a prefix.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []pixitypes.PixiRecord
			if err := readInput(&records); err != nil {
				return fmt.Errorf("reading record list: %w", err)
			}
			d, err := newDispatcher()
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			return d.InstallPixi(context.Background(), prefix, records, install.Options{
				ForceReinstall: util.NewStringSet(forceReinstall...),
				RunLinkScripts: runLinkScripts,
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "target conda prefix directory")
	cmd.Flags().StringSliceVar(&forceReinstall, "force-reinstall", nil, "conda-meta record file names (e.g. numpy-1.0-0.json) to reinstall even if already present")
	cmd.Flags().BoolVar(&runLinkScripts, "run-link-scripts", true, "run post-link/pre-unlink scripts during install")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func queryCacheCmd() *cobra.Command {
	var channels []string
	var name, version, build, subdir, hostPlatform string
	cmd := &cobra.Command{
		Use:   "query-cache",
		Short: "Report whether a source build is already cached, without building it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDispatcher()
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			status, err := d.QuerySourceBuildCache(context.Background(), channels, name, version, build, subdir, pixitypes.BuildEnvironment{HostPlatform: hostPlatform})
			if err != nil {
				return err
			}
			return writeOutput(status)
		},
	}
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "channel URL (repeatable)")
	cmd.Flags().StringVar(&name, "name", "", "package name")
	cmd.Flags().StringVar(&version, "version", "", "package version")
	cmd.Flags().StringVar(&build, "build", "", "build string")
	cmd.Flags().StringVar(&subdir, "subdir", "", "target subdir")
	cmd.Flags().StringVar(&hostPlatform, "host-platform", "", "host platform")
	return cmd
}

// passthroughCondaSolver is the default CondaSolver: it treats every binary
// spec as already satisfied by its own synthetic record (name@spec with no
// real version matching), since the SAT-style solving algorithm itself is
// out of scope here. A real deployment supplies its own solve.CondaSolver.
type passthroughCondaSolver struct{}

func (passthroughCondaSolver) Solve(ctx context.Context, req solve.CondaSolveRequest) ([]pixitypes.RepoDataRecord, error) {
	records := make([]pixitypes.RepoDataRecord, 0, len(req.BinarySpecs)+len(req.SyntheticRecords))
	records = append(records, req.SyntheticRecords...)
	for _, spec := range req.BinarySpecs {
		records = append(records, pixitypes.RepoDataRecord{
			PackageRecord: pixitypes.PackageRecord{
				Name:    spec.Name,
				Version: spec.VersionSpec,
				Subdir:  req.BuildEnvironment.HostPlatform,
			},
		})
	}
	return records, nil
}

// loggingInstaller is the default LowLevelInstaller: it logs what it would
// install rather than performing real hardlinking/entry-point generation,
// which §1 Non-goals names explicitly. A real deployment supplies its own
// install.LowLevelInstaller backed by the actual prefix installer.
type loggingInstaller struct{}

func (loggingInstaller) Install(ctx context.Context, req install.InstallRequest) error {
	sklog.Infof("install: %d records into %s (%d already installed, force-reinstall=%v)",
		len(req.Target), req.Prefix, len(req.Installed), req.ForceReinstall.Keys())
	return nil
}
