package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixi.build/dispatcher/go/backend"
	"pixi.build/dispatcher/go/install"
	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/dispatcher/go/solve"
)

type fakeDispatchBackend struct {
	outputs      []backend.CondaOutput
	outputFile   string
	caps         backend.Capabilities
	outputsCalls int
}

func (f *fakeDispatchBackend) Initialize(ctx context.Context, project backend.ProjectModel, manifestPath string, config backend.Configuration) error {
	return nil
}
func (f *fakeDispatchBackend) Capabilities() backend.Capabilities    { return f.caps }
func (f *fakeDispatchBackend) NegotiatedVersion() backend.APIVersion { return backend.APIVersionV1 }
func (f *fakeDispatchBackend) Identifier() string                   { return "fake" }
func (f *fakeDispatchBackend) CondaOutputs(ctx context.Context, req backend.CondaOutputsRequest) (*backend.CondaOutputsResponse, error) {
	f.outputsCalls++
	return &backend.CondaOutputsResponse{Outputs: f.outputs}, nil
}
func (f *fakeDispatchBackend) CondaBuildV1(ctx context.Context, req backend.CondaBuildV1Request, onLine backend.OutputLineHandler) (*backend.CondaBuildV1Response, error) {
	return &backend.CondaBuildV1Response{OutputFile: f.outputFile}, nil
}
func (f *fakeDispatchBackend) Close() error { return nil }

type fakeCondaSolver struct{}

func (fakeCondaSolver) Solve(ctx context.Context, req solve.CondaSolveRequest) ([]pixitypes.RepoDataRecord, error) {
	out := append([]pixitypes.RepoDataRecord{}, req.SyntheticRecords...)
	for _, spec := range req.BinarySpecs {
		out = append(out, pixitypes.RepoDataRecord{PackageRecord: pixitypes.PackageRecord{Name: spec.Name}})
	}
	return out, nil
}

type fakeLowLevelInstaller struct {
	req install.InstallRequest
}

func (f *fakeLowLevelInstaller) Install(ctx context.Context, req install.InstallRequest) error {
	f.req = req
	return nil
}

func newTestDispatcher(t *testing.T, fb *fakeDispatchBackend, ll *fakeLowLevelInstaller) *Dispatcher {
	d, err := New(Config{
		CacheRoot:         t.TempDir(),
		GitCheckoutDir:    t.TempDir(),
		URLCheckoutDir:    t.TempDir(),
		CondaSolver:       fakeCondaSolver{},
		LowLevelInstaller: ll,
		BackendSpawner: func(ctx context.Context, checkoutPath, tool string) (backend.Backend, error) {
			return fb, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// sourceDir returns a fresh Path source directory holding a build marker
// file, so backend.Discover recognizes it.
func sourceDir(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pixi-build.toml"), nil, 0o644))
	return dir
}

func TestSourceMetadata_PathSourceQueriesBackendAndCaches(t *testing.T) {
	fb := &fakeDispatchBackend{
		caps:    backend.Capabilities{ProvidesCondaOutputs: true},
		outputs: []backend.CondaOutput{{Name: "mypkg", Version: "1.0"}},
	}
	d := newTestDispatcher(t, fb, &fakeLowLevelInstaller{})

	records, pinned, err := d.SourceMetadata(context.Background(), SourceMetadataRequest{
		Source: pixitypes.PathSpec(sourceDir(t)),
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "mypkg", records[0].PackageRecord.Name)
	assert.Equal(t, pixitypes.SourcePath, pinned.Kind)
}

func TestSourceMetadata_DedupesRepeatedCallsForSameCheckout(t *testing.T) {
	fb := &fakeDispatchBackend{
		caps:    backend.Capabilities{ProvidesCondaOutputs: true},
		outputs: []backend.CondaOutput{{Name: "mypkg"}},
	}
	d := newTestDispatcher(t, fb, &fakeLowLevelInstaller{})
	path := sourceDir(t)

	req := SourceMetadataRequest{Source: pixitypes.PathSpec(path)}
	_, _, err1 := d.SourceMetadata(context.Background(), req)
	_, _, err2 := d.SourceMetadata(context.Background(), req)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, 1, fb.outputsCalls)
}

func TestSolvePixi_PartitionsBinaryAndSourceDependencies(t *testing.T) {
	fb := &fakeDispatchBackend{
		caps:    backend.Capabilities{ProvidesCondaOutputs: true},
		outputs: []backend.CondaOutput{{Name: "mypkg", Version: "2.0"}},
	}
	d := newTestDispatcher(t, fb, &fakeLowLevelInstaller{})

	env := pixitypes.PixiEnvironmentSpec{
		Dependencies: map[string]pixitypes.PixiSpec{
			"numpy": {Kind: pixitypes.SpecBinary, Name: "numpy"},
			"mypkg": {Kind: pixitypes.SpecSource, Name: "mypkg", Source: pixitypes.PathSpec(sourceDir(t))},
		},
	}
	records, err := d.SolvePixi(context.Background(), env, "solve-key")
	require.NoError(t, err)

	names := map[string]bool{}
	for _, r := range records {
		names[r.Name()] = true
	}
	assert.True(t, names["numpy"])
	assert.True(t, names["mypkg"])
}

func TestInstallPixi_DrivesLowLevelInstaller(t *testing.T) {
	fb := &fakeDispatchBackend{caps: backend.Capabilities{ProvidesCondaOutputs: true}}
	ll := &fakeLowLevelInstaller{}
	d := newTestDispatcher(t, fb, ll)

	prefix := t.TempDir()
	records := []pixitypes.PixiRecord{
		{Kind: pixitypes.RecordBinary, Binary: pixitypes.RepoDataRecord{PackageRecord: pixitypes.PackageRecord{Name: "numpy"}}},
	}
	err := d.InstallPixi(context.Background(), prefix, records, InstallOptions{})
	require.NoError(t, err)
	assert.Equal(t, prefix, ll.req.Prefix)
	require.Len(t, ll.req.Target, 1)
	assert.Equal(t, "numpy", ll.req.Target[0].Name)
}

func TestInstantiateToolEnvironment_SolvesThenInstalls(t *testing.T) {
	fb := &fakeDispatchBackend{caps: backend.Capabilities{ProvidesCondaOutputs: true}}
	ll := &fakeLowLevelInstaller{}
	d := newTestDispatcher(t, fb, ll)

	prefix := t.TempDir()
	env := pixitypes.PixiEnvironmentSpec{
		Dependencies: map[string]pixitypes.PixiSpec{
			"compiler": {Kind: pixitypes.SpecBinary, Name: "compiler"},
		},
	}
	err := d.InstantiateToolEnvironment(context.Background(), prefix, env)
	require.NoError(t, err)
	require.Len(t, ll.req.Target, 1)
	assert.Equal(t, "compiler", ll.req.Target[0].Name)
}

func TestQuerySourceBuildCache_MissBeforeAnyBuild(t *testing.T) {
	fb := &fakeDispatchBackend{caps: backend.Capabilities{ProvidesCondaOutputs: true}}
	d := newTestDispatcher(t, fb, &fakeLowLevelInstaller{})

	status, err := d.QuerySourceBuildCache(context.Background(), nil, "mypkg", "1.0", "0", "linux-64", pixitypes.BuildEnvironment{})
	require.NoError(t, err)
	assert.False(t, status.Hit)
}

func TestClose_IsIdempotentSafeToDeferAlongsideCleanup(t *testing.T) {
	fb := &fakeDispatchBackend{caps: backend.Capabilities{ProvidesCondaOutputs: true}}
	d, err := New(Config{
		CacheRoot:         t.TempDir(),
		GitCheckoutDir:    t.TempDir(),
		URLCheckoutDir:    t.TempDir(),
		CondaSolver:       fakeCondaSolver{},
		LowLevelInstaller: &fakeLowLevelInstaller{},
		BackendSpawner: func(ctx context.Context, checkoutPath, tool string) (backend.Backend, error) {
			return fb, nil
		},
	})
	require.NoError(t, err)
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}
