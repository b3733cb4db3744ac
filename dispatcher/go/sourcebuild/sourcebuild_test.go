package sourcebuild

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixi.build/dispatcher/go/backend"
	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/dispatcher/go/reporter"
	"pixi.build/go/testutils"
)

type fakeBackend struct {
	outputFile string
	inputGlobs []string
	calls      int
	lines      []string
	caps       backend.Capabilities
}

func (f *fakeBackend) Initialize(ctx context.Context, project backend.ProjectModel, manifestPath string, config backend.Configuration) error {
	return nil
}
func (f *fakeBackend) Capabilities() backend.Capabilities    { return f.caps }
func (f *fakeBackend) NegotiatedVersion() backend.APIVersion { return backend.APIVersionV1 }
func (f *fakeBackend) Identifier() string                   { return "fake" }
func (f *fakeBackend) CondaOutputs(ctx context.Context, req backend.CondaOutputsRequest) (*backend.CondaOutputsResponse, error) {
	return nil, nil
}
func (f *fakeBackend) CondaBuildV1(ctx context.Context, req backend.CondaBuildV1Request, onLine backend.OutputLineHandler) (*backend.CondaBuildV1Response, error) {
	f.calls++
	onLine("compiling foo.c")
	onLine("linking foo.so")
	return &backend.CondaBuildV1Response{OutputFile: f.outputFile, InputGlobs: f.inputGlobs}, nil
}
func (f *fakeBackend) Close() error { return nil }

func newTestPipeline(t *testing.T, fb *fakeBackend, rep reporter.Reporter) *Pipeline {
	p, err := NewPipeline(t.TempDir(),
		func(checkoutPath string) (string, error) { return "fake-tool", nil },
		func(ctx context.Context, checkoutPath, tool string) (backend.Backend, error) { return fb, nil },
		rep,
	)
	require.NoError(t, err)
	return p
}

func writeArtifact(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "pkg-1.0-0.conda")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestBuild_MissInvokesBackendAndHashesArtifact(t *testing.T) {
	testutils.SmallTest(t)
	artifact := writeArtifact(t, "archive-bytes")
	fb := &fakeBackend{
		outputFile: artifact,
		inputGlobs: []string{"recipe.yaml"},
		caps:       backend.Capabilities{ProvidesCondaBuildV1: true},
	}
	p := newTestPipeline(t, fb, nil)

	result, err := p.Build(context.Background(), "key1", 0, Spec{
		Checkout: pixitypes.SourceCheckout{Path: t.TempDir()},
		Output:   backend.CondaOutput{Name: "numpy"},
	})
	require.NoError(t, err)

	want := sha256.Sum256([]byte("archive-bytes"))
	assert.Equal(t, hex.EncodeToString(want[:]), result.Sha256)
	assert.Equal(t, int64(len("archive-bytes")), result.Size)
	assert.Equal(t, []string{"recipe.yaml"}, result.InputGlobs)
	assert.Equal(t, 1, fb.calls)
}

func TestBuild_CacheHitWithExistingArtifactSkipsBackend(t *testing.T) {
	testutils.SmallTest(t)
	artifact := writeArtifact(t, "archive-bytes")
	fb := &fakeBackend{
		outputFile: artifact,
		caps:       backend.Capabilities{ProvidesCondaBuildV1: true},
	}
	p := newTestPipeline(t, fb, nil)
	spec := Spec{Checkout: pixitypes.SourceCheckout{Path: t.TempDir()}, Output: backend.CondaOutput{Name: "numpy"}}

	_, err := p.Build(context.Background(), "key1", 0, spec)
	require.NoError(t, err)
	_, err = p.Build(context.Background(), "key1", 0, spec)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.calls, "a cached artifact that still exists on disk must not trigger a rebuild")
}

func TestBuild_CacheHitWithMissingArtifactRebuilds(t *testing.T) {
	testutils.SmallTest(t)
	dir := t.TempDir()
	artifactA := filepath.Join(dir, "a.conda")
	require.NoError(t, os.WriteFile(artifactA, []byte("a"), 0o644))
	artifactB := filepath.Join(dir, "b.conda")
	require.NoError(t, os.WriteFile(artifactB, []byte("bb"), 0o644))

	fb := &fakeBackend{outputFile: artifactA, caps: backend.Capabilities{ProvidesCondaBuildV1: true}}
	p := newTestPipeline(t, fb, nil)
	spec := Spec{Checkout: pixitypes.SourceCheckout{Path: t.TempDir()}, Output: backend.CondaOutput{Name: "numpy"}}

	_, err := p.Build(context.Background(), "key1", 0, spec)
	require.NoError(t, err)
	require.NoError(t, os.Remove(artifactA))

	fb.outputFile = artifactB
	result, err := p.Build(context.Background(), "key1", 0, spec)
	require.NoError(t, err)
	assert.Equal(t, 2, fb.calls, "a cached artifact that has vanished from disk must trigger a rebuild")
	assert.Equal(t, artifactB, result.ArtifactPath)
}

func TestBuild_RejectsBackendWithoutCondaBuildV1(t *testing.T) {
	testutils.SmallTest(t)
	fb := &fakeBackend{caps: backend.Capabilities{ProvidesCondaBuildV1: false}}
	p := newTestPipeline(t, fb, nil)

	_, err := p.Build(context.Background(), "key1", 0, Spec{Checkout: pixitypes.SourceCheckout{Path: t.TempDir()}})
	require.Error(t, err)
	var incompatErr *backend.ErrIncompatibleAPI
	assert.ErrorAs(t, err, &incompatErr)
}

type recordingReporter struct {
	reporter.NopReporter
	lines []string
}

func (r *recordingReporter) OnOutputLine(id reporter.ID, line string) {
	r.lines = append(r.lines, line)
}

func TestBuild_StreamsOutputLinesToReporter(t *testing.T) {
	testutils.SmallTest(t)
	artifact := writeArtifact(t, "x")
	fb := &fakeBackend{outputFile: artifact, caps: backend.Capabilities{ProvidesCondaBuildV1: true}}
	rep := &recordingReporter{}
	p := newTestPipeline(t, fb, rep)

	_, err := p.Build(context.Background(), "key1", 0, Spec{Checkout: pixitypes.SourceCheckout{Path: t.TempDir()}})
	require.NoError(t, err)
	assert.Equal(t, []string{"compiling foo.c", "linking foo.so"}, rep.lines)
}

func TestQueryCache_MissReportsNotHit(t *testing.T) {
	testutils.SmallTest(t)
	p := newTestPipeline(t, &fakeBackend{}, nil)
	status, err := p.QueryCache(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, status.Hit)
}

func TestQueryCache_HitReturnsEntryWithoutInvokingBackend(t *testing.T) {
	testutils.SmallTest(t)
	artifact := writeArtifact(t, "x")
	fb := &fakeBackend{outputFile: artifact, caps: backend.Capabilities{ProvidesCondaBuildV1: true}}
	p := newTestPipeline(t, fb, nil)

	_, err := p.Build(context.Background(), "key1", 0, Spec{Checkout: pixitypes.SourceCheckout{Path: t.TempDir()}})
	require.NoError(t, err)

	status, err := p.QueryCache(context.Background(), "key1")
	require.NoError(t, err)
	require.True(t, status.Hit)
	assert.Equal(t, artifact, status.Entry.ArtifactPath)
	assert.Equal(t, 1, fb.calls)
}

func TestHashArtifact_MatchesIndependentSha256(t *testing.T) {
	testutils.SmallTest(t)
	var buf bytes.Buffer
	buf.WriteString("some bytes")
	path := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	digest, size, err := hashArtifact(path)
	require.NoError(t, err)
	want := sha256.Sum256(buf.Bytes())
	assert.Equal(t, hex.EncodeToString(want[:]), digest)
	assert.Equal(t, int64(buf.Len()), size)
}
