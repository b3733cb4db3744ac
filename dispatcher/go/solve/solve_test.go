package solve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/go/testutils"
)

type fakeCondaSolver struct {
	req CondaSolveRequest
}

func (f *fakeCondaSolver) Solve(ctx context.Context, req CondaSolveRequest) ([]pixitypes.RepoDataRecord, error) {
	f.req = req
	out := make([]pixitypes.RepoDataRecord, 0, len(req.BinarySpecs)+len(req.SyntheticRecords))
	for _, spec := range req.BinarySpecs {
		out = append(out, pixitypes.RepoDataRecord{
			PackageRecord: pixitypes.PackageRecord{Name: spec.Name, Version: "1.0"},
			URL:           "https://example.com/" + spec.Name + "-1.0.conda",
		})
	}
	out = append(out, req.SyntheticRecords...)
	return out, nil
}

func binarySpec(name string) pixitypes.PixiSpec {
	return pixitypes.PixiSpec{Kind: pixitypes.SpecBinary, Name: name}
}

func sourceSpec(name string, path string) pixitypes.PixiSpec {
	return pixitypes.PixiSpec{Kind: pixitypes.SpecSource, Name: name, Source: pixitypes.PathSpec(path)}
}

func TestSolve_PartitionsBinaryAndSourceSpecs(t *testing.T) {
	testutils.SmallTest(t)
	resolver := func(ctx context.Context, spec pixitypes.SourceSpec) ([]pixitypes.UnresolvedSourceRecord, pixitypes.PinnedSourceSpec, error) {
		return []pixitypes.UnresolvedSourceRecord{{PackageRecord: pixitypes.PackageRecord{Name: "mypkg"}}},
			pixitypes.PinnedSourceSpec{Kind: pixitypes.SourcePath, Path: spec.Path}, nil
	}
	conda := &fakeCondaSolver{}
	s := &Solver{ResolveSourceMetadata: resolver, Conda: conda}

	env := pixitypes.PixiEnvironmentSpec{Dependencies: map[string]pixitypes.PixiSpec{
		"numpy":  binarySpec("numpy"),
		"mypkg":  sourceSpec("mypkg", "/src/mypkg"),
	}}
	records, err := s.Solve(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var sawBinary, sawSource bool
	for _, r := range records {
		if r.Kind == pixitypes.RecordBinary && r.Name() == "numpy" {
			sawBinary = true
		}
		if r.Kind == pixitypes.RecordSource && r.Name() == "mypkg" {
			sawSource = true
			assert.Equal(t, "/src/mypkg", r.Source.Source.Path)
		}
	}
	assert.True(t, sawBinary)
	assert.True(t, sawSource)
}

func TestSolve_RecursesIntoSourceDependencies(t *testing.T) {
	testutils.SmallTest(t)
	resolver := func(ctx context.Context, spec pixitypes.SourceSpec) ([]pixitypes.UnresolvedSourceRecord, pixitypes.PinnedSourceSpec, error) {
		if spec.Path == "/src/top" {
			return []pixitypes.UnresolvedSourceRecord{{
				PackageRecord: pixitypes.PackageRecord{Name: "top"},
				Dependencies:  []pixitypes.PixiSpec{sourceSpec("bottom", "/src/bottom")},
			}}, pixitypes.PinnedSourceSpec{Kind: pixitypes.SourcePath, Path: spec.Path}, nil
		}
		return []pixitypes.UnresolvedSourceRecord{{PackageRecord: pixitypes.PackageRecord{Name: "bottom"}}},
			pixitypes.PinnedSourceSpec{Kind: pixitypes.SourcePath, Path: spec.Path}, nil
	}
	conda := &fakeCondaSolver{}
	s := &Solver{ResolveSourceMetadata: resolver, Conda: conda}

	env := pixitypes.PixiEnvironmentSpec{Dependencies: map[string]pixitypes.PixiSpec{
		"top": sourceSpec("top", "/src/top"),
	}}
	records, err := s.Solve(context.Background(), env)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, r := range records {
		names[r.Name()] = true
	}
	assert.True(t, names["top"])
	assert.True(t, names["bottom"], "a source dependency discovered via a resolved output's Dependencies must itself be resolved")
}

func TestSolve_BinaryDependencyOfSourcePackageFeedsCondaSolver(t *testing.T) {
	testutils.SmallTest(t)
	resolver := func(ctx context.Context, spec pixitypes.SourceSpec) ([]pixitypes.UnresolvedSourceRecord, pixitypes.PinnedSourceSpec, error) {
		return []pixitypes.UnresolvedSourceRecord{{
			PackageRecord: pixitypes.PackageRecord{Name: "mypkg"},
			Dependencies:  []pixitypes.PixiSpec{binarySpec("zlib")},
		}}, pixitypes.PinnedSourceSpec{}, nil
	}
	conda := &fakeCondaSolver{}
	s := &Solver{ResolveSourceMetadata: resolver, Conda: conda}

	env := pixitypes.PixiEnvironmentSpec{Dependencies: map[string]pixitypes.PixiSpec{
		"mypkg": sourceSpec("mypkg", "/src/mypkg"),
	}}
	_, err := s.Solve(context.Background(), env)
	require.NoError(t, err)

	var sawZlib bool
	for _, spec := range conda.req.BinarySpecs {
		if spec.Name == "zlib" {
			sawZlib = true
		}
	}
	assert.True(t, sawZlib, "a binary dependency discovered underneath a source package must reach the conda solver request")
}

func TestSolve_CycleInSourceDependenciesIsRejected(t *testing.T) {
	testutils.SmallTest(t)
	resolver := func(ctx context.Context, spec pixitypes.SourceSpec) ([]pixitypes.UnresolvedSourceRecord, pixitypes.PinnedSourceSpec, error) {
		if spec.Path == "/src/a" {
			return []pixitypes.UnresolvedSourceRecord{{
				PackageRecord: pixitypes.PackageRecord{Name: "a"},
				Dependencies:  []pixitypes.PixiSpec{sourceSpec("b", "/src/b")},
			}}, pixitypes.PinnedSourceSpec{}, nil
		}
		return []pixitypes.UnresolvedSourceRecord{{
			PackageRecord: pixitypes.PackageRecord{Name: "b"},
			Dependencies:  []pixitypes.PixiSpec{sourceSpec("a", "/src/a")},
		}}, pixitypes.PinnedSourceSpec{}, nil
	}
	s := &Solver{ResolveSourceMetadata: resolver, Conda: &fakeCondaSolver{}}

	env := pixitypes.PixiEnvironmentSpec{Dependencies: map[string]pixitypes.PixiSpec{
		"a": sourceSpec("a", "/src/a"),
	}}
	_, err := s.Solve(context.Background(), env)
	require.Error(t, err)
	var cycleErr *Cycle
	assert.ErrorAs(t, err, &cycleErr)
}

func TestSolve_ResolverErrorPropagates(t *testing.T) {
	testutils.SmallTest(t)
	boom := assert.AnError
	resolver := func(ctx context.Context, spec pixitypes.SourceSpec) ([]pixitypes.UnresolvedSourceRecord, pixitypes.PinnedSourceSpec, error) {
		return nil, pixitypes.PinnedSourceSpec{}, boom
	}
	s := &Solver{ResolveSourceMetadata: resolver, Conda: &fakeCondaSolver{}}

	env := pixitypes.PixiEnvironmentSpec{Dependencies: map[string]pixitypes.PixiSpec{
		"mypkg": sourceSpec("mypkg", "/src/mypkg"),
	}}
	_, err := s.Solve(context.Background(), env)
	assert.ErrorIs(t, err, boom)
}
