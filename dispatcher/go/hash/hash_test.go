package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/dispatcher/go/variant"
	"pixi.build/go/testutils"
)

func TestBuilder_DeterministicAcrossEquivalentInput(t *testing.T) {
	testutils.SmallTest(t)
	v1 := variant.Variant{"arch": variant.String("x86"), "debug": variant.Bool(true)}
	v2 := variant.Variant{"debug": variant.Bool(true), "arch": variant.String("x86")}

	h1 := New().WriteVariant("variants", v1).String()
	h2 := New().WriteVariant("variants", v2).String()
	assert.Equal(t, h1, h2, "map construction order must not affect the digest")
}

func TestBuilder_DiscriminantsPreventFieldCollisions(t *testing.T) {
	testutils.SmallTest(t)
	// Same bytes in two different field positions must not collide.
	a := New().WriteString("name", "foo").WriteString("version", "").String()
	b := New().WriteString("name", "").WriteString("version", "foo").String()
	assert.NotEqual(t, a, b)
}

func TestBuilder_OptStringPresentVsAbsentNeverCollide(t *testing.T) {
	testutils.SmallTest(t)
	empty := ""
	withEmpty := New().WriteOptString("tag", &empty).String()
	absent := New().WriteOptString("tag", nil).String()
	assert.NotEqual(t, withEmpty, absent)
}

func TestBuilder_WriteFloatNormalizesNegativeZero(t *testing.T) {
	testutils.SmallTest(t)
	posZero := New().WriteFloat("f", 0.0).String()
	negZero := New().WriteFloat("f", -0.0).String()
	// -0.0 is parsed as a positive zero by the Go compiler, so this mostly
	// documents WriteFloat's defensive normalization of runtime-computed
	// -0.0 values (e.g. -x where x == 0.0).
	assert.Equal(t, posZero, negZero)
}

func TestBuilder_WriteJSONCanonicalizesKeyOrder(t *testing.T) {
	testutils.SmallTest(t)
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}
	assert.Equal(t, New().WriteJSON("x", a).String(), New().WriteJSON("x", b).String())
}

func TestSourceMetadataKey_StableAndSensitive(t *testing.T) {
	testutils.SmallTest(t)
	env := pixiBuildEnv()
	v := variant.Variant{"mpi": variant.String("openmpi")}

	k1 := SourceMetadataKey([]string{"https://conda.anaconda.org/conda-forge"}, env, v, []string{"project"})
	k2 := SourceMetadataKey([]string{"https://conda.anaconda.org/conda-forge"}, env, v, []string{"project"})
	assert.Equal(t, k1, k2)

	k3 := SourceMetadataKey([]string{"https://conda.anaconda.org/conda-forge"}, env, v, []string{"other"})
	assert.NotEqual(t, k1, k3)
}

func TestBuildInput_DiffersByAnyField(t *testing.T) {
	testutils.SmallTest(t)
	env := pixiBuildEnv()
	base := BuildInput([]string{"c"}, "numpy", "1.0", "build0", "linux-64", env)
	diffName := BuildInput([]string{"c"}, "scipy", "1.0", "build0", "linux-64", env)
	assert.NotEqual(t, base, diffName)
}

func TestShortHash_TruncatedAndStable(t *testing.T) {
	testutils.SmallTest(t)
	a := ShortHash("https://github.com/example/repo.git")
	b := ShortHash("https://github.com/example/repo.git")
	assert.Equal(t, a, b)
	assert.LessOrEqual(t, len(a), 16)
}

func pixiBuildEnv() pixitypes.BuildEnvironment {
	return pixitypes.BuildEnvironment{
		HostPlatform:         "linux-64",
		HostVirtualPackages:  []string{"__glibc"},
		BuildPlatform:        "linux-64",
		BuildVirtualPackages: []string{"__glibc"},
	}
}
