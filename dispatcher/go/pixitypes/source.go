// Package pixitypes holds the data model shared by every dispatcher
// component: source specs, pinned source specs, checkouts, package/pixi
// records, and the build environment description that feeds every
// architecture-sensitive cache key (§3 of the dispatcher design).
package pixitypes

// GitReferenceKind discriminates how a GitSpec's reference was phrased by
// the caller. Exactly one of these is resolved to a commit SHA before a
// GitSpec can become a PinnedSourceSpec.
type GitReferenceKind int

const (
	GitBranch GitReferenceKind = iota
	GitTag
	GitRev
	GitDefaultBranch
)

// GitReference is the unresolved pointer into a git repository that a
// GitSpec carries; Resolve (checkout/git) turns it into a commit SHA.
type GitReference struct {
	Kind GitReferenceKind
	// Name holds the branch or tag name for GitBranch/GitTag, or the
	// revision string for GitRev. Empty for GitDefaultBranch.
	Name string
}

// SourceKind discriminates SourceSpec's three variants.
type SourceKind int

const (
	SourcePath SourceKind = iota
	SourceGit
	SourceURL
)

// SourceSpec describes where a package's source lives, before any pinning
// has occurred. Exactly one of the Path/Git/URL-shaped fields is meaningful,
// selected by Kind — mirroring the tagged union in the original Rust model
// without resorting to an interface type, since every dispatcher cache key
// needs to hash a SourceSpec structurally regardless of which variant it is.
type SourceSpec struct {
	Kind SourceKind

	// Path variant. The directory is mutable: its contents may change
	// between dispatcher invocations, so cache validity additionally
	// depends on file mtimes (see UnresolvedSourceRecord.InputGlobs).
	Path string

	// Git variant.
	GitURL           string
	GitReference     GitReference
	GitSubdirectory  string

	// URL variant.
	URL        string
	URLMd5     string
	URLSha256  string
}

func PathSpec(path string) SourceSpec {
	return SourceSpec{Kind: SourcePath, Path: path}
}

func GitSpec(url string, ref GitReference, subdirectory string) SourceSpec {
	return SourceSpec{Kind: SourceGit, GitURL: url, GitReference: ref, GitSubdirectory: subdirectory}
}

func URLSpec(url, md5, sha256 string) SourceSpec {
	return SourceSpec{Kind: SourceURL, URL: url, URLMd5: md5, URLSha256: sha256}
}

// IsMutable reports whether this spec's checkout contents can change
// between dispatcher invocations without the spec itself changing — true
// only for Path sources.
func (s SourceSpec) IsMutable() bool {
	return s.Kind == SourcePath
}

// PinnedSourceSpec mirrors SourceSpec's variants but with all
// non-determinism resolved: Git carries a full commit SHA, URL carries a
// known sha256. Pinned Git and URL specs are immutable by construction;
// pinned Path specs remain mutable (there is nothing to pin).
type PinnedSourceSpec struct {
	Kind SourceKind

	Path string

	GitURL          string
	GitSha          string
	GitSubdirectory string

	URL       string
	URLSha256 string
}

// IsMutable reports whether the pinned spec's checkout contents can still
// change out from under the cache (true only for Path).
func (p PinnedSourceSpec) IsMutable() bool {
	return p.Kind == SourcePath
}

// SourceCheckout is a materialized copy of a pinned source on disk. Path is
// owned by the checkout cache (C3); no dispatcher component may mutate it
// in place.
type SourceCheckout struct {
	Pinned PinnedSourceSpec
	Path   string
}

// BuildEnvironment describes the host and build platforms a package is
// being resolved/built for. It participates in every cache key that depends
// on target or tool architecture (§3).
type BuildEnvironment struct {
	HostPlatform        string
	HostVirtualPackages []string
	BuildPlatform       string
	BuildVirtualPackages []string
}
