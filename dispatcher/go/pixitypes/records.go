package pixitypes

import "time"

// PackageRecord is the metadata of a built (or to-be-built) conda package.
type PackageRecord struct {
	Name        string
	Version     string
	Build       string
	BuildNumber int64
	Subdir      string
	Depends     []string
	Constrains  []string
	// Sha256 is empty until the archive has actually been produced or
	// downloaded.
	Sha256         string
	NoarchType     string
	Timestamp      time.Time
	RunExports     map[string][]string
	IgnoreRunExports []string
}

// RepoDataRecord is a PackageRecord plus the URL it can be fetched from,
// exactly as a repodata.json entry or a synthetic file:// record for a
// freshly built source package.
type RepoDataRecord struct {
	PackageRecord
	URL string
}

// SourceRecord pairs a PackageRecord with the pinned source it was (or will
// be) built from.
type SourceRecord struct {
	PackageRecord PackageRecord
	Source        PinnedSourceSpec
}

// PixiRecordKind discriminates PixiRecord's two variants.
type PixiRecordKind int

const (
	RecordBinary PixiRecordKind = iota
	RecordSource
)

// PixiRecord is a resolved dependency: either a downloadable binary package
// or a package that must be built from source.
type PixiRecord struct {
	Kind   PixiRecordKind
	Binary RepoDataRecord
	Source SourceRecord
}

func (r PixiRecord) Name() string {
	if r.Kind == RecordBinary {
		return r.Binary.Name
	}
	return r.Source.PackageRecord.Name
}

// UnresolvedSourceRecord is one output of a backend's conda/outputs call:
// a package description whose dependencies may themselves be source specs,
// not yet recursively resolved.
type UnresolvedSourceRecord struct {
	PackageRecord PackageRecord
	// Dependencies are PixiSpecs; entries with Kind == SpecSource feed back
	// into the solver's work queue (§4.7 step 2).
	Dependencies []PixiSpec
	// InputGlobs lists the glob patterns (relative to the checkout root)
	// whose mtimes determine whether a cache entry for a mutable Path
	// source is still valid.
	InputGlobs []string
	RunExports       map[string][]string
	IgnoreRunExports []string
}

// PixiSpecKind discriminates PixiSpec's variants.
type PixiSpecKind int

const (
	SpecBinary PixiSpecKind = iota
	SpecSource
)

// PixiSpec is one dependency entry as declared by a manifest: either an
// ordinary version-matcher spec for a binary package, or a SourceSpec for
// a dependency that must itself be built from source.
type PixiSpec struct {
	Kind PixiSpecKind
	Name string
	// VersionSpec is an opaque matcher string for binary deps; manifest
	// parsing and its exact grammar are out of scope here (§1 Non-goals),
	// so the dispatcher treats it as pass-through data for the solver.
	VersionSpec string
	Source      SourceSpec
}

// PixiEnvironmentSpec is the already-validated request the manifest parser
// hands the dispatcher: what to solve, where to look, and for which
// platforms.
type PixiEnvironmentSpec struct {
	Dependencies     map[string]PixiSpec
	Channels         []string
	BuildEnvironment BuildEnvironment
	EnabledProtocols []string
}
