// Package dispatch implements the Command Dispatcher core (C9): task
// intake, per-kind deduplication, parent/child cycle detection, cancellation
// propagation, reporter fan-out, and the Parallel/Serial executor policies
// (§4.9, §5).
package dispatch

import "fmt"

// ErrCancelled is returned to a caller whose task was cancelled rather than
// completing normally — either because its own context was cancelled or
// because it inherited cancellation from a parent (§4.9, §7).
var ErrCancelled = fmt.Errorf("task cancelled")

// ErrCycle is returned immediately, without spawning any task, when a
// request's parent chain already contains the requested task id (§4.9,
// §8 invariant 4).
type ErrCycle struct {
	// Path names the task-kind chain that would have formed the cycle, in
	// a form the distilled spec's SourceMetadataError::Cycle(path[]) names
	// without specifying; this expansion gives it concrete content.
	Path []string
}

func (e *ErrCycle) Error() string {
	msg := "cycle detected"
	if len(e.Path) > 0 {
		msg += ": "
		for i, p := range e.Path {
			if i > 0 {
				msg += " -> "
			}
			msg += p
		}
	}
	return msg
}

// CacheError is the C2/C11 error shape: an I/O failure on a specific cache
// operation and path (§7).
type CacheError struct {
	Operation string
	Path      string
	Err       error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failed for %s: %s", e.Operation, e.Path, e.Err)
}
func (e *CacheError) Unwrap() error { return e.Err }

// BuildError wraps an error from a build backend with the package
// identifier it was building, per §7's Install/SourceMetadata/SourceBuild
// error kinds (`BuildError(inner)`, `BuildError(package_name, inner)`).
type BuildError struct {
	PackageName string
	Err         error
}

func (e *BuildError) Error() string {
	if e.PackageName == "" {
		return fmt.Sprintf("build error: %s", e.Err)
	}
	return fmt.Sprintf("build error for %s: %s", e.PackageName, e.Err)
}
func (e *BuildError) Unwrap() error { return e.Err }

// PackageMetadataNotFoundError reports that a source checkout's backend
// produced no output for a named package (§7 SourceMetadata kind).
type PackageMetadataNotFoundError struct {
	Name         string
	PinnedSource string
	Help         string
}

func (e *PackageMetadataNotFoundError) Error() string {
	msg := fmt.Sprintf("package %s not found in source metadata for %s", e.Name, e.PinnedSource)
	if e.Help != "" {
		msg += ": " + e.Help
	}
	return msg
}

// InstallerFailedError wraps a low-level installer failure (§7 Install
// kind).
type InstallerFailedError struct {
	Err error
}

func (e *InstallerFailedError) Error() string { return fmt.Sprintf("installer failed: %s", e.Err) }
func (e *InstallerFailedError) Unwrap() error { return e.Err }

// HashComputationFailedError reports that computing a built artifact's
// sha256 failed (§7 SourceBuild kind).
type HashComputationFailedError struct {
	Path string
	Err  error
}

func (e *HashComputationFailedError) Error() string {
	return fmt.Sprintf("computing sha256 of %s failed: %s", e.Path, e.Err)
}
func (e *HashComputationFailedError) Unwrap() error { return e.Err }

// ArtifactMissingError reports that a build backend reported success but
// did not produce the artifact it claimed to (§7 SourceBuild kind).
type ArtifactMissingError struct {
	Path string
}

func (e *ArtifactMissingError) Error() string { return "build artifact missing: " + e.Path }

// BackendBuildFailedError carries the backend's captured stderr for a
// failed conda/build-v1 call (§7 SourceBuild kind).
type BackendBuildFailedError struct {
	Stderr string
}

func (e *BackendBuildFailedError) Error() string {
	return "backend build failed:\n" + e.Stderr
}
