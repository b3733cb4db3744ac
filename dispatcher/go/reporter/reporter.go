// Package reporter defines the dispatcher's pluggable observer interfaces
// (C10): per-kind sub-reporters receiving queued/started/finished lifecycle
// callbacks plus optional streaming callbacks for build output, with the
// dispatcher mapping internal task ids to reporter ids so nested tasks
// display as a tree (§4.10).
package reporter

// ID identifies one task's entry in a reporter's own bookkeeping (e.g. a
// row in a progress tree). The zero value means "no parent".
type ID uint64

// TaskKind names one of the dispatcher's task kinds, used to pick the right
// sub-reporter.
type TaskKind string

const (
	KindGitCheckout            TaskKind = "git-checkout"
	KindURLCheckout            TaskKind = "url-checkout"
	KindBuildBackendMetadata   TaskKind = "build-backend-metadata"
	KindSourceMetadata         TaskKind = "source-metadata"
	KindSourceBuild            TaskKind = "source-build"
	KindQuerySourceBuildCache  TaskKind = "query-source-build-cache"
	KindSolveConda             TaskKind = "solve-conda"
	KindSolvePixi              TaskKind = "solve-pixi"
	KindInstallPixi            TaskKind = "install-pixi"
	KindInstantiateToolEnv     TaskKind = "instantiate-tool-environment"
)

// Reporter is the top-level pluggable observer. Implementations MUST be
// non-blocking (§4.10): callbacks run on the dispatcher processor's
// goroutine-adjacent worker, and a slow reporter would stall unrelated
// tasks.
type Reporter interface {
	// OnQueued is called when a new task is allocated for kind, with the
	// reporter id of its parent task (zero if none) and a short
	// human-readable description of the spec. It returns a reporter id the
	// dispatcher will pass to subsequent callbacks for this task.
	OnQueued(kind TaskKind, parent ID, description string) ID
	OnStarted(id ID)
	// OnFinished is called exactly once per task, whether it succeeded,
	// failed, or was cancelled. Reporters do not receive the error value
	// (callers of the task do) — only that it's done (§7).
	OnFinished(id ID)
	// OnOutputLine streams one line of backend build output for the task
	// identified by id; only called for source-build tasks.
	OnOutputLine(id ID, line string)
}

// NopReporter implements Reporter with callbacks that do nothing, for
// callers that don't want progress output (e.g. most tests).
type NopReporter struct{}

func (NopReporter) OnQueued(kind TaskKind, parent ID, description string) ID { return 0 }
func (NopReporter) OnStarted(id ID)                                         {}
func (NopReporter) OnFinished(id ID)                                        {}
func (NopReporter) OnOutputLine(id ID, line string)                        {}
