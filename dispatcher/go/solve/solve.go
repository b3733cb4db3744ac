// Package solve implements the C7 pixi solver: partition a requested
// environment into binary and source specs, recursively resolve source
// metadata until the source dependency graph is closed, then hand the
// binary specs plus synthetic records off to the underlying conda solver
// (§4.7).
package solve

import (
	"context"

	"pixi.build/dispatcher/go/pixitypes"
)

// CondaSolver is the underlying binary-package solver contract; its
// algorithm is out of scope here (§1 Non-goals name "the SAT-style conda
// solving algorithm itself" explicitly) so it is treated as a pluggable
// dependency the caller supplies.
type CondaSolver interface {
	Solve(ctx context.Context, req CondaSolveRequest) ([]pixitypes.RepoDataRecord, error)
}

// CondaSolveRequest is what's passed to the underlying solver: ordinary
// binary specs plus synthetic repodata records synthesized from resolved
// source metadata, so the solver treats "already built from source" and
// "downloadable" packages uniformly.
type CondaSolveRequest struct {
	Channels         []string
	BuildEnvironment pixitypes.BuildEnvironment
	BinarySpecs      []pixitypes.PixiSpec
	SyntheticRecords []pixitypes.RepoDataRecord
}

// SourceMetadataResolver resolves one source spec's metadata, recursing
// into dispatcher's own source-metadata task kind so results are
// deduplicated and cached exactly as a direct caller's request would be
// (§4.7 step 2 names this "request source_metadata (C5)").
type SourceMetadataResolver func(ctx context.Context, spec pixitypes.SourceSpec) ([]pixitypes.UnresolvedSourceRecord, pixitypes.PinnedSourceSpec, error)

// Cycle is returned when the source dependency graph contains a cycle
// (§4.7 error paths: "cycle in source dependencies
// (SourceMetadataError::Cycle)"). Note this is distinct from the
// dispatcher's own task-level ErrCycle, which guards against a task
// depending on itself through the dedup/parent chain; this one guards
// against a manifest declaring a->b->a through SourceSpec edges that never
// go through the same dedup key.
type Cycle struct {
	Path []string
}

func (e *Cycle) Error() string {
	msg := "cycle in source dependencies: "
	for i, p := range e.Path {
		if i > 0 {
			msg += " -> "
		}
		msg += p
	}
	return msg
}

// Solver drives the C7 pipeline.
type Solver struct {
	ResolveSourceMetadata SourceMetadataResolver
	Conda                 CondaSolver
}

// queueEntry is one pending source spec awaiting metadata resolution, with
// the chain of names that reached it (for Cycle's Path on failure).
type queueEntry struct {
	spec  pixitypes.SourceSpec
	name  string
	chain []string
}

// Solve implements §4.7 in full: partition, recursively close the source
// dependency graph, solve the binary remainder, and re-tag matching
// RepoDataRecords as SourceRecords in the final PixiRecord list.
func (s *Solver) Solve(ctx context.Context, env pixitypes.PixiEnvironmentSpec) ([]pixitypes.PixiRecord, error) {
	var binarySpecs []pixitypes.PixiSpec
	var queue []queueEntry
	seen := make(map[string]bool) // name -> already queued for resolution

	for name, spec := range env.Dependencies {
		if spec.Kind == pixitypes.SpecSource {
			queue = append(queue, queueEntry{spec: spec.Source, name: name, chain: []string{name}})
			seen[name] = true
		} else {
			binarySpecs = append(binarySpecs, spec)
		}
	}

	sourceOutputs := make(map[string]pixitypes.UnresolvedSourceRecord) // name -> resolved output
	sourcePins := make(map[string]pixitypes.PinnedSourceSpec)

	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]

		records, pinned, err := s.ResolveSourceMetadata(ctx, entry.spec)
		if err != nil {
			return nil, err
		}
		sourcePins[entry.name] = pinned

		// A build backend may emit several outputs for one checkout (e.g. a
		// package that produces both a library and its -dev subpackage);
		// the entry's own declared name selects which one this dependency
		// edge refers to, falling back to the sole output.
		output, err := selectOutput(records, entry.name)
		if err != nil {
			return nil, err
		}
		sourceOutputs[entry.name] = output

		for _, dep := range output.Dependencies {
			if dep.Kind != pixitypes.SpecSource {
				binarySpecs = append(binarySpecs, dep)
				continue
			}
			for _, ancestor := range entry.chain {
				if ancestor == dep.Name {
					chain := append(append([]string{}, entry.chain...), dep.Name)
					return nil, &Cycle{Path: chain}
				}
			}
			if seen[dep.Name] {
				continue
			}
			seen[dep.Name] = true
			chain := append(append([]string{}, entry.chain...), dep.Name)
			queue = append(queue, queueEntry{spec: dep.Source, name: dep.Name, chain: chain})
		}
	}

	synthetic := make([]pixitypes.RepoDataRecord, 0, len(sourceOutputs))
	for _, out := range sourceOutputs {
		synthetic = append(synthetic, pixitypes.RepoDataRecord{
			PackageRecord: out.PackageRecord,
			URL:           "",
		})
	}

	resolved, err := s.Conda.Solve(ctx, CondaSolveRequest{
		Channels:         env.Channels,
		BuildEnvironment: env.BuildEnvironment,
		BinarySpecs:      binarySpecs,
		SyntheticRecords: synthetic,
	})
	if err != nil {
		return nil, err
	}

	sourceByName := make(map[string]pixitypes.UnresolvedSourceRecord, len(sourceOutputs))
	for name, out := range sourceOutputs {
		sourceByName[out.PackageRecord.Name] = out
		_ = name
	}

	records := make([]pixitypes.PixiRecord, 0, len(resolved))
	for _, r := range resolved {
		if out, ok := sourceByName[r.PackageRecord.Name]; ok {
			pin := findPin(sourcePins, out.PackageRecord.Name, sourceOutputs)
			records = append(records, pixitypes.PixiRecord{
				Kind: pixitypes.RecordSource,
				Source: pixitypes.SourceRecord{
					PackageRecord: r.PackageRecord,
					Source:        pin,
				},
			})
			continue
		}
		records = append(records, pixitypes.PixiRecord{Kind: pixitypes.RecordBinary, Binary: r})
	}
	return records, nil
}

func selectOutput(records []pixitypes.UnresolvedSourceRecord, name string) (pixitypes.UnresolvedSourceRecord, error) {
	if len(records) == 1 {
		return records[0], nil
	}
	for _, r := range records {
		if r.PackageRecord.Name == name {
			return r, nil
		}
	}
	if len(records) > 0 {
		return records[0], nil
	}
	return pixitypes.UnresolvedSourceRecord{}, &emptyOutputsError{name: name}
}

type emptyOutputsError struct{ name string }

func (e *emptyOutputsError) Error() string {
	return "build backend produced no outputs for " + e.name
}

func findPin(pins map[string]pixitypes.PinnedSourceSpec, packageName string, outputs map[string]pixitypes.UnresolvedSourceRecord) pixitypes.PinnedSourceSpec {
	for entryName, out := range outputs {
		if out.PackageRecord.Name == packageName {
			return pins[entryName]
		}
	}
	return pixitypes.PinnedSourceSpec{}
}
