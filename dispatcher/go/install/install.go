// Package install implements the C8 prefix installer: build every source
// record via C6, turn the resulting artifacts into synthetic repodata
// records, and hand the complete binary set to the underlying low-level
// installer (§4.8).
package install

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/go/now"
	"pixi.build/go/skerr"
	"pixi.build/go/util"
)

// SourceBuilder builds one source record, recursing into the dispatcher's
// own source-build task kind so the result is deduplicated and cached
// exactly as a direct caller's request would be (§4.8 step 3).
type SourceBuilder func(ctx context.Context, record pixitypes.SourceRecord) (artifactPath string, err error)

// LowLevelInstaller is the underlying installer contract; it is out of
// scope here (§1 Non-goals name "the low-level prefix install mechanics
// (hardlinking, noarch entry point generation)" explicitly), so it's
// treated as a pluggable dependency the caller supplies.
type LowLevelInstaller interface {
	Install(ctx context.Context, req InstallRequest) error
}

// InstallRequest is what's passed to the low-level installer.
type InstallRequest struct {
	Prefix          string
	Installed       []pixitypes.RepoDataRecord
	Target          []pixitypes.RepoDataRecord
	ForceReinstall  util.StringSet
	RunLinkScripts  bool
}

// Installer drives the C8 pipeline.
type Installer struct {
	Build        SourceBuilder
	LowLevel     LowLevelInstaller
	MetadataDir  func(prefix string) string // defaults to prefix/conda-meta
}

// Options configures one Install call.
type Options struct {
	ForceReinstall util.StringSet
	RunLinkScripts bool
}

func (i *Installer) metadataDir(prefix string) string {
	if i.MetadataDir != nil {
		return i.MetadataDir(prefix)
	}
	return filepath.Join(prefix, "conda-meta")
}

// Install implements §4.8 in full.
func (i *Installer) Install(ctx context.Context, prefix string, records []pixitypes.PixiRecord, opts Options) error {
	var sourceRecords []pixitypes.SourceRecord
	var binaryRecords []pixitypes.RepoDataRecord
	for _, r := range records {
		switch r.Kind {
		case pixitypes.RecordSource:
			sourceRecords = append(sourceRecords, r.Source)
		default:
			binaryRecords = append(binaryRecords, r.Binary)
		}
	}

	installed, err := enumerateInstalled(i.metadataDir(prefix))
	if err != nil {
		return skerr.Wrapf(err, "enumerating installed records in %s", prefix)
	}
	// A record whose conda-meta file name (including .json) is in
	// ForceReinstall is treated as not-installed, so the low-level
	// installer relinks it from scratch (§4.8 step 4).
	if len(opts.ForceReinstall) > 0 {
		filtered := installed[:0]
		for _, r := range installed {
			if !opts.ForceReinstall.Has(r.Name) {
				filtered = append(filtered, r)
			}
		}
		installed = filtered
	}

	for _, sr := range sourceRecords {
		artifactPath, err := i.Build(ctx, sr)
		if err != nil {
			return skerr.Wrapf(err, "building %s from source", sr.PackageRecord.Name)
		}
		record := sr.PackageRecord
		if record.Sha256 == "" {
			digest, err := sha256File(artifactPath)
			if err != nil {
				return err
			}
			record.Sha256 = digest
		}
		if record.Timestamp.IsZero() {
			record.Timestamp = now.Now(ctx)
		}
		binaryRecords = append(binaryRecords, pixitypes.RepoDataRecord{
			PackageRecord: record,
			URL:           fileURL(artifactPath),
		})
	}

	return i.LowLevel.Install(ctx, InstallRequest{
		Prefix:         prefix,
		Installed:      installed,
		Target:         binaryRecords,
		ForceReinstall: opts.ForceReinstall,
		RunLinkScripts: opts.RunLinkScripts,
	})
}

// enumerateInstalled scans the prefix's conda-meta directory for installed
// package records (§4.8 step 2: "off the hot path, in a blocking task" —
// this call is itself wrapped in a dispatcher-managed goroutine by the
// caller, not here, since blocking-task scheduling is a processor concern).
func enumerateInstalled(metaDir string) ([]pixitypes.RepoDataRecord, error) {
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	var out []pixitypes.RepoDataRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		out = append(out, pixitypes.RepoDataRecord{
			PackageRecord: pixitypes.PackageRecord{Name: e.Name()},
		})
	}
	return out, nil
}

func fileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", skerr.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
