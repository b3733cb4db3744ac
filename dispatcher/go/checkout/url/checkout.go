// Package url implements the C3 URL checkout engine: downloading an archive
// under an exclusive lock, verifying any caller-supplied checksums,
// computing its sha256, and extracting it into a content-addressed
// directory guarded by a .ready sentinel (§4.3).
package url

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/otiai10/copy"

	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/go/skerr"
	"pixi.build/go/sklog"
	"pixi.build/go/util"
)

const readySentinel = ".ready"

// Sha256MismatchError reports that a downloaded archive's sha256 did not
// match the caller-supplied expectation (§4.3, §7).
type Sha256MismatchError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *Sha256MismatchError) Error() string {
	return fmt.Sprintf("sha256 mismatch for %s: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

// Md5MismatchError reports that a downloaded archive's md5 did not match
// the caller-supplied expectation.
type Md5MismatchError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *Md5MismatchError) Error() string {
	return fmt.Sprintf("md5 mismatch for %s: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

// Downloader fetches urlStr into dst. Production code uses HTTPDownloader;
// tests substitute a fake that serves from an in-memory fixture.
type Downloader interface {
	Download(ctx context.Context, urlStr string, dst io.Writer) error
}

// HTTPDownloader is the production Downloader, backed by net/http.
type HTTPDownloader struct {
	Client *http.Client
}

func (d HTTPDownloader) Download(ctx context.Context, urlStr string, dst io.Writer) error {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return skerr.Fmt("downloading %s: status %s", urlStr, resp.Status)
	}
	_, err = io.Copy(dst, resp.Body)
	return skerr.Wrap(err)
}

// Extractor unpacks an archive at src into directory dst. Archive format
// detection/extraction itself is an external collaborator per §1 Non-goals
// ("archive extraction... invoked through narrow contracts"); this
// interface is that contract.
type Extractor interface {
	Extract(ctx context.Context, archivePath, dstDir string) error
}

// CopyExtractor treats the archive path as an already-extracted directory
// and copies it verbatim — used for URL specs that point at a pre-unpacked
// tree (e.g. in tests), via github.com/otiai10/copy so the source is never
// mutated in place.
type CopyExtractor struct{}

func (CopyExtractor) Extract(ctx context.Context, archivePath, dstDir string) error {
	return copy.Copy(archivePath, dstDir)
}

// Engine drives URL checkouts into Root/checkouts/<sha256>/.
type Engine struct {
	Root       string
	Downloader Downloader
	Extractor  Extractor
}

// NewEngine returns an Engine rooted at root using the given downloader and
// extractor implementations.
func NewEngine(root string, downloader Downloader, extractor Extractor) *Engine {
	return &Engine{Root: root, Downloader: downloader, Extractor: extractor}
}

// Checkout downloads (if necessary) and extracts the archive at urlStr,
// verifying md5/sha256 if the caller supplied them. If sha256 is known a
// priori, the checkout directory is keyed on it directly and a pre-existing
// .ready sentinel short-circuits the whole operation without touching the
// network (§4.3).
func (e *Engine) Checkout(ctx context.Context, urlStr, md5Expected, sha256Expected string) (*pixitypes.SourceCheckout, error) {
	if sha256Expected != "" {
		checkoutDir := filepath.Join(e.Root, "checkouts", sha256Expected)
		if _, err := os.Stat(filepath.Join(checkoutDir, readySentinel)); err == nil {
			return e.pinnedCheckout(urlStr, sha256Expected, checkoutDir), nil
		}
	}

	locksDir := filepath.Join(e.Root, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, skerr.Wrapf(err, "creating url locks dir %s", locksDir)
	}
	lockKey := sha256Expected
	if lockKey == "" {
		lockKey = fmt.Sprintf("%x", sha256.Sum256([]byte(urlStr)))
	}
	lock := flock.New(filepath.Join(locksDir, lockKey+".lock"))
	if err := lock.Lock(); err != nil {
		return nil, skerr.Wrapf(err, "locking url checkout for %s", urlStr)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			sklog.Warningf("failed to unlock url checkout lock for %s: %s", urlStr, err)
		}
	}()

	if sha256Expected != "" {
		checkoutDir := filepath.Join(e.Root, "checkouts", sha256Expected)
		if _, err := os.Stat(filepath.Join(checkoutDir, readySentinel)); err == nil {
			return e.pinnedCheckout(urlStr, sha256Expected, checkoutDir), nil
		}
	}

	tmp, err := os.CreateTemp("", "pixi-url-download-*")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := e.Downloader.Download(ctx, urlStr, tmp); err != nil {
		util.Close(tmp)
		return nil, skerr.Wrapf(err, "downloading %s", urlStr)
	}
	if err := tmp.Close(); err != nil {
		return nil, skerr.Wrap(err)
	}

	if md5Expected != "" {
		actual, err := fileMd5(tmpPath)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if actual != md5Expected {
			return nil, &Md5MismatchError{URL: urlStr, Expected: md5Expected, Actual: actual}
		}
	}

	actualSha256, err := fileSha256(tmpPath)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if sha256Expected != "" && actualSha256 != sha256Expected {
		return nil, &Sha256MismatchError{URL: urlStr, Expected: sha256Expected, Actual: actualSha256}
	}

	checkoutDir := filepath.Join(e.Root, "checkouts", actualSha256)
	if err := os.MkdirAll(checkoutDir, 0o755); err != nil {
		return nil, skerr.Wrapf(err, "creating url checkout dir %s", checkoutDir)
	}
	if err := e.Extractor.Extract(ctx, tmpPath, checkoutDir); err != nil {
		return nil, skerr.Wrapf(err, "extracting %s", urlStr)
	}
	if err := os.WriteFile(filepath.Join(checkoutDir, readySentinel), nil, 0o644); err != nil {
		return nil, skerr.Wrapf(err, "writing ready sentinel for %s", checkoutDir)
	}
	return e.pinnedCheckout(urlStr, actualSha256, checkoutDir), nil
}

func (e *Engine) pinnedCheckout(urlStr, sha256Hex, dir string) *pixitypes.SourceCheckout {
	return &pixitypes.SourceCheckout{
		Pinned: pixitypes.PinnedSourceSpec{
			Kind:      pixitypes.SourceURL,
			URL:       urlStr,
			URLSha256: sha256Hex,
		},
		Path: dir,
	}
}

func fileSha256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	defer util.Close(f)
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", skerr.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileMd5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	defer util.Close(f)
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", skerr.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
