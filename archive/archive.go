// Package archive is the front door: it sniffs a byte buffer against the
// registered archive and plugin decoders, exposes a uniform iteration
// surface over whichever one accepts it, and extracts entries to a
// directory tree with progress reporting and path-traversal guards.
package archive

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/icza/bethesda-structs/ba2"
	"github.com/icza/bethesda-structs/bsa"
	"github.com/icza/bethesda-structs/errs"
	"github.com/icza/bethesda-structs/plugin"
	"github.com/pkg/errors"
)

// File is one extractable archive entry, uniform across BSA and BA2.
type File struct {
	Path string
	Data []byte
}

// Archive is a decoded BSA or BA2/BTDX container, exposed through one
// interface regardless of which decoder produced it.
type Archive struct {
	kind string
	bsa  *bsa.Archive
	ba2  *ba2.Archive
}

// FileCount returns the number of entries the archive declares in its
// header, independent of how many Files actually yields (a corrupt
// archive may yield fewer, each with an error).
func (a *Archive) FileCount() int {
	switch a.kind {
	case "bsa":
		return int(a.bsa.Header.FileCount)
	case "ba2":
		return int(a.ba2.Header.FileCount)
	}
	return 0
}

// Files lazily iterates every entry in header-declaration order.
func (a *Archive) Files(yield func(File, error) bool) {
	switch a.kind {
	case "bsa":
		a.bsa.Files(func(f bsa.File, err error) bool {
			return yield(File{Path: f.Path, Data: f.Data}, err)
		})
	case "ba2":
		a.ba2.Files(func(f ba2.File, err error) bool {
			return yield(File{Path: f.Path, Data: f.Data}, err)
		})
	}
}

// GetArchive returns the first registered archive decoder whose
// acceptance test succeeds, or nil if none does.
func GetArchive(buf []byte) (*Archive, error) {
	if bsa.Accepts(buf) {
		a, err := bsa.Parse(buf)
		if err != nil {
			return nil, err
		}
		return &Archive{kind: "bsa", bsa: a}, nil
	}
	if ba2.Accepts(buf) {
		a, err := ba2.Parse(buf)
		if err != nil {
			return nil, err
		}
		return &Archive{kind: "ba2", ba2: a}, nil
	}
	return nil, nil
}

// GetPlugin returns a parsed plugin if buf's header accepts as a
// FO3/FNV-format plugin, or nil if it doesn't. opts are forwarded to
// plugin.Parse (e.g. plugin.WithRegistry to decode subrecords).
func GetPlugin(buf []byte, opts ...plugin.Option) (*plugin.Plugin, error) {
	if !plugin.Accepts(buf) {
		return nil, nil
	}
	return plugin.Parse(buf, opts...)
}

// ProgressEvent is reported twice per extracted file: once before the
// write (BytesWritten reflects prior files only) and once after
// (BytesWritten includes the just-written file).
type ProgressEvent struct {
	Path         string
	BytesWritten int64
	TotalBytes   int64
}

// ProgressFunc receives extraction progress. It is invoked synchronously
// on the caller's goroutine. Extract builds a new Path string for each
// file and does not reuse it across events.
type ProgressFunc func(ProgressEvent)

// Extract writes every file in the archive under toDir, creating parent
// directories as needed, and invokes progress (if non-nil) before and
// after each write. Iteration stops at the first entry whose own decode
// or write fails; that error is returned.
func Extract(a *Archive, toDir string, progress ProgressFunc) error {
	var totalBytes int64
	a.Files(func(f File, err error) bool {
		if err == nil {
			totalBytes += int64(len(f.Data))
		}
		return true
	})

	var bytesWritten int64
	var extractErr error
	a.Files(func(f File, err error) bool {
		if err != nil {
			extractErr = err
			return false
		}

		target, perr := safeJoin(toDir, f.Path)
		if perr != nil {
			extractErr = perr
			return false
		}

		if progress != nil {
			progress(ProgressEvent{Path: target, BytesWritten: bytesWritten, TotalBytes: totalBytes})
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			extractErr = errors.Wrapf(err, "archive: creating parent directories for %s", target)
			return false
		}
		if err := os.WriteFile(target, f.Data, 0o644); err != nil {
			extractErr = errors.Wrapf(err, "archive: writing %s", target)
			return false
		}

		bytesWritten += int64(len(f.Data))
		if progress != nil {
			progress(ProgressEvent{Path: target, BytesWritten: bytesWritten, TotalBytes: totalBytes})
		}
		return true
	})

	return extractErr
}

// safeJoin joins toDir with relativePath, rejecting anything that would
// escape toDir. relativePath is expected to already be normalized to
// forward slashes by the decoder (bsa.normalizePath / ba2.normalizePath),
// but backslashes are converted here too: this is the last line of defense
// against a traversal attempt, not just the decoders'.
func safeJoin(toDir, relativePath string) (string, error) {
	slashed := strings.ReplaceAll(relativePath, "\\", "/")
	cleaned := filepath.Clean(strings.ReplaceAll(slashed, "/", string(filepath.Separator)))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", &errs.SchemaViolation{Detail: "extraction path escapes target directory: " + relativePath}
	}
	return filepath.Join(toDir, cleaned), nil
}
