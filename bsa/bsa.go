// Package bsa decodes Bethesda BSA archives (versions 103, 104 and 105 —
// Oblivion/Fallout 3/Skyrim-era containers). It follows the teacher's
// (icza/mpq) shape: a header, a pair of tables read once at construction,
// and a lazy per-entry iterator that decompresses on demand rather than
// eagerly inflating the whole archive.
package bsa

import (
	"bytes"
	"io"
	"strings"

	"github.com/icza/bethesda-structs/cursor"
	"github.com/icza/bethesda-structs/errs"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// SizeMask isolates the stored-size bits of a BsaFileRecord's
	// size-with-flags word.
	SizeMask = 0x3FFFFFFF
	// CompressedMask isolates the per-file compression-override bits.
	CompressedMask = 0xC0000000

	magic = "BSA\x00"
)

// Supported BSA versions.
const (
	Version103 = 103
	Version104 = 104
	Version105 = 105
)

// Archive-level flag bits.
const (
	FlagDirectoriesNamed = 0x001
	FlagFilesNamed       = 0x002
	FlagFilesCompressed  = 0x004
	FlagXbox360          = 0x040
	FlagFilesPrefixed    = 0x100
)

var archiveFlagBits = []cursor.FlagBit{
	{Name: "directories_named", Mask: FlagDirectoriesNamed},
	{Name: "files_named", Mask: FlagFilesNamed},
	{Name: "files_compressed", Mask: FlagFilesCompressed},
	{Name: "xbox360_archive", Mask: FlagXbox360},
	{Name: "files_prefixed", Mask: FlagFilesPrefixed},
}

// Header is the immutable parsed BSA header.
type Header struct {
	Version              uint32
	DirectoryOffset      uint32
	ArchiveFlags         cursor.FlagSet
	FileFlags            uint32
	DirectoryCount       uint32
	FileCount            uint32
	DirectoryNamesLength uint32
	FileNamesLength      uint32
}

// DirectoryRecord describes one directory's file count and the offset of
// its name in the directory-names region (v105 additionally has a
// reserved field and a 64-bit name offset; both versions are normalized
// into this single Go type).
type DirectoryRecord struct {
	Hash       uint64
	FileCount  uint32
	NameOffset uint64
}

// FileRecord is one file's hash, stored size (with the compression-override
// bits still folded in, preserved in RawSize), and data offset.
type FileRecord struct {
	Hash    uint64
	RawSize uint32
	Offset  uint32
}

// StoredSize returns the low 30 bits of RawSize: the byte length of the
// data actually present at Offset.
func (f FileRecord) StoredSize() uint32 { return f.RawSize & SizeMask }

// PerFileCompressedBit reports whether this file's top two size bits
// invert the archive-global compression flag.
func (f FileRecord) PerFileCompressedBit() bool { return f.RawSize&CompressedMask != 0 }

// DirectoryBlock is a directory's optional name plus its file records.
type DirectoryBlock struct {
	Name  string
	Files []FileRecord
}

// Archive is a fully parsed BSA: header, directory table, directory
// blocks and (if present) the file-names table, ready for lazy iteration.
type Archive struct {
	Header      Header
	Directories []DirectoryRecord
	Blocks      []DirectoryBlock
	FileNames   []string

	raw    []byte
	logger *logrus.Logger
}

// Option configures Parse.
type Option func(*Archive)

// WithLogger overrides the default logrus.StandardLogger() used for
// non-fatal per-entry diagnostics (decompressed-length mismatches).
func WithLogger(l *logrus.Logger) Option {
	return func(a *Archive) { a.logger = l }
}

// Accepts reports whether buf's header looks like a BSA this package can
// decode: magic "BSA\0" and version in {103, 104, 105}.
func Accepts(buf []byte) bool {
	if len(buf) < 8 {
		return false
	}
	if string(buf[0:4]) != magic {
		return false
	}
	c := cursor.New(buf[4:8])
	v, err := c.ReadU32()
	if err != nil {
		return false
	}
	return v == Version103 || v == Version104 || v == Version105
}

// Parse decodes a BSA archive's header, directory table, directory blocks
// and file-names table. It does not decompress any file data; call Files
// to lazily iterate entries.
func Parse(buf []byte, opts ...Option) (*Archive, error) {
	a := &Archive{raw: buf, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(a)
	}

	c := cursor.New(buf)
	magicBytes, err := c.ReadBytes(4)
	if err != nil {
		return nil, errors.Wrap(err, "bsa: reading magic")
	}
	if string(magicBytes) != magic {
		return nil, &errs.UnsupportedFormat{Magic: string(magicBytes)}
	}

	version, err := c.ReadU32()
	if err != nil {
		return nil, errors.Wrap(err, "bsa: reading version")
	}
	if version != Version103 && version != Version104 && version != Version105 {
		return nil, &errs.UnsupportedFormat{Magic: magic, Version: int(version)}
	}

	dirOffset, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	archiveFlagsRaw, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	dirCount, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	fileCount, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	dirNamesLen, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	fileNamesLen, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	fileFlags, err := c.ReadU32()
	if err != nil {
		return nil, err
	}

	a.Header = Header{
		Version:              version,
		DirectoryOffset:      dirOffset,
		ArchiveFlags:         cursor.DecodeFlags(archiveFlagsRaw, archiveFlagBits),
		FileFlags:            fileFlags,
		DirectoryCount:       dirCount,
		FileCount:            fileCount,
		DirectoryNamesLength: dirNamesLen,
		FileNamesLength:      fileNamesLen,
	}

	a.Directories = make([]DirectoryRecord, dirCount)
	for i := range a.Directories {
		hash, err := c.ReadU64()
		if err != nil {
			return nil, errors.Wrapf(err, "bsa: directory record %d", i)
		}
		fc, err := c.ReadU32()
		if err != nil {
			return nil, err
		}
		var nameOffset uint64
		if version == Version105 {
			if _, err := c.ReadU32(); err != nil { // reserved
				return nil, err
			}
			nameOffset, err = c.ReadU64()
			if err != nil {
				return nil, err
			}
		} else {
			off, err := c.ReadU32()
			if err != nil {
				return nil, err
			}
			nameOffset = uint64(off)
		}
		a.Directories[i] = DirectoryRecord{Hash: hash, FileCount: fc, NameOffset: nameOffset}
	}

	a.Blocks = make([]DirectoryBlock, dirCount)
	for i, dir := range a.Directories {
		var name string
		if a.Header.ArchiveFlags.Has("directories_named") {
			nameLen, err := c.ReadU8()
			if err != nil {
				return nil, errors.Wrapf(err, "bsa: directory %d name length", i)
			}
			raw, err := c.ReadBytes(int(nameLen))
			if err != nil {
				return nil, err
			}
			name = strings.TrimRight(string(raw), "\x00")
		}
		files := make([]FileRecord, dir.FileCount)
		for j := range files {
			hash, err := c.ReadU64()
			if err != nil {
				return nil, errors.Wrapf(err, "bsa: directory %d file record %d", i, j)
			}
			size, err := c.ReadU32()
			if err != nil {
				return nil, err
			}
			offset, err := c.ReadU32()
			if err != nil {
				return nil, err
			}
			files[j] = FileRecord{Hash: hash, RawSize: size, Offset: offset}
		}
		a.Blocks[i] = DirectoryBlock{Name: name, Files: files}
	}

	if a.Header.ArchiveFlags.Has("files_named") {
		a.FileNames = make([]string, fileCount)
		for i := range a.FileNames {
			name, _, err := c.ReadNulString()
			if err != nil {
				return nil, errors.Wrapf(err, "bsa: file name %d", i)
			}
			a.FileNames[i] = name
		}
	}

	var totalFiles uint32
	for _, b := range a.Blocks {
		totalFiles += uint32(len(b.Files))
	}
	if totalFiles != fileCount {
		return nil, &errs.SchemaViolation{Detail: "sum of directory file counts does not match header file count"}
	}

	return a, nil
}

// File is a decoded archive entry: its normalized relative path and the
// decompressed (original-size) bytes.
type File struct {
	Path string
	Data []byte
}

// Files lazily iterates every entry in table order, decompressing each as
// it is produced. Errors decoding a single entry are passed to yield
// rather than aborting the whole iteration — the caller decides whether to
// keep going through yield's return value.
func (a *Archive) Files(yield func(File, error) bool) {
	fileIndex := 0
	for _, block := range a.Blocks {
		for _, fr := range block.Files {
			f, err := a.decodeFile(block, fr, fileIndex)
			if !yield(f, err) {
				return
			}
			fileIndex++
		}
	}
}

func (a *Archive) decodeFile(block DirectoryBlock, fr FileRecord, fileIndex int) (File, error) {
	if a.Header.ArchiveFlags.Has("files_named") && fileIndex >= len(a.FileNames) {
		return File{}, &errs.SchemaViolation{Detail: "file index out of range of file-names table"}
	}

	storedSize := fr.StoredSize()
	blob, err := readAt(a.raw, int(fr.Offset), int(storedSize))
	if err != nil {
		return File{}, err
	}

	if a.Header.ArchiveFlags.Has("files_prefixed") && a.Header.Version >= Version104 {
		bc := cursor.New(blob)
		_, _, err := bc.ReadNulString()
		if err != nil {
			return File{}, errors.Wrap(err, "bsa: stripping per-file name prefix")
		}
		blob = blob[bc.Pos():]
	}

	entryCompressed := a.Header.ArchiveFlags.Has("files_compressed") != fr.PerFileCompressedBit()

	data := blob
	if entryCompressed {
		bc := cursor.New(blob)
		originalSize, err := bc.ReadU32()
		if err != nil {
			return File{}, errors.Wrap(err, "bsa: reading original size prefix")
		}
		compressed := blob[bc.Pos():]
		decompressed, err := decompress(a.Header.Version, compressed)
		if err != nil {
			return File{}, &errs.CodecError{Codec: codecName(a.Header.Version), Cause: err}
		}
		if uint32(len(decompressed)) != originalSize {
			a.logger.WithFields(logrus.Fields{
				"want": originalSize,
				"have": len(decompressed),
			}).Warn("bsa: decompressed size mismatch")
		}
		data = decompressed
	}

	name := ""
	if fileIndex < len(a.FileNames) {
		name = a.FileNames[fileIndex]
	}
	path := joinPath(block.Name, name)
	normalized, err := normalizePath(path)
	if err != nil {
		return File{}, err
	}

	return File{Path: normalized, Data: data}, nil
}

func codecName(version uint32) string {
	if version == Version105 {
		return "lz4"
	}
	return "zlib"
}

func decompress(version uint32, compressed []byte) ([]byte, error) {
	if version == Version105 {
		r := lz4.NewReader(bytes.NewReader(compressed))
		return io.ReadAll(r)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func readAt(buf []byte, offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > len(buf) {
		return nil, &errs.TruncatedInput{Want: n, Have: len(buf) - offset, At: offset}
	}
	return buf[offset : offset+n], nil
}

func joinPath(dir, name string) string {
	dir = strings.TrimRight(dir, "\x00")
	if dir == "" {
		return name
	}
	return dir + "\\" + name
}

// normalizePath converts Windows-style backslash separators to forward
// slashes and rejects absolute paths or traversal segments.
func normalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", &errs.SchemaViolation{Detail: "absolute path in archive: " + p}
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", &errs.SchemaViolation{Detail: "path traversal segment in archive: " + p}
		}
	}
	return p, nil
}
