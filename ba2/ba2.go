// Package ba2 decodes Bethesda BA2/BTDX archives (Fallout 4 / Skyrim
// Special Edition), both the GNRL (general file) and DX10 (texture)
// variants. Structurally it mirrors the bsa package: parse a header and
// fixed-width descriptor table up front, then lazily decompress each
// entry's payload on iteration.
package ba2

import (
	"bytes"
	"io"
	"strings"

	"github.com/icza/bethesda-structs/cursor"
	"github.com/icza/bethesda-structs/dds"
	"github.com/icza/bethesda-structs/errs"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const magic = "BTDX"

// Type tags a BTDX header can carry.
const (
	TypeGeneral = "GNRL"
	TypeTexture = "DX10"
)

// Header is the parsed BTDX header.
type Header struct {
	Version     uint32
	Type        string
	FileCount   uint32
	NamesOffset uint64
}

// GnrlFile is one general-file descriptor.
type GnrlFile struct {
	NameHash     uint32
	Extension    string
	DirHash      uint32
	Offset       uint64
	PackedSize   uint32
	OriginalSize uint32
}

// TexChunk is one mipmap-range chunk of a DX10 texture.
type TexChunk struct {
	Offset       uint64
	PackedSize   uint32
	UnpackedSize uint32
	StartMip     uint16
	EndMip       uint16
}

// TexFile is one DX10 texture descriptor plus its mipmap chunks.
type TexFile struct {
	Hash       uint32
	Extension  string
	DirHash    uint32
	ChunkCount uint8
	Height     uint16
	Width      uint16
	MipCount   uint8
	DXGIFormat dds.DXGIFormat
	Reserved   uint16
	Chunks     []TexChunk
}

// Archive is a fully parsed BA2/BTDX container.
type Archive struct {
	Header     Header
	GnrlFiles  []GnrlFile
	TexFiles   []TexFile
	NameTable  []string

	raw    []byte
	logger *logrus.Logger
}

// Option configures Parse.
type Option func(*Archive)

// WithLogger overrides the default logrus.StandardLogger() used for
// unsupported-DXGI-format and decompressed-length diagnostics.
func WithLogger(l *logrus.Logger) Option {
	return func(a *Archive) { a.logger = l }
}

// Accepts reports whether buf looks like a BTDX container this package
// can decode: magic "BTDX" and version >= 1.
func Accepts(buf []byte) bool {
	if len(buf) < 12 {
		return false
	}
	if string(buf[0:4]) != magic {
		return false
	}
	version := cursor.New(buf[4:8])
	v, err := version.ReadU32()
	return err == nil && v >= 1
}

// Parse decodes a BTDX header and its GNRL or DX10 descriptor table, plus
// the trailing name table.
func Parse(buf []byte, opts ...Option) (*Archive, error) {
	a := &Archive{raw: buf, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(a)
	}

	c := cursor.New(buf)
	magicBytes, err := c.ReadBytes(4)
	if err != nil {
		return nil, errors.Wrap(err, "ba2: reading magic")
	}
	if string(magicBytes) != magic {
		return nil, &errs.UnsupportedFormat{Magic: string(magicBytes)}
	}
	version, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	if version < 1 {
		return nil, &errs.UnsupportedFormat{Magic: magic, Version: int(version)}
	}
	typeTag, err := c.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	fileCount, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	namesOffset, err := c.ReadU64()
	if err != nil {
		return nil, err
	}

	a.Header = Header{
		Version:     version,
		Type:        string(typeTag),
		FileCount:   fileCount,
		NamesOffset: namesOffset,
	}

	switch a.Header.Type {
	case TypeGeneral:
		a.GnrlFiles = make([]GnrlFile, fileCount)
		for i := range a.GnrlFiles {
			f, err := parseGnrlFile(c)
			if err != nil {
				return nil, errors.Wrapf(err, "ba2: gnrl descriptor %d", i)
			}
			a.GnrlFiles[i] = f
		}
	case TypeTexture:
		a.TexFiles = make([]TexFile, fileCount)
		for i := range a.TexFiles {
			f, err := parseTexFile(c)
			if err != nil {
				return nil, errors.Wrapf(err, "ba2: dx10 descriptor %d", i)
			}
			a.TexFiles[i] = f
		}
	default:
		return nil, &errs.UnsupportedFormat{Magic: magic + ":" + a.Header.Type}
	}

	if namesOffset > uint64(len(buf)) {
		return nil, &errs.SchemaViolation{Detail: "names_offset beyond end of buffer"}
	}
	nc := cursor.New(buf)
	nc.At(int(namesOffset))
	a.NameTable = make([]string, fileCount)
	for i := range a.NameTable {
		name, err := nc.ReadLengthPrefixedString(cursor.LengthU16)
		if err != nil {
			return nil, &errs.SchemaViolation{Detail: "name table shorter than file_count: " + err.Error()}
		}
		a.NameTable[i] = name
	}

	return a, nil
}

func parseGnrlFile(c *cursor.Cursor) (GnrlFile, error) {
	nameHash, err := c.ReadU32()
	if err != nil {
		return GnrlFile{}, err
	}
	ext, err := c.ReadBytes(4)
	if err != nil {
		return GnrlFile{}, err
	}
	dirHash, err := c.ReadU32()
	if err != nil {
		return GnrlFile{}, err
	}
	if _, err := c.ReadU32(); err != nil { // reserved
		return GnrlFile{}, err
	}
	offset, err := c.ReadU64()
	if err != nil {
		return GnrlFile{}, err
	}
	packedSize, err := c.ReadU32()
	if err != nil {
		return GnrlFile{}, err
	}
	originalSize, err := c.ReadU32()
	if err != nil {
		return GnrlFile{}, err
	}
	if _, err := c.ReadU32(); err != nil { // reserved
		return GnrlFile{}, err
	}
	return GnrlFile{
		NameHash:     nameHash,
		Extension:    string(ext),
		DirHash:      dirHash,
		Offset:       offset,
		PackedSize:   packedSize,
		OriginalSize: originalSize,
	}, nil
}

func parseTexFile(c *cursor.Cursor) (TexFile, error) {
	hash, err := c.ReadU32()
	if err != nil {
		return TexFile{}, err
	}
	ext, err := c.ReadBytes(4)
	if err != nil {
		return TexFile{}, err
	}
	dirHash, err := c.ReadU32()
	if err != nil {
		return TexFile{}, err
	}
	if _, err := c.ReadU8(); err != nil { // reserved
		return TexFile{}, err
	}
	chunkCount, err := c.ReadU8()
	if err != nil {
		return TexFile{}, err
	}
	if _, err := c.ReadU16(); err != nil { // chunk_header_size
		return TexFile{}, err
	}
	height, err := c.ReadU16()
	if err != nil {
		return TexFile{}, err
	}
	width, err := c.ReadU16()
	if err != nil {
		return TexFile{}, err
	}
	mipCount, err := c.ReadU8()
	if err != nil {
		return TexFile{}, err
	}
	format, err := c.ReadU8()
	if err != nil {
		return TexFile{}, err
	}
	reserved, err := c.ReadU16()
	if err != nil {
		return TexFile{}, err
	}

	chunks := make([]TexChunk, chunkCount)
	for i := range chunks {
		offset, err := c.ReadU64()
		if err != nil {
			return TexFile{}, err
		}
		packedSize, err := c.ReadU32()
		if err != nil {
			return TexFile{}, err
		}
		unpackedSize, err := c.ReadU32()
		if err != nil {
			return TexFile{}, err
		}
		startMip, err := c.ReadU16()
		if err != nil {
			return TexFile{}, err
		}
		endMip, err := c.ReadU16()
		if err != nil {
			return TexFile{}, err
		}
		if _, err := c.ReadU32(); err != nil { // reserved
			return TexFile{}, err
		}
		chunks[i] = TexChunk{
			Offset: offset, PackedSize: packedSize, UnpackedSize: unpackedSize,
			StartMip: startMip, EndMip: endMip,
		}
	}

	return TexFile{
		Hash: hash, Extension: string(ext), DirHash: dirHash,
		ChunkCount: chunkCount, Height: height, Width: width,
		MipCount: mipCount, DXGIFormat: dds.DXGIFormat(format), Reserved: reserved,
		Chunks: chunks,
	}, nil
}

// File is a decoded archive entry.
type File struct {
	Path string
	Data []byte
}

// Files lazily iterates every entry, reconstructing DDS headers for DX10
// textures and decompressing zlib-packed chunks/payloads. An entry with
// an unrecognized DXGI format yields nothing and is logged as a
// diagnostic, per spec; it does not stop iteration.
func (a *Archive) Files(yield func(File, error) bool) {
	switch a.Header.Type {
	case TypeGeneral:
		for i, f := range a.GnrlFiles {
			file, err := a.decodeGnrl(f, i)
			if !yield(file, err) {
				return
			}
		}
	case TypeTexture:
		for i, t := range a.TexFiles {
			file, ok, err := a.decodeTex(t, i)
			if err != nil {
				if !yield(File{}, err) {
					return
				}
				continue
			}
			if !ok {
				continue
			}
			if !yield(file, nil) {
				return
			}
		}
	}
}

func (a *Archive) decodeGnrl(f GnrlFile, index int) (File, error) {
	raw, err := readAt(a.raw, int(f.Offset), int(originalOrPacked(f)))
	if err != nil {
		return File{}, err
	}
	data := raw
	if f.PackedSize > 0 {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return File{}, &errs.CodecError{Codec: "zlib", Cause: err}
		}
		defer zr.Close()
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return File{}, &errs.CodecError{Codec: "zlib", Cause: err}
		}
		if uint32(len(decompressed)) != f.OriginalSize {
			a.logger.WithFields(logrus.Fields{
				"want": f.OriginalSize,
				"have": len(decompressed),
			}).Warn("ba2: gnrl decompressed size mismatch")
		}
		data = decompressed
	}
	path, err := namedPath(a.NameTable, index)
	if err != nil {
		return File{}, err
	}
	return File{Path: path, Data: data}, nil
}

func originalOrPacked(f GnrlFile) uint32 {
	if f.PackedSize > 0 {
		return f.PackedSize
	}
	return f.OriginalSize
}

func (a *Archive) decodeTex(t TexFile, index int) (File, bool, error) {
	header, _, err := dds.BuildHeader(dds.Descriptor{
		Width: t.Width, Height: t.Height, MipCount: t.MipCount,
		Format: t.DXGIFormat, Reserved: t.Reserved,
	})
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"format": t.DXGIFormat,
			"index":  index,
		}).Warn("ba2: unsupported DXGI format, skipping texture")
		return File{}, false, nil
	}

	out := make([]byte, 0, len(header))
	out = append(out, header...)
	for _, chunk := range t.Chunks {
		if chunk.PackedSize > 0 {
			raw, err := readAt(a.raw, int(chunk.Offset), int(chunk.PackedSize))
			if err != nil {
				return File{}, false, err
			}
			zr, err := zlib.NewReader(bytes.NewReader(raw))
			if err != nil {
				return File{}, false, &errs.CodecError{Codec: "zlib", Cause: err}
			}
			decompressed, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return File{}, false, &errs.CodecError{Codec: "zlib", Cause: err}
			}
			out = append(out, decompressed...)
		} else {
			raw, err := readAt(a.raw, int(chunk.Offset), int(chunk.UnpackedSize))
			if err != nil {
				return File{}, false, err
			}
			out = append(out, raw...)
		}
	}

	path, err := namedPath(a.NameTable, index)
	if err != nil {
		return File{}, false, err
	}
	return File{Path: path, Data: out}, true, nil
}

func namedPath(names []string, index int) (string, error) {
	if index >= len(names) {
		return "", &errs.SchemaViolation{Detail: "name table shorter than file_count"}
	}
	return normalizePath(names[index])
}

// normalizePath converts Windows-style backslash separators to forward
// slashes and rejects absolute paths or traversal segments, matching
// bsa.normalizePath (BA2 name-table entries are backslash-separated the
// same way BSA directory/file names are).
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

func readAt(buf []byte, offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > len(buf) {
		return nil, &errs.TruncatedInput{Want: n, Have: len(buf) - offset, At: offset}
	}
	return buf[offset : offset+n], nil
}
