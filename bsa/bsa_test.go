package bsa

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// buildV104 assembles a single-directory, single-file v104 archive with
// directories-named and files-named set, optionally compressing the file
// payload and marking it compressed through the per-file size bit (the
// archive-level files-compressed flag stays clear, so the XOR rule turns
// compression on for this one file).
func buildV104(t *testing.T, dirName, fileName string, payload []byte, compressed bool) []byte {
	t.Helper()

	var tables bytes.Buffer

	// Directory record: hash, file_count, name_offset (name_offset unused by
	// this package's reader; left zero).
	tables.Write(u64(0x1111))
	tables.Write(u32(1))
	tables.Write(u32(0))

	dirNameBytes := append([]byte(dirName), 0)
	tables.WriteByte(byte(len(dirNameBytes)))
	tables.Write(dirNameBytes)

	var blob []byte
	var rawSize uint32
	if compressed {
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		_, err := zw.Write(payload)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		blob = append(u32(uint32(len(payload))), zbuf.Bytes()...)
		rawSize = uint32(len(blob)) | 0x80000000 // per-file compressed bit set
	} else {
		blob = payload
		rawSize = uint32(len(blob))
	}

	// File record: hash, size_with_flags, offset (offset patched below).
	tables.Write(u64(0x2222))
	tables.Write(u32(rawSize))
	fileRecordOffsetPos := tables.Len()
	tables.Write(u32(0))

	fileNameBytes := append([]byte(fileName), 0)
	tables.Write(fileNameBytes)

	archiveFlags := uint32(FlagDirectoriesNamed | FlagFilesNamed)

	var header bytes.Buffer
	header.WriteString("BSA\x00")
	header.Write(u32(Version104))
	header.Write(u32(36)) // directory_offset (unused by parser, header size)
	header.Write(u32(archiveFlags))
	header.Write(u32(1)) // directory_count
	header.Write(u32(1)) // file_count
	header.Write(u32(uint32(len(dirNameBytes))))
	header.Write(u32(uint32(len(fileNameBytes))))
	header.Write(u32(0)) // file_flags

	headerAndTables := append(header.Bytes(), tables.Bytes()...)
	dataOffset := len(headerAndTables)
	binary.LittleEndian.PutUint32(headerAndTables[len(header.Bytes())+fileRecordOffsetPos:], uint32(dataOffset))

	return append(headerAndTables, blob...)
}

func TestAccepts(t *testing.T) {
	buf := buildV104(t, "textures", "rock01.dds", []byte("data"), false)
	require.True(t, Accepts(buf))
	require.False(t, Accepts([]byte("not a bsa")))
}

func TestParseUncompressed(t *testing.T) {
	buf := buildV104(t, "meshes", "armor.nif", []byte("mesh-bytes"), false)
	a, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(1), a.Header.DirectoryCount)
	require.Equal(t, uint32(1), a.Header.FileCount)

	var files []File
	a.Files(func(f File, err error) bool {
		require.NoError(t, err)
		files = append(files, f)
		return true
	})
	require.Len(t, files, 1)
	require.Equal(t, "meshes/armor.nif", files[0].Path)
	require.Equal(t, "mesh-bytes", string(files[0].Data))
}

func TestParseCompressedXORLogic(t *testing.T) {
	payload := []byte("this payload compresses fine when repeated repeated repeated")
	buf := buildV104(t, "textures", "wall.dds", payload, true)
	a, err := Parse(buf)
	require.NoError(t, err)

	var files []File
	a.Files(func(f File, err error) bool {
		require.NoError(t, err)
		files = append(files, f)
		return true
	})
	require.Len(t, files, 1)
	require.Equal(t, string(payload), string(files[0].Data))
}

func TestInvariantFileCountMatchesIteration(t *testing.T) {
	buf := buildV104(t, "sound", "click.wav", []byte("rifffakewav"), false)
	a, err := Parse(buf)
	require.NoError(t, err)

	count := 0
	a.Files(func(f File, err error) bool {
		require.NoError(t, err)
		count++
		return true
	})
	require.Equal(t, int(a.Header.FileCount), count)
}

func TestUnsupportedVersion(t *testing.T) {
	buf := buildV104(t, "x", "y.txt", []byte("z"), false)
	binary.LittleEndian.PutUint32(buf[4:8], 999)
	_, err := Parse(buf)
	require.Error(t, err)
}

func TestNormalizePathRejectsTraversal(t *testing.T) {
	_, err := normalizePath("../../etc/passwd")
	require.Error(t, err)

	_, err = normalizePath("/absolute/path")
	require.Error(t, err)

	p, err := normalizePath(`meshes\armor\cuirass.nif`)
	require.NoError(t, err)
	require.Equal(t, "meshes/armor/cuirass.nif", p)
}
