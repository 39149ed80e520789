package ba2

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func put16(buf *bytes.Buffer, v uint16) { binary.Write(buf, binary.LittleEndian, v) }
func put32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.LittleEndian, v) }
func put64(buf *bytes.Buffer, v uint64) { binary.Write(buf, binary.LittleEndian, v) }

func writeNameEntry(buf *bytes.Buffer, name string) {
	put16(buf, uint16(len(name)))
	buf.WriteString(name)
}

// buildGnrl assembles a one-file GNRL archive, optionally zlib-compressed.
func buildGnrl(t *testing.T, name string, payload []byte, compressed bool) []byte {
	t.Helper()

	var body []byte
	var packedSize, originalSize uint32
	originalSize = uint32(len(payload))
	if compressed {
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		_, err := zw.Write(payload)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		body = zbuf.Bytes()
		packedSize = uint32(len(body))
	} else {
		body = payload
		packedSize = 0
	}

	const headerLen = 24
	const descLen = 36
	dataOffset := uint64(headerLen + descLen)
	namesOffset := dataOffset + uint64(len(body))

	var desc bytes.Buffer
	put32(&desc, 0xAAAA)        // name_hash
	desc.WriteString("TEX\x00") // ext (padded to 4)
	put32(&desc, 0xBBBB)        // dir_hash
	put32(&desc, 0)             // reserved
	put64(&desc, dataOffset)
	put32(&desc, packedSize)
	put32(&desc, originalSize)
	put32(&desc, 0) // reserved

	var header bytes.Buffer
	header.WriteString("BTDX")
	put32(&header, 1)
	header.WriteString("GNRL")
	put32(&header, 1) // file_count
	put64(&header, namesOffset)

	var names bytes.Buffer
	writeNameEntry(&names, name)

	out := append(header.Bytes(), desc.Bytes()...)
	out = append(out, body...)
	out = append(out, names.Bytes()...)
	return out
}

func TestParseGnrlNormalizesBackslashPaths(t *testing.T) {
	buf := buildGnrl(t, `textures\rocks\wall.dds`, []byte("hello world"), false)
	a, err := Parse(buf)
	require.NoError(t, err)

	var files []File
	a.Files(func(f File, err error) bool {
		require.NoError(t, err)
		files = append(files, f)
		return true
	})
	require.Len(t, files, 1)
	require.Equal(t, "textures/rocks/wall.dds", files[0].Path)
}

func TestNormalizePathRejectsTraversal(t *testing.T) {
	_, err := normalizePath(`..\..\windows\system32`)
	require.Error(t, err)

	_, err = normalizePath("/etc/passwd")
	require.Error(t, err)

	p, err := normalizePath(`meshes\sword.nif`)
	require.NoError(t, err)
	require.Equal(t, "meshes/sword.nif", p)
}

func TestAcceptsGnrl(t *testing.T) {
	buf := buildGnrl(t, "textures/wall.dds", []byte("hello world"), false)
	require.True(t, Accepts(buf))
}

func TestParseGnrlUncompressed(t *testing.T) {
	buf := buildGnrl(t, "sound/click.wav", []byte("riff-fake-wav-data"), false)
	a, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, TypeGeneral, a.Header.Type)

	var files []File
	a.Files(func(f File, err error) bool {
		require.NoError(t, err)
		files = append(files, f)
		return true
	})
	require.Len(t, files, 1)
	require.Equal(t, "sound/click.wav", files[0].Path)
	require.Equal(t, "riff-fake-wav-data", string(files[0].Data))
}

func TestParseGnrlCompressed(t *testing.T) {
	payload := []byte("this is a payload long enough to benefit from compression compression")
	buf := buildGnrl(t, "scripts/foo.pex", payload, true)
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

// buildDX10BC1 builds the S4 scenario: one BC1_UNORM 4x4 texture, mip
// count 1, one uncompressed 8-byte chunk.
func buildDX10BC1(t *testing.T, name string, chunkPayload []byte) []byte {
	t.Helper()

	const headerLen = 24
	const descFixedLen = 24
	const chunkLen = 24
	dataOffset := uint64(headerLen + descFixedLen + chunkLen)
	namesOffset := dataOffset + uint64(len(chunkPayload))

	var desc bytes.Buffer
	put32(&desc, 0xCCCC)          // hash
	desc.WriteString("DDS\x00")   // ext
	put32(&desc, 0xDDDD)          // dir_hash
	desc.WriteByte(0)             // reserved
	desc.WriteByte(1)             // chunk_count
	put16(&desc, 24)              // chunk_header_size
	put16(&desc, 4)               // height
	put16(&desc, 4)               // width
	desc.WriteByte(1)             // mip_count
	desc.WriteByte(71)            // dxgi format BC1_UNORM
	put16(&desc, 0)               // reserved

	var chunk bytes.Buffer
	put64(&chunk, dataOffset)
	put32(&chunk, 0) // packed_size 0 (uncompressed)
	put32(&chunk, uint32(len(chunkPayload)))
	put16(&chunk, 0) // start_mip
	put16(&chunk, 0) // end_mip
	put32(&chunk, 0) // reserved

	var header bytes.Buffer
	header.WriteString("BTDX")
	put32(&header, 1)
	header.WriteString("DX10")
	put32(&header, 1)
	put64(&header, namesOffset)

	var names bytes.Buffer
	writeNameEntry(&names, name)

	out := append(header.Bytes(), desc.Bytes()...)
	out = append(out, chunk.Bytes()...)
	out = append(out, chunkPayload...)
	out = append(out, names.Bytes()...)
	return out
}

func TestParseDX10BuildsDDSHeader(t *testing.T) {
	chunkPayload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	buf := buildDX10BC1(t, "textures/rock01.dds", chunkPayload)

	a, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, TypeTexture, a.Header.Type)

	var files []File
	a.Files(func(f File, err error) bool {
		require.NoError(t, err)
		files = append(files, f)
		return true
	})
	require.Len(t, files, 1)

	data := files[0].Data
	require.Equal(t, "DDS ", string(data[0:4]))
	require.Equal(t, uint32(124), binary.LittleEndian.Uint32(data[4:8]))     // dwSize
	require.Equal(t, uint32(32), binary.LittleEndian.Uint32(data[76:80]))    // ddspf.dwSize
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(data[12:16]))    // height
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(data[16:20]))    // width
	require.Equal(t, uint32(8), binary.LittleEndian.Uint32(data[20:24]))    // pitch/linear size
	require.Equal(t, chunkPayload, data[len(data)-8:])
}
