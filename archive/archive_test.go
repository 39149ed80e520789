package archive

import (
	"encoding/binary"
	"os"
	"path/filepath"
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

// buildMinimalBSA assembles a single-directory, single-file, uncompressed
// v104 BSA archive with directories-named and files-named set.
func buildMinimalBSA(dirName, fileName string, payload []byte) []byte {
	var tables []byte
	tables = append(tables, u64(0x1111)...)
	tables = append(tables, u32(1)...)
	tables = append(tables, u32(0)...)

	dirNameBytes := append([]byte(dirName), 0)
	tables = append(tables, byte(len(dirNameBytes)))
	tables = append(tables, dirNameBytes...)

	tables = append(tables, u64(0x2222)...)
	tables = append(tables, u32(uint32(len(payload)))...)
	fileRecordOffsetPos := len(tables)
	tables = append(tables, u32(0)...)

	fileNameBytes := append([]byte(fileName), 0)
	tables = append(tables, fileNameBytes...)

	var header []byte
	header = append(header, []byte("BSA\x00")...)
	header = append(header, u32(104)...)
	header = append(header, u32(36)...)
	header = append(header, u32(0x001|0x002)...) // directories_named|files_named
	header = append(header, u32(1)...)
	header = append(header, u32(1)...)
	header = append(header, u32(uint32(len(dirNameBytes)))...)
	header = append(header, u32(uint32(len(fileNameBytes)))...)
	header = append(header, u32(0)...)

	headerAndTables := append(header, tables...)
	dataOffset := len(headerAndTables)
	binary.LittleEndian.PutUint32(headerAndTables[len(header)+fileRecordOffsetPos:], uint32(dataOffset))

	return append(headerAndTables, payload...)
}

func TestGetArchiveBSA(t *testing.T) {
	buf := buildMinimalBSA("textures", "rock.dds", []byte("dds-bytes"))
	a, err := GetArchive(buf)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, 1, a.FileCount())

	var files []File
	a.Files(func(f File, err error) bool {
		require.NoError(t, err)
		files = append(files, f)
		return true
	})
	require.Len(t, files, 1)
	require.Equal(t, "textures/rock.dds", files[0].Path)
}

func TestGetArchiveRejectsUnknown(t *testing.T) {
	a, err := GetArchive([]byte("not an archive"))
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestExtractWritesFilesAndReportsProgress(t *testing.T) {
	buf := buildMinimalBSA("meshes", "sword.nif", []byte("nif-bytes"))
	a, err := GetArchive(buf)
	require.NoError(t, err)

	dir := t.TempDir()
	var events []ProgressEvent
	err = Extract(a, dir, func(e ProgressEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "meshes", "sword.nif"))
	require.NoError(t, err)
	require.Equal(t, "nif-bytes", string(data))

	require.Len(t, events, 2)
	require.Equal(t, int64(0), events[0].BytesWritten)
	require.Equal(t, int64(len("nif-bytes")), events[1].BytesWritten)
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	_, err := safeJoin("/tmp/out", "../../etc/passwd")
	require.Error(t, err)

	p, err := safeJoin("/tmp/out", "meshes/sword.nif")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/tmp/out", "meshes", "sword.nif"), p)
}

func TestSafeJoinRejectsBackslashTraversal(t *testing.T) {
	// decoders normalize to forward slashes before Path reaches here, but
	// safeJoin must not rely on that alone to reject an escape attempt.
	_, err := safeJoin("/tmp/out", `..\..\etc\passwd`)
	require.Error(t, err)
}
