package binlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "binlog.000")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReaderSequential(t *testing.T) {
	records := []Record{
		{Timestamp: 1700000000, Op: OpSourceCreateFile, Path: "M00/00/00/a.dat"},
		{Timestamp: 1700000001, Op: OpReplicaCreateFile, Path: "M00/00/01/b.dat"},
		{Timestamp: 1700000002, Op: OpSourceCreateLink,
			Path: "M00/00/02/c.dat", SourcePath: "M00/00/00/a.dat"},
	}
	var content strings.Builder
	for _, rec := range records {
		content.WriteString(Encode(rec))
	}
	path := writeLog(t, content.String())

	r, err := Open(path, 0)
	require.NoError(t, err)
	defer r.Close()

	var total int
	for _, want := range records {
		got, n, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want.Path, got.Path)
		assert.Equal(t, want.Op, got.Op)
		assert.Equal(t, len(Encode(want)), n)
		total += n
	}
	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrEndOfLog)
	assert.Equal(t, content.Len(), total, "lengths must sum to the file size")
}

func TestReaderResumeAtOffset(t *testing.T) {
	first := Encode(Record{Timestamp: 1, Op: OpSourceCreateFile, Path: "M00/00/00/a.dat"})
	second := Encode(Record{Timestamp: 2, Op: OpSourceCreateFile, Path: "M00/00/00/b.dat"})
	path := writeLog(t, first+second)

	r, err := Open(path, int64(len(first)))
	require.NoError(t, err)
	defer r.Close()

	got, n, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "M00/00/00/b.dat", got.Path)
	assert.Equal(t, len(second), n)

	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrEndOfLog)
}

func TestReaderResumeAtEnd(t *testing.T) {
	content := Encode(Record{Timestamp: 1, Op: OpSourceCreateFile, Path: "M00/00/00/a.dat"})
	path := writeLog(t, content)

	r, err := Open(path, int64(len(content)))
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrEndOfLog)
}

func TestReaderTornTrailingWrite(t *testing.T) {
	whole := Encode(Record{Timestamp: 1, Op: OpSourceCreateFile, Path: "M00/00/00/a.dat"})
	path := writeLog(t, whole+"1700000002 C M00/00")

	r, err := Open(path, 0)
	require.NoError(t, err)
	defer r.Close()

	got, _, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "M00/00/00/a.dat", got.Path)

	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrEndOfLog, "a partial tail line ends the log")
}

func TestReaderCorruptLineEndsLog(t *testing.T) {
	good := Encode(Record{Timestamp: 1, Op: OpSourceCreateFile, Path: "M00/00/00/a.dat"})
	path := writeLog(t, good+"garbage line here\n"+good)

	r, err := Open(path, 0)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Next()
	require.NoError(t, err)

	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrEndOfLog)
}

func TestReaderOversizeLineEndsLog(t *testing.T) {
	path := writeLog(t, "1700000000 C "+strings.Repeat("a", 400)+"\n")

	r, err := Open(path, 0)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrEndOfLog)
}

func TestReaderEmptyFile(t *testing.T) {
	r, err := Open(writeLog(t, ""), 0)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrEndOfLog)
}
