package binlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Run("create file", func(t *testing.T) {
		rec := Record{
			Timestamp: 1700000000,
			Op:        OpSourceCreateFile,
			Path:      "M00/3F/2A/wKgBbWXyz123.dat",
		}
		line := Encode(rec)
		assert.Equal(t, "1700000000 C M00/3F/2A/wKgBbWXyz123.dat\n", line)

		got, err := DecodeLine(line)
		require.NoError(t, err)
		assert.Equal(t, rec.Timestamp, got.Timestamp)
		assert.Equal(t, rec.Op, got.Op)
		assert.Equal(t, rec.Path, got.Path)
		assert.Equal(t, "3F/2A/wKgBbWXyz123.dat", got.TruePath)
		assert.Equal(t, 0x00, got.StorePathIndex)
		assert.Empty(t, got.SourcePath)
	})

	t.Run("create link carries source path", func(t *testing.T) {
		rec := Record{
			Timestamp:  1700000001,
			Op:         OpReplicaCreateLink,
			Path:       "M01/00/00/link.dat",
			SourcePath: "M01/00/00/target.dat",
		}
		line := Encode(rec)
		assert.Equal(t, "1700000001 l M01/00/00/link.dat M01/00/00/target.dat\n", line)

		got, err := DecodeLine(line)
		require.NoError(t, err)
		assert.Equal(t, "M01/00/00/link.dat", got.Path)
		assert.Equal(t, "M01/00/00/target.dat", got.SourcePath)
		assert.Equal(t, 1, got.StorePathIndex)
	})

	t.Run("decode without trailing newline", func(t *testing.T) {
		got, err := DecodeLine("1700000000 D M00/00/00/x.dat")
		require.NoError(t, err)
		assert.Equal(t, OpSourceDeleteFile, got.Op)
	})
}

func TestDecodeCorruptLines(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"missing op", "1700000000"},
		{"bad timestamp", "xyz C M00/00/00/a.dat"},
		{"unknown op", "1700000000 Z M00/00/00/a.dat"},
		{"multi char op", "1700000000 CC M00/00/00/a.dat"},
		{"link without source", "1700000000 L M00/00/00/a.dat"},
		{"empty path", "1700000000 C "},
		{"bad prefix index", "1700000000 C Mzz/00/00/a.dat"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeLine(tc.line)
			assert.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}

func TestDecodeRejectsOverlongPath(t *testing.T) {
	long := "M00/"
	for len(long) <= MaxPathLen {
		long += "aaaaaaaa/"
	}
	_, err := DecodeLine("1700000000 C " + long)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestSplitPath(t *testing.T) {
	t.Run("prefixed", func(t *testing.T) {
		truePath, idx, err := SplitPath("M02/11/22/name.dat")
		require.NoError(t, err)
		assert.Equal(t, "11/22/name.dat", truePath)
		assert.Equal(t, 2, idx)
	})

	t.Run("legacy without prefix", func(t *testing.T) {
		truePath, idx, err := SplitPath("00/00/oldname.dat")
		require.NoError(t, err)
		assert.Equal(t, "00/00/oldname.dat", truePath)
		assert.Equal(t, 0, idx)
	})

	t.Run("hex index", func(t *testing.T) {
		_, idx, err := SplitPath("M0A/00/00/name.dat")
		require.NoError(t, err)
		assert.Equal(t, 10, idx)
	})

	t.Run("malformed prefix", func(t *testing.T) {
		_, _, err := SplitPath("M00x00/00/name.dat")
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
}

func TestOpTypeClassification(t *testing.T) {
	assert.True(t, OpSourceCreateFile.IsCreateFile())
	assert.True(t, OpReplicaCreateFile.IsCreateFile())
	assert.False(t, OpSourceCreateLink.IsCreateFile())

	assert.True(t, OpSourceCreateLink.IsCreateLink())
	assert.True(t, OpReplicaCreateLink.IsCreateLink())
	assert.False(t, OpSourceDeleteFile.IsCreateLink())

	for _, op := range []OpType{OpSourceCreateLink, OpReplicaCreateLink,
		OpSourceRenameFile, OpReplicaRenameFile} {
		assert.True(t, op.HasSourcePath(), "op %c", op)
	}
	for _, op := range []OpType{OpSourceCreateFile, OpSourceAppendFile,
		OpReplicaDeleteFile, OpReplicaTruncateFile} {
		assert.False(t, op.HasSourcePath(), "op %c", op)
	}
}
