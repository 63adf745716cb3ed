package binlog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OpType is the single-character operation tag persisted in a binlog
// line. Upper case ops originate on this node, lower case ops were
// replayed from a replica.
type OpType byte

const (
	OpSourceCreateFile   OpType = 'C'
	OpSourceAppendFile   OpType = 'A'
	OpSourceDeleteFile   OpType = 'D'
	OpSourceUpdateFile   OpType = 'U'
	OpSourceModifyFile   OpType = 'M'
	OpSourceTruncateFile OpType = 'T'
	OpSourceCreateLink   OpType = 'L'
	OpSourceRenameFile   OpType = 'R'

	OpReplicaCreateFile   OpType = 'c'
	OpReplicaAppendFile   OpType = 'a'
	OpReplicaDeleteFile   OpType = 'd'
	OpReplicaUpdateFile   OpType = 'u'
	OpReplicaModifyFile   OpType = 'm'
	OpReplicaTruncateFile OpType = 't'
	OpReplicaCreateLink   OpType = 'l'
	OpReplicaRenameFile   OpType = 'r'
)

const (
	// MaxPathLen is the longest logical path a binlog line may carry.
	MaxPathLen = 127

	storePathPrefixChar = 'M'
	logicPathPrefixLen  = 4 // "Mxx/"
)

// ErrCorruptRecord reports a binlog line that cannot be decoded.
// Readers treat it as end-of-log so a truncated trailing write never
// poisons a resumable replay.
var ErrCorruptRecord = errors.New("binlog: corrupt record")

// Record is one decoded binlog line
type Record struct {
	Timestamp      uint32
	Op             OpType
	Path           string // logical path, includes the store path prefix
	TruePath       string // Path with the store path prefix stripped
	SourcePath     string // set only for link/rename ops
	StorePathIndex int
}

// IsValid reports whether b is a known operation tag.
func (b OpType) IsValid() bool {
	switch b {
	case OpSourceCreateFile, OpSourceAppendFile, OpSourceDeleteFile,
		OpSourceUpdateFile, OpSourceModifyFile, OpSourceTruncateFile,
		OpSourceCreateLink, OpSourceRenameFile,
		OpReplicaCreateFile, OpReplicaAppendFile, OpReplicaDeleteFile,
		OpReplicaUpdateFile, OpReplicaModifyFile, OpReplicaTruncateFile,
		OpReplicaCreateLink, OpReplicaRenameFile:
		return true
	}
	return false
}

// IsCreateFile reports whether b uploads a whole new file.
func (b OpType) IsCreateFile() bool {
	return b == OpSourceCreateFile || b == OpReplicaCreateFile
}

// IsCreateLink reports whether b creates a symbol link.
func (b OpType) IsCreateLink() bool {
	return b == OpSourceCreateLink || b == OpReplicaCreateLink
}

// HasSourcePath reports whether lines with this tag carry a second,
// source path column.
func (b OpType) HasSourcePath() bool {
	switch b {
	case OpSourceCreateLink, OpReplicaCreateLink,
		OpSourceRenameFile, OpReplicaRenameFile:
		return true
	}
	return false
}

// Encode renders r as one binlog line, trailing newline included.
func Encode(r Record) string {
	if r.Op.HasSourcePath() {
		return fmt.Sprintf("%d %c %s %s\n", r.Timestamp, r.Op, r.Path, r.SourcePath)
	}
	return fmt.Sprintf("%d %c %s\n", r.Timestamp, r.Op, r.Path)
}

// DecodeLine parses one binlog line. The trailing newline is optional.
// Any malformed field yields ErrCorruptRecord.
func DecodeLine(line string) (Record, error) {
	line = strings.TrimSuffix(line, "\n")

	var r Record
	tsField, rest, ok := strings.Cut(line, " ")
	if !ok {
		return r, fmt.Errorf("%w: missing op column: %q", ErrCorruptRecord, line)
	}
	ts, err := strconv.ParseUint(tsField, 10, 32)
	if err != nil {
		return r, fmt.Errorf("%w: bad timestamp %q", ErrCorruptRecord, tsField)
	}

	opField, rest, ok := strings.Cut(rest, " ")
	if !ok || len(opField) != 1 {
		return r, fmt.Errorf("%w: bad op column: %q", ErrCorruptRecord, line)
	}
	op := OpType(opField[0])
	if !op.IsValid() {
		return r, fmt.Errorf("%w: unknown op %q", ErrCorruptRecord, opField)
	}

	r.Timestamp = uint32(ts)
	r.Op = op
	r.Path = rest

	if op.HasSourcePath() {
		path, src, ok := strings.Cut(rest, " ")
		if !ok || src == "" {
			return r, fmt.Errorf("%w: op %c expects a source path: %q",
				ErrCorruptRecord, op, line)
		}
		r.Path = path
		r.SourcePath = src
	}
	if r.Path == "" || len(r.Path) > MaxPathLen {
		return r, fmt.Errorf("%w: bad path length %d", ErrCorruptRecord, len(r.Path))
	}

	r.TruePath, r.StorePathIndex, err = SplitPath(r.Path)
	if err != nil {
		return r, err
	}
	return r, nil
}

// SplitPath strips the store path prefix ("Mxx/", xx hexadecimal) from
// a logical path. Paths without the prefix predate the prefix scheme
// and map to store path 0.
func SplitPath(logicalPath string) (truePath string, storePathIndex int, err error) {
	if logicalPath == "" {
		return "", 0, fmt.Errorf("%w: empty path", ErrCorruptRecord)
	}
	if logicalPath[0] != storePathPrefixChar {
		return logicalPath, 0, nil
	}
	if len(logicalPath) <= logicPathPrefixLen || logicalPath[3] != '/' {
		return "", 0, fmt.Errorf("%w: bad store path prefix: %q",
			ErrCorruptRecord, logicalPath)
	}
	idx, err := strconv.ParseUint(logicalPath[1:3], 16, 8)
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad store path index: %q",
			ErrCorruptRecord, logicalPath)
	}
	return logicalPath[logicPathPrefixLen:], int(idx), nil
}
