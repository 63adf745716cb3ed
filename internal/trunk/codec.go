package trunk

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
)

// Trunk files pack many small logical files into one container at byte
// offsets. A trunk-packed logical name embeds a 16-character base64
// block carrying {container id, offset, size}; local disk access must
// resolve through that block to the container's real path.
const (
	logicPathLen     = 10 // "Mxx/xx/xx/"
	truePathLen      = 6  // "xx/xx/"
	filenameB64Len   = 27
	fileInfoLen      = 16
	trunkNameLen     = truePathLen + filenameB64Len + fileInfoLen
	trunkLogicalLen  = trunkNameLen + (logicPathLen - truePathLen)
	containerNameLen = 6
)

// ErrInvalidReference reports a logical name that looks trunk-packed
// but does not decode.
var ErrInvalidReference = errors.New("trunk: invalid trunk file reference")

// FileInfo locates one logical file inside a trunk container.
type FileInfo struct {
	StorePathIndex int
	SubPathHigh    int
	SubPathLow     int
	ID             int32
	Offset         int32
	Size           int32
}

// PathCodec resolves trunk-packed logical names to container files.
// The trunk allocator owns the real implementation; recovery only
// consumes this surface.
type PathCodec interface {
	// IsTrunkPath reports whether a logical path references a
	// trunk-packed file.
	IsTrunkPath(logicalPath string) bool

	// Decode parses the trunk reference out of a true (prefixless)
	// path.
	Decode(storePathIndex int, truePath string) (FileInfo, error)

	// FullPath returns the local path of the container file.
	FullPath(info FileInfo) string
}

// Codec is the standard PathCodec over a node's store paths.
type Codec struct {
	storePaths []string
}

// NewCodec creates a codec resolving container paths under storePaths.
func NewCodec(storePaths []string) *Codec {
	return &Codec{storePaths: storePaths}
}

func (c *Codec) IsTrunkPath(logicalPath string) bool {
	return len(logicalPath) == trunkLogicalLen
}

func (c *Codec) Decode(storePathIndex int, truePath string) (FileInfo, error) {
	if len(truePath) != trunkNameLen {
		return FileInfo{}, fmt.Errorf("%w: name length %d != %d",
			ErrInvalidReference, len(truePath), trunkNameLen)
	}
	if truePath[2] != '/' || truePath[5] != '/' {
		return FileInfo{}, fmt.Errorf("%w: bad sub path in %q",
			ErrInvalidReference, truePath)
	}

	high, err := strconv.ParseUint(truePath[0:2], 16, 8)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%w: bad sub path %q", ErrInvalidReference, truePath[0:2])
	}
	low, err := strconv.ParseUint(truePath[3:5], 16, 8)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%w: bad sub path %q", ErrInvalidReference, truePath[3:5])
	}

	raw, err := base64.StdEncoding.WithPadding(base64.NoPadding).
		DecodeString(truePath[truePathLen+filenameB64Len:])
	if err != nil || len(raw) < 12 {
		return FileInfo{}, fmt.Errorf("%w: undecodable info block in %q",
			ErrInvalidReference, truePath)
	}

	return FileInfo{
		StorePathIndex: storePathIndex,
		SubPathHigh:    int(high),
		SubPathLow:     int(low),
		ID:             int32(binary.BigEndian.Uint32(raw[0:4])),
		Offset:         int32(binary.BigEndian.Uint32(raw[4:8])),
		Size:           int32(binary.BigEndian.Uint32(raw[8:12])),
	}, nil
}

func (c *Codec) FullPath(info FileInfo) string {
	base := ""
	if info.StorePathIndex >= 0 && info.StorePathIndex < len(c.storePaths) {
		base = c.storePaths[info.StorePathIndex]
	}
	return filepath.Join(base, "data",
		fmt.Sprintf("%02X", info.SubPathHigh),
		fmt.Sprintf("%02X", info.SubPathLow),
		fmt.Sprintf("%06d", info.ID))
}

// EncodeInfo renders the 16-character info block of a trunk reference.
// The allocator writes these; recovery tests use it to build fixtures.
func EncodeInfo(id, offset, size int32) string {
	raw := make([]byte, 12)
	binary.BigEndian.PutUint32(raw[0:4], uint32(id))
	binary.BigEndian.PutUint32(raw[4:8], uint32(offset))
	binary.BigEndian.PutUint32(raw[8:12], uint32(size))
	return base64.StdEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
}
