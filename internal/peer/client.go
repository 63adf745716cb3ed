package peer

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by DownloadFile when the source peer no
// longer has the requested file. Recovery counts and skips these: the
// file was deleted after the binlog snapshot was taken.
var ErrNotFound = errors.New("peer: file not found")

// Conn is one established connection to a source storage server. The
// TCP transfer protocol behind it is owned by the storage node's wire
// layer, not by the recovery engine.
type Conn interface {
	// FetchBinlog streams the peer's binlog snapshot for one store
	// path into w and returns the byte count.
	FetchBinlog(ctx context.Context, storePathIndex int, w io.Writer) (int64, error)

	// DownloadFile streams the named logical file into w and returns
	// the byte count. A missing file yields ErrNotFound.
	DownloadFile(ctx context.Context, logicalPath string, w io.Writer) (int64, error)

	// Close tears the connection down. Closing a connection unblocks
	// any transfer currently pending on it.
	Close() error
}

// Dialer establishes connections to storage peers.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}
