package node

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"storaged/internal/peer"
)

// PeerDialer implements peer.Dialer over the storage peer protocol.
type PeerDialer struct {
	group   string
	timeout time.Duration
}

// NewPeerDialer creates a dialer for peers of one replication group.
func NewPeerDialer(group string) *PeerDialer {
	return &PeerDialer{group: group, timeout: defaultNetworkTimeout}
}

func (d *PeerDialer) Dial(ctx context.Context, addr string) (peer.Conn, error) {
	nd := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to storage peer %s: %w", addr, err)
	}
	return &peerConn{conn: conn, group: d.group, timeout: d.timeout}, nil
}

// peerConn is one connection to a source storage server. Transfers
// share the connection sequentially; recovery workers never interleave
// requests on one connection.
type peerConn struct {
	conn    net.Conn
	group   string
	timeout time.Duration
}

func (p *peerConn) FetchBinlog(ctx context.Context, storePathIndex int, w io.Writer) (int64, error) {
	body := append(packGroupName(p.group), byte(storePathIndex))
	if err := writePacket(p.conn, cmdFetchOnePathBinlog, body, p.timeout); err != nil {
		return 0, err
	}
	return p.receiveStream(ctx, w)
}

func (p *peerConn) DownloadFile(ctx context.Context, logicalPath string, w io.Writer) (int64, error) {
	// offset and length zero: whole file
	body := make([]byte, 16)
	body = append(body, packGroupName(p.group)...)
	body = append(body, []byte(logicalPath)...)
	if err := writePacket(p.conn, cmdDownloadFile, body, p.timeout); err != nil {
		return 0, err
	}
	return p.receiveStream(ctx, w)
}

// receiveStream copies one response body into w, honoring context
// cancellation between chunks.
func (p *peerConn) receiveStream(ctx context.Context, w io.Writer) (int64, error) {
	h, err := readHeader(p.conn, p.timeout)
	if err != nil {
		return 0, err
	}
	if h.status == statusNotFound {
		// drain nothing: a not-found response carries no body
		return 0, peer.ErrNotFound
	}
	if h.status != statusOK {
		return 0, fmt.Errorf("peer cmd %d failed with status %d", h.cmd, h.status)
	}

	var copied int64
	buf := make([]byte, 64*1024)
	for copied < h.bodyLen {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		chunk := int64(len(buf))
		if remain := h.bodyLen - copied; remain < chunk {
			chunk = remain
		}
		p.conn.SetReadDeadline(time.Now().Add(p.timeout))
		n, err := io.ReadFull(p.conn, buf[:chunk])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return copied, fmt.Errorf("write transferred bytes: %w", werr)
			}
			copied += int64(n)
		}
		if err != nil {
			return copied, fmt.Errorf("receive file stream: %w", err)
		}
	}
	return copied, nil
}

func (p *peerConn) Close() error {
	return p.conn.Close()
}
