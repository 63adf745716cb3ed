package recovery

// Shared test doubles for the worker and coordinator tests: an
// in-memory source peer and an in-memory tracker.

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"storaged/internal/binlog"
	"storaged/internal/checkpoint"
	"storaged/internal/peer"
	"storaged/internal/tracker"
)

// fakeDialer serves files and a binlog snapshot out of memory. All
// connections share the dialer's state so tests can count downloads
// across reconnects.
type fakeDialer struct {
	mu        sync.Mutex
	files     map[string][]byte // logical path -> content
	snapshot  []byte
	downloads map[string]int
	failNext  int // fail this many downloads with a transient error
	dials     int
}

func newFakeDialer(files map[string][]byte, snapshot []byte) *fakeDialer {
	if files == nil {
		files = make(map[string][]byte)
	}
	return &fakeDialer{
		files:     files,
		snapshot:  snapshot,
		downloads: make(map[string]int),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (peer.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return &fakeConn{d: d}, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) downloadCount(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloads[path]
}

type fakeConn struct {
	d *fakeDialer
}

func (c *fakeConn) FetchBinlog(ctx context.Context, storePathIndex int, w io.Writer) (int64, error) {
	n, err := w.Write(c.d.snapshot)
	return int64(n), err
}

func (c *fakeConn) DownloadFile(ctx context.Context, logicalPath string, w io.Writer) (int64, error) {
	c.d.mu.Lock()
	if c.d.failNext > 0 {
		c.d.failNext--
		c.d.mu.Unlock()
		return 0, errors.New("connection reset by peer")
	}
	content, ok := c.d.files[logicalPath]
	if ok {
		c.d.downloads[logicalPath]++
	}
	c.d.mu.Unlock()

	if !ok {
		return 0, peer.ErrNotFound
	}
	n, err := w.Write(content)
	return int64(n), err
}

func (c *fakeConn) Close() error { return nil }

// fakeTracker answers for a healthy two-server group unless a test
// overrides its fields.
type fakeTracker struct {
	mu       sync.Mutex
	status   tracker.Status
	stat     tracker.GroupStat
	servers  []tracker.ServerInfo
	reported []tracker.Status
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		status: tracker.StatusOffline,
		stat:   tracker.GroupStat{StorageCount: 2, ActiveCount: 1, StorePathCount: 1},
		servers: []tracker.ServerInfo{
			{ID: "self", Addr: "10.0.0.1:23000", Status: tracker.StatusRecovery},
			{ID: "peer2", Addr: "10.0.0.2:23000", Status: tracker.StatusActive, CanRead: true},
		},
	}
}

func (f *fakeTracker) GetStorageStatus(ctx context.Context, group, serverID string) (tracker.Status, error) {
	return f.status, nil
}

func (f *fakeTracker) GetGroupStat(ctx context.Context, group string) (tracker.GroupStat, error) {
	return f.stat, nil
}

func (f *fakeTracker) ListServers(ctx context.Context, group string) ([]tracker.ServerInfo, error) {
	return f.servers, nil
}

func (f *fakeTracker) ReportStatus(ctx context.Context, group, serverID string, status tracker.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, status)
	return nil
}

func (f *fakeTracker) reportedStatuses() []tracker.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracker.Status(nil), f.reported...)
}

// writeShard lays down the shard binlog and a zero mark for one thread.
func writeShard(t *testing.T, basePath string, thread int, recs ...binlog.Record) string {
	t.Helper()
	path := checkpoint.BinlogPath(basePath, thread)
	require.NoError(t, checkpoint.WriteMark(basePath, thread, checkpoint.Mark{}))
	require.NoError(t, binlog.Append(path, recs...))
	return path
}

func encodeAll(recs ...binlog.Record) []byte {
	var out []byte
	for _, rec := range recs {
		out = append(out, binlog.Encode(rec)...)
	}
	return out
}
