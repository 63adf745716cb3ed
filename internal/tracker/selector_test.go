package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	status    Status
	statusErr error
	stat      GroupStat
	statErr   error
	servers   []ServerInfo
	listErr   error

	statusCalls atomic.Int32
	statCalls   atomic.Int32
}

func (f *fakeClient) GetStorageStatus(ctx context.Context, group, serverID string) (Status, error) {
	f.statusCalls.Add(1)
	return f.status, f.statusErr
}

func (f *fakeClient) GetGroupStat(ctx context.Context, group string) (GroupStat, error) {
	f.statCalls.Add(1)
	return f.stat, f.statErr
}

func (f *fakeClient) ListServers(ctx context.Context, group string) ([]ServerInfo, error) {
	return f.servers, f.listErr
}

func (f *fakeClient) ReportStatus(ctx context.Context, group, serverID string, status Status) error {
	return nil
}

func newTestSelector(client Client) *Selector {
	return NewSelector(client, "group1", "self", 1,
		&atomic.Uint32{}, time.Millisecond, zap.NewNop())
}

func TestSelectSourcePicksActivePeer(t *testing.T) {
	client := &fakeClient{
		status: StatusOffline,
		stat:   GroupStat{StorageCount: 2, ActiveCount: 1, StorePathCount: 1},
		servers: []ServerInfo{
			{ID: "self", Addr: "10.0.0.1:23000", Status: StatusRecovery},
			{ID: "peer2", Addr: "10.0.0.2:23000", Status: StatusActive, CanRead: true},
		},
	}

	peer, saved, err := newTestSelector(client).SelectSource(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "peer2", peer.ID)
	assert.Equal(t, StatusOffline, saved)
}

func TestSelectSourceSkipsUnreadablePeer(t *testing.T) {
	client := &fakeClient{
		status: StatusOffline,
		stat:   GroupStat{StorageCount: 3, ActiveCount: 2, StorePathCount: 1},
		servers: []ServerInfo{
			{ID: "self", Status: StatusActive, CanRead: true},
			{ID: "peer2", Status: StatusActive, CanRead: false},
			{ID: "peer3", Status: StatusActive, CanRead: true},
		},
	}

	for i := 0; i < 5; i++ {
		peer, _, err := newTestSelector(client).SelectSource(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "peer3", peer.ID)
	}
}

func TestSelectSourceRotatesAcrossPeers(t *testing.T) {
	client := &fakeClient{
		status: StatusOffline,
		stat:   GroupStat{StorageCount: 3, ActiveCount: 2, StorePathCount: 1},
		servers: []ServerInfo{
			{ID: "self", Status: StatusRecovery},
			{ID: "peer2", Status: StatusActive, CanRead: true},
			{ID: "peer3", Status: StatusActive, CanRead: true},
		},
	}

	var cursor atomic.Uint32
	sel := NewSelector(client, "group1", "self", 1, &cursor, time.Millisecond, zap.NewNop())

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		peer, _, err := sel.SelectSource(context.Background())
		require.NoError(t, err)
		seen[peer.ID] = true
	}
	assert.True(t, seen["peer2"])
	assert.True(t, seen["peer3"])
}

func TestSelectSourceNoSourceNeeded(t *testing.T) {
	cases := []struct {
		name   string
		client *fakeClient
	}{
		{"status init", &fakeClient{status: StatusInit}},
		{"status ip changed", &fakeClient{status: StatusIPChanged}},
		{"status deleted", &fakeClient{status: StatusDeleted}},
		{"not registered", &fakeClient{statusErr: ErrNotRegistered}},
		{"single server group", &fakeClient{
			status: StatusOffline,
			stat:   GroupStat{StorageCount: 1, ActiveCount: 1, StorePathCount: 1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := newTestSelector(tc.client).SelectSource(context.Background())
			assert.ErrorIs(t, err, ErrNoSourceNeeded)
		})
	}
}

func TestSelectSourceMoreLocalStorePaths(t *testing.T) {
	client := &fakeClient{
		status: StatusOffline,
		stat:   GroupStat{StorageCount: 2, ActiveCount: 1, StorePathCount: 1},
	}
	sel := NewSelector(client, "group1", "self", 2,
		&atomic.Uint32{}, time.Millisecond, zap.NewNop())

	_, _, err := sel.SelectSource(context.Background())
	assert.ErrorIs(t, err, ErrNoSourceNeeded)
}

func TestSelectSourceRetriesTransientStatusError(t *testing.T) {
	client := &fakeClient{
		statusErr: errors.New("connection refused"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := newTestSelector(client).SelectSource(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, client.statusCalls.Load(), int32(1), "must retry before giving up")
}

func TestSelectSourceRetriesUntilActivePeerAppears(t *testing.T) {
	client := &fakeClient{
		status: StatusOffline,
		stat:   GroupStat{StorageCount: 2, ActiveCount: 0, StorePathCount: 1},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := newTestSelector(client).SelectSource(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, client.statCalls.Load(), int32(1))
}

func TestSelectSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{statusErr: errors.New("connection refused")}
	_, _, err := newTestSelector(client).SelectSource(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
