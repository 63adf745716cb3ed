package tracker

import (
	"context"
	"errors"
)

// Status is a storage server status as kept by the tracker.
type Status int

const (
	StatusInit      Status = 0
	StatusWaitSync  Status = 1
	StatusSyncing   Status = 2
	StatusIPChanged Status = 3
	StatusDeleted   Status = 4
	StatusOffline   Status = 5
	StatusOnline    Status = 6
	StatusActive    Status = 7
	StatusRecovery  Status = 9
	StatusNone      Status = 99
)

// ErrNotRegistered is returned by Client implementations when this
// storage server is unknown to the tracker.
var ErrNotRegistered = errors.New("tracker: storage server not registered")

// GroupStat describes one replication group.
type GroupStat struct {
	StorageCount   int
	ActiveCount    int
	StorePathCount int
}

// ServerInfo describes one storage server of a group.
type ServerInfo struct {
	ID      string
	Addr    string
	Status  Status
	CanRead bool
}

// Client is the directory-service surface the recovery engine needs.
// The wire implementation lives with the tracker client, outside this
// engine.
type Client interface {
	GetStorageStatus(ctx context.Context, group, serverID string) (Status, error)
	GetGroupStat(ctx context.Context, group string) (GroupStat, error)
	ListServers(ctx context.Context, group string) ([]ServerInfo, error)
	ReportStatus(ctx context.Context, group, serverID string, status Status) error
}
