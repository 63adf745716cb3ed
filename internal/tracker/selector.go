package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNoSourceNeeded reports that this node has nothing to recover:
// either it never held data worth recovering or it cannot have a
// source peer.
var ErrNoSourceNeeded = errors.New("tracker: no source storage server needed")

// Selector picks the source storage server a data path recovers from.
//
// The scan cursor is shared across every data path and advanced on
// every call, so repeated recoveries spread their read load across the
// group instead of always hammering the first active peer.
type Selector struct {
	client         Client
	group          string
	selfID         string
	storePathCount int
	cursor         *atomic.Uint32
	retryInterval  time.Duration
	log            *zap.Logger
}

// NewSelector creates a selector. cursor is the rotating scan cursor
// shared by all data paths of this node.
func NewSelector(client Client, group, selfID string, storePathCount int,
	cursor *atomic.Uint32, retryInterval time.Duration, log *zap.Logger) *Selector {

	return &Selector{
		client:         client,
		group:          group,
		selfID:         selfID,
		storePathCount: storePathCount,
		cursor:         cursor,
		retryInterval:  retryInterval,
		log:            log,
	}
}

// SelectSource returns a live readable peer and this node's last saved
// storage status. It returns ErrNoSourceNeeded when recovery is not
// required, and the context error once shutdown is requested; any
// transient tracker failure is retried until then.
func (s *Selector) SelectSource(ctx context.Context) (ServerInfo, Status, error) {
	savedStatus, err := s.fetchSavedStatus(ctx)
	if err != nil {
		return ServerInfo{}, StatusNone, err
	}

	for {
		peer, err := s.scanOnce(ctx)
		if err == nil {
			s.log.Debug("selected source storage server",
				zap.String("peer_id", peer.ID),
				zap.String("peer_addr", peer.Addr))
			return peer, savedStatus, nil
		}
		if !errors.Is(err, errRetryScan) {
			return ServerInfo{}, StatusNone, err
		}
		if err := sleepCtx(ctx, s.retryInterval); err != nil {
			return ServerInfo{}, StatusNone, err
		}
	}
}

func (s *Selector) fetchSavedStatus(ctx context.Context) (Status, error) {
	for {
		status, err := s.client.GetStorageStatus(ctx, s.group, s.selfID)
		if err == nil {
			switch status {
			case StatusInit:
				s.log.Info("storage status is INIT, recovery not needed",
					zap.String("server_id", s.selfID))
				return status, ErrNoSourceNeeded
			case StatusIPChanged, StatusDeleted:
				s.log.Warn("storage status rules out recovery",
					zap.String("server_id", s.selfID),
					zap.Int("status", int(status)))
				return status, ErrNoSourceNeeded
			}
			return status, nil
		}
		if errors.Is(err, ErrNotRegistered) {
			s.log.Warn("storage server not registered in tracker",
				zap.String("server_id", s.selfID))
			return StatusNone, ErrNoSourceNeeded
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return StatusNone, ctxErr
		}

		s.log.Warn("query storage status from tracker failed, retrying",
			zap.Error(err))
		if err := sleepCtx(ctx, s.retryInterval); err != nil {
			return StatusNone, err
		}
	}
}

// errRetryScan makes SelectSource sleep and rescan.
var errRetryScan = errors.New("retry scan")

func (s *Selector) scanOnce(ctx context.Context) (ServerInfo, error) {
	stat, err := s.client.GetGroupStat(ctx, s.group)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ServerInfo{}, ctxErr
		}
		s.log.Warn("query group stat from tracker failed", zap.Error(err))
		return ServerInfo{}, errRetryScan
	}

	if stat.StorageCount <= 0 {
		s.log.Warn("group has no storage servers",
			zap.Int("storage_count", stat.StorageCount))
		return ServerInfo{}, errRetryScan
	}
	if stat.StorageCount == 1 {
		s.log.Info("single storage server in group, recovery not needed")
		return ServerInfo{}, ErrNoSourceNeeded
	}
	if s.storePathCount > stat.StorePathCount {
		s.log.Info("local store path count exceeds the group's, recovery not needed",
			zap.Int("local", s.storePathCount),
			zap.Int("group", stat.StorePathCount))
		return ServerInfo{}, ErrNoSourceNeeded
	}
	if stat.ActiveCount <= 0 {
		return ServerInfo{}, errRetryScan
	}

	servers, err := s.client.ListServers(ctx, s.group)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ServerInfo{}, ctxErr
		}
		s.log.Warn("list group servers from tracker failed", zap.Error(err))
		return ServerInfo{}, errRetryScan
	}
	if len(servers) <= 1 {
		s.log.Warn("server list shrank below two entries",
			zap.Int("count", len(servers)))
		return ServerInfo{}, errRetryScan
	}

	start := int(s.cursor.Add(1)) % len(servers)
	for i := 0; i < len(servers); i++ {
		candidate := servers[(start+i)%len(servers)]
		if candidate.ID == s.selfID {
			continue
		}
		if candidate.Status == StatusActive && candidate.CanRead {
			return candidate, nil
		}
	}
	return ServerInfo{}, errRetryScan
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
