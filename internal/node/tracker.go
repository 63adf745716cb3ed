package node

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"storaged/internal/tracker"
)

// TrackerClient implements tracker.Client over the tracker wire
// protocol. Each call dials one tracker server, rotating through the
// configured addresses so a dead tracker does not pin every query.
type TrackerClient struct {
	addrs   []string
	next    atomic.Uint32
	timeout time.Duration
}

// NewTrackerClient creates a client for the given tracker addresses.
func NewTrackerClient(addrs []string) *TrackerClient {
	return &TrackerClient{addrs: addrs, timeout: defaultNetworkTimeout}
}

func (c *TrackerClient) dial(ctx context.Context) (net.Conn, error) {
	if len(c.addrs) == 0 {
		return nil, fmt.Errorf("no tracker servers configured")
	}
	addr := c.addrs[int(c.next.Add(1))%len(c.addrs)]
	d := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to tracker %s: %w", addr, err)
	}
	return conn, nil
}

func (c *TrackerClient) roundTrip(ctx context.Context, cmd byte, body []byte) ([]byte, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writePacket(conn, cmd, body, c.timeout); err != nil {
		return nil, err
	}
	h, err := readHeader(conn, c.timeout)
	if err != nil {
		return nil, err
	}
	resp, err := readBody(conn, h, c.timeout)
	if err != nil {
		return nil, err
	}
	if h.status == statusNotFound {
		return resp, tracker.ErrNotRegistered
	}
	if h.status != statusOK {
		return resp, fmt.Errorf("tracker cmd %d failed with status %d", cmd, h.status)
	}
	return resp, nil
}

func (c *TrackerClient) GetStorageStatus(ctx context.Context, group, serverID string) (tracker.Status, error) {
	body := append(packGroupName(group), packString(serverID)...)
	resp, err := c.roundTrip(ctx, cmdStorageGetStatus, body)
	if err != nil {
		return tracker.StatusNone, err
	}
	if len(resp) < 1 {
		return tracker.StatusNone, fmt.Errorf("short storage status response")
	}
	return tracker.Status(resp[0]), nil
}

func (c *TrackerClient) GetGroupStat(ctx context.Context, group string) (tracker.GroupStat, error) {
	resp, err := c.roundTrip(ctx, cmdServerListOneGroup, packGroupName(group))
	if err != nil {
		return tracker.GroupStat{}, err
	}
	if len(resp) < 24 {
		return tracker.GroupStat{}, fmt.Errorf("short group stat response: %d bytes", len(resp))
	}
	return tracker.GroupStat{
		StorageCount:   int(binary.BigEndian.Uint64(resp[0:8])),
		ActiveCount:    int(binary.BigEndian.Uint64(resp[8:16])),
		StorePathCount: int(binary.BigEndian.Uint64(resp[16:24])),
	}, nil
}

func (c *TrackerClient) ListServers(ctx context.Context, group string) ([]tracker.ServerInfo, error) {
	resp, err := c.roundTrip(ctx, cmdServerListStorage, packGroupName(group))
	if err != nil {
		return nil, err
	}

	var servers []tracker.ServerInfo
	for len(resp) > 0 {
		var info tracker.ServerInfo
		if info.ID, resp, err = unpackString(resp); err != nil {
			return nil, fmt.Errorf("server list entry: %w", err)
		}
		if info.Addr, resp, err = unpackString(resp); err != nil {
			return nil, fmt.Errorf("server list entry: %w", err)
		}
		if len(resp) < 2 {
			return nil, fmt.Errorf("server list entry: truncated flags")
		}
		info.Status = tracker.Status(resp[0])
		info.CanRead = resp[1] != 0
		resp = resp[2:]
		servers = append(servers, info)
	}
	return servers, nil
}

func (c *TrackerClient) ReportStatus(ctx context.Context, group, serverID string, status tracker.Status) error {
	body := append(packGroupName(group), byte(status))
	body = append(body, packString(serverID)...)
	_, err := c.roundTrip(ctx, cmdStorageReportStatus, body)
	return err
}
