// Package node wires the recovery engine to the storage cluster: TCP
// clients for the tracker directory service and the storage peer
// protocol, covering exactly the commands recovery needs.
//
// Framing: every packet starts with a 10 byte header, an 8 byte
// big-endian body length followed by a command byte and a status byte.
// The status byte is zero on requests and carries an errno-style code
// on responses.
package node

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	headerSize       = 10
	groupNameMaxLen  = 16
	groupNameFieldSz = groupNameMaxLen + 1

	defaultNetworkTimeout = 30 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

// Tracker command codes.
const (
	cmdStorageGetStatus    = 71
	cmdStorageReportStatus = 76
	cmdServerListOneGroup  = 90
	cmdServerListStorage   = 92
)

// Storage peer command codes.
const (
	cmdDownloadFile       = 14
	cmdFetchOnePathBinlog = 26
)

// Response status codes mirror errno values.
const (
	statusOK       = 0
	statusNotFound = 2 // ENOENT
)

type header struct {
	bodyLen int64
	cmd     byte
	status  byte
}

func writePacket(conn net.Conn, cmd byte, body []byte, timeout time.Duration) error {
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(body)))
	buf[8] = cmd
	copy(buf[headerSize:], body)

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("send packet cmd %d: %w", cmd, err)
	}
	return nil
}

func readHeader(conn net.Conn, timeout time.Duration) (header, error) {
	buf := make([]byte, headerSize)
	conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return header{}, fmt.Errorf("receive packet header: %w", err)
	}
	return header{
		bodyLen: int64(binary.BigEndian.Uint64(buf[0:8])),
		cmd:     buf[8],
		status:  buf[9],
	}, nil
}

func readBody(conn net.Conn, h header, timeout time.Duration) ([]byte, error) {
	body := make([]byte, h.bodyLen)
	conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("receive packet body: %w", err)
	}
	return body, nil
}

// packGroupName pads a group name into its fixed-width wire field.
func packGroupName(group string) []byte {
	field := make([]byte, groupNameFieldSz)
	copy(field, group)
	return field
}

func unpackString(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("truncated string field")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("truncated string field of length %d", n)
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

func packString(s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	b := make([]byte, 1+len(s))
	b[0] = byte(len(s))
	copy(b[1:], s)
	return b
}
