package binlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	readBufferSize = 64 * 1024
	maxLineSize    = 256
)

// ErrEndOfLog reports that a reader has consumed every complete line.
// A truncated trailing line (a crash mid-append) also ends the log.
var ErrEndOfLog = errors.New("binlog: end of log")

// Reader is a sequential cursor over one binlog file.
//
// Next returns each record together with its encoded byte length; the
// reader never persists an offset itself. Callers add the length to
// their own checkpoint only after the record's side effect completed,
// so a crash can never move the checkpoint past applied work.
type Reader struct {
	f    *os.File
	path string

	buf    []byte
	window []byte // unconsumed slice of buf
	eof    bool
}

// Open opens the binlog at path and seeks to offset.
func Open(path string, offset int64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open binlog %s: %w", path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek binlog %s to %d: %w", path, offset, err)
		}
	}
	return &Reader{
		f:    f,
		path: path,
		buf:  make([]byte, 0, readBufferSize),
	}, nil
}

// Next decodes the next record and returns its encoded length in
// bytes. It returns ErrEndOfLog when no complete line remains.
func (r *Reader) Next() (Record, int, error) {
	line, err := r.nextLine()
	if err != nil {
		return Record{}, 0, err
	}

	rec, err := DecodeLine(string(line))
	if err != nil {
		// A malformed line cannot be distinguished from a torn
		// trailing write, so the log ends here.
		return Record{}, 0, fmt.Errorf("%w: %v", ErrEndOfLog, err)
	}
	return rec, len(line), nil
}

// nextLine returns the next full line including its newline.
func (r *Reader) nextLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(r.window, '\n'); i >= 0 {
			if i+1 > maxLineSize {
				return nil, fmt.Errorf("%w: line length %d exceeds %d",
					ErrEndOfLog, i+1, maxLineSize)
			}
			line := r.window[:i+1]
			r.window = r.window[i+1:]
			return line, nil
		}
		if r.eof {
			return nil, ErrEndOfLog
		}
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
}

func (r *Reader) fill() error {
	// keep the unconsumed tail, reuse the buffer
	n := copy(r.buf[:cap(r.buf)], r.window)
	r.buf = r.buf[:cap(r.buf)]

	read, err := r.f.Read(r.buf[n:])
	if err != nil && err != io.EOF {
		return fmt.Errorf("read binlog %s: %w", r.path, err)
	}
	if read == 0 {
		r.eof = true
	}
	r.window = r.buf[:n+read]
	return nil
}

// Close releases the file handle. The underlying file is kept.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
