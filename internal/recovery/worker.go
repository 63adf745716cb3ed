package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"storaged/internal/binlog"
	"storaged/internal/checkpoint"
	"storaged/internal/metrics"
	"storaged/internal/peer"
	"storaged/internal/trunk"
)

// ErrInterrupted reports that shutdown stopped a recovery before it
// finished. All checkpoints are flushed; the next process start
// resumes from them.
var ErrInterrupted = errors.New("recovery: interrupted by shutdown")

// errInvalidEntry is fatal to a worker: a recovery binlog may only
// carry create-file and create-link records.
var errInvalidEntry = errors.New("recovery: invalid binlog entry")

// ThreadData is the coordinator-owned state of one recovery worker.
type ThreadData struct {
	Index    int
	BasePath string

	done   atomic.Bool
	result error

	Total   atomic.Int64
	Success atomic.Int64
	Missing atomic.Int64
	Skipped atomic.Int64
}

// Done reports whether the worker replayed its shard to the end.
func (d *ThreadData) Done() bool { return d.done.Load() }

// Result is the worker's final error. Valid only after the worker
// goroutine exited.
func (d *ThreadData) Result() error { return d.result }

// Worker replays one binlog shard against local disk and a source
// peer.
type Worker struct {
	data            *ThreadData
	storePaths      []string
	dialer          peer.Dialer
	peerAddr        string
	codec           trunk.PathCodec
	metrics         *metrics.Collector
	retryInterval   time.Duration
	checkpointEvery int
	log             *zap.Logger
}

// NewWorker creates a worker for one shard of basePath's recovery
// binlog.
func NewWorker(data *ThreadData, storePaths []string,
	dialer peer.Dialer, peerAddr string, codec trunk.PathCodec,
	collector *metrics.Collector, retryInterval time.Duration,
	checkpointEvery int, log *zap.Logger) *Worker {

	return &Worker{
		data:            data,
		storePaths:      storePaths,
		dialer:          dialer,
		peerAddr:        peerAddr,
		codec:           codec,
		metrics:         collector,
		retryInterval:   retryInterval,
		checkpointEvery: checkpointEvery,
		log: log.With(
			zap.Int("thread", data.Index),
			zap.String("base_path", data.BasePath)),
	}
}

// Run replays the shard until it is exhausted, a fatal entry is hit,
// or the context is cancelled. It stores the outcome in the worker's
// ThreadData.
func (w *Worker) Run(ctx context.Context, pool *Pool) {
	w.metrics.WorkerStarted()
	defer w.metrics.WorkerExited()

	w.data.result = w.replay(ctx, pool)
	if w.data.result != nil {
		w.log.Error("recovery worker failed", zap.Error(w.data.result))
	}
}

func (w *Worker) replay(ctx context.Context, pool *Pool) error {
	base := w.data.BasePath
	for {
		if ctx.Err() != nil {
			return ErrInterrupted
		}

		mark, err := checkpoint.ReadMark(base, w.data.Index)
		if err != nil {
			return fmt.Errorf("load mark file: %w", err)
		}
		reader, err := binlog.Open(checkpoint.BinlogPath(base, w.data.Index),
			mark.BinlogOffset)
		if err != nil {
			return fmt.Errorf("open shard binlog: %w", err)
		}

		conn, err := w.dialer.Dial(ctx, w.peerAddr)
		if err != nil {
			reader.Close()
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			w.log.Warn("connect to source peer failed, retrying",
				zap.String("peer", w.peerAddr), zap.Error(err))
			if err := sleepCtx(ctx, w.retryInterval); err != nil {
				return ErrInterrupted
			}
			continue
		}
		pool.RegisterConn(w.data.Index, conn)

		passDone, err := w.replayPass(ctx, conn, reader, &mark)
		flushErr := checkpoint.WriteMark(base, w.data.Index, mark)

		pool.UnregisterConn(w.data.Index)
		conn.Close()
		reader.Close()

		if err != nil {
			return err
		}
		if flushErr != nil {
			return fmt.Errorf("flush mark file: %w", flushErr)
		}
		if passDone {
			w.logProgress("shard replay done")
			w.data.done.Store(true)
			return nil
		}

		// The pass aborted on a transient error. Reconnect and
		// resume from the flushed mark.
		if err := sleepCtx(ctx, w.retryInterval); err != nil {
			return ErrInterrupted
		}
	}
}

// replayPass consumes records over one peer connection. It returns
// done=true when the shard is exhausted, and (false, nil) when the
// pass hit a transient error and should be retried on a fresh
// connection. The mark offset only advances past records whose side
// effects completed.
func (w *Worker) replayPass(ctx context.Context, conn peer.Conn,
	reader *binlog.Reader, mark *checkpoint.Mark) (bool, error) {

	sinceFlush := 0
	for {
		if ctx.Err() != nil {
			return false, ErrInterrupted
		}

		rec, length, err := reader.Next()
		if err != nil {
			if errors.Is(err, binlog.ErrEndOfLog) {
				return true, nil
			}
			return false, fmt.Errorf("read shard binlog: %w", err)
		}

		w.data.Total.Add(1)
		switch {
		case rec.Op.IsCreateFile():
			err = w.downloadFile(ctx, conn, rec)
		case rec.Op.IsCreateLink():
			err = w.createLink(rec)
		default:
			return false, fmt.Errorf("%w: op %c at offset %d",
				errInvalidEntry, rec.Op, mark.BinlogOffset)
		}
		if err != nil {
			if errors.Is(err, errInvalidEntry) || errors.Is(err, ErrInterrupted) {
				return false, err
			}
			w.log.Warn("replay pass aborted, will reconnect and resume",
				zap.Int64("offset", mark.BinlogOffset), zap.Error(err))
			return false, nil
		}

		mark.BinlogOffset += int64(length)
		sinceFlush++
		if sinceFlush >= w.checkpointEvery {
			sinceFlush = 0
			if err := checkpoint.WriteMark(w.data.BasePath,
				w.data.Index, *mark); err != nil {
				return false, fmt.Errorf("flush mark file: %w", err)
			}
			w.logProgress("recovery progress")
		}
	}
}

// downloadFile fetches one file from the source peer into its local
// location, downloading to a temporary sibling and renaming so an
// existing target is never half-overwritten.
func (w *Worker) downloadFile(ctx context.Context, conn peer.Conn, rec binlog.Record) error {
	remotePath := rec.Path
	localPath := ""
	isTrunk := w.codec.IsTrunkPath(rec.Path)
	if isTrunk {
		info, err := w.codec.Decode(rec.StorePathIndex, rec.TruePath)
		if err != nil {
			// Undecodable trunk reference: skip it, the container
			// cannot be located anyway.
			w.log.Warn("skipping undecodable trunk reference",
				zap.String("path", rec.Path), zap.Error(err))
			w.data.Skipped.Add(1)
			w.metrics.IncRecord(metrics.OutcomeSkipped)
			return nil
		}
		localPath = w.codec.FullPath(info)
		// Recover the whole trunk container: swap the logical last
		// path element for the container name on the remote side too.
		remotePath = filepath.Join(filepath.Dir(rec.Path), filepath.Base(localPath))
	} else {
		if rec.StorePathIndex >= len(w.storePaths) {
			return fmt.Errorf("%w: store path index %d out of range",
				errInvalidEntry, rec.StorePathIndex)
		}
		localPath = filepath.Join(w.storePaths[rec.StorePathIndex],
			"data", rec.TruePath)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("create parent dir of %s: %w", localPath, err)
	}

	tmpPath := localPath + ".recovery.tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create download temp file: %w", err)
	}

	start := time.Now()
	n, err := conn.DownloadFile(ctx, remotePath, f)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmpPath)
		if errors.Is(err, peer.ErrNotFound) {
			// Deleted on the peer after the snapshot was taken.
			w.data.Missing.Add(1)
			w.metrics.IncRecord(metrics.OutcomeMissing)
			return nil
		}
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close download temp file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename downloaded file into place: %w", err)
	}

	if !isTrunk {
		mtime := time.Unix(int64(rec.Timestamp), 0)
		if err := os.Chtimes(localPath, mtime, mtime); err != nil {
			w.log.Debug("set file times failed",
				zap.String("path", localPath), zap.Error(err))
		}
	}

	w.data.Success.Add(1)
	w.metrics.IncRecord(metrics.OutcomeSuccess)
	w.metrics.AddBytes(n)
	w.metrics.ObserveDownload(time.Since(start))
	return nil
}

// createLink re-creates one symbol link. An already existing link or a
// vanished link source was applied or deleted by an earlier pass, both
// are tolerated.
func (w *Worker) createLink(rec binlog.Record) error {
	if rec.SourcePath == "" {
		return fmt.Errorf("%w: link record without source path: %s",
			errInvalidEntry, rec.Path)
	}

	linkPath, err := w.resolveLocal(rec.Path)
	if err != nil {
		return err
	}
	targetPath, err := w.resolveLocal(rec.SourcePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		return fmt.Errorf("create parent dir of %s: %w", linkPath, err)
	}
	if err := os.Symlink(targetPath, linkPath); err != nil {
		if os.IsExist(err) || os.IsNotExist(err) {
			w.log.Debug("tolerated link failure",
				zap.String("link", linkPath),
				zap.String("target", targetPath),
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("link %s to %s: %w", targetPath, linkPath, err)
	}

	w.data.Success.Add(1)
	w.metrics.IncRecord(metrics.OutcomeSuccess)
	return nil
}

// resolveLocal maps a logical path to its physical path, trunk-aware.
func (w *Worker) resolveLocal(logicalPath string) (string, error) {
	truePath, idx, err := binlog.SplitPath(logicalPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidEntry, err)
	}
	if w.codec.IsTrunkPath(logicalPath) {
		info, err := w.codec.Decode(idx, truePath)
		if err == nil {
			return w.codec.FullPath(info), nil
		}
	}
	if idx >= len(w.storePaths) {
		return "", fmt.Errorf("%w: store path index %d out of range",
			errInvalidEntry, idx)
	}
	return filepath.Join(w.storePaths[idx], "data", truePath), nil
}

func (w *Worker) logProgress(msg string) {
	w.log.Info(msg,
		zap.Int64("total", w.data.Total.Load()),
		zap.Int64("success", w.data.Success.Load()),
		zap.Int64("missing", w.data.Missing.Load()),
		zap.Int64("skipped", w.data.Skipped.Load()))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
