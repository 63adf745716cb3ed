package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"storaged/internal/binlog"
	"storaged/internal/checkpoint"
	"storaged/internal/history"
	"storaged/internal/metrics"
	"storaged/internal/peer"
	"storaged/internal/tracker"
	"storaged/internal/trunk"
)

// Options configures the recovery coordinator.
type Options struct {
	GroupName  string
	ServerID   string
	StorePaths []string
	Threads    int

	RetryInterval   time.Duration // backoff for peer/tracker retries
	PollInterval    time.Duration // worker liveness poll period
	CheckpointEvery int           // records between mark flushes

	ShutdownWaitIters int           // bounded shutdown wait iterations
	ShutdownTick      time.Duration // length of one wait iteration
}

func (o *Options) applyDefaults() {
	if o.Threads <= 0 {
		o.Threads = 1
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 1000
	}
	if o.ShutdownWaitIters <= 0 {
		o.ShutdownWaitIters = 30
	}
	if o.ShutdownTick <= 0 {
		o.ShutdownTick = time.Second
	}
}

// Coordinator drives disk recovery for the storage node's data paths.
// Each path runs its own prepare/split/replay/finish state machine;
// the peer-selection cursor is the only state shared across paths.
type Coordinator struct {
	opts    Options
	tracker tracker.Client
	dialer  peer.Dialer
	codec   trunk.PathCodec
	metrics *metrics.Collector
	history *history.Store // optional
	cursor  atomic.Uint32
	log     *zap.Logger
}

// NewCoordinator creates a coordinator. history may be nil.
func NewCoordinator(opts Options, trackerClient tracker.Client,
	dialer peer.Dialer, codec trunk.PathCodec, collector *metrics.Collector,
	hist *history.Store, log *zap.Logger) *Coordinator {

	opts.applyDefaults()
	return &Coordinator{
		opts:    opts,
		tracker: trackerClient,
		dialer:  dialer,
		codec:   codec,
		metrics: collector,
		history: hist,
		log:     log,
	}
}

// MarkForRecovery schedules a data path for recovery by creating its
// flag file. The storage node calls this when it detects a rebuilt or
// blank data volume.
func MarkForRecovery(basePath string) error {
	return checkpoint.WriteFlag(basePath, checkpoint.Flag{
		SavedStatus:     int(tracker.StatusNone),
		FetchBinlogDone: false,
		RecoveryThreads: -1,
	})
}

// Run restores every configured data path in order. A path that fails
// keeps its on-disk recovery state and does not stop the remaining
// paths; the first error is returned after all paths were attempted.
func (c *Coordinator) Run(ctx context.Context) error {
	var firstErr error
	for i, basePath := range c.opts.StorePaths {
		if err := c.RestorePath(ctx, i); err != nil {
			if errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
				return ErrInterrupted
			}
			c.log.Error("disk recovery of data path failed",
				zap.String("base_path", basePath), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RestorePath runs the recovery state machine for one data path. It
// returns nil when the path needs no recovery or recovered fully,
// ErrInterrupted when shutdown stopped it, and the underlying error
// otherwise. On any non-nil return the on-disk checkpoints are left
// intact for the next start.
func (c *Coordinator) RestorePath(ctx context.Context, storePathIndex int) error {
	basePath := c.opts.StorePaths[storePathIndex]
	log := c.log.With(zap.String("base_path", basePath))

	migrated, err := checkpoint.MigrateLegacy(basePath)
	if err != nil {
		return fmt.Errorf("legacy state migration: %w", err)
	}
	if migrated {
		log.Info("migrated legacy recovery state")
	}

	flag, err := checkpoint.ReadFlag(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to recover
		}
		return fmt.Errorf("load flag file: %w", err)
	}

	log.Info("disk recovery: begin recovery of data path")
	started := time.Now()

	selector := tracker.NewSelector(c.tracker, c.opts.GroupName,
		c.opts.ServerID, len(c.opts.StorePaths), &c.cursor,
		c.opts.RetryInterval, log)
	source, savedStatus, err := selector.SelectSource(ctx)
	if err != nil {
		if errors.Is(err, tracker.ErrNoSourceNeeded) {
			log.Info("no source storage server, disk recovery finished")
			err = c.finishPath(basePath, flag)
			c.recordRun(basePath, started, history.OutcomeNoSource, nil, "")
			return err
		}
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return err
	}

	if !flag.FetchBinlogDone {
		flag, err = c.prepare(ctx, storePathIndex, source, savedStatus)
	} else if flag.RecoveryThreads != c.opts.Threads {
		flag, err = c.reshard(ctx, storePathIndex, flag, source, savedStatus)
	} else if !c.shardsPresent(basePath, flag.RecoveryThreads) {
		// A crash between split and the first mark flush can lose
		// shards; only a fresh snapshot can rebuild them.
		log.Warn("shard files missing, restarting from snapshot fetch")
		flag, err = c.prepare(ctx, storePathIndex, source, savedStatus)
	}
	if err != nil {
		if errors.Is(err, ErrInterrupted) || ctx.Err() != nil {
			return ErrInterrupted
		}
		c.recordRun(basePath, started, history.OutcomeFailed, nil, err.Error())
		return err
	}

	threads, err := c.replay(ctx, storePathIndex, source)
	if err != nil {
		outcome := history.OutcomeFailed
		if errors.Is(err, ErrInterrupted) {
			outcome = history.OutcomeInterrupted
		}
		c.recordRun(basePath, started, outcome, threads, err.Error())
		return err
	}

	if err := c.reportStatus(ctx, tracker.Status(flag.SavedStatus)); err != nil {
		return err
	}
	if err := c.finishPath(basePath, flag); err != nil {
		return err
	}
	c.recordRun(basePath, started, history.OutcomeFinished, threads, "")
	log.Info("disk recovery: end of recovery of data path")
	return nil
}

// prepare fetches a fresh binlog snapshot from the source peer and
// splits it into the configured shard count.
func (c *Coordinator) prepare(ctx context.Context, storePathIndex int,
	source tracker.ServerInfo, savedStatus tracker.Status) (checkpoint.Flag, error) {

	basePath := c.opts.StorePaths[storePathIndex]
	flag := checkpoint.Flag{
		SavedStatus:     int(savedStatus),
		FetchBinlogDone: false,
		RecoveryThreads: -1,
	}
	if err := checkpoint.WriteFlag(basePath, flag); err != nil {
		return flag, err
	}

	// The tracker must see this node in RECOVERY before it starts
	// pulling a peer's files.
	if err := c.reportStatus(ctx, tracker.StatusRecovery); err != nil {
		return flag, err
	}

	if err := c.fetchSnapshot(ctx, storePathIndex, source); err != nil {
		return flag, fmt.Errorf("fetch binlog snapshot: %w", err)
	}

	snapshot := checkpoint.BinlogPath(basePath, -1)
	if err := c.splitInto(basePath, snapshot, c.opts.Threads); err != nil {
		return flag, err
	}
	if err := os.Remove(snapshot); err != nil && !os.IsNotExist(err) {
		return flag, fmt.Errorf("remove binlog snapshot: %w", err)
	}

	flag.FetchBinlogDone = true
	flag.RecoveryThreads = c.opts.Threads
	if err := checkpoint.WriteFlag(basePath, flag); err != nil {
		return flag, err
	}
	return flag, nil
}

// reshard redistributes existing shards across the newly configured
// thread count. Missing shards force a restart from prepare.
func (c *Coordinator) reshard(ctx context.Context, storePathIndex int,
	flag checkpoint.Flag, source tracker.ServerInfo,
	savedStatus tracker.Status) (checkpoint.Flag, error) {

	basePath := c.opts.StorePaths[storePathIndex]
	oldThreads := flag.RecoveryThreads
	newThreads := c.opts.Threads
	c.log.Info("recovery thread count changed, re-splitting shards",
		zap.String("base_path", basePath),
		zap.Int("old", oldThreads), zap.Int("new", newThreads))

	combined, err := c.combineShards(basePath, oldThreads)
	if err != nil {
		if os.IsNotExist(err) {
			c.log.Warn("shard files missing, restarting from snapshot fetch",
				zap.String("base_path", basePath))
			return c.prepare(ctx, storePathIndex, source, savedStatus)
		}
		return flag, err
	}
	defer os.Remove(combined)

	if err := c.splitInto(basePath, combined, newThreads); err != nil {
		return flag, err
	}
	if newThreads < oldThreads {
		if err := checkpoint.RemoveThreadFiles(basePath, newThreads, oldThreads); err != nil {
			return flag, err
		}
	}

	flag.RecoveryThreads = newThreads
	if err := checkpoint.WriteFlag(basePath, flag); err != nil {
		return flag, err
	}
	return flag, nil
}

// replay spawns one worker per shard and waits for all of them.
func (c *Coordinator) replay(ctx context.Context, storePathIndex int,
	source tracker.ServerInfo) ([]*ThreadData, error) {

	basePath := c.opts.StorePaths[storePathIndex]
	log := c.log.With(zap.String("base_path", basePath))
	log.Info("disk recovery: recovering files of data path",
		zap.Int("threads", c.opts.Threads),
		zap.String("source_peer", source.Addr))

	pool := NewPool(ctx, log)
	threads := make([]*ThreadData, c.opts.Threads)
	for i := 0; i < c.opts.Threads; i++ {
		data := &ThreadData{Index: i, BasePath: basePath}
		threads[i] = data
		worker := NewWorker(data, c.opts.StorePaths,
			c.dialer, source.Addr, c.codec, c.metrics,
			c.opts.RetryInterval, c.opts.CheckpointEvery, log)
		pool.Spawn(func(ctx context.Context) {
			worker.Run(ctx, pool)
		})
	}

	interrupted := c.waitForWorkers(ctx, pool)
	pool.JoinAll()

	var total, success, missing, skipped int64
	var firstErr error
	allDone := true
	for _, data := range threads {
		total += data.Total.Load()
		success += data.Success.Load()
		missing += data.Missing.Load()
		skipped += data.Skipped.Load()
		if !data.Done() {
			allDone = false
		}
		if err := data.Result(); err != nil && firstErr == nil &&
			!errors.Is(err, ErrInterrupted) {
			firstErr = err
		}
	}
	log.Info("disk recovery: replay finished",
		zap.Int64("total", total),
		zap.Int64("success", success),
		zap.Int64("missing", missing),
		zap.Int64("skipped", skipped),
		zap.Bool("all_done", allDone))

	if firstErr != nil {
		return threads, firstErr
	}
	if interrupted || !allDone {
		return threads, ErrInterrupted
	}
	return threads, nil
}

// waitForWorkers polls worker liveness until every worker exited or
// shutdown was requested. On shutdown it runs the bounded escalation
// wait and reports interrupted=true.
func (c *Coordinator) waitForWorkers(ctx context.Context, pool *Pool) bool {
	for {
		if pool.Live() == 0 {
			return false
		}
		select {
		case <-time.After(c.opts.PollInterval):
		case <-ctx.Done():
			c.shutdownWait(pool)
			return true
		}
	}
}

// shutdownWait gives workers a bounded window to exit: cooperative
// cancel first, connection escalation at the halfway point.
func (c *Coordinator) shutdownWait(pool *Pool) {
	pool.RequestCancel()
	for i := 0; i < c.opts.ShutdownWaitIters; i++ {
		if pool.Live() == 0 {
			return
		}
		if i == c.opts.ShutdownWaitIters/2 {
			pool.Escalate()
		}
		time.Sleep(c.opts.ShutdownTick)
	}
	if live := pool.Live(); live > 0 {
		c.log.Warn("workers still alive after shutdown wait",
			zap.Int("live", live))
	}
}

// fetchSnapshot streams the peer's one-path binlog into the local
// snapshot file.
func (c *Coordinator) fetchSnapshot(ctx context.Context, storePathIndex int,
	source tracker.ServerInfo) error {

	basePath := c.opts.StorePaths[storePathIndex]
	conn, err := c.dialer.Dial(ctx, source.Addr)
	if err != nil {
		return fmt.Errorf("connect to source peer %s: %w", source.Addr, err)
	}
	defer conn.Close()

	snapshot := checkpoint.BinlogPath(basePath, -1)
	f, err := os.OpenFile(snapshot, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}

	n, err := conn.FetchBinlog(ctx, storePathIndex, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	c.log.Info("recovery binlog snapshot fetched",
		zap.String("base_path", basePath), zap.Int64("bytes", n))
	return nil
}

// splitInto partitions srcBinlog into count shards with fresh marks.
func (c *Coordinator) splitInto(basePath, srcBinlog string, count int) error {
	shardPaths := make([]string, count)
	for i := range shardPaths {
		shardPaths[i] = checkpoint.BinlogPath(basePath, i)
	}
	if err := binlog.Split(srcBinlog, shardPaths); err != nil {
		return fmt.Errorf("split recovery binlog: %w", err)
	}
	for i := 0; i < count; i++ {
		if err := checkpoint.WriteMark(basePath, i, checkpoint.Mark{}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) shardsPresent(basePath string, threads int) bool {
	for i := 0; i < threads; i++ {
		if _, err := os.Stat(checkpoint.BinlogPath(basePath, i)); err != nil {
			return false
		}
	}
	return true
}

// combineShards concatenates the existing shard files into one
// temporary binlog used as the re-split source. Any missing shard
// propagates its os.IsNotExist error.
func (c *Coordinator) combineShards(basePath string, threads int) (string, error) {
	combined := checkpoint.BinlogPath(basePath, -1) + ".combine"
	out, err := os.OpenFile(combined, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("create combine file: %w", err)
	}

	for i := 0; i < threads; i++ {
		in, err := os.Open(checkpoint.BinlogPath(basePath, i))
		if err != nil {
			out.Close()
			os.Remove(combined)
			return "", err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(combined)
			return "", fmt.Errorf("combine shard %d: %w", i, err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(combined)
		return "", fmt.Errorf("close combine file: %w", err)
	}
	return combined, nil
}

// finishPath removes every recovery artifact of a fully recovered (or
// trivially clean) data path.
func (c *Coordinator) finishPath(basePath string, flag checkpoint.Flag) error {
	threads := flag.RecoveryThreads
	if threads < c.opts.Threads {
		threads = c.opts.Threads
	}
	if err := checkpoint.RemoveThreadFiles(basePath, 0, threads); err != nil {
		return err
	}
	snapshot := checkpoint.BinlogPath(basePath, -1)
	if err := os.Remove(snapshot); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	if err := os.Remove(checkpoint.MarkPath(basePath, -1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove legacy mark: %w", err)
	}
	return checkpoint.RemoveFlag(basePath)
}

// reportStatus pushes a storage status to the tracker, retrying until
// acknowledged or shutdown.
func (c *Coordinator) reportStatus(ctx context.Context, status tracker.Status) error {
	for {
		err := c.tracker.ReportStatus(ctx, c.opts.GroupName, c.opts.ServerID, status)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		c.log.Warn("report storage status to tracker failed, retrying",
			zap.Int("status", int(status)), zap.Error(err))
		if sleepCtx(ctx, c.opts.RetryInterval) != nil {
			return ErrInterrupted
		}
	}
}

func (c *Coordinator) recordRun(basePath string, started time.Time,
	outcome history.Outcome, threads []*ThreadData, lastError string) {

	if c.history == nil {
		return
	}
	run := history.Run{
		BasePath:   basePath,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Outcome:    outcome,
		LastError:  lastError,
	}
	for _, data := range threads {
		run.Total += data.Total.Load()
		run.Success += data.Success.Load()
		run.Skipped += data.Missing.Load() + data.Skipped.Load()
	}
	if err := c.history.Record(run); err != nil {
		c.log.Warn("record recovery run in history failed", zap.Error(err))
	}
}
