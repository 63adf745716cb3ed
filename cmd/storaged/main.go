package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storaged/internal/config"
	"storaged/internal/history"
	"storaged/internal/logger"
	"storaged/internal/metrics"
	"storaged/internal/node"
	"storaged/internal/recovery"
	"storaged/internal/trunk"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile   string
	rebuildPaths []string
)

var rootCmd = &cobra.Command{
	Use:   "storaged",
	Short: "Storage node disk recovery",
	Long: `Runs the storage node's disk recovery routine: every data path with
pending recovery state replays a source peer's binlog snapshot until the
local file set is rebuilt. Recovery is resumable across restarts.`,
	RunE: runRecovery,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Node flags
	rootCmd.Flags().String("group", "", "replication group name")
	rootCmd.Flags().String("server-id", "", "this node's server id")
	rootCmd.Flags().String("client-ip", "", "this node's client ip")
	rootCmd.Flags().StringSlice("store-path", nil, "local data path (repeatable)")
	rootCmd.Flags().StringSlice("tracker", nil, "tracker server address (repeatable)")

	// Recovery flags
	rootCmd.Flags().Int("recovery-threads", 1, "recovery worker threads per data path")
	rootCmd.Flags().Int("retry-interval", 5, "peer/tracker retry interval in seconds")
	rootCmd.Flags().Int("checkpoint-interval", 1000, "records between checkpoint flushes")
	rootCmd.Flags().String("history", "./recovery-history.db", "recovery history database file")
	rootCmd.Flags().String("metrics-addr", "", "metrics listen address (empty disables)")
	rootCmd.Flags().String("log-level", "info", "log level (debug/info/warn/error)")
	rootCmd.Flags().StringSliceVar(&rebuildPaths, "rebuild", nil,
		"data path whose volume was rebuilt; schedules it for recovery (repeatable)")
}

func runRecovery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	for _, basePath := range rebuildPaths {
		if err := recovery.MarkForRecovery(basePath); err != nil {
			return fmt.Errorf("failed to schedule recovery of %s: %w", basePath, err)
		}
		log.Info("data path scheduled for recovery", zap.String("base_path", basePath))
	}

	collector := metrics.New()
	if cfg.Recovery.MetricsAddr != "" {
		go func() {
			if err := collector.StartServer(cfg.Recovery.MetricsAddr); err != nil {
				log.Error("failed to start metrics server", zap.Error(err))
			}
		}()
	}

	var hist *history.Store
	if cfg.Recovery.History != "" {
		hist, err = history.Open(cfg.Recovery.History)
		if err != nil {
			return fmt.Errorf("failed to open recovery history: %w", err)
		}
		defer hist.Close()
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("received shutdown signal, gracefully stopping...")
		cancel()
	}()

	coordinator := recovery.NewCoordinator(recovery.Options{
		GroupName:       cfg.Node.GroupName,
		ServerID:        cfg.Node.ServerID,
		StorePaths:      cfg.Node.StorePaths,
		Threads:         cfg.Recovery.Threads,
		RetryInterval:   time.Duration(cfg.Recovery.RetryIntervalSec) * time.Second,
		CheckpointEvery: cfg.Recovery.CheckpointInterval,
	}, node.NewTrackerClient(cfg.Node.TrackerServers),
		node.NewPeerDialer(cfg.Node.GroupName),
		trunk.NewCodec(cfg.Node.StorePaths), collector, hist, log)

	err = coordinator.Run(ctx)
	if errors.Is(err, recovery.ErrInterrupted) {
		log.Warn("disk recovery interrupted, checkpoints preserved")
		return nil
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
