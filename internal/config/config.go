package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the storage node configuration
type Config struct {
	Node     Node     `yaml:"node"`
	Recovery Recovery `yaml:"recovery"`
	LogLevel string   `yaml:"log_level"`
}

// Node identifies this storage node within its replication group
type Node struct {
	GroupName      string   `yaml:"group_name"`
	ServerID       string   `yaml:"server_id"`
	ClientIP       string   `yaml:"client_ip"`
	StorePaths     []string `yaml:"store_paths"`
	TrackerServers []string `yaml:"tracker_servers"`
}

// Recovery represents disk-recovery specific configuration
type Recovery struct {
	Threads            int    `yaml:"threads"`
	RetryIntervalSec   int    `yaml:"retry_interval_sec"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	History            string `yaml:"history"`
	MetricsAddr        string `yaml:"metrics_addr"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Recovery: Recovery{
			Threads:            1,
			RetryIntervalSec:   5,
			CheckpointInterval: 1000,
			History:            "./recovery-history.db",
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("group") {
		cfg.Node.GroupName, _ = flags.GetString("group")
	}
	if flags.Changed("server-id") {
		cfg.Node.ServerID, _ = flags.GetString("server-id")
	}
	if flags.Changed("client-ip") {
		cfg.Node.ClientIP, _ = flags.GetString("client-ip")
	}
	if flags.Changed("store-path") {
		cfg.Node.StorePaths, _ = flags.GetStringSlice("store-path")
	}
	if flags.Changed("tracker") {
		cfg.Node.TrackerServers, _ = flags.GetStringSlice("tracker")
	}

	if flags.Changed("recovery-threads") {
		cfg.Recovery.Threads, _ = flags.GetInt("recovery-threads")
	}
	if flags.Changed("retry-interval") {
		cfg.Recovery.RetryIntervalSec, _ = flags.GetInt("retry-interval")
	}
	if flags.Changed("checkpoint-interval") {
		cfg.Recovery.CheckpointInterval, _ = flags.GetInt("checkpoint-interval")
	}
	if flags.Changed("history") {
		cfg.Recovery.History, _ = flags.GetString("history")
	}
	if flags.Changed("metrics-addr") {
		cfg.Recovery.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Node.GroupName == "" {
		return fmt.Errorf("group name is required")
	}
	if c.Node.ServerID == "" {
		return fmt.Errorf("server id is required")
	}
	if len(c.Node.StorePaths) == 0 {
		return fmt.Errorf("at least one store path is required")
	}
	if len(c.Node.TrackerServers) == 0 {
		return fmt.Errorf("at least one tracker server is required")
	}

	if c.Recovery.Threads <= 0 {
		return fmt.Errorf("recovery threads must be positive")
	}
	if c.Recovery.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}

	return nil
}
