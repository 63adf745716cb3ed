package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("group", "", "")
	flags.String("server-id", "", "")
	flags.String("client-ip", "", "")
	flags.StringSlice("store-path", nil, "")
	flags.StringSlice("tracker", nil, "")
	flags.Int("recovery-threads", 1, "")
	flags.Int("retry-interval", 5, "")
	flags.Int("checkpoint-interval", 1000, "")
	flags.String("history", "", "")
	flags.String("metrics-addr", "", "")
	flags.String("log-level", "info", "")
	return flags
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storaged.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validYAML = `
node:
  group_name: group1
  server_id: storage-01
  client_ip: 10.0.0.5
  store_paths:
    - /var/fdfs/path0
    - /var/fdfs/path1
  tracker_servers:
    - 10.0.0.2:22122
recovery:
  threads: 4
  retry_interval_sec: 10
log_level: debug
`

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, validYAML), testFlags())
	require.NoError(t, err)

	assert.Equal(t, "group1", cfg.Node.GroupName)
	assert.Equal(t, "storage-01", cfg.Node.ServerID)
	assert.Equal(t, []string{"/var/fdfs/path0", "/var/fdfs/path1"}, cfg.Node.StorePaths)
	assert.Equal(t, []string{"10.0.0.2:22122"}, cfg.Node.TrackerServers)
	assert.Equal(t, 4, cfg.Recovery.Threads)
	assert.Equal(t, 10, cfg.Recovery.RetryIntervalSec)
	assert.Equal(t, "debug", cfg.LogLevel)

	// untouched fields keep their defaults
	assert.Equal(t, 1000, cfg.Recovery.CheckpointInterval)
	assert.Equal(t, "./recovery-history.db", cfg.Recovery.History)
}

func TestFlagsOverrideFile(t *testing.T) {
	flags := testFlags()
	require.NoError(t, flags.Parse([]string{
		"--group=group9",
		"--recovery-threads=8",
		"--log-level=warn",
	}))

	cfg, err := Load(writeConfigFile(t, validYAML), flags)
	require.NoError(t, err)

	assert.Equal(t, "group9", cfg.Node.GroupName)
	assert.Equal(t, 8, cfg.Recovery.Threads)
	assert.Equal(t, "warn", cfg.LogLevel)
	// flag left at its default does not clobber the file value
	assert.Equal(t, "storage-01", cfg.Node.ServerID)
}

func TestLoadFromFlagsOnly(t *testing.T) {
	flags := testFlags()
	require.NoError(t, flags.Parse([]string{
		"--group=group1",
		"--server-id=storage-01",
		"--store-path=/var/fdfs/path0",
		"--tracker=10.0.0.2:22122",
	}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "group1", cfg.Node.GroupName)
	assert.Equal(t, []string{"/var/fdfs/path0"}, cfg.Node.StorePaths)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing group", `
node:
  server_id: s1
  store_paths: [/p0]
  tracker_servers: [t:22122]
`},
		{"missing server id", `
node:
  group_name: g1
  store_paths: [/p0]
  tracker_servers: [t:22122]
`},
		{"no store paths", `
node:
  group_name: g1
  server_id: s1
  tracker_servers: [t:22122]
`},
		{"no trackers", `
node:
  group_name: g1
  server_id: s1
  store_paths: [/p0]
`},
		{"zero threads", `
node:
  group_name: g1
  server_id: s1
  store_paths: [/p0]
  tracker_servers: [t:22122]
recovery:
  threads: 0
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tc.yaml), testFlags())
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), testFlags())
	assert.Error(t, err)
}
