package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, 5*time.Minute, cfg.Bootstrap.Lookback.Duration)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[kafka]
brokers = ["kafka-1:9092", "kafka-2:9092"]
feed_topic = "md"

[bootstrap]
enabled = true
lookback = "30m"
poll_timeout = "5s"

[book]
snapshot_depth = 20

[api]
listen_addr = ":9999"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "md", cfg.Kafka.FeedTopic)
	require.Equal(t, 30*time.Minute, cfg.Bootstrap.Lookback.Duration)
	require.Equal(t, 5*time.Second, cfg.Bootstrap.PollTimeout.Duration)
	require.Equal(t, 20, cfg.Book.SnapshotDepth)
	require.Equal(t, ":9999", cfg.API.ListenAddr)

	// Untouched sections keep their defaults.
	require.Equal(t, "bookd", cfg.Kafka.ConsumerGroup)
	require.Equal(t, 250*time.Millisecond, cfg.Outbox.DrainInterval.Duration)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[bootstrap]
lookback = "soon"
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[kafka]
brokers = []
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
