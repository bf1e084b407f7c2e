package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML decoding ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the full server configuration.
type Config struct {
	Kafka     Kafka     `toml:"kafka"`
	Bootstrap Bootstrap `toml:"bootstrap"`
	Book      Book      `toml:"book"`
	Outbox    Outbox    `toml:"outbox"`
	API       API       `toml:"api"`
	LogLevel  string    `toml:"log_level"`
}

type Kafka struct {
	Brokers       []string `toml:"brokers"`
	FeedTopic     string   `toml:"feed_topic"`
	ConsumerGroup string   `toml:"consumer_group"`
	// DownstreamTopic is where the broadcaster republishes gated envelopes.
	DownstreamTopic string `toml:"downstream_topic"`
}

type Bootstrap struct {
	Enabled     bool     `toml:"enabled"`
	Lookback    Duration `toml:"lookback"`
	PollTimeout Duration `toml:"poll_timeout"`
}

type Book struct {
	// SnapshotDepth bounds published snapshot levels per side; negative
	// means the full book.
	SnapshotDepth int    `toml:"snapshot_depth"`
	Source        string `toml:"source"`
}

type Outbox struct {
	Dir           string   `toml:"dir"`
	DrainInterval Duration `toml:"drain_interval"`
}

type API struct {
	ListenAddr string `toml:"listen_addr"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Kafka: Kafka{
			Brokers:         []string{"localhost:9092"},
			FeedTopic:       "market-data",
			ConsumerGroup:   "bookd",
			DownstreamTopic: "market-data-gated",
		},
		Bootstrap: Bootstrap{
			Enabled:     true,
			Lookback:    Duration{5 * time.Minute},
			PollTimeout: Duration{2 * time.Second},
		},
		Book: Book{
			SnapshotDepth: -1,
			Source:        "bookd",
		},
		Outbox: Outbox{
			Dir:           "data/outbox",
			DrainInterval: Duration{250 * time.Millisecond},
		},
		API: API{
			ListenAddr: ":8080",
		},
		LogLevel: "info",
	}
}

// Load reads a TOML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	if c.Kafka.FeedTopic == "" {
		return fmt.Errorf("kafka.feed_topic must not be empty")
	}
	if c.Bootstrap.Enabled && c.Bootstrap.Lookback.Duration <= 0 {
		return fmt.Errorf("bootstrap.lookback must be positive")
	}
	return nil
}
