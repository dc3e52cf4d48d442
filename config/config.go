package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the dnswatch configuration.
type Config struct {
	Capture    CaptureConfig    `koanf:"capture"`
	Dnstap     DnstapConfig     `koanf:"dnstap"`
	Aggregator AggregatorConfig `koanf:"aggregator"`
	Storage    StorageConfig    `koanf:"storage"`
	Server     ServerConfig     `koanf:"server"`
	ClickHouse ClickHouseConfig `koanf:"clickhouse"`
	Log        LogConfig        `koanf:"log"`

	// Durations is populated by Load from the duration strings above.
	Durations Durations `koanf:"-"`
}

type CaptureConfig struct {
	Interfaces  []string `koanf:"interfaces"` // empty: auto-detect
	MaxSources  int      `koanf:"max_sources"`
	Snaplen     int      `koanf:"snaplen"`
	Promiscuous bool     `koanf:"promiscuous"`
	ReadTimeout string   `koanf:"read_timeout"`
	Filter      string   `koanf:"filter"`
	PcapFile    string   `koanf:"pcap_file"` // replay instead of live capture
}

type DnstapConfig struct {
	Socket string `koanf:"socket"` // empty: disabled
}

type AggregatorConfig struct {
	Retention           string `koanf:"retention"`
	SaveInterval        string `koanf:"save_interval"`
	MaxPersistedRecords int    `koanf:"max_persisted_records"`
	RecentCapacity      int    `koanf:"recent_capacity"`
	BucketInterval      string `koanf:"bucket_interval"`
	TimelineWindow      string `koanf:"timeline_window"`
	PruneInterval       string `koanf:"prune_interval"`
	QueueSize           int    `koanf:"queue_size"`
	TopN                int    `koanf:"top_n"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type ServerConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Listen   string `koanf:"listen"`
	AuthUser string `koanf:"auth_user"`
	AuthPass string `koanf:"auth_pass"`
}

type ClickHouseConfig struct {
	DSN           string `koanf:"dsn"` // empty: disabled
	BatchSize     int    `koanf:"batch_size"`
	FlushInterval string `koanf:"flush_interval"`
	QueueSize     int    `koanf:"queue_size"`
}

type LogConfig struct {
	Level      string `koanf:"level"`  // debug | info | warn | error
	Format     string `koanf:"format"` // console | json | logfmt
	File       string `koanf:"file"`   // empty: stdout only
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// Durations holds the parsed duration settings.
type Durations struct {
	ReadTimeout    time.Duration
	Retention      time.Duration
	SaveInterval   time.Duration
	BucketInterval time.Duration
	TimelineWindow time.Duration
	PruneInterval  time.Duration
	FlushInterval  time.Duration
}

var defaults = map[string]interface{}{
	"capture.interfaces":               []string{},
	"capture.max_sources":              3,
	"capture.snaplen":                  1600,
	"capture.promiscuous":              false,
	"capture.read_timeout":             "500ms",
	"capture.filter":                   "udp port 53",
	"capture.pcap_file":                "",
	"dnstap.socket":                    "",
	"aggregator.retention":             "30d",
	"aggregator.save_interval":         "30s",
	"aggregator.max_persisted_records": 10000,
	"aggregator.recent_capacity":       100,
	"aggregator.bucket_interval":       "60s",
	"aggregator.timeline_window":       "1h",
	"aggregator.prune_interval":        "1m",
	"aggregator.queue_size":            4096,
	"aggregator.top_n":                 20,
	"storage.path":                     "dnswatch.db",
	"server.enabled":                   true,
	"server.listen":                    "127.0.0.1:8080",
	"server.auth_user":                 "",
	"server.auth_pass":                 "",
	"clickhouse.dsn":                   "",
	"clickhouse.batch_size":            10000,
	"clickhouse.flush_interval":        "1s",
	"clickhouse.queue_size":            50000,
	"log.level":                        "info",
	"log.format":                       "console",
	"log.file":                         "",
	"log.max_size_mb":                  50,
	"log.max_backups":                  3,
	"log.max_age_days":                 30,
}

// Load reads defaults, then the YAML file at configPath (if set), then
// DNSWATCH_ environment variables, and validates the result.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("DNSWATCH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DNSWATCH_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Capture.Interfaces = splitList(cfg.Capture.Interfaces)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList expands comma separated entries, as set from the environment.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks every setting and fills Durations.
func (c *Config) Validate() error {
	if c.Capture.MaxSources < 1 || c.Capture.MaxSources > 8 {
		return fmt.Errorf("invalid capture.max_sources %d (must be 1-8)", c.Capture.MaxSources)
	}
	if c.Capture.Snaplen <= 0 {
		return fmt.Errorf("capture.snaplen must be > 0")
	}
	if c.Aggregator.MaxPersistedRecords <= 0 {
		return fmt.Errorf("aggregator.max_persisted_records must be > 0")
	}
	if c.Aggregator.RecentCapacity <= 0 {
		return fmt.Errorf("aggregator.recent_capacity must be > 0")
	}
	if c.Aggregator.QueueSize <= 0 {
		return fmt.Errorf("aggregator.queue_size must be > 0")
	}
	if c.Aggregator.TopN <= 0 {
		return fmt.Errorf("aggregator.top_n must be > 0")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("server.listen is required when the server is enabled")
	}
	if (c.Server.AuthUser == "") != (c.Server.AuthPass == "") {
		return fmt.Errorf("server.auth_user and server.auth_pass must be set together")
	}
	if c.ClickHouse.DSN != "" {
		if c.ClickHouse.BatchSize <= 0 {
			return fmt.Errorf("clickhouse.batch_size must be > 0")
		}
		if c.ClickHouse.QueueSize <= 0 {
			return fmt.Errorf("clickhouse.queue_size must be > 0")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (must be debug, info, warn or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json", "logfmt":
	default:
		return fmt.Errorf("invalid log.format %q (must be console, json or logfmt)", c.Log.Format)
	}

	fields := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"capture.read_timeout", c.Capture.ReadTimeout, &c.Durations.ReadTimeout},
		{"aggregator.retention", c.Aggregator.Retention, &c.Durations.Retention},
		{"aggregator.save_interval", c.Aggregator.SaveInterval, &c.Durations.SaveInterval},
		{"aggregator.bucket_interval", c.Aggregator.BucketInterval, &c.Durations.BucketInterval},
		{"aggregator.timeline_window", c.Aggregator.TimelineWindow, &c.Durations.TimelineWindow},
		{"aggregator.prune_interval", c.Aggregator.PruneInterval, &c.Durations.PruneInterval},
		{"clickhouse.flush_interval", c.ClickHouse.FlushInterval, &c.Durations.FlushInterval},
	}
	for _, f := range fields {
		d, err := ParseDuration(f.val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "Nd"
// suffix. The result must be positive.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration must not be empty")
	}

	// Handle "d" suffix (days), not supported by time.ParseDuration.
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}
