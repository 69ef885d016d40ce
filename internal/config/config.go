// Package config handles configuration loading and validation for coldtier.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunnelmesh/coldtier/internal/glacier"
	"github.com/tunnelmesh/coldtier/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListen        = ":8080"
	DefaultMetricsListen = ":9464"
	DefaultDataDir       = "/var/lib/coldtier/buckets"
	DefaultQueueDir      = "/var/lib/coldtier/queue"
	DefaultLogsDir       = "/var/lib/coldtier/glacier"
	DefaultBinDir        = "/usr/lib/coldtier/tapecloud"
)

// GatewayConfig holds configuration for the object API.
type GatewayConfig struct {
	RateLimit float64 `yaml:"rate_limit"` // Requests per second, 0 = unlimited
	RateBurst int     `yaml:"rate_burst"`
}

// QueueConfig holds configuration for the append-log queue.
type QueueConfig struct {
	Dir              string        `yaml:"dir"`
	PollInterval     string        `yaml:"poll_interval"` // Duration string, e.g. "5s"; "0" disables the poll
	DisableLocking   bool          `yaml:"disable_locking"`
	DisableSyncIO    bool          `yaml:"disable_sync_io"`
	ReaderBufferSize bytesize.Size `yaml:"reader_buffer_size"`
	InitRetries      int           `yaml:"init_retries"`
	InitBackoff      string        `yaml:"init_backoff"`
}

// GlacierConfig holds configuration for the tiering backend and scheduler.
type GlacierConfig struct {
	Backend         string        `yaml:"backend"`
	LogsDir         string        `yaml:"logs_dir"` // Lock and timestamp files
	TmpDir          string        `yaml:"tmp_dir"`
	TapeCloudBinDir string        `yaml:"tapecloud_bin_dir"`
	MigrateInterval string        `yaml:"migrate_interval"`
	RestoreInterval string        `yaml:"restore_interval"`
	ExpiryInterval  string        `yaml:"expiry_interval"`
	TickInterval    string        `yaml:"tick_interval"`
	ExpiryTimeOfDay string        `yaml:"expiry_time_of_day"` // HH:MM:SS
	ExpiryTZ        string        `yaml:"expiry_tz"`          // UTC, LOCAL or an IANA zone
	MinFreeSpace    bytesize.Size `yaml:"min_free_space"`     // > 0 uses a statfs probe of data_dir
}

// Config is the coldtier configuration file.
type Config struct {
	Listen        string        `yaml:"listen"`
	MetricsListen string        `yaml:"metrics_listen"` // Empty disables the metrics listener
	DataDir       string        `yaml:"data_dir"`
	LogLevel      string        `yaml:"log_level"`
	Gateway       GatewayConfig `yaml:"gateway"`
	Queue         QueueConfig   `yaml:"queue"`
	Glacier       GlacierConfig `yaml:"glacier"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{MetricsListen: DefaultMetricsListen}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{MetricsListen: DefaultMetricsListen}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Queue.Dir == "" {
		c.Queue.Dir = DefaultQueueDir
	}
	if c.Queue.PollInterval == "" {
		c.Queue.PollInterval = "5s"
	}
	if c.Queue.ReaderBufferSize == 0 {
		c.Queue.ReaderBufferSize = bytesize.Size(64 * bytesize.KB)
	}
	if c.Queue.InitRetries == 0 {
		c.Queue.InitRetries = 10
	}
	if c.Queue.InitBackoff == "" {
		c.Queue.InitBackoff = "5ms"
	}

	g := &c.Glacier
	if g.Backend == "" {
		g.Backend = glacier.BackendTapeCloud
	}
	if g.LogsDir == "" {
		g.LogsDir = DefaultLogsDir
	}
	if g.TapeCloudBinDir == "" {
		g.TapeCloudBinDir = DefaultBinDir
	}
	if g.MigrateInterval == "" {
		g.MigrateInterval = "15m"
	}
	if g.RestoreInterval == "" {
		g.RestoreInterval = "15m"
	}
	if g.ExpiryInterval == "" {
		g.ExpiryInterval = "12h"
	}
	if g.TickInterval == "" {
		g.TickInterval = "1m"
	}
	if g.ExpiryTimeOfDay == "" {
		g.ExpiryTimeOfDay = "03:00:00"
	}
	if g.ExpiryTZ == "" {
		g.ExpiryTZ = "UTC"
	}

	c.DataDir = expandHome(c.DataDir)
	c.Queue.Dir = expandHome(c.Queue.Dir)
	g.LogsDir = expandHome(g.LogsDir)
	g.TmpDir = expandHome(g.TmpDir)
	g.TapeCloudBinDir = expandHome(g.TapeCloudBinDir)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Gateway.RateLimit < 0 {
		return fmt.Errorf("gateway.rate_limit must not be negative")
	}
	if c.Gateway.RateBurst < 0 {
		return fmt.Errorf("gateway.rate_burst must not be negative")
	}

	if c.Queue.Dir == "" {
		return fmt.Errorf("queue.dir is required")
	}
	if err := validDuration("queue.poll_interval", c.Queue.PollInterval, true); err != nil {
		return err
	}
	if err := validDuration("queue.init_backoff", c.Queue.InitBackoff, false); err != nil {
		return err
	}
	if c.Queue.InitRetries < 0 {
		return fmt.Errorf("queue.init_retries must not be negative")
	}
	if c.Queue.ReaderBufferSize.Bytes() < 1024 {
		return fmt.Errorf("queue.reader_buffer_size must be at least 1Ki")
	}

	g := c.Glacier
	if !strings.EqualFold(g.Backend, glacier.BackendTapeCloud) {
		return fmt.Errorf("glacier.backend %q is not supported", g.Backend)
	}
	if g.LogsDir == "" {
		return fmt.Errorf("glacier.logs_dir is required")
	}
	for _, d := range []struct{ key, value string }{
		{"glacier.migrate_interval", g.MigrateInterval},
		{"glacier.restore_interval", g.RestoreInterval},
		{"glacier.expiry_interval", g.ExpiryInterval},
		{"glacier.tick_interval", g.TickInterval},
	} {
		if err := validDuration(d.key, d.value, false); err != nil {
			return err
		}
	}
	if len(strings.Split(g.ExpiryTimeOfDay, ":")) != 3 {
		return fmt.Errorf("glacier.expiry_time_of_day must be HH:MM:SS, got %q", g.ExpiryTimeOfDay)
	}
	if _, err := glacier.LoadLocation(g.ExpiryTZ); err != nil {
		return fmt.Errorf("invalid glacier.expiry_tz: %w", err)
	}
	return nil
}

// ValidateServe checks the settings a long-running server additionally
// depends on. A server keeps its producer handles open, so without the poll
// a rotated queue file stays share-locked and is never consumed.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Queue.PollIntervalDuration() <= 0 {
		return fmt.Errorf("queue.poll_interval must be positive when serving")
	}
	return nil
}

// PollIntervalDuration returns the queue poll interval; 0 disables the poll.
func (q QueueConfig) PollIntervalDuration() time.Duration { return mustDuration(q.PollInterval) }

// InitBackoffDuration returns the base producer init backoff.
func (q QueueConfig) InitBackoffDuration() time.Duration { return mustDuration(q.InitBackoff) }

// MigrateIntervalDuration returns the migrate pass interval.
func (g GlacierConfig) MigrateIntervalDuration() time.Duration { return mustDuration(g.MigrateInterval) }

// RestoreIntervalDuration returns the restore pass interval.
func (g GlacierConfig) RestoreIntervalDuration() time.Duration { return mustDuration(g.RestoreInterval) }

// ExpiryIntervalDuration returns the expiry pass interval.
func (g GlacierConfig) ExpiryIntervalDuration() time.Duration { return mustDuration(g.ExpiryInterval) }

// TickIntervalDuration returns how often the scheduler evaluates passes.
func (g GlacierConfig) TickIntervalDuration() time.Duration { return mustDuration(g.TickInterval) }

// Location resolves ExpiryTZ. Call Validate first.
func (g GlacierConfig) Location() *time.Location {
	loc, err := glacier.LoadLocation(g.ExpiryTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

func validDuration(key, value string, allowZero bool) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("%s must be positive", key)
	}
	return nil
}

// mustDuration parses a duration checked by Validate; invalid input reads as 0.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
