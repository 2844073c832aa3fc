// Package config loads the agent's process configuration: the file-backed
// settings fixed for the lifetime of the process, as opposed to the sensor
// configuration the control plane mutates at runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Logging   Logging   `mapstructure:"logging"`
	Database  Database  `mapstructure:"database"`
	Pipeline  Pipeline  `mapstructure:"pipeline"`
	Ring      Ring      `mapstructure:"ring"`
	RPC       RPC       `mapstructure:"rpc"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Scanner   Scanner   `mapstructure:"scanner"`
}

// Logging selects the log level and optional file sink.
type Logging struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // empty logs to stderr only
}

// Database mirrors the durability knobs of the event store.
type Database struct {
	Path               string        `mapstructure:"path"`
	PurgeOnStart       bool          `mapstructure:"purge_on_start"`
	Synchronous        string        `mapstructure:"synchronous"`
	JournalSizeLimit   int64         `mapstructure:"journal_size_limit"`
	WALSizeLimit       int64         `mapstructure:"wal_size_limit"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	RetentionTTL       time.Duration `mapstructure:"retention_ttl"`
	BatchSize          int           `mapstructure:"batch_size"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
}

// Pipeline tunes the drain workers.
type Pipeline struct {
	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	DrainWindow time.Duration `mapstructure:"drain_window"`
}

// Ring places and sizes the shared-memory channels, one per sensor kind.
type Ring struct {
	Dir   string         `mapstructure:"dir"`
	Sizes map[string]int `mapstructure:"sizes"` // data bytes per kind name
}

// RPC configures the local control-plane listener.
type RPC struct {
	Addr      string  `mapstructure:"addr"`
	JWTSecret string  `mapstructure:"jwt_secret"`
	SetRate   float64 `mapstructure:"set_rate"`
}

// Telemetry selects the trace exporter. An empty endpoint disables export.
type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// ScanTier groups the extensions and directories of one risk tier with its
// rescan interval.
type ScanTier struct {
	Extensions      []string `mapstructure:"extensions"`
	Dirs            []string `mapstructure:"dirs"`
	IntervalSeconds int      `mapstructure:"interval_seconds"`
}

// Scanner carries the risk-tier scan plan. The core validates and persists
// it; the external scanner consumes it.
type Scanner struct {
	Low     ScanTier `mapstructure:"low"`
	Medium  ScanTier `mapstructure:"medium"`
	High    ScanTier `mapstructure:"high"`
	Special ScanTier `mapstructure:"special"`
}

// Tiers returns the four tiers in ascending risk order.
func (s Scanner) Tiers() map[string]ScanTier {
	return map[string]ScanTier{"low": s.Low, "medium": s.Medium, "high": s.High, "special": s.Special}
}

// DefaultRingSize is used for any kind the configuration leaves unsized.
const DefaultRingSize = 64 << 10

// Load reads the configuration file at path (optional; defaults apply when
// empty) and overlays GLADIX_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GLADIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("database.path", "gladix.db")
	v.SetDefault("database.purge_on_start", false)
	v.SetDefault("database.synchronous", "normal")
	v.SetDefault("database.journal_size_limit", int64(16<<20))
	v.SetDefault("database.wal_size_limit", int64(64<<20))
	v.SetDefault("database.checkpoint_interval", "30s")
	v.SetDefault("database.retention_ttl", "168h") // one week
	v.SetDefault("database.batch_size", 1000)
	v.SetDefault("database.flush_interval", "250ms")

	v.SetDefault("pipeline.backoff_min", "2ms")
	v.SetDefault("pipeline.backoff_max", "50ms")
	v.SetDefault("pipeline.drain_window", "2s")

	v.SetDefault("ring.dir", "rings")

	v.SetDefault("rpc.addr", "127.0.0.1:50051")
	v.SetDefault("rpc.set_rate", 5.0)

	v.SetDefault("scanner.low.extensions", []string{".txt", ".log", ".md"})
	v.SetDefault("scanner.low.interval_seconds", 86400)
	v.SetDefault("scanner.medium.extensions", []string{".doc", ".docx", ".xls", ".xlsx", ".pdf"})
	v.SetDefault("scanner.medium.interval_seconds", 21600)
	v.SetDefault("scanner.high.extensions", []string{".exe", ".dll", ".sys", ".scr"})
	v.SetDefault("scanner.high.interval_seconds", 3600)
	v.SetDefault("scanner.special.extensions", []string{".ps1", ".bat", ".cmd", ".vbs", ".js"})
	v.SetDefault("scanner.special.interval_seconds", 900)
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path must not be empty")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid logging.level %q", c.Logging.Level)
	}
	if c.Database.BatchSize <= 0 {
		return fmt.Errorf("config: database.batch_size must be positive")
	}
	if c.Database.FlushInterval <= 0 {
		return fmt.Errorf("config: database.flush_interval must be positive")
	}
	if c.RPC.Addr == "" {
		return fmt.Errorf("config: rpc.addr must not be empty")
	}
	for kind, size := range c.Ring.Sizes {
		if size <= 0 {
			return fmt.Errorf("config: ring size for %q must be positive", kind)
		}
	}
	for name, tier := range c.Scanner.Tiers() {
		if tier.IntervalSeconds < 0 {
			return fmt.Errorf("config: scanner.%s.interval_seconds must not be negative", name)
		}
		for _, dir := range tier.Dirs {
			if dir == "" {
				return fmt.Errorf("config: scanner.%s.dirs must not contain empty entries", name)
			}
		}
	}
	return nil
}

// RingSize returns the configured data size for a kind, falling back to the
// default.
func (c *Config) RingSize(kind string) int {
	if size, ok := c.Ring.Sizes[kind]; ok {
		return size
	}
	return DefaultRingSize
}
