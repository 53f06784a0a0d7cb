// Package config holds all configuration types and loading logic for delaylog.
// Fields are only ever added, never renamed or removed, so old config files
// keep loading.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a delaylog server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig holds filesystem settings for this server node.
type NodeConfig struct {
	// DataDir is the root under which store/commit_log, store/consume_queue,
	// start_offset and registry.db are kept.
	DataDir string `yaml:"data_dir"`
	// ID pins the node identity. "auto" loads or generates <data_dir>/node_id.
	ID string `yaml:"id"`
}

// FlushPolicy controls when mapped segment pages are written back to disk.
type FlushPolicy string

const (
	FlushAlways   FlushPolicy = "always"   // msync after every append, slowest
	FlushInterval FlushPolicy = "interval" // msync every FlushIntervalMs, default
	FlushNever    FlushPolicy = "never"    // leave write-back to the kernel (dev/test only)
)

// StorageConfig sizes the segmented logs and sets their flush discipline.
type StorageConfig struct {
	CommitLogSegmentBytes    int64       `yaml:"commit_log_segment_bytes"`
	ConsumeQueueSegmentBytes int64       `yaml:"consume_queue_segment_bytes"`
	Flush                    FlushPolicy `yaml:"flush"`
	FlushIntervalMs          int         `yaml:"flush_interval_ms"`
	CheckpointFlushMs        int         `yaml:"checkpoint_flush_interval_ms"`
}

// SchedulerConfig bounds the delay scheduler.
type SchedulerConfig struct {
	// MaxDelaySeconds is the longest delay a message may carry. It also sizes
	// the scheduler's idle sentinel.
	MaxDelaySeconds uint32 `yaml:"max_delay_seconds"`
}

// IngestConfig controls the single-writer ingestion channel.
type IngestConfig struct {
	QueueSize int `yaml:"queue_size"`
	// MaxRate is messages per second accepted by Submit. Zero disables limiting.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// NotifyConfig controls subscriber fan-out.
type NotifyConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config populated with safe, sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "./data",
			ID:      "auto",
		},
		Storage: StorageConfig{
			CommitLogSegmentBytes:    1 << 30,
			ConsumeQueueSegmentBytes: 24*1_000_000 + 8,
			Flush:                    FlushInterval,
			FlushIntervalMs:          1000,
			CheckpointFlushMs:        5000,
		},
		Scheduler: SchedulerConfig{
			MaxDelaySeconds: 31_536_000, // one year
		},
		Ingest: IngestConfig{
			QueueSize: 1024,
			MaxRate:   0,
			Burst:     0,
		},
		Notify: NotifyConfig{
			BufferSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// A missing file yields the defaults without error.
//
// Environment overrides applied after the file:
//
//	DELAYLOG_DATA_DIR      sets node.data_dir
//	DELAYLOG_METRICS_PORT  sets metrics.port
//	DELAYLOG_LOG_LEVEL     sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DELAYLOG_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("DELAYLOG_METRICS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
	if v := os.Getenv("DELAYLOG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// minConsumeQueueSegment is one 24-byte index record plus the 8-byte footer.
const minConsumeQueueSegment = 24 + 8

// minCommitLogSegment is the fixed-width prefix of a single message frame.
const minCommitLogSegment = 40

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Storage.CommitLogSegmentBytes < minCommitLogSegment {
		return fmt.Errorf("storage.commit_log_segment_bytes must be at least %d", minCommitLogSegment)
	}
	if c.Storage.ConsumeQueueSegmentBytes < minConsumeQueueSegment {
		return fmt.Errorf("storage.consume_queue_segment_bytes must be at least %d", minConsumeQueueSegment)
	}
	switch c.Storage.Flush {
	case FlushAlways, FlushInterval, FlushNever:
	default:
		return errors.New(`storage.flush must be one of "always", "interval", "never"`)
	}
	if c.Storage.Flush == FlushInterval && c.Storage.FlushIntervalMs < 1 {
		return errors.New("storage.flush_interval_ms must be at least 1")
	}
	if c.Storage.CheckpointFlushMs < 1 {
		return errors.New("storage.checkpoint_flush_interval_ms must be at least 1")
	}
	if c.Scheduler.MaxDelaySeconds == 0 {
		return errors.New("scheduler.max_delay_seconds must be greater than 0")
	}
	if c.Ingest.QueueSize < 1 {
		return errors.New("ingest.queue_size must be at least 1")
	}
	if c.Ingest.MaxRate < 0 || c.Ingest.Burst < 0 {
		return errors.New("ingest.max_rate and ingest.burst must be >= 0")
	}
	if c.Notify.BufferSize < 1 {
		return errors.New("notify.buffer_size must be at least 1")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// MaxDelay returns the configured delay bound as a duration.
func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Scheduler.MaxDelaySeconds) * time.Second
}

// ParseLevel maps a log.level string onto an slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
}
