// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Outputs   OutputsConfig   `mapstructure:"outputs"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                 int `mapstructure:"port"`
	ReadTimeoutSeconds   int `mapstructure:"read_timeout_seconds"`
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

// UploadsConfig governs input staging.
type UploadsConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// OutputsConfig selects and configures the artifact blob store.
type OutputsConfig struct {
	// Backend is "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// OptimizerConfig selects and configures the optimizer adapter.
type OptimizerConfig struct {
	// Mode is "sim" or "exec".
	Mode string              `mapstructure:"mode"`
	Sim  SimOptimizerConfig  `mapstructure:"sim"`
	Exec ExecOptimizerConfig `mapstructure:"exec"`
}

// SimOptimizerConfig tunes the in-process simulated optimizer.
type SimOptimizerConfig struct {
	WorkDir      string `mapstructure:"work_dir"`
	StepDelayMs  int    `mapstructure:"step_delay_ms"`
	PreviewEvery int    `mapstructure:"preview_every"`
}

// ExecOptimizerConfig configures the external optimizer binary.
type ExecOptimizerConfig struct {
	Binary                string `mapstructure:"binary"`
	WorkDir               string `mapstructure:"work_dir"`
	TerminateGraceSeconds int    `mapstructure:"terminate_grace_seconds"`
}

// WorkerConfig tunes per-run behavior.
type WorkerConfig struct {
	PreviewMinIntervalMs int `mapstructure:"preview_min_interval_ms"`
}

// ProgressConfig tunes event buffering and sink batching.
type ProgressConfig struct {
	BufferSize       int `mapstructure:"buffer_size"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	MaxBatchEvents   int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs   int `mapstructure:"max_batch_wait_ms"`
}

// DBConfig controls the optional run-history database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for terminal job notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FORGED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 30)
	v.SetDefault("server.shutdown_grace_seconds", 20)
	v.SetDefault("uploads.dir", "./data/uploads")
	v.SetDefault("uploads.max_bytes", 50*1024*1024)
	v.SetDefault("outputs.backend", "local")
	v.SetDefault("outputs.dir", "./data/outputs")
	v.SetDefault("optimizer.mode", "sim")
	v.SetDefault("optimizer.sim.step_delay_ms", 1)
	v.SetDefault("optimizer.sim.preview_every", 50)
	v.SetDefault("optimizer.exec.terminate_grace_seconds", 15)
	v.SetDefault("worker.preview_min_interval_ms", 1000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be > 0")
	}
	switch c.Outputs.Backend {
	case "local":
		if c.Outputs.Dir == "" {
			return fmt.Errorf("outputs.dir must be set for the local backend")
		}
	case "gcs":
		if c.Outputs.GCSBucket == "" {
			return fmt.Errorf("outputs.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("outputs.backend must be local or gcs")
	}
	switch c.Optimizer.Mode {
	case "sim":
	case "exec":
		if c.Optimizer.Exec.Binary == "" {
			return fmt.Errorf("optimizer.exec.binary must be set in exec mode")
		}
	default:
		return fmt.Errorf("optimizer.mode must be sim or exec")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ShutdownGrace returns the server shutdown budget as a duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}

// HistoryEnabled reports whether the run-history database is configured.
func (c Config) HistoryEnabled() bool {
	return c.DB.DSN != ""
}

// NotifyEnabled reports whether terminal notifications are configured.
func (c Config) NotifyEnabled() bool {
	return c.PubSub.TopicName != ""
}
