// Package config provides configuration types for the agentgate decision engine.
//
// Configuration is file-based (agentgate.yaml) with environment overrides.
// It selects the policy store backend, the audit export pipeline, tracing
// and metrics settings.
package config

import (
	"os"
	"path/filepath"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the top-level configuration.
type Config struct {
	// LogLevel is debug, info, warn or error. Default: info.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogFormat is text or json. Default: text.
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// Environment controls default policy seeding, which is skipped in production.
	Environment string `yaml:"environment" mapstructure:"environment" validate:"omitempty,oneof=development staging production"`

	// Store selects where policies, agents and the audit trail live.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Engine tunes policy evaluation.
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`

	// Audit configures secondary audit exporters.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is memory, file, sqlite or postgres. Default: file.
	Driver string `yaml:"driver" mapstructure:"driver" validate:"store_driver"`
	// Path is the state file (file driver) or database file (sqlite driver).
	Path string `yaml:"path" mapstructure:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
	// MaxConns bounds the postgres pool. Zero keeps the pool default.
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	// AuditPath is the audit trail for the file driver, which keeps its
	// state file free of audit rows. Default: audit.jsonl next to Path.
	AuditPath string `yaml:"audit_path" mapstructure:"audit_path"`
}

// EngineConfig tunes evaluation.
type EngineConfig struct {
	// Combine is overwrite (later priority groups override earlier ALLOWs)
	// or first_applicable. Default: overwrite.
	Combine string `yaml:"combine" mapstructure:"combine" validate:"omitempty,oneof=overwrite first_applicable"`
}

// AuditConfig configures the async export pipeline. The store's own audit
// trail is always written synchronously; exporters receive copies.
type AuditConfig struct {
	Exporters ExportersConfig `yaml:"exporters" mapstructure:"exporters"`

	// ChannelSize is the export queue capacity. Default: 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"gte=0"`
	// BatchSize is the maximum entries per export flush. Default: 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=0"`
	// FlushInterval is how often partial batches are flushed. Default: 1s.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval"`
	// SendTimeout is how long Record waits on a full queue before dropping. Default: 100ms.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout"`
}

// ExportersConfig enables individual exporters. An exporter is enabled when
// its destination is set.
type ExportersConfig struct {
	File  FileExportConfig  `yaml:"file" mapstructure:"file"`
	Redis RedisExportConfig `yaml:"redis" mapstructure:"redis"`
	Kafka KafkaExportConfig `yaml:"kafka" mapstructure:"kafka"`
}

// FileExportConfig writes audit entries to a rotating JSON Lines file.
type FileExportConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// RedisExportConfig appends audit entries to a Redis stream.
type RedisExportConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
	Stream   string `yaml:"stream" mapstructure:"stream"`
	MaxLen   int64  `yaml:"max_len" mapstructure:"max_len" validate:"gte=0"`
}

// KafkaExportConfig publishes audit entries to a Kafka topic.
type KafkaExportConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// Enabled reports whether any Kafka setting is present.
func (k KafkaExportConfig) Enabled() bool {
	return len(k.Brokers) > 0 || k.Topic != ""
}

// TracingConfig controls OpenTelemetry spans.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Sampler is always_on, always_off, traceidratio or parentbased. Default: parentbased.
	Sampler    string `yaml:"sampler" mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off traceidratio parentbased"`
	SamplerArg string `yaml:"sampler_arg" mapstructure:"sampler_arg"`
}

// MetricsConfig controls Prometheus metric names.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// SetDefaults applies default values for unset optional fields.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverFile
	}
	if c.Store.Path == "" {
		switch c.Store.Driver {
		case DriverFile:
			c.Store.Path = filepath.Join(defaultDataDir(), "state.json")
		case DriverSQLite:
			c.Store.Path = filepath.Join(defaultDataDir(), "agentgate.db")
		}
	}
	if c.Store.Driver == DriverFile && c.Store.AuditPath == "" && c.Store.Path != "" {
		c.Store.AuditPath = filepath.Join(filepath.Dir(c.Store.Path), "audit.jsonl")
	}

	if c.Engine.Combine == "" {
		c.Engine.Combine = "overwrite"
	}

	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.Exporters.File.MaxSizeMB == 0 {
		c.Audit.Exporters.File.MaxSizeMB = 100
	}
	if c.Audit.Exporters.Redis.Stream == "" {
		c.Audit.Exporters.Redis.Stream = "agentgate:audit"
	}

	if c.Tracing.Sampler == "" {
		c.Tracing.Sampler = "parentbased"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "agentgate"
	}
}

// defaultDataDir is ~/.agentgate, or the working directory when there is no home.
func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".agentgate")
	}
	return "."
}
