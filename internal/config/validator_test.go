package config

import (
	"strings"
	"testing"
)

func minimalValidConfig() *Config {
	cfg := &Config{Store: StoreConfig{Driver: DriverMemory}}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	if err := minimalValidConfig().Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	var cfg Config
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for empty driver")
	}
	if !strings.Contains(err.Error(), "Config.Store.Driver must be one of") {
		t.Errorf("error = %q", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Store.Driver = "mongo" },
			wantMsg: "must be one of: memory, file, sqlite, postgres",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantMsg: "Config.LogLevel must be one of: debug info warn error",
		},
		{
			name:    "bad environment",
			mutate:  func(c *Config) { c.Environment = "prod" },
			wantMsg: "Config.Environment must be one of",
		},
		{
			name:    "bad combine mode",
			mutate:  func(c *Config) { c.Engine.Combine = "deny_overrides" },
			wantMsg: "Config.Engine.Combine must be one of",
		},
		{
			name:    "negative pool size",
			mutate:  func(c *Config) { c.Store.MaxConns = -1 },
			wantMsg: "Config.Store.MaxConns must be at least 0",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Store = StoreConfig{Driver: DriverSQLite} },
			wantMsg: "store.path is required for the sqlite driver",
		},
		{
			name:    "file without path",
			mutate:  func(c *Config) { c.Store = StoreConfig{Driver: DriverFile} },
			wantMsg: "store.path is required for the file driver",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store = StoreConfig{Driver: DriverPostgres} },
			wantMsg: "store.dsn is required",
		},
		{
			name:    "kafka topic without brokers",
			mutate:  func(c *Config) { c.Audit.Exporters.Kafka.Topic = "audit" },
			wantMsg: "kafka.brokers is required",
		},
		{
			name:    "kafka brokers without topic",
			mutate:  func(c *Config) { c.Audit.Exporters.Kafka.Brokers = []string{"k:9092"} },
			wantMsg: "kafka.topic is required",
		},
		{
			name:    "redis addr without port",
			mutate:  func(c *Config) { c.Audit.Exporters.Redis.Addr = "localhost" },
			wantMsg: "must be a valid host:port",
		},
		{
			name:    "bad flush interval",
			mutate:  func(c *Config) { c.Audit.FlushInterval = "soon" },
			wantMsg: "audit.flush_interval must be a positive duration",
		},
		{
			name:    "zero send timeout",
			mutate:  func(c *Config) { c.Audit.SendTimeout = "0s" },
			wantMsg: "audit.send_timeout must be a positive duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidate_PostgresWithDSN(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Store = StoreConfig{Driver: DriverPostgres, DSN: "postgres://gate@localhost/gate", MaxConns: 8}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidate_FullExportPipeline(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Audit.Exporters = ExportersConfig{
		File:  FileExportConfig{Path: "/var/log/agentgate/audit.jsonl", MaxBackups: 5, Compress: true},
		Redis: RedisExportConfig{Addr: "redis:6379", MaxLen: 10000},
		Kafka: KafkaExportConfig{Brokers: []string{"k1:9092"}, Topic: "agent-audit"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}
