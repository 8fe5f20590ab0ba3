package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	auditfile "github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/audit"
	"github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/kafkaaudit"
	"github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/memory"
	"github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/postgres"
	"github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/redisaudit"
	"github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/sqlite"
	"github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/state"
	"github.com/Koded0214h/Agentic-Enterprise/internal/config"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
	"github.com/Koded0214h/Agentic-Enterprise/internal/service"
	"github.com/Koded0214h/Agentic-Enterprise/internal/telemetry"
)

// loadConfig reads and validates configuration and builds the logger.
// Logs go to stderr so command output on stdout stays machine-readable.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg, os.Stderr)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Debug("loaded config", "file", file)
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// backend bundles the stores selected by store.driver.
type backend struct {
	policies policy.Store
	agents   agent.Store
	audit    audit.Store
	closers  []io.Closer
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Warn("memory store is not persisted between invocations")
		return &backend{
			policies: memory.NewPolicyStore(),
			agents:   memory.NewAgentStore(),
			audit:    memory.NewAuditStore(),
		}, nil

	case config.DriverFile:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		repo, err := state.Open(cfg.Store.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open state file: %w", err)
		}
		trail, err := auditfile.NewFileAuditStore(auditfile.FileConfig{Path: cfg.Store.AuditPath}, logger)
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("open audit file: %w", err)
		}
		return &backend{policies: repo, agents: repo, audit: trail, closers: []io.Closer{repo, trail}}, nil

	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		db, err := sqlite.Open(ctx, cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		return &backend{policies: db, agents: db, audit: db, closers: []io.Closer{db}}, nil

	case config.DriverPostgres:
		db, err := postgres.Open(ctx, postgres.Config{DSN: cfg.Store.DSN, MaxConns: cfg.Store.MaxConns}, logger)
		if err != nil {
			return nil, err
		}
		return &backend{policies: db, agents: db, audit: db, closers: []io.Closer{db}}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildExporters creates every configured secondary audit exporter. On
// failure the exporters created so far are closed.
func buildExporters(ctx context.Context, cfg config.ExportersConfig, logger *slog.Logger) ([]audit.Exporter, error) {
	var exporters []audit.Exporter
	fail := func(err error) ([]audit.Exporter, error) {
		for _, exp := range exporters {
			_ = exp.Close()
		}
		return nil, err
	}

	if cfg.File.Path != "" {
		exp, err := auditfile.NewFileAuditStore(auditfile.FileConfig{
			Path:       cfg.File.Path,
			MaxSizeMB:  cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAgeDays: cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("file audit exporter: %w", err))
		}
		exporters = append(exporters, exp)
	}
	if cfg.Redis.Addr != "" {
		exp, err := redisaudit.New(ctx, redisaudit.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("redis audit exporter: %w", err))
		}
		exporters = append(exporters, exp)
	}
	if cfg.Kafka.Enabled() {
		exp, err := kafkaaudit.New(kafkaaudit.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger)
		if err != nil {
			return fail(fmt.Errorf("kafka audit exporter: %w", err))
		}
		exporters = append(exporters, exp)
	}
	return exporters, nil
}

// engine is a fully wired decision engine for one CLI invocation.
type engine struct {
	*backend
	check    *service.CheckService
	exports  *service.AuditService
	registry *prometheus.Registry
	shutdown func(context.Context) error
}

func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:    cfg.Tracing.Enabled,
		Sampler:    cfg.Tracing.Sampler,
		SamplerArg: cfg.Tracing.SamplerArg,
	}, os.Stderr)
	if err != nil {
		return nil, err
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	exporters, err := buildExporters(ctx, cfg.Audit.Exporters, logger)
	if err != nil {
		_ = b.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := service.NewMetrics(registry, cfg.Metrics.Namespace)

	// Durations were validated with the config.
	flush, _ := time.ParseDuration(cfg.Audit.FlushInterval)
	send, _ := time.ParseDuration(cfg.Audit.SendTimeout)
	exports := service.NewAuditService(exporters, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(flush),
		service.WithSendTimeout(send),
		service.WithExportMetrics(metrics),
	)
	exports.Start(ctx)

	opts := []service.EvaluatorOption{
		service.WithMetrics(metrics),
		service.WithCombineMode(combineMode(cfg.Engine.Combine)),
	}
	if len(exporters) > 0 {
		opts = append(opts, service.WithExporter(exports))
	}
	factory := service.NewEvaluatorFactory(b.agents, b.policies, b.policies, b.audit, logger, opts...)

	return &engine{
		backend:  b,
		check:    service.NewCheckService(factory, b.policies, logger),
		exports:  exports,
		registry: registry,
		shutdown: shutdown,
	}, nil
}

// Close flushes pending exports, then closes the stores and tracing.
func (e *engine) Close(ctx context.Context) error {
	e.exports.Stop()
	return errors.Join(e.backend.Close(), e.shutdown(ctx))
}

// writeMetrics dumps the registry in the Prometheus text format.
func (e *engine) writeMetrics(w io.Writer) error {
	families, err := e.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}

func combineMode(name string) service.CombineMode {
	if name == "first_applicable" {
		return service.CombineFirstApplicable
	}
	return service.CombineOverwrite
}
