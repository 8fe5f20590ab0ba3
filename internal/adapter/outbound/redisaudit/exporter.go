// Package redisaudit exports audit entries to a Redis stream.
package redisaudit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
)

const (
	DefaultStream = "agentgate:audit"
	DefaultMaxLen = 100000
)

// Config holds the Redis connection and stream settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen trims the stream on every append. Zero disables trimming.
	MaxLen int64
}

// Exporter appends each entry to a stream as one XADD; a batch is sent in
// a single pipeline.
type Exporter struct {
	client redis.Cmdable
	closer func() error
	stream string
	maxLen int64
	logger *slog.Logger
}

// New dials Redis, pings it and returns an exporter owning the client.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Exporter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	e := NewWithClient(client, cfg, logger)
	e.closer = client.Close
	return e, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(client redis.Cmdable, cfg Config, logger *slog.Logger) *Exporter {
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &Exporter{
		client: client,
		closer: func() error { return nil },
		stream: stream,
		maxLen: cfg.MaxLen,
		logger: logger,
	}
}

// Append writes entries to the stream in order.
func (e *Exporter) Append(ctx context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := e.client.Pipeline()
	for i := range entries {
		payload, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("encode audit entry %s: %w", entries[i].ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: e.stream,
			MaxLen: e.maxLen,
			Values: map[string]any{
				"id":       entries[i].ID,
				"agent_id": entries[i].AgentID,
				"decision": entries[i].Decision,
				"entry":    payload,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", e.stream, err)
	}
	return nil
}

// Name identifies the exporter.
func (e *Exporter) Name() string { return "redis" }

// Stream returns the target stream key.
func (e *Exporter) Stream() string { return e.stream }

// Close releases the client when the exporter owns it.
func (e *Exporter) Close() error {
	if err := e.closer(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// Compile-time interface verification.
var _ audit.Exporter = (*Exporter)(nil)
