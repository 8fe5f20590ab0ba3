// Package postgres implements the policy, agent and audit stores on
// PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// DB is the subset of *pgxpool.Pool and pgx.Tx the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 10
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// Config holds connection settings.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Store is a PostgreSQL-backed policy.Store, agent.Store and audit.Store.
type Store struct {
	db     DB
	close  func()
	logger *slog.Logger
	now    func() time.Time
}

// New wraps an existing connection or pool. The schema is not applied.
func New(db DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		close:  func() {},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open connects with retries, applies the schema and returns a Store that
// owns the pool.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := New(pool, logger)
	s.close = pool.Close
	logger.Info("postgres store opened", "max_conns", pool.Config().MaxConns)
	return s, nil
}

func newPool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(c.DSN))
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		cfg.MinConns = c.MinConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

// Close releases the pool when the store owns one.
func (s *Store) Close() error {
	s.close()
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, fn)
}

// isUniqueViolation reports whether err is a unique_violation on constraint
// names containing substr.
func isUniqueViolation(err error, substr string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, substr)
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// placeholders returns "$from, $from+1, ..." for n arguments.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(parts, ", ")
}
