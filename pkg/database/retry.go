package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/eastrift/fleet-dispatch/pkg/resilience"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool used by retrying writes.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// RetryableExec executes a write with bounded backoff for transient
// failures. Non-terminal order state uses this path.
func RetryableExec(ctx context.Context, pool Execer, sql string, args ...interface{}) error {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = 2 * time.Second
	cfg.RetryableChecker = IsPostgresRetryable

	_, err := resilience.RetryWithName(ctx, cfg, func(ctx context.Context) (interface{}, error) {
		return pool.Exec(ctx, sql, args...)
	}, "database.exec")
	return err
}

// ExecUntilDone retries a write indefinitely with backoff. Terminal order
// transitions must eventually persist; callers keep the in-memory record
// dirty until this returns.
func ExecUntilDone(ctx context.Context, pool Execer, sql string, args ...interface{}) error {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialBackoff = 500 * time.Millisecond
	cfg.MaxBackoff = 30 * time.Second

	_, err := resilience.RetryForever(ctx, cfg, func(ctx context.Context) (interface{}, error) {
		return pool.Exec(ctx, sql, args...)
	}, "database.exec_terminal")
	return err
}

// IsPostgresRetryable reports whether err looks like storage contention or
// a connectivity blip rather than a logic error.
func IsPostgresRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P03", // cannot_connect_now
			"08006", // connection_failure
			"08003": // connection_does_not_exist
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout")
}
