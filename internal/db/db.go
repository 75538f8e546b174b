package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

var tracer = otel.Tracer("todosync/db")

// DB wraps a PostgreSQL database connection
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Connect establishes a connection to PostgreSQL
func Connect(dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// MaxOpenConns: Limit total connections to avoid overwhelming the database
	conn.SetMaxOpenConns(50)
	// MaxIdleConns: Keep some connections ready for reuse, but not too many
	conn.SetMaxIdleConns(10)
	// ConnMaxLifetime: Recycle connections periodically to avoid stale connections
	conn.SetConnMaxLifetime(20 * time.Minute)

	return &DB{conn: conn, now: time.Now}, nil
}

// ConnectWithRetry calls Connect until it succeeds or ctx is done.
// The delay doubles after each failure, capped at 10 seconds.
func ConnectWithRetry(ctx context.Context, dsn string) (*DB, error) {
	delay := time.Second
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("giving up connecting to database: %w", err)
		}
		database, err := Connect(dsn)
		if err == nil {
			return database, nil
		}
		logger.Warn("database not ready", "attempt", attempt, "retry_in", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("giving up connecting to database: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
}

// New wraps an already open connection. Used with sqlmock in tests.
func New(conn *sql.DB) *DB {
	return &DB{conn: conn, now: time.Now}
}

// SetClock replaces the clock used to stamp writes
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection is alive (used by the health endpoint)
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Exec executes a query without returning rows (for testing/migrations)
func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row (for testing)
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Conn returns the underlying *sql.DB connection.
// Used by Migrate and testutil.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// stamp reads the clock at the precision timestamptz stores
func (db *DB) stamp() time.Time {
	return db.now().UTC().Truncate(time.Microsecond)
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// PostgreSQL error code 23505 = unique_violation
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique constraint")
}
