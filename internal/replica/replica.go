// Package replica is the client's local copy of the task list: a SQLite database
// holding tasks keyed by client id, the last sync checkpoint and the session token.
package replica

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
)

const FileName = "replica.db"

//go:embed migrations/*.sql
var migrations embed.FS

// Metadata keys
const (
	keyCheckpoint = "checkpoint"
	keyToken      = "token"
	keyEmail      = "account_email"
	keyServerURL  = "server_url"
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrAmbiguous = errors.New("task reference is ambiguous")
)

// Replica wraps the SQLite database connection
type Replica struct {
	db   *sql.DB
	path string
}

// Open opens or creates the replica at path and applies pending migrations
func Open(ctx context.Context, path string) (*Replica, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create replica directory: %w", err)
	}

	// The daemon and one-shot commands may hold the file at the same time
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := runMigrations(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &Replica{db: conn, path: path}, nil
}

func runMigrations(ctx context.Context, conn *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate replica: %w", err)
	}
	return nil
}

// gooseLogger keeps migration chatter out of the terminal
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	logger.Debug("replica migration", "detail", fmt.Sprintf(format, v...))
}

func (gooseLogger) Fatalf(format string, v ...any) {
	logger.Fatal("replica migration failed", "detail", fmt.Sprintf(format, v...))
}

// Close closes the database connection
func (r *Replica) Close() error {
	return r.db.Close()
}

// Path returns the database file path
func (r *Replica) Path() string {
	return r.path
}

func getMeta(ctx context.Context, q queryer, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func setMeta(ctx context.Context, q queryer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func deleteMeta(ctx context.Context, q queryer, keys ...string) error {
	for _, key := range keys {
		if _, err := q.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
		}
	}
	return nil
}

// Checkpoint returns the server timestamp of the last completed sync, nil before
// the first one
func (r *Replica) Checkpoint(ctx context.Context) (*time.Time, error) {
	value, err := getMeta(ctx, r.db, keyCheckpoint)
	if err != nil || value == "" {
		return nil, err
	}
	ts, err := models.ParseTimestamp(value)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint: %w", err)
	}
	return &ts, nil
}

// Session is the account the replica is bound to
type Session struct {
	ServerURL string
	Email     string
	Token     string
}

// Session returns the stored session; fields are empty when logged out
func (r *Replica) Session(ctx context.Context) (Session, error) {
	var s Session
	var err error
	if s.ServerURL, err = getMeta(ctx, r.db, keyServerURL); err != nil {
		return s, err
	}
	if s.Email, err = getMeta(ctx, r.db, keyEmail); err != nil {
		return s, err
	}
	if s.Token, err = getMeta(ctx, r.db, keyToken); err != nil {
		return s, err
	}
	return s, nil
}

// SaveSession stores s. Binding the replica to a different account or server drops
// every local task and the checkpoint; reset reports whether that happened.
func (r *Replica) SaveSession(ctx context.Context, s Session) (reset bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prevEmail, err := getMeta(ctx, tx, keyEmail)
	if err != nil {
		return false, err
	}
	prevServer, err := getMeta(ctx, tx, keyServerURL)
	if err != nil {
		return false, err
	}

	if (prevEmail != "" && prevEmail != s.Email) || (prevServer != "" && prevServer != s.ServerURL) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
			return false, fmt.Errorf("failed to clear tasks: %w", err)
		}
		if err := deleteMeta(ctx, tx, keyCheckpoint); err != nil {
			return false, err
		}
		reset = true
	}

	for key, value := range map[string]string{keyServerURL: s.ServerURL, keyEmail: s.Email, keyToken: s.Token} {
		if err := setMeta(ctx, tx, key, value); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit session: %w", err)
	}
	return reset, nil
}

// ClearToken forgets the token but keeps the account binding and local tasks
func (r *Replica) ClearToken(ctx context.Context) error {
	return deleteMeta(ctx, r.db, keyToken)
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
