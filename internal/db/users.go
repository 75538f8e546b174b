package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ConfabulousDev/todo-sync/internal/models"
)

const userColumns = `id, email, name, password_hash, last_sync, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var user models.User
	var lastSync sql.NullTime
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&lastSync,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t := lastSync.Time.UTC()
		user.LastSync = &t
	}
	return &user, nil
}

// CreateUser inserts a new account. Returns ErrEmailTaken when the email is in use.
func (db *DB) CreateUser(ctx context.Context, email, name, passwordHash string) (*models.User, error) {
	ctx, span := tracer.Start(ctx, "db.create_user")
	defer span.End()

	query := `INSERT INTO users (email, name, password_hash) VALUES ($1, $2, $3) RETURNING ` + userColumns
	user, err := scanUser(db.conn.QueryRowContext(ctx, query, email, name, passwordHash))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	span.SetAttributes(attribute.Int64("user.id", user.ID))
	return user, nil
}

// GetUserByEmail retrieves a user (with password hash) by normalized email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx, span := tracer.Start(ctx, "db.get_user_by_email")
	defer span.End()

	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	user, err := scanUser(db.conn.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by ID
func (db *DB) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	ctx, span := tracer.Start(ctx, "db.get_user_by_id",
		trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(db.conn.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// TouchLastSync records the owner's last successful upload time
func (db *DB) TouchLastSync(ctx context.Context, userID int64, at time.Time) error {
	ctx, span := tracer.Start(ctx, "db.touch_last_sync",
		trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	_, err := db.conn.ExecContext(ctx, `UPDATE users SET last_sync = $2 WHERE id = $1`, userID, at)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return nil
}

// LastSync returns the owner's last upload time, nil if never synced
func (db *DB) LastSync(ctx context.Context, userID int64) (*time.Time, error) {
	ctx, span := tracer.Start(ctx, "db.last_sync",
		trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	var lastSync sql.NullTime
	err := db.conn.QueryRowContext(ctx, `SELECT last_sync FROM users WHERE id = $1`, userID).Scan(&lastSync)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get last sync: %w", err)
	}
	if !lastSync.Valid {
		return nil, nil
	}
	t := lastSync.Time.UTC()
	return &t, nil
}
