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

// ListTasks returns the owner's live tasks, most recently updated first.
// With since set only tasks updated after it are returned.
func (db *DB) ListTasks(ctx context.Context, ownerID int64, since *time.Time) ([]models.Task, error) {
	ctx, span := tracer.Start(ctx, "db.list_tasks",
		trace.WithAttributes(attribute.Int64("user.id", ownerID)))
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 AND deleted_at IS NULL`
	args := []any{ownerID}
	if since != nil {
		query += ` AND updated_at > $2`
		args = append(args, *since)
	}
	query += ` ORDER BY updated_at DESC, id DESC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTask returns one live task of the owner
func (db *DB) GetTask(ctx context.Context, ownerID, taskID int64) (*models.Task, error) {
	ctx, span := tracer.Start(ctx, "db.get_task",
		trace.WithAttributes(attribute.Int64("user.id", ownerID), attribute.Int64("task.id", taskID)))
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`
	t, err := scanTask(db.conn.QueryRowContext(ctx, query, taskID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// CreateTask inserts a task outside the sync protocol. The server stamps both
// timestamps. A client id that is already used by the owner is reported as
// ErrClientIDTaken.
func (db *DB) CreateTask(ctx context.Context, ownerID int64, t *models.Task) (*models.Task, error) {
	ctx, span := tracer.Start(ctx, "db.create_task",
		trace.WithAttributes(attribute.Int64("user.id", ownerID)))
	defer span.End()

	now := db.stamp()
	row := *t
	row.ApplyDefaults()
	row.CreatedAt = now
	row.UpdatedAt = now
	row.DeletedAt = nil

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created, err := insertTask(ctx, tx, ownerID, &row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrClientIDTaken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	span.SetAttributes(attribute.Int64("task.id", created.ID))
	return created, nil
}

// ReplaceTask overwrites the content of a live task. When expectedVersion is
// positive and differs from the stored version nothing is written and the stored
// task is returned together with ErrVersionMismatch.
func (db *DB) ReplaceTask(ctx context.Context, ownerID, taskID int64, content *models.Task, expectedVersion int64) (*models.Task, error) {
	ctx, span := tracer.Start(ctx, "db.replace_task",
		trace.WithAttributes(attribute.Int64("user.id", ownerID), attribute.Int64("task.id", taskID)))
	defer span.End()

	return db.mutateTask(ctx, ownerID, taskID, expectedVersion, func(current *models.Task, now time.Time) {
		current.CopyContent(content)
		current.ApplyDefaults()
		current.UpdatedAt = now
	})
}

// DeleteTask soft-deletes a live task so the deletion reaches other clients on
// their next download
func (db *DB) DeleteTask(ctx context.Context, ownerID, taskID int64) (*models.Task, error) {
	ctx, span := tracer.Start(ctx, "db.delete_task",
		trace.WithAttributes(attribute.Int64("user.id", ownerID), attribute.Int64("task.id", taskID)))
	defer span.End()

	return db.mutateTask(ctx, ownerID, taskID, 0, func(current *models.Task, now time.Time) {
		current.UpdatedAt = now
		current.DeletedAt = &now
	})
}

func (db *DB) mutateTask(ctx context.Context, ownerID, taskID, expectedVersion int64, mutate func(*models.Task, time.Time)) (*models.Task, error) {
	span := trace.SpanFromContext(ctx)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL FOR UPDATE`
	current, err := scanTask(tx.QueryRowContext(ctx, query, taskID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to lock task: %w", err)
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		span.SetAttributes(attribute.Bool("task.version_mismatch", true))
		return current, ErrVersionMismatch
	}

	now := db.stamp()
	if now.Before(current.UpdatedAt) {
		now = current.UpdatedAt
	}
	mutate(current, now)

	updated, err := updateTask(ctx, tx, current.ID, current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return updated, nil
}
