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
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
)

var _ tasksync.Store = (*DB)(nil)

// maxApplyAttempts bounds retries when two uploads create the same client id at once
const maxApplyAttempts = 3

const taskColumns = `id, client_id, title, description, completed, priority, category,
	due_date, tags, version, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t           models.Task
		clientID    sql.NullString
		description sql.NullString
		dueDate     sql.NullTime
		deletedAt   sql.NullTime
		tags        string
	)
	err := row.Scan(
		&t.ID,
		&clientID,
		&t.Title,
		&description,
		&t.Completed,
		&t.Priority,
		&t.Category,
		&dueDate,
		&tags,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ClientID = clientID.String
	if description.Valid {
		t.Description = &description.String
	}
	if dueDate.Valid {
		d := dueDate.Time.UTC()
		t.DueDate = &d
	}
	if deletedAt.Valid {
		d := deletedAt.Time.UTC()
		t.DeletedAt = &d
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.Tags, err = models.DecodeTags(tags)
	if err != nil {
		return nil, fmt.Errorf("corrupt tags on task %d: %w", t.ID, err)
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullDescription(d *string) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *d, Valid: true}
}

// Apply locks the task addressed by key, asks decide what to do and performs the
// write, all inside one transaction
func (db *DB) Apply(ctx context.Context, ownerID int64, key tasksync.TaskKey, decide tasksync.DecideFunc) (tasksync.ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "db.apply_task",
		trace.WithAttributes(
			attribute.Int64("user.id", ownerID),
			attribute.String("task.client_id", key.ClientID),
			attribute.Int64("task.server_id", key.ServerID),
		))
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		res, err := db.applyOnce(ctx, ownerID, key, decide)
		if err == nil {
			span.SetAttributes(attribute.Int("task.write_kind", int(res.Kind)))
			return res, nil
		}
		if !isUniqueViolation(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return tasksync.ApplyResult{}, err
		}
		// Another request created the same client id first; the retry sees its row
		span.SetAttributes(attribute.Bool("task.race_condition", true))
		lastErr = err
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return tasksync.ApplyResult{}, fmt.Errorf("failed to apply task after %d attempts: %w", maxApplyAttempts, lastErr)
}

func (db *DB) applyOnce(ctx context.Context, ownerID int64, key tasksync.TaskKey, decide tasksync.DecideFunc) (tasksync.ApplyResult, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return tasksync.ApplyResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := lockTask(ctx, tx, ownerID, key)
	if err != nil {
		return tasksync.ApplyResult{}, err
	}

	var decideInput *models.Task
	if current != nil {
		c := *current
		c.Tags = append([]string{}, current.Tags...)
		decideInput = &c
	}
	w, err := decide(decideInput)
	if err != nil {
		return tasksync.ApplyResult{}, err
	}

	var written *models.Task
	switch w.Kind {
	case tasksync.WriteCreate:
		written, err = insertTask(ctx, tx, ownerID, &w.Task)
	case tasksync.WriteUpdate:
		if current == nil {
			return tasksync.ApplyResult{Kind: tasksync.WriteNone}, nil
		}
		written, err = updateTask(ctx, tx, current.ID, &w.Task)
	default:
		return tasksync.ApplyResult{Kind: tasksync.WriteNone, Task: current, Current: current}, nil
	}
	if err != nil {
		return tasksync.ApplyResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return tasksync.ApplyResult{}, fmt.Errorf("failed to commit: %w", err)
	}
	return tasksync.ApplyResult{Kind: w.Kind, Task: written, Current: current}, nil
}

// lockTask selects the task by client id, falling back to server id, with a row lock
func lockTask(ctx context.Context, tx *sql.Tx, ownerID int64, key tasksync.TaskKey) (*models.Task, error) {
	if key.ClientID != "" {
		query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 AND client_id = $2 FOR UPDATE`
		t, err := scanTask(tx.QueryRowContext(ctx, query, ownerID, key.ClientID))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to lock task by client id: %w", err)
		}
	}
	if key.ServerID > 0 {
		query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 AND id = $2 FOR UPDATE`
		t, err := scanTask(tx.QueryRowContext(ctx, query, ownerID, key.ServerID))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to lock task by id: %w", err)
		}
	}
	return nil, nil
}

func insertTask(ctx context.Context, tx *sql.Tx, ownerID int64, t *models.Task) (*models.Task, error) {
	query := `
		INSERT INTO tasks (user_id, client_id, title, description, completed, priority, category,
			due_date, tags, version, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, 1, $10, $11, $12)
		RETURNING ` + taskColumns
	created, err := scanTask(tx.QueryRowContext(ctx, query,
		ownerID,
		nullString(t.ClientID),
		t.Title,
		nullDescription(t.Description),
		t.Completed,
		string(t.Priority),
		string(t.Category),
		nullTime(t.DueDate),
		models.EncodeTags(t.Tags),
		t.CreatedAt,
		t.UpdatedAt,
		nullTime(t.DeletedAt),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return created, nil
}

// updateTask overwrites content, timestamps and deletion state and bumps the version.
// A client id is only ever linked, never reassigned.
func updateTask(ctx context.Context, tx *sql.Tx, id int64, t *models.Task) (*models.Task, error) {
	query := `
		UPDATE tasks SET
			client_id = COALESCE(client_id, $2),
			title = $3,
			description = $4,
			completed = $5,
			priority = $6,
			category = $7,
			due_date = $8,
			tags = $9::jsonb,
			updated_at = $10,
			deleted_at = $11,
			version = version + 1
		WHERE id = $1
		RETURNING ` + taskColumns
	updated, err := scanTask(tx.QueryRowContext(ctx, query,
		id,
		nullString(t.ClientID),
		t.Title,
		nullDescription(t.Description),
		t.Completed,
		string(t.Priority),
		string(t.Category),
		nullTime(t.DueDate),
		models.EncodeTags(t.Tags),
		t.UpdatedAt,
		nullTime(t.DeletedAt),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return updated, nil
}

// ChangedSince returns the owner's tasks updated after since, deletions included,
// oldest first
func (db *DB) ChangedSince(ctx context.Context, ownerID int64, since *time.Time) ([]models.Task, error) {
	ctx, span := tracer.Start(ctx, "db.changed_since",
		trace.WithAttributes(attribute.Int64("user.id", ownerID)))
	defer span.End()

	var (
		rows *sql.Rows
		err  error
	)
	if since == nil {
		query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 ORDER BY updated_at ASC, id ASC`
		rows, err = db.conn.QueryContext(ctx, query, ownerID)
	} else {
		query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 AND updated_at > $2 ORDER BY updated_at ASC, id ASC`
		rows, err = db.conn.QueryContext(ctx, query, ownerID, *since)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query changed tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tasks.count", len(tasks)))
	return tasks, nil
}

// CountActive counts the owner's tasks that are not soft-deleted
func (db *DB) CountActive(ctx context.Context, ownerID int64) (int, error) {
	ctx, span := tracer.Start(ctx, "db.count_active_tasks",
		trace.WithAttributes(attribute.Int64("user.id", ownerID)))
	defer span.End()

	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE user_id = $1 AND deleted_at IS NULL`, ownerID).Scan(&count)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}
