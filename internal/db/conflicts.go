package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
)

var _ tasksync.ConflictLog = (*DB)(nil)

// RecordConflicts upserts the latest conflict per client id. Conflicts that cannot
// be attributed to a client id are not kept since nothing could resolve them.
func (db *DB) RecordConflicts(ctx context.Context, ownerID int64, conflicts []models.SyncConflict) error {
	ctx, span := tracer.Start(ctx, "db.record_conflicts",
		trace.WithAttributes(
			attribute.Int64("user.id", ownerID),
			attribute.Int("conflicts.count", len(conflicts)),
		))
	defer span.End()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO sync_conflicts (user_id, client_id, conflict_type, server_todo, client_todo, error, error_class, detected_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8)
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			conflict_type = EXCLUDED.conflict_type,
			server_todo = EXCLUDED.server_todo,
			client_todo = EXCLUDED.client_todo,
			error = EXCLUDED.error,
			error_class = EXCLUDED.error_class,
			detected_at = EXCLUDED.detected_at
	`
	for _, c := range conflicts {
		if c.ClientID == "" {
			continue
		}
		var serverTodo sql.NullString
		if c.ServerTodo != nil {
			b, err := json.Marshal(c.ServerTodo)
			if err != nil {
				return fmt.Errorf("failed to encode server todo: %w", err)
			}
			serverTodo = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.ExecContext(ctx, query,
			ownerID,
			c.ClientID,
			string(c.ConflictType),
			serverTodo,
			string(c.ClientTodo),
			nullString(c.Error),
			nullString(string(c.ErrorClass)),
			c.DetectedAt,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to record conflict: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ClearConflicts drops the pending conflict for a client id
func (db *DB) ClearConflicts(ctx context.Context, ownerID int64, clientID string) error {
	ctx, span := tracer.Start(ctx, "db.clear_conflicts",
		trace.WithAttributes(attribute.Int64("user.id", ownerID)))
	defer span.End()

	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE user_id = $1 AND client_id = $2`, ownerID, clientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to clear conflicts: %w", err)
	}
	return nil
}

// PendingConflicts lists unresolved conflicts, oldest first
func (db *DB) PendingConflicts(ctx context.Context, ownerID int64) ([]models.SyncConflict, error) {
	ctx, span := tracer.Start(ctx, "db.pending_conflicts",
		trace.WithAttributes(attribute.Int64("user.id", ownerID)))
	defer span.End()

	query := `
		SELECT client_id, conflict_type, server_todo, client_todo, error, error_class, detected_at
		FROM sync_conflicts WHERE user_id = $1 ORDER BY detected_at ASC, id ASC`
	rows, err := db.conn.QueryContext(ctx, query, ownerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []models.SyncConflict{}
	for rows.Next() {
		var (
			c          models.SyncConflict
			serverTodo sql.NullString
			clientTodo string
			errText    sql.NullString
			errClass   sql.NullString
		)
		if err := rows.Scan(&c.ClientID, &c.ConflictType, &serverTodo, &clientTodo, &errText, &errClass, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if serverTodo.Valid {
			var t models.Task
			if err := json.Unmarshal([]byte(serverTodo.String), &t); err != nil {
				return nil, fmt.Errorf("failed to decode server todo: %w", err)
			}
			c.ServerTodo = &t
		}
		c.ClientTodo = json.RawMessage(clientTodo)
		c.Error = errText.String
		c.ErrorClass = models.ErrorClass(errClass.String)
		c.DetectedAt = c.DetectedAt.UTC()
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}
