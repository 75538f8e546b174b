package db

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PurgeDeletedTasks physically removes up to limit tasks soft-deleted before cutoff.
// A client whose checkpoint predates cutoff will not see those deletions, so the
// retention must exceed the longest expected offline period.
func (db *DB) PurgeDeletedTasks(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	ctx, span := tracer.Start(ctx, "db.purge_deleted_tasks",
		trace.WithAttributes(attribute.Int("purge.limit", limit)))
	defer span.End()

	query := `
		DELETE FROM tasks WHERE id IN (
			SELECT id FROM tasks
			WHERE deleted_at IS NOT NULL AND deleted_at < $1
			ORDER BY deleted_at ASC
			LIMIT $2
		)`
	res, err := db.conn.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to purge deleted tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged tasks: %w", err)
	}
	span.SetAttributes(attribute.Int64("purge.count", n))
	return n, nil
}

// PurgeStaleConflicts drops pending conflicts detected before cutoff
func (db *DB) PurgeStaleConflicts(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "db.purge_stale_conflicts")
	defer span.End()

	res, err := db.conn.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE detected_at < $1`, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to purge stale conflicts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged conflicts: %w", err)
	}
	span.SetAttributes(attribute.Int64("purge.count", n))
	return n, nil
}
