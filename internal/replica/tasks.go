package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/models"
)

const taskColumns = `client_id, server_id, title, description, completed, priority, category,
	due_date, tags, version, created_at, updated_at, deleted_at`

// LocalTask is a replica row: the task plus whether it changed locally since the last
// sync. Clean rows with a conflict take the server version without asking.
type LocalTask struct {
	models.Task
	Dirty bool
}

// Fixed-width so that text ordering matches time ordering
const storedLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatStored(t time.Time) string {
	return t.UTC().Format(storedLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatStored(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := models.ParseTimestamp(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*LocalTask, error) {
	var (
		lt                   LocalTask
		serverID             sql.NullInt64
		description          sql.NullString
		dueDate, deletedAt   sql.NullString
		tags                 string
		createdAt, updatedAt string
	)
	err := row.Scan(&lt.ClientID, &serverID, &lt.Title, &description, &lt.Completed,
		&lt.Priority, &lt.Category, &dueDate, &tags, &lt.Version,
		&createdAt, &updatedAt, &deletedAt, &lt.Dirty)
	if err != nil {
		return nil, err
	}

	lt.ID = serverID.Int64
	if description.Valid {
		d := description.String
		lt.Description = &d
	}
	if err := json.Unmarshal([]byte(tags), &lt.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for %s: %w", lt.ClientID, err)
	}
	if lt.CreatedAt, err = models.ParseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for %s: %w", lt.ClientID, err)
	}
	if lt.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for %s: %w", lt.ClientID, err)
	}
	if lt.DueDate, err = parseNullTime(dueDate); err != nil {
		return nil, fmt.Errorf("corrupt due_date for %s: %w", lt.ClientID, err)
	}
	if lt.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, fmt.Errorf("corrupt deleted_at for %s: %w", lt.ClientID, err)
	}
	return &lt, nil
}

func queryTasks(ctx context.Context, q queryer, where string, args ...any) ([]LocalTask, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+`, dirty FROM tasks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []LocalTask
	for rows.Next() {
		lt, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *lt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// Tasks lists local tasks, oldest first. Tombstones are included only when
// includeDeleted is set.
func (r *Replica) Tasks(ctx context.Context, includeDeleted bool) ([]LocalTask, error) {
	where := `WHERE deleted_at IS NULL ORDER BY created_at, client_id`
	if includeDeleted {
		where = `ORDER BY created_at, client_id`
	}
	return queryTasks(ctx, r.db, where)
}

// Get returns the task with clientID, tombstones included
func (r *Replica) Get(ctx context.Context, clientID string) (*LocalTask, error) {
	tasks, err := queryTasks(ctx, r.db, `WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return &tasks[0], nil
}

// Find resolves a user-typed reference: a server id, a full client id or a unique
// client id prefix. Deleted tasks are not matched.
func (r *Replica) Find(ctx context.Context, ref string) (*LocalTask, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNotFound
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		tasks, err := queryTasks(ctx, r.db, `WHERE server_id = ? AND deleted_at IS NULL`, id)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 1 {
			return &tasks[0], nil
		}
	}

	// Escape LIKE wildcards so the reference is matched literally
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(ref)
	tasks, err := queryTasks(ctx, r.db,
		`WHERE client_id LIKE ? ESCAPE '\' AND deleted_at IS NULL LIMIT 2`, escaped+"%")
	if err != nil {
		return nil, err
	}
	switch len(tasks) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &tasks[0], nil
	default:
		for i := range tasks {
			if tasks[i].ClientID == ref {
				return &tasks[i], nil
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrAmbiguous, ref)
	}
}

func upsertTask(ctx context.Context, q queryer, t *models.Task, dirty bool) error {
	if t.ClientID == "" {
		return errors.New("task has no client id")
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	var serverID sql.NullInt64
	if t.ID != 0 {
		serverID = sql.NullInt64{Int64: t.ID, Valid: true}
	}
	var description sql.NullString
	if t.Description != nil {
		description = sql.NullString{String: *t.Description, Valid: true}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			server_id = excluded.server_id,
			title = excluded.title,
			description = excluded.description,
			completed = excluded.completed,
			priority = excluded.priority,
			category = excluded.category,
			due_date = excluded.due_date,
			tags = excluded.tags,
			version = excluded.version,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			dirty = excluded.dirty
	`, t.ClientID, serverID, t.Title, description, t.Completed, string(t.Priority), string(t.Category),
		nullTime(t.DueDate), string(tagsJSON), t.Version,
		formatStored(t.CreatedAt), formatStored(t.UpdatedAt), nullTime(t.DeletedAt), dirty)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ClientID, err)
	}
	return nil
}

// Save writes a local edit. The task is marked dirty until a sync confirms it.
func (r *Replica) Save(ctx context.Context, t *models.Task) error {
	return upsertTask(ctx, r.db, t, true)
}

// Accept stores the server's version of a task as clean, replacing any row with the
// same client id or server id
func (r *Replica) Accept(ctx context.Context, t *models.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := acceptTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func acceptTask(ctx context.Context, q queryer, t *models.Task) error {
	if t.ID != 0 {
		// Another device may have given this server task a different client id
		if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE server_id = ? AND client_id <> ?`, t.ID, t.ClientID); err != nil {
			return fmt.Errorf("failed to re-key task %d: %w", t.ID, err)
		}
	}
	return upsertTask(ctx, q, t, false)
}

// MergePlan is the outcome of one sync cycle, applied atomically by ApplyMerge.
//
// Snapshot holds the local rows as they were read before the upload. A row whose
// UpdatedAt no longer matches its snapshot was edited during the cycle and is left
// untouched (and dirty) so the next cycle uploads it.
type MergePlan struct {
	Snapshot   []models.Task
	Server     []models.Task    // server versions, stored clean
	Keep       []string         // client ids of local-only tasks that stay as they are
	ServerIDs  map[string]int64 // server ids assigned to kept tasks the server created
	Checkpoint time.Time
}

// ApplyMerge replaces the replica contents with the merged set and advances the
// checkpoint in one transaction. Rows in neither Server nor Keep are removed.
func (r *Replica) ApplyMerge(ctx context.Context, plan MergePlan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := queryTasks(ctx, tx, ``)
	if err != nil {
		return err
	}
	snapshot := make(map[string]time.Time, len(plan.Snapshot))
	for _, t := range plan.Snapshot {
		snapshot[t.ClientID] = t.UpdatedAt
	}
	editedDuringCycle := make(map[string]bool)
	for _, lt := range current {
		at, seen := snapshot[lt.ClientID]
		if !seen || !at.Equal(lt.UpdatedAt) {
			editedDuringCycle[lt.ClientID] = true
		}
	}

	wanted := make(map[string]bool, len(plan.Server)+len(plan.Keep))
	for i := range plan.Server {
		t := &plan.Server[i]
		wanted[t.ClientID] = true
		if editedDuringCycle[t.ClientID] {
			continue
		}
		if err := acceptTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, clientID := range plan.Keep {
		wanted[clientID] = true
		id, ok := plan.ServerIDs[clientID]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET server_id = ? WHERE client_id = ? AND server_id IS NULL`, id, clientID); err != nil {
			return fmt.Errorf("failed to record server id for %s: %w", clientID, err)
		}
	}

	for _, lt := range current {
		if wanted[lt.ClientID] || editedDuringCycle[lt.ClientID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE client_id = ?`, lt.ClientID); err != nil {
			return fmt.Errorf("failed to drop task %s: %w", lt.ClientID, err)
		}
	}

	if err := setMeta(ctx, tx, keyCheckpoint, formatStored(plan.Checkpoint)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}

// Counts returns the number of live tasks and of those with unsynced local changes
func (r *Replica) Counts(ctx context.Context) (live, dirty int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(dirty), 0) FROM tasks WHERE deleted_at IS NULL
	`).Scan(&live, &dirty)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return live, dirty, nil
}
