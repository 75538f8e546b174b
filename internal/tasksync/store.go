package tasksync

import (
	"context"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/models"
)

// TaskKey identifies the logical task an upload item refers to.
// Stores look up by ClientID first and fall back to ServerID when no task has that
// client id. A zero ServerID disables the fallback.
type TaskKey struct {
	ClientID string
	ServerID int64
}

// WriteKind is what a DecideFunc asks the store to do
type WriteKind int

const (
	WriteNone WriteKind = iota
	WriteCreate
	WriteUpdate
)

// Write describes the desired state after a decision.
// For WriteCreate the store assigns the id and sets version 1.
// For WriteUpdate the store copies content, ClientID, DeletedAt and UpdatedAt from
// Task and increments the stored version.
type Write struct {
	Kind WriteKind
	Task models.Task
}

// DecideFunc inspects the current stored task (nil when none exists) and returns the
// write to apply. It runs while the store holds the task's lock, so it must not call
// back into the store.
type DecideFunc func(current *models.Task) (Write, error)

// ApplyResult reports what Apply did
type ApplyResult struct {
	Kind    WriteKind
	Task    *models.Task // the task after the write, or the unchanged current task
	Current *models.Task // the task as it was before the decision (nil if absent)
}

// Store is the task store the sync protocol runs against.
//
// Apply must make the lookup, the decision and the write one atomic step with respect
// to any other Apply for the same task. Different tasks need no mutual ordering.
type Store interface {
	Apply(ctx context.Context, ownerID int64, key TaskKey, decide DecideFunc) (ApplyResult, error)

	// ChangedSince returns every task of ownerID with UpdatedAt after since (all tasks
	// when since is nil), soft-deleted ones included, ordered by UpdatedAt ascending.
	ChangedSince(ctx context.Context, ownerID int64, since *time.Time) ([]models.Task, error)

	// TouchLastSync records the owner's last successful upload time
	TouchLastSync(ctx context.Context, ownerID int64, at time.Time) error

	// LastSync returns the owner's last upload time, nil if never synced
	LastSync(ctx context.Context, ownerID int64) (*time.Time, error)

	// CountActive counts the owner's tasks that are not soft-deleted
	CountActive(ctx context.Context, ownerID int64) (int, error)
}

// ConflictLog keeps conflicts visible until the user resolves them
type ConflictLog interface {
	RecordConflicts(ctx context.Context, ownerID int64, conflicts []models.SyncConflict) error
	ClearConflicts(ctx context.Context, ownerID int64, clientID string) error
	PendingConflicts(ctx context.Context, ownerID int64) ([]models.SyncConflict, error)
}

// Notifier is told when an owner's tasks changed on the server
type Notifier interface {
	TasksChanged(ownerID int64)
}
