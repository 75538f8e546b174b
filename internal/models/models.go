package models

import (
	"encoding/json"
	"time"
)

// Priority of a task
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every accepted priority, lowest first
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Valid reports whether p is one of the known priorities
func (p Priority) Valid() bool {
	for _, known := range Priorities {
		if p == known {
			return true
		}
	}
	return false
}

// Rank orders priorities for sorting (low=0 .. urgent=3, unknown=-1)
func (p Priority) Rank() int {
	for i, known := range Priorities {
		if p == known {
			return i
		}
	}
	return -1
}

// Category is a closed set of task categories
type Category string

const (
	CategoryPersonal  Category = "personal"
	CategoryWork      Category = "work"
	CategoryShopping  Category = "shopping"
	CategoryHealth    Category = "health"
	CategoryEducation Category = "education"
	CategoryFinance   Category = "finance"
	CategoryTravel    Category = "travel"
	CategoryHobbies   Category = "hobbies"
)

// Categories lists every accepted category
var Categories = []Category{
	CategoryPersonal, CategoryWork, CategoryShopping, CategoryHealth,
	CategoryEducation, CategoryFinance, CategoryTravel, CategoryHobbies,
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

const (
	DefaultPriority = PriorityMedium
	DefaultCategory = CategoryPersonal
)

// Task is the unit of synchronization.
//
// ID is the server-assigned primary key (0 while the task only exists on a client).
// ClientID is generated by the client at creation and never changes.
// UpdatedAt is the authority for conflict ordering; a zero UpdatedAt on an incoming
// task means the client sent no usable timestamp.
type Task struct {
	ID          int64      `json:"id,omitempty"`
	ClientID    string     `json:"client_id,omitempty"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Completed   bool       `json:"completed"`
	Priority    Priority   `json:"priority"`
	Category    Category   `json:"category"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Tags        []string   `json:"tags"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the task has been soft-deleted
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

// IsOverdue reports whether an incomplete task is past its due date
func (t *Task) IsOverdue(now time.Time) bool {
	return !t.Completed && t.DueDate != nil && t.DueDate.Before(now)
}

// ApplyDefaults fills in the default priority and category and a non-nil tag list
func (t *Task) ApplyDefaults() {
	if t.Priority == "" {
		t.Priority = DefaultPriority
	}
	if t.Category == "" {
		t.Category = DefaultCategory
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
}

// CopyContent copies the user-editable fields of src onto t.
// Identity, version and timestamps are left alone.
func (t *Task) CopyContent(src *Task) {
	t.Title = src.Title
	t.Description = src.Description
	t.Completed = src.Completed
	t.Priority = src.Priority
	t.Category = src.Category
	t.DueDate = src.DueDate
	t.Tags = append([]string(nil), src.Tags...)
}

// SameContent reports whether the user-editable fields of a and b are equal
func SameContent(a, b *Task) bool {
	if a.Title != b.Title || a.Completed != b.Completed ||
		a.Priority != b.Priority || a.Category != b.Category {
		return false
	}
	if (a.Description == nil) != (b.Description == nil) ||
		(a.Description != nil && *a.Description != *b.Description) {
		return false
	}
	if (a.DueDate == nil) != (b.DueDate == nil) ||
		(a.DueDate != nil && !a.DueDate.Equal(*b.DueDate)) {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}

// MarshalJSON adds the derived is_deleted flag and never emits a null tag list
func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	out := struct {
		plain
		IsDeleted bool `json:"is_deleted"`
	}{plain(t), t.DeletedAt != nil}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return json.Marshal(out)
}

// User is an account that owns tasks
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"` // Never expose the hash
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
}

// Action taken for a successfully processed upload item
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// ProcessedItem reports the server identity of an applied upload item
type ProcessedItem struct {
	ClientID string `json:"client_id"`
	ServerID int64  `json:"server_id"`
	Action   Action `json:"action"`
}

// ConflictType distinguishes stale writes from items that could not be processed
type ConflictType string

const (
	ConflictUpdate          ConflictType = "update_conflict"
	ConflictProcessingError ConflictType = "processing_error"
)

// ErrorClass tells a client whether a processing error can be fixed and retried
type ErrorClass string

const (
	ErrorClassValidation ErrorClass = "validation" // fix the item and upload again
	ErrorClassServer     ErrorClass = "server"     // server fault, retry later unchanged
)

// SyncConflict is returned for every upload item that was not applied.
// ClientTodo echoes the item exactly as the client sent it.
type SyncConflict struct {
	ClientID     string          `json:"client_id"`
	ServerTodo   *Task           `json:"server_todo,omitempty"` // nil for processing errors or when the server copy is gone
	ClientTodo   json.RawMessage `json:"client_todo"`
	ConflictType ConflictType    `json:"conflict_type"`
	Error        string          `json:"error,omitempty"`
	ErrorClass   ErrorClass      `json:"error_class,omitempty"`
	DetectedAt   time.Time       `json:"detected_at"`
}

// Resolution is the user's choice for a pending conflict
type Resolution string

const (
	ResolutionUseServer Resolution = "use_server"
	ResolutionUseClient Resolution = "use_client"
)

// Valid reports whether r is a recognized resolution
func (r Resolution) Valid() bool {
	return r == ResolutionUseServer || r == ResolutionUseClient
}
