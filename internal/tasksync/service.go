// Package tasksync implements the server side of the offline sync protocol:
// conflict detection, batch upload, change download and conflict resolution.
package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/validation"
)

// DefaultMaxBatchSize bounds the number of tasks accepted by one upload call
const DefaultMaxBatchSize = 1000

// DefaultCheckpointLag covers the longest a write transaction can stay open after
// stamping updated_at. Stores that stamp before commit need it.
const DefaultCheckpointLag = 10 * time.Second

// ErrInvalidTodoData is returned when use_client data cannot be decoded or validated
var ErrInvalidTodoData = errors.New("invalid todo_data")

// Config holds the tunable parts of the protocol
type Config struct {
	MaxBatchSize int
	TieBreak     TieBreak
	Now          func() time.Time // server clock; defaults to time.Now

	// CheckpointLag moves download checkpoints back so that rows stamped by a
	// transaction still in flight are delivered again by the next download
	CheckpointLag time.Duration
}

// Option configures optional collaborators of a Service
type Option func(*Service)

// WithConflictLog records upload conflicts until they are resolved
func WithConflictLog(log ConflictLog) Option {
	return func(s *Service) { s.conflicts = log }
}

// WithNotifier announces server-side task changes
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// Service runs sync operations against a Store
type Service struct {
	store     Store
	conflicts ConflictLog
	notifier  Notifier
	detector  Detector
	maxBatch  int
	lag       time.Duration
	now       func() time.Time
}

// NewService creates a sync service
func NewService(store Store, cfg Config, opts ...Option) *Service {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakClient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Service{
		store:    store,
		detector: Detector{TieBreak: cfg.TieBreak},
		maxBatch: cfg.MaxBatchSize,
		lag:      max(cfg.CheckpointLag, 0),
		now:      cfg.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxBatchSize returns the configured upload ceiling
func (s *Service) MaxBatchSize() int {
	return s.maxBatch
}

// stamp reads the server clock at the precision every store can persist
func (s *Service) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// stampAfter never goes backwards relative to prev
func (s *Service) stampAfter(prev time.Time) time.Time {
	now := s.stamp()
	if now.Before(prev) {
		return prev
	}
	return now
}

// UploadResult is the outcome of one upload call
type UploadResult struct {
	Processed []models.ProcessedItem `json:"processed"`
	Conflicts []models.SyncConflict  `json:"conflicts"`
	Timestamp time.Time              `json:"timestamp"`
}

// Upload applies a batch of client tasks in order.
//
// Every item is handled on its own: stale items become update conflicts, items that
// fail to decode, validate or persist become processing errors, and neither stops the
// rest of the batch. The owner's last sync time is recorded once at the end.
func (s *Service) Upload(ctx context.Context, ownerID int64, batch []json.RawMessage) (*UploadResult, error) {
	if batch == nil {
		return nil, fmt.Errorf("%w: todos must be an array", ErrInvalidBatch)
	}
	if len(batch) > s.maxBatch {
		return nil, fmt.Errorf("%w: %d todos (max %d)", ErrBatchTooLarge, len(batch), s.maxBatch)
	}

	log := logger.Ctx(ctx)
	result := &UploadResult{
		Processed: []models.ProcessedItem{},
		Conflicts: []models.SyncConflict{},
	}

	for _, raw := range batch {
		// Items already applied stay applied; the caller retries the rest
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		processed, conflict := s.uploadItem(ctx, ownerID, raw)
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
			continue
		}
		result.Processed = append(result.Processed, *processed)
	}

	now := s.stamp()
	if err := s.store.TouchLastSync(ctx, ownerID, now); err != nil {
		return nil, fmt.Errorf("failed to update last sync: %w", err)
	}
	result.Timestamp = now

	if len(result.Conflicts) > 0 && s.conflicts != nil {
		if err := s.conflicts.RecordConflicts(ctx, ownerID, result.Conflicts); err != nil {
			log.Warn("failed to record sync conflicts", "error", err, "count", len(result.Conflicts))
		}
	}
	if len(result.Processed) > 0 {
		s.notify(ownerID)
	}

	log.Info("sync upload complete",
		"user_id", ownerID,
		"items", len(batch),
		"processed", len(result.Processed),
		"conflicts", len(result.Conflicts))
	return result, nil
}

func (s *Service) uploadItem(ctx context.Context, ownerID int64, raw json.RawMessage) (*models.ProcessedItem, *models.SyncConflict) {
	var incoming models.Task
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return nil, s.processingError(raw, models.ProbeClientID(raw), models.ErrorClassValidation,
			fmt.Sprintf("malformed todo: %v", err))
	}
	if err := validation.ValidateTask(&incoming); err != nil {
		return nil, s.processingError(raw, incoming.ClientID, models.ErrorClassValidation, err.Error())
	}
	incoming.ApplyDefaults()

	var outcome Outcome
	res, err := s.store.Apply(ctx, ownerID, TaskKey{ClientID: incoming.ClientID, ServerID: incoming.ID},
		func(current *models.Task) (Write, error) {
			outcome = s.detector.Detect(current, &incoming)
			switch outcome {
			case OutcomeCreate:
				return Write{Kind: WriteCreate, Task: s.newTask(&incoming)}, nil
			case OutcomeUpdate:
				return Write{Kind: WriteUpdate, Task: s.mergeInto(current, &incoming)}, nil
			default:
				return Write{Kind: WriteNone}, nil
			}
		})
	if err != nil {
		logger.Ctx(ctx).Error("failed to apply upload item",
			"error", err, "user_id", ownerID, "client_id", incoming.ClientID)
		return nil, s.processingError(raw, incoming.ClientID, models.ErrorClassServer, "failed to process item")
	}

	switch outcome {
	case OutcomeConflict:
		return nil, &models.SyncConflict{
			ClientID:     incoming.ClientID,
			ServerTodo:   res.Current,
			ClientTodo:   raw,
			ConflictType: models.ConflictUpdate,
			DetectedAt:   s.stamp(),
		}
	case OutcomeCreate:
		return &models.ProcessedItem{ClientID: incoming.ClientID, ServerID: res.Task.ID, Action: models.ActionCreated}, nil
	default:
		return &models.ProcessedItem{ClientID: incoming.ClientID, ServerID: res.Task.ID, Action: models.ActionUpdated}, nil
	}
}

func (s *Service) processingError(raw json.RawMessage, clientID string, class models.ErrorClass, detail string) *models.SyncConflict {
	if !json.Valid(raw) {
		// Keep the response body valid JSON even when the item was not
		quoted, _ := json.Marshal(string(raw))
		raw = quoted
	}
	return &models.SyncConflict{
		ClientID:     clientID,
		ClientTodo:   raw,
		ConflictType: models.ConflictProcessingError,
		Error:        detail,
		ErrorClass:   class,
		DetectedAt:   s.stamp(),
	}
}

// newTask builds the row for a task the store has never seen
func (s *Service) newTask(incoming *models.Task) models.Task {
	now := s.stamp()
	t := models.Task{
		ClientID:  incoming.ClientID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.CopyContent(incoming)
	if incoming.DeletedAt != nil {
		t.DeletedAt = &now
	}
	return t
}

// mergeInto overwrites the content of current with incoming, server-stamped
func (s *Service) mergeInto(current, incoming *models.Task) models.Task {
	now := s.stampAfter(current.UpdatedAt)
	t := *current
	t.CopyContent(incoming)
	t.UpdatedAt = now
	if t.ClientID == "" {
		t.ClientID = incoming.ClientID
	}
	switch {
	case incoming.DeletedAt != nil && current.DeletedAt == nil:
		t.DeletedAt = &now
	case incoming.DeletedAt == nil:
		t.DeletedAt = nil
	}
	return t
}

func (s *Service) notify(ownerID int64) {
	if s.notifier != nil {
		s.notifier.TasksChanged(ownerID)
	}
}

// DownloadResult carries the tasks changed since a checkpoint and the next checkpoint
type DownloadResult struct {
	Todos     []models.Task `json:"todos"`
	Timestamp time.Time     `json:"timestamp"`
}

// Download returns every task changed after since, deletions included, oldest first.
// The returned timestamp is the server clock when the query started less the
// checkpoint lag, never earlier than since. It is not the newest UpdatedAt in the
// result.
func (s *Service) Download(ctx context.Context, ownerID int64, since *time.Time) (*DownloadResult, error) {
	now := s.stamp().Add(-s.lag)
	if since != nil && now.Before(*since) {
		now = *since
	}
	tasks, err := s.store.ChangedSince(ctx, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load changed tasks: %w", err)
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	logger.Ctx(ctx).Debug("sync download", "user_id", ownerID, "since", since, "count", len(tasks))
	return &DownloadResult{Todos: tasks, Timestamp: now}, nil
}

// ResolveResult describes the effect of a resolution
type ResolveResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Applied bool         `json:"applied"`
	Todo    *models.Task `json:"todo,omitempty"`
}

// Resolve applies the user's choice for the conflict on clientID.
//
// use_server leaves the store untouched. use_client overwrites the stored task with
// clientData; when the task no longer exists it does nothing and still succeeds.
func (s *Service) Resolve(ctx context.Context, ownerID int64, clientID string, resolution models.Resolution, clientData json.RawMessage) (*ResolveResult, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}
	if clientID == "" {
		return nil, ErrMissingClientID
	}

	result := &ResolveResult{Success: true}

	if resolution == models.ResolutionUseServer {
		result.Message = "Conflict resolved - server version kept"
	} else {
		incoming, err := decodeClientData(clientData)
		if err != nil {
			return nil, err
		}

		res, err := s.store.Apply(ctx, ownerID, TaskKey{ClientID: clientID},
			func(current *models.Task) (Write, error) {
				if current == nil {
					return Write{Kind: WriteNone}, nil
				}
				return Write{Kind: WriteUpdate, Task: s.mergeInto(current, incoming)}, nil
			})
		if err != nil {
			return nil, fmt.Errorf("failed to apply client version: %w", err)
		}

		result.Message = "Conflict resolved - client version applied"
		if res.Kind == WriteUpdate {
			result.Applied = true
			result.Todo = res.Task
			s.notify(ownerID)
		}
	}

	if s.conflicts != nil {
		if err := s.conflicts.ClearConflicts(ctx, ownerID, clientID); err != nil {
			logger.Ctx(ctx).Warn("failed to clear resolved conflicts", "error", err, "client_id", clientID)
		}
	}

	logger.Ctx(ctx).Info("sync conflict resolved",
		"user_id", ownerID, "client_id", clientID, "resolution", resolution, "applied", result.Applied)
	return result, nil
}

func decodeClientData(raw json.RawMessage) (*models.Task, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrMissingClientData
	}
	var t models.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTodoData, err)
	}
	if err := validation.ValidateTask(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTodoData, err)
	}
	t.ApplyDefaults()
	return &t, nil
}

// Status summarizes an owner's sync state
type Status struct {
	LastSync   *time.Time `json:"last_sync"`
	TodoCount  int        `json:"todo_count"`
	ServerTime time.Time  `json:"server_time"`
}

// Status reports the owner's last upload time and active task count
func (s *Service) Status(ctx context.Context, ownerID int64) (*Status, error) {
	lastSync, err := s.store.LastSync(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load last sync: %w", err)
	}
	count, err := s.store.CountActive(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count todos: %w", err)
	}
	return &Status{LastSync: lastSync, TodoCount: count, ServerTime: s.stamp()}, nil
}

// PendingConflicts lists conflicts that have not been resolved yet
func (s *Service) PendingConflicts(ctx context.Context, ownerID int64) ([]models.SyncConflict, error) {
	if s.conflicts == nil {
		return []models.SyncConflict{}, nil
	}
	conflicts, err := s.conflicts.PendingConflicts(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending conflicts: %w", err)
	}
	if conflicts == nil {
		conflicts = []models.SyncConflict{}
	}
	return conflicts, nil
}
