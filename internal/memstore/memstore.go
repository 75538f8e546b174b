// Package memstore is an in-process task store guarded by a single mutex.
// It backs tests and single-node development servers.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
)

type clientKey struct {
	ownerID  int64
	clientID string
}

// Store implements tasksync.Store and tasksync.ConflictLog
type Store struct {
	mu        sync.Mutex
	nextID    int64
	tasks     map[int64]*models.Task // by server id
	owners    map[int64]int64        // server id -> owner id
	byClient  map[clientKey]int64    // (owner, client id) -> server id
	lastSync  map[int64]time.Time
	conflicts map[int64][]models.SyncConflict
}

var (
	_ tasksync.Store       = (*Store)(nil)
	_ tasksync.ConflictLog = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		tasks:     make(map[int64]*models.Task),
		owners:    make(map[int64]int64),
		byClient:  make(map[clientKey]int64),
		lastSync:  make(map[int64]time.Time),
		conflicts: make(map[int64][]models.SyncConflict),
	}
}

func clone(t *models.Task) *models.Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Description != nil {
		d := *t.Description
		c.Description = &d
	}
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.DeletedAt != nil {
		d := *t.DeletedAt
		c.DeletedAt = &d
	}
	c.Tags = append([]string{}, t.Tags...)
	return &c
}

// lookup finds a task by client id, then by server id. Caller holds mu.
func (s *Store) lookup(ownerID int64, key tasksync.TaskKey) *models.Task {
	if key.ClientID != "" {
		if id, ok := s.byClient[clientKey{ownerID, key.ClientID}]; ok {
			return s.tasks[id]
		}
	}
	if key.ServerID > 0 {
		if t, ok := s.tasks[key.ServerID]; ok && s.owners[key.ServerID] == ownerID {
			return t
		}
	}
	return nil
}

// Apply runs decide and its write under the store lock
func (s *Store) Apply(ctx context.Context, ownerID int64, key tasksync.TaskKey, decide tasksync.DecideFunc) (tasksync.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return tasksync.ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.lookup(ownerID, key)
	current := clone(stored)

	w, err := decide(clone(current))
	if err != nil {
		return tasksync.ApplyResult{}, err
	}

	switch w.Kind {
	case tasksync.WriteCreate:
		s.nextID++
		t := clone(&w.Task)
		t.ID = s.nextID
		t.Version = 1
		s.tasks[t.ID] = t
		s.owners[t.ID] = ownerID
		if t.ClientID != "" {
			s.byClient[clientKey{ownerID, t.ClientID}] = t.ID
		}
		return tasksync.ApplyResult{Kind: w.Kind, Task: clone(t)}, nil

	case tasksync.WriteUpdate:
		if stored == nil {
			return tasksync.ApplyResult{Kind: tasksync.WriteNone}, nil
		}
		stored.CopyContent(&w.Task)
		if stored.ClientID == "" && w.Task.ClientID != "" {
			stored.ClientID = w.Task.ClientID
			s.byClient[clientKey{ownerID, stored.ClientID}] = stored.ID
		}
		stored.UpdatedAt = w.Task.UpdatedAt
		stored.DeletedAt = clone(&w.Task).DeletedAt
		stored.Version++
		return tasksync.ApplyResult{Kind: w.Kind, Task: clone(stored), Current: current}, nil

	default:
		return tasksync.ApplyResult{Kind: tasksync.WriteNone, Task: current, Current: current}, nil
	}
}

// ChangedSince returns the owner's tasks updated after since, oldest first
func (s *Store) ChangedSince(ctx context.Context, ownerID int64, since *time.Time) ([]models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Task
	for id, t := range s.tasks {
		if s.owners[id] != ownerID {
			continue
		}
		if since != nil && !t.UpdatedAt.After(*since) {
			continue
		}
		out = append(out, *clone(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// TouchLastSync records the owner's last upload time
func (s *Store) TouchLastSync(ctx context.Context, ownerID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync[ownerID] = at
	return nil
}

// LastSync returns the owner's last upload time
func (s *Store) LastSync(ctx context.Context, ownerID int64) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastSync[ownerID]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

// CountActive counts the owner's tasks that are not soft-deleted
func (s *Store) CountActive(ctx context.Context, ownerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if s.owners[id] == ownerID && t.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the owner's task with the given client id
func (s *Store) Get(ownerID int64, clientID string) (*models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(ownerID, tasksync.TaskKey{ClientID: clientID})
	return clone(t), t != nil
}

// Seed inserts a task exactly as given (timestamps and version included) and returns
// it with its assigned id
func (s *Store) Seed(ownerID int64, t models.Task) models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := clone(&t)
	c.ID = s.nextID
	if c.Version == 0 {
		c.Version = 1
	}
	s.tasks[c.ID] = c
	s.owners[c.ID] = ownerID
	if c.ClientID != "" {
		s.byClient[clientKey{ownerID, c.ClientID}] = c.ID
	}
	return *clone(c)
}

// RecordConflicts keeps the latest conflict per client id
func (s *Store) RecordConflicts(ctx context.Context, ownerID int64, conflicts []models.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.conflicts[ownerID]
	for _, c := range conflicts {
		pending = removeClient(pending, c.ClientID)
		pending = append(pending, c)
	}
	s.conflicts[ownerID] = pending
	return nil
}

// ClearConflicts drops the pending conflicts for a client id
func (s *Store) ClearConflicts(ctx context.Context, ownerID int64, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[ownerID] = removeClient(s.conflicts[ownerID], clientID)
	return nil
}

// PendingConflicts lists unresolved conflicts in detection order
func (s *Store) PendingConflicts(ctx context.Context, ownerID int64) ([]models.SyncConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SyncConflict{}, s.conflicts[ownerID]...), nil
}

func removeClient(list []models.SyncConflict, clientID string) []models.SyncConflict {
	out := list[:0]
	for _, c := range list {
		if c.ClientID != clientID {
			out = append(out, c)
		}
	}
	return out
}
