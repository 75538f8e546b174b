// Package engine runs the client side of a sync cycle: upload local changes, stop for
// conflict resolution when needed, download server changes, merge them into the
// replica and advance the checkpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/replica"
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
)

// DefaultMaxRounds bounds upload/resolve rounds within one cycle
const DefaultMaxRounds = 3

// State of the engine
type State int

const (
	StateIdle State = iota
	StateUploading
	StateAwaitingResolution
	StateDownloading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateAwaitingResolution:
		return "awaiting_resolution"
	case StateDownloading:
		return "downloading"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// API is the part of the server the engine talks to
type API interface {
	Upload(ctx context.Context, tasks []models.Task, lastSync *time.Time) (*tasksync.UploadResult, error)
	Download(ctx context.Context, since *time.Time) (*tasksync.DownloadResult, error)
	Resolve(ctx context.Context, clientID string, resolution models.Resolution, data *models.Task) (*tasksync.ResolveResult, error)
}

// Replica is the local task store
type Replica interface {
	Tasks(ctx context.Context, includeDeleted bool) ([]replica.LocalTask, error)
	Checkpoint(ctx context.Context) (*time.Time, error)
	Accept(ctx context.Context, t *models.Task) error
	ApplyMerge(ctx context.Context, plan replica.MergePlan) error
}

// Config tunes an Engine
type Config struct {
	// UploadDirtyOnly sends only tasks changed locally since the last sync instead
	// of the full local set.
	UploadDirtyOnly bool
	MaxRounds       int
	NewClientID     func() string
	OnStateChange   func(State)
}

// Result summarizes one Sync call
type Result struct {
	State            State // StateIdle when the cycle completed
	Rounds           int
	Uploaded         int
	Processed        []models.ProcessedItem
	ProcessingErrors []models.SyncConflict
	Resolved         int
	Pending          []Conflict
	Downloaded       int
	Checkpoint       *time.Time
}

// Completed reports whether the cycle reached the download and merged it
func (r *Result) Completed() bool {
	return r.State == StateIdle
}

// Engine runs sync cycles. Cycles are serialized; concurrent Sync calls wait.
type Engine struct {
	api      API
	replica  Replica
	resolver Resolver
	cfg      Config

	mu    sync.Mutex // held for a whole cycle
	state State
	smu   sync.RWMutex
}

// New creates an engine. A nil resolver leaves every conflict pending.
func New(api API, rep Replica, resolver Resolver, cfg Config) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.NewClientID == nil {
		cfg.NewClientID = uuid.NewString
	}
	if resolver == nil {
		resolver = Defer{}
	}
	return &Engine{api: api, replica: rep, resolver: resolver, cfg: cfg}
}

// State returns the current state
func (e *Engine) State() State {
	e.smu.RLock()
	defer e.smu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.smu.Lock()
	changed := e.state != s
	e.state = s
	e.smu.Unlock()
	if changed && e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(s)
	}
}

// Sync runs one cycle.
//
// Transport and replica errors abort the cycle with the checkpoint unchanged; nothing
// is retried here. Update conflicts go to the resolver, after which the cycle uploads
// again, leaving out the tasks whose resolution was stored locally in this cycle.
// Conflicts the resolver defers end the cycle in StateAwaitingResolution without
// downloading.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := logger.Ctx(ctx)
	res := &Result{}
	settled := make(map[string]bool)
	e.setState(StateUploading)

	for {
		res.Rounds++

		rows, err := e.replica.Tasks(ctx, true)
		if err != nil {
			return e.abort(res, fmt.Errorf("failed to read replica: %w", err))
		}
		checkpoint, err := e.replica.Checkpoint(ctx)
		if err != nil {
			return e.abort(res, fmt.Errorf("failed to read checkpoint: %w", err))
		}

		snapshot := make([]models.Task, 0, len(rows))
		upload := make([]models.Task, 0, len(rows))
		locals := make(map[string]*replica.LocalTask, len(rows))
		for i := range rows {
			snapshot = append(snapshot, rows[i].Task)
			locals[rows[i].ClientID] = &rows[i]
			if settled[rows[i].ClientID] {
				continue
			}
			if !e.cfg.UploadDirtyOnly || rows[i].Dirty {
				upload = append(upload, rows[i].Task)
			}
		}

		uploaded, err := e.api.Upload(ctx, upload, checkpoint)
		if err != nil {
			return e.abort(res, fmt.Errorf("upload failed: %w", err))
		}
		res.Uploaded = len(upload)
		res.Processed = uploaded.Processed

		var conflicts []Conflict
		res.ProcessingErrors = res.ProcessingErrors[:0]
		for _, c := range uploaded.Conflicts {
			if c.ConflictType != models.ConflictUpdate {
				res.ProcessingErrors = append(res.ProcessingErrors, c)
				continue
			}
			conflict := Conflict{SyncConflict: c}
			if lt, ok := locals[c.ClientID]; ok {
				conflict.Local = &lt.Task
				conflict.Dirty = lt.Dirty
			}
			conflicts = append(conflicts, conflict)
		}
		for _, pe := range res.ProcessingErrors {
			log.Warn("sync item rejected", "client_id", pe.ClientID, "class", pe.ErrorClass, "error", pe.Error)
		}

		if len(conflicts) > 0 {
			e.setState(StateAwaitingResolution)
			if res.Rounds > e.cfg.MaxRounds {
				res.Pending = conflicts
				res.State = StateAwaitingResolution
				log.Warn("sync halted: conflicts keep reappearing", "rounds", res.Rounds, "conflicts", len(conflicts))
				return res, nil
			}

			pending, resolved, err := e.resolveAll(ctx, conflicts, settled)
			res.Resolved += resolved
			if err != nil {
				return e.abort(res, err)
			}
			if len(pending) > 0 {
				res.Pending = pending
				res.State = StateAwaitingResolution
				log.Info("sync halted: conflicts awaiting resolution", "pending", len(pending))
				return res, nil
			}

			// Resolution changed server state; upload again before downloading
			e.setState(StateUploading)
			continue
		}

		e.setState(StateDownloading)
		down, err := e.api.Download(ctx, checkpoint)
		if err != nil {
			return e.abort(res, fmt.Errorf("download failed: %w", err))
		}

		plan := buildMerge(snapshot, uploaded.Processed, down.Todos, e.cfg.NewClientID)
		plan.Checkpoint = down.Timestamp
		if err := e.replica.ApplyMerge(ctx, plan); err != nil {
			return e.abort(res, fmt.Errorf("failed to apply merge: %w", err))
		}

		res.Downloaded = len(down.Todos)
		next := down.Timestamp
		res.Checkpoint = &next
		res.State = StateIdle
		e.setState(StateIdle)

		log.Info("sync cycle complete",
			"rounds", res.Rounds,
			"uploaded", res.Uploaded,
			"processed", len(res.Processed),
			"rejected", len(res.ProcessingErrors),
			"resolved", res.Resolved,
			"downloaded", res.Downloaded,
			"checkpoint", models.FormatTimestamp(next))
		return res, nil
	}
}

func (e *Engine) abort(res *Result, err error) (*Result, error) {
	res.State = StateIdle
	e.setState(StateIdle)
	return res, err
}

// resolveAll asks the resolver about each conflict and applies every decision on
// the server and in the replica. Lossless conflicts take the server version without
// asking. Tasks whose winning version is now in the replica are added to settled.
func (e *Engine) resolveAll(ctx context.Context, conflicts []Conflict, settled map[string]bool) (pending []Conflict, resolved int, err error) {
	for _, c := range conflicts {
		choice := models.ResolutionUseServer
		if !c.lossless() {
			var rerr error
			choice, rerr = e.resolver.Resolve(ctx, c)
			if errors.Is(rerr, ErrDeferred) {
				pending = append(pending, c)
				continue
			}
			if rerr != nil {
				return nil, resolved, fmt.Errorf("failed to resolve conflict on %s: %w", c.ClientID, rerr)
			}
		}
		if !choice.Valid() {
			return nil, resolved, fmt.Errorf("resolver returned %q for %s", choice, c.ClientID)
		}
		stored, err := e.apply(ctx, c, choice)
		if err != nil {
			return nil, resolved, err
		}
		if stored {
			settled[c.ClientID] = true
		}
		resolved++
	}
	return pending, resolved, nil
}

// apply sends the resolution and stores the winning version locally. It reports
// whether the replica now holds the server's copy; if not, the local copy is
// uploaded again as a create.
func (e *Engine) apply(ctx context.Context, c Conflict, choice models.Resolution) (bool, error) {
	out, err := e.api.Resolve(ctx, c.ClientID, choice, c.Local)
	if err != nil {
		return false, fmt.Errorf("resolve %s failed: %w", c.ClientID, err)
	}

	var winner *models.Task
	switch {
	case choice == models.ResolutionUseClient && out.Applied:
		winner = out.Todo
	case choice == models.ResolutionUseServer:
		winner = c.ServerTodo
	}
	if winner == nil {
		return false, nil
	}

	accepted := *winner
	if accepted.ClientID == "" {
		accepted.ClientID = c.ClientID
	}
	if err := e.replica.Accept(ctx, &accepted); err != nil {
		return false, fmt.Errorf("failed to store resolved task %s: %w", c.ClientID, err)
	}
	return true, nil
}

// buildMerge computes the replica contents after a download: every server-returned
// task, plus every local task the server did not return. Server tasks that arrive
// without a client id are matched to a local copy by server id or given a new one.
//
// Tasks the upload processed are normally returned by the download because the
// server stamped them after the previous checkpoint; if one is not, the local copy
// stays and records its new server id.
func buildMerge(snapshot []models.Task, processed []models.ProcessedItem, server []models.Task, newClientID func() string) replica.MergePlan {
	byServerID := make(map[int64]string)
	for _, t := range snapshot {
		if t.ID != 0 {
			byServerID[t.ID] = t.ClientID
		}
	}

	plan := replica.MergePlan{
		Snapshot:  snapshot,
		Server:    make([]models.Task, 0, len(server)),
		ServerIDs: make(map[string]int64),
	}

	matched := make(map[string]bool, len(server))
	for _, t := range server {
		if t.ClientID == "" {
			if clientID, ok := byServerID[t.ID]; ok {
				t.ClientID = clientID
			} else {
				t.ClientID = newClientID()
			}
		}
		matched[t.ClientID] = true
		plan.Server = append(plan.Server, t)
	}

	for _, t := range snapshot {
		if !matched[t.ClientID] {
			plan.Keep = append(plan.Keep, t.ClientID)
		}
	}

	for _, p := range processed {
		if p.Action == models.ActionCreated && !matched[p.ClientID] {
			plan.ServerIDs[p.ClientID] = p.ServerID
		}
	}
	return plan
}
