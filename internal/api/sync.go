package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// SyncUploadRequest is the request body for POST /api/v1/sync/upload.
// Todos stays raw so that each item can fail on its own.
type SyncUploadRequest struct {
	Todos       json.RawMessage `json:"todos"`
	LastSync    *string         `json:"lastSync,omitempty"`
	LastSyncAlt *string         `json:"last_sync,omitempty"`
}

// SyncUploadResponse is the response for POST /api/v1/sync/upload
type SyncUploadResponse struct {
	Success bool `json:"success"`
	*tasksync.UploadResult
}

// ResolveConflictRequest is the request body for POST /api/v1/sync/resolve-conflict
type ResolveConflictRequest struct {
	ClientID    string          `json:"client_id"`
	ClientIDAlt string          `json:"clientId"`
	Resolution  string          `json:"resolution"`
	TodoData    json.RawMessage `json:"todo_data"`
	TodoDataAlt json.RawMessage `json:"todoData"`
}

// ============================================================================
// Handlers
// ============================================================================

// handleSyncUpload applies a batch of client tasks
// POST /api/v1/sync/upload
func (s *Server) handleSyncUpload(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	log := logger.Ctx(r.Context())

	var req SyncUploadRequest
	if !decodeJSON(w, r, MaxUploadBodySize, &req) {
		return
	}

	var batch []json.RawMessage
	if raw := strings.TrimSpace(string(req.Todos)); raw != "" && raw != "null" {
		if err := json.Unmarshal(req.Todos, &batch); err != nil {
			respondError(w, http.StatusBadRequest, "todos must be an array")
			return
		}
	}

	// The client's checkpoint is informational; the server decides by updated_at alone
	clientLastSync := req.LastSync
	if clientLastSync == nil {
		clientLastSync = req.LastSyncAlt
	}
	if clientLastSync != nil {
		log.Debug("sync upload", "items", len(batch), "client_last_sync", *clientLastSync)
	}

	ctx, cancel := context.WithTimeout(r.Context(), SyncTimeout)
	defer cancel()

	result, err := s.sync.Upload(ctx, uid, batch)
	if err != nil {
		if status, msg, ok := syncErrorStatus(err); ok {
			respondErrorDetails(w, status, msg, err.Error())
			return
		}
		log.Error("Sync upload failed", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Sync upload failed")
		return
	}

	respondJSON(w, http.StatusOK, SyncUploadResponse{Success: true, UploadResult: result})
}

// handleSyncDownload returns tasks changed since the client's checkpoint
// GET /api/v1/sync/download?since=<ISO-8601>
func (s *Server) handleSyncDownload(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	since, err := parseTimeParam(r, "since")
	if err != nil {
		respondError(w, http.StatusBadRequest, "since must be an ISO-8601 timestamp")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	result, err := s.sync.Download(ctx, uid, since)
	if err != nil {
		logger.Ctx(r.Context()).Error("Sync download failed", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Sync download failed")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleResolveConflict applies the user's choice for one conflict
// POST /api/v1/sync/resolve-conflict
func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req ResolveConflictRequest
	if !decodeJSON(w, r, MaxBodySize, &req) {
		return
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = req.ClientIDAlt
	}
	todoData := req.TodoData
	if len(todoData) == 0 {
		todoData = req.TodoDataAlt
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	result, err := s.sync.Resolve(ctx, uid, clientID, models.Resolution(req.Resolution), todoData)
	if err != nil {
		if status, msg, ok := syncErrorStatus(err); ok {
			respondErrorDetails(w, status, msg, err.Error())
			return
		}
		logger.Ctx(r.Context()).Error("Conflict resolution failed", "error", err, "user_id", uid, "client_id", clientID)
		respondError(w, http.StatusInternalServerError, "Conflict resolution failed")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleSyncStatus reports the caller's sync state
// GET /api/v1/sync/status
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	status, err := s.sync.Status(ctx, uid)
	if err != nil {
		logger.Ctx(r.Context()).Error("Failed to get sync status", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Failed to get sync status")
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// handleListConflicts lists conflicts that are still waiting for a resolution
// GET /api/v1/sync/conflicts
func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	conflicts, err := s.sync.PendingConflicts(ctx, uid)
	if err != nil {
		logger.Ctx(r.Context()).Error("Failed to list conflicts", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Failed to list conflicts")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// handleSyncEvents subscribes the caller to change notifications over a websocket
// GET /api/v1/sync/events
func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	if s.hub == nil {
		respondError(w, http.StatusNotFound, "Notifications are not enabled")
		return
	}
	s.hub.ServeWS(w, r, uid)
}

// syncErrorStatus maps caller errors from the sync service to an HTTP status
func syncErrorStatus(err error) (int, string, bool) {
	switch {
	case errors.Is(err, tasksync.ErrInvalidBatch):
		return http.StatusBadRequest, "Invalid batch", true
	case errors.Is(err, tasksync.ErrBatchTooLarge):
		return http.StatusBadRequest, "Batch too large", true
	case errors.Is(err, tasksync.ErrInvalidResolution):
		return http.StatusBadRequest, "Invalid resolution", true
	case errors.Is(err, tasksync.ErrMissingClientID):
		return http.StatusBadRequest, "client_id is required", true
	case errors.Is(err, tasksync.ErrMissingClientData):
		return http.StatusBadRequest, "todo_data is required for use_client", true
	case errors.Is(err, tasksync.ErrInvalidTodoData):
		return http.StatusBadRequest, "Invalid todo_data", true
	}
	return 0, "", false
}

// parseTimeParam reads an optional timestamp query parameter.
// A "+" in an unescaped offset arrives as a space and is put back.
func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	if strings.Contains(raw, "T") {
		raw = strings.ReplaceAll(raw, " ", "+")
	}
	t, err := models.ParseTimestamp(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
