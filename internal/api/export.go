package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/storage"
)

// ExportDocument is the JSON export format
type ExportDocument struct {
	ExportedAt time.Time     `json:"exported_at"`
	Count      int           `json:"count"`
	Todos      []models.Task `json:"todos"`
}

var csvHeader = []string{
	"id", "client_id", "title", "description", "completed", "priority",
	"category", "due_date", "tags", "created_at", "updated_at",
}

// handleExport downloads every live task as JSON or CSV
// GET /api/v1/export?format=json|csv
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireTodos(w) {
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		respondError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	tasks, err := s.todos.ListTasks(ctx, uid, nil)
	if err != nil {
		logger.Ctx(r.Context()).Error("Failed to load todos for export", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Export failed")
		return
	}

	now := s.now().UTC()
	filename := fmt.Sprintf("todos-%s.%s", now.Format("20060102"), format)

	var (
		body        []byte
		contentType string
	)
	if format == "csv" {
		body, err = encodeCSV(tasks)
		contentType = "text/csv; charset=utf-8"
	} else {
		body, err = encodeExportJSON(tasks, now)
		contentType = "application/json"
	}
	if err != nil {
		logger.Ctx(r.Context()).Error("Failed to encode export", "error", err, "format", format)
		respondError(w, http.StatusInternalServerError, "Export failed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ArchiveResponse is returned by POST /api/v1/export/archive
type ArchiveResponse struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Size      int       `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleCreateArchive stores a JSON export in object storage and returns a
// presigned download link
// POST /api/v1/export/archive
func (s *Server) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireTodos(w) || !s.requireArchives(w) {
		return
	}
	log := logger.Ctx(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	tasks, err := s.todos.ListTasks(ctx, uid, nil)
	if err != nil {
		log.Error("Failed to load todos for archive", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Archive failed")
		return
	}

	now := s.now().UTC()
	body, err := encodeExportJSON(tasks, now)
	if err != nil {
		log.Error("Failed to encode archive", "error", err)
		respondError(w, http.StatusInternalServerError, "Archive failed")
		return
	}

	key, err := s.archives.PutArchive(ctx, uid, "json", "application/json", body)
	if err != nil {
		log.Error("Failed to store archive", "error", err, "user_id", uid)
		respondError(w, http.StatusBadGateway, "Failed to store archive")
		return
	}
	url, err := s.archives.PresignedURL(ctx, key, storage.DefaultPresignExpiry)
	if err != nil {
		log.Error("Failed to presign archive", "error", err, "key", key)
		respondError(w, http.StatusBadGateway, "Failed to create download link")
		return
	}

	log.Info("Export archive created", "user_id", uid, "key", key, "size", len(body), "count", len(tasks))
	respondJSON(w, http.StatusCreated, ArchiveResponse{
		Key:       key,
		URL:       url,
		Size:      len(body),
		ExpiresAt: now.Add(storage.DefaultPresignExpiry),
	})
}

// handleListArchives lists the caller's stored export archives, newest first
// GET /api/v1/export/archives
func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireArchives(w) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	archives, err := s.archives.ListArchives(ctx, uid)
	if err != nil {
		logger.Ctx(r.Context()).Error("Failed to list archives", "error", err, "user_id", uid)
		respondError(w, http.StatusBadGateway, "Failed to list archives")
		return
	}
	if archives == nil {
		archives = []storage.Archive{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"archives": archives})
}

// handleDownloadArchive streams one of the caller's stored archives back through
// the API, for clients that cannot follow a presigned link
// GET /api/v1/export/archives/{key}
func (s *Server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireArchives(w) {
		return
	}

	// Keys of other users are reported as missing
	key := chi.URLParam(r, "*")
	if !storage.OwnsKey(uid, key) {
		respondError(w, http.StatusNotFound, "Archive not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	data, err := s.archives.Download(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		respondError(w, http.StatusNotFound, "Archive not found")
		return
	}
	if err != nil {
		logger.Ctx(r.Context()).Error("Failed to download archive", "error", err, "key", key)
		respondError(w, http.StatusBadGateway, "Failed to download archive")
		return
	}

	contentType := "application/octet-stream"
	if path.Ext(key) == ".json" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) requireArchives(w http.ResponseWriter) bool {
	if s.archives == nil {
		respondError(w, http.StatusServiceUnavailable, "Export archive storage is not configured")
		return false
	}
	return true
}

func encodeExportJSON(tasks []models.Task, now time.Time) ([]byte, error) {
	if tasks == nil {
		tasks = []models.Task{}
	}
	return json.MarshalIndent(ExportDocument{
		ExportedAt: now,
		Count:      len(tasks),
		Todos:      tasks,
	}, "", "  ")
}

func encodeCSV(tasks []models.Task) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		var desc, due string
		if t.Description != nil {
			desc = *t.Description
		}
		if t.DueDate != nil {
			due = models.FormatTimestamp(*t.DueDate)
		}
		record := []string{
			strconv.FormatInt(t.ID, 10),
			t.ClientID,
			t.Title,
			desc,
			strconv.FormatBool(t.Completed),
			string(t.Priority),
			string(t.Category),
			due,
			strings.Join(t.Tags, ";"),
			models.FormatTimestamp(t.CreatedAt),
			models.FormatTimestamp(t.UpdatedAt),
		}
		if err := cw.Write(record); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}
