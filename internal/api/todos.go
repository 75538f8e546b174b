package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ConfabulousDev/todo-sync/internal/db"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/validation"
)

// handleListTodos lists live tasks, most recently updated first
// GET /api/v1/todos?since=<ISO-8601>
func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireTodos(w) {
		return
	}

	since, err := parseTimeParam(r, "since")
	if err != nil {
		respondError(w, http.StatusBadRequest, "since must be an ISO-8601 timestamp")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	tasks, err := s.todos.ListTasks(ctx, uid, since)
	if err != nil {
		logger.Ctx(r.Context()).Error("Failed to list todos", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Failed to list todos")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"todos": tasks})
}

// handleCreateTodo creates a task directly, outside the sync protocol
// POST /api/v1/todos
func (s *Server) handleCreateTodo(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireTodos(w) {
		return
	}

	var t models.Task
	if !decodeJSON(w, r, MaxBodySize, &t) {
		return
	}
	if err := validation.ValidateTask(&t); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	created, err := s.todos.CreateTask(ctx, uid, &t)
	if err != nil {
		if errors.Is(err, db.ErrClientIDTaken) {
			respondError(w, http.StatusConflict, "client_id already in use")
			return
		}
		logger.Ctx(r.Context()).Error("Failed to create todo", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Failed to create todo")
		return
	}

	s.notify(uid)
	respondJSON(w, http.StatusCreated, created)
}

// handleGetTodo returns one live task
// GET /api/v1/todos/{id}
func (s *Server) handleGetTodo(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireTodos(w) {
		return
	}
	id, err := validation.ParseTaskID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	task, err := s.todos.GetTask(ctx, uid, id)
	if err != nil {
		s.respondTaskError(w, r, err, "Failed to get todo")
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleUpdateTodo replaces a task's content. A positive version in the body must
// match the stored version.
// PUT /api/v1/todos/{id}
func (s *Server) handleUpdateTodo(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireTodos(w) {
		return
	}
	id, err := validation.ParseTaskID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var t models.Task
	if !decodeJSON(w, r, MaxBodySize, &t) {
		return
	}
	if err := validation.ValidateTask(&t); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	updated, err := s.todos.ReplaceTask(ctx, uid, id, &t, t.Version)
	if err != nil {
		if errors.Is(err, db.ErrVersionMismatch) && updated != nil {
			respondJSON(w, http.StatusConflict, map[string]any{
				"error":           "Version mismatch",
				"current_version": updated.Version,
				"todo":            updated,
			})
			return
		}
		s.respondTaskError(w, r, err, "Failed to update todo")
		return
	}

	s.notify(uid)
	respondJSON(w, http.StatusOK, updated)
}

// handleDeleteTodo soft-deletes a task
// DELETE /api/v1/todos/{id}
func (s *Server) handleDeleteTodo(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireTodos(w) {
		return
	}
	id, err := validation.ParseTaskID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	deleted, err := s.todos.DeleteTask(ctx, uid, id)
	if err != nil {
		s.respondTaskError(w, r, err, "Failed to delete todo")
		return
	}

	s.notify(uid)
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "Todo deleted",
		"todo":    deleted,
	})
}

func (s *Server) requireTodos(w http.ResponseWriter) bool {
	if s.todos == nil {
		respondError(w, http.StatusNotFound, "Not found")
		return false
	}
	return true
}

func (s *Server) respondTaskError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, db.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "Todo not found")
	case errors.Is(err, db.ErrVersionMismatch):
		respondError(w, http.StatusConflict, "Version mismatch")
	default:
		logger.Ctx(r.Context()).Error(msg, "error", err)
		respondError(w, http.StatusInternalServerError, msg)
	}
}
