package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ConfabulousDev/todo-sync/internal/db"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/validation"
)

// SearchResponse is the response for GET /api/v1/search
type SearchResponse struct {
	Todos      []models.Task `json:"todos"`
	Pagination db.Pagination `json:"pagination"`
}

// handleSearch filters, sorts and pages the caller's live tasks
// GET /api/v1/search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireTodos(w) {
		return
	}

	params, err := parseSearchParams(r.URL.Query())
	if err == nil {
		err = params.Normalize()
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	tasks, page, err := s.todos.SearchTasks(ctx, uid, params)
	if err != nil {
		logger.Ctx(r.Context()).Error("Search failed", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Search failed")
		return
	}
	respondJSON(w, http.StatusOK, SearchResponse{Todos: tasks, Pagination: page})
}

// handleStats summarizes the caller's live tasks
// GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok || !s.requireTodos(w) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	stats, err := s.todos.Stats(ctx, uid)
	if err != nil {
		logger.Ctx(r.Context()).Error("Failed to compute stats", "error", err, "user_id", uid)
		respondError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// first returns the first non-empty value among the given query keys
func first(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func parseSearchParams(q url.Values) (db.SearchParams, error) {
	p := db.SearchParams{
		Query:     first(q, "query", "q"),
		Priority:  models.Priority(first(q, "priority")),
		Category:  models.Category(first(q, "category")),
		SortBy:    first(q, "sort_by", "sortBy"),
		SortOrder: strings.ToLower(first(q, "sort_order", "sortOrder")),
	}

	if raw := first(q, "tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				p.Tags = append(p.Tags, tag)
			}
		}
	}

	var err error
	if p.Completed, err = boolParam(q, "completed"); err != nil {
		return p, err
	}
	if p.HasDueDate, err = boolParam(q, "has_due_date", "hasDueDate"); err != nil {
		return p, err
	}
	overdue, err := boolParam(q, "overdue")
	if err != nil {
		return p, err
	}
	p.Overdue = overdue != nil && *overdue

	if raw := first(q, "due_from", "dueFrom"); raw != "" {
		t, err := models.ParseTimestamp(raw)
		if err != nil {
			return p, invalidParam("due_from")
		}
		p.DueFrom = &t
	}
	if raw := first(q, "due_to", "dueTo"); raw != "" {
		t, err := models.ParseTimestamp(raw)
		if err != nil {
			return p, invalidParam("due_to")
		}
		p.DueTo = &t
	}

	if p.Page, err = intParam(q, "page"); err != nil {
		return p, err
	}
	if p.Limit, err = intParam(q, "limit"); err != nil {
		return p, err
	}
	return p, nil
}

func invalidParam(name string) error {
	return fmt.Errorf("%w: %s is malformed", validation.ErrInvalid, name)
}

func boolParam(q url.Values, keys ...string) (*bool, error) {
	raw := first(q, keys...)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, invalidParam(keys[0])
	}
	return &b, nil
}

func intParam(q url.Values, key string) (int, error) {
	raw := first(q, key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidParam(key)
	}
	return n, nil
}
