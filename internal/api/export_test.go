package api

import (
	"encoding/csv"
	"errors"
	"net/http"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/storage"
	"github.com/ConfabulousDev/todo-sync/internal/testutil"
)

func TestEncodeCSV(t *testing.T) {
	desc := "with, a comma"
	due := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tasks := []models.Task{{
		ID:          7,
		ClientID:    "c-7",
		Title:       `Say "hi"`,
		Description: &desc,
		Priority:    models.PriorityHigh,
		Category:    models.CategoryWork,
		DueDate:     &due,
		Tags:        []string{"a", "b"},
		CreatedAt:   created,
		UpdatedAt:   created,
	}}

	data, err := encodeCSV(tasks)
	if err != nil {
		t.Fatalf("encodeCSV failed: %v", err)
	}
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want header + 1", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(csvHeader, ",") {
		t.Errorf("header = %v", records[0])
	}
	row := records[1]
	want := []string{"7", "c-7", `Say "hi"`, desc, "false", "high", "work", "2026-04-01T09:00:00Z", "a;b", "2026-03-01T12:00:00Z", "2026-03-01T12:00:00Z"}
	for i := range want {
		if row[i] != want[i] {
			t.Errorf("column %s = %q, want %q", csvHeader[i], row[i], want[i])
		}
	}
}

func TestExport(t *testing.T) {
	ta := newTestAPI(t)
	_, token := ta.signup(t, "alice@example.com")
	for _, title := range []string{"One", "Two"} {
		w := ta.do(t, "POST", "/api/v1/todos", token, map[string]any{"title": title})
		testutil.AssertStatus(t, w, http.StatusCreated)
	}

	t.Run("json by default", func(t *testing.T) {
		w := ta.do(t, "GET", "/api/v1/export", token, nil)
		testutil.AssertStatus(t, w, http.StatusOK)
		if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="todos-20260301.json"` {
			t.Errorf("Content-Disposition = %q", got)
		}
		var doc ExportDocument
		decodeBody(t, w, &doc)
		if doc.Count != 2 || len(doc.Todos) != 2 {
			t.Errorf("got count %d with %d todos, want 2", doc.Count, len(doc.Todos))
		}
		if !doc.ExportedAt.Equal(ta.clock.Now()) {
			t.Errorf("exported_at = %v, want %v", doc.ExportedAt, ta.clock.Now())
		}
	})

	t.Run("csv", func(t *testing.T) {
		w := ta.do(t, "GET", "/api/v1/export?format=CSV", token, nil)
		testutil.AssertStatus(t, w, http.StatusOK)
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
			t.Errorf("Content-Type = %q, want text/csv", ct)
		}
		lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
		if len(lines) != 3 {
			t.Errorf("got %d lines, want header + 2", len(lines))
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		w := ta.do(t, "GET", "/api/v1/export?format=xml", token, nil)
		testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "format must be json or csv")
	})
}

func TestExportArchive(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ta := newTestAPI(t)
		_, token := ta.signup(t, "alice@example.com")
		w := ta.do(t, "POST", "/api/v1/export/archive", token, nil)
		testutil.AssertErrorResponse(t, w, http.StatusServiceUnavailable, "Export archive storage is not configured")
	})

	t.Run("stores and lists", func(t *testing.T) {
		archives := &fakeArchives{}
		ta := newTestAPI(t, withArchives(archives))
		user, token := ta.signup(t, "alice@example.com")
		w := ta.do(t, "POST", "/api/v1/todos", token, map[string]any{"title": "Archived"})
		testutil.AssertStatus(t, w, http.StatusCreated)

		w = ta.do(t, "POST", "/api/v1/export/archive", token, nil)
		testutil.AssertStatus(t, w, http.StatusCreated)
		var resp ArchiveResponse
		decodeBody(t, w, &resp)
		if !storage.OwnsKey(user.ID, resp.Key) {
			t.Errorf("key %q is outside the user's prefix", resp.Key)
		}
		if !strings.Contains(resp.URL, resp.Key) || resp.Size == 0 {
			t.Errorf("got %+v, want a presigned url and a size", resp)
		}
		if want := ta.clock.Now().Add(storage.DefaultPresignExpiry); !resp.ExpiresAt.Equal(want) {
			t.Errorf("expires_at = %v, want %v", resp.ExpiresAt, want)
		}

		w = ta.do(t, "GET", "/api/v1/export/archives", token, nil)
		testutil.AssertStatus(t, w, http.StatusOK)
		var list struct {
			Archives []storage.Archive `json:"archives"`
		}
		decodeBody(t, w, &list)
		if len(list.Archives) != 1 || list.Archives[0].Key != resp.Key {
			t.Errorf("archives = %+v, want the new archive", list.Archives)
		}
	})

	t.Run("downloads own archives only", func(t *testing.T) {
		archives := &fakeArchives{}
		ta := newTestAPI(t, withArchives(archives))
		alice, aliceToken := ta.signup(t, "alice@example.com")
		_, bobToken := ta.signup(t, "bob@example.com")
		w := ta.do(t, "POST", "/api/v1/todos", aliceToken, map[string]any{"title": "Archived"})
		testutil.AssertStatus(t, w, http.StatusCreated)

		w = ta.do(t, "POST", "/api/v1/export/archive", aliceToken, nil)
		testutil.AssertStatus(t, w, http.StatusCreated)
		var resp ArchiveResponse
		decodeBody(t, w, &resp)

		w = ta.do(t, "GET", "/api/v1/export/archives/"+resp.Key, aliceToken, nil)
		testutil.AssertStatus(t, w, http.StatusOK)
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, path.Base(resp.Key)) {
			t.Errorf("Content-Disposition = %q, want the archive file name", cd)
		}
		var doc ExportDocument
		decodeBody(t, w, &doc)
		if doc.Count != 1 || doc.Todos[0].Title != "Archived" {
			t.Errorf("archive = %+v, want the exported todo", doc)
		}

		w = ta.do(t, "GET", "/api/v1/export/archives/"+resp.Key, bobToken, nil)
		testutil.AssertErrorResponse(t, w, http.StatusNotFound, "Archive not found")

		missing := storage.ArchiveKey(alice.ID, ta.clock.Now(), "json")
		w = ta.do(t, "GET", "/api/v1/export/archives/"+missing, aliceToken, nil)
		testutil.AssertErrorResponse(t, w, http.StatusNotFound, "Archive not found")
	})

	t.Run("storage failure", func(t *testing.T) {
		ta := newTestAPI(t, withArchives(&fakeArchives{err: errors.New("bucket unreachable")}))
		_, token := ta.signup(t, "alice@example.com")
		w := ta.do(t, "POST", "/api/v1/export/archive", token, nil)
		testutil.AssertErrorResponse(t, w, http.StatusBadGateway, "Failed to store archive")
	})
}

func TestSearchAndStats(t *testing.T) {
	ta := newTestAPI(t)
	_, token := ta.signup(t, "alice@example.com")
	w := ta.do(t, "POST", "/api/v1/todos", token, map[string]any{"title": "Done", "completed": true})
	testutil.AssertStatus(t, w, http.StatusCreated)
	w = ta.do(t, "POST", "/api/v1/todos", token, map[string]any{"title": "Open"})
	testutil.AssertStatus(t, w, http.StatusCreated)

	w = ta.do(t, "GET", "/api/v1/search?q=o&page=1&limit=10", token, nil)
	testutil.AssertStatus(t, w, http.StatusOK)
	var resp SearchResponse
	decodeBody(t, w, &resp)
	if resp.Pagination.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Pagination.Total)
	}

	w = ta.do(t, "GET", "/api/v1/search?completed=maybe", token, nil)
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = ta.do(t, "GET", "/api/v1/stats", token, nil)
	testutil.AssertStatus(t, w, http.StatusOK)
	var stats struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Pending   int `json:"pending"`
	}
	decodeBody(t, w, &stats)
	if stats.Total != 2 || stats.Completed != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want 2 total, 1 completed, 1 pending", stats)
	}
}

func TestParseSearchParams(t *testing.T) {
	q := map[string][]string{
		"q":          {" milk "},
		"sortBy":     {"due_date"},
		"sort_order": {"DESC"},
		"tags":       {"home, errands,,"},
		"completed":  {"false"},
		"hasDueDate": {"true"},
		"overdue":    {"1"},
		"dueFrom":    {"2026-03-01"},
		"page":       {"2"},
		"limit":      {"5"},
	}
	p, err := parseSearchParams(q)
	if err != nil {
		t.Fatalf("parseSearchParams failed: %v", err)
	}
	if p.Query != "milk" || p.SortBy != "due_date" || p.SortOrder != "desc" {
		t.Errorf("query/sort = %q %q %q", p.Query, p.SortBy, p.SortOrder)
	}
	if strings.Join(p.Tags, "|") != "home|errands" {
		t.Errorf("tags = %v, want [home errands]", p.Tags)
	}
	if p.Completed == nil || *p.Completed {
		t.Errorf("completed = %v, want false", p.Completed)
	}
	if p.HasDueDate == nil || !*p.HasDueDate {
		t.Errorf("has_due_date = %v, want true", p.HasDueDate)
	}
	if !p.Overdue {
		t.Error("expected overdue")
	}
	if p.DueFrom == nil || !p.DueFrom.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("due_from = %v", p.DueFrom)
	}
	if p.Page != 2 || p.Limit != 5 {
		t.Errorf("page/limit = %d/%d, want 2/5", p.Page, p.Limit)
	}

	for _, bad := range []map[string][]string{
		{"page": {"two"}},
		{"due_to": {"next week"}},
		{"has_due_date": {"perhaps"}},
	} {
		if _, err := parseSearchParams(bad); err == nil {
			t.Errorf("expected an error for %v", bad)
		}
	}
}
