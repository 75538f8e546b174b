package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func ptr[T any](v T) *T { return &v }

func TestTaskUnmarshal_NamingConventions(t *testing.T) {
	want := Task{
		ID:          42,
		ClientID:    "c-1",
		Title:       "Buy milk",
		Description: ptr("2 liters"),
		Completed:   true,
		Priority:    PriorityHigh,
		Category:    CategoryShopping,
		DueDate:     ptr(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
		Tags:        []string{"home", "errand"},
		Version:     3,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC),
	}

	tests := []struct {
		name    string
		payload string
	}{
		{
			name: "snake_case",
			payload: `{"id":42,"client_id":"c-1","title":"Buy milk","description":"2 liters",
				"completed":true,"priority":"high","category":"shopping","due_date":"2024-01-02",
				"tags":["home","errand"],"version":3,"created_at":"2024-01-01T00:00:00Z",
				"updated_at":"2024-01-01T12:30:00Z","user_id":99}`,
		},
		{
			name: "camelCase",
			payload: `{"serverId":42,"clientId":"c-1","title":"Buy milk","description":"2 liters",
				"completed":true,"priority":"high","category":"shopping","dueDate":"2024-01-02T00:00:00.000Z",
				"tags":["home","errand"],"version":3,"createdAt":"2024-01-01T00:00:00.000Z",
				"updatedAt":"2024-01-01T12:30:00.000Z","userId":99}`,
		},
		{
			name: "storage form tags and sqlite timestamps",
			payload: `{"id":"42","client_id":"c-1","title":"Buy milk","description":"2 liters",
				"completed":true,"priority":"high","category":"shopping","due_date":"2024-01-02 00:00:00",
				"tags":"[\"home\",\"errand\"]","version":3,"created_at":"2024-01-01 00:00:00",
				"updated_at":"2024-01-01 12:30:00"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Task
			if err := json.Unmarshal([]byte(tt.payload), &got); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("task mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTaskUnmarshal_LenientUpdatedAt(t *testing.T) {
	for _, payload := range []string{
		`{"client_id":"a","title":"x"}`,
		`{"client_id":"a","title":"x","updated_at":"yesterday-ish"}`,
		`{"client_id":"a","title":"x","updated_at":""}`,
	} {
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", payload, err)
		}
		if !task.UpdatedAt.IsZero() {
			t.Errorf("Unmarshal(%s): UpdatedAt = %v, want zero", payload, task.UpdatedAt)
		}
	}
}

func TestTaskUnmarshal_NonNumericIDIgnored(t *testing.T) {
	var task Task
	if err := json.Unmarshal([]byte(`{"id":"lq2x9k3abc","client_id":"lq2x9k3abc","title":"x"}`), &task); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if task.ID != 0 {
		t.Errorf("ID = %d, want 0", task.ID)
	}
}

func TestTaskUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"tags not array", `{"title":"x","tags":{"a":1}}`},
		{"bad due date", `{"title":"x","due_date":"not a date"}`},
		{"title wrong type", `{"title":5}`},
		{"not an object", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var task Task
			if err := json.Unmarshal([]byte(tt.payload), &task); err == nil {
				t.Errorf("expected error for %s", tt.payload)
			}
		})
	}
}

func TestTaskUnmarshal_IsDeletedFlag(t *testing.T) {
	var task Task
	err := json.Unmarshal([]byte(`{"client_id":"a","title":"x","updated_at":"2024-03-01T00:00:00Z","is_deleted":true}`), &task)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !task.IsDeleted() {
		t.Fatal("expected task to be deleted")
	}
	if !task.DeletedAt.Equal(task.UpdatedAt) {
		t.Errorf("DeletedAt = %v, want %v", task.DeletedAt, task.UpdatedAt)
	}
}

func TestTaskMarshal(t *testing.T) {
	deleted := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	task := Task{ID: 7, ClientID: "a", Title: "x", DeletedAt: &deleted}

	b, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	out := string(b)
	for _, want := range []string{`"is_deleted":true`, `"tags":[]`, `"client_id":"a"`, `"id":7`} {
		if !strings.Contains(out, want) {
			t.Errorf("Marshal output %s missing %s", out, want)
		}
	}

	var back Task
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !back.IsDeleted() || back.ID != 7 {
		t.Errorf("round trip lost fields: %+v", back)
	}
}

func TestTagsStorageForm(t *testing.T) {
	if got := EncodeTags(nil); got != "[]" {
		t.Errorf("EncodeTags(nil) = %q, want []", got)
	}
	encoded := EncodeTags([]string{"a", "b \"c\""})
	tags, err := DecodeTags(encoded)
	if err != nil {
		t.Fatalf("DecodeTags(%q) failed: %v", encoded, err)
	}
	if diff := cmp.Diff([]string{"a", "b \"c\""}, tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if tags, err := DecodeTags(""); err != nil || len(tags) != 0 {
		t.Errorf("DecodeTags(\"\") = %v, %v; want empty, nil", tags, err)
	}
}

func TestProbeClientID(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"client_id":"a","title":5}`, "a"},
		{`{"clientId":"b"}`, "b"},
		{`{"client_id":12}`, ""},
		{`not json`, ""},
	}
	for _, tt := range tests {
		if got := ProbeClientID(json.RawMessage(tt.payload)); got != tt.want {
			t.Errorf("ProbeClientID(%s) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestSameContent(t *testing.T) {
	a := Task{Title: "x", Priority: PriorityLow, Tags: []string{"t"}, Description: ptr("d")}
	b := a
	b.Tags = []string{"t"}
	b.Description = ptr("d")
	b.Version = 9
	if !SameContent(&a, &b) {
		t.Error("expected equal content")
	}
	b.Tags = []string{"u"}
	if SameContent(&a, &b) {
		t.Error("expected different content after tag change")
	}
}
