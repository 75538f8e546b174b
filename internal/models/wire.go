package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Accepted timestamp layouts, most specific first.
// Clients send RFC 3339; SQLite-backed clients send "YYYY-MM-DD HH:MM:SS".
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ErrBadTimestamp is returned by ParseTimestamp for strings in no accepted layout
var ErrBadTimestamp = errors.New("invalid timestamp")

// ParseTimestamp parses an ISO-8601 style timestamp. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrBadTimestamp
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// FormatTimestamp renders t the way every API response does
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// wireTask accepts both snake_case and camelCase field names.
// Loosely typed fields are kept raw and normalized in UnmarshalJSON.
type wireTask struct {
	ID          json.RawMessage `json:"id"`
	ServerID    json.RawMessage `json:"server_id"`
	ServerIDAlt json.RawMessage `json:"serverId"`

	ClientID    *string `json:"client_id"`
	ClientIDAlt *string `json:"clientId"`

	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Completed   *bool    `json:"completed"`
	Priority    Priority `json:"priority"`
	Category    Category `json:"category"`

	DueDate    *string `json:"due_date"`
	DueDateAlt *string `json:"dueDate"`

	Tags json.RawMessage `json:"tags"`

	Version int64 `json:"version"`

	CreatedAt    *string `json:"created_at"`
	CreatedAtAlt *string `json:"createdAt"`
	UpdatedAt    *string `json:"updated_at"`
	UpdatedAtAlt *string `json:"updatedAt"`
	DeletedAt    *string `json:"deleted_at"`
	DeletedAtAlt *string `json:"deletedAt"`

	IsDeleted    *bool `json:"is_deleted"`
	IsDeletedAlt *bool `json:"isDeleted"`
}

func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// UnmarshalJSON folds every accepted naming convention into the canonical Task.
//
// An absent or unparsable updated_at leaves UpdatedAt zero instead of failing, so the
// conflict detector can treat the item as older than any stored version.
// Every other malformed field is an error.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*t = Task{}

	id, err := parseServerID(w.ID, w.ServerID, w.ServerIDAlt)
	if err != nil {
		return err
	}
	t.ID = id

	if v := firstString(w.ClientID, w.ClientIDAlt); v != nil {
		t.ClientID = strings.TrimSpace(*v)
	}
	if w.Title != nil {
		t.Title = *w.Title
	}
	t.Description = w.Description
	if w.Completed != nil {
		t.Completed = *w.Completed
	}
	t.Priority = w.Priority
	t.Category = w.Category
	t.Version = w.Version

	if v := firstString(w.DueDate, w.DueDateAlt); v != nil && *v != "" {
		due, err := ParseTimestamp(*v)
		if err != nil {
			return fmt.Errorf("due_date: %w", err)
		}
		t.DueDate = &due
	}

	tags, err := parseTags(w.Tags)
	if err != nil {
		return err
	}
	t.Tags = tags

	if v := firstString(w.CreatedAt, w.CreatedAtAlt); v != nil {
		if ts, err := ParseTimestamp(*v); err == nil {
			t.CreatedAt = ts
		}
	}
	if v := firstString(w.UpdatedAt, w.UpdatedAtAlt); v != nil {
		if ts, err := ParseTimestamp(*v); err == nil {
			t.UpdatedAt = ts
		}
	}
	if v := firstString(w.DeletedAt, w.DeletedAtAlt); v != nil && *v != "" {
		ts, err := ParseTimestamp(*v)
		if err != nil {
			return fmt.Errorf("deleted_at: %w", err)
		}
		t.DeletedAt = &ts
	}

	// A bare is_deleted flag without a timestamp still marks the task deleted
	deleted := w.IsDeleted
	if deleted == nil {
		deleted = w.IsDeletedAlt
	}
	if deleted != nil && *deleted && t.DeletedAt == nil {
		ts := t.UpdatedAt
		t.DeletedAt = &ts
	}
	return nil
}

// parseServerID returns the first well-formed positive integer id.
// Non-numeric ids (client-generated strings) are ignored rather than rejected.
func parseServerID(candidates ...json.RawMessage) (int64, error) {
	for _, raw := range candidates {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		if raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return 0, fmt.Errorf("id: %w", err)
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
				return n, nil
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("id: %w", err)
		}
		if id, err := n.Int64(); err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, nil
}

// parseTags accepts a JSON array or a JSON-encoded array string (the storage form)
func parseTags(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []string{}, nil
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("tags: %w", err)
		}
		if strings.TrimSpace(encoded) == "" {
			return []string{}, nil
		}
		raw = json.RawMessage(encoded)
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("tags must be an array of strings: %w", err)
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// EncodeTags renders tags in the JSON-array-string storage form
func EncodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeTags parses the storage form written by EncodeTags
func DecodeTags(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return []string{}, nil
	}
	return parseTags(json.RawMessage(s))
}

// ProbeClientID extracts a client id from a payload that may not decode as a Task.
// Used to attribute processing errors to an item.
func ProbeClientID(raw json.RawMessage) string {
	var probe struct {
		ClientID    any `json:"client_id"`
		ClientIDAlt any `json:"clientId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	for _, v := range []any{probe.ClientID, probe.ClientIDAlt} {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
