package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ConfabulousDev/todo-sync/internal/models"
)

// Validation limits for task fields
const (
	MaxTitleLength       = 255
	MaxDescriptionLength = 5000
	MaxTags              = 10
	MaxTagLength         = 20
	MaxClientIDLength    = 128
)

// ErrInvalid wraps every validation failure so callers can map it to a 400
var ErrInvalid = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ValidateTask checks the user-editable fields of a task.
// Empty priority and category are allowed; ApplyDefaults fills them in.
func ValidateTask(t *models.Task) error {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		return invalid("title is required")
	}
	if utf8.RuneCountInString(t.Title) > MaxTitleLength {
		return invalid("title must be at most %d characters", MaxTitleLength)
	}
	if !utf8.ValidString(t.Title) {
		return invalid("title must be valid UTF-8")
	}
	if t.Description != nil && utf8.RuneCountInString(*t.Description) > MaxDescriptionLength {
		return invalid("description must be at most %d characters", MaxDescriptionLength)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return invalid("priority must be one of low, medium, high, urgent")
	}
	if t.Category != "" && !t.Category.Valid() {
		return invalid("unknown category %q", t.Category)
	}
	if err := ValidateTags(t.Tags); err != nil {
		return err
	}
	if t.ClientID != "" {
		if err := ValidateClientID(t.ClientID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTags enforces the tag count and length limits and rejects duplicates
func ValidateTags(tags []string) error {
	if len(tags) > MaxTags {
		return invalid("at most %d tags are allowed", MaxTags)
	}
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			return invalid("tags must not be empty")
		}
		if utf8.RuneCountInString(tag) > MaxTagLength {
			return invalid("tag %q exceeds %d characters", tag, MaxTagLength)
		}
		if _, dup := seen[tag]; dup {
			return invalid("duplicate tag %q", tag)
		}
		seen[tag] = struct{}{}
	}
	return nil
}

// ValidateClientID validates a client correlation key
func ValidateClientID(clientID string) error {
	if clientID == "" {
		return invalid("client_id is required")
	}
	if len(clientID) > MaxClientIDLength {
		return invalid("client_id must be at most %d characters", MaxClientIDLength)
	}
	if !utf8.ValidString(clientID) {
		return invalid("client_id must be valid UTF-8")
	}
	return nil
}

// ParseTaskID validates a task id from URL parameters
func ParseTaskID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid("task id must be a positive integer")
	}
	return id, nil
}
