package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPurgeDeletedTasks(t *testing.T) {
	database, mock := newMockDB(t)
	cutoff := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tasks WHERE id IN`)).
		WithArgs(cutoff, 500).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := database.PurgeDeletedTasks(context.Background(), cutoff, 500)
	if err != nil {
		t.Fatalf("PurgeDeletedTasks error: %v", err)
	}
	if n != 3 {
		t.Errorf("purged %d, want 3", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPurgeStaleConflicts(t *testing.T) {
	database, mock := newMockDB(t)
	cutoff := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sync_conflicts WHERE detected_at < $1`)).
		WithArgs(cutoff).
		WillReturnError(errors.New("connection reset"))

	if _, err := database.PurgeStaleConflicts(context.Background(), cutoff); err == nil {
		t.Fatal("expected an error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
