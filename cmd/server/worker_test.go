package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePurger struct {
	remaining     int64
	taskCutoffs   []time.Time
	conflictCalls int
	taskErr       error
}

func (f *fakePurger) PurgeDeletedTasks(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.taskCutoffs = append(f.taskCutoffs, cutoff)
	if f.taskErr != nil {
		return 0, f.taskErr
	}
	n := min(f.remaining, int64(limit))
	f.remaining -= n
	return n, nil
}

func (f *fakePurger) PurgeStaleConflicts(ctx context.Context, cutoff time.Time) (int64, error) {
	f.conflictCalls++
	return 2, nil
}

func testWorker(p Purger, dryRun bool) *Worker {
	w := NewWorker(p, WorkerConfig{
		PollInterval:       time.Hour,
		TombstoneRetention: 90 * 24 * time.Hour,
		ConflictRetention:  30 * 24 * time.Hour,
		BatchSize:          10,
		DryRun:             dryRun,
	})
	w.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return w
}

func TestWorkerRunOnce_DrainsInBatches(t *testing.T) {
	p := &fakePurger{remaining: 25}
	testWorker(p, false).runOnce(context.Background())

	// 10 + 10 + 5
	if len(p.taskCutoffs) != 3 {
		t.Fatalf("PurgeDeletedTasks called %d times, want 3", len(p.taskCutoffs))
	}
	if p.remaining != 0 {
		t.Errorf("remaining = %d, want 0", p.remaining)
	}
	want := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if !p.taskCutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.taskCutoffs[0], want)
	}
	if p.conflictCalls != 1 {
		t.Errorf("PurgeStaleConflicts called %d times, want 1", p.conflictCalls)
	}
}

func TestWorkerRunOnce_DryRun(t *testing.T) {
	p := &fakePurger{remaining: 5}
	testWorker(p, true).runOnce(context.Background())

	if len(p.taskCutoffs) != 0 || p.conflictCalls != 0 {
		t.Errorf("dry run purged: tasks %d calls, conflicts %d calls", len(p.taskCutoffs), p.conflictCalls)
	}
}

func TestWorkerRunOnce_StopsOnError(t *testing.T) {
	p := &fakePurger{taskErr: errors.New("connection reset")}
	testWorker(p, false).runOnce(context.Background())

	if p.conflictCalls != 0 {
		t.Error("conflicts should not be purged after a task purge failure")
	}
}

func TestWorkerRun_StopsOnCancel(t *testing.T) {
	p := &fakePurger{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		testWorker(p, false).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
