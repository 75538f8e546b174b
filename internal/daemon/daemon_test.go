package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/apiclient"
	"github.com/ConfabulousDev/todo-sync/internal/engine"
	"github.com/ConfabulousDev/todo-sync/internal/notify"
)

// These tests cover shutdown via context cancellation and Stop(). They do not send
// real SIGTERM/SIGINT because that would hit the whole test process.

type fakeSyncer struct {
	calls atomic.Int32
	err   error
	ran   chan string
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{ran: make(chan string, 100)}
}

func (s *fakeSyncer) Sync(ctx context.Context) (*engine.Result, error) {
	s.calls.Add(1)
	s.ran <- "sync"
	if s.err != nil {
		return &engine.Result{}, s.err
	}
	return &engine.Result{State: engine.StateIdle}, nil
}

func waitCalls(t *testing.T, s *fakeSyncer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d sync calls, want at least %d", s.calls.Load(), n)
		}
	}
}

func runDaemon(d *Daemon, ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	return errCh
}

func waitExit(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not exit")
	}
}

func TestDaemonStopsOnContextCancel(t *testing.T) {
	syncer := newFakeSyncer()
	d := New(syncer, nil, Config{SyncInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runDaemon(d, ctx)

	waitCalls(t, syncer, 1)
	cancel()
	waitExit(t, errCh)

	// startup + final
	if got := syncer.calls.Load(); got != 2 {
		t.Errorf("got %d sync calls, want 2", got)
	}
	select {
	case <-d.Done():
	default:
		t.Error("Done() should be closed after Run returns")
	}
}

func TestDaemonTriggerRunsCycle(t *testing.T) {
	syncer := newFakeSyncer()
	d := New(syncer, nil, Config{SyncInterval: time.Hour})
	errCh := runDaemon(d, context.Background())

	waitCalls(t, syncer, 1)
	d.Trigger("test")
	waitCalls(t, syncer, 1)

	d.Stop()
	d.Stop() // idempotent
	waitExit(t, errCh)

	if got := syncer.calls.Load(); got != 3 {
		t.Errorf("got %d sync calls, want 3", got)
	}
}

func TestDaemonTicker(t *testing.T) {
	syncer := newFakeSyncer()
	d := New(syncer, nil, Config{SyncInterval: 20 * time.Millisecond})
	errCh := runDaemon(d, context.Background())

	waitCalls(t, syncer, 3)
	d.Stop()
	waitExit(t, errCh)
}

func TestDaemonKeepsRunningOnSyncErrors(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.err = errors.New("connection refused")
	d := New(syncer, nil, Config{SyncInterval: 20 * time.Millisecond})
	errCh := runDaemon(d, context.Background())

	waitCalls(t, syncer, 2)
	d.Stop()
	waitExit(t, errCh)

	stats := d.Stats()
	if stats.Failures != stats.Cycles {
		t.Errorf("got %d failures in %d cycles, want all failed", stats.Failures, stats.Cycles)
	}
	if stats.LastError != "connection refused" {
		t.Errorf("LastError = %q", stats.LastError)
	}
	if !stats.LastSync.IsZero() {
		t.Errorf("LastSync = %v, want zero", stats.LastSync)
	}
}

type fakeSubscriber struct {
	mu    sync.Mutex
	calls int
	err   error
	msgs  []notify.Message
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, onMessage func(notify.Message)) error {
	s.mu.Lock()
	s.calls++
	msgs, err := s.msgs, s.err
	s.mu.Unlock()

	for _, m := range msgs {
		onMessage(m)
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *fakeSubscriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestDaemonSyncsOnPushConnect(t *testing.T) {
	syncer := newFakeSyncer()
	sub := &fakeSubscriber{msgs: []notify.Message{{Type: notify.TypeConnected}}}
	d := New(syncer, sub, Config{SyncInterval: time.Hour})
	errCh := runDaemon(d, context.Background())

	waitCalls(t, syncer, 2)
	d.Stop()
	waitExit(t, errCh)
}

func TestDaemonListenReconnects(t *testing.T) {
	sub := &fakeSubscriber{err: errors.New("connection reset")}
	d := New(newFakeSyncer(), sub, Config{SyncInterval: time.Hour, ReconnectDelay: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.listen(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sub.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := sub.Calls(); got < 3 {
		t.Errorf("got %d subscribe attempts, want at least 3", got)
	}
}

func TestDaemonListenStopsOnUnauthorized(t *testing.T) {
	sub := &fakeSubscriber{err: apiclient.ErrUnauthorized}
	d := New(newFakeSyncer(), sub, Config{ReconnectDelay: time.Millisecond})

	done := make(chan struct{})
	go func() {
		d.listen(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listen kept retrying with a rejected token")
	}
	if got := sub.Calls(); got != 1 {
		t.Errorf("got %d subscribe attempts, want 1", got)
	}
}

func TestDaemonIsEcho(t *testing.T) {
	d := New(newFakeSyncer(), nil, Config{})
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if d.isEcho(start) {
		t.Error("nothing is an echo before the first cycle")
	}

	d.cycleStart = start
	d.syncing = true
	if !d.isEcho(start.Add(time.Second)) {
		t.Error("events during a cycle are echoes")
	}

	d.syncing = false
	d.cycleEnd = start.Add(2 * time.Second)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before cycle", start.Add(-time.Millisecond), false},
		{"during cycle", start.Add(time.Second), true},
		{"within grace", start.Add(2*time.Second + echoGrace/2), true},
		{"after grace", start.Add(2*time.Second + 2*echoGrace), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.isEcho(tt.at); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReplicaWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replica.db")

	w, err := NewReplicaWatcher(path, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewReplicaWatcher() error = %v", err)
	}
	defer w.Close()

	changes := make(chan time.Time, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(last time.Time) { changes <- last })

	before := time.Now()
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte{byte(i)}, 0600); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case last := <-changes:
		if last.Before(before) {
			t.Errorf("last write time %v is before the writes started", last)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}

	// Unrelated files in the same directory are ignored
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changes:
		t.Error("got a second change, want one per burst and none for other files")
	case <-time.After(300 * time.Millisecond):
	}
}
