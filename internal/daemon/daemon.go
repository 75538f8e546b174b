// Package daemon keeps a replica in sync in the background: on a timer, after local
// writes to the replica file and when the server announces changes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/apiclient"
	"github.com/ConfabulousDev/todo-sync/internal/engine"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/notify"
)

const (
	DefaultSyncInterval = 30 * time.Second
	DefaultDebounce     = 2 * time.Second

	finalSyncTimeout = 10 * time.Second
	maxReconnectWait = time.Minute

	// Writes and pushes this close to the end of a cycle are treated as the
	// cycle's own echo
	echoGrace = time.Second
)

// Syncer runs one sync cycle
type Syncer interface {
	Sync(ctx context.Context) (*engine.Result, error)
}

// Subscriber delivers server push notifications until ctx is done
type Subscriber interface {
	Subscribe(ctx context.Context, onMessage func(notify.Message)) error
}

// Config holds daemon configuration
type Config struct {
	SyncInterval time.Duration
	// WatchPath is the replica file; empty disables watching
	WatchPath      string
	Debounce       time.Duration
	ReconnectDelay time.Duration // first wait after a dropped push connection
}

// Daemon is the background sync process.
//
// The daemon keeps running while the server is unreachable; every trigger simply
// runs a cycle that fails until it comes back. Conflicts are never resolved here
// beyond what the engine's resolver does; pending ones are logged and retried on
// the next cycle.
type Daemon struct {
	syncer Syncer
	sub    Subscriber
	cfg    Config

	trigger  chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	mu         sync.Mutex
	cycleStart time.Time
	cycleEnd   time.Time
	syncing    bool
	stats      Stats
}

// Stats counts cycles since start
type Stats struct {
	Cycles    int
	Failures  int
	Halted    int // cycles that stopped on pending conflicts
	LastError string
	LastSync  time.Time
}

// New creates a daemon. sub may be nil to run without push notifications.
func New(syncer Syncer, sub Subscriber, cfg Config) *Daemon {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &Daemon{
		syncer:  syncer,
		sub:     sub,
		cfg:     cfg,
		trigger: make(chan string, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Trigger asks for a cycle as soon as the current one (if any) finishes.
// Triggers that arrive while one is queued are merged.
func (d *Daemon) Trigger(reason string) {
	select {
	case d.trigger <- reason:
	default:
	}
}

// Stop signals the daemon to stop
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Done returns a channel that's closed when the daemon exits
func (d *Daemon) Done() <-chan struct{} {
	return d.doneCh
}

// Stats returns a copy of the cycle counters
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Run syncs immediately, then on every trigger, and blocks until ctx is done,
// Stop is called or SIGINT/SIGTERM arrives. A final cycle runs on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	// Catch signals during startup too
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	logger.Info("daemon starting", "interval", d.cfg.SyncInterval, "watch", d.cfg.WatchPath, "pid", os.Getpid())

	bgCtx, cancelBg := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelBg()
		wg.Wait()
	}()

	if d.cfg.WatchPath != "" {
		w, err := NewReplicaWatcher(d.cfg.WatchPath, d.cfg.Debounce)
		if err != nil {
			// The ticker still covers local changes
			logger.Warn("replica watcher unavailable", "error", err)
		} else {
			defer w.Close()
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(bgCtx, func(last time.Time) {
					if d.isEcho(last) {
						return
					}
					d.Trigger("replica changed")
				})
			}()
		}
	}

	if d.sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.listen(bgCtx)
		}()
	}

	d.runCycle(ctx, "startup")

	ticker := time.NewTicker(d.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(ctx, "context cancelled")

		case <-d.stopCh:
			return d.shutdown(ctx, "stop requested")

		case sig := <-sigCh:
			return d.shutdown(ctx, fmt.Sprintf("signal %v", sig))

		case <-ticker.C:
			d.runCycle(ctx, "interval")

		case reason := <-d.trigger:
			d.runCycle(ctx, reason)
		}
	}
}

// listen keeps a push connection open, reconnecting with doubling delays. A
// rejected token ends listening; the timer keeps syncing and reports the auth error.
func (d *Daemon) listen(ctx context.Context) {
	wait := d.cfg.ReconnectDelay
	for {
		connectedAt := time.Now()
		err := d.sub.Subscribe(ctx, func(msg notify.Message) {
			switch msg.Type {
			case notify.TypeConnected:
				d.Trigger("push connected")
			case notify.TypeTasksChanged:
				if d.isEcho(time.Now()) {
					return
				}
				d.Trigger("server changed")
			}
		})
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, apiclient.ErrUnauthorized) {
			logger.Error("push notifications disabled: token rejected", "error", err)
			return
		}
		if time.Since(connectedAt) > maxReconnectWait {
			wait = d.cfg.ReconnectDelay
		}
		logger.Warn("push connection lost", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, maxReconnectWait)
	}
}

// isEcho reports whether an event at t was most likely caused by the daemon's own
// cycle: the replica merge writes the file and the upload makes the server push
func (d *Daemon) isEcho(t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.syncing {
		return !t.Before(d.cycleStart)
	}
	return !d.cycleStart.IsZero() && !t.Before(d.cycleStart) && !t.After(d.cycleEnd.Add(echoGrace))
}

func (d *Daemon) runCycle(ctx context.Context, reason string) {
	d.mu.Lock()
	d.syncing = true
	d.cycleStart = time.Now()
	d.mu.Unlock()

	res, err := d.syncer.Sync(ctx)

	d.mu.Lock()
	d.syncing = false
	d.cycleEnd = time.Now()
	d.stats.Cycles++
	switch {
	case err != nil:
		d.stats.Failures++
		d.stats.LastError = err.Error()
	case !res.Completed():
		d.stats.Halted++
	default:
		d.stats.LastSync = d.cycleEnd
		d.stats.LastError = ""
	}
	d.mu.Unlock()

	switch {
	case err != nil:
		logger.Warn("sync cycle failed (will retry)", "reason", reason, "error", err)
	case !res.Completed():
		logger.Warn("sync waiting on conflicts; run 'todosync sync' to resolve them",
			"reason", reason, "pending", len(res.Pending))
	default:
		logger.Debug("sync cycle complete", "reason", reason,
			"uploaded", res.Uploaded, "downloaded", res.Downloaded, "rejected", len(res.ProcessingErrors))
	}
}

// shutdown runs a final cycle so local edits made just before exit reach the server
func (d *Daemon) shutdown(ctx context.Context, reason string) error {
	defer close(d.doneCh)

	logger.Info("daemon shutting down", "reason", reason)

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSyncTimeout)
	defer cancel()
	d.runCycle(finalCtx, "shutdown")

	stats := d.Stats()
	logger.Info("daemon stopped", "cycles", stats.Cycles, "failures", stats.Failures, "halted", stats.Halted)
	return nil
}
