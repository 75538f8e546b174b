package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

// ReplicaWatcher reports writes to the replica database file. SQLite in WAL mode
// writes to "<file>-wal" first, so the directory is watched and both names match.
type ReplicaWatcher struct {
	fsw      *fsnotify.Watcher
	names    map[string]bool
	debounce time.Duration
}

// NewReplicaWatcher starts watching the directory holding path
func NewReplicaWatcher(path string, debounce time.Duration) (*ReplicaWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	base := filepath.Base(path)
	return &ReplicaWatcher{
		fsw:      fsw,
		names:    map[string]bool{base: true, base + "-wal": true},
		debounce: debounce,
	}, nil
}

func (w *ReplicaWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	return w.names[filepath.Base(event.Name)]
}

// Run calls onChange once per burst of writes, after debounce has passed without
// another write. last is the time of the final write in the burst. Run blocks until
// ctx is done or the watcher is closed.
func (w *ReplicaWatcher) Run(ctx context.Context, onChange func(last time.Time)) {
	var (
		timer  *time.Timer
		fire   <-chan time.Time
		lastAt time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			lastAt = time.Now()
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			onChange(lastAt)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("replica watcher error", "error", err)
		}
	}
}

// Close stops watching
func (w *ReplicaWatcher) Close() error {
	return w.fsw.Close()
}
