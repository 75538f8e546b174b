package tasksync_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/memstore"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
)

const owner int64 = 1

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func batch(t *testing.T, items ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, json.RawMessage(s))
			continue
		}
		b, err := json.Marshal(item)
		if err != nil {
			t.Fatalf("failed to marshal batch item: %v", err)
		}
		out = append(out, b)
	}
	return out
}

func newService(clock *fakeClock, opts ...tasksync.Option) (*tasksync.Service, *memstore.Store) {
	store := memstore.New()
	svc := tasksync.NewService(store, tasksync.Config{Now: clock.Now}, opts...)
	return svc, store
}

func TestUpload_CreateThenUpdate(t *testing.T) {
	clock := newClock(ts("2024-01-01T00:00:00Z"))
	svc, store := newService(clock)
	ctx := context.Background()

	res, err := svc.Upload(ctx, owner, batch(t,
		`{"clientId":"a","title":"Buy milk","updatedAt":"2024-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts = %d, want 0: %+v", len(res.Conflicts), res.Conflicts)
	}
	if len(res.Processed) != 1 {
		t.Fatalf("processed = %d, want 1", len(res.Processed))
	}
	created := res.Processed[0]
	if created.ClientID != "a" || created.Action != models.ActionCreated || created.ServerID <= 0 {
		t.Errorf("processed[0] = %+v, want created with server id", created)
	}

	clock.Advance(time.Second)
	res, err = svc.Upload(ctx, owner, batch(t,
		`{"clientId":"a","title":"Buy milk and eggs","updatedAt":"2024-01-01T00:00:05Z"}`))
	if err != nil {
		t.Fatalf("second Upload failed: %v", err)
	}
	if len(res.Conflicts) != 0 || len(res.Processed) != 1 {
		t.Fatalf("got %d processed, %d conflicts; want 1, 0", len(res.Processed), len(res.Conflicts))
	}
	if res.Processed[0].Action != models.ActionUpdated || res.Processed[0].ServerID != created.ServerID {
		t.Errorf("processed[0] = %+v, want updated for server id %d", res.Processed[0], created.ServerID)
	}

	stored, ok := store.Get(owner, "a")
	if !ok {
		t.Fatal("task a not found")
	}
	if stored.Title != "Buy milk and eggs" {
		t.Errorf("Title = %q, want %q", stored.Title, "Buy milk and eggs")
	}
	if stored.Version != 2 {
		t.Errorf("Version = %d, want 2", stored.Version)
	}
	if !stored.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want server clock %v", stored.UpdatedAt, clock.Now())
	}
	if stored.Priority != models.PriorityMedium || stored.Category != models.CategoryPersonal {
		t.Errorf("defaults not applied: priority=%q category=%q", stored.Priority, stored.Category)
	}
}

func TestUpload_IdempotentReupload(t *testing.T) {
	at := ts("2024-02-01T10:00:00Z")
	clock := newClock(at)
	svc, store := newService(clock)
	ctx := context.Background()

	item := batch(t, models.Task{ClientID: "a", Title: "Same", UpdatedAt: at})

	if _, err := svc.Upload(ctx, owner, item); err != nil {
		t.Fatalf("initial Upload failed: %v", err)
	}

	for call := 2; call <= 3; call++ {
		res, err := svc.Upload(ctx, owner, item)
		if err != nil {
			t.Fatalf("Upload #%d failed: %v", call, err)
		}
		if len(res.Conflicts) != 0 {
			t.Fatalf("Upload #%d conflicts = %+v, want none", call, res.Conflicts)
		}
		if len(res.Processed) != 1 || res.Processed[0].Action != models.ActionUpdated {
			t.Fatalf("Upload #%d processed = %+v, want one updated", call, res.Processed)
		}
		stored, _ := store.Get(owner, "a")
		if stored.Version != int64(call) {
			t.Errorf("after Upload #%d Version = %d, want %d", call, stored.Version, call)
		}
	}
}

func TestUpload_ConflictLeavesServerUntouched(t *testing.T) {
	clock := newClock(ts("2024-03-01T00:00:00Z"))
	svc, store := newService(clock)
	ctx := context.Background()

	seeded := store.Seed(owner, models.Task{
		ClientID:  "a",
		Title:     "server edit",
		Priority:  models.PriorityHigh,
		Category:  models.CategoryWork,
		Version:   4,
		UpdatedAt: ts("2024-02-02T00:00:00Z"),
	})

	res, err := svc.Upload(ctx, owner, batch(t,
		models.Task{ClientID: "a", Title: "stale client edit", UpdatedAt: ts("2024-02-01T00:00:00Z")}))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(res.Processed) != 0 {
		t.Errorf("processed = %+v, want none", res.Processed)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(res.Conflicts))
	}
	c := res.Conflicts[0]
	if c.ClientID != "a" || c.ConflictType != models.ConflictUpdate {
		t.Errorf("conflict = %+v, want update_conflict for a", c)
	}
	if c.ServerTodo == nil || c.ServerTodo.Title != "server edit" {
		t.Errorf("ServerTodo = %+v, want the stored version", c.ServerTodo)
	}
	var echoed models.Task
	if err := json.Unmarshal(c.ClientTodo, &echoed); err != nil || echoed.Title != "stale client edit" {
		t.Errorf("ClientTodo = %s (%v), want the uploaded item", c.ClientTodo, err)
	}

	stored, _ := store.Get(owner, "a")
	if stored.Title != "server edit" || stored.Version != seeded.Version || !stored.UpdatedAt.Equal(seeded.UpdatedAt) {
		t.Errorf("stored task changed: %+v", stored)
	}
}

func TestUpload_MissingTimestampAgainstExistingTaskConflicts(t *testing.T) {
	clock := newClock(ts("2024-03-01T00:00:00Z"))
	svc, store := newService(clock)

	store.Seed(owner, models.Task{ClientID: "a", Title: "x", UpdatedAt: ts("2020-01-01T00:00:00Z")})

	res, err := svc.Upload(context.Background(), owner, batch(t,
		`{"client_id":"a","title":"no timestamp"}`,
		`{"client_id":"b","title":"bad timestamp","updated_at":"soon"}`,
	))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].ClientID != "a" {
		t.Errorf("conflicts = %+v, want one for a", res.Conflicts)
	}
	if len(res.Processed) != 1 || res.Processed[0].ClientID != "b" || res.Processed[0].Action != models.ActionCreated {
		t.Errorf("processed = %+v, want b created", res.Processed)
	}
}

func TestUpload_ServerTieBreak(t *testing.T) {
	at := ts("2024-04-01T00:00:00Z")
	clock := newClock(at)
	store := memstore.New()
	svc := tasksync.NewService(store, tasksync.Config{Now: clock.Now, TieBreak: tasksync.TieBreakServer})

	store.Seed(owner, models.Task{ClientID: "a", Title: "x", UpdatedAt: at})
	res, err := svc.Upload(context.Background(), owner, batch(t, models.Task{ClientID: "a", Title: "y", UpdatedAt: at}))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Errorf("conflicts = %d, want 1 with server tie break", len(res.Conflicts))
	}
}

func TestUpload_PartialFailureIsolation(t *testing.T) {
	clock := newClock(ts("2024-01-01T00:00:00Z"))
	svc, store := newService(clock)

	res, err := svc.Upload(context.Background(), owner, batch(t,
		`{"client_id":"a","title":"first","updated_at":"2024-01-01T00:00:00Z"}`,
		`{"client_id":"b","updated_at":"2024-01-01T00:00:00Z"}`,
		`{"client_id":"c","title":"third","updated_at":"2024-01-01T00:00:00Z"}`,
	))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if len(res.Processed) != 2 || res.Processed[0].ClientID != "a" || res.Processed[1].ClientID != "c" {
		t.Errorf("processed = %+v, want a and c", res.Processed)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(res.Conflicts))
	}
	c := res.Conflicts[0]
	if c.ClientID != "b" || c.ConflictType != models.ConflictProcessingError {
		t.Errorf("conflict = %+v, want processing_error for b", c)
	}
	if c.ErrorClass != models.ErrorClassValidation || c.Error == "" {
		t.Errorf("ErrorClass = %q, Error = %q; want validation with detail", c.ErrorClass, c.Error)
	}
	if _, ok := store.Get(owner, "b"); ok {
		t.Error("malformed item b was stored")
	}
}

func TestUpload_MalformedPayloadIsValidationError(t *testing.T) {
	svc, _ := newService(newClock(ts("2024-01-01T00:00:00Z")))

	res, err := svc.Upload(context.Background(), owner, batch(t,
		`{"client_id":"x","title":"t","tags":5}`,
		`"just a string"`,
	))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(res.Conflicts) != 2 {
		t.Fatalf("conflicts = %d, want 2", len(res.Conflicts))
	}
	if res.Conflicts[0].ClientID != "x" {
		t.Errorf("ClientID = %q, want x (read from payload)", res.Conflicts[0].ClientID)
	}
	for _, c := range res.Conflicts {
		if c.ErrorClass != models.ErrorClassValidation {
			t.Errorf("ErrorClass = %q, want validation", c.ErrorClass)
		}
	}
}

// failingStore fails Apply for one client id
type failingStore struct {
	*memstore.Store
	failFor string
	touches atomic.Int32
}

func (f *failingStore) Apply(ctx context.Context, ownerID int64, key tasksync.TaskKey, decide tasksync.DecideFunc) (tasksync.ApplyResult, error) {
	if key.ClientID == f.failFor {
		return tasksync.ApplyResult{}, errors.New("connection reset")
	}
	return f.Store.Apply(ctx, ownerID, key, decide)
}

func (f *failingStore) TouchLastSync(ctx context.Context, ownerID int64, at time.Time) error {
	f.touches.Add(1)
	return f.Store.TouchLastSync(ctx, ownerID, at)
}

func TestUpload_StoreFailureIsServerProcessingError(t *testing.T) {
	clock := newClock(ts("2024-01-01T00:00:00Z"))
	store := &failingStore{Store: memstore.New(), failFor: "b"}
	svc := tasksync.NewService(store, tasksync.Config{Now: clock.Now})

	res, err := svc.Upload(context.Background(), owner, batch(t,
		models.Task{ClientID: "a", Title: "one", UpdatedAt: clock.Now()},
		models.Task{ClientID: "b", Title: "two", UpdatedAt: clock.Now()},
		models.Task{ClientID: "c", Title: "three", UpdatedAt: clock.Now()},
	))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(res.Processed) != 2 {
		t.Errorf("processed = %d, want 2", len(res.Processed))
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].ErrorClass != models.ErrorClassServer {
		t.Fatalf("conflicts = %+v, want one server processing error", res.Conflicts)
	}
	if res.Conflicts[0].Error == "connection reset" {
		t.Error("store error detail leaked to client")
	}
	if got := store.touches.Load(); got != 1 {
		t.Errorf("TouchLastSync calls = %d, want 1", got)
	}
}

func TestUpload_LastSyncTouchedOnceEvenWithConflicts(t *testing.T) {
	clock := newClock(ts("2024-05-01T00:00:00Z"))
	store := &failingStore{Store: memstore.New()}
	svc := tasksync.NewService(store, tasksync.Config{Now: clock.Now})

	store.Seed(owner, models.Task{ClientID: "a", Title: "x", UpdatedAt: ts("2024-05-01T00:00:00Z")})
	res, err := svc.Upload(context.Background(), owner, batch(t,
		models.Task{ClientID: "a", Title: "stale", UpdatedAt: ts("2024-04-01T00:00:00Z")}))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(res.Conflicts))
	}
	if got := store.touches.Load(); got != 1 {
		t.Errorf("TouchLastSync calls = %d, want 1", got)
	}
	last, _ := store.LastSync(context.Background(), owner)
	if last == nil || !last.Equal(clock.Now()) {
		t.Errorf("LastSync = %v, want %v", last, clock.Now())
	}
	if !res.Timestamp.Equal(clock.Now()) {
		t.Errorf("Timestamp = %v, want %v", res.Timestamp, clock.Now())
	}
}

func TestUpload_BatchLimits(t *testing.T) {
	store := memstore.New()
	svc := tasksync.NewService(store, tasksync.Config{MaxBatchSize: 2})

	_, err := svc.Upload(context.Background(), owner, batch(t,
		models.Task{ClientID: "a", Title: "1"},
		models.Task{ClientID: "b", Title: "2"},
		models.Task{ClientID: "c", Title: "3"},
	))
	if !errors.Is(err, tasksync.ErrBatchTooLarge) {
		t.Errorf("error = %v, want ErrBatchTooLarge", err)
	}
	if last, _ := store.LastSync(context.Background(), owner); last != nil {
		t.Error("rejected batch touched last sync")
	}

	if _, err := svc.Upload(context.Background(), owner, nil); !errors.Is(err, tasksync.ErrInvalidBatch) {
		t.Errorf("nil batch error = %v, want ErrInvalidBatch", err)
	}

	res, err := svc.Upload(context.Background(), owner, []json.RawMessage{})
	if err != nil {
		t.Fatalf("empty batch failed: %v", err)
	}
	if res.Processed == nil || res.Conflicts == nil {
		t.Error("empty batch must return empty, non-nil lists")
	}
}

func TestUpload_CancelledContextAborts(t *testing.T) {
	svc, store := newService(newClock(ts("2024-01-01T00:00:00Z")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Upload(ctx, owner, batch(t, models.Task{ClientID: "a", Title: "x"}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if _, ok := store.Get(owner, "a"); ok {
		t.Error("task stored despite cancelled context")
	}
}

func TestUpload_ServerIDFallbackLinksClientID(t *testing.T) {
	clock := newClock(ts("2024-06-01T00:00:00Z"))
	svc, store := newService(clock)

	seeded := store.Seed(owner, models.Task{Title: "made on the web", UpdatedAt: ts("2024-05-01T00:00:00Z")})

	res, err := svc.Upload(context.Background(), owner, batch(t,
		models.Task{ID: seeded.ID, ClientID: "phone-1", Title: "edited on phone", UpdatedAt: ts("2024-05-02T00:00:00Z")}))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(res.Processed) != 1 || res.Processed[0].Action != models.ActionUpdated || res.Processed[0].ServerID != seeded.ID {
		t.Fatalf("processed = %+v, want update of %d", res.Processed, seeded.ID)
	}
	stored, ok := store.Get(owner, "phone-1")
	if !ok || stored.ID != seeded.ID {
		t.Errorf("task not reachable by new client id: %+v", stored)
	}
}

func TestUpload_OtherOwnersTasksAreInvisible(t *testing.T) {
	clock := newClock(ts("2024-06-01T00:00:00Z"))
	svc, store := newService(clock)

	other := store.Seed(2, models.Task{ClientID: "a", Title: "not yours", UpdatedAt: ts("2024-05-01T00:00:00Z")})

	res, err := svc.Upload(context.Background(), owner, batch(t,
		models.Task{ID: other.ID, ClientID: "a", Title: "mine", UpdatedAt: ts("2024-05-02T00:00:00Z")}))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(res.Processed) != 1 || res.Processed[0].Action != models.ActionCreated || res.Processed[0].ServerID == other.ID {
		t.Errorf("processed = %+v, want a new task", res.Processed)
	}
	theirs, _ := store.Get(2, "a")
	if theirs.Title != "not yours" {
		t.Errorf("other owner's task changed: %+v", theirs)
	}
}

func TestUpload_DeletionPropagates(t *testing.T) {
	clock := newClock(ts("2024-07-01T00:00:00Z"))
	svc, store := newService(clock)
	ctx := context.Background()

	store.Seed(owner, models.Task{ClientID: "a", Title: "x", UpdatedAt: ts("2024-06-01T00:00:00Z")})
	deletedAt := ts("2024-06-15T00:00:00Z")
	res, err := svc.Upload(ctx, owner, batch(t,
		models.Task{ClientID: "a", Title: "x", UpdatedAt: deletedAt, DeletedAt: &deletedAt}))
	if err != nil || len(res.Processed) != 1 {
		t.Fatalf("Upload = %+v, %v; want one processed", res, err)
	}

	stored, _ := store.Get(owner, "a")
	if !stored.IsDeleted() {
		t.Fatal("task not soft-deleted")
	}
	if !stored.DeletedAt.Equal(clock.Now()) {
		t.Errorf("DeletedAt = %v, want server clock %v", stored.DeletedAt, clock.Now())
	}

	status, err := svc.Status(ctx, owner)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.TodoCount != 0 {
		t.Errorf("TodoCount = %d, want 0", status.TodoCount)
	}
}

func TestUpload_ConcurrentSameClientID(t *testing.T) {
	at := ts("2024-08-01T00:00:00Z")
	clock := newClock(at)
	svc, store := newService(clock)

	const workers = 16
	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Upload(context.Background(), owner, batch(t, models.Task{ClientID: "shared", Title: "race", UpdatedAt: at}))
			if err != nil {
				t.Errorf("Upload failed: %v", err)
				return
			}
			for _, p := range res.Processed {
				if p.Action == models.ActionCreated {
					created.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Errorf("created = %d, want exactly 1", got)
	}
	stored, _ := store.Get(owner, "shared")
	if stored.Version != workers {
		t.Errorf("Version = %d, want %d", stored.Version, workers)
	}
}

func TestUpload_CreateStampsServerClock(t *testing.T) {
	clock := newClock(ts("2024-01-01T12:00:00Z"))
	svc, store := newService(clock)
	ctx := context.Background()

	// The client's clock is an hour behind the server
	if _, err := svc.Upload(ctx, owner, batch(t,
		`{"clientId":"a","title":"Buy milk","updatedAt":"2024-01-01T11:00:00Z"}`)); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	stored, _ := store.Get(owner, "a")
	if !stored.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want server clock %v", stored.UpdatedAt, clock.Now())
	}

	// A later edit stamped by the lagging client is older than the server copy
	clock.Advance(time.Minute)
	res, err := svc.Upload(ctx, owner, batch(t,
		`{"clientId":"a","title":"Buy oat milk","updatedAt":"2024-01-01T11:30:00Z"}`))
	if err != nil {
		t.Fatalf("second Upload failed: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].ConflictType != models.ConflictUpdate {
		t.Fatalf("conflicts = %+v, want one update conflict", res.Conflicts)
	}
	stored, _ = store.Get(owner, "a")
	if stored.Title != "Buy milk" {
		t.Errorf("Title = %q, want the server copy kept", stored.Title)
	}
}

func TestDownload(t *testing.T) {
	clock := newClock(ts("2024-09-01T00:00:00Z"))
	svc, store := newService(clock)
	ctx := context.Background()

	deleted := ts("2024-08-20T00:00:00Z")
	store.Seed(owner, models.Task{ClientID: "old", Title: "old", UpdatedAt: ts("2024-08-01T00:00:00Z")})
	store.Seed(owner, models.Task{ClientID: "gone", Title: "gone", UpdatedAt: deleted, DeletedAt: &deleted})
	store.Seed(owner, models.Task{ClientID: "new", Title: "new", UpdatedAt: ts("2024-08-10T00:00:00Z")})
	store.Seed(2, models.Task{ClientID: "foreign", Title: "foreign", UpdatedAt: ts("2024-08-15T00:00:00Z")})

	all, err := svc.Download(ctx, owner, nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(all.Todos) != 3 {
		t.Fatalf("Download(nil) returned %d tasks, want 3", len(all.Todos))
	}
	wantOrder := []string{"old", "new", "gone"}
	for i, want := range wantOrder {
		if all.Todos[i].ClientID != want {
			t.Errorf("Todos[%d] = %q, want %q (ascending updated_at)", i, all.Todos[i].ClientID, want)
		}
	}
	if !all.Todos[2].IsDeleted() {
		t.Error("soft-deleted task not tagged deleted")
	}
	if !all.Timestamp.Equal(clock.Now()) {
		t.Errorf("Timestamp = %v, want server clock %v", all.Timestamp, clock.Now())
	}

	since := ts("2024-08-05T00:00:00Z")
	changed, err := svc.Download(ctx, owner, &since)
	if err != nil {
		t.Fatalf("Download(since) failed: %v", err)
	}
	if len(changed.Todos) != 2 || changed.Todos[0].ClientID != "new" || changed.Todos[1].ClientID != "gone" {
		t.Errorf("Download(since) = %+v, want new then gone", changed.Todos)
	}
}

func TestDownload_CheckpointMonotonicity(t *testing.T) {
	clock := newClock(ts("2024-10-01T00:00:00Z"))
	svc, _ := newService(clock)
	ctx := context.Background()

	if _, err := svc.Upload(ctx, owner, batch(t, models.Task{ClientID: "a", Title: "x", UpdatedAt: clock.Now()})); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	clock.Advance(time.Minute)
	first, err := svc.Download(ctx, owner, nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	checkpoint := first.Timestamp

	again, err := svc.Download(ctx, owner, &checkpoint)
	if err != nil {
		t.Fatalf("Download(checkpoint) failed: %v", err)
	}
	if len(again.Todos) != 0 {
		t.Errorf("Download(checkpoint) returned %d tasks, want 0", len(again.Todos))
	}

	clock.Advance(time.Minute)
	if _, err := svc.Upload(ctx, owner, batch(t, models.Task{ClientID: "a", Title: "y", UpdatedAt: clock.Now()})); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	later, err := svc.Download(ctx, owner, &checkpoint)
	if err != nil {
		t.Fatalf("Download(checkpoint) failed: %v", err)
	}
	if len(later.Todos) != 1 || later.Todos[0].Title != "y" {
		t.Errorf("Download(checkpoint) = %+v, want the updated task", later.Todos)
	}
	for _, task := range later.Todos {
		if !task.UpdatedAt.After(checkpoint) {
			t.Errorf("task updated at %v returned for checkpoint %v", task.UpdatedAt, checkpoint)
		}
	}
}

func TestDownload_CheckpointLag(t *testing.T) {
	clock := newClock(ts("2024-10-01T12:00:00Z"))
	store := memstore.New()
	svc := tasksync.NewService(store, tasksync.Config{Now: clock.Now, CheckpointLag: tasksync.DefaultCheckpointLag})
	ctx := context.Background()

	first, err := svc.Download(ctx, owner, nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if want := clock.Now().Add(-tasksync.DefaultCheckpointLag); !first.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", first.Timestamp, want)
	}

	// A write stamped before the download but committed after it
	stampedEarly := clock.Now().Add(-3 * time.Second)
	store.Seed(owner, models.Task{ClientID: "late", Title: "late commit", UpdatedAt: stampedEarly})

	checkpoint := first.Timestamp
	next, err := svc.Download(ctx, owner, &checkpoint)
	if err != nil {
		t.Fatalf("Download(checkpoint) failed: %v", err)
	}
	if len(next.Todos) != 1 || next.Todos[0].ClientID != "late" {
		t.Errorf("Download(checkpoint) = %+v, want the late commit", next.Todos)
	}

	// The checkpoint never moves back past since
	ahead := clock.Now()
	res, err := svc.Download(ctx, owner, &ahead)
	if err != nil {
		t.Fatalf("Download(ahead) failed: %v", err)
	}
	if !res.Timestamp.Equal(ahead) {
		t.Errorf("Timestamp = %v, want since %v", res.Timestamp, ahead)
	}
}

func TestResolve(t *testing.T) {
	clock := newClock(ts("2024-11-01T00:00:00Z"))
	svc, store := newService(clock)
	ctx := context.Background()

	store.Seed(owner, models.Task{ClientID: "a", Title: "server", Version: 3, UpdatedAt: ts("2024-10-01T00:00:00Z")})

	t.Run("use_server is a no-op", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			res, err := svc.Resolve(ctx, owner, "a", models.ResolutionUseServer, nil)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if !res.Success || res.Applied {
				t.Errorf("result = %+v, want success without apply", res)
			}
		}
		stored, _ := store.Get(owner, "a")
		if stored.Title != "server" || stored.Version != 3 {
			t.Errorf("stored = %+v, want unchanged", stored)
		}
	})

	t.Run("use_client converges", func(t *testing.T) {
		data := json.RawMessage(`{"client_id":"a","title":"client","priority":"urgent","tags":["x"]}`)
		var versions []int64
		for i := 0; i < 2; i++ {
			clock.Advance(time.Second)
			res, err := svc.Resolve(ctx, owner, "a", models.ResolutionUseClient, data)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if !res.Applied || res.Todo == nil {
				t.Fatalf("result = %+v, want applied", res)
			}
			stored, _ := store.Get(owner, "a")
			if stored.Title != "client" || stored.Priority != models.PriorityUrgent {
				t.Errorf("stored = %+v, want client fields", stored)
			}
			if !stored.UpdatedAt.Equal(clock.Now()) {
				t.Errorf("UpdatedAt = %v, want %v", stored.UpdatedAt, clock.Now())
			}
			versions = append(versions, stored.Version)
		}
		if versions[1] != versions[0]+1 {
			t.Errorf("versions = %v, want consecutive", versions)
		}
	})

	t.Run("use_client on missing task is a no-op", func(t *testing.T) {
		res, err := svc.Resolve(ctx, owner, "vanished", models.ResolutionUseClient, json.RawMessage(`{"title":"x"}`))
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !res.Success || res.Applied {
			t.Errorf("result = %+v, want success without apply", res)
		}
		if _, ok := store.Get(owner, "vanished"); ok {
			t.Error("resolve created a task")
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		if _, err := svc.Resolve(ctx, owner, "a", "use_both", nil); !errors.Is(err, tasksync.ErrInvalidResolution) {
			t.Errorf("error = %v, want ErrInvalidResolution", err)
		}
		if _, err := svc.Resolve(ctx, owner, "", models.ResolutionUseServer, nil); !errors.Is(err, tasksync.ErrMissingClientID) {
			t.Errorf("error = %v, want ErrMissingClientID", err)
		}
		if _, err := svc.Resolve(ctx, owner, "a", models.ResolutionUseClient, nil); !errors.Is(err, tasksync.ErrMissingClientData) {
			t.Errorf("error = %v, want ErrMissingClientData", err)
		}
		if _, err := svc.Resolve(ctx, owner, "a", models.ResolutionUseClient, json.RawMessage(`{"title":""}`)); !errors.Is(err, tasksync.ErrInvalidTodoData) {
			t.Errorf("error = %v, want ErrInvalidTodoData", err)
		}
	})
}

type countingNotifier struct{ calls atomic.Int32 }

func (n *countingNotifier) TasksChanged(ownerID int64) { n.calls.Add(1) }

func TestConflictLogAndNotifications(t *testing.T) {
	clock := newClock(ts("2024-12-01T00:00:00Z"))
	store := memstore.New()
	notifier := &countingNotifier{}
	svc := tasksync.NewService(store, tasksync.Config{Now: clock.Now},
		tasksync.WithConflictLog(store), tasksync.WithNotifier(notifier))
	ctx := context.Background()

	store.Seed(owner, models.Task{ClientID: "a", Title: "server", UpdatedAt: ts("2024-11-30T00:00:00Z")})

	if _, err := svc.Upload(ctx, owner, batch(t,
		models.Task{ClientID: "a", Title: "stale", UpdatedAt: ts("2024-11-01T00:00:00Z")})); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if notifier.calls.Load() != 0 {
		t.Error("notified for an upload that changed nothing")
	}

	pending, err := svc.PendingConflicts(ctx, owner)
	if err != nil {
		t.Fatalf("PendingConflicts failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ClientID != "a" {
		t.Fatalf("pending = %+v, want one for a", pending)
	}

	if _, err := svc.Resolve(ctx, owner, "a", models.ResolutionUseClient, pending[0].ClientTodo); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if notifier.calls.Load() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.calls.Load())
	}

	pending, _ = svc.PendingConflicts(ctx, owner)
	if len(pending) != 0 {
		t.Errorf("pending after resolve = %+v, want none", pending)
	}
}

func TestStatus(t *testing.T) {
	clock := newClock(ts("2025-01-01T00:00:00Z"))
	svc, store := newService(clock)
	ctx := context.Background()

	status, err := svc.Status(ctx, owner)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.LastSync != nil || status.TodoCount != 0 {
		t.Errorf("status = %+v, want never synced and empty", status)
	}

	deleted := clock.Now()
	store.Seed(owner, models.Task{ClientID: "a", Title: "x", UpdatedAt: clock.Now()})
	store.Seed(owner, models.Task{ClientID: "b", Title: "y", UpdatedAt: clock.Now(), DeletedAt: &deleted})
	if _, err := svc.Upload(ctx, owner, []json.RawMessage{}); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	status, err = svc.Status(ctx, owner)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.TodoCount != 1 {
		t.Errorf("TodoCount = %d, want 1", status.TodoCount)
	}
	if status.LastSync == nil || !status.LastSync.Equal(clock.Now()) {
		t.Errorf("LastSync = %v, want %v", status.LastSync, clock.Now())
	}
	if !status.ServerTime.Equal(clock.Now()) {
		t.Errorf("ServerTime = %v, want %v", status.ServerTime, clock.Now())
	}
}
