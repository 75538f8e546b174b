package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/auth"
	"github.com/ConfabulousDev/todo-sync/internal/db"
	"github.com/ConfabulousDev/todo-sync/internal/memstore"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/notify"
	"github.com/ConfabulousDev/todo-sync/internal/ratelimit"
	"github.com/ConfabulousDev/todo-sync/internal/storage"
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
	"github.com/ConfabulousDev/todo-sync/internal/testutil"
)

// fakeUsers is an in-memory UserStore
type fakeUsers struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: make(map[int64]*models.User)}
}

func (f *fakeUsers) CreateUser(ctx context.Context, email, name, passwordHash string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			return nil, db.ErrEmailTaken
		}
	}
	f.nextID++
	now := time.Now().UTC()
	u := &models.User{ID: f.nextID, Email: email, Name: name, PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now}
	f.byID[u.ID] = u
	c := *u
	return &c, nil
}

func (f *fakeUsers) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, db.ErrUserNotFound
}

func (f *fakeUsers) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[userID]
	if !ok {
		return nil, db.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (f *fakeUsers) TouchLastSync(ctx context.Context, userID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[userID]; ok {
		u.LastSync = &at
	}
	return nil
}

// fakeTodos is an in-memory TodoStore with the version and soft-delete rules of db.DB
type fakeTodos struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*models.Task
	owners map[int64]int64
}

func newFakeTodos() *fakeTodos {
	return &fakeTodos{tasks: make(map[int64]*models.Task), owners: make(map[int64]int64)}
}

func (f *fakeTodos) live(ownerID, taskID int64) (*models.Task, bool) {
	t, ok := f.tasks[taskID]
	if !ok || f.owners[taskID] != ownerID || t.DeletedAt != nil {
		return nil, false
	}
	return t, true
}

func (f *fakeTodos) ListTasks(ctx context.Context, ownerID int64, since *time.Time) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Task{}
	for id, t := range f.tasks {
		if f.owners[id] != ownerID || t.DeletedAt != nil {
			continue
		}
		if since != nil && !t.UpdatedAt.After(*since) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeTodos) GetTask(ctx context.Context, ownerID, taskID int64) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.live(ownerID, taskID)
	if !ok {
		return nil, db.ErrTaskNotFound
	}
	c := *t
	return &c, nil
}

func (f *fakeTodos) CreateTask(ctx context.Context, ownerID int64, t *models.Task) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ClientID != "" {
		for id, existing := range f.tasks {
			if f.owners[id] == ownerID && existing.ClientID == t.ClientID {
				return nil, db.ErrClientIDTaken
			}
		}
	}
	f.nextID++
	now := time.Now().UTC()
	row := *t
	row.ApplyDefaults()
	row.ID = f.nextID
	row.Version = 1
	row.CreatedAt = now
	row.UpdatedAt = now
	f.tasks[row.ID] = &row
	f.owners[row.ID] = ownerID
	c := row
	return &c, nil
}

func (f *fakeTodos) ReplaceTask(ctx context.Context, ownerID, taskID int64, content *models.Task, expectedVersion int64) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.live(ownerID, taskID)
	if !ok {
		return nil, db.ErrTaskNotFound
	}
	if expectedVersion > 0 && t.Version != expectedVersion {
		c := *t
		return &c, db.ErrVersionMismatch
	}
	t.CopyContent(content)
	t.ApplyDefaults()
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	c := *t
	return &c, nil
}

func (f *fakeTodos) DeleteTask(ctx context.Context, ownerID, taskID int64) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.live(ownerID, taskID)
	if !ok {
		return nil, db.ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.Version++
	t.UpdatedAt = now
	t.DeletedAt = &now
	c := *t
	return &c, nil
}

func (f *fakeTodos) SearchTasks(ctx context.Context, ownerID int64, p db.SearchParams) ([]models.Task, db.Pagination, error) {
	tasks, _ := f.ListTasks(ctx, ownerID, nil)
	return tasks, db.Pagination{Page: p.Page, Limit: p.Limit, Total: len(tasks), TotalPages: 1}, nil
}

func (f *fakeTodos) Stats(ctx context.Context, ownerID int64) (*db.Stats, error) {
	tasks, _ := f.ListTasks(ctx, ownerID, nil)
	s := &db.Stats{Total: len(tasks), CompletionRate: "0.0"}
	for _, t := range tasks {
		if t.Completed {
			s.Completed++
		} else {
			s.Pending++
		}
	}
	return s, nil
}

// fakeArchives records stored archives in memory
type fakeArchives struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (f *fakeArchives) PutArchive(ctx context.Context, userID int64, ext, contentType string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	key := storage.ArchiveKey(userID, time.Date(2026, 3, 1, 12, 0, len(f.data), 0, time.UTC), ext)
	f.data[key] = data
	return key, nil
}

func (f *fakeArchives) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://archives.example.com/" + key + "?X-Amz-Expires=" + expiry.String(), nil
}

func (f *fakeArchives) ListArchives(ctx context.Context, userID int64) ([]storage.Archive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Archive
	for key, data := range f.data {
		out = append(out, storage.Archive{Key: key, Size: int64(len(data))})
	}
	return out, nil
}

func (f *fakeArchives) Download(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("download: %w", storage.ErrObjectNotFound)
	}
	return data, nil
}

// testClock is a settable server clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testAPI is a fully wired server backed by in-memory stores
type testAPI struct {
	server  *Server
	handler http.Handler
	users   *fakeUsers
	todos   *fakeTodos
	tasks   *memstore.Store
	tokens  *auth.TokenIssuer
	clock   *testClock
}

type testOption func(*Deps, *tasksync.Config)

func withMaxBatch(n int) testOption {
	return func(_ *Deps, cfg *tasksync.Config) { cfg.MaxBatchSize = n }
}

func withArchives(a ArchiveStore) testOption {
	return func(d *Deps, _ *tasksync.Config) { d.Archives = a }
}

func withHub(h *notify.Hub) testOption {
	return func(d *Deps, _ *tasksync.Config) { d.Hub = h }
}

func withLimiter(l ratelimit.RateLimiter) testOption {
	return func(d *Deps, _ *tasksync.Config) { d.Limiter = l }
}

func withHealth(check func(ctx context.Context) error) testOption {
	return func(d *Deps, _ *tasksync.Config) { d.Health = check }
}

func withoutTodos() testOption {
	return func(d *Deps, _ *tasksync.Config) { d.Todos = nil }
}

func newTestAPI(t *testing.T, opts ...testOption) *testAPI {
	t.Helper()

	tokens, err := auth.NewTokenIssuer(testutil.TestJWTSecret)
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	ta := &testAPI{
		users:  newFakeUsers(),
		todos:  newFakeTodos(),
		tasks:  memstore.New(),
		tokens: tokens,
		clock:  newTestClock(),
	}

	deps := Deps{
		Users:  ta.users,
		Todos:  ta.todos,
		Tokens: tokens,
	}
	cfg := tasksync.Config{Now: ta.clock.Now}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	syncOpts := []tasksync.Option{tasksync.WithConflictLog(ta.tasks)}
	if deps.Hub != nil {
		syncOpts = append(syncOpts, tasksync.WithNotifier(deps.Hub))
	}
	deps.Sync = tasksync.NewService(ta.tasks, cfg, syncOpts...)

	ta.server = NewServer(deps, Config{AllowedOrigins: []string{"http://localhost:5173"}, Version: "test"})
	ta.server.now = ta.clock.Now
	ta.handler = ta.server.SetupRoutes()
	return ta
}

// signup creates a user with password "password123" and returns a bearer token
func (ta *testAPI) signup(t *testing.T, email string) (*models.User, string) {
	t.Helper()

	hash, err := auth.HashPassword("password123")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	user, err := ta.users.CreateUser(context.Background(), email, "Test User", hash)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	token, _, err := ta.tokens.Issue(user)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return user, token
}

// do sends a request through the full router. body may be nil, a string or a value
// to marshal as JSON.
func (ta *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	testutil.ParseJSONResponse(t, w, v)
}
