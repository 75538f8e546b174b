package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ConfabulousDev/todo-sync/internal/auth"
	"github.com/ConfabulousDev/todo-sync/internal/clientip"
	"github.com/ConfabulousDev/todo-sync/internal/db"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/notify"
	"github.com/ConfabulousDev/todo-sync/internal/ratelimit"
	"github.com/ConfabulousDev/todo-sync/internal/storage"
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
)

// Timeouts applied to store calls made by handlers
const (
	DatabaseTimeout = 10 * time.Second
	SyncTimeout     = 60 * time.Second // a full upload batch runs one transaction per item
)

// Request body limits, applied after decompression
const (
	MaxBodySize       = 1 << 20  // 1MB
	MaxUploadBodySize = 16 << 20 // 16MB, room for a full batch
)

// UserStore is the account storage used by the auth handlers
type UserStore interface {
	CreateUser(ctx context.Context, email, name, passwordHash string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, userID int64) (*models.User, error)
	TouchLastSync(ctx context.Context, userID int64, at time.Time) error
}

// TodoStore backs the direct CRUD, search, stats and export endpoints
type TodoStore interface {
	ListTasks(ctx context.Context, ownerID int64, since *time.Time) ([]models.Task, error)
	GetTask(ctx context.Context, ownerID, taskID int64) (*models.Task, error)
	CreateTask(ctx context.Context, ownerID int64, t *models.Task) (*models.Task, error)
	ReplaceTask(ctx context.Context, ownerID, taskID int64, content *models.Task, expectedVersion int64) (*models.Task, error)
	DeleteTask(ctx context.Context, ownerID, taskID int64) (*models.Task, error)
	SearchTasks(ctx context.Context, ownerID int64, p db.SearchParams) ([]models.Task, db.Pagination, error)
	Stats(ctx context.Context, ownerID int64) (*db.Stats, error)
}

// ArchiveStore keeps export archives in object storage
type ArchiveStore interface {
	PutArchive(ctx context.Context, userID int64, ext, contentType string, data []byte) (string, error)
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	ListArchives(ctx context.Context, userID int64) ([]storage.Archive, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

var _ ArchiveStore = (*storage.S3Storage)(nil)

// Deps are the collaborators of the API server. Todos, Archives and Hub are
// optional; their routes answer 404 or 503 when absent.
type Deps struct {
	Users    UserStore
	Todos    TodoStore
	Sync     *tasksync.Service
	Tokens   *auth.TokenIssuer
	Hub      *notify.Hub
	Archives ArchiveStore
	Limiter  ratelimit.RateLimiter
	Health   func(ctx context.Context) error
}

// Config holds HTTP-level settings
type Config struct {
	AllowedOrigins []string
	Version        string
}

// Server holds dependencies for API handlers
type Server struct {
	users    UserStore
	todos    TodoStore
	sync     *tasksync.Service
	tokens   *auth.TokenIssuer
	hub      *notify.Hub
	archives ArchiveStore
	limiter  ratelimit.RateLimiter
	health   func(ctx context.Context) error
	cfg      Config
	now      func() time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg Config) *Server {
	return &Server{
		users:    deps.Users,
		todos:    deps.Todos,
		sync:     deps.Sync,
		tokens:   deps.Tokens,
		hub:      deps.Hub,
		archives: deps.Archives,
		limiter:  deps.Limiter,
		health:   deps.Health,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(clientip.Middleware)
	r.Use(logger.Middleware)
	r.Use(AccessLogger)
	r.Use(middleware.Recoverer)
	r.Use(SpanEnricher)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Content-Encoding"},
		ExposedHeaders: []string{"Content-Disposition", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(newCompressor().Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleRoot)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requestBody)

		// Public account routes, limited per client IP
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(ratelimit.Middleware(s.limiter))
			}
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)
		})

		// Everything else needs a bearer token and is limited per user
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.tokens))
			if s.limiter != nil {
				r.Use(ratelimit.MiddlewareWithKey(s.limiter, ratelimit.UserKeyFunc(auth.GetUserIDContextKey())))
			}

			r.Get("/auth/me", s.handleMe)

			r.Route("/sync", func(r chi.Router) {
				r.With(debugLoggingMiddleware).Post("/upload", s.handleSyncUpload)
				r.Get("/download", s.handleSyncDownload)
				r.With(debugLoggingMiddleware).Post("/resolve-conflict", s.handleResolveConflict)
				r.Get("/status", s.handleSyncStatus)
				r.Get("/conflicts", s.handleListConflicts)
				r.Get("/events", s.handleSyncEvents)
			})

			r.Route("/todos", func(r chi.Router) {
				r.Get("/", s.handleListTodos)
				r.Post("/", s.handleCreateTodo)
				r.Get("/{id}", s.handleGetTodo)
				r.Put("/{id}", s.handleUpdateTodo)
				r.Delete("/{id}", s.handleDeleteTodo)
			})

			r.Get("/search", s.handleSearch)
			r.Get("/stats", s.handleStats)

			r.Get("/export", s.handleExport)
			r.Post("/export/archive", s.handleCreateArchive)
			r.Get("/export/archives", s.handleListArchives)
			r.Get("/export/archives/*", s.handleDownloadArchive)
		})
	})

	return r
}

// handleHealth reports liveness and, when configured, database reachability
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			logger.Ctx(r.Context()).Warn("health check failed", "error", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleRoot returns API info
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": "todosync",
		"version": s.cfg.Version,
	})
}

func (s *Server) notify(userID int64) {
	if s.hub != nil {
		s.hub.TasksChanged(userID)
	}
}

// userID returns the authenticated user. Routes are mounted behind auth.Middleware,
// so a missing id is a wiring bug and answered with 401.
func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := auth.GetUserID(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "User not authenticated")
		return 0, false
	}
	noteUserID(r.Context(), id)
	return id, true
}

// decodeJSON reads at most limit bytes of JSON from the request body into v.
// It writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondErrorDetails writes an error JSON response with a details field
func respondErrorDetails(w http.ResponseWriter, status int, message, details string) {
	respondJSON(w, status, map[string]string{
		"error":   message,
		"details": details,
	})
}
