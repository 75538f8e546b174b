package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ConfabulousDev/todo-sync/internal/api"
	"github.com/ConfabulousDev/todo-sync/internal/auth"
	"github.com/ConfabulousDev/todo-sync/internal/db"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/notify"
	"github.com/ConfabulousDev/todo-sync/internal/ratelimit"
	"github.com/ConfabulousDev/todo-sync/internal/storage"
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
)

var version string

func main() {
	// Check for worker mode
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		runWorker()
		return
	}

	// Access via: fly proxy 6060:6060
	if os.Getenv("ENABLE_PPROF") == "true" {
		go startPprofServer()
	}

	// Configured via env vars: OTEL_SERVICE_NAME, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_HEADERS
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		// Non-fatal: continue without tracing if OTEL env vars not set
		logger.Warn("failed to configure OpenTelemetry", "error", err)
	} else {
		defer otelShutdown()
	}

	config := loadConfig()

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 60*time.Second)
	database, err := db.ConnectWithRetry(connectCtx, config.DatabaseURL)
	cancelConnect()
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	// Production runs migrations separately:
	// migrate -database "$DATABASE_URL" -path internal/db/migrations up
	if config.MigrateOnStart {
		if err := db.Migrate(database.Conn()); err != nil {
			logger.Fatal("failed to run migrations", "error", err)
		}
	}

	tokens, err := auth.NewTokenIssuer(config.JWTSecret)
	if err != nil {
		logger.Fatal("invalid env var", "var", "JWT_SECRET", "error", err)
	}

	hub := notify.NewHub(config.AllowedOrigins)
	defer hub.Close()

	syncService := tasksync.NewService(database, tasksync.Config{
		MaxBatchSize:  config.SyncMaxBatch,
		TieBreak:      config.TieBreak,
		// Postgres stamps updated_at before the transaction commits
		CheckpointLag: tasksync.DefaultCheckpointLag,
	}, tasksync.WithConflictLog(database), tasksync.WithNotifier(hub))

	limiter := ratelimit.NewInMemoryRateLimiter(config.RateLimitRPS, config.RateLimitBurst)
	defer limiter.Stop()

	deps := api.Deps{
		Users:   database,
		Todos:   database,
		Sync:    syncService,
		Tokens:  tokens,
		Hub:     hub,
		Limiter: limiter,
		Health:  database.Ping,
	}

	// Export archives are optional
	if config.S3Config != nil {
		store, err := storage.NewS3Storage(*config.S3Config)
		if err != nil {
			logger.Fatal("failed to initialize storage", "error", err)
		}
		deps.Archives = store
		logger.Info("export archives enabled", "bucket", config.S3Config.BucketName)
	} else {
		logger.Info("export archives disabled (S3_ENDPOINT not set)")
	}

	server := api.NewServer(deps, api.Config{
		AllowedOrigins: config.AllowedOrigins,
		Version:        version,
	})
	router := server.SetupRoutes()

	// Wrap router with OpenTelemetry HTTP instrumentation
	handler := otelhttp.NewHandler(router, "todosync-server")

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server",
			"port", config.Port,
			"version", version,
			"max_batch", syncService.MaxBatchSize(),
			"tie_break", config.TieBreak,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Websocket subscribers are hijacked connections that Shutdown does not wait for
	hub.Close()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}

type Config struct {
	Port           int
	DatabaseURL    string
	JWTSecret      string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SyncMaxBatch   int
	TieBreak       tasksync.TieBreak
	MigrateOnStart bool
	RateLimitRPS   float64
	RateLimitBurst int
	S3Config       *storage.S3Config // nil when archives are disabled
}

func loadConfig() Config {
	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}

	readTimeout := durationEnv("HTTP_READ_TIMEOUT", 30*time.Second)
	// Long enough for a full upload batch
	writeTimeout := durationEnv("HTTP_WRITE_TIMEOUT", 90*time.Second)

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("missing required env var", "var", "DATABASE_URL")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logger.Fatal("missing required env var", "var", "JWT_SECRET", "hint", "must be at least 32 characters")
	}
	if len(jwtSecret) < auth.MinSecretLength {
		logger.Fatal("invalid env var", "var", "JWT_SECRET", "error", "must be at least 32 characters")
	}

	var allowedOrigins []string
	for _, origin := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowedOrigins = append(allowedOrigins, origin)
		}
	}

	maxBatch := tasksync.DefaultMaxBatchSize
	if v := os.Getenv("SYNC_MAX_BATCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Fatal("invalid env var", "var", "SYNC_MAX_BATCH", "error", "must be a positive integer")
		}
		maxBatch = n
	}

	tieBreak, err := tasksync.ParseTieBreak(os.Getenv("SYNC_TIE_BREAK"))
	if err != nil {
		logger.Fatal("invalid env var", "var", "SYNC_TIE_BREAK", "error", err)
	}

	rps := float64(ratelimit.DefaultRPS)
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	burst := ratelimit.DefaultBurst
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			burst = parsed
		}
	}

	return Config{
		Port:           port,
		DatabaseURL:    databaseURL,
		JWTSecret:      jwtSecret,
		AllowedOrigins: allowedOrigins,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		SyncMaxBatch:   maxBatch,
		TieBreak:       tieBreak,
		MigrateOnStart: os.Getenv("MIGRATE_ON_START") == "true",
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
		S3Config:       loadS3Config(),
	}
}

// loadS3Config returns nil unless S3_ENDPOINT is set; the other S3 variables are
// then required
func loadS3Config() *storage.S3Config {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		return nil
	}
	cfg := &storage.S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     os.Getenv("S3_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("S3_SECRET_KEY"),
		BucketName:      os.Getenv("S3_BUCKET"),
		UseSSL:          os.Getenv("S3_USE_SSL") != "false", // Default true
	}
	for name, value := range map[string]string{
		"S3_ACCESS_KEY": cfg.AccessKeyID,
		"S3_SECRET_KEY": cfg.SecretAccessKey,
		"S3_BUCKET":     cfg.BucketName,
	} {
		if value == "" {
			logger.Fatal("missing required env var", "var", name, "hint", "required when S3_ENDPOINT is set")
		}
	}
	return cfg
}

func durationEnv(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
		logger.Warn("ignoring invalid duration", "var", name, "value", v)
	}
	return def
}

// startPprofServer starts a pprof debug server on localhost:6060.
// It only listens on 127.0.0.1.
//
// Available endpoints:
//   - /debug/pprof/heap      - heap memory profile
//   - /debug/pprof/goroutine - goroutine stack traces
//   - /debug/pprof/profile   - CPU profile (30s default)
//   - /debug/pprof/trace     - execution trace
func startPprofServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))

	addr := "127.0.0.1:6060"
	logger.Info("pprof debug server starting", "addr", addr)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("pprof server failed", "error", err)
	}
}
