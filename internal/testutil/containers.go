package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ConfabulousDev/todo-sync/internal/db"
	"github.com/ConfabulousDev/todo-sync/internal/storage"
)

const (
	postgresImage = "postgres:16-alpine"
	minioImage    = "minio/minio:latest"
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
	testBucket    = "todosync-test"
)

// dataTables are truncated by CleanDB, children first
var dataTables = []string{"sync_conflicts", "tasks", "users"}

// TestEnvironment is a migrated PostgreSQL database plus, on request, a MinIO
// bucket wrapped as the archive store.
type TestEnvironment struct {
	Ctx      context.Context
	DB       *db.DB
	Archives *storage.S3Storage

	terminate []func(context.Context) error
}

// SkipIfShort skips tests that need Docker when running with -short
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// SetupTestEnvironment starts the containers a test needs and tears them down
// when it ends. withStorage adds MinIO.
func SetupTestEnvironment(t *testing.T, withStorage bool) *TestEnvironment {
	t.Helper()
	SkipIfShort(t)

	env := &TestEnvironment{Ctx: context.Background()}
	t.Cleanup(func() { env.close(t) })

	env.startPostgres(t)
	if withStorage {
		env.startMinio(t)
	}
	return env
}

func (e *TestEnvironment) startPostgres(t *testing.T) {
	t.Helper()

	container, err := postgres.Run(e.Ctx, postgresImage,
		postgres.WithDatabase("todosync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	e.terminate = append(e.terminate, func(ctx context.Context) error { return container.Terminate(ctx) })

	dsn, err := container.ConnectionString(e.Ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres dsn: %v", err)
	}
	if e.DB, err = db.Connect(dsn); err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	if err := db.Migrate(e.DB.Conn()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
}

func (e *TestEnvironment) startMinio(t *testing.T) {
	t.Helper()

	container, err := tcminio.Run(e.Ctx, minioImage,
		tcminio.WithUsername(minioUser),
		tcminio.WithPassword(minioPassword),
	)
	if err != nil {
		t.Fatalf("failed to start minio: %v", err)
	}
	e.terminate = append(e.terminate, func(ctx context.Context) error { return container.Terminate(ctx) })

	endpoint, err := container.ConnectionString(e.Ctx)
	if err != nil {
		t.Fatalf("failed to get minio endpoint: %v", err)
	}

	// The S3 API answers a little after the container reports ready
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if lastErr = ensureBucket(e.Ctx, endpoint); lastErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if lastErr != nil {
		t.Fatalf("failed to create bucket %s: %v", testBucket, lastErr)
	}

	e.Archives, err = storage.NewS3Storage(storage.S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     minioUser,
		SecretAccessKey: minioPassword,
		BucketName:      testBucket,
	})
	if err != nil {
		t.Fatalf("failed to create archive store: %v", err)
	}
}

func ensureBucket(ctx context.Context, endpoint string) error {
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(minioUser, minioPassword, ""),
	})
	if err != nil {
		return err
	}
	exists, err := client.BucketExists(ctx, testBucket)
	if err != nil || exists {
		return err
	}
	return client.MakeBucket(ctx, testBucket, minio.MakeBucketOptions{})
}

func (e *TestEnvironment) close(t *testing.T) {
	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			t.Logf("warning: failed to close database: %v", err)
		}
	}
	for i := len(e.terminate) - 1; i >= 0; i-- {
		if err := e.terminate[i](e.Ctx); err != nil {
			t.Logf("warning: failed to terminate container: %v", err)
		}
	}
}

// CleanDB empties every table so subtests start from a blank database
func (e *TestEnvironment) CleanDB(t *testing.T) {
	t.Helper()
	for _, table := range dataTables {
		if _, err := e.DB.Exec(e.Ctx, fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table)); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}
