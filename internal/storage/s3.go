// Package storage keeps task export archives in an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("todosync/storage")

// Sentinel errors for storage operations
var (
	// ErrObjectNotFound indicates the requested object does not exist
	ErrObjectNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions for the operation
	ErrAccessDenied = errors.New("access denied")

	// ErrNetworkError indicates a network connectivity issue
	ErrNetworkError = errors.New("network error")
)

// DefaultPresignExpiry is how long a download link for an archive stays valid
const DefaultPresignExpiry = 15 * time.Minute

// S3Config holds S3/MinIO configuration
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// Archive describes one stored export
type Archive struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// S3Storage handles object storage operations
type S3Storage struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewS3Storage creates a new S3/MinIO storage client
func NewS3Storage(config S3Config) (*S3Storage, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	// Verify bucket exists (bucket must be created out-of-band)
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, config.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist: create it before starting the server", config.BucketName)
	}

	return &S3Storage{
		client: client,
		bucket: config.BucketName,
		now:    time.Now,
	}, nil
}

// userPrefix is the key prefix under which a user's archives live
func userPrefix(userID int64) string {
	return fmt.Sprintf("exports/%d/", userID)
}

// ArchiveKey builds the object key for a new archive.
// Format: exports/{user_id}/{yyyymmddThhmmssZ}-{uuid}.{ext}
func ArchiveKey(userID int64, at time.Time, ext string) string {
	return fmt.Sprintf("%s%s-%s.%s", userPrefix(userID), at.UTC().Format("20060102T150405Z"), uuid.NewString(), ext)
}

// OwnsKey reports whether key belongs to userID's archive prefix
func OwnsKey(userID int64, key string) bool {
	return strings.HasPrefix(key, userPrefix(userID)) && !strings.Contains(key, "..")
}

// PutArchive stores an export for userID and returns its key
func (s *S3Storage) PutArchive(ctx context.Context, userID int64, ext, contentType string, data []byte) (string, error) {
	key := ArchiveKey(userID, s.now(), ext)
	ctx, span := tracer.Start(ctx, "storage.put_archive",
		trace.WithAttributes(
			attribute.Int64("user.id", userID),
			attribute.String("storage.key", key),
			attribute.Int("file.size", len(data)),
		))
	defer span.End()

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", classifyStorageError(err, "upload archive")
	}
	return key, nil
}

// PresignedURL returns a time-limited download link for key
func (s *S3Storage) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "storage.presign",
		trace.WithAttributes(attribute.String("storage.key", key)))
	defer span.End()

	params := url.Values{}
	name := key[strings.LastIndex(key, "/")+1:]
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", name))

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", classifyStorageError(err, "presign archive")
	}
	return u.String(), nil
}

// ListArchives lists userID's archives, newest first
func (s *S3Storage) ListArchives(ctx context.Context, userID int64) ([]Archive, error) {
	ctx, span := tracer.Start(ctx, "storage.list_archives",
		trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	archives := []Archive{}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    userPrefix(userID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			span.RecordError(obj.Err)
			span.SetStatus(codes.Error, obj.Err.Error())
			return nil, classifyStorageError(obj.Err, "list archives")
		}
		archives = append(archives, Archive{Key: obj.Key, Size: obj.Size, CreatedAt: obj.LastModified.UTC()})
	}

	// Keys embed the creation time, so reverse lexicographic order is newest first
	sort.Slice(archives, func(i, j int) bool { return archives[i].Key > archives[j].Key })
	span.SetAttributes(attribute.Int("archives.count", len(archives)))
	return archives, nil
}

// Download reads an archive back
func (s *S3Storage) Download(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "storage.download",
		trace.WithAttributes(attribute.String("storage.key", key)))
	defer span.End()

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classifyStorageError(err, "download")
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classifyStorageError(err, "download")
	}

	span.SetAttributes(attribute.Int("file.size", len(data)))
	return data, nil
}

// classifyStorageError examines a storage error and returns an appropriate sentinel error
func classifyStorageError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		switch minioErr.Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%s: %w", operation, ErrObjectNotFound)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s: %w", operation, ErrAccessDenied)
		}
	}

	msg := err.Error()
	for _, hint := range []string{"connection", "timeout", "network", "dial", "refused"} {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%s network issue: %w", operation, ErrNetworkError)
		}
	}

	return fmt.Errorf("%s failed: %w", operation, err)
}
