// Package remote defines the capability interface the sync engine consumes
// from an object-storage backend.
//
// All providers (MinIO, S3, …) implement the Store interface. The engine
// depends only on this package — never on a specific provider package.
//
// Usage:
//
//	cfg := remote.DefaultConfig("localhost:9000", "minioadmin", "minioadmin", "incoming")
//	store, err := minio.New(ctx, cfg)
//	if err != nil { ... }
//	defer store.Close()
//
//	objects, err := store.List(ctx, "uploads")
package remote

import (
	"context"
	"io"
	"time"
)

// Store is the single interface all remote storage providers must implement.
// A Store is bound to one bucket / namespace at construction time.
type Store interface {
	// Ping verifies the storage backend is reachable and the configured
	// bucket exists.
	Ping(ctx context.Context) error

	// Close releases any held resources (connections, goroutines, etc.).
	Close() error

	// List returns every object under prefix in the configured bucket.
	// Pagination is handled internally by the driver; callers always get
	// the complete current listing. Virtual directory markers are omitted.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Fetch opens a streaming reader for the object at key.
	// The caller MUST close the returned reader.
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Callers treat failures as
	// best-effort: a failed delete never invalidates local state.
	Delete(ctx context.Context, key string) error
}

// Object describes a single remote object as seen in a listing.
type Object struct {
	// Key is the full object path within the bucket (e.g. "uploads/photo.jpg").
	Key string

	// ETag is the object's version fingerprint as reported by the backend,
	// with any surrounding quotes stripped. Opaque to the engine; only
	// compared for equality.
	ETag string

	// Size is the byte size of the object. -1 if unknown. Informational only.
	Size int64

	// LastModified is when the object was last written.
	LastModified time.Time
}

// Config holds all settings needed to connect to a remote storage backend.
type Config struct {
	// Endpoint is the host:port of the storage server.
	// Example: "localhost:9000" for local MinIO.
	Endpoint string

	// AccessKey is the access key ID (MinIO / S3 style).
	AccessKey string

	// SecretKey is the secret access key.
	SecretKey string

	// UseSSL controls whether TLS is used for the connection.
	UseSSL bool

	// Region is used by region-aware backends (e.g. AWS S3).
	// Leave empty for MinIO.
	Region string

	// Bucket is the bucket / container the Store is bound to.
	Bucket string
}

// DefaultConfig returns a sensible local-dev config for MinIO.
func DefaultConfig(endpoint, accessKey, secretKey, bucket string) *Config {
	return &Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		UseSSL:    false,
		Bucket:    bucket,
	}
}
