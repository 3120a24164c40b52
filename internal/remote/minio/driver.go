// Package minio provides a MinIO implementation of remote.Store.
//
// Usage:
//
//	cfg := remote.DefaultConfig("localhost:9000", "minioadmin", "minioadmin", "incoming")
//	store, err := minio.New(ctx, cfg)
//	if err != nil { ... }
//	defer store.Close()
//
//	objects, err := store.List(ctx, "uploads")
package minio

import (
	"context"
	"io"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nicexxd/auto-uploader/internal/errs"
	"github.com/nicexxd/auto-uploader/internal/remote"
)

// Driver is a MinIO implementation of remote.Store.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	client *miniogo.Client
	bucket string
}

// New connects to the configured endpoint and returns a Driver bound to
// cfg.Bucket. It calls Ping to validate the connection before returning.
func New(ctx context.Context, cfg *remote.Config) (*Driver, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "failed to create minio client", err)
	}

	d := &Driver{client: client, bucket: cfg.Bucket}

	if err := d.Ping(ctx); err != nil {
		return nil, err
	}

	return d, nil
}

// --- remote.Store implementation ---

// Ping verifies the server is reachable and the bucket exists.
func (d *Driver) Ping(ctx context.Context) error {
	ok, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return mapError(err, "ping failed")
	}
	if !ok {
		return errs.New(errs.ErrKindNotFound, "bucket does not exist: "+d.bucket)
	}
	return nil
}

// Close is a no-op for MinIO — the SDK client holds no persistent connections.
func (d *Driver) Close() error {
	return nil
}

// List returns every object under prefix in the bucket. The SDK streams
// paginated results over a channel; any mid-stream error aborts the whole
// listing so the engine never acts on a partial snapshot.
func (d *Driver) List(ctx context.Context, prefix string) ([]remote.Object, error) {
	listOpts := miniogo.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}

	var results []remote.Object
	for obj := range d.client.ListObjects(ctx, d.bucket, listOpts) {
		if obj.Err != nil {
			return nil, mapError(obj.Err, "failed to list objects")
		}

		// Directory marker objects carry no content to mirror.
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}

		results = append(results, remote.Object{
			Key:          obj.Key,
			ETag:         strings.Trim(obj.ETag, `"`),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	return results, nil
}

// Fetch opens a streaming reader for the object at key.
// The caller MUST close the returned reader.
func (d *Driver) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := d.client.GetObject(ctx, d.bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err, "failed to get object")
	}

	// GetObject is lazy; Stat forces the first request so errors surface
	// here instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, mapError(err, "failed to stat object after get")
	}

	return obj, nil
}

// Delete removes the object at key.
func (d *Driver) Delete(ctx context.Context, key string) error {
	if err := d.client.RemoveObject(ctx, d.bucket, key, miniogo.RemoveObjectOptions{}); err != nil {
		return mapError(err, "failed to delete object")
	}
	return nil
}
