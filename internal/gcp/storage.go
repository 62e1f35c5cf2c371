package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ObjectStore stores document blobs in a single GCS bucket.
type ObjectStore struct {
	client        *storage.Client
	bucket        string
	publicBaseURL string
	emulatorHost  string
}

// NewObjectStore creates a GCS client for bucket. When STORAGE_EMULATOR_HOST
// is set the client talks to the emulator without credentials.
func NewObjectStore(ctx context.Context, bucket, publicBaseURL string) (*ObjectStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must be provided to create an object store")
	}
	emulatorHost := strings.TrimRight(strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")), "/")

	var opts []option.ClientOption
	if emulatorHost != "" {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	slog.Info("Object storage initialized.", "bucket", bucket, "emulatorHost", emulatorHost, "publicBaseUrl", publicBaseURL)
	return &ObjectStore{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		emulatorHost:  emulatorHost,
	}, nil
}

// Write uploads data to path only if no object exists there yet and returns
// the durable fetch URL. Paths embed the record id, so an existing object is
// the result of an earlier attempt for the same record and is kept.
func (s *ObjectStore) Write(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(path)
	if err := saveToGCSAtomically(ctx, obj, data, contentType); err != nil {
		return "", err
	}
	return s.PublicURL(path), nil
}

func (s *ObjectStore) Read(ctx context.Context, path string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", path, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", s.bucket, path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object gs://%s/%s: %w", s.bucket, path, err)
	}
	return data, nil
}

// Delete removes the object at path. A missing object yields ErrNotFound.
func (s *ObjectStore) Delete(ctx context.Context, path string) error {
	if err := s.client.Bucket(s.bucket).Object(path).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("object %s: %w", path, apperr.ErrNotFound)
		}
		return fmt.Errorf("failed to delete GCS object gs://%s/%s: %w", s.bucket, path, err)
	}
	return nil
}

// PublicURL returns the fetch URL for path.
func (s *ObjectStore) PublicURL(path string) string {
	key := strings.TrimLeft(strings.TrimSpace(path), "/")
	if s.emulatorHost != "" {
		base := s.publicBaseURL
		if base == "" {
			base = s.emulatorHost
		}
		return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media", base, url.PathEscape(s.bucket), url.PathEscape(key))
	}
	if s.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, escapeObjectPath(key))
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, escapeObjectPath(key))
}

func (s *ObjectStore) Close() error {
	return s.client.Close()
}

// saveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
func saveToGCSAtomically(ctx context.Context, obj *storage.ObjectHandle, data []byte, contentType string) error {
	writer := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, keeping it.", "gcsObject", obj.ObjectName())
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, keeping it.", "gcsObject", obj.ObjectName())
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func escapeObjectPath(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
