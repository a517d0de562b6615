package blobstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type GCSConfig struct {
	Bucket string
	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string
}

type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs store: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *GCSStore) Location() string { return DriverGCS }

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	// Canceling the context aborts the upload instead of committing a
	// partial object.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return classify(DriverGCS, "put", key, err)
	}
	return classify(DriverGCS, "put", key, w.Close())
}

func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, classify(DriverGCS, "get", key, err)
	}
	return rc, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	return classify(DriverGCS, "delete", key, s.client.Bucket(s.bucket).Object(key).Delete(ctx))
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
