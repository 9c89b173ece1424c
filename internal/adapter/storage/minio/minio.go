// Package minio implements the audio object store on MinIO/S3.
package minio

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fieldworks/surveyd/internal/domain"
)

// Store holds interview recordings in a single bucket. Object keys are
// persisted on responses; playback URLs are presigned per request and never
// stored.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx domain.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("op=minio.new: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("op=minio.bucket_exists bucket=%s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("op=minio.make_bucket bucket=%s: %w", bucket, err)
		}
		slog.Info("audio bucket created", slog.String("bucket", bucket))
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Put streams one recording into the bucket and returns the stored key.
func (s *Store) Put(ctx domain.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("op=minio.put key=%s: %w", key, err)
	}
	return key, nil
}

// Check probes the bucket; used by the readiness endpoint.
func (s *Store) Check(ctx domain.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("op=minio.check bucket=%s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("op=minio.check bucket=%s: bucket missing", s.bucket)
	}
	return nil
}

// PresignGet returns a short-lived download URL for a stored recording.
func (s *Store) PresignGet(ctx domain.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("op=minio.presign key=%s: %w", key, err)
	}
	return u.String(), nil
}
