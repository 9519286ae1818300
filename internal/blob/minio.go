// Package blob stores raw document bytes keyed by document id. The tree
// engine only records byte sizes; content itself lives behind this provider.
package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store is the byte-storage collaborator consumed by the document endpoints.
type Store interface {
	Put(ctx context.Context, documentID string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, documentID string) (io.ReadCloser, error)
	Delete(ctx context.Context, documentID string) error
}

// MinioStore implements Store against a MinIO/S3 bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, documentID string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, documentID, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", documentID, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, documentID string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, documentID, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", documentID, err)
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, documentID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, documentID, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", documentID, err)
	}
	return nil
}
