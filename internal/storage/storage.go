// Package storage holds proof-of-work images.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotConfigured = errors.New("storage not configured")

type BlobStore interface {
	// Put stores the object and returns a URI that can be persisted on the ticket.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

type MinIOStore struct {
	Client *minio.Client
	Bucket string
}

func NewMinIO(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIOStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinIOStore{Client: client, Bucket: bucket}, nil
}

func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{})
}

func (s *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if s == nil || s.Client == nil {
		return "", ErrNotConfigured
	}
	_, err := s.Client.PutObject(ctx, s.Bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload proof: %w", err)
	}
	return ObjectURI(s.Bucket, key), nil
}

func ObjectURI(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// ProofObjectKey lays proofs out per ticket and day.
func ProofObjectKey(ticketID, fileName string, at time.Time) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	return fmt.Sprintf("proof/%s/%s/%s%s", ticketID, at.UTC().Format("2006/01/02"), uuid.New().String()[:8], ext)
}

func IsImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}
