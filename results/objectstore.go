package results

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the slice of an S3 compatible store the collectors need.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutFile(ctx context.Context, bucket, key, path, contentType string) error
}

// MinioConfig locates the artifact bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// MinioStore implements ObjectStore with minio-go.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// lost a race with another writer
		if again, checkErr := s.client.BucketExists(ctx, bucket); checkErr == nil && again {
			return nil
		}
		return err
	}
	return nil
}

func (s *MinioStore) PutFile(ctx context.Context, bucket, key, path, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	_, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	return err
}

var _ ObjectStore = (*MinioStore)(nil)
