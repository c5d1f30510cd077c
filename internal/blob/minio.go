package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const s3Scheme = "s3"

// MinioConfig holds connection settings for an S3-compatible store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore keeps blobs in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects and creates the bucket if it does not exist.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) locator(key string) string {
	return s3Scheme + "://" + s.bucket + "/" + key
}

func (s *MinioStore) key(locator string) (string, error) {
	rest, err := splitLocator(locator, s3Scheme)
	if err != nil {
		return "", err
	}
	key, ok := cutBucket(rest, s.bucket)
	if !ok {
		return "", fmt.Errorf("%w: %q is not in bucket %s", ErrInvalidLocator, locator, s.bucket)
	}
	return key, nil
}

func cutBucket(rest, bucket string) (string, bool) {
	prefix := bucket + "/"
	if len(rest) <= len(prefix) || rest[:len(prefix)] != prefix {
		return "", false
	}
	return rest[len(prefix):], true
}

// Put uploads the object. PutObject returns after the server acknowledged
// the write.
func (s *MinioStore) Put(ctx context.Context, ownerID string, obj Object) (Ref, error) {
	key := objectKey(ownerID, obj)
	sum := checksum(obj.Data)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(obj.Data), int64(len(obj.Data)), minio.PutObjectOptions{
		ContentType: obj.ContentType,
		UserMetadata: map[string]string{
			"filename": obj.Filename,
			"owner":    ownerID,
			"sha256":   sum,
		},
	})
	if err != nil {
		return Ref{}, fmt.Errorf("uploading %s: %w", key, err)
	}
	return Ref{Locator: s.locator(key), Size: int64(len(obj.Data)), Checksum: sum}, nil
}

func (s *MinioStore) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	key, err := s.key(locator)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, locator string) error {
	key, err := s.key(locator)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}
