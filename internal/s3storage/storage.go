package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yabosen/presence/internal/avatar"
	"github.com/yabosen/presence/internal/config"
	"github.com/yabosen/presence/internal/storage"
)

// AvatarObject is the object key of the single avatar.
const AvatarObject = "avatar"

// Storage wraps MinIO/S3 interactions for the avatar image.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
	}, nil
}

// EnsureBucket makes sure the avatar bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Save uploads the image bytes with their content type.
func (s *Storage) Save(ctx context.Context, img avatar.Image) error {
	opts := minio.PutObjectOptions{
		ContentType:  img.ContentType,
		CacheControl: avatar.CacheControlValue,
	}
	_, err := s.client.PutObject(ctx, s.bucket, AvatarObject, bytes.NewReader(img.Data), int64(len(img.Data)), opts)
	if err != nil {
		return fmt.Errorf("upload avatar object: %w", err)
	}
	return nil
}

// Load fetches the avatar. A missing object maps to storage.ErrNotFound.
func (s *Storage) Load(ctx context.Context) (avatar.Image, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, AvatarObject, minio.GetObjectOptions{})
	if err != nil {
		return avatar.Image{}, mapError(err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces NoSuchKey before reading.
	info, err := obj.Stat()
	if err != nil {
		return avatar.Image{}, mapError(err)
	}
	buf, err := io.ReadAll(obj)
	if err != nil {
		return avatar.Image{}, fmt.Errorf("read avatar object: %w", err)
	}
	return avatar.Image{ContentType: info.ContentType, Data: buf}, nil
}

// Ping checks that the bucket is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func mapError(err error) error {
	if IsNotFound(err) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("get avatar object: %w", err)
}

// IsNotFound reports whether err is an S3 missing-object or missing-bucket error.
func IsNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}
