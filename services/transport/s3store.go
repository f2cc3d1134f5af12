package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"lexsync/pkg/s3"
)

// S3Store keeps objects under prefix in an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store returns a store rooted at bucket/prefix.
func NewS3Store(client *s3.Client, bucket, prefix string) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (s *S3Store) String() string {
	if s.prefix == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + s.prefix
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads body. The request checksum is the stored-sha256 metadata when
// present, otherwise the body is hashed first.
func (s *S3Store) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, meta Metadata) error {
	checksum := meta[MetaStoredSHA256]
	if checksum == "" {
		sum := sha256.New()
		if _, err := io.Copy(sum, body); err != nil {
			return fmt.Errorf("hash body: %w", err)
		}
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind body: %w", err)
		}
		checksum = hex.EncodeToString(sum.Sum(nil))
	}
	err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), body, size, checksum, meta)
	return mapS3Error(err)
}

func (s *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte, meta Metadata) error {
	err := s.client.PutObjectIfAbsent(ctx, s.bucket, s.objectKey(key), data, meta)
	return mapS3Error(err)
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	body, info, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key))
	if err != nil {
		return nil, ObjectInfo{}, mapS3Error(err)
	}
	return body, s.info(key, info), nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.HeadObject(ctx, s.bucket, s.objectKey(key))
	if err != nil {
		return ObjectInfo{}, mapS3Error(err)
	}
	return s.info(key, info), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	return mapS3Error(s.client.DeleteObject(ctx, s.bucket, s.objectKey(key)))
}

func (s *S3Store) info(key string, in s3.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         in.Size,
		LastModified: in.LastModified,
		Metadata:     Metadata(in.Metadata),
	}
}

func mapS3Error(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, s3.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, s3.ErrPreconditionFailed):
		return fmt.Errorf("%w: %w", ErrExists, err)
	case s3.IsPermanent(err):
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	default:
		return err
	}
}
