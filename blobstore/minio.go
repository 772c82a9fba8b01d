package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"

	"FACEINDEX/retry"
)

var _ Store = (*MinIO)(nil)

// MinIO stores images in a MinIO (or other S3-compatible) bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
	policy retry.Policy
}

func NewMinIO(client *minio.Client, bucket, prefix string, policy retry.Policy) *MinIO {
	if policy.Classify == nil {
		policy.Classify = classifyMinIO
	}
	return &MinIO{client: client, bucket: bucket, prefix: prefix, policy: policy}
}

func (s *MinIO) Put(ctx context.Context, key string, data []byte) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, joinKey(s.prefix, key),
			bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
		if err != nil {
			return fmt.Errorf("blobstore: put %s: %w", key, err)
		}
		return nil
	})
}

func (s *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		obj, err := s.client.GetObject(ctx, s.bucket, joinKey(s.prefix, key), minio.GetObjectOptions{})
		if err != nil {
			return s.wrap("get", key, err)
		}
		defer obj.Close()
		// GetObject is lazy; the first read surfaces NoSuchKey.
		data, err = io.ReadAll(obj)
		if err != nil {
			return s.wrap("get", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *MinIO) Delete(ctx context.Context, key string) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		err := s.client.RemoveObject(ctx, s.bucket, joinKey(s.prefix, key), minio.RemoveObjectOptions{})
		if err != nil && !isMinIONotFound(err) {
			return fmt.Errorf("blobstore: delete %s: %w", key, err)
		}
		return nil
	})
}

func (s *MinIO) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("blobstore: bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *MinIO) wrap(op, key string, err error) error {
	if isMinIONotFound(err) {
		return retry.Permanent(fmt.Errorf("blobstore: %s %s: %w", op, key, ErrNotFound))
	}
	return fmt.Errorf("blobstore: %s %s: %w", op, key, err)
}

func isMinIONotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func classifyMinIO(err error) retry.Kind {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return retry.KindOf(err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return retry.KindRetryable
	case resp.Code == "SlowDown", resp.Code == "RequestTimeout", resp.Code == "InternalError":
		return retry.KindRetryable
	}
	return retry.KindPermanent
}
