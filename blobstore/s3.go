package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"FACEINDEX/retry"
)

// S3Client abstracts the S3 API operations used by [S3].
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

var _ Store = (*S3)(nil)

// S3 stores images in an S3 bucket under an optional prefix.
type S3 struct {
	client S3Client
	bucket string
	prefix string
	policy retry.Policy
}

func NewS3(client S3Client, bucket, prefix string, policy retry.Policy) *S3 {
	if policy.Classify == nil {
		policy.Classify = retry.ClassifyAPIError
	}
	return &S3{client: client, bucket: bucket, prefix: prefix, policy: policy}
}

func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(joinKey(s.prefix, key)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return fmt.Errorf("blobstore: put %s: %w", key, err)
		}
		return nil
	})
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(joinKey(s.prefix, key)),
		})
		if err != nil {
			if isS3NotFound(err) {
				return retry.Permanent(fmt.Errorf("blobstore: get %s: %w", key, ErrNotFound))
			}
			return fmt.Errorf("blobstore: get %s: %w", key, err)
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		if err != nil {
			return retry.Retryable(fmt.Errorf("blobstore: read %s: %w", key, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes the object. S3 DeleteObject already succeeds for missing
// keys; S3-compatible stores that answer NoSuchKey are treated the same.
func (s *S3) Delete(ctx context.Context, key string) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(joinKey(s.prefix, key)),
		})
		if err != nil && !isS3NotFound(err) {
			return fmt.Errorf("blobstore: delete %s: %w", key, err)
		}
		return nil
	})
}

func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

// isS3NotFound reports whether err indicates the S3 object does not exist.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
