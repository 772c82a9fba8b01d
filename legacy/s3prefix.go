package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"FACEINDEX/retry"
)

// S3Lister is the subset of the S3 API the prefix source needs.
type S3Lister interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

const unknownUser = "unknown"

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

var _ Source = (*S3Prefix)(nil)

// S3Prefix treats every image under a key prefix as a record. Keys are listed
// in S3's lexical order, so the last key seen is a stable cursor.
type S3Prefix struct {
	client S3Lister
	bucket string
	policy retry.Policy
}

func NewS3Prefix(client S3Lister, bucket string, policy retry.Policy) *S3Prefix {
	if policy.Classify == nil {
		policy.Classify = retry.ClassifyAPIError
	}
	return &S3Prefix{client: client, bucket: bucket, policy: policy}
}

func (s *S3Prefix) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{Cursor: cursor}, nil
	}

	page := Page{Cursor: cursor}
	for len(page.Records) < limit {
		in := &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(int32(limit - len(page.Records))),
		}
		if page.Cursor != "" {
			in.StartAfter = aws.String(page.Cursor)
		}

		var out *s3.ListObjectsV2Output
		err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
			var err error
			out, err = s.client.ListObjectsV2(ctx, in)
			if err != nil {
				return fmt.Errorf("legacy: listing %s: %w", prefix, err)
			}
			return nil
		})
		if err != nil {
			return Page{}, err
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			page.Cursor = key
			if !isImage(key) {
				continue
			}
			page.Records = append(page.Records, Record{
				Ref:             key,
				ImageKey:        key,
				UserID:          userFromKey(key),
				ExternalImageID: path.Base(key),
				Metadata:        map[string]string{"source_key": key},
			})
		}

		if !aws.ToBool(out.IsTruncated) || len(out.Contents) == 0 {
			page.Done = !aws.ToBool(out.IsTruncated)
			break
		}
	}
	return page, nil
}

func (s *S3Prefix) Fetch(ctx context.Context, rec Record) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(rec.ImageKey),
		})
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
				return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, rec.ImageKey))
			}
			return fmt.Errorf("legacy: fetching %s: %w", rec.ImageKey, err)
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		if err != nil {
			return retry.Retryable(fmt.Errorf("legacy: reading %s: %w", rec.ImageKey, err))
		}
		return nil
	})
	return data, err
}

func isImage(key string) bool {
	return imageExtensions[strings.ToLower(path.Ext(key))]
}

// userFromKey extracts <user_id> from uploads/<user_id>/<file>.
func userFromKey(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) >= 3 && parts[0] == "uploads" && parts[1] != "" {
		return parts[1]
	}
	return unknownUser
}
