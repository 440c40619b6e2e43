package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/chunktransfer/chunktransfer/internal/xferr"
)

// S3Backend implements Backend against an S3-compatible bucket, proving out
// spec.md §4.5's "the interface is explicit so a remote object store can be
// substituted." Grounded on the teacher's aws-sdk-go-v2 require block,
// which the teacher itself never wires to a storage backend — here it
// becomes one.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend returns a backend for bucket. When accessKeyID is non-empty
// it builds an explicit static credentials provider from accessKeyID,
// secretAccessKey and sessionToken; otherwise it falls back to the default
// AWS config chain (environment, shared config, IMDS).
func NewS3Backend(ctx context.Context, bucket, accessKeyID, secretAccessKey, sessionToken string) (*S3Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if accessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading AWS config: %v", xferr.ErrInvalidConfig, err)
	}
	return &S3Backend{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

func (b *S3Backend) Put(key string, r io.Reader, size int64) error {
	_, err := b.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:        &b.bucket,
		Key:           &key,
		Body:          r,
		ContentLength: &size,
	})
	if err != nil {
		return fmt.Errorf("%w: s3 put %s: %v", xferr.ErrFileWriteError, key, err)
	}
	return nil
}

func (b *S3Backend) Get(key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", xferr.ErrFileNotFound, key)
		}
		return nil, fmt.Errorf("%w: s3 get %s: %v", xferr.ErrFileAccessDenied, key, err)
	}
	return out.Body, nil
}

func (b *S3Backend) Delete(key string) error {
	_, err := b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("%w: s3 delete %s: %v", xferr.ErrFileWriteError, key, err)
	}
	return nil
}

func (b *S3Backend) Exists(key string) (bool, error) {
	_, err := b.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: s3 head %s: %v", xferr.ErrFileAccessDenied, key, err)
	}
	return true, nil
}

func (b *S3Backend) Stat(key string) (ObjectInfo, error) {
	out, err := b.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", xferr.ErrFileNotFound, key)
		}
		return ObjectInfo{}, fmt.Errorf("%w: s3 head %s: %v", xferr.ErrFileAccessDenied, key, err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return ObjectInfo{Key: key, Size: size}, nil
}

func (b *S3Backend) List(prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: &b.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("%w: s3 list %s: %v", xferr.ErrFileAccessDenied, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
