// Package objectstore wraps S3 access for input, result, and log objects.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"annotation-service/internal/config"
)

// ErrNotExist is returned when the requested object or bucket is absent.
var ErrNotExist = errors.New("object does not exist")

// S3 is a thin client over the S3 API.
type S3 struct {
	client *s3.Client
}

// New wraps an existing S3 client.
func New(client *s3.Client) *S3 {
	return &S3{client: client}
}

// NewClient builds an S3 client from config. A custom endpoint (MinIO) is
// supported for local development.
func NewClient(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// LoadAWSConfig resolves shared AWS configuration for every AWS-backed
// client in the process.
func LoadAWSConfig(ctx context.Context, cfg config.Config) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// Get opens the object for reading. The caller must close the returned body.
func (s *S3) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapNotExist(fmt.Errorf("get s3://%s/%s: %w", bucket, key, err), err)
	}
	return out.Body, nil
}

// DownloadFile stages an object at the given local path, creating parent
// directories as needed.
func (s *S3) DownloadFile(ctx context.Context, bucket, key, path string) error {
	body, err := s.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create staging dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create staged file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("write staged file: %w", err)
	}
	return nil
}

// Upload writes the object.
func (s *S3) Upload(ctx context.Context, bucket, key string, body io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// UploadFile uploads a local file to the given key.
func (s *S3) UploadFile(ctx context.Context, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("upload %s: %w", path, ErrNotExist)
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return s.Upload(ctx, bucket, key, f)
}

// Delete removes the object. Deleting an absent key is not an error.
func (s *S3) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func wrapNotExist(wrapped, cause error) error {
	var noKey *s3types.NoSuchKey
	var noBucket *s3types.NoSuchBucket
	if errors.As(cause, &noKey) || errors.As(cause, &noBucket) {
		return fmt.Errorf("%w: %w", ErrNotExist, wrapped)
	}
	return wrapped
}
