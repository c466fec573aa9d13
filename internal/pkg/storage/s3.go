package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/echodesk/core/internal/config"
)

// S3 stores objects in an S3-compatible bucket (AWS, MinIO, R2, OSS).
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds a client from static credentials. Custom endpoints imply
// path-style addressing since most S3-compatible stores require it.
func NewS3(cfg config.S3RuntimeConfig) (*S3, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	region := strings.TrimSpace(cfg.Region)
	accessKey := strings.TrimSpace(cfg.AccessKeyID)
	secretKey := strings.TrimSpace(cfg.SecretAccessKey)
	if bucket == "" || region == "" || accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("incomplete s3 config: bucket/region/access_key_id/secret_access_key are required")
	}

	opts := s3.Options{
		Region:       region,
		Credentials:  aws.NewCredentialsCache(awscreds.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		UsePathStyle: cfg.PathStyle,
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(strings.TrimSuffix(endpoint, "/"))
		opts.UsePathStyle = true
	}

	return &S3{
		client: s3.New(opts),
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.KeyPrefix), "/"),
	}, nil
}

func (s *S3) Kind() string { return "s3" }

func (s *S3) Save(ctx context.Context, key string, data []byte, contentType string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", objectKey, err)
	}
	return nil
}

func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get %s: %w", objectKey, err)
	}
	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", objectKey, err)
	}
	return nil
}

func (s *S3) objectKey(raw string) (string, error) {
	key, ok := CleanKey(raw)
	if !ok {
		return "", fmt.Errorf("invalid storage key %q", raw)
	}
	if s.prefix != "" {
		return path.Join(s.prefix, key), nil
	}
	return key, nil
}
