// Package storage uploads artifacts to S3-compatible object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for object uploads.
type Service interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) (string, error)
}

// PutObjectAPI is the subset of the S3 client used here, for mocking.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Impl implements the storage Service interface.
type Impl struct {
	client PutObjectAPI
	cfg    models.StorageConfig
	logger zerolog.Logger
}

// New creates an S3 backed storage service. Static credentials are used when
// configured, otherwise the AWS default credential chain applies.
func New(ctx context.Context, logger zerolog.Logger, cfg models.StorageConfig) (*Impl, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load aws config: %w", models.ErrConfiguration, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithClient(logger, cfg, client), nil
}

// NewWithClient creates a storage service with a custom client (for testing).
func NewWithClient(logger zerolog.Logger, cfg models.StorageConfig, client PutObjectAPI) *Impl {
	return &Impl{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// PutObject uploads body under bucket/key and returns the object URL.
func (s *Impl) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) (string, error) {
	s.logger.Info().
		Str("bucket", bucket).
		Str("key", key).
		Msg("uploading object")

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: meta,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: s3 put object failed: %s: %s", models.ErrUpload, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("%w: s3 put object failed: %w", models.ErrUpload, err)
	}

	location := ObjectURL(s.cfg, bucket, key)
	s.logger.Debug().Str("location", location).Msg("object uploaded")
	return location, nil
}

// ObjectKey joins prefix and filename with forward slashes.
func ObjectKey(prefix, filename string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return filename
	}
	return path.Join(prefix, filename)
}

// ObjectURL returns the public URL of an object. Custom endpoints are
// addressed path-style.
func ObjectURL(cfg models.StorageConfig, bucket, key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + bucket + "/" + escaped
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, escaped)
}
