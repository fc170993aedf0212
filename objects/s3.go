package objects

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
}

// S3 uploads objects into one AWS S3 bucket.
type S3 struct {
	client *s3.Client
	cfg    S3Config
	logger *slog.Logger
}

func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Info("Using S3 object storage", "bucket", cfg.Bucket, "region", cfg.Region)
	return &S3{client: client, cfg: cfg, logger: logger}, nil
}

func (s *S3) Upload(ctx context.Context, bucket, key, contentType string, data []byte) (string, error) {
	path := objectPath(bucket, key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed for %s: %w", path, err)
	}
	return s3PublicURL(s.cfg, path), nil
}

func s3PublicURL(cfg S3Config, path string) string {
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket + "/" + path
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, path)
}
