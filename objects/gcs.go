package objects

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS uploads objects into one Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

func NewGCS(ctx context.Context, bucket, credentialsPath string, logger *slog.Logger) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	logger.Info("Using GCS object storage", "bucket", bucket)
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

func (g *GCS) Upload(ctx context.Context, bucket, key, contentType string, data []byte) (string, error) {
	path := objectPath(bucket, key)
	w := g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=86400"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize object %s: %w", path, err)
	}
	return gcsPublicURL(g.bucket, path), nil
}

func gcsPublicURL(bucket, path string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, path)
}

func (g *GCS) Close() error {
	return g.client.Close()
}
