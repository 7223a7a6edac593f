package objectstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/go-faster/errors"
	"google.golang.org/api/option"
)

// GCS stores objects in a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	base   string
}

// NewGCS creates a GCS store. Credentials come from cfg.CredentialsJSON or
// application default credentials.
func NewGCS(ctx context.Context, cfg Config) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create gcs client")
	}

	base := cfg.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("https://storage.googleapis.com/%s", cfg.Bucket)
	}
	return &GCS{client: client, bucket: cfg.Bucket, base: base}, nil
}

func (g *GCS) Store(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", errors.Wrapf(err, "write gs://%s/%s", g.bucket, name)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "close gs://%s/%s", g.bucket, name)
	}
	return joinURL(g.base, name), nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
