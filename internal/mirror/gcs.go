// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package mirror

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// GCS uploads to a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS connects with application default credentials. A configured
// endpoint (an emulator) is used without authentication.
func NewGCS(ctx context.Context, cfg types.MirrorConfig) (*GCS, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return NewGCSWithClient(client, cfg)
}

// NewGCSWithClient wraps an existing client.
func NewGCSWithClient(client *storage.Client, cfg types.MirrorConfig) (*GCS, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCS{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Name returns "gcs".
func (g *GCS) Name() string { return "gcs" }

// Upload streams the file at localPath to the bucket.
func (g *GCS) Upload(ctx context.Context, key, localPath, contentType string) error {
	fh, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer fh.Close()

	w := g.client.Bucket(g.bucket).Object(objectKey(g.prefix, key)).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, fh); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Close releases the client.
func (g *GCS) Close() error { return g.client.Close() }
