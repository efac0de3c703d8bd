// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package mirror copies fetched artifacts to object storage. Google Cloud
// Storage and S3-compatible stores are supported.
package mirror

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// Mirror uploads local files under a key.
type Mirror interface {
	Name() string
	Upload(ctx context.Context, key, localPath, contentType string) error
}

// New returns the mirror cfg selects, or nil when mirroring is disabled.
func New(ctx context.Context, cfg types.MirrorConfig) (Mirror, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "gcs":
		return NewGCS(ctx, cfg)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown mirror provider %q", cfg.Provider)
	}
}

// objectKey joins the configured prefix and key with slashes.
func objectKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	key = strings.TrimLeft(key, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
