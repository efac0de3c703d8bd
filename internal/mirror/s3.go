// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package mirror

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

const defaultS3Region = "us-east-1"

// S3 uploads to an S3 bucket or an S3-compatible store.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds a client from the default AWS configuration chain, with
// static credentials and a custom endpoint when configured. Custom
// endpoints use path-style addressing.
func NewS3(ctx context.Context, cfg types.MirrorConfig) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			// Send checksums only where the operation requires them.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Name returns "s3".
func (m *S3) Name() string { return "s3" }

// Upload puts the file at localPath into the bucket.
func (m *S3) Upload(ctx context.Context, key, localPath, contentType string) error {
	fh, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer fh.Close()

	in := &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(objectKey(m.prefix, key)),
		Body:   fh,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := m.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", m.bucket, *in.Key, err)
	}
	return nil
}
