// Package s3store implements docpipeline.ObjectStore against an S3-compatible bucket, using the
// AWS SDK v2 the way the retrieved storage examples wire it: a shared HTTP client, static
// credentials, and an optional custom endpoint resolver for S3-compatible backends other than
// AWS itself.
package s3store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/yungbote/docforge-backend/internal/platform/envutil"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// sharedHTTPClient provides connection pooling across every Store instance, the same way
// teacher's storage examples share one http.Client across all operations.
var sharedHTTPClient = &http.Client{
	Timeout: 120 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Config configures Store's connection to an S3 or S3-compatible endpoint.
type Config struct {
	Region          string
	Endpoint        string // non-empty for S3-compatible backends (MinIO, Hetzner, etc.)
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// LoadConfig reads S3STORE_* environment variables, matching the env-driven configuration
// pattern the rest of internal/platform uses.
func LoadConfig() Config {
	return Config{
		Region:          envutil.String("S3STORE_REGION", "us-east-1"),
		Endpoint:        envutil.String("S3STORE_ENDPOINT", ""),
		AccessKeyID:     envutil.String("S3STORE_ACCESS_KEY_ID", ""),
		SecretAccessKey: envutil.String("S3STORE_SECRET_ACCESS_KEY", ""),
		UsePathStyle:    envutil.Bool("S3STORE_USE_PATH_STYLE", false),
	}
}

// Store implements docpipeline.ObjectStore (C12) against an s3.Client, using a manager.Uploader
// for Put so large artifacts (rendered pages, extracted media) stream through multipart upload
// without being fully buffered in memory.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	log      *logger.Logger
}

// New builds a Store from Config. An empty Endpoint uses AWS's default endpoint resolution;
// a non-empty Endpoint configures a custom resolver for S3-compatible backends.
func New(ctx context.Context, cfg Config, baseLog *logger.Logger) (*Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					SigningRegion:     region,
					HostnameImmutable: true,
				}, nil
			}),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.HTTPClient = sharedHTTPClient
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		log:      baseLog.With("component", "ObjectStore"),
	}, nil
}

// Put streams body to bucket/key via the multipart uploader.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3store: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get returns a reader for bucket/key. Callers must close the returned ReadCloser.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: get %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// Delete removes a single object. Deleting a missing key is not an error, matching S3's own
// idempotent DeleteObject semantics.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3store: delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeletePrefix lists then batch-deletes every object under prefix, paging through
// ListObjectsV2's continuation token and S3's 1000-key-per-request DeleteObjects limit.
func (s *Store) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	var continuationToken *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("s3store: list %s/%s: %w", bucket, prefix, err)
		}
		if len(page.Contents) > 0 {
			objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
			for _, obj := range page.Contents {
				objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &types.Delete{Objects: objects},
			}); err != nil {
				return fmt.Errorf("s3store: delete prefix %s/%s: %w", bucket, prefix, err)
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			return nil
		}
		continuationToken = page.NextContinuationToken
	}
}

// List returns every key under prefix, paging through ListObjectsV2 as needed.
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	var continuationToken *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("s3store: list %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			return keys, nil
		}
		continuationToken = page.NextContinuationToken
	}
}
