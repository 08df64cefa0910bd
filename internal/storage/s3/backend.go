// Package s3 provides an S3-compatible object storage backend.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stevedore/stevedore/internal/logging"
	"github.com/stevedore/stevedore/internal/metrics"
	"github.com/stevedore/stevedore/internal/storage"
	"go.uber.org/zap"
)

// maxPageSize is the upstream ceiling on listing page sizes.
const maxPageSize = 1000

// BackendConfig holds connection settings for one S3 bucket.
type BackendConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Backend implements storage.Backend and storage.Lister using S3/MinIO.
type Backend struct {
	client *s3.Client
	bucket string
}

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO and other S3-compatible stores
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &Backend{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Bucket returns the configured bucket name.
func (b *Backend) Bucket() string { return b.bucket }

// Probe checks that the bucket is reachable.
func (b *Backend) Probe(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		metrics.RecordBackendOp("s3", "head_bucket", time.Since(start), false)
		return b.wrapErr("head_bucket", b.bucket, err)
	}
	metrics.RecordBackendOp("s3", "head_bucket", time.Since(start), true)
	return nil
}

// GetObject retrieves an object with range support.
func (b *Backend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}

	if offset > 0 || length > 0 {
		var rangeStr string
		if length > 0 {
			rangeStr = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
		} else {
			rangeStr = fmt.Sprintf("bytes=%d-", offset)
		}
		input.Range = aws.String(rangeStr)
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		metrics.RecordBackendOp("s3", "get_object", time.Since(start), false)
		return nil, 0, b.wrapErr("get_object", key, err)
	}

	metrics.RecordBackendOp("s3", "get_object", time.Since(start), true)

	totalSize := int64(0)
	if result.ContentLength != nil {
		totalSize = *result.ContentLength
	}

	return result.Body, totalSize, nil
}

// PutObject uploads content. S3 puts are atomic upstream: a failed or
// aborted upload leaves no partial object.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	_, err := b.client.PutObject(ctx, input)
	if err != nil {
		metrics.RecordBackendOp("s3", "put_object", time.Since(start), false)
		return b.wrapErr("put_object", key, err)
	}

	metrics.RecordBackendOp("s3", "put_object", time.Since(start), true)
	logging.Debug("s3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// DeleteObject removes an object. Missing keys are not an error.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordBackendOp("s3", "delete_object", time.Since(start), false)
		return b.wrapErr("delete_object", key, err)
	}

	metrics.RecordBackendOp("s3", "delete_object", time.Since(start), true)
	logging.Debug("s3 delete object", zap.String("key", key))
	return nil
}

// CopyObject copies an object from srcKey to dstKey within the bucket.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
	})
	if err != nil {
		metrics.RecordBackendOp("s3", "copy_object", time.Since(start), false)
		return b.wrapErr("copy_object", srcKey, err)
	}

	metrics.RecordBackendOp("s3", "copy_object", time.Since(start), true)
	logging.Debug("s3 copy object", zap.String("src", srcKey), zap.String("dst", dstKey))
	return nil
}

// StatObject returns object metadata, or storage.ErrNotExist.
func (b *Backend) StatObject(ctx context.Context, key string) (storage.ObjectInfo, error) {
	start := time.Now()

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordBackendOp("s3", "head_object", time.Since(start), false)
		if isNotFound(err) {
			return storage.ObjectInfo{}, fmt.Errorf("head %s: %w", key, storage.ErrNotExist)
		}
		return storage.ObjectInfo{}, b.wrapErr("head_object", key, err)
	}

	metrics.RecordBackendOp("s3", "head_object", time.Since(start), true)

	info := storage.ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// ObjectExists checks if an object exists.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.StatObject(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListPage fetches one page of the bucket listing.
func (b *Backend) ListPage(ctx context.Context, req storage.ListRequest) (*storage.Page, error) {
	start := time.Now()

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		MaxKeys: aws.Int32(pageSize),
	}
	if req.Prefix != "" {
		input.Prefix = aws.String(req.Prefix)
	}
	if req.Delimiter != "" {
		input.Delimiter = aws.String(req.Delimiter)
	}
	if req.Cursor != "" {
		input.ContinuationToken = aws.String(req.Cursor)
	}

	out, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		metrics.RecordBackendOp("s3", "list_objects", time.Since(start), false)
		return nil, b.wrapErr("list_objects", req.Prefix, err)
	}

	metrics.RecordBackendOp("s3", "list_objects", time.Since(start), true)

	page := &storage.Page{
		Entries: make([]storage.ObjectInfo, 0, len(out.Contents)),
	}
	for _, obj := range out.Contents {
		info := storage.ObjectInfo{}
		if obj.Key != nil {
			info.Key = *obj.Key
		}
		if obj.Size != nil {
			info.Size = *obj.Size
		}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
		}
		page.Entries = append(page.Entries, info)
	}
	for _, cp := range out.CommonPrefixes {
		if cp.Prefix != nil {
			page.CommonPrefixes = append(page.CommonPrefixes, *cp.Prefix)
		}
	}
	if out.IsTruncated != nil && *out.IsTruncated {
		page.Truncated = true
		if out.NextContinuationToken != nil {
			page.NextCursor = *out.NextContinuationToken
		}
	}
	return page, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

// wrapErr converts an SDK error into a storage.UpstreamError carrying the
// upstream HTTP status when one was observed.
func (b *Backend) wrapErr(op, key string, err error) error {
	status := 0
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}
	return &storage.UpstreamError{Op: op, Key: key, Status: status, Err: err}
}

// isNotFound reports whether an SDK error means the key does not exist.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
