// Package s3 provides an Amazon S3 storage backend. It also serves
// S3-compatible services (MinIO, Cloudflare R2) through the Endpoint and
// ForcePathStyle settings.
package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/prefix"
	"github.com/stowage/stowage/pkg/retry"
	"github.com/stowage/stowage/pkg/storage"
	"github.com/stowage/stowage/pkg/types"
)

// MinPartSize is the smallest part size S3 accepts for any part except
// the last one.
const MinPartSize int64 = 5 * 1024 * 1024

// DefaultPresignExpiry is used when neither the config nor the URL call
// specifies an expiry.
const DefaultPresignExpiry = time.Hour

// Config configures the S3 backend.
type Config struct {
	// Bucket is the target bucket. Required.
	Bucket string `yaml:"bucket" json:"bucket"`

	// Region is the bucket's region. Defaults to us-east-1.
	Region string `yaml:"region" json:"region"`

	// Endpoint overrides the service endpoint for S3-compatible stores.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// AccessKeyID and SecretAccessKey supply static credentials. When
	// empty the SDK's default credential chain is used.
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	SessionToken    string `yaml:"session_token" json:"session_token"`

	// Prefix namespaces all keys under a common path.
	Prefix string `yaml:"prefix" json:"prefix"`

	// ForcePathStyle addresses the bucket in the URL path instead of the
	// host name. Required by most S3-compatible servers.
	ForcePathStyle bool `yaml:"force_path_style" json:"force_path_style"`

	// PresignExpiry is the default lifetime of presigned URLs.
	PresignExpiry time.Duration `yaml:"presign_expiry" json:"presign_expiry"`

	// Retry controls backoff for transient failures. Nil means the
	// default policy; an explicit zero-valued config disables retries.
	Retry *retry.Config `yaml:"retry" json:"retry"`
}

// Storage implements the storage interfaces on top of the AWS SDK v2 S3
// client. The client is created lazily on first use.
type Storage struct {
	config   Config
	resolver prefix.Resolver
	retryer  *retry.Retryer
	logger   *slog.Logger

	mu        sync.Mutex
	client    *awss3.Client
	presigner *awss3.PresignClient
}

var _ types.MultipartStorage = (*Storage)(nil)

// New validates the configuration. No network access happens until the
// first operation.
func New(config Config) (*Storage, error) {
	if config.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "s3 backend requires a bucket")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.PresignExpiry <= 0 {
		config.PresignExpiry = DefaultPresignExpiry
	}
	retryCfg := retry.DefaultConfig()
	if config.Retry != nil {
		retryCfg = *config.Retry
	}
	return &Storage{
		config:   config,
		resolver: prefix.NewResolver(config.Prefix),
		retryer:  retry.New(retryCfg),
		logger:   slog.Default().With("component", "storage", "backend", "s3", "bucket", config.Bucket),
	}, nil
}

// ensureClient initializes the SDK client on first use. Close resets it
// so a closed backend transparently reconnects.
func (s *Storage) ensureClient(ctx context.Context) (*awss3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.config.Region),
	}
	if s.config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s.config.AccessKeyID, s.config.SecretAccessKey, s.config.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "failed to load aws configuration", err)
	}

	s.client = awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if s.config.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.config.Endpoint)
		}
		o.UsePathStyle = s.config.ForcePathStyle
	})
	s.presigner = awss3.NewPresignClient(s.client)
	return s.client, nil
}

func (s *Storage) ensurePresigner(ctx context.Context) (*awss3.PresignClient, error) {
	if _, err := s.ensureClient(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presigner, nil
}

// Put uploads the full payload in one request. The payload is buffered so
// the request can be retried.
func (s *Storage) Put(ctx context.Context, key string, data io.Reader, opts *types.PutOptions) (types.StoredFile, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return types.StoredFile{}, err
	}

	content, err := io.ReadAll(data)
	if err != nil {
		return types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageRead, "failed to read upload content", err).
			WithKey(key).WithOperation("put")
	}

	physical := s.resolver.Apply(key)
	input := &awss3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(physical),
		Body:   bytes.NewReader(content),
	}
	var contentType string
	if opts != nil {
		contentType = opts.ContentType
		if len(opts.Metadata) > 0 {
			input.Metadata = opts.Metadata
		}
	}
	contentType = storage.DetectContentType(key, contentType)
	input.ContentType = aws.String(contentType)

	var out *awss3.PutObjectOutput
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		input.Body = bytes.NewReader(content)
		var callErr error
		out, callErr = client.PutObject(ctx, input)
		return translateError(callErr, key, "put")
	})
	if err != nil {
		return types.StoredFile{}, err
	}

	file := types.StoredFile{
		Key:          key,
		Size:         int64(len(content)),
		ContentType:  contentType,
		ETag:         aws.ToString(out.ETag),
		LastModified: time.Now().UTC(),
	}
	if opts != nil {
		file.Metadata = opts.Metadata
	}
	return file, nil
}

// Get returns a streaming body for the object. The stream itself is not
// retried once handed to the caller.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	var out *awss3.GetObjectOutput
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = client.GetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(s.resolver.Apply(key)),
		})
		return translateError(callErr, key, "get")
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// GetBytes reads the full object content.
func (s *Storage) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return storage.GetBytes(ctx, s, key)
}

// Delete removes the object. S3 treats deleting a missing key as
// success, and that idempotency is passed through.
func (s *Storage) Delete(ctx context.Context, key string) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, callErr := client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(s.resolver.Apply(key)),
		})
		return translateError(callErr, key, "delete")
	})
}

// Exists reports object presence via a HEAD request. Failures other than
// not-found degrade to false rather than surfacing an error.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Info(ctx, key)
	if err == nil {
		return true, nil
	}
	if !errors.IsNotFound(err) {
		s.logger.Warn("existence check failed, reporting absent", "key", key, "error", err)
	}
	return false, nil
}

// List pages through the bucket lazily, one SDK page at a time, and
// yields logical keys with the configured prefix stripped.
func (s *Storage) List(ctx context.Context, keyPrefix string, limit int) iter.Seq2[types.StoredFile, error] {
	return func(yield func(types.StoredFile, error) bool) {
		client, err := s.ensureClient(ctx)
		if err != nil {
			yield(types.StoredFile{}, err)
			return
		}

		input := &awss3.ListObjectsV2Input{
			Bucket: aws.String(s.config.Bucket),
			Prefix: aws.String(s.resolver.Apply(keyPrefix)),
		}
		if limit > 0 && int64(limit) < 1000 {
			input.MaxKeys = aws.Int32(int32(limit))
		}

		paginator := awss3.NewListObjectsV2Paginator(client, input)
		count := 0
		for paginator.HasMorePages() {
			var page *awss3.ListObjectsV2Output
			err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
				var callErr error
				page, callErr = paginator.NextPage(ctx)
				return translateError(callErr, keyPrefix, "list")
			})
			if err != nil {
				yield(types.StoredFile{}, err)
				return
			}
			for _, obj := range page.Contents {
				if limit > 0 && count >= limit {
					return
				}
				count++
				if !yield(types.StoredFile{
					Key:          s.resolver.Strip(aws.ToString(obj.Key)),
					Size:         aws.ToInt64(obj.Size),
					ETag:         aws.ToString(obj.ETag),
					LastModified: aws.ToTime(obj.LastModified),
				}, nil) {
					return
				}
			}
		}
	}
}

// URL returns a presigned GET URL. expiresIn <= 0 selects the configured
// default expiry.
func (s *Storage) URL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	presigner, err := s.ensurePresigner(ctx)
	if err != nil {
		return "", err
	}
	if expiresIn <= 0 {
		expiresIn = s.config.PresignExpiry
	}

	req, err := presigner.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.resolver.Apply(key)),
	}, awss3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", translateError(err, key, "url")
	}
	return req.URL, nil
}

// Copy performs a server-side copy within the bucket.
func (s *Storage) Copy(ctx context.Context, source, destination string) (types.StoredFile, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return types.StoredFile{}, err
	}

	copySource := url.PathEscape(s.config.Bucket + "/" + s.resolver.Apply(source))
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, callErr := client.CopyObject(ctx, &awss3.CopyObjectInput{
			Bucket:     aws.String(s.config.Bucket),
			Key:        aws.String(s.resolver.Apply(destination)),
			CopySource: aws.String(copySource),
		})
		return translateError(callErr, source, "copy")
	})
	if err != nil {
		return types.StoredFile{}, err
	}
	return s.Info(ctx, destination)
}

// Move copies server-side and deletes the source. Not atomic.
func (s *Storage) Move(ctx context.Context, source, destination string) (types.StoredFile, error) {
	return storage.Move(ctx, s, source, destination)
}

// Info fetches metadata with a HEAD request.
func (s *Storage) Info(ctx context.Context, key string) (types.StoredFile, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return types.StoredFile{}, err
	}

	var out *awss3.HeadObjectOutput
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(s.resolver.Apply(key)),
		})
		return translateError(callErr, key, "info")
	})
	if err != nil {
		return types.StoredFile{}, err
	}

	file := types.StoredFile{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}
	if len(out.Metadata) > 0 {
		file.Metadata = out.Metadata
	}
	return file, nil
}

// Close drops the lazily-created client. A later operation re-creates it.
func (s *Storage) Close() error {
	s.mu.Lock()
	s.client = nil
	s.presigner = nil
	s.mu.Unlock()
	return nil
}

// StartMultipartUpload opens a native S3 multipart upload. Part sizes
// below the S3 minimum are raised to it.
func (s *Storage) StartMultipartUpload(ctx context.Context, key string, opts *types.MultipartOptions) (*types.MultipartUpload, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	input := &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.resolver.Apply(key)),
	}
	partSize := storage.DefaultPartSize
	if opts != nil {
		if opts.PartSize > 0 {
			partSize = opts.PartSize
		}
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		if len(opts.Metadata) > 0 {
			input.Metadata = opts.Metadata
		}
	}
	if partSize < MinPartSize {
		partSize = MinPartSize
	}

	var out *awss3.CreateMultipartUploadOutput
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = client.CreateMultipartUpload(ctx, input)
		return translateError(callErr, key, "start_multipart")
	})
	if err != nil {
		return nil, err
	}

	return &types.MultipartUpload{
		UploadID: aws.ToString(out.UploadId),
		Key:      key,
		PartSize: partSize,
	}, nil
}

// UploadPart transmits one part; the returned token is the part's ETag.
func (s *Storage) UploadPart(ctx context.Context, upload *types.MultipartUpload, partNumber int, data []byte) (string, error) {
	if partNumber < 1 {
		return "", errors.NewError(errors.ErrCodeValidationFailed, "part number must be >= 1").
			WithKey(upload.Key).WithOperation("upload_part")
	}
	client, err := s.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	var out *awss3.UploadPartOutput
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = client.UploadPart(ctx, &awss3.UploadPartInput{
			Bucket:     aws.String(s.config.Bucket),
			Key:        aws.String(s.resolver.Apply(upload.Key)),
			UploadId:   aws.String(upload.UploadID),
			PartNumber: aws.Int32(int32(partNumber)),
			Body:       bytes.NewReader(data),
		})
		return translateError(callErr, upload.Key, "upload_part")
	})
	if err != nil {
		return "", err
	}

	token := aws.ToString(out.ETag)
	upload.AddPart(partNumber, token)
	return token, nil
}

// CompleteMultipartUpload finalizes the object from the registered
// parts in part-number order.
func (s *Storage) CompleteMultipartUpload(ctx context.Context, upload *types.MultipartUpload) (types.StoredFile, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return types.StoredFile{}, err
	}

	parts := upload.CompletedParts()
	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			ETag:       aws.String(p.Token),
			PartNumber: aws.Int32(int32(p.Number)),
		}
	}

	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, callErr := client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.config.Bucket),
			Key:             aws.String(s.resolver.Apply(upload.Key)),
			UploadId:        aws.String(upload.UploadID),
			MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
		})
		return translateError(callErr, upload.Key, "complete_multipart")
	})
	if err != nil {
		return types.StoredFile{}, err
	}
	return s.Info(ctx, upload.Key)
}

// AbortMultipartUpload discards the upload and its staged parts. An
// already-gone upload is treated as success.
func (s *Storage) AbortMultipartUpload(ctx context.Context, upload *types.MultipartUpload) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}

	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, callErr := client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.config.Bucket),
			Key:      aws.String(s.resolver.Apply(upload.Key)),
			UploadId: aws.String(upload.UploadID),
		})
		return translateError(callErr, upload.Key, "abort_multipart")
	})
	if err != nil && errors.IsNotFound(err) {
		return nil
	}
	return err
}

// PutLarge uploads data in chunks through native multipart.
func (s *Storage) PutLarge(ctx context.Context, key string, data io.Reader, opts *types.PutLargeOptions) (types.StoredFile, error) {
	effective := opts
	if effective == nil {
		effective = &types.PutLargeOptions{}
	}
	if effective.PartSize > 0 && effective.PartSize < MinPartSize {
		adjusted := *effective
		adjusted.PartSize = MinPartSize
		effective = &adjusted
	}
	return storage.PutLarge(ctx, s, key, data, effective)
}

// translateError maps SDK failures onto the common taxonomy. The
// original error stays reachable through Unwrap.
func translateError(err error, key, op string) error {
	if err == nil {
		return nil
	}

	if stderr.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrCodeOperationTimeout, "s3 request timed out", err).
			WithKey(key).WithOperation(op)
	}
	if stderr.Is(err, context.Canceled) {
		return errors.Wrap(errors.ErrCodeOperationFailed, "s3 request cancelled", err).
			WithKey(key).WithOperation(op)
	}

	var noSuchKey *s3types.NoSuchKey
	var noSuchBucket *s3types.NoSuchBucket
	var notFound *s3types.NotFound
	if stderr.As(err, &noSuchKey) || stderr.As(err, &notFound) {
		return errors.NotFound(key).WithOperation(op).WithCause(err)
	}
	if stderr.As(err, &noSuchBucket) {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "bucket does not exist", err).
			WithKey(key).WithOperation(op)
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch strings.ToLower(apiErr.ErrorCode()) {
		case "nosuchkey", "notfound", "404":
			return errors.NotFound(key).WithOperation(op).WithCause(err)
		case "nosuchupload":
			return errors.NotFound(key).WithOperation(op).WithCause(err)
		case "accessdenied", "invalidaccesskeyid", "signaturedoesnotmatch":
			return errors.Wrap(errors.ErrCodeAccessDenied, "access denied", err).
				WithKey(key).WithOperation(op)
		case "slowdown", "requesttimeout", "internalerror", "serviceunavailable":
			return errors.Wrap(errors.ErrCodeConnectionFailed, "transient s3 failure", err).
				WithKey(key).WithOperation(op)
		}
	}

	var respErr *smithyhttp.ResponseError
	if stderr.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return errors.NotFound(key).WithOperation(op).WithCause(err)
		case code == http.StatusForbidden:
			return errors.Wrap(errors.ErrCodeAccessDenied, "access denied", err).
				WithKey(key).WithOperation(op)
		case code >= 500:
			return errors.Wrap(errors.ErrCodeConnectionFailed, "transient s3 failure", err).
				WithKey(key).WithOperation(op)
		}
	}

	return errors.Wrap(errors.ErrCodeOperationFailed, "s3 operation failed", err).
		WithKey(key).WithOperation(op)
}
