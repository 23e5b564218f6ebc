// Package gcs provides a Google Cloud Storage backend. GCS has no
// part-staging primitive, so multipart uploads are emulated with the
// shared part buffer and written in one object compose on completion.
package gcs

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/prefix"
	"github.com/stowage/stowage/pkg/retry"
	"github.com/stowage/stowage/pkg/storage"
	"github.com/stowage/stowage/pkg/types"
)

// DefaultSignedURLExpiry is used when neither the config nor the URL
// call specifies an expiry.
const DefaultSignedURLExpiry = time.Hour

// Config configures the GCS backend.
type Config struct {
	// Bucket is the target bucket. Required.
	Bucket string `yaml:"bucket" json:"bucket"`

	// Prefix namespaces all keys under a common path.
	Prefix string `yaml:"prefix" json:"prefix"`

	// CredentialsFile points at a service account JSON key. Empty means
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`

	// Endpoint overrides the API endpoint, typically for emulators.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// SignedURLExpiry is the default lifetime of signed URLs.
	SignedURLExpiry time.Duration `yaml:"signed_url_expiry" json:"signed_url_expiry"`

	// Retry controls backoff for transient failures. Nil means the
	// default policy; an explicit zero-valued config disables retries.
	Retry *retry.Config `yaml:"retry" json:"retry"`
}

// Storage implements the storage interfaces on the official GCS client.
// The client is created lazily on first use.
type Storage struct {
	config   Config
	resolver prefix.Resolver
	retryer  *retry.Retryer
	logger   *slog.Logger
	parts    *storage.PartBuffer

	mu     sync.Mutex
	client *gstorage.Client
}

var _ types.MultipartStorage = (*Storage)(nil)

// New validates the configuration. No network access happens until the
// first operation.
func New(config Config) (*Storage, error) {
	if config.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "gcs backend requires a bucket")
	}
	if config.CredentialsFile != "" {
		if _, err := os.Stat(config.CredentialsFile); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "credentials file is not readable", err)
		}
	}
	if config.SignedURLExpiry <= 0 {
		config.SignedURLExpiry = DefaultSignedURLExpiry
	}
	retryCfg := retry.DefaultConfig()
	if config.Retry != nil {
		retryCfg = *config.Retry
	}
	return &Storage{
		config:   config,
		resolver: prefix.NewResolver(config.Prefix),
		retryer:  retry.New(retryCfg),
		parts:    storage.NewPartBuffer(),
		logger:   slog.Default().With("component", "storage", "backend", "gcs", "bucket", config.Bucket),
	}, nil
}

func (s *Storage) ensureClient(ctx context.Context) (*gstorage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var opts []option.ClientOption
	if s.config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(s.config.CredentialsFile))
	}
	if s.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.config.Endpoint))
	}

	client, err := gstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "failed to create gcs client", err)
	}
	s.client = client
	return s.client, nil
}

func (s *Storage) object(client *gstorage.Client, key string) *gstorage.ObjectHandle {
	return client.Bucket(s.config.Bucket).Object(s.resolver.Apply(key))
}

// Put streams data into the object through a bucket writer. The write is
// not visible until the writer closes successfully.
func (s *Storage) Put(ctx context.Context, key string, data io.Reader, opts *types.PutOptions) (types.StoredFile, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return types.StoredFile{}, err
	}

	var contentType string
	var metadata map[string]string
	if opts != nil {
		contentType = opts.ContentType
		metadata = opts.Metadata
	}
	contentType = storage.DetectContentType(key, contentType)

	w := s.object(client, key).NewWriter(ctx)
	w.ContentType = contentType
	if len(metadata) > 0 {
		w.Metadata = metadata
	}

	size, err := io.Copy(w, data)
	if err != nil {
		_ = w.Close()
		return types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageWrite, "failed to write object content", err).
			WithKey(key).WithOperation("put")
	}
	if err := w.Close(); err != nil {
		return types.StoredFile{}, translateError(err, key, "put")
	}

	attrs := w.Attrs()
	file := types.StoredFile{
		Key:          key,
		Size:         size,
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}
	if attrs != nil {
		file.ETag = attrs.Etag
		file.LastModified = attrs.Updated
	}
	return file, nil
}

// Get returns a streaming reader for the object.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	var r *gstorage.Reader
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var callErr error
		r, callErr = s.object(client, key).NewReader(ctx)
		return translateError(callErr, key, "get")
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetBytes reads the full object content.
func (s *Storage) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return storage.GetBytes(ctx, s, key)
}

// Delete removes the object. Like S3, deleting a missing key succeeds
// silently.
func (s *Storage) Delete(ctx context.Context, key string) error {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return translateError(s.object(client, key).Delete(ctx), key, "delete")
	})
	if err != nil && errors.IsNotFound(err) {
		return nil
	}
	return err
}

// Exists reports object presence, degrading to false on ambiguous
// failures.
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

// List iterates the bucket lazily and yields logical keys with the
// configured prefix stripped.
func (s *Storage) List(ctx context.Context, keyPrefix string, limit int) iter.Seq2[types.StoredFile, error] {
	return func(yield func(types.StoredFile, error) bool) {
		client, err := s.ensureClient(ctx)
		if err != nil {
			yield(types.StoredFile{}, err)
			return
		}

		it := client.Bucket(s.config.Bucket).Objects(ctx, &gstorage.Query{
			Prefix: s.resolver.Apply(keyPrefix),
		})
		count := 0
		for {
			if limit > 0 && count >= limit {
				return
			}
			attrs, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				yield(types.StoredFile{}, translateError(err, keyPrefix, "list"))
				return
			}
			count++
			if !yield(attrsToFile(s.resolver.Strip(attrs.Name), attrs), nil) {
				return
			}
		}
	}
}

// URL returns a V4 signed GET URL. expiresIn <= 0 selects the configured
// default expiry.
func (s *Storage) URL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return "", err
	}
	if expiresIn <= 0 {
		expiresIn = s.config.SignedURLExpiry
	}

	signed, err := client.Bucket(s.config.Bucket).SignedURL(s.resolver.Apply(key), &gstorage.SignedURLOptions{
		Scheme:  gstorage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(expiresIn),
	})
	if err != nil {
		return "", translateError(err, key, "url")
	}
	return signed, nil
}

// Copy performs a server-side copy within the bucket.
func (s *Storage) Copy(ctx context.Context, source, destination string) (types.StoredFile, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return types.StoredFile{}, err
	}

	var attrs *gstorage.ObjectAttrs
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		copier := s.object(client, destination).CopierFrom(s.object(client, source))
		var callErr error
		attrs, callErr = copier.Run(ctx)
		return translateError(callErr, source, "copy")
	})
	if err != nil {
		return types.StoredFile{}, err
	}
	return attrsToFile(destination, attrs), nil
}

// Move copies server-side and deletes the source. Not atomic.
func (s *Storage) Move(ctx context.Context, source, destination string) (types.StoredFile, error) {
	file, err := s.Copy(ctx, source, destination)
	if err != nil {
		return types.StoredFile{}, err
	}
	client, err := s.ensureClient(ctx)
	if err != nil {
		return types.StoredFile{}, err
	}
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return translateError(s.object(client, source).Delete(ctx), source, "move")
	})
	if err != nil && !errors.IsNotFound(err) {
		return types.StoredFile{}, err
	}
	return file, nil
}

// Info fetches object attributes.
func (s *Storage) Info(ctx context.Context, key string) (types.StoredFile, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return types.StoredFile{}, err
	}

	var attrs *gstorage.ObjectAttrs
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var callErr error
		attrs, callErr = s.object(client, key).Attrs(ctx)
		return translateError(callErr, key, "info")
	})
	if err != nil {
		return types.StoredFile{}, err
	}
	return attrsToFile(key, attrs), nil
}

// Close releases the client. A later operation re-creates it.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return errors.Wrap(errors.ErrCodeConnectionFailed, "failed to close gcs client", err)
	}
	return nil
}

// StartMultipartUpload opens a buffered upload session; GCS has no
// native part staging.
func (s *Storage) StartMultipartUpload(ctx context.Context, key string, opts *types.MultipartOptions) (*types.MultipartUpload, error) {
	id, err := s.parts.Start(key, opts)
	if err != nil {
		return nil, err
	}
	partSize := storage.DefaultPartSize
	if opts != nil && opts.PartSize > 0 {
		partSize = opts.PartSize
	}
	return &types.MultipartUpload{UploadID: id, Key: key, PartSize: partSize}, nil
}

// UploadPart buffers one part and registers it on the session.
func (s *Storage) UploadPart(ctx context.Context, upload *types.MultipartUpload, partNumber int, data []byte) (string, error) {
	token, err := s.parts.StagePart(upload.UploadID, partNumber, data)
	if err != nil {
		return "", err
	}
	upload.AddPart(partNumber, token)
	return token, nil
}

// CompleteMultipartUpload assembles the buffered parts and uploads the
// final object in one write.
func (s *Storage) CompleteMultipartUpload(ctx context.Context, upload *types.MultipartUpload) (types.StoredFile, error) {
	payload, contentType, metadata, err := s.parts.Assemble(upload.UploadID)
	if err != nil {
		return types.StoredFile{}, err
	}
	return s.Put(ctx, upload.Key, bytes.NewReader(payload), &types.PutOptions{
		ContentType: contentType,
		Metadata:    metadata,
	})
}

// AbortMultipartUpload discards the buffered session. Nothing reached
// the bucket yet, so there is no remote state to clean up.
func (s *Storage) AbortMultipartUpload(ctx context.Context, upload *types.MultipartUpload) error {
	s.parts.Discard(upload.UploadID)
	return nil
}

// PutLarge uploads data in chunks through the buffered session.
func (s *Storage) PutLarge(ctx context.Context, key string, data io.Reader, opts *types.PutLargeOptions) (types.StoredFile, error) {
	return storage.PutLarge(ctx, s, key, data, opts)
}

func attrsToFile(key string, attrs *gstorage.ObjectAttrs) types.StoredFile {
	if attrs == nil {
		return types.StoredFile{Key: key}
	}
	file := types.StoredFile{
		Key:          key,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		ETag:         attrs.Etag,
		LastModified: attrs.Updated,
	}
	if len(attrs.Metadata) > 0 {
		file.Metadata = attrs.Metadata
	}
	return file
}

// translateError maps GCS client failures onto the common taxonomy.
func translateError(err error, key, op string) error {
	if err == nil {
		return nil
	}

	if stderr.Is(err, gstorage.ErrObjectNotExist) {
		return errors.NotFound(key).WithOperation(op).WithCause(err)
	}
	if stderr.Is(err, gstorage.ErrBucketNotExist) {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "bucket does not exist", err).
			WithKey(key).WithOperation(op)
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrCodeOperationTimeout, "gcs request timed out", err).
			WithKey(key).WithOperation(op)
	}

	var apiErr *googleapi.Error
	if stderr.As(err, &apiErr) {
		switch code := apiErr.Code; {
		case code == http.StatusNotFound:
			return errors.NotFound(key).WithOperation(op).WithCause(err)
		case code == http.StatusForbidden || code == http.StatusUnauthorized:
			return errors.Wrap(errors.ErrCodeAccessDenied, "access denied", err).
				WithKey(key).WithOperation(op)
		case code == http.StatusTooManyRequests || code >= 500:
			return errors.Wrap(errors.ErrCodeConnectionFailed, "transient gcs failure", err).
				WithKey(key).WithOperation(op)
		}
	}

	return errors.Wrap(errors.ErrCodeOperationFailed, "gcs operation failed", err).
		WithKey(key).WithOperation(op)
}
