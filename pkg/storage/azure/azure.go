// Package azure provides an Azure Blob Storage backend. Multipart
// uploads map onto native block staging: parts become staged blocks and
// completion commits the block list.
package azure

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	stderr "errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/prefix"
	"github.com/stowage/stowage/pkg/retry"
	"github.com/stowage/stowage/pkg/storage"
	"github.com/stowage/stowage/pkg/types"
)

// DefaultSASExpiry is used when neither the config nor the URL call
// specifies an expiry.
const DefaultSASExpiry = time.Hour

// copySASExpiry bounds the source SAS minted for server-side copies.
const copySASExpiry = 15 * time.Minute

// Config configures the Azure Blob Storage backend. Either
// ConnectionString or the AccountName and AccountKey pair must be set.
type Config struct {
	// Container is the target blob container. Required.
	Container string `yaml:"container" json:"container"`

	// ConnectionString is a full Azure storage connection string. It
	// takes precedence over the individual account fields.
	ConnectionString string `yaml:"connection_string" json:"connection_string"`

	// AccountName and AccountKey supply shared key credentials.
	AccountName string `yaml:"account_name" json:"account_name"`
	AccountKey  string `yaml:"account_key" json:"account_key"`

	// ServiceURL overrides the account endpoint, typically for Azurite.
	ServiceURL string `yaml:"service_url" json:"service_url"`

	// Prefix namespaces all keys under a common path.
	Prefix string `yaml:"prefix" json:"prefix"`

	// SASExpiry is the default lifetime of signed URLs.
	SASExpiry time.Duration `yaml:"sas_expiry" json:"sas_expiry"`

	// Retry controls backoff for transient failures. Nil means the
	// default policy; an explicit zero-valued config disables retries.
	Retry *retry.Config `yaml:"retry" json:"retry"`
}

type blockSession struct {
	contentType string
	metadata    map[string]string
}

// Storage implements the storage interfaces on the azblob client. The
// client is created lazily on first use.
type Storage struct {
	config     Config
	account    string
	accountKey string
	serviceURL string
	resolver   prefix.Resolver
	retryer    *retry.Retryer
	logger     *slog.Logger

	mu     sync.Mutex
	client *azblob.Client

	sessionMu sync.Mutex
	sessions  map[string]*blockSession
}

var _ types.MultipartStorage = (*Storage)(nil)

// New validates the configuration and resolves credentials. No network
// access happens until the first operation.
func New(config Config) (*Storage, error) {
	if config.Container == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "azure backend requires a container")
	}

	account, key := config.AccountName, config.AccountKey
	if config.ConnectionString != "" {
		var err error
		account, key, err = parseConnectionString(config.ConnectionString)
		if err != nil {
			return nil, err
		}
	}
	if account == "" || key == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig,
			"azure backend requires a connection string or account name and key")
	}

	serviceURL := config.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}
	if config.SASExpiry <= 0 {
		config.SASExpiry = DefaultSASExpiry
	}
	retryCfg := retry.DefaultConfig()
	if config.Retry != nil {
		retryCfg = *config.Retry
	}

	return &Storage{
		config:     config,
		account:    account,
		accountKey: key,
		serviceURL: strings.TrimRight(serviceURL, "/"),
		resolver:   prefix.NewResolver(config.Prefix),
		retryer:    retry.New(retryCfg),
		sessions:   make(map[string]*blockSession),
		logger:     slog.Default().With("component", "storage", "backend", "azure", "container", config.Container),
	}, nil
}

func (s *Storage) ensureClient() (*azblob.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	cred, err := azblob.NewSharedKeyCredential(s.account, s.accountKey)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid azure credentials", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(s.serviceURL, cred, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "failed to create azure client", err)
	}
	s.client = client
	return s.client, nil
}

func (s *Storage) blockBlob(client *azblob.Client, key string) *blockblob.Client {
	return client.ServiceClient().
		NewContainerClient(s.config.Container).
		NewBlockBlobClient(s.resolver.Apply(key))
}

// Put uploads the full payload as a block blob. The payload is buffered
// so the request can be retried.
func (s *Storage) Put(ctx context.Context, key string, data io.Reader, opts *types.PutOptions) (types.StoredFile, error) {
	client, err := s.ensureClient()
	if err != nil {
		return types.StoredFile{}, err
	}

	content, err := io.ReadAll(data)
	if err != nil {
		return types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageRead, "failed to read upload content", err).
			WithKey(key).WithOperation("put")
	}

	var contentType string
	var metadata map[string]string
	if opts != nil {
		contentType = opts.ContentType
		metadata = opts.Metadata
	}
	contentType = storage.DetectContentType(key, contentType)

	uploadOpts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	}
	if len(metadata) > 0 {
		uploadOpts.Metadata = toAzureMetadata(metadata)
	}

	var resp azblob.UploadBufferResponse
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = client.UploadBuffer(ctx, s.config.Container, s.resolver.Apply(key), content, uploadOpts)
		return translateError(callErr, key, "put")
	})
	if err != nil {
		return types.StoredFile{}, err
	}

	file := types.StoredFile{
		Key:          key,
		Size:         int64(len(content)),
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}
	if resp.ETag != nil {
		file.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		file.LastModified = resp.LastModified.UTC()
	}
	return file, nil
}

// Get returns a streaming body for the blob.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	client, err := s.ensureClient()
	if err != nil {
		return nil, err
	}

	var resp azblob.DownloadStreamResponse
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = client.DownloadStream(ctx, s.config.Container, s.resolver.Apply(key), nil)
		return translateError(callErr, key, "get")
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetBytes reads the full blob content.
func (s *Storage) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return storage.GetBytes(ctx, s, key)
}

// Delete removes the blob. Unlike S3 and GCS, deleting a missing blob
// reports OBJECT_NOT_FOUND.
func (s *Storage) Delete(ctx context.Context, key string) error {
	client, err := s.ensureClient()
	if err != nil {
		return err
	}
	return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, callErr := client.DeleteBlob(ctx, s.config.Container, s.resolver.Apply(key), nil)
		return translateError(callErr, key, "delete")
	})
}

// Exists reports blob presence, degrading to false on ambiguous
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

// List pages through the container lazily and yields logical keys with
// the configured prefix stripped.
func (s *Storage) List(ctx context.Context, keyPrefix string, limit int) iter.Seq2[types.StoredFile, error] {
	return func(yield func(types.StoredFile, error) bool) {
		client, err := s.ensureClient()
		if err != nil {
			yield(types.StoredFile{}, err)
			return
		}

		physical := s.resolver.Apply(keyPrefix)
		pager := client.NewListBlobsFlatPager(s.config.Container, &azblob.ListBlobsFlatOptions{
			Prefix: &physical,
		})
		count := 0
		for pager.More() {
			var page azblob.ListBlobsFlatResponse
			err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
				var callErr error
				page, callErr = pager.NextPage(ctx)
				return translateError(callErr, keyPrefix, "list")
			})
			if err != nil {
				yield(types.StoredFile{}, err)
				return
			}
			for _, item := range page.Segment.BlobItems {
				if limit > 0 && count >= limit {
					return
				}
				if item == nil || item.Name == nil {
					continue
				}
				file := types.StoredFile{Key: s.resolver.Strip(*item.Name)}
				if props := item.Properties; props != nil {
					if props.ContentLength != nil {
						file.Size = *props.ContentLength
					}
					if props.ContentType != nil {
						file.ContentType = *props.ContentType
					}
					if props.ETag != nil {
						file.ETag = string(*props.ETag)
					}
					if props.LastModified != nil {
						file.LastModified = props.LastModified.UTC()
					}
				}
				count++
				if !yield(file, nil) {
					return
				}
			}
		}
	}
}

// URL returns a read-only SAS URL. expiresIn <= 0 selects the configured
// default expiry.
func (s *Storage) URL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = s.config.SASExpiry
	}
	return s.signedURL(key, expiresIn)
}

func (s *Storage) signedURL(key string, expiresIn time.Duration) (string, error) {
	cred, err := azblob.NewSharedKeyCredential(s.account, s.accountKey)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidConfig, "invalid azure credentials", err)
	}

	physical := s.resolver.Apply(key)
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     time.Now().Add(-5 * time.Minute).UTC(),
		ExpiryTime:    time.Now().Add(expiresIn).UTC(),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.config.Container,
		BlobName:      physical,
	}
	query, err := values.SignWithSharedKey(cred)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeOperationFailed, "failed to sign url", err).
			WithKey(key).WithOperation("url")
	}
	return fmt.Sprintf("%s/%s/%s?%s", s.serviceURL, s.config.Container, physical, query.Encode()), nil
}

// Copy checks the source first so a missing blob fails fast, then runs a
// server-side copy from a short-lived SAS URL and polls it to a terminal
// state.
func (s *Storage) Copy(ctx context.Context, source, destination string) (types.StoredFile, error) {
	client, err := s.ensureClient()
	if err != nil {
		return types.StoredFile{}, err
	}
	if _, err := s.Info(ctx, source); err != nil {
		return types.StoredFile{}, err
	}

	srcURL, err := s.signedURL(source, copySASExpiry)
	if err != nil {
		return types.StoredFile{}, err
	}

	dst := s.blockBlob(client, destination)
	var status *blob.CopyStatusType
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		resp, callErr := dst.StartCopyFromURL(ctx, srcURL, nil)
		if callErr != nil {
			return translateError(callErr, source, "copy")
		}
		status = resp.CopyStatus
		return nil
	})
	if err != nil {
		return types.StoredFile{}, err
	}

	// Most same-account copies complete synchronously; poll the rest.
	for i := 0; status != nil && *status == blob.CopyStatusTypePending; i++ {
		if i >= 60 {
			return types.StoredFile{}, errors.NewError(errors.ErrCodeOperationTimeout, "copy did not complete in time").
				WithKey(destination).WithOperation("copy")
		}
		select {
		case <-ctx.Done():
			return types.StoredFile{}, errors.Wrap(errors.ErrCodeOperationFailed, "copy cancelled", ctx.Err()).
				WithKey(destination).WithOperation("copy")
		case <-time.After(500 * time.Millisecond):
		}
		props, perr := dst.GetProperties(ctx, nil)
		if perr != nil {
			return types.StoredFile{}, translateError(perr, destination, "copy")
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return types.StoredFile{}, errors.NewError(errors.ErrCodeOperationFailed,
			fmt.Sprintf("copy finished with status %s", *status)).
			WithKey(destination).WithOperation("copy")
	}

	return s.Info(ctx, destination)
}

// Move copies server-side and deletes the source. Not atomic.
func (s *Storage) Move(ctx context.Context, source, destination string) (types.StoredFile, error) {
	return storage.Move(ctx, s, source, destination)
}

// Info fetches blob properties.
func (s *Storage) Info(ctx context.Context, key string) (types.StoredFile, error) {
	client, err := s.ensureClient()
	if err != nil {
		return types.StoredFile{}, err
	}

	blobClient := s.blockBlob(client, key)
	var props blob.GetPropertiesResponse
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var callErr error
		props, callErr = blobClient.GetProperties(ctx, nil)
		return translateError(callErr, key, "info")
	})
	if err != nil {
		return types.StoredFile{}, err
	}

	file := types.StoredFile{Key: key}
	if props.ContentLength != nil {
		file.Size = *props.ContentLength
	}
	if props.ContentType != nil {
		file.ContentType = *props.ContentType
	}
	if props.ETag != nil {
		file.ETag = string(*props.ETag)
	}
	if props.LastModified != nil {
		file.LastModified = props.LastModified.UTC()
	}
	if len(props.Metadata) > 0 {
		file.Metadata = fromAzureMetadata(props.Metadata)
	}
	return file, nil
}

// Close drops the lazily-created client. A later operation re-creates it.
func (s *Storage) Close() error {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	return nil
}

// StartMultipartUpload opens a block staging session. The upload ID is
// local; Azure tracks staged blocks by blob name.
func (s *Storage) StartMultipartUpload(ctx context.Context, key string, opts *types.MultipartOptions) (*types.MultipartUpload, error) {
	if _, err := s.ensureClient(); err != nil {
		return nil, err
	}

	session := &blockSession{}
	partSize := storage.DefaultPartSize
	if opts != nil {
		session.contentType = opts.ContentType
		session.metadata = opts.Metadata
		if opts.PartSize > 0 {
			partSize = opts.PartSize
		}
	}

	id, err := randomUploadID()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeOperationFailed, "failed to generate upload id", err).
			WithKey(key).WithOperation("start_multipart")
	}

	s.sessionMu.Lock()
	s.sessions[id] = session
	s.sessionMu.Unlock()

	return &types.MultipartUpload{UploadID: id, Key: key, PartSize: partSize}, nil
}

// UploadPart stages one block. The block ID is derived from the part
// number, so re-uploading a part restages the same block and the last
// write wins.
func (s *Storage) UploadPart(ctx context.Context, upload *types.MultipartUpload, partNumber int, data []byte) (string, error) {
	if partNumber < 1 {
		return "", errors.NewError(errors.ErrCodeValidationFailed, "part number must be >= 1").
			WithKey(upload.Key).WithOperation("upload_part")
	}
	s.sessionMu.Lock()
	_, ok := s.sessions[upload.UploadID]
	s.sessionMu.Unlock()
	if !ok {
		return "", errors.NewError(errors.ErrCodeInvalidState,
			"no active multipart upload with id "+upload.UploadID).
			WithKey(upload.Key).WithOperation("upload_part")
	}

	client, err := s.ensureClient()
	if err != nil {
		return "", err
	}

	blockID := blockIDForPart(partNumber)
	bb := s.blockBlob(client, upload.Key)
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, callErr := bb.StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(data)), nil)
		return translateError(callErr, upload.Key, "upload_part")
	})
	if err != nil {
		return "", err
	}

	upload.AddPart(partNumber, blockID)
	return blockID, nil
}

// CompleteMultipartUpload commits the staged blocks in part-number order.
func (s *Storage) CompleteMultipartUpload(ctx context.Context, upload *types.MultipartUpload) (types.StoredFile, error) {
	s.sessionMu.Lock()
	session, ok := s.sessions[upload.UploadID]
	if ok {
		delete(s.sessions, upload.UploadID)
	}
	s.sessionMu.Unlock()
	if !ok {
		return types.StoredFile{}, errors.NewError(errors.ErrCodeInvalidState,
			"no active multipart upload with id "+upload.UploadID).
			WithKey(upload.Key).WithOperation("complete_multipart")
	}

	client, err := s.ensureClient()
	if err != nil {
		return types.StoredFile{}, err
	}

	parts := upload.CompletedParts()
	blockIDs := make([]string, len(parts))
	for i, p := range parts {
		blockIDs[i] = p.Token
	}

	commitOpts := &blockblob.CommitBlockListOptions{}
	if session.contentType != "" {
		commitOpts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &session.contentType}
	}
	if len(session.metadata) > 0 {
		commitOpts.Metadata = toAzureMetadata(session.metadata)
	}

	bb := s.blockBlob(client, upload.Key)
	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, callErr := bb.CommitBlockList(ctx, blockIDs, commitOpts)
		return translateError(callErr, upload.Key, "complete_multipart")
	})
	if err != nil {
		return types.StoredFile{}, err
	}
	return s.Info(ctx, upload.Key)
}

// AbortMultipartUpload drops the local session. Uncommitted blocks are
// garbage collected by the service after their retention window.
func (s *Storage) AbortMultipartUpload(ctx context.Context, upload *types.MultipartUpload) error {
	s.sessionMu.Lock()
	delete(s.sessions, upload.UploadID)
	s.sessionMu.Unlock()
	return nil
}

// PutLarge uploads data in chunks through block staging.
func (s *Storage) PutLarge(ctx context.Context, key string, data io.Reader, opts *types.PutLargeOptions) (types.StoredFile, error) {
	return storage.PutLarge(ctx, s, key, data, opts)
}

// blockIDForPart encodes a part number as a fixed-width base64 block ID.
// Azure requires all block IDs of a blob to have equal encoded length.
func blockIDForPart(partNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%010d", partNumber)))
}

func randomUploadID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

func parseConnectionString(connStr string) (account, key string, err error) {
	for _, part := range strings.Split(connStr, ";") {
		name, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch name {
		case "AccountName":
			account = value
		case "AccountKey":
			// base64 keys can contain '='; Cut splits on the first only.
			key = value
		}
	}
	if account == "" || key == "" {
		return "", "", errors.NewError(errors.ErrCodeInvalidConfig,
			"connection string is missing AccountName or AccountKey")
	}
	return account, key, nil
}

func toAzureMetadata(m map[string]string) map[string]*string {
	out := make(map[string]*string, len(m))
	for k, v := range m {
		v := v
		out[k] = &v
	}
	return out
}

func fromAzureMetadata(m map[string]*string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

// translateError maps azblob failures onto the common taxonomy.
func translateError(err error, key, op string) error {
	if err == nil {
		return nil
	}

	if stderr.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrCodeOperationTimeout, "azure request timed out", err).
			WithKey(key).WithOperation(op)
	}

	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return errors.NotFound(key).WithOperation(op).WithCause(err)
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "container does not exist", err).
			WithKey(key).WithOperation(op)
	}
	if bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure, bloberror.InsufficientAccountPermissions) {
		return errors.Wrap(errors.ErrCodeAccessDenied, "access denied", err).
			WithKey(key).WithOperation(op)
	}
	if bloberror.HasCode(err, bloberror.ServerBusy, bloberror.InternalError, bloberror.OperationTimedOut) {
		return errors.Wrap(errors.ErrCodeConnectionFailed, "transient azure failure", err).
			WithKey(key).WithOperation(op)
	}

	var respErr *azcore.ResponseError
	if stderr.As(err, &respErr) {
		switch code := respErr.StatusCode; {
		case code == http.StatusNotFound:
			return errors.NotFound(key).WithOperation(op).WithCause(err)
		case code == http.StatusForbidden || code == http.StatusUnauthorized:
			return errors.Wrap(errors.ErrCodeAccessDenied, "access denied", err).
				WithKey(key).WithOperation(op)
		case code >= 500:
			return errors.Wrap(errors.ErrCodeConnectionFailed, "transient azure failure", err).
				WithKey(key).WithOperation(op)
		}
	}

	return errors.Wrap(errors.ErrCodeOperationFailed, "azure operation failed", err).
		WithKey(key).WithOperation(op)
}
