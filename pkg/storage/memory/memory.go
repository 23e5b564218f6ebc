// Package memory provides an in-process storage backend. It is intended
// for tests and ephemeral caches; contents do not survive the process.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/storage"
	"github.com/stowage/stowage/pkg/types"
)

// Config configures the memory backend.
type Config struct {
	// MaxSize caps the total bytes held across all objects. Zero or
	// negative means unlimited. Writes that would exceed the cap fail with
	// QUOTA_EXCEEDED and leave the store unchanged.
	MaxSize int64 `yaml:"max_size" json:"max_size"`
}

type object struct {
	data []byte
	file types.StoredFile
}

// Storage is a thread-safe in-memory object store.
type Storage struct {
	mu      sync.RWMutex
	objects map[string]*object
	used    int64
	maxSize int64

	parts  *storage.PartBuffer
	logger *slog.Logger
}

var _ types.MultipartStorage = (*Storage)(nil)

// New creates an empty memory backend.
func New(config Config) *Storage {
	return &Storage{
		objects: make(map[string]*object),
		maxSize: config.MaxSize,
		parts:   storage.NewPartBuffer(),
		logger:  slog.Default().With("component", "storage", "backend", "memory"),
	}
}

// Put stores data at key, overwriting any existing object. With a size
// cap configured the write is all or nothing: on quota failure the
// previous object under key is untouched.
func (s *Storage) Put(ctx context.Context, key string, data io.Reader, opts *types.PutOptions) (types.StoredFile, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageRead, "failed to read upload content", err).
			WithKey(key).WithOperation("put")
	}

	var contentType string
	var metadata map[string]string
	if opts != nil {
		contentType = opts.ContentType
		metadata = copyMetadata(opts.Metadata)
	}

	file := types.StoredFile{
		Key:          key,
		Size:         int64(len(content)),
		ContentType:  storage.DetectContentType(key, contentType),
		ETag:         etag(content),
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store(key, content, file); err != nil {
		return types.StoredFile{}, err
	}
	return file, nil
}

// store inserts or replaces an object. Caller holds the write lock.
func (s *Storage) store(key string, content []byte, file types.StoredFile) error {
	var existing int64
	if prev, ok := s.objects[key]; ok {
		existing = int64(len(prev.data))
	}
	if s.maxSize > 0 && s.used-existing+int64(len(content)) > s.maxSize {
		return errors.NewError(errors.ErrCodeQuotaExceeded,
			fmt.Sprintf("storing %d bytes would exceed the %d byte limit", len(content), s.maxSize)).
			WithKey(key).WithOperation("put")
	}
	s.objects[key] = &object{data: content, file: file}
	s.used += int64(len(content)) - existing
	return nil
}

// Get returns the object content as a stream.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(key).WithOperation("get")
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// GetBytes returns a copy of the object content.
func (s *Storage) GetBytes(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(key).WithOperation("get_bytes")
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

// Delete removes the object. A missing key is an OBJECT_NOT_FOUND error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return errors.NotFound(key).WithOperation("delete")
	}
	s.used -= int64(len(obj.data))
	delete(s.objects, key)
	return nil
}

// Exists reports whether the key is present. It never fails.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	return ok, nil
}

// List yields objects whose key starts with prefix. The snapshot is taken
// when iteration begins, so writes during iteration are not reflected.
func (s *Storage) List(ctx context.Context, prefix string, limit int) iter.Seq2[types.StoredFile, error] {
	return func(yield func(types.StoredFile, error) bool) {
		s.mu.RLock()
		matched := make([]types.StoredFile, 0, len(s.objects))
		for key, obj := range s.objects {
			if strings.HasPrefix(key, prefix) {
				matched = append(matched, obj.file)
			}
		}
		s.mu.RUnlock()

		for i, file := range matched {
			if limit > 0 && i >= limit {
				return
			}
			if ctx.Err() != nil {
				yield(types.StoredFile{}, errors.Wrap(errors.ErrCodeOperationFailed, "list cancelled", ctx.Err()).
					WithOperation("list"))
				return
			}
			if !yield(file, nil) {
				return
			}
		}
	}
}

// URL returns a memory:// pseudo-URL. There is no expiry to honor, so
// expiresIn is ignored.
func (s *Storage) URL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", errors.NotFound(key).WithOperation("url")
	}
	return "memory://" + strings.TrimLeft(key, "/"), nil
}

// Copy duplicates source under destination. The destination counts
// against the size cap like any other write.
func (s *Storage) Copy(ctx context.Context, source, destination string) (types.StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.objects[source]
	if !ok {
		return types.StoredFile{}, errors.NotFound(source).WithOperation("copy")
	}

	content := make([]byte, len(src.data))
	copy(content, src.data)

	file := src.file
	file.Key = destination
	file.LastModified = time.Now().UTC()
	file.Metadata = copyMetadata(src.file.Metadata)

	if err := s.store(destination, content, file); err != nil {
		return types.StoredFile{}, err
	}
	return file, nil
}

// Move renames source to destination atomically. No quota check is
// needed when the destination is free; an overwritten destination frees
// its bytes first.
func (s *Storage) Move(ctx context.Context, source, destination string) (types.StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.objects[source]
	if !ok {
		return types.StoredFile{}, errors.NotFound(source).WithOperation("move")
	}
	if prev, ok := s.objects[destination]; ok {
		s.used -= int64(len(prev.data))
	}

	src.file.Key = destination
	src.file.LastModified = time.Now().UTC()
	s.objects[destination] = src
	delete(s.objects, source)
	return src.file, nil
}

// Info returns the stored metadata for key.
func (s *Storage) Info(ctx context.Context, key string) (types.StoredFile, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return types.StoredFile{}, errors.NotFound(key).WithOperation("info")
	}
	return obj.file, nil
}

// Close is a no-op; the store keeps its contents so a shared instance
// can be closed by one consumer without affecting others.
func (s *Storage) Close() error {
	return nil
}

// StartMultipartUpload opens a buffered upload session.
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

// CompleteMultipartUpload assembles the buffered parts into the final
// object. The assembled write observes the size cap.
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

// AbortMultipartUpload discards the buffered session.
func (s *Storage) AbortMultipartUpload(ctx context.Context, upload *types.MultipartUpload) error {
	s.parts.Discard(upload.UploadID)
	return nil
}

// PutLarge uploads data in chunks through the buffered session.
func (s *Storage) PutLarge(ctx context.Context, key string, data io.Reader, opts *types.PutLargeOptions) (types.StoredFile, error) {
	return storage.PutLarge(ctx, s, key, data, opts)
}

// Reset removes every object and open upload session.
func (s *Storage) Reset() {
	s.mu.Lock()
	s.objects = make(map[string]*object)
	s.used = 0
	s.mu.Unlock()
	s.parts.DiscardAll()
}

// TotalSize reports the bytes currently held across all objects.
func (s *Storage) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func etag(content []byte) string {
	sum := md5.Sum(content)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
