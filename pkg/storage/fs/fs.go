// Package fs provides a local filesystem storage backend rooted at a
// configured directory. Keys map to relative paths under the root; path
// traversal segments in keys are dropped so no key can escape the root.
package fs

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/storage"
	"github.com/stowage/stowage/pkg/types"
)

// Config configures the filesystem backend.
type Config struct {
	// Path is the root directory all objects live under. Required.
	Path string `yaml:"path" json:"path"`

	// BaseURL, when set, is joined with object keys by URL. Without it
	// URL returns file:// URLs.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// CreateDirs makes New create the root directory if missing.
	CreateDirs bool `yaml:"create_dirs" json:"create_dirs"`

	// Permissions is the file mode for stored objects. Zero means 0644.
	// Directories are created with the execute bits added.
	Permissions os.FileMode `yaml:"permissions" json:"permissions"`
}

// Storage stores objects as regular files under a root directory.
type Storage struct {
	root    string
	baseURL string
	perms   os.FileMode

	parts  *storage.PartBuffer
	logger *slog.Logger
}

var _ types.MultipartStorage = (*Storage)(nil)

// New validates the root directory and returns the backend.
func New(config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "filesystem backend requires a root path")
	}

	root, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid root path", err)
	}

	info, err := os.Stat(root)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "root path is not a directory: "+root)
		}
	case os.IsNotExist(err) && config.CreateDirs:
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to create root directory", err)
		}
	default:
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "root path is not usable: "+root, err)
	}

	perms := config.Permissions
	if perms == 0 {
		perms = 0o644
	}

	return &Storage{
		root:    root,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		perms:   perms,
		parts:   storage.NewPartBuffer(),
		logger:  slog.Default().With("component", "storage", "backend", "fs"),
	}, nil
}

// sanitizeKey maps a logical key to a relative path that cannot escape
// the root. Backslashes are treated as separators, "." segments are
// dropped, and ".." pops the previous segment instead of ascending.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	segments := make([]string, 0, 8)
	for _, seg := range strings.Split(key, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segments) > 0 {
				segments = segments[:len(segments)-1]
			}
		default:
			segments = append(segments, seg)
		}
	}
	return strings.Join(segments, "/")
}

// fullPath resolves key to an absolute path under the root. An empty
// sanitized key is invalid.
func (s *Storage) fullPath(key string) (string, string, *errors.StorageError) {
	clean := sanitizeKey(key)
	if clean == "" {
		return "", "", errors.NewError(errors.ErrCodeValidationFailed, "key resolves to the storage root").
			WithKey(key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), clean, nil
}

// Put streams data into a file under the root, creating parent
// directories as needed.
func (s *Storage) Put(ctx context.Context, key string, data io.Reader, opts *types.PutOptions) (types.StoredFile, error) {
	full, clean, serr := s.fullPath(key)
	if serr != nil {
		return types.StoredFile{}, serr.WithOperation("put")
	}

	if err := os.MkdirAll(filepath.Dir(full), dirMode(s.perms)); err != nil {
		return types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageWrite, "failed to create parent directory", err).
			WithKey(key).WithOperation("put")
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.perms)
	if err != nil {
		return types.StoredFile{}, translateError(err, key, "put")
	}

	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(full)
		return types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageWrite, "failed to write object content", err).
			WithKey(key).WithOperation("put")
	}

	var contentType string
	if opts != nil {
		contentType = opts.ContentType
	}
	return types.StoredFile{
		Key:          clean,
		Size:         size,
		ContentType:  storage.DetectContentType(clean, contentType),
		ETag:         `"` + hex.EncodeToString(hasher.Sum(nil)) + `"`,
		LastModified: time.Now().UTC(),
	}, nil
}

// Get opens the object file for streaming.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, _, serr := s.fullPath(key)
	if serr != nil {
		return nil, serr.WithOperation("get")
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, translateError(err, key, "get")
	}
	return f, nil
}

// GetBytes reads the full object content.
func (s *Storage) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return storage.GetBytes(ctx, s, key)
}

// Delete removes the object file. A missing key is an OBJECT_NOT_FOUND
// error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	full, _, serr := s.fullPath(key)
	if serr != nil {
		return serr.WithOperation("delete")
	}
	if err := os.Remove(full); err != nil {
		return translateError(err, key, "delete")
	}
	return nil
}

// Exists reports whether the object file is present.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	full, _, serr := s.fullPath(key)
	if serr != nil {
		return false, nil
	}
	info, err := os.Stat(full)
	if err != nil {
		return false, nil
	}
	return info.Mode().IsRegular(), nil
}

// List walks the tree under the root and yields files whose key starts
// with prefix. Directories are skipped when they cannot contain matches.
func (s *Storage) List(ctx context.Context, prefix string, limit int) iter.Seq2[types.StoredFile, error] {
	return func(yield func(types.StoredFile, error) bool) {
		count := 0
		walkErr := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			if limit > 0 && count >= limit {
				return fs.SkipAll
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			count++
			if !yield(types.StoredFile{
				Key:          key,
				Size:         info.Size(),
				ContentType:  storage.DetectContentType(key, ""),
				LastModified: info.ModTime().UTC(),
			}, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if walkErr != nil {
			yield(types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageRead, "failed to list objects", walkErr).
				WithOperation("list"))
		}
	}
}

// URL returns BaseURL joined with the key, or a file:// URL when no base
// is configured. Filesystem URLs never expire, so expiresIn is ignored.
func (s *Storage) URL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	full, clean, serr := s.fullPath(key)
	if serr != nil {
		return "", serr.WithOperation("url")
	}
	if s.baseURL != "" {
		return s.baseURL + "/" + clean, nil
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}
	return u.String(), nil
}

// Copy duplicates the object via a streaming file copy.
func (s *Storage) Copy(ctx context.Context, source, destination string) (types.StoredFile, error) {
	src, err := s.Get(ctx, source)
	if err != nil {
		return types.StoredFile{}, err
	}
	defer src.Close()
	return s.Put(ctx, destination, src, nil)
}

// Move relocates the object with an atomic rename.
func (s *Storage) Move(ctx context.Context, source, destination string) (types.StoredFile, error) {
	srcPath, _, serr := s.fullPath(source)
	if serr != nil {
		return types.StoredFile{}, serr.WithOperation("move")
	}
	dstPath, _, serr := s.fullPath(destination)
	if serr != nil {
		return types.StoredFile{}, serr.WithOperation("move")
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), dirMode(s.perms)); err != nil {
		return types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageWrite, "failed to create parent directory", err).
			WithKey(destination).WithOperation("move")
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return types.StoredFile{}, translateError(err, source, "move")
	}
	return s.Info(ctx, destination)
}

// Info stats the object file.
func (s *Storage) Info(ctx context.Context, key string) (types.StoredFile, error) {
	full, clean, serr := s.fullPath(key)
	if serr != nil {
		return types.StoredFile{}, serr.WithOperation("info")
	}
	info, err := os.Stat(full)
	if err != nil {
		return types.StoredFile{}, translateError(err, key, "info")
	}
	if info.IsDir() {
		return types.StoredFile{}, errors.NotFound(key).WithOperation("info")
	}
	return types.StoredFile{
		Key:          clean,
		Size:         info.Size(),
		ContentType:  storage.DetectContentType(clean, ""),
		LastModified: info.ModTime().UTC(),
	}, nil
}

// Close is a no-op; the backend holds no handles between operations.
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

// CompleteMultipartUpload assembles the buffered parts and writes the
// final file in one Put.
func (s *Storage) CompleteMultipartUpload(ctx context.Context, upload *types.MultipartUpload) (types.StoredFile, error) {
	payload, contentType, _, err := s.parts.Assemble(upload.UploadID)
	if err != nil {
		return types.StoredFile{}, err
	}
	return s.Put(ctx, upload.Key, bytes.NewReader(payload), &types.PutOptions{ContentType: contentType})
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

// Root returns the absolute root directory.
func (s *Storage) Root() string {
	return s.root
}

func dirMode(fileMode os.FileMode) os.FileMode {
	mode := fileMode | 0o100
	if fileMode&0o040 != 0 {
		mode |= 0o010
	}
	if fileMode&0o004 != 0 {
		mode |= 0o001
	}
	return mode
}

// translateError maps OS errors onto the common taxonomy.
func translateError(err error, key, op string) *errors.StorageError {
	switch {
	case os.IsNotExist(err):
		return errors.NotFound(key).WithOperation(op).WithCause(err)
	case os.IsPermission(err):
		return errors.Wrap(errors.ErrCodeAccessDenied, "permission denied", err).
			WithKey(key).WithOperation(op)
	default:
		code := errors.ErrCodeStorageRead
		if op == "put" || op == "delete" || op == "move" {
			code = errors.ErrCodeStorageWrite
		}
		return errors.Wrap(code, "filesystem operation failed", err).
			WithKey(key).WithOperation(op)
	}
}
