// Package storage holds behavior shared across backends: byte-slice and
// copy fallbacks for backends without a native operation, the chunked
// upload driver, and the buffered multipart emulation.
package storage

import (
	"bytes"
	"context"
	"io"
	"mime"
	"path"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/types"
)

// DefaultPartSize is the chunk size PutLarge uses when the caller does
// not specify one.
const DefaultPartSize int64 = 10 * 1024 * 1024

// DefaultContentType is used when no content type is given and none can
// be derived from the key's extension.
const DefaultContentType = "application/octet-stream"

// DetectContentType resolves the content type for an object: the explicit
// value wins, then the key's file extension, then the generic default.
func DetectContentType(key, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return DefaultContentType
}

// GetBytes reads the full content of an object into memory. Backends
// without a cheaper path delegate their GetBytes to this.
func GetBytes(ctx context.Context, s types.Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "failed to read object content", err).
			WithKey(key).WithOperation("get_bytes")
	}
	return data, nil
}

// Copy duplicates an object by reading it fully and writing it back under
// the destination key. Content type and user metadata are preserved. Used
// by backends with no server-side copy.
func Copy(ctx context.Context, s types.Storage, source, destination string) (types.StoredFile, error) {
	info, err := s.Info(ctx, source)
	if err != nil {
		return types.StoredFile{}, err
	}
	data, err := s.GetBytes(ctx, source)
	if err != nil {
		return types.StoredFile{}, err
	}
	return s.Put(ctx, destination, bytes.NewReader(data), &types.PutOptions{
		ContentType: info.ContentType,
		Metadata:    info.Metadata,
	})
}

// Move relocates an object as copy followed by delete. Not atomic: a
// failed delete leaves the object at both keys.
func Move(ctx context.Context, s types.Storage, source, destination string) (types.StoredFile, error) {
	file, err := s.Copy(ctx, source, destination)
	if err != nil {
		return types.StoredFile{}, err
	}
	if err := s.Delete(ctx, source); err != nil {
		return types.StoredFile{}, err
	}
	return file, nil
}

// PutLarge uploads data of unknown or large size through the multipart
// state machine. Content that fits in a single part is delegated to a
// plain Put. On any mid-upload failure the upload is aborted and the
// original error is returned.
func PutLarge(ctx context.Context, s types.MultipartStorage, key string, data io.Reader, opts *types.PutLargeOptions) (types.StoredFile, error) {
	var (
		partSize    = DefaultPartSize
		contentType string
		metadata    map[string]string
		progress    types.ProgressCallback
	)
	if opts != nil {
		if opts.PartSize > 0 {
			partSize = opts.PartSize
		}
		contentType = opts.ContentType
		metadata = opts.Metadata
		progress = opts.Progress
	}

	totalBytes := int64(0)
	if sized, ok := data.(interface{ Size() int64 }); ok {
		totalBytes = sized.Size()
	}

	buf := make([]byte, partSize)
	n, err := io.ReadFull(data, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// Fits in one part, multipart overhead is not worth it.
		file, perr := s.Put(ctx, key, bytes.NewReader(buf[:n]), &types.PutOptions{
			ContentType: contentType,
			Metadata:    metadata,
		})
		if perr != nil {
			return types.StoredFile{}, perr
		}
		report(progress, key, int64(n), totalBytes)
		return file, nil
	}
	if err != nil {
		return types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageRead, "failed to read upload content", err).
			WithKey(key).WithOperation("put_large")
	}

	upload, err := s.StartMultipartUpload(ctx, key, &types.MultipartOptions{
		ContentType: contentType,
		Metadata:    metadata,
		PartSize:    partSize,
	})
	if err != nil {
		return types.StoredFile{}, err
	}

	uploaded := int64(0)
	partNumber := 0
	chunk := buf[:n]
	for {
		partNumber++
		if _, perr := s.UploadPart(ctx, upload, partNumber, chunk); perr != nil {
			_ = s.AbortMultipartUpload(ctx, upload)
			return types.StoredFile{}, perr
		}
		uploaded += int64(len(chunk))
		report(progress, key, uploaded, totalBytes)

		n, err = io.ReadFull(data, buf)
		chunk = buf[:n]
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			partNumber++
			if _, perr := s.UploadPart(ctx, upload, partNumber, chunk); perr != nil {
				_ = s.AbortMultipartUpload(ctx, upload)
				return types.StoredFile{}, perr
			}
			uploaded += int64(len(chunk))
			report(progress, key, uploaded, totalBytes)
			break
		}
		if err != nil {
			_ = s.AbortMultipartUpload(ctx, upload)
			return types.StoredFile{}, errors.Wrap(errors.ErrCodeStorageRead, "failed to read upload content", err).
				WithKey(key).WithOperation("put_large")
		}
	}

	file, err := s.CompleteMultipartUpload(ctx, upload)
	if err != nil {
		_ = s.AbortMultipartUpload(ctx, upload)
		return types.StoredFile{}, err
	}
	return file, nil
}

func report(cb types.ProgressCallback, key string, current, total int64) {
	if cb == nil {
		return
	}
	cb(types.ProgressInfo{
		Operation:        types.OperationUpload,
		Key:              key,
		BytesTransferred: current,
		TotalBytes:       total,
	})
}
