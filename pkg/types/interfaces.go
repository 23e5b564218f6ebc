package types

import (
	"context"
	"io"
	"iter"
	"time"
)

// Storage is the capability set every backend implements.
//
// Keys are logical, forward-slash separated paths; backends configured
// with a key prefix namespace them transparently. All blocking operations
// take a context and surface failures as pkg/errors StorageError values.
type Storage interface {
	// Put stores the full contents of data at key, overwriting silently if
	// the key exists. data is drained exactly once; it does not need to be
	// restartable.
	Put(ctx context.Context, key string, data io.Reader, opts *PutOptions) (StoredFile, error)

	// Get returns the object's contents as a stream. Chunk boundaries are
	// backend-defined and carry no semantic meaning. The caller owns the
	// returned reader and must close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetBytes returns the object's complete contents in memory.
	GetBytes(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Behavior for a missing key is
	// backend-defined: S3 and GCS succeed silently, Azure, filesystem, and
	// memory report OBJECT_NOT_FOUND. See each backend's documentation.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key is present. It never fails for a
	// missing key and degrades to false on ambiguous backend failures.
	Exists(ctx context.Context, key string) (bool, error)

	// List yields metadata for objects whose logical key starts with
	// prefix. The sequence is lazy, finite, and consumed at most once;
	// iteration order is backend-defined. limit <= 0 means unlimited,
	// otherwise iteration stops after limit items.
	List(ctx context.Context, prefix string, limit int) iter.Seq2[StoredFile, error]

	// URL returns an access URL for the object. Backends with private
	// storage return a time-limited signed URL; expiresIn <= 0 selects the
	// backend's configured default expiry. Backends without expiry
	// semantics accept and ignore expiresIn.
	URL(ctx context.Context, key string, expiresIn time.Duration) (string, error)

	// Copy duplicates source to destination, overwriting the destination
	// if present. Backends with a native server-side copy use it;
	// otherwise the fallback downloads and re-uploads.
	Copy(ctx context.Context, source, destination string) (StoredFile, error)

	// Move relocates source to destination. The default copy-then-delete
	// implementation is not atomic: if the delete fails after a successful
	// copy the source remains and both objects exist.
	Move(ctx context.Context, source, destination string) (StoredFile, error)

	// Info fetches metadata without downloading the object.
	Info(ctx context.Context, key string) (StoredFile, error)

	// Close releases backend resources. It is idempotent, and backends
	// with lazily-created clients reset them so a later operation
	// re-initializes rather than failing.
	Close() error
}

// MultipartStorage extends Storage with the chunked upload state machine.
//
// The session moves Started -> PartsUploading -> Completed or Aborted;
// neither terminal state can be left. Backends with native multipart
// primitives (S3, Azure block staging) delegate to the cloud API, while
// the rest synthesize an upload ID and buffer parts locally.
type MultipartStorage interface {
	Storage

	// StartMultipartUpload issues or synthesizes an upload session for key.
	StartMultipartUpload(ctx context.Context, key string, opts *MultipartOptions) (*MultipartUpload, error)

	// UploadPart transmits one part and returns its backend token. The
	// (partNumber, token) pair is appended to upload.Parts as a side
	// effect. Parts for distinct numbers may be uploaded concurrently when
	// the backend's native primitive allows it.
	UploadPart(ctx context.Context, upload *MultipartUpload, partNumber int, data []byte) (string, error)

	// CompleteMultipartUpload finalizes the object from the registered
	// parts, sorted by part number with last-registered duplicates
	// winning, and invalidates the session.
	CompleteMultipartUpload(ctx context.Context, upload *MultipartUpload) (StoredFile, error)

	// AbortMultipartUpload discards the session and any partial backend
	// state. It is safe to call with zero parts uploaded and never fails
	// merely because there is nothing to clean up.
	AbortMultipartUpload(ctx context.Context, upload *MultipartUpload) error

	// PutLarge uploads data in PartSize chunks through the multipart
	// machinery, falling back to Put when the payload fits in a single
	// part. On failure the session is aborted and the original error is
	// returned unwrapped.
	PutLarge(ctx context.Context, key string, data io.Reader, opts *PutLargeOptions) (StoredFile, error)
}
