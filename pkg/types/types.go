// Package types defines the data model and backend contracts shared by
// every storage implementation.
package types

import (
	"sort"
	"sync"
	"time"
)

// StoredFile describes a stored object. It is a value type created by
// every write, list, and info operation; operations that "update" a file
// produce a new StoredFile rather than mutating an existing one.
type StoredFile struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// UploadResult pairs an uploaded file's metadata with an optional access URL.
type UploadResult struct {
	File StoredFile `json:"file"`
	URL  string     `json:"url,omitempty"`
}

// Part records one acknowledged part of a multipart upload. Token is the
// backend-issued receipt for the part: an ETag for S3, a block ID for
// Azure, a content hash for buffered backends.
type Part struct {
	Number int    `json:"part_number"`
	Token  string `json:"token"`
}

// MultipartUpload tracks an in-progress multipart upload session. It is
// created by the backend and threaded through part uploads and
// completion/abort; the backend holds only server-side partial state
// keyed by UploadID.
//
// Parts is kept in arrival order. Part numbers are caller-supplied and
// 1-indexed; duplicates and gaps are accepted here and only resolved at
// completion time via CompletedParts. AddPart and CompletedParts are safe
// for concurrent use, so distinct parts may be uploaded in parallel.
type MultipartUpload struct {
	UploadID   string `json:"upload_id"`
	Key        string `json:"key"`
	PartSize   int64  `json:"part_size"`
	TotalParts int    `json:"total_parts,omitempty"`
	Parts      []Part `json:"parts"`

	mu sync.Mutex
}

// AddPart appends a part acknowledgment in arrival order.
func (u *MultipartUpload) AddPart(number int, token string) {
	u.mu.Lock()
	u.Parts = append(u.Parts, Part{Number: number, Token: token})
	u.mu.Unlock()
}

// CompletedParts returns the parts sorted by part number, with duplicate
// part numbers collapsed to the last-registered token. This is the single
// resolution policy used by every backend's completion step, so retried
// part uploads finalize deterministically.
func (u *MultipartUpload) CompletedParts() []Part {
	u.mu.Lock()
	latest := make(map[int]string, len(u.Parts))
	for _, p := range u.Parts {
		latest[p.Number] = p.Token
	}
	u.mu.Unlock()

	parts := make([]Part, 0, len(latest))
	for number, token := range latest {
		parts = append(parts, Part{Number: number, Token: token})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts
}

// Transfer directions reported through ProgressInfo.
const (
	OperationUpload   = "upload"
	OperationDownload = "download"
)

// ProgressInfo is a point-in-time snapshot passed by value to a progress
// callback. It is not retained by the library.
type ProgressInfo struct {
	BytesTransferred int64  `json:"bytes_transferred"`
	TotalBytes       int64  `json:"total_bytes,omitempty"`
	Operation        string `json:"operation"`
	Key              string `json:"key"`
}

// Percentage reports completion as a value in [0, 100]. The second return
// is false when the total is unknown or zero.
func (p ProgressInfo) Percentage() (float64, bool) {
	if p.TotalBytes <= 0 {
		return 0, false
	}
	return float64(p.BytesTransferred) / float64(p.TotalBytes) * 100, true
}

// ProgressCallback receives transfer progress updates.
type ProgressCallback func(ProgressInfo)

// PutOptions carries optional attributes for a Put operation.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// MultipartOptions carries optional attributes for starting a multipart
// upload. PartSize is advisory; backends may raise it to their native
// minimum.
type MultipartOptions struct {
	ContentType string
	Metadata    map[string]string
	PartSize    int64
}

// PutLargeOptions configures the chunked convenience upload path.
type PutLargeOptions struct {
	ContentType string
	Metadata    map[string]string
	PartSize    int64
	Progress    ProgressCallback
}
