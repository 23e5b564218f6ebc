package storage

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/types"
)

// PartBuffer emulates multipart uploads for backends without a native
// part-staging primitive. Parts are held in memory keyed by upload ID and
// assembled into a single payload on completion, so the peak memory cost
// of a session is the full object size.
type PartBuffer struct {
	mu       sync.Mutex
	sessions map[string]*bufferedSession
}

type bufferedSession struct {
	key         string
	contentType string
	metadata    map[string]string
	parts       map[int][]byte
}

// NewPartBuffer creates an empty session store.
func NewPartBuffer() *PartBuffer {
	return &PartBuffer{sessions: make(map[string]*bufferedSession)}
}

// Start opens a buffered session and returns its synthesized upload ID.
func (b *PartBuffer) Start(key string, opts *types.MultipartOptions) (string, error) {
	id, err := randomID()
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeOperationFailed, "failed to generate upload id", err).
			WithKey(key).WithOperation("start_multipart")
	}

	session := &bufferedSession{
		key:   key,
		parts: make(map[int][]byte),
	}
	if opts != nil {
		session.contentType = opts.ContentType
		session.metadata = opts.Metadata
	}

	b.mu.Lock()
	b.sessions[id] = session
	b.mu.Unlock()
	return id, nil
}

// StagePart stores one part under the session. Re-staging a part number
// replaces the previous content. The returned token is the MD5 of the
// part data.
func (b *PartBuffer) StagePart(uploadID string, partNumber int, data []byte) (string, error) {
	if partNumber < 1 {
		return "", errors.NewError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("part number must be >= 1, got %d", partNumber)).
			WithOperation("upload_part")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	session, ok := b.sessions[uploadID]
	if !ok {
		return "", errors.NewError(errors.ErrCodeInvalidState,
			"no active multipart upload with id "+uploadID).
			WithOperation("upload_part")
	}

	part := make([]byte, len(data))
	copy(part, data)
	session.parts[partNumber] = part

	sum := md5.Sum(part)
	return hex.EncodeToString(sum[:]), nil
}

// Assemble concatenates the staged parts in part-number order, removes
// the session, and returns the payload with its stored attributes.
func (b *PartBuffer) Assemble(uploadID string) ([]byte, string, map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	session, ok := b.sessions[uploadID]
	if !ok {
		return nil, "", nil, errors.NewError(errors.ErrCodeInvalidState,
			"no active multipart upload with id "+uploadID).
			WithOperation("complete_multipart")
	}
	delete(b.sessions, uploadID)

	numbers := make([]int, 0, len(session.parts))
	for n := range session.parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	total := 0
	for _, n := range numbers {
		total += len(session.parts[n])
	}
	payload := make([]byte, 0, total)
	for _, n := range numbers {
		payload = append(payload, session.parts[n]...)
	}
	return payload, session.contentType, session.metadata, nil
}

// Discard drops the session and its buffered parts. Unknown IDs are
// ignored so abort stays safe to call after completion.
func (b *PartBuffer) Discard(uploadID string) {
	b.mu.Lock()
	delete(b.sessions, uploadID)
	b.mu.Unlock()
}

// DiscardAll drops every open session.
func (b *PartBuffer) DiscardAll() {
	b.mu.Lock()
	b.sessions = make(map[string]*bufferedSession)
	b.mu.Unlock()
}

// ActiveSessions reports the number of open buffered uploads.
func (b *PartBuffer) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func randomID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
