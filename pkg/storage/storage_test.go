package storage_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/storage"
	"github.com/stowage/stowage/pkg/storage/memory"
	"github.com/stowage/stowage/pkg/types"
)

func TestPutLargeSmallPayloadUsesPut(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})

	var events []types.ProgressInfo
	file, err := store.PutLarge(ctx, "small.txt", bytes.NewReader([]byte("tiny")), &types.PutLargeOptions{
		PartSize: 1024,
		Progress: func(info types.ProgressInfo) { events = append(events, info) },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), file.Size)

	data, err := store.GetBytes(ctx, "small.txt")
	require.NoError(t, err)
	assert.Equal(t, "tiny", string(data))

	require.Len(t, events, 1)
	assert.Equal(t, int64(4), events[0].BytesTransferred)
	assert.Equal(t, int64(4), events[0].TotalBytes)
}

func TestPutLargeSplitsIntoParts(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})

	payload := bytes.Repeat([]byte("x"), 6*1024)
	var events []types.ProgressInfo
	file, err := store.PutLarge(ctx, "big.bin", bytes.NewReader(payload), &types.PutLargeOptions{
		PartSize: 4 * 1024,
		Progress: func(info types.ProgressInfo) { events = append(events, info) },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), file.Size)

	data, err := store.GetBytes(ctx, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// 4KiB full part plus a 2KiB final part.
	require.Len(t, events, 2)
	assert.Equal(t, int64(4*1024), events[0].BytesTransferred)
	assert.Equal(t, int64(6*1024), events[1].BytesTransferred)
	assert.Equal(t, int64(6*1024), events[1].TotalBytes)
}

func TestPutLargeExactMultipleOfPartSize(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})

	payload := bytes.Repeat([]byte("y"), 8*1024)
	_, err := store.PutLarge(ctx, "even.bin", bytes.NewReader(payload), &types.PutLargeOptions{
		PartSize: 4 * 1024,
	})
	require.NoError(t, err)

	data, err := store.GetBytes(ctx, "even.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

// failingUploads wraps a working backend and fails part uploads from a
// given part number on.
type failingUploads struct {
	types.MultipartStorage
	failFrom int
	aborted  bool
}

func (f *failingUploads) UploadPart(ctx context.Context, upload *types.MultipartUpload, partNumber int, data []byte) (string, error) {
	if partNumber >= f.failFrom {
		return "", errors.NewError(errors.ErrCodeStorageWrite, "disk full").WithKey(upload.Key)
	}
	return f.MultipartStorage.UploadPart(ctx, upload, partNumber, data)
}

func (f *failingUploads) AbortMultipartUpload(ctx context.Context, upload *types.MultipartUpload) error {
	f.aborted = true
	return f.MultipartStorage.AbortMultipartUpload(ctx, upload)
}

func TestPutLargeAbortsOnPartFailure(t *testing.T) {
	ctx := context.Background()
	inner := memory.New(memory.Config{})
	store := &failingUploads{MultipartStorage: inner, failFrom: 2}

	payload := bytes.Repeat([]byte("z"), 10*1024)
	_, err := storage.PutLarge(ctx, store, "doomed.bin", bytes.NewReader(payload), &types.PutLargeOptions{
		PartSize: 4 * 1024,
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageWrite, errors.CodeOf(err))
	assert.True(t, store.aborted)

	exists, err := inner.Exists(ctx, "doomed.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCopyFallbackPreservesAttributes(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})

	_, err := store.Put(ctx, "src.txt", bytes.NewReader([]byte("payload")), &types.PutOptions{
		ContentType: "text/plain",
		Metadata:    map[string]string{"owner": "tests"},
	})
	require.NoError(t, err)

	file, err := storage.Copy(ctx, store, "src.txt", "dst.txt")
	require.NoError(t, err)
	assert.Equal(t, "dst.txt", file.Key)
	assert.Equal(t, "text/plain", file.ContentType)
	assert.Equal(t, "tests", file.Metadata["owner"])

	data, err := store.GetBytes(ctx, "dst.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestCopyFallbackMissingSource(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})

	_, err := storage.Copy(ctx, store, "missing.txt", "dst.txt")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestMoveFallback(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})

	_, err := store.Put(ctx, "src.txt", bytes.NewReader([]byte("payload")), nil)
	require.NoError(t, err)

	file, err := storage.Move(ctx, store, "src.txt", "dst.txt")
	require.NoError(t, err)
	assert.Equal(t, "dst.txt", file.Key)

	exists, err := store.Exists(ctx, "src.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := store.GetBytes(ctx, "dst.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestGetBytesFallback(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})

	_, err := store.Put(ctx, "a.txt", bytes.NewReader([]byte("content")), nil)
	require.NoError(t, err)

	data, err := storage.GetBytes(ctx, store, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	_, err = storage.GetBytes(ctx, store, "missing.txt")
	assert.True(t, errors.IsNotFound(err))
}
