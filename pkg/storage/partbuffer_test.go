package storage

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/types"
)

func TestPartBufferLifecycle(t *testing.T) {
	buf := NewPartBuffer()
	id, err := buf.Start("big.bin", &types.MultipartOptions{ContentType: "application/zip"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, buf.ActiveSessions())

	tok1, err := buf.StagePart(id, 1, []byte("hello "))
	require.NoError(t, err)
	sum := md5.Sum([]byte("hello "))
	assert.Equal(t, hex.EncodeToString(sum[:]), tok1)

	_, err = buf.StagePart(id, 2, []byte("world"))
	require.NoError(t, err)

	payload, contentType, _, err := buf.Assemble(id)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(payload))
	assert.Equal(t, "application/zip", contentType)
	assert.Equal(t, 0, buf.ActiveSessions())
}

func TestPartBufferAssemblyOrder(t *testing.T) {
	buf := NewPartBuffer()
	id, err := buf.Start("big.bin", nil)
	require.NoError(t, err)

	_, err = buf.StagePart(id, 3, []byte("c"))
	require.NoError(t, err)
	_, err = buf.StagePart(id, 1, []byte("a"))
	require.NoError(t, err)
	_, err = buf.StagePart(id, 2, []byte("b"))
	require.NoError(t, err)

	payload, _, _, err := buf.Assemble(id)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(payload))
}

func TestPartBufferRestagedPartWins(t *testing.T) {
	buf := NewPartBuffer()
	id, err := buf.Start("big.bin", nil)
	require.NoError(t, err)

	_, err = buf.StagePart(id, 1, []byte("old"))
	require.NoError(t, err)
	_, err = buf.StagePart(id, 1, []byte("new"))
	require.NoError(t, err)

	payload, _, _, err := buf.Assemble(id)
	require.NoError(t, err)
	assert.Equal(t, "new", string(payload))
}

func TestPartBufferInvalidPartNumber(t *testing.T) {
	buf := NewPartBuffer()
	id, err := buf.Start("big.bin", nil)
	require.NoError(t, err)

	_, err = buf.StagePart(id, 0, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))

	_, err = buf.StagePart(id, -1, []byte("x"))
	require.Error(t, err)
}

func TestPartBufferUnknownSession(t *testing.T) {
	buf := NewPartBuffer()

	_, err := buf.StagePart("nope", 1, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	_, _, _, err = buf.Assemble("nope")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestPartBufferDiscard(t *testing.T) {
	buf := NewPartBuffer()
	id, err := buf.Start("big.bin", nil)
	require.NoError(t, err)
	_, err = buf.StagePart(id, 1, []byte("x"))
	require.NoError(t, err)

	buf.Discard(id)
	assert.Equal(t, 0, buf.ActiveSessions())

	// Discard is safe for ids that no longer exist.
	buf.Discard(id)
	buf.Discard("never-existed")
}

func TestPartBufferCopiesStagedData(t *testing.T) {
	buf := NewPartBuffer()
	id, err := buf.Start("big.bin", nil)
	require.NoError(t, err)

	data := []byte("abc")
	_, err = buf.StagePart(id, 1, data)
	require.NoError(t, err)
	data[0] = 'z'

	payload, _, _, err := buf.Assemble(id)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(payload))
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "text/plain", DetectContentType("a.bin", "text/plain"))
	assert.Contains(t, DetectContentType("doc.json", ""), "application/json")
	assert.Equal(t, DefaultContentType, DetectContentType("no-extension", ""))
}
