package gcs

import (
	"context"
	stderr "errors"
	"net/http"
	"testing"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/retry"
)

func TestNewValidation(t *testing.T) {
	t.Run("missing bucket", func(t *testing.T) {
		_, err := New(Config{})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeMissingConfig, errors.CodeOf(err))
	})

	t.Run("unreadable credentials file", func(t *testing.T) {
		_, err := New(Config{Bucket: "b", CredentialsFile: "/does/not/exist.json"})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
	})

	t.Run("defaults applied", func(t *testing.T) {
		store, err := New(Config{Bucket: "b"})
		require.NoError(t, err)
		assert.Equal(t, DefaultSignedURLExpiry, store.config.SignedURLExpiry)
		assert.Equal(t, 3, store.retryer.Config().MaxRetries)
		assert.Nil(t, store.client)
	})

	t.Run("explicit retry config kept", func(t *testing.T) {
		store, err := New(Config{
			Bucket: "b",
			Retry:  &retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, store.retryer.Config().MaxRetries)
	})
}

func TestPrefixApplied(t *testing.T) {
	store, err := New(Config{Bucket: "b", Prefix: "/assets/"})
	require.NoError(t, err)
	assert.Equal(t, "assets/img.png", store.resolver.Apply("img.png"))
	assert.Equal(t, "img.png", store.resolver.Strip("assets/img.png"))
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode errors.ErrorCode
	}{
		{"object not exist", gstorage.ErrObjectNotExist, errors.ErrCodeObjectNotFound},
		{"bucket not exist", gstorage.ErrBucketNotExist, errors.ErrCodeInvalidConfig},
		{"api 404", &googleapi.Error{Code: http.StatusNotFound}, errors.ErrCodeObjectNotFound},
		{"api 403", &googleapi.Error{Code: http.StatusForbidden}, errors.ErrCodeAccessDenied},
		{"api 401", &googleapi.Error{Code: http.StatusUnauthorized}, errors.ErrCodeAccessDenied},
		{"api 429", &googleapi.Error{Code: http.StatusTooManyRequests}, errors.ErrCodeConnectionFailed},
		{"api 503", &googleapi.Error{Code: http.StatusServiceUnavailable}, errors.ErrCodeConnectionFailed},
		{"deadline exceeded", context.DeadlineExceeded, errors.ErrCodeOperationTimeout},
		{"unclassified", stderr.New("boom"), errors.ErrCodeOperationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.err, "a.txt", "get")
			require.Error(t, got)
			assert.Equal(t, tt.wantCode, errors.CodeOf(got))
		})
	}

	assert.NoError(t, translateError(nil, "a.txt", "get"))
}

func TestTranslateErrorRetryability(t *testing.T) {
	assert.True(t, errors.IsRetryable(translateError(&googleapi.Error{Code: 500}, "k", "get")))
	assert.False(t, errors.IsRetryable(translateError(gstorage.ErrObjectNotExist, "k", "get")))
}

func TestMultipartSessionLifecycleIsLocal(t *testing.T) {
	ctx := context.Background()
	store, err := New(Config{Bucket: "b"})
	require.NoError(t, err)

	upload, err := store.StartMultipartUpload(ctx, "big.bin", nil)
	require.NoError(t, err)
	require.NotEmpty(t, upload.UploadID)

	_, err = store.UploadPart(ctx, upload, 1, []byte("chunk"))
	require.NoError(t, err)
	assert.Len(t, upload.Parts, 1)

	// Abort never touches the bucket, so it works without credentials.
	require.NoError(t, store.AbortMultipartUpload(ctx, upload))

	_, err = store.UploadPart(ctx, upload, 2, []byte("chunk"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}
