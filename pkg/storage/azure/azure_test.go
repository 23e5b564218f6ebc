package azure

import (
	"context"
	"encoding/base64"
	stderr "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/retry"
)

// testKey is a syntactically valid base64 account key for offline tests.
const testKey = "dGhpcyBpcyBub3QgYSByZWFsIGFjY291bnQga2V5IGF0IGFsbA=="

func TestNewValidation(t *testing.T) {
	t.Run("missing container", func(t *testing.T) {
		_, err := New(Config{})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeMissingConfig, errors.CodeOf(err))
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := New(Config{Container: "c"})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeMissingConfig, errors.CodeOf(err))
	})

	t.Run("account name and key", func(t *testing.T) {
		store, err := New(Config{Container: "c", AccountName: "acct", AccountKey: testKey})
		require.NoError(t, err)
		assert.Equal(t, "acct", store.account)
		assert.Equal(t, "https://acct.blob.core.windows.net", store.serviceURL)
		assert.Equal(t, DefaultSASExpiry, store.config.SASExpiry)
	})

	t.Run("service url override", func(t *testing.T) {
		store, err := New(Config{
			Container:   "c",
			AccountName: "acct",
			AccountKey:  testKey,
			ServiceURL:  "http://127.0.0.1:10000/acct/",
		})
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:10000/acct", store.serviceURL)
	})

	t.Run("explicit retry config kept", func(t *testing.T) {
		store, err := New(Config{
			Container:   "c",
			AccountName: "acct",
			AccountKey:  testKey,
			Retry:       &retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, store.retryer.Config().MaxRetries)
	})
}

func TestParseConnectionString(t *testing.T) {
	t.Run("full string", func(t *testing.T) {
		account, key, err := parseConnectionString(
			"DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=" + testKey + ";EndpointSuffix=core.windows.net")
		require.NoError(t, err)
		assert.Equal(t, "acct", account)
		assert.Equal(t, testKey, key)
	})

	t.Run("key with padding survives", func(t *testing.T) {
		_, key, err := parseConnectionString("AccountName=a;AccountKey=YWJjZA==")
		require.NoError(t, err)
		assert.Equal(t, "YWJjZA==", key)
	})

	t.Run("missing account name", func(t *testing.T) {
		_, _, err := parseConnectionString("AccountKey=" + testKey)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
	})

	t.Run("missing key", func(t *testing.T) {
		_, _, err := parseConnectionString("AccountName=acct")
		require.Error(t, err)
	})
}

func TestConnectionStringTakesPrecedence(t *testing.T) {
	store, err := New(Config{
		Container:        "c",
		ConnectionString: "AccountName=fromconn;AccountKey=" + testKey,
		AccountName:      "ignored",
		AccountKey:       "aWdub3JlZA==",
	})
	require.NoError(t, err)
	assert.Equal(t, "fromconn", store.account)
}

func TestBlockIDForPart(t *testing.T) {
	id1 := blockIDForPart(1)
	id42 := blockIDForPart(42)

	decoded, err := base64.StdEncoding.DecodeString(id1)
	require.NoError(t, err)
	assert.Equal(t, "0000000001", string(decoded))

	// Equal encoded length for all parts, and deterministic per number.
	assert.Equal(t, len(id1), len(id42))
	assert.Equal(t, id1, blockIDForPart(1))
	assert.NotEqual(t, id1, id42)
}

func TestMetadataConversion(t *testing.T) {
	in := map[string]string{"a": "1", "b": "2"}
	azMeta := toAzureMetadata(in)
	require.Len(t, azMeta, 2)
	assert.Equal(t, "1", *azMeta["a"])

	out := fromAzureMetadata(azMeta)
	assert.Equal(t, in, out)

	nilValue := map[string]*string{"a": nil}
	assert.Empty(t, fromAzureMetadata(nilValue))
}

func TestSignedURLShape(t *testing.T) {
	store, err := New(Config{Container: "uploads", AccountName: "acct", AccountKey: testKey})
	require.NoError(t, err)

	u, err := store.URL(context.Background(), "img/cat.png", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, u, "https://acct.blob.core.windows.net/uploads/img/cat.png?")
	assert.Contains(t, u, "sig=")
	assert.Contains(t, u, "se=")
}

func TestMultipartSessionValidation(t *testing.T) {
	ctx := context.Background()
	store, err := New(Config{Container: "c", AccountName: "acct", AccountKey: testKey})
	require.NoError(t, err)

	upload, err := store.StartMultipartUpload(ctx, "big.bin", nil)
	require.NoError(t, err)
	require.NotEmpty(t, upload.UploadID)

	// Abort drops the local session; later parts are rejected.
	require.NoError(t, store.AbortMultipartUpload(ctx, upload))
	_, err = store.UploadPart(ctx, upload, 1, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	_, err = store.CompleteMultipartUpload(ctx, upload)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestUploadPartRejectsBadNumbers(t *testing.T) {
	ctx := context.Background()
	store, err := New(Config{Container: "c", AccountName: "acct", AccountKey: testKey})
	require.NoError(t, err)

	upload, err := store.StartMultipartUpload(ctx, "big.bin", nil)
	require.NoError(t, err)

	_, err = store.UploadPart(ctx, upload, 0, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))
}

func TestTranslateErrorFallback(t *testing.T) {
	assert.NoError(t, translateError(nil, "k", "get"))

	got := translateError(stderr.New("boom"), "k", "get")
	assert.Equal(t, errors.ErrCodeOperationFailed, errors.CodeOf(got))

	got = translateError(context.DeadlineExceeded, "k", "get")
	assert.Equal(t, errors.ErrCodeOperationTimeout, errors.CodeOf(got))
	assert.True(t, errors.IsRetryable(got))
}
