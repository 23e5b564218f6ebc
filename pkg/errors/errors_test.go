package errors

import (
	stderr "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorDerivesCategoryAndRetryability(t *testing.T) {
	tests := []struct {
		code          ErrorCode
		wantCategory  ErrorCategory
		wantRetryable bool
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration, false},
		{ErrCodeMissingConfig, CategoryConfiguration, false},
		{ErrCodeConnectionFailed, CategoryConnection, true},
		{ErrCodeConnectionTimeout, CategoryConnection, true},
		{ErrCodeNetworkError, CategoryConnection, true},
		{ErrCodeObjectNotFound, CategoryStorage, false},
		{ErrCodeObjectExists, CategoryStorage, false},
		{ErrCodeAccessDenied, CategoryStorage, false},
		{ErrCodeQuotaExceeded, CategoryStorage, false},
		{ErrCodeOperationTimeout, CategoryOperation, true},
		{ErrCodeOperationFailed, CategoryOperation, false},
		{ErrCodeValidationFailed, CategoryOperation, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewError(tt.code, "boom")
			assert.Equal(t, tt.wantCategory, err.Category)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestNotFoundCarriesKey(t *testing.T) {
	err := NotFound("images/cat.png").WithOperation("get")
	assert.Equal(t, ErrCodeObjectNotFound, err.Code)
	assert.Equal(t, "images/cat.png", err.Key)
	assert.Equal(t, "get", err.Operation)
	assert.Contains(t, err.Error(), "images/cat.png")
	assert.True(t, IsNotFound(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderr.New("socket closed")
	err := Wrap(ErrCodeConnectionFailed, "request failed", cause)
	assert.True(t, stderr.Is(err, cause))
	assert.True(t, err.Retryable)
}

func TestIsMatchesByCode(t *testing.T) {
	a := NewError(ErrCodeObjectNotFound, "gone").WithKey("a.txt")
	b := NewError(ErrCodeObjectNotFound, "different message")
	assert.True(t, stderr.Is(a, b))

	c := NewError(ErrCodeAccessDenied, "nope")
	assert.False(t, stderr.Is(a, c))
}

func TestIsNotFoundUsesOutermostCode(t *testing.T) {
	inner := NotFound("a.txt")
	outer := Wrap(ErrCodeOperationFailed, "outer", inner)
	assert.False(t, IsNotFound(outer))
	assert.True(t, IsNotFound(inner))
	assert.False(t, IsNotFound(stderr.New("plain")))
	assert.False(t, IsNotFound(nil))
}

func TestWithRetryableOverride(t *testing.T) {
	err := NewError(ErrCodeOperationFailed, "flaky").WithRetryable(true)
	assert.True(t, IsRetryable(err))

	err = NewError(ErrCodeConnectionFailed, "down").WithRetryable(false)
	assert.False(t, IsRetryable(err))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrCodeQuotaExceeded, CodeOf(NewError(ErrCodeQuotaExceeded, "full")))
	require.Equal(t, ErrorCode(""), CodeOf(stderr.New("plain")))
	require.Equal(t, ErrorCode(""), CodeOf(nil))
}
