// Package errors provides the structured error system shared by all
// storage backends, with error codes, categories, and cause chains.
package errors

import (
	stderr "errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a failure kind independent of the backend that
// produced it. Backend adapters translate native SDK errors into these
// codes at the boundary; nothing above the adapter inspects SDK types.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage errors
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeObjectExists   ErrorCode = "OBJECT_EXISTS"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	ErrCodeQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"

	// Operation errors
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationFailed  ErrorCode = "OPERATION_FAILED"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
)

// ErrorCategory is the general family an error code belongs to.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryOperation     ErrorCategory = "operation"
)

// StorageError is the single error type raised by every public operation.
type StorageError struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Key       string        `json:"key,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Retryable bool          `json:"retryable"`
	Cause     error         `json:"-"`
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches two StorageErrors by code.
func (e *StorageError) Is(target error) bool {
	if t, ok := target.(*StorageError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a StorageError with category and retryability derived
// from the code.
func NewError(code ErrorCode, message string) *StorageError {
	return &StorageError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a StorageError preserving cause in the error chain.
func Wrap(code ErrorCode, message string, cause error) *StorageError {
	return NewError(code, message).WithCause(cause)
}

// NotFound creates the canonical missing-object error for key.
func NotFound(key string) *StorageError {
	return NewError(ErrCodeObjectNotFound, "object not found").WithKey(key)
}

// WithKey records the logical key the operation targeted.
func (e *StorageError) WithKey(key string) *StorageError {
	e.Key = key
	return e
}

// WithOperation records the operation that failed.
func (e *StorageError) WithOperation(op string) *StorageError {
	e.Operation = op
	return e
}

// WithCause attaches the underlying error.
func (e *StorageError) WithCause(cause error) *StorageError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the code's default retryability.
func (e *StorageError) WithRetryable(retryable bool) *StorageError {
	e.Retryable = retryable
	return e
}

// GetCategory determines the category for an error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasSuffix(codeStr, "_CONFIG"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "OBJECT_") || strings.HasPrefix(codeStr, "STORAGE_") ||
		strings.HasPrefix(codeStr, "ACCESS_") || strings.HasPrefix(codeStr, "QUOTA_"):
		return CategoryStorage
	default:
		return CategoryOperation
	}
}

// IsRetryableByDefault reports whether a code represents a transient
// condition: connectivity and timeout kinds only, never application
// errors.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeOperationTimeout:
		return true
	default:
		return false
	}
}

// CodeOf extracts the code from err, or "" when err is not a StorageError.
func CodeOf(err error) ErrorCode {
	var se *StorageError
	if stderr.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotFound reports whether err represents a missing object.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeObjectNotFound
}

// IsRetryable reports whether err carries the retryable hint.
func IsRetryable(err error) bool {
	var se *StorageError
	if stderr.As(err, &se) {
		return se.Retryable
	}
	return false
}
