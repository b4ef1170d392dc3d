package apperr

import (
	"errors"
	"fmt"
)

// Error kinds shared by the sync engine and its callers
var (
	// ErrAuthExpired is a provider rejection of the current access token
	ErrAuthExpired = errors.New("access token expired")

	// ErrAuthInvalid means the credentials could not be refreshed or were rejected after a refresh
	ErrAuthInvalid = errors.New("account credentials are invalid")

	// ErrRemoteCallFailed wraps any other provider failure that has an action description
	ErrRemoteCallFailed = errors.New("remote call failed")

	// ErrSyncFailed is the generic provider failure without an action description
	ErrSyncFailed = errors.New("something went wrong while syncing data from the provider")

	// ErrNotFound indicates a missing account, folder or message
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates an entity with the same natural key already exists
	ErrConflict = errors.New("resource already exists")

	// ErrUnknownProvider indicates an account whose provider has no registered reconciler
	ErrUnknownProvider = errors.New("mail sync service not found for provider")
)

// Error codes for API responses
const (
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeAuthInvalid     = "AUTH_INVALID"
	CodeRemoteFailed    = "REMOTE_CALL_FAILED"
	CodeUnknownProvider = "UNKNOWN_PROVIDER"
	CodeInternalError   = "INTERNAL_ERROR"
)

// RemoteError is a provider failure annotated with what the caller was doing
type RemoteError struct {
	Action     string
	StatusCode int
	Code       string
	Err        error
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("got error while %s from provider", e.Action)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is makes every RemoteError match ErrRemoteCallFailed
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteCallFailed
}

// NewRemoteError builds a RemoteError
func NewRemoteError(action string, status int, code string, err error) *RemoteError {
	return &RemoteError{Action: action, StatusCode: status, Code: code, Err: err}
}

// NotFound wraps ErrNotFound with the missing entity
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// Conflict wraps ErrConflict with the clashing key
func Conflict(entity, key string) error {
	return fmt.Errorf("%s already exists with %s: %w", entity, key, ErrConflict)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// GetErrorCode returns the API code for an error
func GetErrorCode(err error) string {
	switch {
	case IsNotFound(err):
		return CodeNotFound
	case IsConflict(err):
		return CodeConflict
	case errors.Is(err, ErrAuthInvalid), errors.Is(err, ErrAuthExpired):
		return CodeAuthInvalid
	case errors.Is(err, ErrRemoteCallFailed), errors.Is(err, ErrSyncFailed):
		return CodeRemoteFailed
	case errors.Is(err, ErrUnknownProvider):
		return CodeUnknownProvider
	default:
		return CodeInternalError
	}
}
