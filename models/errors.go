package models

import (
	"errors"
	"fmt"
)

// SyncErrorCode protocol error code
type SyncErrorCode string

const (
	// ErrCodeAuthenticationFailure bad nonce signature or unknown device
	ErrCodeAuthenticationFailure SyncErrorCode = "AUTHENTICATION_FAILURE"
	// ErrCodeTrustViolation record outside any mutually visible zone, or a write to a
	// protected device
	ErrCodeTrustViolation SyncErrorCode = "TRUST_VIOLATION"
	// ErrCodeSignatureInvalid record signature did not verify
	ErrCodeSignatureInvalid SyncErrorCode = "SIGNATURE_INVALID"
	// ErrCodeConflictAmbiguous two distinct signers claim the same record ID
	ErrCodeConflictAmbiguous SyncErrorCode = "CONFLICT_AMBIGUOUS"
	// ErrCodeTransportFailure timeout or connection drop
	ErrCodeTransportFailure SyncErrorCode = "TRANSPORT_FAILURE"
	// ErrCodeRegistrationConflict device already holds an active membership
	ErrCodeRegistrationConflict SyncErrorCode = "REGISTRATION_CONFLICT"
	// ErrCodeInvalidRequest malformed request
	ErrCodeInvalidRequest SyncErrorCode = "INVALID_REQUEST"
	// ErrCodeNotFound referenced entity does not exist
	ErrCodeNotFound SyncErrorCode = "NOT_FOUND"
)

// SyncError a protocol level error
type SyncError struct {
	// Code error code
	Code SyncErrorCode
	// Message human readable description
	Message string
	// Repairable whether the condition self-heals on retry
	Repairable bool
	// Cause underlying error
	Cause error
}

// Error implement error
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap return the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewSyncError define a new protocol error
func NewSyncError(code SyncErrorCode, format string, args ...interface{}) *SyncError {
	return &SyncError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapSyncError define a new protocol error with an underlying cause
func WrapSyncError(code SyncErrorCode, cause error, format string, args ...interface{}) *SyncError {
	return &SyncError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ErrorCode extract the protocol error code from an error chain
func ErrorCode(err error) (SyncErrorCode, bool) {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code, true
	}
	return "", false
}

// IsErrorCode whether an error chain carries a protocol error with the given code
func IsErrorCode(err error, code SyncErrorCode) bool {
	found, ok := ErrorCode(err)
	return ok && found == code
}
