package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a semantic classification shared across transport layers.
type ErrorCode string

const (
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalid      ErrorCode = "INVALID"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal     ErrorCode = "INTERNAL"

	ErrCodeSchemaViolation        ErrorCode = "SCHEMA_VIOLATION"
	ErrCodeReferenceError         ErrorCode = "REFERENCE_ERROR"
	ErrCodeBusinessRule           ErrorCode = "BUSINESS_RULE_VIOLATION"
	ErrCodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"
	ErrCodeNotReversible          ErrorCode = "NOT_REVERSIBLE"
	ErrCodeStorageUnavailable     ErrorCode = "STORAGE_UNAVAILABLE"
)

// Recoverable reports whether the code is returned as a structured result rather than
// halting the submission.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case ErrCodeSchemaViolation, ErrCodeReferenceError, ErrCodeBusinessRule, ErrCodeConcurrentModification:
		return true
	}
	return false
}

// Error represents a domain-level error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a domain error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an existing error with a domain classification.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain errors.
var (
	ErrEntityNotFound     = NewError(ErrCodeNotFound, "entity not found")
	ErrEventNotFound      = NewError(ErrCodeNotFound, "event not found")
	ErrUnknownActionKind  = NewError(ErrCodeNotFound, "unknown action kind")
	ErrUnauthorized       = NewError(ErrCodeUnauthorized, "unauthorized")
	ErrInvalidPayload     = NewError(ErrCodeInvalid, "invalid payload")
	ErrVersionConflict    = NewError(ErrCodeConflict, "entity version changed")
	ErrDuplicateCausality = NewError(ErrCodeConflict, "turn already produced an outcome for this action kind")
	ErrAlreadyCompensated = NewError(ErrCodeConflict, "event already compensated")
	ErrNotReversible      = NewError(ErrCodeNotReversible, "event kind has no inverse")
	ErrStorageUnavailable = NewError(ErrCodeStorageUnavailable, "event log unavailable")
	ErrMissingUserID      = NewError(ErrCodeUnauthorized, "missing user id")
	ErrProjectionMismatch = NewError(ErrCodeInternal, "stored projection differs from replay")
)

// IsDomainError helps checking error codes.
func IsDomainError(err error, code ErrorCode) bool {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code == code
	}
	return false
}

// CodeOf returns the domain code of err, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code
	}
	return ErrCodeInternal
}
