package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error with a code and message
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeUpstream     = "UPSTREAM_ERROR"
	ErrCodeConfig       = "CONFIG_ERROR"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &DomainError{Code: ErrCodeValidation, Message: msg}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) error {
	return &DomainError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

// NewConflictError creates a new conflict error
func NewConflictError(msg string) error {
	return &DomainError{Code: ErrCodeConflict, Message: msg}
}

// NewTimeoutError wraps an error that exhausted its timeout retries
func NewTimeoutError(msg string, err error) error {
	return &DomainError{Code: ErrCodeTimeout, Message: msg, Err: err}
}

// NewUpstreamError wraps a failure reported by the CRM or the datastore
func NewUpstreamError(msg string, err error) error {
	return &DomainError{Code: ErrCodeUpstream, Message: msg, Err: err}
}

// NewConfigError creates a configuration error; these abort the process
func NewConfigError(msg string, err error) error {
	return &DomainError{Code: ErrCodeConfig, Message: msg, Err: err}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(msg string) error {
	return &DomainError{Code: ErrCodeUnauthorized, Message: msg}
}

// NewInternalError creates a new internal error
func NewInternalError(err error) error {
	return &DomainError{Code: ErrCodeInternal, Message: "An internal error occurred", Err: err}
}

func hasCode(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsUpstream checks if the error is an upstream error
func IsUpstream(err error) bool { return hasCode(err, ErrCodeUpstream) }

// IsConfig checks if the error is a configuration error
func IsConfig(err error) bool { return hasCode(err, ErrCodeConfig) }

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool { return hasCode(err, ErrCodeUnauthorized) }

// GetErrorCode extracts the error code from a domain error
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternal
}
