package datastore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound covers 404 and 400-class answers: the row or table is not there
	ErrNotFound = errors.New("datastore: not found")
	// ErrConflict is a duplicate primary key on insert
	ErrConflict = errors.New("datastore: conflict")
	// ErrTimeout is a call that ran out of time; it is safe to retry once
	ErrTimeout = errors.New("datastore: timeout")
)

// HTTPError is a non-2xx PostgREST answer
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("datastore: http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("datastore: http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match status classes with errors.Is
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusBadRequest
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// timeoutError wraps the underlying failure so both ErrTimeout and the cause match
type timeoutError struct {
	op  string
	err error
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("datastore: %s timed out: %v", e.op, e.err)
}

func (e *timeoutError) Unwrap() []error {
	return []error{ErrTimeout, e.err}
}

// classifyTransport turns deadline and network timeouts into ErrTimeout
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &timeoutError{op: op, err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &timeoutError{op: op, err: err}
	}
	return fmt.Errorf("datastore: %s: %w", op, err)
}
