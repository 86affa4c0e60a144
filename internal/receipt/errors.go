package receipt

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when an expense or stored receipt does not exist
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when an expense belongs to another couple
var ErrForbidden = errors.New("expense belongs to another couple")

// ValidationError reports a bad request
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// PersistenceError means the pipeline finished but its output could not be
// written to the record store. The result is still returned to the caller.
type PersistenceError struct {
	ExpenseID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saving expense %s: %v", e.ExpenseID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// FetchError is a failure to download a receipt image by URL. StatusCode is
// zero when no response arrived.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching receipt image: status %d", e.StatusCode)
	}
	return fmt.Sprintf("fetching receipt image: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether fetching again may succeed
func (e *FetchError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
