package recognition

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode names the failure class reported by the recognition service
type ErrorCode string

const (
	CodeValidation        ErrorCode = "validation"
	CodeNoText            ErrorCode = "no_text"
	CodeUnavailable       ErrorCode = "unavailable"
	CodeDeadlineExceeded  ErrorCode = "deadline_exceeded"
	CodeInternal          ErrorCode = "internal"
	CodeUnknown           ErrorCode = "unknown"
	CodeInvalidArgument   ErrorCode = "invalid_argument"
	CodeTooLarge          ErrorCode = "too_large"
	CodeResourceExhausted ErrorCode = "resource_exhausted"
	CodePermissionDenied  ErrorCode = "permission_denied"
	CodeUnauthenticated   ErrorCode = "unauthenticated"
	CodeNotFound          ErrorCode = "not_found"
	CodeCancelled         ErrorCode = "cancelled"
)

// Transient reports whether failures with this code are worth retrying
func (c ErrorCode) Transient() bool {
	switch c {
	case CodeUnavailable, CodeDeadlineExceeded, CodeInternal, CodeUnknown:
		return true
	}
	return false
}

// ValidationError is returned for bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid image source: %s", e.Message)
	}
	return fmt.Sprintf("invalid image source: %s: %s", e.Field, e.Message)
}

// ServiceError is a classified failure from the recognition service
type ServiceError struct {
	Code     ErrorCode
	Attempts int
	Err      error
}

func (e *ServiceError) Error() string {
	if e.Code.Transient() {
		return fmt.Sprintf("recognition failed after %d retries: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("recognition failed (%s): %v", e.Code, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Transient reports whether the underlying failure was transient
func (e *ServiceError) Transient() bool {
	return e.Code.Transient()
}

// CodedError lets annotators report an already classified failure
type CodedError struct {
	Code ErrorCode
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err, or any error it wraps with a Transient
// method, is a transient failure
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// IsValidation reports whether err is an input validation failure
func IsValidation(err error) bool {
	var valErr *ValidationError
	return errors.As(err, &valErr)
}

// Classify maps an annotator error onto an ErrorCode
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeDeadlineExceeded
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return codeFromHTTPStatus(apiErr.Code)
	}

	if st, ok := status.FromError(err); ok {
		return codeFromGRPC(st.Code())
	}

	return CodeUnknown
}

func codeFromGRPC(code codes.Code) ErrorCode {
	switch code {
	case codes.Unavailable:
		return CodeUnavailable
	case codes.DeadlineExceeded:
		return CodeDeadlineExceeded
	case codes.Internal:
		return CodeInternal
	case codes.Unknown:
		return CodeUnknown
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return CodeInvalidArgument
	case codes.ResourceExhausted:
		return CodeResourceExhausted
	case codes.PermissionDenied:
		return CodePermissionDenied
	case codes.Unauthenticated:
		return CodeUnauthenticated
	case codes.NotFound:
		return CodeNotFound
	case codes.Canceled:
		return CodeCancelled
	default:
		return CodeInvalidArgument
	}
}

func codeFromHTTPStatus(code int) ErrorCode {
	switch code {
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return CodeUnavailable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return CodeDeadlineExceeded
	case http.StatusInternalServerError:
		return CodeInternal
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusUnsupportedMediaType:
		return CodeInvalidArgument
	case http.StatusRequestEntityTooLarge:
		return CodeTooLarge
	case http.StatusTooManyRequests:
		return CodeResourceExhausted
	case http.StatusForbidden:
		return CodePermissionDenied
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusNotFound:
		return CodeNotFound
	}
	if code >= 500 {
		return CodeUnknown
	}
	return CodeInvalidArgument
}
