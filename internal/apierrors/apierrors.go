// Package apierrors implements the failure taxonomy of spec §7: a small
// closed set of error kinds that every operation in internal/core returns
// instead of a bare error, so the HTTP layer (a collaborator outside this
// module) can map them to stable status codes without string-sniffing.
//
// Grounded on r3e-network-service_layer/infrastructure/errors/errors.go's
// ServiceError (a struct carrying a stable code plus an HTTP status,
// constructed through one helper per kind, unwrappable to the underlying
// cause); simplified here to the nine kinds spec §7 names, dropping the
// numeric sub-codes and Details bag that package has no counterpart for.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the nine failure kinds spec §7 names.
type Kind string

const (
	NotFound                    Kind = "NotFound"
	Unauthorized                Kind = "Unauthorized"
	Forbidden                   Kind = "Forbidden"
	Validation                  Kind = "Validation"
	Conflict                    Kind = "Conflict"
	OperationNotSupportedLegacy Kind = "OperationNotSupportedForLegacyApp"
	RateLimited                 Kind = "RateLimited"
	UpstreamFailure             Kind = "UpstreamFailure"
	Internal                    Kind = "Internal"
)

// httpStatus maps each Kind to the status code spec §7's table assigns it.
var httpStatus = map[Kind]int{
	NotFound:                    http.StatusNotFound,
	Unauthorized:                http.StatusUnauthorized,
	Forbidden:                   http.StatusForbidden,
	Validation:                  http.StatusBadRequest,
	Conflict:                    http.StatusConflict,
	OperationNotSupportedLegacy: http.StatusConflict,
	RateLimited:                 http.StatusTooManyRequests,
	UpstreamFailure:             http.StatusBadGateway,
	Internal:                    http.StatusInternalServerError,
}

// Error is the error type every internal/core operation returns on failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of kind with message and no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of kind around an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Forbiddenf(format string, args ...any) *Error {
	return New(Forbidden, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

// As extracts an *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var apiErr *Error

	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	return nil, false
}

// HTTPStatus returns the status code err maps to, defaulting to 500 for any
// error that is not an *Error (an unclassified failure is Internal).
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	if apiErr, ok := As(err); ok {
		return httpStatus[apiErr.Kind]
	}

	return http.StatusInternalServerError
}
