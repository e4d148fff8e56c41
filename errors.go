package rbf

import (
	"errors"
	"fmt"
)

// Code is one of the framework's typed business-error codes, surfaced to
// clients in reply headers and bodies.
type Code string

const (
	CodeAborted             Code = "ABORTED"
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeRequestIDConflict   Code = "REQUEST_ID_CONFLICT"
	CodeInternalServerError Code = "INTERNAL_SERVER_ERROR"
)

// Status returns the numeric HTTP-style status code a Code maps to.
func (c Code) Status() int {
	switch c {
	case CodeAborted:
		return 499
	case CodeBadRequest:
		return 400
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeRequestIDConflict:
		return 409
	default:
		return 500
	}
}

// Error is the typed business error carried through handler returns,
// replies, and the client dispatcher.
type Error struct {
	Code    Code
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the error's numeric status code.
func (e *Error) Status() int {
	return e.Code.Status()
}

// NewError constructs an *Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Aborted returns a typed ABORTED (499) error.
func Aborted(message string) *Error { return NewError(CodeAborted, message) }

// BadRequest returns a typed BAD_REQUEST (400) error.
func BadRequest(message string) *Error { return NewError(CodeBadRequest, message) }

// NotFound returns a typed NOT_FOUND (404) error.
func NotFound(message string) *Error { return NewError(CodeNotFound, message) }

// Conflict returns a typed CONFLICT (409) error.
func Conflict(message string) *Error { return NewError(CodeConflict, message) }

// RequestIDConflict returns a typed REQUEST_ID_CONFLICT (409) error.
func RequestIDConflict(message string) *Error { return NewError(CodeRequestIDConflict, message) }

// InternalServerError returns a typed INTERNAL_SERVER_ERROR (500) error.
func InternalServerError(message string) *Error { return NewError(CodeInternalServerError, message) }

// AsTypedError reports whether err is a typed *Error, regardless of its
// code or status. This is the Message Handler's step 6 split
// between a business error (persist, reply, ack) and an
// unknown/transient failure (roll back, nak for redelivery): ABORTED is
// a business error at this layer even though the client dispatcher
// retries it, see AsBusinessError.
func AsTypedError(err error) (*Error, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return nil, false
	}
	return e, true
}

// AsBusinessError reports whether err is a typed *Error whose status is
// below 499, the client dispatcher's retry-skip threshold (§4.7): ABORTED
// (499) and INTERNAL_SERVER_ERROR (500) are retried like any other
// transient failure, while the 4xx codes short-circuit retries
// immediately.
func AsBusinessError(err error) (*Error, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return nil, false
	}
	return e, e.Status() < 499
}
