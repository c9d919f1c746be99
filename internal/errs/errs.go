package errs

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers that must not depend on internal error types.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeGateway            Code = "GATEWAY_ERROR"
	CodeConflict           Code = "CONFLICT"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
)

type metadata struct {
	httpStatus int
	retryable  bool
}

var metadataByCode = map[Code]metadata{
	CodeNotFound:           {httpStatus: http.StatusNotFound},
	CodeInvalidState:       {httpStatus: http.StatusConflict},
	CodeServiceUnavailable: {httpStatus: http.StatusServiceUnavailable, retryable: true},
	CodeGateway:            {httpStatus: http.StatusBadGateway},
	CodeConflict:           {httpStatus: http.StatusConflict},
	CodeValidation:         {httpStatus: http.StatusBadRequest},
	CodeInternal:           {httpStatus: http.StatusInternalServerError, retryable: true},
}

// ErrStale is returned by stores when a compare-and-swap write lost the race.
var ErrStale = New(CodeConflict, "stale write")

type Error struct {
	code      Code
	message   string
	details   any
	cause     error
	retryable bool
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message, retryable: metadataFor(code).retryable}
}

func Wrap(code Code, err error, message string) *Error {
	e := New(code, message)
	e.cause = err
	return e
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

func InvalidState(format string, args ...any) *Error {
	return New(CodeInvalidState, fmt.Sprintf(format, args...))
}

func Unavailable(err error, message string) *Error {
	return Wrap(CodeServiceUnavailable, err, message)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, fmt.Sprintf(format, args...))
}

func Validation(err error, message string) *Error {
	return Wrap(CodeValidation, err, message)
}

// Gateway builds a payment provider failure. Retriable failures are network,
// timeout and 5xx-class responses; everything else is terminal.
func Gateway(err error, retryable bool, message string) *Error {
	e := Wrap(CodeGateway, err, message)
	e.retryable = retryable
	return e
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.retryable
}

func (e *Error) HTTPStatus() int {
	return metadataFor(e.Code()).httpStatus
}

// WithDetails returns a copy of e carrying details for the caller.
func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.details = details
	return &clone
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the first *Error in err's chain.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf reports the code of err, CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if e := As(err); e != nil {
		return e.Code()
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsRetryable reports whether the failure is transient. Untyped errors are
// infrastructure failures and count as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e := As(err); e != nil {
		return e.Retryable()
	}
	return true
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	return metadataFor(CodeOf(err)).httpStatus
}

func metadataFor(code Code) metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}
