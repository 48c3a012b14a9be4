// Package griderr defines the coded errors surfaced by the HTTP APIs and the
// mapping from codes to transport status.
package griderr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidPayload   Code = "ERR_INVALID_PAYLOAD"
	CodeOutOfOrder       Code = "ERR_OUT_OF_ORDER"
	CodeNotFound         Code = "ERR_NOT_FOUND"
	CodeConflict         Code = "ERR_CONFLICT"
	CodeInvalidSpan      Code = "ERR_INVALID_SPAN"
	CodeTimeout          Code = "ERR_TIMEOUT"
	CodeStoreUnavailable Code = "ERR_STORE_UNAVAILABLE"
	CodeInternal         Code = "ERR_INTERNAL"
)

type Error struct {
	Code Code
	Msg  string

	cause error
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Msg + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the code from err, unwrapping as needed. Deadline errors
// map to CodeTimeout; everything else uncoded is CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its transport status per the taxonomy.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidPayload, CodeOutOfOrder, CodeInvalidSpan:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
