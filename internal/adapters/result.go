package adapters

import (
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorCodeUnknown         ErrorCode = "Unknown"
	ErrorCodeInvalidInput    ErrorCode = "InvalidInput"
	ErrorCodeTimeout         ErrorCode = "Timeout"
	ErrorCodeUnauthorized    ErrorCode = "Unauthorized"
	ErrorCodeNotFound        ErrorCode = "ResourceNotFound"
	ErrorCodePartnerError    ErrorCode = "PartnerError"
	ErrorCodeTooManyRequests ErrorCode = "TooManyRequests"
)

// Error is a failed partner call. It is a value returned in a result, not a
// Go error raised to the caller.
type Error struct {
	Code       ErrorCode
	Message    string
	StatusCode int
}

func NewError(code ErrorCode, message string, statusCode int) *Error {
	return &Error{Code: code, Message: message, StatusCode: statusCode}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Response is the result of a call that carries no value.
type Response struct {
	Err *Error
}

func (r Response) IsSuccess() bool { return r.Err == nil }

func Failure(code ErrorCode, message string, statusCode int) Response {
	return Response{Err: NewError(code, message, statusCode)}
}

// Result is the result of a call that returns a value on success.
type Result[T any] struct {
	Value T
	Err   *Error
}

func (r Result[T]) IsSuccess() bool { return r.Err == nil }

func (r Result[T]) Response() Response { return Response{Err: r.Err} }

func OK[T any](v T) Result[T] { return Result[T]{Value: v} }

func Fail[T any](err *Error) Result[T] { return Result[T]{Err: err} }

// codeForStatus maps a partner HTTP status to an error code.
func codeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusBadRequest:
		return ErrorCodeInvalidInput
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrorCodeUnauthorized
	case status == http.StatusNotFound:
		return ErrorCodeNotFound
	case status == http.StatusTooManyRequests:
		return ErrorCodeTooManyRequests
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ErrorCodeTimeout
	case status >= 500:
		return ErrorCodePartnerError
	default:
		return ErrorCodeUnknown
	}
}
