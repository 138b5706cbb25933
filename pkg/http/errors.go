package http

import (
	"fmt"
	"net/http"
)

// Error codes carried in AppError.Code.
const (
	CodeNotFound    = "ERR_NOT_FOUND"
	CodeBadRequest  = "ERR_BAD_REQUEST"
	CodeConflict    = "ERR_CONFLICT"
	CodeRateLimited = "ERR_RATE_LIMITED"
	CodeUnavailable = "ERR_UNAVAILABLE"
	CodeInternal    = "ERR_INTERNAL"
)

// AppError is an error with the HTTP status and stable code clients see.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithError attaches the cause. It is logged, never sent to the client.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

func NewAppError(code, field, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Field: field, Status: status}
}

func errorf(status int, code, format string, a ...interface{}) *AppError {
	return NewAppError(code, "", fmt.Sprintf(format, a...), status)
}

func NotFoundErrorf(format string, a ...interface{}) *AppError {
	return errorf(http.StatusNotFound, CodeNotFound, format, a...)
}

func BadRequestErrorf(format string, a ...interface{}) *AppError {
	return errorf(http.StatusBadRequest, CodeBadRequest, format, a...)
}

// ConflictErrorf reports a run that is not in the state the action needs.
func ConflictErrorf(format string, a ...interface{}) *AppError {
	return errorf(http.StatusConflict, CodeConflict, format, a...)
}

func TooManyRequestsError(message string) *AppError {
	return NewAppError(CodeRateLimited, "", message, http.StatusTooManyRequests)
}

// UnavailableErrorf is for shutdown, cancelled requests and unconfigured backends.
func UnavailableErrorf(format string, a ...interface{}) *AppError {
	return errorf(http.StatusServiceUnavailable, CodeUnavailable, format, a...)
}

func InternalErrorf(format string, a ...interface{}) *AppError {
	return errorf(http.StatusInternalServerError, CodeInternal, format, a...)
}
