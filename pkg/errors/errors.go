// Package errors carries request failures from the core services to the
// HTTP edge: a stable machine-readable code, a caller-facing message and
// the status to serve, with optional structured fields for the logs.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"
	CodeUnavailable  Code = "unavailable"
	CodeInternal     Code = "internal"
)

type AppError struct {
	Code    Code
	Message string
	Status  int
	Fields  map[string]interface{}
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// WithField attaches a structured field. Fields end up in the error log
// and the response body, so they must be safe to show the caller.
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

func newError(code Code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func InvalidInput(message string) *AppError {
	return newError(CodeInvalidInput, message, http.StatusBadRequest)
}

func Unauthorized(message string) *AppError {
	return newError(CodeUnauthorized, message, http.StatusUnauthorized)
}

func NotFound(what string) *AppError {
	return newError(CodeNotFound, what+" not found", http.StatusNotFound)
}

func Unavailable(message string) *AppError {
	return newError(CodeUnavailable, message, http.StatusServiceUnavailable)
}

func Internal(message string) *AppError {
	return newError(CodeInternal, message, http.StatusInternalServerError)
}

// Wrap keeps err on the chain for Unwrap while presenting code and message
// to the caller.
func Wrap(err error, code Code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, cause: err}
}

// From extracts an AppError from anywhere on the chain.
func From(err error) (*AppError, bool) {
	var ae *AppError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
