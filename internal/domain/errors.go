package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures surfaced to callers.
type ErrorKind string

const (
	KindAuthentication  ErrorKind = "authentication_error"
	KindValidation      ErrorKind = "validation_error"
	KindRateLimit       ErrorKind = "rate_limit_error"
	KindPoolTimeout     ErrorKind = "pool_timeout_error"
	KindExternalService ErrorKind = "external_service_error"
	KindDatabase        ErrorKind = "database_error"
	KindInternal        ErrorKind = "internal_error"
)

// Error is the typed failure carried to the HTTP edge. Message is safe to
// return to callers; Err holds the internal cause and is only logged.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is untyped.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}

func NewAuthenticationError(code, message string) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: message, Status: http.StatusUnauthorized}
}

func NewValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Status: http.StatusBadRequest}
}

// NewPayloadTooLargeError is a validation failure reported with 413.
func NewPayloadTooLargeError(limit int64) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "payload_too_large",
		Message: fmt.Sprintf("payload exceeds %d bytes", limit),
		Status:  http.StatusRequestEntityTooLarge,
	}
}

func NewRateLimitError(message string) *Error {
	return &Error{Kind: KindRateLimit, Code: "rate_limited", Message: message, Status: http.StatusTooManyRequests}
}

func NewPoolTimeoutError(err error) *Error {
	return &Error{Kind: KindPoolTimeout, Code: "pool_timeout", Message: "internal database error", Status: http.StatusInternalServerError, Err: err}
}

func NewExternalServiceError(code string, err error) *Error {
	return &Error{Kind: KindExternalService, Code: code, Message: "external service unavailable", Status: http.StatusBadGateway, Err: err}
}

func NewDatabaseError(err error) *Error {
	return &Error{Kind: KindDatabase, Code: "database_error", Message: "internal database error", Status: http.StatusInternalServerError, Err: err}
}

func NewInternalError(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal server error", Status: http.StatusInternalServerError, Err: err}
}
