package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the taxonomy shared by every emulator
// boundary. Storage and backend failures are mapped into one of these kinds
// before they cross into the dispatch layer.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindProviderStart Kind = "provider-start"
	KindNotFound      Kind = "not-found"
	KindConflict      Kind = "conflict"
	KindValidation    Kind = "validation"
	KindHandler       Kind = "handler-error"
	KindTimeout       Kind = "timeout"
	KindInternal      Kind = "internal"
)

// Error is the typed error that flows between emulators and the dispatch
// layer. Code carries the wire-level discriminator (e.g.
// "ResourceNotFoundException") rendered into the dialect's envelope.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewNotFound creates a not-found error for a logical entity.
func NewNotFound(resourceType, name string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    "ResourceNotFoundException",
		Message: fmt.Sprintf("%s %s not found", resourceType, name),
	}
}

// NewConflict creates a uniqueness-violation error.
func NewConflict(resourceType, name string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    "ResourceConflictException",
		Message: fmt.Sprintf("%s %s already exists", resourceType, name),
	}
}

// NewValidation creates a malformed-request error with a wire code.
func NewValidation(code, format string, args ...interface{}) *Error {
	if code == "" {
		code = "ValidationException"
	}
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewTimeout creates a deadline-exceeded error.
func NewTimeout(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Code: "TimeoutError", Message: fmt.Sprintf(format, args...)}
}

// NewHandler wraps an error payload returned by a function handler.
func NewHandler(message string) *Error {
	return &Error{Kind: KindHandler, Code: "HandlerError", Message: message}
}

// NewInternal wraps an unexpected emulator failure. The original cause is
// retained for logging; dispatch renders only the sanitized message.
func NewInternal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: "InternalFailure", Message: "internal error", Cause: cause}
}

// NewProviderStart wraps a provider start failure; fatal at startup.
func NewProviderStart(provider string, cause error) *Error {
	return &Error{
		Kind:    KindProviderStart,
		Code:    "ProviderStartError",
		Message: fmt.Sprintf("provider %s failed to start", provider),
		Cause:   cause,
	}
}

// NewConfiguration creates a fatal assembly/configuration error.
func NewConfiguration(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Code: "ConfigurationError", Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind from any error, unwrapping as needed.
// Untyped errors are classified as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is or wraps a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is or wraps a conflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err is or wraps a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsTimeout reports whether err is or wraps a timeout error.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// HTTPStatus maps an error to the HTTP status its dialect envelope carries.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindHandler:
		return http.StatusInternalServerError
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WireCode extracts the wire-level error code, defaulting to InternalFailure
// for untyped errors.
func WireCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "InternalFailure"
}

// WireMessage extracts the message safe to render to a client.
func WireMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
