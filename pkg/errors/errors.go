// Package errors provides the structured error taxonomy for the engine and
// the retry-with-backoff wrapper applied to outbound network operations.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
)

// Kind classifies an AppError.
type Kind int

const (
	// KindNetwork is a transport-level failure (DNS, refused, reset).
	KindNetwork Kind = iota
	// KindServer is a non-2xx response carrying server-provided detail.
	KindServer
	// KindValidation is client-side input rejected before sending.
	KindValidation
	// KindSession is an operation referencing an unknown or deleted session.
	KindSession
	// KindTimeout is an operation that exceeded its request timeout.
	KindTimeout
	// KindParse is a response body that could not be decoded.
	KindParse
	// KindNotConnected is an operation requiring an active connection.
	KindNotConnected
	// KindCorruptState is unrecoverable persisted-state corruption.
	KindCorruptState
)

// String returns the string representation of the error kind
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindValidation:
		return "validation"
	case KindSession:
		return "session"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	case KindNotConnected:
		return "not_connected"
	case KindCorruptState:
		return "corrupt_state"
	default:
		return "unknown"
	}
}

// AppError is the structured error crossing component boundaries. Message is
// the short user-facing text; Detail is technical context for logs only and
// must never be the only text surfaced to a human.
type AppError struct {
	Kind       Kind
	Message    string
	Detail     string
	StatusCode int
	SessionID  string
	Retryable  bool
	Err        error
}

// Error returns the user-facing message
func (e *AppError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped cause
func (e *AppError) Unwrap() error {
	return e.Err
}

// TechnicalDetail returns the full technical context for logging
func (e *AppError) TechnicalDetail() string {
	detail := e.Detail
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if e.SessionID != "" {
		return fmt.Sprintf("kind=%s session=%s detail=%s", e.Kind, e.SessionID, detail)
	}
	return fmt.Sprintf("kind=%s detail=%s", e.Kind, detail)
}

// NewNetwork creates a retryable transport-level error
func NewNetwork(message string, cause error) *AppError {
	return &AppError{
		Kind:      KindNetwork,
		Message:   message,
		Retryable: true,
		Err:       cause,
	}
}

// NewServer creates an error from a non-2xx server response. Rate limiting
// (429) and server-side failures (5xx) are retryable; other statuses are not.
func NewServer(statusCode int, message, detail string) *AppError {
	return &AppError{
		Kind:       KindServer,
		Message:    serverMessage(statusCode, message),
		Detail:     detail,
		StatusCode: statusCode,
		Retryable:  statusCode == 429 || (statusCode >= 500 && statusCode < 600),
	}
}

func serverMessage(statusCode int, message string) string {
	switch {
	case statusCode == 401:
		return "Authentication required. Please check your API key."
	case statusCode == 403:
		return "Access denied. Please verify your permissions."
	case statusCode == 404:
		return fmt.Sprintf("Not found: %s", message)
	case statusCode == 429:
		return "Too many requests. Please wait a moment and try again."
	case statusCode >= 500:
		return fmt.Sprintf("Server error: %s", message)
	default:
		return fmt.Sprintf("Server responded with error (%d): %s", statusCode, message)
	}
}

// NewValidation creates a non-retryable input validation error
func NewValidation(field, message string) *AppError {
	return &AppError{
		Kind:    KindValidation,
		Message: fmt.Sprintf("Invalid %s: %s", field, message),
		Detail:  fmt.Sprintf("field=%s %s", field, message),
	}
}

// NewSession creates a non-retryable error for an unknown or deleted session
func NewSession(sessionID, message string) *AppError {
	return &AppError{
		Kind:      KindSession,
		Message:   fmt.Sprintf("Session error: %s", message),
		SessionID: sessionID,
	}
}

// NewTimeout creates a retryable timeout error
func NewTimeout(operation string, cause error) *AppError {
	return &AppError{
		Kind:      KindTimeout,
		Message:   fmt.Sprintf("%s timed out", operation),
		Retryable: true,
		Err:       cause,
	}
}

// NewParse creates a non-retryable response decoding error
func NewParse(message string, cause error) *AppError {
	return &AppError{
		Kind:    KindParse,
		Message: fmt.Sprintf("Unexpected response from server: %s", message),
		Err:     cause,
	}
}

// NewNotConnected creates an error for operations requiring a connection
func NewNotConnected(message string) *AppError {
	return &AppError{
		Kind:    KindNotConnected,
		Message: fmt.Sprintf("Not connected: %s", message),
	}
}

// NewCorruptState creates a never-retryable persisted-state corruption error
func NewCorruptState(path string, cause error) *AppError {
	return &AppError{
		Kind:    KindCorruptState,
		Message: "Saved data could not be read and may be corrupted",
		Detail:  fmt.Sprintf("path=%s", path),
		Err:     cause,
	}
}

// Classify converts a transport error into an AppError, distinguishing
// timeouts from other network failures. Context cancellation is passed
// through untouched so callers can tell shutdown apart from failure.
func Classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewTimeout(operation, err)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) {
		return NewParse(operation, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeout(operation, err)
	}
	return NewNetwork(fmt.Sprintf("%s failed", operation), err)
}

// IsRetryable reports whether the error may be retried. Errors outside the
// taxonomy are treated as permanent.
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// IsKind reports whether the error is an AppError of the given kind
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// TechnicalDetail extracts the loggable detail from any error
func TechnicalDetail(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.TechnicalDetail()
	}
	return err.Error()
}

// As and Is re-export the standard helpers so callers importing this package
// do not also need the stdlib errors package.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
