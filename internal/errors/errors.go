// Package errors provides the error taxonomy shared by the session protocol,
// the message pipeline and the HTTP surface.
package errors

import (
	"fmt"

	"github.com/real-rm/notifier/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents identity and credential errors (terminal for a connection)
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents input validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryService represents storage level failures
	CategoryService ErrorCategory = "service"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Authentication errors
	ErrCodeInvalidIdentity    ErrorCode = "INVALID_IDENTITY"
	ErrCodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"

	// Validation errors
	ErrCodeInvalidParticipant ErrorCode = "INVALID_PARTICIPANT"
	ErrCodeSelfMessage        ErrorCode = "SELF_MESSAGE"
	ErrCodeUnknownKind        ErrorCode = "UNKNOWN_KIND"
	ErrCodeEmptyPayload       ErrorCode = "EMPTY_PAYLOAD"
	ErrCodeInvalidFormat      ErrorCode = "INVALID_FORMAT"
	ErrCodeUnknownFrame       ErrorCode = "UNKNOWN_FRAME"
	ErrCodeSenderMismatch     ErrorCode = "SENDER_MISMATCH"
	ErrCodeMissingField       ErrorCode = "MISSING_FIELD"

	// Service errors
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	ErrCodeHistoryUnavailable ErrorCode = "HISTORY_UNAVAILABLE"

	// Rate limiting errors
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// AppError represents an application error with category and recoverability information
type AppError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code, so callers can compare against the
// package constructors with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsFatal returns true if the error is fatal and requires connection closure
func (e *AppError) IsFatal() bool {
	return !e.Recoverable
}

// ToErrorFrame converts an AppError to the outbound error frame
func (e *AppError) ToErrorFrame() *message.ErrorFrame {
	return message.NewErrorFrame(string(e.Code), e.Message)
}

// NewAuthError creates a new authentication error (fatal)
func NewAuthError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewValidationError creates a new validation error (recoverable)
func NewValidationError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewServiceError creates a new service error (recoverable)
func NewServiceError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Category:    CategoryService,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRateLimitError creates a new rate limit error (recoverable with retry after)
func NewRateLimitError(code ErrorCode, message string, retryAfter int, cause error) *AppError {
	return &AppError{
		Category:    CategoryRateLimit,
		Code:        code,
		Message:     message,
		Recoverable: true,
		RetryAfter:  retryAfter,
		Cause:       cause,
	}
}

// ErrInvalidIdentity is sent once before a connection with a bad identity claim is closed
func ErrInvalidIdentity(cause error) *AppError {
	return NewAuthError(ErrCodeInvalidIdentity, "Invalid user ID for WebSocket connection.", cause)
}

// ErrInvalidToken creates an invalid session token error
func ErrInvalidToken(cause error) *AppError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid or expired session token.", cause)
}

// ErrInvalidCredentials creates a wrong shared secret error
func ErrInvalidCredentials() *AppError {
	return NewAuthError(ErrCodeInvalidCredentials, "Invalid credentials.", nil)
}

// ErrInvalidParticipant creates an error for a name outside the two participants
func ErrInvalidParticipant(field string, cause error) *AppError {
	return NewValidationError(ErrCodeInvalidParticipant, fmt.Sprintf("Invalid participant in %s.", field), cause)
}

// ErrSelfMessage creates an error for a message addressed to its own sender
func ErrSelfMessage() *AppError {
	return NewValidationError(ErrCodeSelfMessage, "Sender and recipient must differ.", nil)
}

// ErrUnknownKind creates an error for an unrecognised message kind
func ErrUnknownKind(cause error) *AppError {
	return NewValidationError(ErrCodeUnknownKind, "Message kind must be predefined or custom.", cause)
}

// ErrEmptyPayload creates an error for a blank phrase or text
func ErrEmptyPayload() *AppError {
	return NewValidationError(ErrCodeEmptyPayload, "Message text is missing.", nil)
}

// ErrInvalidMessageFormat creates an invalid frame format error
func ErrInvalidMessageFormat(cause error) *AppError {
	return NewValidationError(ErrCodeInvalidFormat, "Invalid message format.", cause)
}

// ErrUnknownFrame creates an error for a frame with an unrecognised type tag
func ErrUnknownFrame(cause error) *AppError {
	return NewValidationError(ErrCodeUnknownFrame, "Unknown frame type.", cause)
}

// ErrSenderMismatch creates an error for a send frame claiming another sender
func ErrSenderMismatch() *AppError {
	return NewValidationError(ErrCodeSenderMismatch, "Sender mismatch.", nil)
}

// ErrMissingField creates a missing field error
func ErrMissingField(fieldName string) *AppError {
	return NewValidationError(ErrCodeMissingField, fmt.Sprintf("Required field missing: %s", fieldName), nil)
}

// ErrPersistenceFailure creates a storage failure error for submit
func ErrPersistenceFailure(cause error) *AppError {
	return NewServiceError(ErrCodePersistenceFailure, "Failed to process message: could not save it.", cause)
}

// ErrHistoryUnavailable creates a storage failure error for history queries
func ErrHistoryUnavailable(cause error) *AppError {
	return NewServiceError(ErrCodeHistoryUnavailable, "Failed to fetch message history.", cause)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests(retryAfter int) *AppError {
	return NewRateLimitError(ErrCodeTooManyRequests,
		"Too many messages, please slow down", retryAfter, nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error.
// It is terminal for the connection being opened.
func ErrConnectionLimitExceeded(retryAfter int) *AppError {
	e := NewRateLimitError(ErrCodeConnectionLimit,
		"Connection limit exceeded, please close another device first", retryAfter, nil)
	e.Recoverable = false
	return e
}
