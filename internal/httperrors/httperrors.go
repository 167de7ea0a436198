// Package httperrors provides generic error responses for HTTP endpoints.
// It ensures that internal implementation details are not leaked to clients.
package httperrors

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/real-rm/notifier/internal/constants"
	apperrors "github.com/real-rm/notifier/internal/errors"
)

// ErrorResponse represents a generic error response for clients
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Generic error messages that don't expose internal details
const (
	MsgUnauthorized       = "Authentication required"
	MsgInvalidToken       = "Invalid or expired authentication token"
	MsgInvalidRequest     = "Invalid request parameters"
	MsgInternalError      = "An internal error occurred"
	MsgServiceUnavailable = "Service temporarily unavailable"
	MsgResourceNotFound   = "Resource not found"
	MsgBadRequest         = "Bad request"
	MsgForbidden          = "Insufficient permissions"
)

// Error codes for client-side handling
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
)

// RespondUnauthorized sends a 401 response with a generic message
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = MsgUnauthorized
	}
	c.JSON(http.StatusUnauthorized, ErrorResponse{
		Error: message,
		Code:  CodeUnauthorized,
	})
}

// RespondInvalidToken sends a 401 response for invalid tokens
func RespondInvalidToken(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, ErrorResponse{
		Error: MsgInvalidToken,
		Code:  CodeInvalidToken,
	})
}

// RespondForbidden sends a 403 response with a generic message
func RespondForbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, ErrorResponse{
		Error: MsgForbidden,
		Code:  CodeForbidden,
	})
}

// RespondBadRequest sends a 400 response with a generic message
func RespondBadRequest(c *gin.Context, message string) {
	if message == "" {
		message = MsgBadRequest
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: message,
		Code:  CodeBadRequest,
	})
}

// RespondInternalError sends a 500 response with a generic message
func RespondInternalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error: MsgInternalError,
		Code:  CodeInternalError,
	})
}

// RespondServiceUnavailable sends a 503 response
func RespondServiceUnavailable(c *gin.Context, message string) {
	if message == "" {
		message = MsgServiceUnavailable
	}
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: message,
		Code:  CodeServiceUnavailable,
	})
}

// RespondNotFound sends a 404 response
func RespondNotFound(c *gin.Context, message string) {
	if message == "" {
		message = MsgResourceNotFound
	}
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error: message,
		Code:  CodeNotFound,
	})
}

// RespondTooManyRequests sends a 429 response with a Retry-After header.
// retryAfterMs is rounded up to whole seconds, minimum one.
func RespondTooManyRequests(c *gin.Context, retryAfterMs int) {
	seconds := (retryAfterMs + constants.MillisecondsPerSecond - 1) / constants.MillisecondsPerSecond
	if seconds < constants.MinRetryAfterSeconds {
		seconds = constants.MinRetryAfterSeconds
	}
	c.Header(constants.HeaderRetryAfter, strconv.Itoa(seconds))
	c.JSON(http.StatusTooManyRequests, ErrorResponse{
		Error: constants.ErrMsgRateLimitExceeded,
		Code:  CodeTooManyRequests,
	})
}

// RespondAppError maps an application error onto an HTTP status.
// The message of an AppError is already client safe; the cause is never sent.
func RespondAppError(c *gin.Context, err *apperrors.AppError) {
	switch err.Category {
	case apperrors.CategoryAuth:
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Message, Code: string(err.Code)})
	case apperrors.CategoryValidation:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Message, Code: string(err.Code)})
	case apperrors.CategoryService:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Message, Code: string(err.Code)})
	case apperrors.CategoryRateLimit:
		RespondTooManyRequests(c, err.RetryAfter)
	default:
		RespondInternalError(c)
	}
}
