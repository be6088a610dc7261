package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/session-fleet/session"
)

// =============================================================================
// Standard API Response Types
// =============================================================================
//
// All endpoints use these helpers so success and error bodies share one shape.

// ErrorCode defines standard error codes for programmatic handling
type ErrorCode string

const (
	// Client errors (4xx)
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"       // 400 - Malformed request
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"  // 400 - Validation failed
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"         // 404 - Resource not found
	ErrCodeConflict        ErrorCode = "CONFLICT"          // 409 - Resource conflict
	ErrCodeUnprocessable   ErrorCode = "UNPROCESSABLE"     // 422 - Semantic error
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS" // 429 - Queue full

	// Server errors (5xx)
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"      // 500 - Unexpected error
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE" // 503 - Session not ready
)

// ErrorDetail provides additional context for validation errors
type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse is the standard error response structure
type ErrorResponse struct {
	Error struct {
		Code    ErrorCode     `json:"code"`
		Message string        `json:"message"`
		Details []ErrorDetail `json:"details,omitempty"`
	} `json:"error"`
}

// DataResponse wraps a single resource or object response
type DataResponse[T any] struct {
	Data T `json:"data"`
}

// ListResponse wraps a collection of resources
type ListResponse[T any] struct {
	Data []T `json:"data"`
}

// RespondData sends a successful response with a single data object
// Status: 200 OK
func RespondData[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, DataResponse[T]{Data: data})
}

// RespondList sends a successful response with a list of items
// Status: 200 OK
func RespondList[T any](c *gin.Context, data []T) {
	// Ensure empty array instead of null
	if data == nil {
		data = []T{}
	}
	c.JSON(http.StatusOK, ListResponse[T]{Data: data})
}

// RespondAccepted sends a 202 Accepted response for async operations
func RespondAccepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, DataResponse[any]{Data: data})
}

// respondError is the internal helper for error responses
func respondError(c *gin.Context, status int, code ErrorCode, message string, details []ErrorDetail) {
	resp := ErrorResponse{}
	resp.Error.Code = code
	resp.Error.Message = message
	resp.Error.Details = details
	c.JSON(status, resp)
}

// RespondBadRequest sends a 400 Bad Request error
func RespondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, ErrCodeBadRequest, message, nil)
}

// RespondValidationError sends a 400 Bad Request with validation details
func RespondValidationError(c *gin.Context, message string, details []ErrorDetail) {
	respondError(c, http.StatusBadRequest, ErrCodeValidation, message, details)
}

// RespondNotFound sends a 404 Not Found error
func RespondNotFound(c *gin.Context, message string) {
	respondError(c, http.StatusNotFound, ErrCodeNotFound, message, nil)
}

// RespondConflict sends a 409 Conflict error
func RespondConflict(c *gin.Context, message string) {
	respondError(c, http.StatusConflict, ErrCodeConflict, message, nil)
}

// RespondUnprocessable sends a 422 Unprocessable Entity error
func RespondUnprocessable(c *gin.Context, message string) {
	respondError(c, http.StatusUnprocessableEntity, ErrCodeUnprocessable, message, nil)
}

// RespondTooManyRequests sends a 429 Too Many Requests error
func RespondTooManyRequests(c *gin.Context, message string) {
	respondError(c, http.StatusTooManyRequests, ErrCodeTooManyRequests, message, nil)
}

// RespondInternalError sends a 500 Internal Server Error
func RespondInternalError(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, ErrCodeInternal, message, nil)
}

// RespondServiceUnavailable sends a 503 Service Unavailable error
func RespondServiceUnavailable(c *gin.Context, message string) {
	respondError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message, nil)
}

// RespondSessionError maps session lifecycle errors onto the standard codes
func RespondSessionError(c *gin.Context, err error) {
	var timeout *session.TimeoutError
	switch {
	case errors.Is(err, session.ErrInvalidTenant):
		RespondBadRequest(c, err.Error())
	case errors.Is(err, session.ErrAlreadyInitializing),
		errors.Is(err, session.ErrSaveInProgress),
		errors.Is(err, session.ErrAlreadyReady),
		errors.Is(err, session.ErrReauthRequired):
		RespondConflict(c, err.Error())
	case errors.Is(err, session.ErrQueueFull):
		RespondTooManyRequests(c, err.Error())
	case errors.Is(err, session.ErrNoChallenge), errors.Is(err, session.ErrUnknownTenant):
		RespondNotFound(c, err.Error())
	case errors.Is(err, session.ErrShuttingDown), errors.As(err, &timeout):
		RespondServiceUnavailable(c, err.Error())
	case session.IsTerminal(err):
		RespondUnprocessable(c, err.Error())
	default:
		RespondInternalError(c, err.Error())
	}
}
