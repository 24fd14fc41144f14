package errors

import (
	"net/http"
	"strconv"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"
	ErrInvalidJSON      ErrorCode = "40003"

	// Authentication errors (401xx)
	ErrUnauthorized ErrorCode = "40101"
	ErrTokenExpired ErrorCode = "40102"

	// Authorization and widget security errors (403xx)
	ErrForbidden        ErrorCode = "40301"
	ErrDomainRejected   ErrorCode = "40311"
	ErrSignatureInvalid ErrorCode = "40312"
	ErrTimestampExpired ErrorCode = "40313"

	// Resource errors (404xx)
	ErrNotFound      ErrorCode = "40401"
	ErrAgentNotFound ErrorCode = "40402"
	ErrGapNotFound   ErrorCode = "40403"

	// Payload errors (413xx)
	ErrPayloadTooLarge ErrorCode = "41301"

	// Quota and rate limit errors (429xx)
	ErrLimitReached ErrorCode = "42901"
	ErrRateLimited  ErrorCode = "42902"

	// Server errors (5xxxx)
	ErrInternalServer      ErrorCode = "50001"
	ErrDatabaseError       ErrorCode = "50002"
	ErrUpstreamError       ErrorCode = "50201"
	ErrUpstreamUnavailable ErrorCode = "50301"
	ErrCircuitBreakerOpen  ErrorCode = "50302"
	ErrUpstreamTimeout     ErrorCode = "50401"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
	Timestamp  time.Time `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error carrying details
func (e *APIError) WithDetails(details any) *APIError {
	cp := *e
	cp.Details = details
	cp.Timestamp = time.Now().UTC()
	return &cp
}

// WithMessage returns a copy of the error with a different message
func (e *APIError) WithMessage(message string) *APIError {
	cp := *e
	cp.Message = message
	cp.Timestamp = time.Now().UTC()
	return &cp
}

// ErrorDetail is the body of an error response
type ErrorDetail struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
	Method    string    `json:"method,omitempty"`
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error         ErrorDetail `json:"error"`
	RequestID     string      `json:"request_id"`
	CorrelationID string      `json:"correlation_id"`
}

// NewErrorResponse builds the standard error envelope
func NewErrorResponse(apiErr *APIError, requestID, correlationID, path, method string) *ErrorResponse {
	ts := apiErr.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if correlationID == "" {
		correlationID = requestID
	}
	return &ErrorResponse{
		Error: ErrorDetail{
			Code:      apiErr.Code,
			Message:   apiErr.Message,
			Details:   apiErr.Details,
			Timestamp: ts.Format(time.RFC3339),
			Path:      path,
			Method:    method,
		},
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// GetHTTPStatusFromCode derives the HTTP status from the first three digits of a code
func GetHTTPStatusFromCode(code ErrorCode) int {
	if len(code) < 3 {
		return http.StatusInternalServerError
	}
	status, err := strconv.Atoi(string(code[:3]))
	if err != nil || status < 400 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}

// IsRetryable reports whether a client may retry the request unchanged
func IsRetryable(err *APIError) bool {
	switch err.Code {
	case ErrUpstreamTimeout, ErrUpstreamUnavailable, ErrCircuitBreakerOpen, ErrRateLimited:
		return true
	}
	return false
}

func IsClientError(err *APIError) bool {
	return err.HTTPStatus >= 400 && err.HTTPStatus < 500
}

func IsServerError(err *APIError) bool {
	return err.HTTPStatus >= 500 && err.HTTPStatus < 600
}

// Common errors
var (
	ErrUnauthorizedError = &APIError{
		Code:       ErrUnauthorized,
		Message:    "Authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTokenExpiredError = &APIError{
		Code:       ErrTokenExpired,
		Message:    "Token has expired",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrDomainRejectedError = &APIError{
		Code:       ErrDomainRejected,
		Message:    "Origin is not allowed for this agent",
		HTTPStatus: http.StatusForbidden,
	}

	ErrSignatureInvalidError = &APIError{
		Code:       ErrSignatureInvalid,
		Message:    "Request signature is invalid",
		HTTPStatus: http.StatusForbidden,
	}

	ErrTimestampExpiredError = &APIError{
		Code:       ErrTimestampExpired,
		Message:    "Request timestamp is outside the allowed window",
		HTTPStatus: http.StatusForbidden,
	}

	ErrAgentNotFoundError = &APIError{
		Code:       ErrAgentNotFound,
		Message:    "Agent not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrGapNotFoundError = &APIError{
		Code:       ErrGapNotFound,
		Message:    "Knowledge gap not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrPayloadTooLargeError = &APIError{
		Code:       ErrPayloadTooLarge,
		Message:    "Uploaded document is too large",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrLimitReachedError = &APIError{
		Code:       ErrLimitReached,
		Message:    "Message limit reached for the current plan",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrUpstreamTimeoutError = &APIError{
		Code:       ErrUpstreamTimeout,
		Message:    "Upstream service timeout",
		HTTPStatus: http.StatusGatewayTimeout,
	}

	ErrUpstreamUnavailableError = &APIError{
		Code:       ErrUpstreamUnavailable,
		Message:    "Upstream service unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrCircuitBreakerOpenError = &APIError{
		Code:       ErrCircuitBreakerOpen,
		Message:    "Upstream service temporarily disabled",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewLimitReachedError carries the tenant's usage so the widget can prompt an upgrade
func NewLimitReachedError(messagesUsed, messageLimit int64, plan string) *APIError {
	return ErrLimitReachedError.WithDetails(map[string]any{
		"messagesUsed": messagesUsed,
		"messageLimit": messageLimit,
		"plan":         plan,
	})
}

// NewRateLimitError creates a rate limit error with retry hint
func NewRateLimitError(retryAfterSeconds int64) *APIError {
	return ErrRateLimitedError.WithDetails(map[string]int64{
		"retry_after_seconds": retryAfterSeconds,
	})
}

// NewUpstreamError creates an upstream error for a failed provider response
func NewUpstreamError(provider string, statusCode int) *APIError {
	return &APIError{
		Code:    ErrUpstreamError,
		Message: "Upstream provider error",
		Details: map[string]interface{}{
			"provider":    provider,
			"status_code": statusCode,
		},
		HTTPStatus: http.StatusBadGateway,
		Timestamp:  time.Now().UTC(),
	}
}
