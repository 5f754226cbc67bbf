package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error types for different failure domains
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeBusiness   ErrorType = "business"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeTransport  ErrorType = "transport"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeCircuit    ErrorType = "circuit"
)

// Error codes form the programmatic taxonomy the engine switches on.
// They are stable identifiers, independent of transport.
const (
	CodeDuplicateBidAmount  = "DUPLICATE_BID_AMOUNT"
	CodeBidTooLow           = "BID_TOO_LOW"
	CodeAuctionEnded        = "AUCTION_ENDED"
	CodeAuthenticationError = "AUTHENTICATION_ERROR"
	CodeOutbid              = "OUTBID"
	CodeConnectionError     = "CONNECTION_ERROR"
	CodeServerError         = "SERVER_ERROR"
	CodeUnknownError        = "UNKNOWN_ERROR"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotMonitored        = "NOT_MONITORED"
	CodeAlreadyMonitored    = "ALREADY_MONITORED"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       CodeValidationError,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewDuplicateBidError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       CodeDuplicateBidAmount,
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewBidTooLowError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       CodeBidTooLow,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewAuctionEndedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       CodeAuctionEnded,
		Message:    message,
		Retryable:  false,
		StatusCode: 410,
	}
}

func NewAuthenticationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuth,
		Code:       CodeAuthenticationError,
		Message:    message,
		Retryable:  false,
		StatusCode: 401,
	}
}

func NewOutbidError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       CodeOutbid,
		Message:    message,
		Retryable:  true,
		StatusCode: 409,
	}
}

func NewConnectionError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTransport,
		Code:       CodeConnectionError,
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

func NewServerError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTransport,
		Code:       CodeServerError,
		Message:    message,
		Retryable:  true,
		StatusCode: 502,
	}
}

func NewUnknownError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeUnknownError,
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewCircuitOpenError(nextAttempt time.Time) *AppError {
	return &AppError{
		Type:       ErrorTypeCircuit,
		Code:       CodeCircuitOpen,
		Message:    "circuit breaker is open",
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"next_attempt_time": nextAttempt},
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTransport,
		Code:       CodeRateLimited,
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

func NewNotMonitoredError(auctionID string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       CodeNotMonitored,
		Message:    fmt.Sprintf("auction %s is not monitored", auctionID),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewAlreadyMonitoredError(auctionID string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       CodeAlreadyMonitored,
		Message:    fmt.Sprintf("auction %s is already monitored", auctionID),
		Retryable:  false,
		StatusCode: 409,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsCode checks if an error carries a specific taxonomy code
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetCode extracts the taxonomy code from an error chain
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknownError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
