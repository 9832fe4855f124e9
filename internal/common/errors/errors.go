// Package errors provides structured error handling for the login risk engine
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrBadRequest ErrorCode = "BAD_REQUEST"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Scoring pipeline errors
	ErrFeatureMismatch  ErrorCode = "FEATURE_MISMATCH"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"
	ErrInvalidArtifact  ErrorCode = "INVALID_ARTIFACT"
	ErrDataset          ErrorCode = "DATASET_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// ValidationError creates a validation error
func ValidationError(message string) *AppError {
	return &AppError{
		Code:       ErrValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// FeatureMismatch reports a feature vector whose keys or order differ from the
// artifact it is scored against.
func FeatureMismatch(expected, got []string) *AppError {
	return (&AppError{
		Code:       ErrFeatureMismatch,
		Message:    "Feature vector does not match trained schema",
		StatusCode: http.StatusInternalServerError,
	}).WithMetadata("expected", expected).WithMetadata("got", got)
}

// StoreUnavailable wraps a failure of the counter, profile or baseline store
func StoreUnavailable(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrStoreUnavailable,
		Message:    "State store unavailable",
		Details:    operation,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ModelUnavailable reports that no usable anomaly model is loaded
func ModelUnavailable(details string, err error) *AppError {
	return &AppError{
		Code:       ErrModelUnavailable,
		Message:    "Anomaly model unavailable",
		Details:    details,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// InvalidArtifact reports a partial or corrupt model artifact
func InvalidArtifact(details string) *AppError {
	return &AppError{
		Code:       ErrInvalidArtifact,
		Message:    "Invalid model artifact",
		Details:    details,
		StatusCode: http.StatusInternalServerError,
	}
}

// DatasetError reports a problem with the offline training dataset
func DatasetError(details string, err error) *AppError {
	return &AppError{
		Code:       ErrDataset,
		Message:    "Training dataset error",
		Details:    details,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HandleError sends an error response to the client. Internal errors are
// rendered without details so root causes stay in the logs.
func HandleError(c *gin.Context, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	response := ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		RequestID: reqIDStr,
	}
	if appErr.StatusCode < http.StatusInternalServerError {
		response.Details = appErr.Details
		response.Metadata = appErr.Metadata
	}

	c.JSON(appErr.StatusCode, response)
}

// As extracts the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsErrorCode checks if an error has a specific error code anywhere in its chain
func IsErrorCode(err error, code ErrorCode) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
