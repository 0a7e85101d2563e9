// Package errors provides the structured error taxonomy shared by every tierstore component.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of storage failure.
type ErrorCode string

const (
	// Capacity errors
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeBackendFull      ErrorCode = "BACKEND_FULL"

	// Backend errors
	ErrCodeBackendError       ErrorCode = "BACKEND_ERROR"
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// Data integrity errors
	ErrCodeChunkCorrupt       ErrorCode = "CHUNK_CORRUPT"
	ErrCodeCompressionFailure ErrorCode = "COMPRESSION_FAILURE"
	ErrCodeInvalidKey         ErrorCode = "INVALID_KEY"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave    ErrorCode = "CONFIG_SAVE"

	// State errors
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"
	ErrCodeAlreadyClosed  ErrorCode = "ALREADY_CLOSED"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes for reporting.
type ErrorCategory string

const (
	CategoryCapacity      ErrorCategory = "capacity"
	CategoryBackend       ErrorCategory = "backend"
	CategoryIntegrity     ErrorCategory = "integrity"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// StorageError is a structured error carrying the failing component, operation and key.
type StorageError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`
	Tier      string `json:"tier,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so errors.Is(err, New(ErrCodeBackendFull, "")) works.
func (e *StorageError) Is(target error) bool {
	if se, ok := target.(*StorageError); ok {
		return e.Code == se.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *StorageError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Tier != "" {
		parts = append(parts, fmt.Sprintf("Tier=%s", e.Tier))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%q", e.Key))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("StorageError{%s}", strings.Join(parts, ", "))
}

// NewError creates a StorageError with defaults derived from the code.
func NewError(code ErrorCode, message string) *StorageError {
	return &StorageError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// Wrap creates a StorageError with the given cause.
func Wrap(code ErrorCode, message string, cause error) *StorageError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category for a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeCapacityExceeded, ErrCodeBackendFull:
		return CategoryCapacity
	case ErrCodeBackendError, ErrCodeStorageUnavailable:
		return CategoryBackend
	case ErrCodeChunkCorrupt, ErrCodeCompressionFailure, ErrCodeInvalidKey:
		return CategoryIntegrity
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeNotInitialized, ErrCodeAlreadyClosed:
		return CategoryState
	case ErrCodeOperationCanceled, ErrCodeRetryExhausted:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code is worth retrying after recovery.
func IsRetryableByDefault(code ErrorCode) bool {
	return code == ErrCodeBackendFull
}

// IsUserFacingByDefault reports whether a code should surface to end users.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeStorageUnavailable, ErrCodeInvalidKey, ErrCodeInvalidConfig:
		return true
	}
	return false
}

// WithDetail adds detailed information to an error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *StorageError) WithComponent(component string) *StorageError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *StorageError) WithOperation(operation string) *StorageError {
	e.Operation = operation
	return e
}

// WithKey records the caller key involved.
func (e *StorageError) WithKey(key string) *StorageError {
	e.Key = key
	return e
}

// WithTier records the tier involved.
func (e *StorageError) WithTier(tier string) *StorageError {
	e.Tier = tier
	return e
}

// WithCause sets the underlying cause
func (e *StorageError) WithCause(cause error) *StorageError {
	e.Cause = cause
	return e
}

// UserFacingMessage returns a simplified message suitable for end users.
func (e *StorageError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal storage error occurred."
	}

	messages := map[ErrorCode]string{
		ErrCodeStorageUnavailable: "storage unavailable",
		ErrCodeInvalidKey:         "invalid storage key",
		ErrCodeInvalidConfig:      "invalid storage configuration",
	}
	if msg, ok := messages[e.Code]; ok {
		return msg
	}
	return e.Message
}

// GetRecommendation returns a hint for operators.
func (e *StorageError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeBackendFull: "The bulk backend reported it is full. " +
			"Free device space or lower the bulk capacity setting.",
		ErrCodeStorageUnavailable: "Storage could not be made writable even after emergency cleanup. " +
			"Check free disk space and backend health.",
		ErrCodeCapacityExceeded: "The value exceeds the secure tier item limit and will be stored in the bulk tier.",
		ErrCodeChunkCorrupt: "A chunked value is missing parts. " +
			"The value must be written again.",
		ErrCodeInvalidConfig: "Check the configuration file syntax and threshold values.",
	}
	if rec, ok := recommendations[e.Code]; ok {
		return rec
	}
	return "Please check the error message for details."
}

// CodeOf returns the code of the first StorageError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsBackendFull reports whether err signals a full backend.
func IsBackendFull(err error) bool {
	return IsCode(err, ErrCodeBackendFull)
}

// IsCapacityExceeded reports whether err signals a secure tier item limit rejection.
func IsCapacityExceeded(err error) bool {
	return IsCode(err, ErrCodeCapacityExceeded)
}
