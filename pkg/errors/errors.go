package errors

import (
	"fmt"
	"runtime"
	"time"
)

// AppError represents a standardized application error
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Severity   Severity               `json:"severity"`
}

// Severity levels for errors
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error codes, one per row of the error taxonomy in spec §7.
const (
	// Config errors
	CodeConfigInvalid    = "CONFIG_INVALID"
	CodeConfigNotFound   = "CONFIG_NOT_FOUND"
	CodeConfigValidation = "CONFIG_VALIDATION_FAILED"

	// C4/C5 transient stream errors — retry with backoff, do not advance position
	CodeStreamTransient = "STREAM_TRANSIENT"

	// C6 malformed input — log, acknowledge, drop
	CodeMalformedEvent = "MALFORMED_EVENT"

	// C1 append failure — do not ack C4, loop retries, escalate after K failures
	CodeStoreWriteFailed = "STORE_WRITE_FAILED"

	// C5 publish failure — counted only, never blocks the batch
	CodeCDCPublishFailed = "CDC_PUBLISH_FAILED"

	// C7 fetch-by-sequence miss — one delayed retry, then drop
	CodeMissingBySequence = "MISSING_BY_SEQUENCE"

	// C7 derivation error — log, acknowledge, continue
	CodeDerivationFailed = "DERIVATION_FAILED"

	// C4 redelivery count exceeded threshold — moved to DLQ
	CodeRedeliveryExceeded = "REDELIVERY_EXCEEDED"

	// C1/C2 fatal corruption — surface to supervisor, shut down
	CodeStoreCorrupt = "STORE_CORRUPT"
)

// New creates a new standardized error
func New(code, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		Severity:   SeverityMedium, // Default severity
	}
}

// NewCritical creates a critical error
func NewCritical(code, component, operation, message string) *AppError {
	err := New(code, component, operation, message)
	err.Severity = SeverityCritical
	return err
}

// NewWithSeverity creates an error with specific severity
func NewWithSeverity(severity Severity, code, component, operation, message string) *AppError {
	err := New(code, component, operation, message)
	err.Severity = severity
	return err
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Wrap wraps another error as the cause
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithSeverity sets the severity level
func (e *AppError) WithSeverity(severity Severity) *AppError {
	e.Severity = severity
	return e
}

// IsCritical returns true if the error is critical
func (e *AppError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// IsRecoverable returns true if the error might be recoverable
func (e *AppError) IsRecoverable() bool {
	switch e.Severity {
	case SeverityCritical, SeverityHigh:
		return false
	default:
		return true
	}
}

// ToMap converts the error to a map for structured logging
func (e *AppError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code":      e.Code,
		"error_message":   e.Message,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
		"error_timestamp": e.Timestamp,
	}

	if e.StackTrace != "" {
		result["error_stack_trace"] = e.StackTrace
	}

	if e.Cause != nil {
		result["error_cause"] = e.Cause.Error()
	}

	for k, v := range e.Metadata {
		result[fmt.Sprintf("error_meta_%s", k)] = v
	}

	return result
}

// Convenience functions, one per error-taxonomy row in spec §7.

// ConfigError creates a configuration error.
func ConfigError(operation, message string) *AppError {
	return New(CodeConfigInvalid, "config", operation, message)
}

// StreamTransientError creates a recoverable C4/C5 read/ack error.
func StreamTransientError(operation, message string) *AppError {
	return NewWithSeverity(SeverityLow, CodeStreamTransient, "stream", operation, message)
}

// MalformedEventError creates a C6 parse-failure error (logged and dropped,
// never escalated).
func MalformedEventError(operation, message string) *AppError {
	return NewWithSeverity(SeverityInfo, CodeMalformedEvent, "fastpath", operation, message)
}

// StoreWriteError creates a C1 append failure.
func StoreWriteError(operation, message string) *AppError {
	return NewWithSeverity(SeverityHigh, CodeStoreWriteFailed, "tracestore", operation, message)
}

// CDCPublishError creates a C5 publish failure — counted, never raised.
func CDCPublishError(operation, message string) *AppError {
	return NewWithSeverity(SeverityLow, CodeCDCPublishFailed, "stream", operation, message)
}

// MissingBySequenceError creates a C7 fetch-miss error.
func MissingBySequenceError(operation, message string) *AppError {
	return NewWithSeverity(SeverityMedium, CodeMissingBySequence, "slowpath", operation, message)
}

// DerivationError creates a C7 per-record derivation error.
func DerivationError(operation, message string) *AppError {
	return NewWithSeverity(SeverityMedium, CodeDerivationFailed, "slowpath", operation, message)
}

// RedeliveryExceededError creates a C4 DLQ-escalation error.
func RedeliveryExceededError(operation, message string) *AppError {
	return NewWithSeverity(SeverityHigh, CodeRedeliveryExceeded, "stream", operation, message)
}

// StoreCorruptError creates a fatal C1/C2 error that must reach the
// process supervisor.
func StoreCorruptError(operation, message string) *AppError {
	return NewCritical(CodeStoreCorrupt, "store", operation, message)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// AsAppError converts an error to AppError if possible
func AsAppError(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}

// WrapError wraps a standard error into an AppError
func WrapError(err error, component, operation, message string) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := AsAppError(err); ok {
		return appErr
	}

	return New("WRAPPED_ERROR", component, operation, message).Wrap(err)
}
