package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the category of error
type ErrorType int

const (
	// Validation errors - malformed source rows, skipped and reported
	ErrorTypeValidation ErrorType = iota
	// Transient I/O errors - throttling, timeouts, unavailable brokers; retried with backoff
	ErrorTypeTransient
	// Schema errors - event payloads that fail decode or shape checks; dead-lettered
	ErrorTypeSchema
	// Config errors - unreachable stream or store at startup, bad settings; abort the run
	ErrorTypeConfig
	// Internal errors - unexpected internal state
	ErrorTypeInternal
)

// Severity represents how critical an error is
type Severity int

const (
	// SeverityLow - the unit is skipped, the run continues
	SeverityLow Severity = iota
	// SeverityMedium - retried, may degrade the run
	SeverityMedium
	// SeverityHigh - the unit is dead-lettered
	SeverityHigh
	// SeverityCritical - stops execution
	SeverityCritical
)

// Error represents a structured error with context
type Error struct {
	Type       ErrorType
	Severity   Severity
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Is matches any *Error of the same type, so errors.Is(err, ErrTransient) works
// through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// IsFatal returns true if this error should stop execution
func (e *Error) IsFatal() bool {
	return e.Severity == SeverityCritical
}

// DetailedString returns a detailed error message with context
func (e *Error) DetailedString() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] [%s] %s\n",
		severityString(e.Severity),
		e.Type.String(),
		e.Message))

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf("Caused by: %v\n", e.Cause))
	}

	if len(e.Context) > 0 {
		sb.WriteString("Context:\n")
		for k, v := range e.Context {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, v))
		}
	}

	if e.StackTrace != "" {
		sb.WriteString(fmt.Sprintf("Stack trace:\n%s\n", e.StackTrace))
	}

	return sb.String()
}

// String returns the upper-case name used in logs and the dead-letter table
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeValidation:
		return "VALIDATION"
	case ErrorTypeTransient:
		return "TRANSIENT"
	case ErrorTypeSchema:
		return "SCHEMA"
	case ErrorTypeConfig:
		return "CONFIG"
	case ErrorTypeInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

func severityString(s Severity) string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// captureStackTrace captures the current stack trace
func captureStackTrace(skip int) string {
	var sb strings.Builder
	for i := skip; i < skip+10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			break
		}
		sb.WriteString(fmt.Sprintf("  %s:%d %s\n", file, line, fn.Name()))
	}
	return sb.String()
}

// Sentinels for errors.Is checks. Only the Type is compared.
var (
	ErrValidation = &Error{Type: ErrorTypeValidation}
	ErrTransient  = &Error{Type: ErrorTypeTransient}
	ErrSchema     = &Error{Type: ErrorTypeSchema}
	ErrConfig     = &Error{Type: ErrorTypeConfig}
)

// New creates a new error with the given type, severity, and message
func New(errType ErrorType, severity Severity, message string) *Error {
	return &Error{
		Type:       errType,
		Severity:   severity,
		Message:    message,
		Context:    make(map[string]interface{}),
		StackTrace: captureStackTrace(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, severity Severity, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Type:       errType,
		Severity:   severity,
		Message:    message,
		Cause:      err,
		Context:    make(map[string]interface{}),
		StackTrace: captureStackTrace(2),
	}
}

// ValidationError creates a validation error for a malformed source row
func ValidationError(message string) *Error {
	return New(ErrorTypeValidation, SeverityLow, message)
}

// ValidationErrorf creates a validation error with formatting
func ValidationErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeValidation, SeverityLow, fmt.Sprintf(format, args...))
}

// TransientError wraps a retryable I/O failure
func TransientError(err error, message string) *Error {
	return Wrap(err, ErrorTypeTransient, SeverityMedium, message)
}

// TransientErrorf wraps a retryable I/O failure with formatting
func TransientErrorf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, ErrorTypeTransient, SeverityMedium, fmt.Sprintf(format, args...))
}

// SchemaError creates an error for an event that can never be applied
func SchemaError(message string) *Error {
	return New(ErrorTypeSchema, SeverityHigh, message)
}

// SchemaErrorf creates a schema error with formatting
func SchemaErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeSchema, SeverityHigh, fmt.Sprintf(format, args...))
}

// WrapSchema wraps a driver error that rejected an event permanently
func WrapSchema(err error, message string) *Error {
	return Wrap(err, ErrorTypeSchema, SeverityHigh, message)
}

// ConfigError creates a fatal configuration error
func ConfigError(message string) *Error {
	return New(ErrorTypeConfig, SeverityCritical, message)
}

// ConfigErrorf creates a fatal configuration error with formatting
func ConfigErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeConfig, SeverityCritical, fmt.Sprintf(format, args...))
}

// WrapConfig wraps a startup failure (unreachable stream or store)
func WrapConfig(err error, message string) *Error {
	return Wrap(err, ErrorTypeConfig, SeverityCritical, message)
}

// InternalErrorf creates an internal error
func InternalErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeInternal, SeverityCritical, fmt.Sprintf(format, args...))
}

// IsFatal checks if an error is fatal (should stop execution)
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.IsFatal()
	}
	return false
}

// IsTransient reports whether err should be retried. Context deadlines count as
// transient; cancellation does not. The outermost *Error decides.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == ErrorTypeTransient
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

// IsSchema reports whether err marks an event as permanently unapplicable
func IsSchema(err error) bool {
	return err != nil && GetType(err) == ErrorTypeSchema
}

// IsValidation reports whether err is a skipped-row validation failure
func IsValidation(err error) bool {
	return err != nil && GetType(err) == ErrorTypeValidation
}

// GetSeverity returns the severity of an error
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityLow
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Severity
	}
	return SeverityMedium
}

// GetType returns the type of an error
func GetType(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}
