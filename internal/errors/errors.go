package errors

import (
	"fmt"
)

// DaemonError is the structured error type used across the daemon. It carries
// the context the lifecycle manager needs to classify per-task failures and
// the protocol handlers need to build structured responses.
type DaemonError struct {
	// Code is the unique error code (e.g., "ERR_201_FILE_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *DaemonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *DaemonError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *DaemonError) Is(target error) bool {
	if t, ok := target.(*DaemonError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *DaemonError) WithDetail(key, value string) *DaemonError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *DaemonError) WithSuggestion(suggestion string) *DaemonError {
	e.Suggestion = suggestion
	return e
}

// New creates a new DaemonError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string) *DaemonError {
	return &DaemonError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Retryable: isRetryableCode(code),
	}
}

// Wrap annotates an existing error with a code and an operation message.
// Returns nil for a nil err so call sites can wrap unconditionally.
func Wrap(err error, code string, message string) *DaemonError {
	if err == nil {
		return nil
	}
	e := New(code, message)
	e.Cause = err
	return e
}

// Newf creates a DaemonError with a formatted message.
func Newf(code string, format string, args ...any) *DaemonError {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the error code of err if it is a DaemonError anywhere in its
// chain, or ErrCodeInternal otherwise.
func CodeOf(err error) string {
	for err != nil {
		if de, ok := err.(*DaemonError); ok {
			return de.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err (or any error in its chain) is retryable.
func IsRetryable(err error) bool {
	for err != nil {
		if de, ok := err.(*DaemonError); ok {
			return de.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}
