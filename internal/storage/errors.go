package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the conditions callers branch on.
var (
	// Configuration errors
	ErrMissingDatabaseURL  = errors.New("database url is required")
	ErrInvalidMaxOpenConns = errors.New("max open connections must be >= 0")
	ErrInvalidMaxIdleConns = errors.New("max idle connections must be >= 0")
	ErrInvalidTimeout      = errors.New("timeout must be positive")

	// Connection errors
	ErrStoreClosed      = errors.New("store connection is closed")
	ErrConnectionFailed = errors.New("failed to connect to database")

	// Transaction errors
	ErrTxClosed = errors.New("transaction is closed")
	ErrDeadlock = errors.New("database deadlock detected")

	// Data errors
	ErrNotFound       = errors.New("row not found")
	ErrTenantRequired = errors.New("tenant id is required")
	ErrDuplicate      = errors.New("duplicate entry")

	// Schema errors
	ErrSchemaVersion = errors.New("unsupported database schema version")
)

// ErrorType categorizes store errors.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeData
	ErrorTypeConstraint
	ErrorTypeQuery
	ErrorTypeSchema
)

// StoreError carries the failing operation and a category so callers can
// translate persistence failures without parsing driver messages.
type StoreError struct {
	Type       ErrorType `json:"type"`
	Operation  string    `json:"operation"`
	Message    string    `json:"message"`
	Cause      error     `json:"-"`
	Code       string    `json:"code,omitempty"` // driver code, e.g. pq 23505
	Constraint string    `json:"constraint,omitempty"`
	Retryable  bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether the error matches one of the package sentinels or
// another StoreError of the same type.
func (e *StoreError) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(*StoreError); ok {
		return e.Type == se.Type && e.Message == se.Message
	}
	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeData && e.Code == "NOT_FOUND"
	case ErrDuplicate:
		return e.Type == ErrorTypeConstraint && e.Code == "23505"
	case ErrStoreClosed:
		return e.Type == ErrorTypeConnection && e.Code == "CLOSED"
	case ErrDeadlock:
		return e.Type == ErrorTypeTransaction && e.Code == "40P01"
	case ErrSchemaVersion:
		return e.Type == ErrorTypeSchema && e.Code == "SCHEMA_VERSION"
	}
	return false
}

// WithCode sets the driver or classification code.
func (e *StoreError) WithCode(code string) *StoreError {
	e.Code = code
	return e
}

// WithConstraint records the violated constraint name.
func (e *StoreError) WithConstraint(name string) *StoreError {
	e.Constraint = name
	return e
}

// IsRetryable reports whether the operation can be retried as-is.
func (e *StoreError) IsRetryable() bool {
	return e.Retryable
}

// NewStoreError creates a StoreError with retryability derived from type.
func NewStoreError(errorType ErrorType, operation, message string, cause error) *StoreError {
	return &StoreError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryableError(errorType, cause),
	}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConfiguration, operation, message, cause)
}

// NewConnectionError creates a connection error.
func NewConnectionError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConnection, operation, message, cause)
}

// NewTransactionError creates a transaction error.
func NewTransactionError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeTransaction, operation, message, cause)
}

// NewDataError creates a data error.
func NewDataError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeData, operation, message, cause)
}

// NewConstraintError creates a constraint error.
func NewConstraintError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConstraint, operation, message, cause)
}

// NewQueryError creates a query error.
func NewQueryError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeQuery, operation, message, cause)
}

// NewSchemaError creates a schema error.
func NewSchemaError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeSchema, operation, message, cause)
}

// NewNotFoundError creates the canonical not-found error for an operation.
func NewNotFoundError(operation string) *StoreError {
	return NewDataError(operation, "row not found", nil).WithCode("NOT_FOUND")
}

// NewDuplicateError creates the canonical unique-violation error.
func NewDuplicateError(operation, constraint string, cause error) *StoreError {
	return NewConstraintError(operation, "duplicate entry", cause).
		WithCode("23505").
		WithConstraint(constraint)
}

// isRetryableError determines retryability from type and cause.
func isRetryableError(errorType ErrorType, cause error) bool {
	switch errorType {
	case ErrorTypeConnection:
		return true
	case ErrorTypeTransaction:
		if cause != nil {
			msg := strings.ToLower(cause.Error())
			return strings.Contains(msg, "deadlock") ||
				strings.Contains(msg, "timeout") ||
				strings.Contains(msg, "serialize") ||
				strings.Contains(msg, "temporary")
		}
		return false
	case ErrorTypeQuery:
		if cause != nil {
			msg := strings.ToLower(cause.Error())
			return strings.Contains(msg, "timeout") || strings.Contains(msg, "cancel")
		}
		return false
	default:
		return false
	}
}

// IsNotFound reports whether err represents a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate reports whether err represents a unique-constraint violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsConstraintError reports whether err is any constraint violation.
func IsConstraintError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Type == ErrorTypeConstraint
}

// IsConnectionError reports whether err is a connection failure.
func IsConnectionError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Type == ErrorTypeConnection
}

// IsSchemaError reports whether err is a schema mismatch.
func IsSchemaError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Type == ErrorTypeSchema
}

// IsRetryable reports whether the operation may be retried.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"deadlock",
		"timeout",
		"temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// WrapError classifies an arbitrary driver error into a StoreError. Existing
// StoreErrors pass through with the operation updated.
func WrapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var se *StoreError
	if errors.As(err, &se) {
		clone := *se
		clone.Operation = operation
		return &clone
	}

	msg := strings.ToLower(err.Error())
	var errorType ErrorType
	var retryable bool

	switch {
	case strings.Contains(msg, "connection") || strings.Contains(msg, "connect"):
		errorType = ErrorTypeConnection
		retryable = true
	case strings.Contains(msg, "deadlock") || strings.Contains(msg, "serialize"):
		errorType = ErrorTypeTransaction
		retryable = true
	case strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique"):
		errorType = ErrorTypeConstraint
	case strings.Contains(msg, "no rows"):
		errorType = ErrorTypeData
	case strings.Contains(msg, "syntax"):
		errorType = ErrorTypeQuery
	case strings.Contains(msg, "column") || strings.Contains(msg, "relation"):
		errorType = ErrorTypeSchema
	default:
		errorType = ErrorTypeUnknown
	}

	return &StoreError{
		Type:      errorType,
		Operation: operation,
		Message:   err.Error(),
		Cause:     err,
		Retryable: retryable,
	}
}
