package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories the HTTP layer and the
// retry engines act on.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnauthorized
	KindNotFound
	KindConflict
	KindBusinessRule
	KindProcessor
	KindRetriable
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBusinessRule:
		return "business_rule"
	case KindProcessor:
		return "processor"
	case KindRetriable:
		return "retriable"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Business-rule rejection codes surfaced to API clients.
const (
	CodeInvoiceVoided          = "INVOICE_VOIDED"
	CodeInvoicePaid            = "INVOICE_PAID"
	CodeInvoiceNotIssued       = "INVOICE_NOT_ISSUED"
	CodeAmountMismatch         = "AMOUNT_MISMATCH"
	CodeCurrencyMismatch       = "CURRENCY_MISMATCH"
	CodeUnsupportedField       = "UNSUPPORTED_FIELD"
	CodeNoDefaultPaymentMethod = "NO_DEFAULT_PAYMENT_METHOD"
	CodeChargeNotSettled       = "CHARGE_NOT_SETTLED"
	CodeCustomerSuspended      = "CUSTOMER_SUSPENDED"
)

// Error is the domain error carried across service boundaries. Kind drives
// the HTTP status, Code is the machine-readable rejection code (business
// rules and processor declines), Op names the operation that failed.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code,omitempty"`
	Op      string `json:"operation"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches either another *Error with the same kind and code, or one of the
// sentinel errors below.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		if other.Code != "" && other.Code != e.Code {
			return false
		}
		return e.Kind == other.Kind
	}
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	}
	return false
}

// Sentinels for the common control-flow checks.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
)

// NewValidationError reports malformed or missing input.
func NewValidationError(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// NewUnauthorizedError reports a missing or invalid credential.
func NewUnauthorizedError(op, message string) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Message: message}
}

// NewNotFoundError reports an entity that does not exist within the caller's
// tenant. Cross-tenant access produces the same error as a missing row.
func NewNotFoundError(op, entity, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// NewConflictError reports a uniqueness or concurrency conflict.
func NewConflictError(op, message string) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: message}
}

// NewBusinessRuleError reports a well-formed request rejected by an invariant.
func NewBusinessRuleError(op, code, message string) *Error {
	return &Error{Kind: KindBusinessRule, Op: op, Code: code, Message: message}
}

// NewProcessorError reports a terminal failure from the payment processor.
func NewProcessorError(op, code, message string, cause error) *Error {
	return &Error{Kind: KindProcessor, Op: op, Code: code, Message: message, Err: cause}
}

// NewRetriableError reports a transient failure the caller may retry.
func NewRetriableError(op, message string, cause error) *Error {
	return &Error{Kind: KindRetriable, Op: op, Message: message, Err: cause}
}

// NewInternalError reports an unexpected fault.
func NewInternalError(op, message string, cause error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: message, Err: cause}
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf extracts the rejection code from an error chain, if any.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == KindNotFound
	}
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == KindConflict
	}
	return errors.Is(err, ErrConflict)
}

// IsBusinessRule reports whether err is a business-rule rejection.
func IsBusinessRule(err error) bool { return KindOf(err) == KindBusinessRule }

// IsRetriable reports whether the operation may be retried.
func IsRetriable(err error) bool { return KindOf(err) == KindRetriable }

// WrapInternal wraps err as an internal error unless it already carries a
// domain Kind.
func WrapInternal(err error, op string) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: KindInternal, Op: op, Message: err.Error(), Err: err}
}
