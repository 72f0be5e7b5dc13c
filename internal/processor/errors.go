package processor

import (
	"errors"
	"fmt"
)

// ErrUnknownTenant is returned by factories for tenants without credentials.
var ErrUnknownTenant = errors.New("no processor credentials for tenant")

// Error is a failure reported by the processor. Code is the processor's
// decline or error category; Retriable marks transport-level failures
// (network, 5xx) the caller may retry with backoff.
type Error struct {
	Code      string
	Message   string
	Retriable bool
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("processor error %s", e.Code)
	}
	return fmt.Sprintf("processor error %s: %s", e.Code, e.Message)
}

// NewError reports a terminal processor failure.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewRetriableError reports a transient processor failure.
func NewRetriableError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retriable: true}
}

// IsRetriable reports whether err is a transient processor failure.
func IsRetriable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retriable
}

// ErrorCode extracts the processor code from an error chain.
func ErrorCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// DeclineClass drives the dunning schedule's reaction to a failed payment.
type DeclineClass int

const (
	// DeclineSoft failures (insufficient funds, transient processing
	// problems) are retried on the full schedule.
	DeclineSoft DeclineClass = iota
	// DeclineHard failures count against the attempt budget but are still
	// retried: the instrument may recover.
	DeclineHard
	// DeclineTerminal failures (expired or fraudulent instruments) abort
	// all further collection attempts.
	DeclineTerminal
)

func (c DeclineClass) String() string {
	switch c {
	case DeclineHard:
		return "hard"
	case DeclineTerminal:
		return "terminal"
	default:
		return "soft"
	}
}

// The decline code set is processor-specific; this pins the categorization
// for the processor dialect the sandbox adapter speaks. Unknown codes fall
// back to soft so a new processor code never silently kills collection.
var declineClasses = map[string]DeclineClass{
	"insufficient_funds": DeclineSoft,
	"processing_error":   DeclineSoft,
	"try_again_later":    DeclineSoft,
	"card_declined":      DeclineHard,
	"do_not_honor":       DeclineHard,
	"expired_card":       DeclineTerminal,
	"card_expired":       DeclineTerminal,
	"fraudulent":         DeclineTerminal,
	"stolen_card":        DeclineTerminal,
	"account_closed":     DeclineTerminal,
}

// ClassifyDecline maps a processor failure code to its dunning class.
func ClassifyDecline(code string) DeclineClass {
	if class, ok := declineClasses[code]; ok {
		return class
	}
	return DeclineSoft
}

// ErrRemoteNotFound is returned by snapshot lookups when the processor has
// no record for the given identifier.
var ErrRemoteNotFound = errors.New("processor record not found")
