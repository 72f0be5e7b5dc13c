package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"validation", NewValidationError("op", "bad input"), KindValidation},
		{"not found", NewNotFoundError("op", "invoice", "inv_1"), KindNotFound},
		{"conflict", NewConflictError("op", "duplicate"), KindConflict},
		{"business rule", NewBusinessRuleError("op", CodeAmountMismatch, "overpayment"), KindBusinessRule},
		{"processor", NewProcessorError("op", "card_declined", "declined", nil), KindProcessor},
		{"retriable", NewRetriableError("op", "timeout", nil), KindRetriable},
		{"internal", NewInternalError("op", "boom", nil), KindInternal},
		{"plain error", errors.New("anything"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf = %v, want %v", got, tt.kind)
			}
		})
	}
}

func TestErrorWrappingPreservesKind(t *testing.T) {
	inner := NewBusinessRuleError("apply_payment", CodeCurrencyMismatch, "EUR payment on USD invoice")
	outer := fmt.Errorf("handling request: %w", inner)

	if KindOf(outer) != KindBusinessRule {
		t.Errorf("kind lost through wrapping: %v", KindOf(outer))
	}
	if CodeOf(outer) != CodeCurrencyMismatch {
		t.Errorf("code lost through wrapping: %q", CodeOf(outer))
	}
	if !IsBusinessRule(outer) {
		t.Error("IsBusinessRule should see through fmt.Errorf wrapping")
	}
}

func TestErrorIsSentinels(t *testing.T) {
	nf := NewNotFoundError("get_customer", "customer", "cus_x")
	if !errors.Is(nf, ErrNotFound) {
		t.Error("not-found error should match ErrNotFound")
	}
	if errors.Is(nf, ErrConflict) {
		t.Error("not-found error must not match ErrConflict")
	}

	conflict := NewConflictError("create_customer", "external id taken")
	if !IsConflict(conflict) {
		t.Error("IsConflict failed")
	}
}

func TestWrapInternal(t *testing.T) {
	if WrapInternal(nil, "op") != nil {
		t.Error("nil must stay nil")
	}

	domainErr := NewValidationError("op", "bad")
	if got := WrapInternal(domainErr, "outer"); got != domainErr {
		t.Error("existing domain errors must pass through unchanged")
	}

	plain := errors.New("io failure")
	wrapped := WrapInternal(plain, "persist")
	if KindOf(wrapped) != KindInternal {
		t.Errorf("kind = %v, want internal", KindOf(wrapped))
	}
	if !errors.Is(wrapped, plain) {
		t.Error("cause must stay reachable via errors.Is")
	}
}
