package domain

import "time"

// PaymentMethodStatus is the attachment lifecycle of a stored payment method
// reference. The engine never stores card numbers; only the processor token
// and display metadata live here.
type PaymentMethodStatus string

const (
	PaymentMethodPending PaymentMethodStatus = "pending"
	PaymentMethodActive  PaymentMethodStatus = "active"
	PaymentMethodDeleted PaymentMethodStatus = "deleted"
)

// PaymentMethod is a reference to an instrument vaulted at the processor.
type PaymentMethod struct {
	ID                string              `json:"id"`
	TenantID          string              `json:"tenant_id"`
	CustomerID        string              `json:"customer_id"`
	ProcessorMethodID string              `json:"processor_method_id"`
	Kind              string              `json:"kind"` // card, bank_account
	Brand             string              `json:"brand,omitempty"`
	Last4             string              `json:"last4,omitempty"`
	ExpMonth          int                 `json:"exp_month,omitempty"`
	ExpYear           int                 `json:"exp_year,omitempty"`
	Status            PaymentMethodStatus `json:"status"`
	Default           bool                `json:"default"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	DeletedAt         *time.Time          `json:"deleted_at,omitempty"`
}

// Usable reports whether the method can fund a charge.
func (m *PaymentMethod) Usable() bool {
	return m.Status == PaymentMethodActive && m.DeletedAt == nil
}
