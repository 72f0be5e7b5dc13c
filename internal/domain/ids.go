package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes, one per entity, so an identifier is self-describing in logs
// and API payloads.
const (
	PrefixCustomer      = "cus"
	PrefixPaymentMethod = "pm"
	PrefixInvoice       = "inv"
	PrefixCharge        = "ch"
	PrefixRefund        = "re"
	PrefixDispute       = "dp"
	PrefixSubscription  = "sub"
	PrefixCreditMemo    = "cm"
	PrefixLedgerEvent   = "le"
	PrefixApplication   = "pa"
	PrefixWebhook       = "wh"
	PrefixGLPosting     = "glp"
	PrefixDivergence    = "div"
	PrefixReconRun      = "rec"
	PrefixLineItem      = "li"
)

// NewID returns a prefixed random identifier, e.g. "inv_6ba7b8109dad11d1".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewEventID returns a bare UUIDv4 for event envelopes.
func NewEventID() string {
	return uuid.NewString()
}
