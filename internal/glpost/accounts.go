// Package glpost builds balanced journal intents for the external general
// ledger, publishes them at-least-once, and records the GL's accept/reject
// outcomes. AR state is never rolled back on rejection; rejected postings
// surface in the reconciliation queue for an operator.
package glpost

import "github.com/ledgerline/arcd/internal/domain"

// Trigger names the AR financial events that produce journal entries.
type Trigger string

const (
	TriggerInvoiceIssued  Trigger = "invoice_issued"
	TriggerPaymentApplied Trigger = "payment_applied"
	TriggerCreditIssued   Trigger = "credit_issued"
	TriggerWriteOff       Trigger = "write_off"
	TriggerRefundRecorded Trigger = "refund_recorded"
	TriggerDisputeLost    Trigger = "dispute_lost"
)

// Default account codes. The chart of accounts is owned by the GL service;
// these are the engine's default posting targets, overridable per tenant.
const (
	AccountReceivable   = "1200"
	AccountCash         = "1000"
	AccountRevenue      = "4000"
	AccountSalesReturns = "4900"
	AccountBadDebt      = "6300"
	AccountDisputeLoss  = "6310"
)

// Posting names the debit and credit accounts for one trigger.
type Posting struct {
	Debit  string
	Credit string
}

// AccountMap resolves triggers to account pairs for one tenant.
type AccountMap map[Trigger]Posting

// DefaultAccounts is the shipped trigger table.
func DefaultAccounts() AccountMap {
	return AccountMap{
		TriggerInvoiceIssued:  {Debit: AccountReceivable, Credit: AccountRevenue},
		TriggerPaymentApplied: {Debit: AccountCash, Credit: AccountReceivable},
		TriggerCreditIssued:   {Debit: AccountSalesReturns, Credit: AccountReceivable},
		TriggerWriteOff:       {Debit: AccountBadDebt, Credit: AccountReceivable},
		TriggerRefundRecorded: {Debit: AccountSalesReturns, Credit: AccountCash},
		TriggerDisputeLost:    {Debit: AccountDisputeLoss, Credit: AccountReceivable},
	}
}

// Merge layers tenant overrides on top of the defaults; triggers absent from
// the override keep their default accounts.
func (m AccountMap) Merge(overrides AccountMap) AccountMap {
	merged := make(AccountMap, len(m))
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Resolver returns the account map for a tenant.
type Resolver interface {
	AccountsFor(tenant string) AccountMap
}

// StaticResolver serves per-tenant maps built at startup from configuration.
type StaticResolver struct {
	defaults AccountMap
	byTenant map[string]AccountMap
}

// NewStaticResolver builds a resolver from per-tenant overrides.
func NewStaticResolver(overrides map[string]AccountMap) *StaticResolver {
	defaults := DefaultAccounts()
	byTenant := make(map[string]AccountMap, len(overrides))
	for tenant, m := range overrides {
		byTenant[tenant] = defaults.Merge(m)
	}
	return &StaticResolver{defaults: defaults, byTenant: byTenant}
}

// AccountsFor implements Resolver.
func (r *StaticResolver) AccountsFor(tenant string) AccountMap {
	if m, ok := r.byTenant[tenant]; ok {
		return m
	}
	return r.defaults
}

// lines builds the two-line balanced entry for a trigger and amount.
func (m AccountMap) lines(trigger Trigger, amountCents int64) []domain.GLLine {
	p := m[trigger]
	return []domain.GLLine{
		{AccountCode: p.Debit, DebitCents: amountCents},
		{AccountCode: p.Credit, CreditCents: amountCents},
	}
}
