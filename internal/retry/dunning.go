package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/services"
	"github.com/ledgerline/arcd/internal/storage"
)

// Dunning collects overdue invoices on the configured schedule and walks
// customers through the delinquency lifecycle. Attempts run at the due date,
// then after 1, 3, 7 and 7 more days; three failures mark the customer
// delinquent with a grace period, grace expiry suspends them, and terminal
// decline codes stop collection of the invoice immediately.
type Dunning struct {
	Store        storage.Store
	Charges      *services.ChargeService
	Publisher    events.Publisher
	Logger       *zap.Logger
	Now          func() time.Time
	ScheduleDays []int
	MaxAttempts  int
	GracePeriod  time.Duration
	BatchSize    int
}

func (d *Dunning) defaults() {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if len(d.ScheduleDays) == 0 {
		d.ScheduleDays = DefaultScheduleDays
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = DefaultPaymentMaxAttempts
	}
	if d.GracePeriod == 0 {
		d.GracePeriod = 7 * 24 * time.Hour
	}
	if d.BatchSize == 0 {
		d.BatchSize = 100
	}
}

// RunTenant performs one collection pass for the tenant: due invoices are
// charged against the customer's default method, failures are classified and
// rescheduled, and expired grace periods suspend. Cancellation is honored
// between invoices.
func (d *Dunning) RunTenant(ctx context.Context, tenant string) error {
	d.defaults()
	now := d.Now()

	due, err := d.Store.Invoices().ListCollectible(ctx, tenant, now, d.BatchSize)
	if err != nil {
		return err
	}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.attempt(ctx, tenant, &due[i])
	}
	return d.suspendExpired(ctx, tenant)
}

// attempt runs one collection attempt for the invoice.
func (d *Dunning) attempt(ctx context.Context, tenant string, invoice *domain.Invoice) {
	logger := d.Logger.With(
		zap.String("tenant", tenant),
		zap.String("invoice_id", invoice.ID),
		zap.String("customer_id", invoice.CustomerID))

	customer, err := d.Store.Customers().Get(ctx, tenant, invoice.CustomerID)
	if err != nil {
		logger.Error("dunning: customer lookup failed", zap.Error(err))
		return
	}
	if customer.Suspended() || invoice.CollectionStopped != "" {
		d.stopCollection(ctx, tenant, invoice, invoice.CollectionStopped)
		return
	}

	attempt := invoice.CollectionAttempts + 1
	charge, err := d.Charges.Create(ctx, tenant, services.CreateChargeInput{
		CustomerID:  invoice.CustomerID,
		InvoiceID:   invoice.ID,
		AmountCents: invoice.OutstandingCents(),
		Currency:    string(invoice.Currency),
		ReferenceID: fmt.Sprintf("dunning:%s:%d", invoice.ID, attempt),
		Description: "automatic collection of invoice " + invoice.ID,
		Attempt:     attempt,
	})
	if err != nil {
		if domain.IsRetriable(err) {
			// Outcome unknown; leave next_collection_at alone and let the
			// next pass or the webhook resolve it.
			logger.Warn("dunning: charge outcome unknown", zap.Error(err))
			return
		}
		logger.Warn("dunning: charge attempt refused", zap.Error(err))
		d.RecordFailure(ctx, tenant, invoice.ID, "", attempt)
		return
	}

	switch charge.Status {
	case domain.ChargeSucceeded:
		logger.Info("dunning: collection succeeded",
			zap.Int("attempt", attempt),
			zap.String("charge_id", charge.ID))
		d.resetDelinquency(ctx, tenant, invoice.CustomerID)
	case domain.ChargePending:
		// Reference replay of an earlier pass whose outcome never arrived.
		// Not a decline: reconciliation or the webhook settles it.
		logger.Info("dunning: charge still pending",
			zap.Int("attempt", attempt),
			zap.String("charge_id", charge.ID))
	default:
		d.RecordFailure(ctx, tenant, invoice.ID, charge.FailureCode, attempt)
	}
}

// RecordFailure applies the dunning consequences of one failed collection
// attempt: classification, rescheduling or abort, delinquency transitions.
// The webhook handler calls it for asynchronous payment.failed events with
// attempt = 0 (the ordinal is then read from the invoice).
func (d *Dunning) RecordFailure(ctx context.Context, tenant, invoiceID, failureCode string, attempt int) {
	d.defaults()
	now := d.Now()
	class := processor.ClassifyDecline(failureCode)

	var becameDelinquent *domain.Customer
	err := storage.WithinTx(ctx, d.Store, func(tx storage.Tx) error {
		peek, err := tx.Invoices().Get(ctx, tenant, invoiceID)
		if err != nil {
			return err
		}
		customer, err := tx.Customers().GetForUpdate(ctx, tenant, peek.CustomerID)
		if err != nil {
			return err
		}
		invoice, err := tx.Invoices().GetForUpdate(ctx, tenant, invoiceID)
		if err != nil {
			return err
		}
		if !invoice.Status.Open() {
			return nil
		}
		if attempt <= invoice.CollectionAttempts {
			attempt = invoice.CollectionAttempts + 1
		}
		invoice.CollectionAttempts = attempt

		switch {
		case class == processor.DeclineTerminal:
			invoice.CollectionStopped = failureCode
			invoice.NextCollectionAt = nil
		default:
			next, ok := NextCollection(d.ScheduleDays, d.MaxAttempts, attempt, now)
			if ok {
				invoice.NextCollectionAt = &next
			} else {
				invoice.CollectionStopped = "max_attempts"
				invoice.NextCollectionAt = nil
				if invoice.Status.CanTransitionTo(domain.InvoiceUncollectible) {
					invoice.Status = domain.InvoiceUncollectible
				}
			}
		}
		invoice.UpdatedAt = now
		if err := tx.Invoices().Update(ctx, invoice); err != nil {
			return err
		}

		customer.FailedPaymentCount++
		if customer.FailedPaymentCount >= 3 && customer.Delinquency == domain.DelinquencyNone {
			customer.Delinquency = domain.DelinquencyDelinquent
			grace := now.Add(d.GracePeriod)
			customer.GracePeriodEnd = &grace
			becameDelinquent = customer
		}
		customer.UpdatedAt = now
		return tx.Customers().Update(ctx, customer)
	})
	if err != nil {
		d.Logger.Error("dunning: failure record failed",
			zap.String("tenant", tenant),
			zap.String("invoice_id", invoiceID),
			zap.Error(err))
		return
	}
	if becameDelinquent != nil {
		d.publish(ctx, tenant, events.SubjectCustomerDelinquent, becameDelinquent)
	}
}

// stopCollection clears the schedule for invoices that must not be retried.
func (d *Dunning) stopCollection(ctx context.Context, tenant string, invoice *domain.Invoice, reason string) {
	if reason == "" {
		reason = "customer_suspended"
	}
	err := storage.WithinTx(ctx, d.Store, func(tx storage.Tx) error {
		if _, err := tx.Customers().GetForUpdate(ctx, tenant, invoice.CustomerID); err != nil {
			return err
		}
		fresh, err := tx.Invoices().GetForUpdate(ctx, tenant, invoice.ID)
		if err != nil {
			return err
		}
		fresh.CollectionStopped = reason
		fresh.NextCollectionAt = nil
		fresh.UpdatedAt = d.Now()
		return tx.Invoices().Update(ctx, fresh)
	})
	if err != nil {
		d.Logger.Error("dunning: stop collection failed",
			zap.String("tenant", tenant),
			zap.String("invoice_id", invoice.ID),
			zap.Error(err))
	}
}

// resetDelinquency clears the failure streak after a successful collection.
// Suspension is not auto-lifted; that is an operator decision.
func (d *Dunning) resetDelinquency(ctx context.Context, tenant, customerID string) {
	err := storage.WithinTx(ctx, d.Store, func(tx storage.Tx) error {
		customer, err := tx.Customers().GetForUpdate(ctx, tenant, customerID)
		if err != nil {
			return err
		}
		if customer.Suspended() {
			return nil
		}
		customer.FailedPaymentCount = 0
		customer.Delinquency = domain.DelinquencyNone
		customer.GracePeriodEnd = nil
		customer.UpdatedAt = d.Now()
		return tx.Customers().Update(ctx, customer)
	})
	if err != nil {
		d.Logger.Error("dunning: delinquency reset failed",
			zap.String("tenant", tenant),
			zap.String("customer_id", customerID),
			zap.Error(err))
	}
}

// suspendExpired moves delinquent customers whose grace period has lapsed to
// suspended and emits the domain event.
func (d *Dunning) suspendExpired(ctx context.Context, tenant string) error {
	now := d.Now()
	ids, err := d.Store.Customers().ListIDs(ctx, tenant)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		var suspended *domain.Customer
		err := storage.WithinTx(ctx, d.Store, func(tx storage.Tx) error {
			customer, err := tx.Customers().GetForUpdate(ctx, tenant, id)
			if err != nil {
				return err
			}
			if customer.Delinquency != domain.DelinquencyDelinquent ||
				customer.GracePeriodEnd == nil || customer.GracePeriodEnd.After(now) {
				return nil
			}
			customer.Delinquency = domain.DelinquencySuspended
			customer.UpdatedAt = now
			suspended = customer
			return tx.Customers().Update(ctx, customer)
		})
		if err != nil {
			d.Logger.Error("dunning: suspension failed",
				zap.String("tenant", tenant),
				zap.String("customer_id", id),
				zap.Error(err))
			continue
		}
		if suspended != nil {
			d.publish(ctx, tenant, events.SubjectCustomerSuspended, suspended)
		}
	}
	return nil
}

func (d *Dunning) publish(ctx context.Context, tenant, subject string, payload interface{}) {
	if d.Publisher == nil {
		return
	}
	env, err := events.NewEnvelope(tenant, payload)
	if err != nil {
		d.Logger.Error("dunning: event payload marshal failed", zap.Error(err))
		return
	}
	if err := d.Publisher.Publish(ctx, subject, env); err != nil {
		d.Logger.Warn("dunning: event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
