// Package reconcile compares local processor mirrors against the
// processor's own records and files divergences for operator review. It is
// strictly read-only on ledger state: findings are recorded, never applied.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/storage"
)

// DefaultPendingCutoff is how long a charge or refund may sit pending before
// its unknown outcome is worth a processor lookup.
const DefaultPendingCutoff = 15 * time.Minute

// Runner performs per-tenant reconciliation passes.
type Runner struct {
	Store         storage.Store
	Clients       processor.Factory
	Logger        *zap.Logger
	Now           func() time.Time
	PendingCutoff time.Duration
	BatchSize     int
}

func (r *Runner) defaults() {
	if r.Now == nil {
		r.Now = func() time.Time { return time.Now().UTC() }
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	if r.PendingCutoff == 0 {
		r.PendingCutoff = DefaultPendingCutoff
	}
	if r.BatchSize == 0 {
		r.BatchSize = 200
	}
}

// RunTenant executes one reconciliation pass and returns the run summary.
// Entity kinds the tenant's adapter cannot fetch are skipped.
func (r *Runner) RunTenant(ctx context.Context, tenant string) (*domain.ReconciliationRun, error) {
	r.defaults()
	now := r.Now()
	run := &domain.ReconciliationRun{
		ID:        domain.NewID(domain.PrefixReconRun),
		TenantID:  tenant,
		StartedAt: now,
	}
	if err := r.Store.Divergences().InsertRun(ctx, run); err != nil {
		return nil, err
	}

	client, err := r.Clients.ForTenant(tenant)
	if err != nil {
		return r.finishRun(ctx, run, err)
	}

	pass := &tenantPass{runner: r, run: run, client: client}
	snaps, _ := client.(processor.Snapshots)

	if snaps != nil {
		if err := pass.checkCharges(ctx, snaps); err != nil {
			return r.finishRun(ctx, run, err)
		}
		if err := pass.checkRefunds(ctx, snaps); err != nil {
			return r.finishRun(ctx, run, err)
		}
		if err := pass.checkSubscriptions(ctx, snaps); err != nil {
			return r.finishRun(ctx, run, err)
		}
	} else {
		r.Logger.Info("processor adapter has no snapshot surface; skipping charge/refund/subscription checks",
			zap.String("tenant", tenant))
	}
	if err := pass.checkPaymentMethods(ctx); err != nil {
		return r.finishRun(ctx, run, err)
	}
	return r.finishRun(ctx, run, nil)
}

func (r *Runner) finishRun(ctx context.Context, run *domain.ReconciliationRun, runErr error) (*domain.ReconciliationRun, error) {
	now := r.Now()
	run.FinishedAt = &now
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := r.Store.Divergences().UpdateRun(ctx, run); err != nil {
		r.Logger.Error("reconcile: run summary update failed",
			zap.String("tenant", run.TenantID),
			zap.Error(err))
	}
	return run, runErr
}

// tenantPass carries the per-run state through the entity checks.
type tenantPass struct {
	runner *Runner
	run    *domain.ReconciliationRun
	client processor.Client
}

// checkCharges looks up charges stuck pending past the cutoff. A settled or
// failed remote outcome the webhook never delivered is a status mismatch; a
// charge the processor has no record of is missing remotely.
func (p *tenantPass) checkCharges(ctx context.Context, snaps processor.Snapshots) error {
	r := p.runner
	cutoff := r.Now().Add(-r.PendingCutoff)
	stuck, err := r.Store.Charges().ListUnsettled(ctx, p.run.TenantID, cutoff)
	if err != nil {
		return err
	}
	for i := range stuck {
		if err := ctx.Err(); err != nil {
			return err
		}
		charge := &stuck[i]
		p.run.Checked++
		if charge.ProcessorChargeID == "" {
			// The create call never returned an id; without one there is no
			// remote record to fetch.
			p.record(ctx, domain.Divergence{
				EntityKind:    "charge",
				EntityID:      charge.ID,
				Type:          domain.DivergenceMissingRemote,
				LocalSnapshot: marshal(charge),
			})
			continue
		}
		remote, err := snaps.GetCharge(ctx, charge.ProcessorChargeID)
		if errors.Is(err, processor.ErrRemoteNotFound) {
			p.record(ctx, domain.Divergence{
				EntityKind:    "charge",
				EntityID:      charge.ID,
				ProcessorID:   charge.ProcessorChargeID,
				Type:          domain.DivergenceMissingRemote,
				LocalSnapshot: marshal(charge),
			})
			continue
		}
		if err != nil {
			return err
		}
		if remote.Status != string(domain.ChargePending) {
			p.record(ctx, domain.Divergence{
				EntityKind:     "charge",
				EntityID:       charge.ID,
				ProcessorID:    charge.ProcessorChargeID,
				Type:           domain.DivergenceStatusMismatch,
				LocalSnapshot:  marshal(charge),
				RemoteSnapshot: marshal(remote),
			})
		}
	}
	return nil
}

func (p *tenantPass) checkRefunds(ctx context.Context, snaps processor.Snapshots) error {
	r := p.runner
	cutoff := r.Now().Add(-r.PendingCutoff)
	stuck, err := r.Store.Refunds().ListUnsettled(ctx, p.run.TenantID, cutoff)
	if err != nil {
		return err
	}
	for i := range stuck {
		if err := ctx.Err(); err != nil {
			return err
		}
		refund := &stuck[i]
		p.run.Checked++
		if refund.ProcessorRefundID == "" {
			p.record(ctx, domain.Divergence{
				EntityKind:    "refund",
				EntityID:      refund.ID,
				Type:          domain.DivergenceMissingRemote,
				LocalSnapshot: marshal(refund),
			})
			continue
		}
		remote, err := snaps.GetRefund(ctx, refund.ProcessorRefundID)
		if errors.Is(err, processor.ErrRemoteNotFound) {
			p.record(ctx, domain.Divergence{
				EntityKind:    "refund",
				EntityID:      refund.ID,
				ProcessorID:   refund.ProcessorRefundID,
				Type:          domain.DivergenceMissingRemote,
				LocalSnapshot: marshal(refund),
			})
			continue
		}
		if err != nil {
			return err
		}
		if remote.Status != string(domain.RefundPending) {
			p.record(ctx, domain.Divergence{
				EntityKind:     "refund",
				EntityID:       refund.ID,
				ProcessorID:    refund.ProcessorRefundID,
				Type:           domain.DivergenceStatusMismatch,
				LocalSnapshot:  marshal(refund),
				RemoteSnapshot: marshal(remote),
			})
		}
	}
	return nil
}

// checkSubscriptions compares billing-state mirrors. A cancellation the
// mirror call failed to deliver shows up as the remote still billing past
// the period the local side expected it to stop at.
func (p *tenantPass) checkSubscriptions(ctx context.Context, snaps processor.Snapshots) error {
	r := p.runner
	now := r.Now()
	active, err := r.Store.Subscriptions().ListActive(ctx, p.run.TenantID)
	if err != nil {
		return err
	}
	for i := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub := &active[i]
		p.run.Checked++
		remote, err := snaps.GetSubscription(ctx, sub.ProcessorSubscriptionID)
		if errors.Is(err, processor.ErrRemoteNotFound) {
			p.record(ctx, domain.Divergence{
				EntityKind:    "subscription",
				EntityID:      sub.ID,
				ProcessorID:   sub.ProcessorSubscriptionID,
				Type:          domain.DivergenceMissingRemote,
				LocalSnapshot: marshal(sub),
			})
			continue
		}
		if err != nil {
			return err
		}
		switch {
		case remote.Status != string(sub.Status):
			p.record(ctx, domain.Divergence{
				EntityKind:     "subscription",
				EntityID:       sub.ID,
				ProcessorID:    sub.ProcessorSubscriptionID,
				Type:           domain.DivergenceStatusMismatch,
				LocalSnapshot:  marshal(sub),
				RemoteSnapshot: marshal(remote),
			})
		case sub.CancelAtPeriodEnd && remote.Status == "active" && sub.CurrentPeriodEnd.Before(now):
			p.record(ctx, domain.Divergence{
				EntityKind:     "subscription",
				EntityID:       sub.ID,
				ProcessorID:    sub.ProcessorSubscriptionID,
				Type:           domain.DivergenceStaleMetadata,
				LocalSnapshot:  marshal(sub),
				RemoteSnapshot: marshal(remote),
			})
		}
	}
	return nil
}

// checkPaymentMethods verifies active vault references still exist and their
// display metadata still matches.
func (p *tenantPass) checkPaymentMethods(ctx context.Context) error {
	r := p.runner
	ids, err := r.Store.Customers().ListIDs(ctx, p.run.TenantID)
	if err != nil {
		return err
	}
	for _, customerID := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		methods, err := r.Store.PaymentMethods().ListByCustomer(ctx, p.run.TenantID, customerID)
		if err != nil {
			return err
		}
		for i := range methods {
			method := &methods[i]
			if !method.Usable() {
				continue
			}
			p.run.Checked++
			remote, err := p.client.GetPaymentMethod(ctx, method.ProcessorMethodID)
			if errors.Is(err, processor.ErrRemoteNotFound) {
				p.record(ctx, domain.Divergence{
					EntityKind:    "payment_method",
					EntityID:      method.ID,
					ProcessorID:   method.ProcessorMethodID,
					Type:          domain.DivergenceMissingRemote,
					LocalSnapshot: marshal(method),
				})
				continue
			}
			if err != nil {
				return err
			}
			if remote.Last4 != method.Last4 || remote.Brand != method.Brand ||
				remote.ExpMonth != method.ExpMonth || remote.ExpYear != method.ExpYear {
				p.record(ctx, domain.Divergence{
					EntityKind:     "payment_method",
					EntityID:       method.ID,
					ProcessorID:    method.ProcessorMethodID,
					Type:           domain.DivergenceStaleMetadata,
					LocalSnapshot:  marshal(method),
					RemoteSnapshot: marshal(remote),
				})
			}
		}
	}
	return nil
}

func (p *tenantPass) record(ctx context.Context, d domain.Divergence) {
	r := p.runner
	d.ID = domain.NewID(domain.PrefixDivergence)
	d.TenantID = p.run.TenantID
	d.RunID = p.run.ID
	d.DetectedAt = r.Now()
	if err := r.Store.Divergences().Insert(ctx, &d); err != nil {
		r.Logger.Error("reconcile: divergence insert failed",
			zap.String("tenant", p.run.TenantID),
			zap.String("entity_kind", d.EntityKind),
			zap.String("entity_id", d.EntityID),
			zap.Error(err))
		return
	}
	p.run.Divergences++
	r.Logger.Warn("reconcile: divergence recorded",
		zap.String("tenant", p.run.TenantID),
		zap.String("run_id", p.run.ID),
		zap.String("entity_kind", d.EntityKind),
		zap.String("entity_id", d.EntityID),
		zap.String("type", string(d.Type)))
}

// RecordExternal files a divergence outside a run, for findings made by
// other components such as webhook handlers seeing records the engine does
// not know.
func RecordExternal(ctx context.Context, store storage.Store, logger *zap.Logger, d domain.Divergence) {
	d.ID = domain.NewID(domain.PrefixDivergence)
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}
	if err := store.Divergences().Insert(ctx, &d); err != nil && logger != nil {
		logger.Error("reconcile: external divergence insert failed",
			zap.String("tenant", d.TenantID),
			zap.String("entity_kind", d.EntityKind),
			zap.Error(err))
	}
}

func marshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
