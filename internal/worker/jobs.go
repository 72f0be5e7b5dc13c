package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/idempotency"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/reconcile"
	"github.com/ledgerline/arcd/internal/retry"
)

// Default cadences for the standard passes.
const (
	WebhookRetryInterval  = 30 * time.Second
	DunningInterval       = 5 * time.Minute
	GLPublishInterval     = 15 * time.Second
	ReconcileInterval     = time.Hour
	AgingInterval         = 24 * time.Hour
	IdempotencySweepEvery = time.Hour
)

const glPublishBatch = 200

// StandardJobs wires the engine's background passes for the given tenants.
// Nil components are skipped so a worker can run a subset.
func StandardJobs(
	logger *zap.Logger,
	tenants []string,
	webhooks *retry.WebhookEngine,
	dunning *retry.Dunning,
	emitter *glpost.Emitter,
	runner *reconcile.Runner,
	aging *ledger.Recalculator,
	idem *idempotency.Registry,
) []Job {
	var jobs []Job
	if webhooks != nil {
		jobs = append(jobs, Job{
			Name:     "webhook-retry",
			Interval: WebhookRetryInterval,
			Run:      webhooks.Run,
		})
	}
	if dunning != nil {
		jobs = append(jobs, Job{
			Name:     "dunning",
			Interval: DunningInterval,
			Run:      PerTenant(logger, tenants, dunning.RunTenant),
		})
	}
	if emitter != nil {
		jobs = append(jobs, Job{
			Name:     "gl-publish",
			Interval: GLPublishInterval,
			Run: func(ctx context.Context) error {
				_, err := emitter.PublishDue(ctx, glPublishBatch)
				return err
			},
		})
	}
	if runner != nil {
		jobs = append(jobs, Job{
			Name:     "reconcile",
			Interval: ReconcileInterval,
			Run: PerTenant(logger, tenants, func(ctx context.Context, tenant string) error {
				_, err := runner.RunTenant(ctx, tenant)
				return err
			}),
		})
	}
	if aging != nil {
		jobs = append(jobs, Job{
			Name:     "aging-recompute",
			Interval: AgingInterval,
			Run: PerTenant(logger, tenants, func(ctx context.Context, tenant string) error {
				_, err := aging.RecomputeTenant(ctx, tenant)
				return err
			}),
		})
	}
	if idem != nil {
		jobs = append(jobs, Job{
			Name:     "idempotency-sweep",
			Interval: IdempotencySweepEvery,
			Run: func(ctx context.Context) error {
				_, err := idem.SweepExpired(ctx)
				return err
			},
		})
	}
	return jobs
}
