// Package worker runs the background passes: webhook redelivery, dunning,
// GL posting publication, reconciliation, aging recomputation and
// idempotency-record sweeping. Each pass is a periodic job on its own
// jittered ticker; one failing pass is logged and retried on the next tick,
// never crashing the pool.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one named periodic pass.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Pool supervises the jobs until the context is cancelled.
type Pool struct {
	jobs   []Job
	logger *zap.Logger
}

// NewPool returns a pool over the given jobs.
func NewPool(logger *zap.Logger, jobs ...Job) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{jobs: jobs, logger: logger}
}

// Run blocks until ctx is cancelled, then waits for in-flight passes to
// drain. Each job first fires after a random fraction of its interval so
// restarts do not align every pass on the same instant.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range p.jobs {
		job := job
		g.Go(func() error {
			return p.runJob(ctx, job)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) runJob(ctx context.Context, job Job) error {
	initial := time.Duration(rand.Int63n(int64(job.Interval) + 1))
	timer := time.NewTimer(initial)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("worker pass failed",
				zap.String("job", job.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
		} else {
			p.logger.Debug("worker pass complete",
				zap.String("job", job.Name),
				zap.Duration("elapsed", time.Since(start)))
		}
		timer.Reset(job.Interval)
	}
}

// PerTenant lifts a per-tenant pass into a Job body that walks all
// configured tenants. A tenant failure is logged and the walk continues;
// tenants never block each other.
func PerTenant(logger *zap.Logger, tenants []string, pass func(ctx context.Context, tenant string) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, tenant := range tenants {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := pass(ctx, tenant); err != nil {
				logger.Warn("tenant pass failed",
					zap.String("tenant", tenant),
					zap.Error(err))
			}
		}
		return nil
	}
}
