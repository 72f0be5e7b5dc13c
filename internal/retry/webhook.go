package retry

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/storage"
)

// WebhookProcessor re-runs the handler for a stored webhook event. The
// ingest pipeline implements it; the engine only owns scheduling.
type WebhookProcessor interface {
	Process(ctx context.Context, event *domain.WebhookEvent) error
}

// WebhookEngine redelivers failed webhook events on the backoff ladder.
// Events are processed serially per tenant so per-aggregate ordering inside
// a tenant is preserved; after the attempt budget is spent the event is
// dead-lettered and only an audited admin action revives it.
type WebhookEngine struct {
	Store       storage.Store
	Processor   WebhookProcessor
	Publisher   events.Publisher
	Logger      *zap.Logger
	Now         func() time.Time
	Ladder      Ladder
	MaxAttempts int
	BatchSize   int
}

func (e *WebhookEngine) defaults() {
	if e.Now == nil {
		e.Now = func() time.Time { return time.Now().UTC() }
	}
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	if len(e.Ladder) == 0 {
		e.Ladder = DefaultLadder
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	if e.BatchSize == 0 {
		e.BatchSize = 100
	}
}

// Run performs one redelivery pass over all tenants with due events.
func (e *WebhookEngine) Run(ctx context.Context) error {
	e.defaults()

	due, err := e.Store.WebhookEvents().ListDue(ctx, e.Now(), e.BatchSize)
	if err != nil {
		return err
	}
	byTenant := make(map[string][]domain.WebhookEvent)
	for _, ev := range due {
		byTenant[ev.TenantID] = append(byTenant[ev.TenantID], ev)
	}
	tenants := make([]string, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		for i := range byTenant[tenant] {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.redeliver(ctx, &byTenant[tenant][i])
		}
	}
	return nil
}

// redeliver runs one attempt and reschedules or dead-letters on failure.
func (e *WebhookEngine) redeliver(ctx context.Context, event *domain.WebhookEvent) {
	logger := e.Logger.With(
		zap.String("tenant", event.TenantID),
		zap.String("webhook_id", event.ID),
		zap.String("event_id", event.EventID),
		zap.Int("attempts", event.Attempts))

	if !event.Retryable() {
		return
	}

	handlerErr := e.Processor.Process(ctx, event)
	now := e.Now()

	err := storage.WithinTx(ctx, e.Store, func(tx storage.Tx) error {
		fresh, err := tx.WebhookEvents().Get(ctx, event.TenantID, event.ID)
		if err != nil {
			return err
		}
		fresh.Attempts++
		if handlerErr == nil {
			fresh.Status = domain.WebhookProcessed
			fresh.FailureReason = ""
			fresh.ProcessedAt = &now
			fresh.NextAttemptAt = nil
			return tx.WebhookEvents().Update(ctx, fresh)
		}
		fresh.Status = domain.WebhookFailed
		fresh.FailureReason = domain.WebhookReasonHandlerError
		if fresh.Attempts >= e.MaxAttempts {
			fresh.DeadAt = &now
			fresh.NextAttemptAt = nil
		} else {
			next := now.Add(e.Ladder.Delay(fresh.Attempts))
			fresh.NextAttemptAt = &next
		}
		if err := tx.WebhookEvents().Update(ctx, fresh); err != nil {
			return err
		}
		*event = *fresh
		return nil
	})
	if err != nil {
		logger.Error("webhook retry: state update failed", zap.Error(err))
		return
	}

	switch {
	case handlerErr == nil:
		logger.Info("webhook retry: redelivery succeeded")
	case event.Dead():
		logger.Warn("webhook retry: event dead-lettered", zap.Error(handlerErr))
		e.announceDead(ctx, event)
	default:
		logger.Info("webhook retry: rescheduled", zap.Error(handlerErr))
	}
}

func (e *WebhookEngine) announceDead(ctx context.Context, event *domain.WebhookEvent) {
	if e.Publisher == nil {
		return
	}
	env, err := events.NewEnvelope(event.TenantID, map[string]interface{}{
		"webhook_id": event.ID,
		"event_id":   event.EventID,
		"type":       event.Type,
		"attempts":   event.Attempts,
	})
	if err != nil {
		return
	}
	if err := e.Publisher.Publish(ctx, events.SubjectWebhookDeadLettered, env); err != nil {
		e.Logger.Warn("webhook retry: dead-letter event publish failed", zap.Error(err))
	}
}

// Revive resets a dead-lettered event for one more delivery pass. It is the
// audited admin path; the revived event gets a fresh single attempt.
func (e *WebhookEngine) Revive(ctx context.Context, tenant, id, revivedBy string) (*domain.WebhookEvent, error) {
	e.defaults()
	const op = "webhook.revive"

	var revived *domain.WebhookEvent
	err := storage.WithinTx(ctx, e.Store, func(tx storage.Tx) error {
		event, err := tx.WebhookEvents().Get(ctx, tenant, id)
		if err != nil {
			if storage.IsNotFound(err) {
				return domain.NewNotFoundError(op, "webhook event", id)
			}
			return domain.WrapInternal(err, op)
		}
		if !event.Dead() {
			return domain.NewConflictError(op, "webhook event is not dead-lettered")
		}
		now := e.Now()
		event.DeadAt = nil
		event.Status = domain.WebhookFailed
		event.FailureReason = domain.WebhookReasonHandlerError
		event.NextAttemptAt = &now
		event.RevivedBy = revivedBy
		event.RevivedAt = &now
		revived = event
		return domain.WrapInternal(tx.WebhookEvents().Update(ctx, event), op)
	})
	if err != nil {
		return nil, err
	}
	e.Logger.Info("webhook event revived for redelivery",
		zap.String("tenant", tenant),
		zap.String("webhook_id", id),
		zap.String("revived_by", revivedBy))
	return revived, nil
}
