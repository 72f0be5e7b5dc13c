package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/retry"
	"github.com/ledgerline/arcd/internal/storage"
)

// errMalformed marks payloads that can never be handled; the event is
// dead-lettered immediately instead of burning retry attempts.
var errMalformed = errors.New("malformed webhook payload")

// Result is the ingest outcome the HTTP layer renders. Received is always
// true: the caller only sees a Result once the delivery has been recorded.
type Result struct {
	Received  bool                 `json:"received"`
	WebhookID string               `json:"webhook_id"`
	EventID   string               `json:"event_id"`
	Duplicate bool                 `json:"duplicate"`
	Status    domain.WebhookStatus `json:"status"`
}

// Ingestor is the single-entry webhook pipeline. The record is inserted
// before any verification so duplicate deliveries are detected without
// spending signature checks, and so replays of previously failed deliveries
// still dedupe.
type Ingestor struct {
	Store       storage.Store
	Clients     processor.Factory
	Handlers    *Handlers
	Logger      *zap.Logger
	Now         func() time.Time
	Ladder      retry.Ladder
	MaxAttempts int
}

func (i *Ingestor) defaults() {
	if i.Now == nil {
		i.Now = func() time.Time { return time.Now().UTC() }
	}
	if i.Logger == nil {
		i.Logger = zap.NewNop()
	}
	if len(i.Ladder) == 0 {
		i.Ladder = retry.DefaultLadder
	}
	if i.MaxAttempts == 0 {
		i.MaxAttempts = retry.DefaultMaxAttempts
	}
}

// Ingest runs the pipeline for one delivery. The returned error maps to the
// HTTP status: validation (400), unauthorized (401) or internal. A handler
// failure is not an error: the record is scheduled for redelivery and the
// delivery acknowledged, since redelivery is owned locally.
func (i *Ingestor) Ingest(ctx context.Context, tenant string, body []byte, signatureHeader string) (*Result, error) {
	i.defaults()
	const op = "webhook.ingest"

	var event Event
	if err := json.Unmarshal(body, &event); err != nil || strings.TrimSpace(event.ID) == "" {
		// Without an event id there is nothing to dedupe against.
		return nil, domain.NewValidationError(op, "webhook payload is not a valid event")
	}

	now := i.Now()
	record := &domain.WebhookEvent{
		ID:         domain.NewID(domain.PrefixWebhook),
		TenantID:   tenant,
		EventID:    event.ID,
		Type:       event.Type,
		Payload:    body,
		Status:     domain.WebhookReceived,
		ReceivedAt: now,
	}
	if err := i.Store.WebhookEvents().Insert(ctx, record); err != nil {
		if storage.IsDuplicate(err) {
			existing, getErr := i.Store.WebhookEvents().GetByEventID(ctx, tenant, event.ID)
			if getErr != nil {
				return nil, domain.WrapInternal(getErr, op)
			}
			return &Result{Received: true, WebhookID: existing.ID, EventID: event.ID, Duplicate: true, Status: existing.Status}, nil
		}
		return nil, domain.WrapInternal(err, op)
	}

	client, err := i.Clients.ForTenant(tenant)
	if err != nil {
		return nil, domain.NewUnauthorizedError(op, "unknown tenant")
	}
	if err := client.VerifyWebhookSignature(body, signatureHeader, now); err != nil {
		i.markInvalidSignature(ctx, record)
		i.Logger.Warn("webhook signature rejected",
			zap.String("tenant", tenant),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return nil, domain.NewUnauthorizedError(op, "webhook signature verification failed")
	}

	handlerErr := i.Process(ctx, record)
	if err := i.recordOutcome(ctx, record, handlerErr); err != nil {
		return nil, domain.WrapInternal(err, op)
	}
	return &Result{Received: true, WebhookID: record.ID, EventID: event.ID, Status: record.Status}, nil
}

// Process dispatches the stored event to its handler. The retry engine
// calls it directly for redeliveries; row state is the caller's business.
func (i *Ingestor) Process(ctx context.Context, record *domain.WebhookEvent) error {
	i.defaults()

	var event Event
	if err := json.Unmarshal(record.Payload, &event); err != nil {
		return errMalformed
	}
	return i.Handlers.Handle(ctx, record.TenantID, &event)
}

// recordOutcome writes the first-delivery result: processed, failed with a
// scheduled redelivery, or dead on a permanently malformed payload.
func (i *Ingestor) recordOutcome(ctx context.Context, record *domain.WebhookEvent, handlerErr error) error {
	now := i.Now()
	record.Attempts = 1
	switch {
	case handlerErr == nil:
		record.Status = domain.WebhookProcessed
		record.ProcessedAt = &now
	case errors.Is(handlerErr, errMalformed):
		record.Status = domain.WebhookFailed
		record.FailureReason = domain.WebhookReasonMalformedPayload
		record.DeadAt = &now
	default:
		record.Status = domain.WebhookFailed
		record.FailureReason = domain.WebhookReasonHandlerError
		if record.Attempts >= i.MaxAttempts {
			record.DeadAt = &now
		} else {
			next := now.Add(i.Ladder.Delay(record.Attempts))
			record.NextAttemptAt = &next
		}
		i.Logger.Warn("webhook handler failed; scheduled for redelivery",
			zap.String("tenant", record.TenantID),
			zap.String("event_id", record.EventID),
			zap.String("type", record.Type),
			zap.Error(handlerErr))
	}
	return i.Store.WebhookEvents().Update(ctx, record)
}

// markInvalidSignature records the single, never-retried failure.
func (i *Ingestor) markInvalidSignature(ctx context.Context, record *domain.WebhookEvent) {
	record.Status = domain.WebhookFailed
	record.FailureReason = domain.WebhookReasonInvalidSignature
	record.Attempts = 1
	if err := i.Store.WebhookEvents().Update(ctx, record); err != nil {
		i.Logger.Error("failed to record invalid-signature webhook",
			zap.String("tenant", record.TenantID),
			zap.String("event_id", record.EventID),
			zap.Error(err))
	}
}
