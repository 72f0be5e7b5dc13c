package glpost

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/storage"
)

// republishAfter is how long an unacknowledged posting waits before it is
// published again. At-least-once delivery: the GL dedupes on
// posting_event_id.
const republishAfter = 15 * time.Minute

// transientRetryAfter delays the second publish attempt after a transport
// failure; the first retry happens immediately within the same pass.
const transientRetryAfter = 5 * time.Minute

// RequestedPayload is the gl.posting.requested event body.
type RequestedPayload struct {
	PostingEventID string          `json:"posting_event_id"`
	SourceType     string          `json:"source_type"`
	SourceID       string          `json:"source_id"`
	PostingDate    time.Time       `json:"posting_date"`
	Currency       domain.Currency `json:"currency"`
	Lines          []domain.GLLine `json:"lines"`
}

// Emitter drains the posting queue onto the event bus.
type Emitter struct {
	store     storage.Store
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEmitter returns an Emitter over the store and bus.
func NewEmitter(store storage.Store, publisher events.Publisher, logger *zap.Logger) *Emitter {
	return &Emitter{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PublishDue publishes every pending posting whose next attempt is due and
// returns how many went out. Cancellation is honored between entries.
func (e *Emitter) PublishDue(ctx context.Context, limit int) (int, error) {
	due, err := e.store.GLPostings().ListDue(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	published := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if e.publishOne(ctx, &due[i]) {
			published++
		}
	}
	return published, nil
}

// publishOne attempts a publish with one immediate retry on transport
// failure, then schedules the next pass.
func (e *Emitter) publishOne(ctx context.Context, posting *domain.GLPosting) bool {
	env, err := events.NewEnvelope(posting.TenantID, RequestedPayload{
		PostingEventID: posting.PostingEventID,
		SourceType:     posting.SourceType,
		SourceID:       posting.SourceID,
		PostingDate:    posting.PostingDate,
		Currency:       posting.Currency,
		Lines:          posting.Lines,
	})
	if err != nil {
		e.logger.Error("gl posting envelope failed",
			zap.String("tenant", posting.TenantID),
			zap.String("posting_id", posting.ID),
			zap.Error(err))
		return false
	}
	env = env.WithCorrelation(posting.PostingEventID, "")

	pubErr := e.publisher.Publish(ctx, events.SubjectGLPostingRequested, env)
	if pubErr != nil {
		// Transient transport failure: one immediate retry, then back off.
		pubErr = e.publisher.Publish(ctx, events.SubjectGLPostingRequested, env)
	}

	now := e.now()
	posting.Attempts++
	posting.UpdatedAt = now
	if pubErr != nil {
		next := now.Add(transientRetryAfter)
		posting.NextAttemptAt = &next
		e.logger.Warn("gl posting publish failed",
			zap.String("tenant", posting.TenantID),
			zap.String("posting_id", posting.ID),
			zap.String("posting_event_id", posting.PostingEventID),
			zap.Int("attempts", posting.Attempts),
			zap.Error(pubErr))
	} else {
		next := now.Add(republishAfter)
		posting.NextAttemptAt = &next
		posting.PublishedAt = &now
	}
	if err := e.store.GLPostings().Update(ctx, posting); err != nil {
		e.logger.Error("gl posting update failed",
			zap.String("tenant", posting.TenantID),
			zap.String("posting_id", posting.ID),
			zap.Error(err))
		return false
	}
	return pubErr == nil
}
