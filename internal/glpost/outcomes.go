package glpost

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/storage"
)

// OutcomePayload is the body of gl.posting.accepted and gl.posting.rejected
// replies from the GL service.
type OutcomePayload struct {
	PostingEventID string `json:"posting_event_id"`
	Code           string `json:"code,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// OutcomeConsumer applies GL replies to the posting queue. Business-rule
// rejections are final: the posting parks as rejected and AR state stands.
// Any other rejection code is treated as transient and rescheduled.
type OutcomeConsumer struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewOutcomeConsumer returns an OutcomeConsumer over the store.
func NewOutcomeConsumer(store storage.Store, logger *zap.Logger) *OutcomeConsumer {
	return &OutcomeConsumer{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes the consumer to GL outcome subjects.
func (c *OutcomeConsumer) Start(consumer events.Consumer) error {
	return consumer.Subscribe("arcd.gl-outcomes",
		[]string{events.SubjectGLPostingAccepted, events.SubjectGLPostingRejected},
		c.Handle)
}

// Handle applies one outcome envelope. Unknown posting ids are logged and
// acked: the reply may belong to a posting created by a different deployment
// or already swept.
func (c *OutcomeConsumer) Handle(ctx context.Context, subject string, env events.Envelope) error {
	var payload OutcomePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.logger.Error("gl outcome payload undecodable",
			zap.String("subject", subject),
			zap.String("event_id", env.EventID),
			zap.String("tenant", env.TenantID),
			zap.Error(err))
		return nil
	}

	posting, err := c.store.GLPostings().GetByPostingEventID(ctx, env.TenantID, payload.PostingEventID)
	if err != nil {
		if storage.IsNotFound(err) {
			c.logger.Warn("gl outcome for unknown posting",
				zap.String("tenant", env.TenantID),
				zap.String("posting_event_id", payload.PostingEventID))
			return nil
		}
		return err
	}
	if posting.Status != domain.GLPostingPending {
		// Accepted/rejected already; at-least-once replies are expected.
		return nil
	}

	now := c.now()
	switch subject {
	case events.SubjectGLPostingAccepted:
		posting.Status = domain.GLPostingAccepted
		posting.ResolvedAt = &now
		posting.NextAttemptAt = nil
	case events.SubjectGLPostingRejected:
		if domain.TerminalGLRejection(payload.Code) {
			posting.Status = domain.GLPostingRejected
			posting.RejectCode = payload.Code
			posting.RejectReason = payload.Reason
			posting.ResolvedAt = &now
			posting.NextAttemptAt = nil
			c.logger.Error("gl posting rejected",
				zap.String("tenant", env.TenantID),
				zap.String("posting_id", posting.ID),
				zap.String("posting_event_id", payload.PostingEventID),
				zap.String("code", payload.Code),
				zap.String("reason", payload.Reason))
		} else {
			next := now.Add(transientRetryAfter)
			posting.NextAttemptAt = &next
			c.logger.Warn("gl posting transiently rejected, rescheduled",
				zap.String("tenant", env.TenantID),
				zap.String("posting_event_id", payload.PostingEventID),
				zap.String("code", payload.Code))
		}
	default:
		return nil
	}
	posting.UpdatedAt = now
	return c.store.GLPostings().Update(ctx, posting)
}
