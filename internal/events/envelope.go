// Package events defines the outbound event envelope and its AMQP
// transport. Every event the engine emits rides the same envelope so
// consumers can dedupe on event_id and correlate across modules.
package events

import (
	"encoding/json"
	"time"

	"github.com/ledgerline/arcd/internal/domain"
)

// SourceModule identifies this engine in envelopes it emits.
const SourceModule = "ar"

// SourceVersion is stamped into envelopes; it tracks the engine release.
const SourceVersion = "1.0.0"

// Subjects the engine publishes.
const (
	SubjectGLPostingRequested  = "gl.posting.requested"
	SubjectCustomerSuspended   = "ar.events.customer.suspended"
	SubjectCustomerDelinquent  = "ar.events.customer.delinquent"
	SubjectInvoicePaid         = "ar.events.invoice.paid"
	SubjectInvoiceWrittenOff   = "ar.events.invoice.written-off"
	SubjectWebhookDeadLettered = "ar.events.webhook.dead-lettered"
)

// Subjects the engine consumes.
const (
	SubjectGLPostingAccepted = "gl.posting.accepted"
	SubjectGLPostingRejected = "gl.posting.rejected"
)

// Envelope is the standard wrapper on every emitted event.
type Envelope struct {
	EventID        string          `json:"event_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TenantID       string          `json:"tenant_id"`
	SourceModule   string          `json:"source_module"`
	SourceVersion  string          `json:"source_version"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	PayloadVersion int             `json:"payload_version"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload for the given tenant. The payload must
// marshal; a marshal failure is a programmer error surfaced to the caller.
func NewEnvelope(tenant string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:        domain.NewEventID(),
		OccurredAt:     time.Now().UTC(),
		TenantID:       tenant,
		SourceModule:   SourceModule,
		SourceVersion:  SourceVersion,
		PayloadVersion: 1,
		Payload:        raw,
	}, nil
}

// WithCorrelation sets correlation and causation ids, returning the
// envelope for chaining.
func (e Envelope) WithCorrelation(correlationID, causationID string) Envelope {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}
