package domain

import "time"

// WebhookStatus is the processing lifecycle of one received processor event.
type WebhookStatus string

const (
	WebhookReceived   WebhookStatus = "received"
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookFailed     WebhookStatus = "failed"
)

// Failure reasons recorded on webhook rows. Invalid signatures are never
// retried; handler failures are, until the attempt budget is spent.
const (
	WebhookReasonInvalidSignature = "invalid-signature"
	WebhookReasonHandlerError     = "handler-error"
	WebhookReasonMalformedPayload = "malformed-payload"
)

// WebhookEvent is the durable record of a processor webhook delivery.
// EventID is the processor's event identifier, unique per tenant: the row is
// inserted before any verification so replays are detected even for
// deliveries that previously failed.
type WebhookEvent struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	EventID       string        `json:"event_id"`
	Type          string        `json:"type"`
	Payload       []byte        `json:"-"`
	Status        WebhookStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	DeadAt        *time.Time    `json:"dead_at,omitempty"`
	ReceivedAt    time.Time     `json:"received_at"`
	ProcessedAt   *time.Time    `json:"processed_at,omitempty"`
	RevivedBy     string        `json:"revived_by,omitempty"`
	RevivedAt     *time.Time    `json:"revived_at,omitempty"`
}

// Dead reports whether the event has been dead-lettered.
func (w *WebhookEvent) Dead() bool {
	return w.DeadAt != nil
}

// Retryable reports whether the retry engine may pick the event up.
func (w *WebhookEvent) Retryable() bool {
	return w.Status == WebhookFailed && !w.Dead() && w.FailureReason != WebhookReasonInvalidSignature
}

// IdempotencyRecord stores the outcome of one idempotent HTTP request.
// RequestHash fingerprints method, path and canonical body; a replay with a
// matching hash returns the stored response verbatim, a mismatch is a
// conflict. Records expire after the configured TTL.
type IdempotencyRecord struct {
	TenantID       string    `json:"tenant_id"`
	Key            string    `json:"key"`
	RequestHash    string    `json:"request_hash"`
	InProgress     bool      `json:"in_progress"`
	ResponseStatus int       `json:"response_status,omitempty"`
	ResponseBody   []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at the given time.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
