package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ledgerline/arcd/internal/domain"
)

// headerSignature carries the processor's payload signature on inbound
// webhook deliveries.
const headerSignature = "X-Processor-Signature"

// ingestWebhook accepts one processor delivery. The app id in the path maps
// to the tenant whose webhook secret must verify the signature; a handler
// failure still returns 200 because redelivery is scheduled locally.
func (s *Server) ingestWebhook(c *gin.Context) {
	t, ok := s.deps.Apps(c.Param("appID"))
	if !ok {
		s.respondError(c, domain.NewNotFoundError("httpapi.webhook", "webhook endpoint", c.Param("appID")))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, domain.NewValidationError("httpapi.webhook", "could not read request body"))
		return
	}

	res, err := s.deps.Ingestor.Ingest(c.Request.Context(), t, body, c.GetHeader(headerSignature))
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.WebhooksRejected.Inc()
		}
		s.respondError(c, err)
		return
	}
	if s.deps.Metrics != nil {
		if res.Duplicate {
			s.deps.Metrics.WebhooksDuplicate.Inc()
		} else {
			s.deps.Metrics.WebhooksReceived.WithLabelValues(string(res.Status)).Inc()
		}
	}
	c.JSON(http.StatusOK, res)
}

// reviveWebhook re-queues a dead-lettered event for one more delivery
// attempt. The operator identity is recorded on the event.
func (s *Server) reviveWebhook(c *gin.Context) {
	var in struct {
		RevivedBy string `json:"revived_by"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	if in.RevivedBy == "" {
		s.respondError(c, domain.NewValidationError("httpapi.webhook_revive", "revived_by is required"))
		return
	}
	event, err := s.deps.Retries.Revive(c.Request.Context(), tenant(c), c.Param("id"), in.RevivedBy)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}
