package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ledgerline/arcd/internal/domain"
)

// errorBody is the uniform error envelope. Code is present only when the
// domain attached a machine-readable rejection or decline code.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps a domain error kind to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case domain.KindProcessor:
		return http.StatusBadGateway
	case domain.KindRetriable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError renders err as the uniform envelope. Internal faults never
// leak their message to the client.
func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := errorBody{Error: "internal error"}
	var de *domain.Error
	if errors.As(err, &de) && de.Kind != domain.KindInternal && de.Kind != domain.KindUnknown {
		body.Error = de.Message
		body.Code = de.Code
	}
	if status == http.StatusInternalServerError {
		s.deps.Logger.Error("request failed",
			withRequestFields(c, errField(err))...)
	}
	c.AbortWithStatusJSON(status, body)
}

// bindJSON decodes the request body, rendering a 400 on failure. Returns
// false when the caller should stop.
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.respondError(c, domain.NewValidationError("httpapi.bind", "request body is not valid JSON"))
		return false
	}
	return true
}
