package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/idempotency"
)

const (
	headerAPIKey         = "X-API-Key"
	headerCorrelationID  = "X-Correlation-ID"
	headerIdempotencyKey = "Idempotency-Key"

	ctxTenant      = "tenant"
	ctxCorrelation = "correlation_id"
)

// tenant returns the tenant resolved by tenantAuth for this request.
func tenant(c *gin.Context) string {
	return c.GetString(ctxTenant)
}

func withRequestFields(c *gin.Context, extra ...zap.Field) []zap.Field {
	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("correlation_id", c.GetString(ctxCorrelation)),
	}
	if t := tenant(c); t != "" {
		fields = append(fields, zap.String("tenant", t))
	}
	return append(fields, extra...)
}

func errField(err error) zap.Field { return zap.Error(err) }

// requestLog assigns a correlation id and logs one line per request. The id
// is echoed back so clients can quote it in support requests.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlation := c.GetHeader(headerCorrelationID)
		if correlation == "" {
			correlation = uuid.NewString()
		}
		c.Set(ctxCorrelation, correlation)
		c.Header(headerCorrelationID, correlation)

		start := s.deps.Now()
		c.Next()

		s.deps.Logger.Info("request",
			withRequestFields(c,
				zap.Int("status", c.Writer.Status()),
				zap.Duration("latency", time.Since(start)))...)
	}
}

// recovery converts a panic into a 500 without killing the process.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.deps.Logger.Error("handler panic",
					withRequestFields(c, zap.Any("panic", r))...)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		c.Next()
	}
}

// tenantAuth resolves the tenant from the API key. Every authenticated route
// scopes all reads and writes to this tenant; nothing in the URL or body can
// widen it.
func (s *Server) tenantAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(headerAPIKey)
		if key == "" {
			s.respondError(c, domain.NewUnauthorizedError("httpapi.auth", "missing API key"))
			return
		}
		t, ok := s.deps.Auth(key)
		if !ok {
			s.respondError(c, domain.NewUnauthorizedError("httpapi.auth", "invalid API key"))
			return
		}
		c.Set(ctxTenant, t)
		c.Next()
	}
}

// pciGuard rejects any request body carrying raw card or bank account data
// before it reaches a handler. The body is restored for downstream reads.
func (s *Server) pciGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.respondError(c, domain.NewValidationError("httpapi.body", "could not read request body"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		if err := domain.ScanForCardData(body); err != nil {
			s.respondError(c, err)
			return
		}
		c.Next()
	}
}

// captureWriter buffers the response so idempotent handlers can persist it.
type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

// idempotent wraps a mutating handler with the idempotency-key protocol:
// first delivery runs the handler and stores its response, an identical
// retry replays the stored bytes, a reused key with a different payload or a
// still-running first delivery is a conflict.
func (s *Server) idempotent(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(headerIdempotencyKey)
		if key == "" {
			s.respondError(c, domain.NewValidationError("httpapi.idempotency", "Idempotency-Key header is required"))
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.respondError(c, domain.NewValidationError("httpapi.body", "could not read request body"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		t := tenant(c)
		hash := idempotency.RequestHash(c.Request.Method, c.Request.URL.Path, body)

		res, err := s.deps.Idempotency.Begin(ctx, t, key, hash)
		if err != nil {
			s.respondError(c, err)
			return
		}
		switch res.Outcome {
		case idempotency.OutcomeReplay:
			c.Data(res.Status, "application/json", res.Body)
			c.Abort()
			return
		case idempotency.OutcomeMismatch:
			s.respondError(c, domain.NewConflictError("httpapi.idempotency", "idempotency key reused with a different request"))
			return
		case idempotency.OutcomeInFlight:
			s.respondError(c, domain.NewConflictError("httpapi.idempotency", "original request is still in progress"))
			return
		}

		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw
		finished := false
		defer func() {
			if finished {
				return
			}
			// The handler never returned; release the claim so a retry can
			// run instead of seeing an eternal in-flight conflict.
			if abandonErr := s.deps.Idempotency.Abandon(ctx, t, key); abandonErr != nil {
				s.deps.Logger.Warn("idempotency abandon failed",
					withRequestFields(c, errField(abandonErr))...)
			}
		}()
		handler(c)
		finished = true

		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			// No reusable outcome was produced; release the key for a retry.
			if abandonErr := s.deps.Idempotency.Abandon(ctx, t, key); abandonErr != nil {
				s.deps.Logger.Warn("idempotency abandon failed",
					withRequestFields(c, errField(abandonErr))...)
			}
			return
		}
		if err := s.deps.Idempotency.Complete(ctx, t, key, hash, status, cw.buf.Bytes()); err != nil {
			s.deps.Logger.Warn("idempotency complete failed",
				withRequestFields(c, errField(err))...)
		}
	}
}
