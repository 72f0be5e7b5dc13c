package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the HTTP-layer instruments. Webhook pipeline counters live
// here too since the intake endpoint is the only writer.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	WebhooksReceived  *prometheus.CounterVec
	WebhooksDuplicate prometheus.Counter
	WebhooksRejected  prometheus.Counter
}

// NewMetrics registers the instruments on reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arcd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcd",
			Subsystem: "webhooks",
			Name:      "received_total",
			Help:      "Webhook deliveries accepted, by pipeline status.",
		}, []string{"status"}),
		WebhooksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcd",
			Subsystem: "webhooks",
			Name:      "duplicate_total",
			Help:      "Webhook deliveries deduplicated by event id.",
		}),
		WebhooksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcd",
			Subsystem: "webhooks",
			Name:      "rejected_total",
			Help:      "Webhook deliveries rejected before handling.",
		}),
	}
	reg.MustRegister(m.requests, m.latency,
		m.WebhooksReceived, m.WebhooksDuplicate, m.WebhooksRejected)
	return m
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.latency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
