// Package httpapi is the REST surface of the receivables engine: a gin
// router with tenant auth, idempotency, PCI guarding and the webhook intake
// endpoint. Tenants come from the API key header, never from the URL.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/idempotency"
	"github.com/ledgerline/arcd/internal/retry"
	"github.com/ledgerline/arcd/internal/services"
	"github.com/ledgerline/arcd/internal/storage"
	"github.com/ledgerline/arcd/internal/webhook"
)

// TenantResolver maps an API key to its tenant.
type TenantResolver func(apiKey string) (tenant string, ok bool)

// AppResolver maps a webhook endpoint app id to its tenant.
type AppResolver func(appID string) (tenant string, ok bool)

// Deps is everything the HTTP layer serves.
type Deps struct {
	Services    *services.Services
	Ingestor    *webhook.Ingestor
	Retries     *retry.WebhookEngine
	Store       storage.Store
	Idempotency *idempotency.Registry
	Auth        TenantResolver
	Apps        AppResolver
	Logger      *zap.Logger
	Metrics     *Metrics
	Registry    prometheus.Gatherer
	Now         func() time.Time
}

// Server owns the router and its handlers.
type Server struct {
	deps Deps
}

// New builds the server. Logger and Now get defaults; the rest is required.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Server{deps: deps}
}

// Router assembles the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recovery())
	r.Use(s.requestLog())
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.middleware())
	}

	r.GET("/healthz", s.healthz)
	if s.deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	}

	// Webhook intake authenticates by signature, not API key; the app id in
	// the path selects the tenant whose secret verifies the payload.
	r.POST("/webhooks/:appID", s.ingestWebhook)

	api := r.Group("/", s.tenantAuth(), s.pciGuard())
	{
		api.POST("customers", s.createCustomer)
		api.GET("customers", s.listCustomers)
		api.GET("customers/:id", s.getCustomer)
		api.PUT("customers/:id", s.updateCustomer)
		api.DELETE("customers/:id", s.deleteCustomer)
		api.GET("customers/:id/payment-methods", s.listPaymentMethods)
		api.GET("customers/:id/subscriptions", s.listSubscriptions)
		api.GET("customers/:id/ledger", s.listLedger)

		api.POST("invoices", s.createInvoice)
		api.GET("invoices", s.listInvoices)
		api.GET("invoices/:id", s.getInvoice)
		api.POST("invoices/:id/issue", s.issueInvoice)
		api.POST("invoices/:id/void", s.voidInvoice)
		api.POST("invoices/:id/write-off", s.writeOffInvoice)
		api.POST("invoices/:id/credit-memos", s.creditMemo)
		api.POST("invoices/:id/apply-payment", s.applyPayment)

		api.POST("charges", s.idempotent(s.createCharge))
		api.GET("charges", s.listCharges)
		api.GET("charges/:id", s.getCharge)

		api.POST("refunds", s.idempotent(s.createRefund))
		api.GET("refunds/:id", s.getRefund)

		api.POST("subscriptions", s.createSubscription)
		api.GET("subscriptions/:id", s.getSubscription)
		api.PATCH("subscriptions/:id", s.updateSubscription)
		api.DELETE("subscriptions/:id", s.cancelSubscription)

		api.POST("payment-methods", s.attachPaymentMethod)
		api.POST("payment-methods/:id/default", s.defaultPaymentMethod)
		api.DELETE("payment-methods/:id", s.deletePaymentMethod)

		api.GET("reports/aging-summary", s.agingSummary)
		api.GET("reports/open-invoices", s.openInvoices)
		api.GET("reports/delinquent-customers", s.delinquentCustomers)
		api.GET("reports/gl-reconciliation-queue", s.glReconciliationQueue)

		api.POST("admin/webhooks/:id/revive", s.reviveWebhook)
	}
	return r
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
