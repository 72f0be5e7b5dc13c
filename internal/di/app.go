// Package di assembles the application graph: storage, broker, processor
// clients, the command services and the background engines, all built from
// one Config. Commands pick the pieces they run; Close tears down whatever
// was opened.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ledgerline/arcd/internal/config"
	"github.com/ledgerline/arcd/internal/entitlements"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/httpapi"
	"github.com/ledgerline/arcd/internal/idempotency"
	"github.com/ledgerline/arcd/internal/ledger"
	"github.com/ledgerline/arcd/internal/processor"
	"github.com/ledgerline/arcd/internal/processor/sandbox"
	"github.com/ledgerline/arcd/internal/reconcile"
	"github.com/ledgerline/arcd/internal/retry"
	"github.com/ledgerline/arcd/internal/services"
	"github.com/ledgerline/arcd/internal/storage"
	"github.com/ledgerline/arcd/internal/storage/postgres"
	"github.com/ledgerline/arcd/internal/webhook"
)

// App is the assembled application.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store     storage.Store
	Redis     redis.UniversalClient
	Bus       events.Publisher
	Consumer  events.Consumer
	Factory   processor.Factory
	Services  *services.Services
	Ingestor  *webhook.Ingestor
	Webhooks  *retry.WebhookEngine
	Dunning   *retry.Dunning
	Emitter   *glpost.Emitter
	Outcomes  *glpost.OutcomeConsumer
	Reconcile *reconcile.Runner
	Aging     *ledger.Recalculator
	Idem      *idempotency.Registry
	HTTP      *httpapi.Server
	Metrics   prometheus.Gatherer

	pg      *postgres.Store
	amqpBus *events.AMQPBus
}

// NewLogger builds the zap logger from config.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("di: parse log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Build opens every external connection and wires the graph. On error
// whatever was already opened is closed before returning.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}
	if err := app.build(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	pg, err := postgres.New(postgres.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	if err := pg.Open(ctx); err != nil {
		return err
	}
	a.pg = pg
	a.Store = pg

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("di: parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
	}

	if cfg.AMQPURL != "" {
		bus, err := events.DialAMQP(cfg.AMQPURL, a.Logger)
		if err != nil {
			return err
		}
		a.amqpBus = bus
		a.Bus = bus
		a.Consumer = bus
	} else {
		// Local runs without a broker keep events observable in memory.
		mem := events.NewMemoryBus()
		a.Bus = mem
		a.Logger.Warn("amqp_url not set; events stay in process")
	}

	// Only the sandbox backend exists today; the config flag picks the
	// processor once a live adapter lands.
	a.Factory = sandbox.NewFactory(sandbox.New(), cfg.Credentials(), cfg.SignatureTolerance())

	poster := ledger.NewPoster(a.Store)
	gl := glpost.NewBuilder(glpost.NewStaticResolver(cfg.GLAccountOverrides()))
	resolver := entitlements.NewResolver(cfg.EntitlementsSource(), 0)

	a.Services = services.New(services.Deps{
		Store:        a.Store,
		Poster:       poster,
		GL:           gl,
		Processors:   a.Factory,
		Publisher:    a.Bus,
		Entitlements: resolver,
		Logger:       a.Logger,
	})

	ladder := retry.Ladder(cfg.WebhookLadder())
	a.Dunning = &retry.Dunning{
		Store:        a.Store,
		Charges:      a.Services.Charges,
		Publisher:    a.Bus,
		Logger:       a.Logger,
		ScheduleDays: cfg.Payment.RetryScheduleDays,
		MaxAttempts:  cfg.Payment.MaxRetryAttempts,
	}
	a.Ingestor = &webhook.Ingestor{
		Store:   a.Store,
		Clients: a.Factory,
		Handlers: &webhook.Handlers{
			Store:   a.Store,
			Charges: a.Services.Charges,
			Refunds: a.Services.Refunds,
			Poster:  poster,
			GL:      gl,
			Dunning: a.Dunning,
			Logger:  a.Logger,
		},
		Logger:      a.Logger,
		Ladder:      ladder,
		MaxAttempts: cfg.Webhook.RetryMaxAttempts,
	}
	a.Webhooks = &retry.WebhookEngine{
		Store:       a.Store,
		Processor:   a.Ingestor,
		Publisher:   a.Bus,
		Logger:      a.Logger,
		Ladder:      ladder,
		MaxAttempts: cfg.Webhook.RetryMaxAttempts,
	}
	a.Emitter = glpost.NewEmitter(a.Store, a.Bus, a.Logger)
	a.Outcomes = glpost.NewOutcomeConsumer(a.Store, a.Logger)
	a.Reconcile = &reconcile.Runner{
		Store:         a.Store,
		Clients:       a.Factory,
		Logger:        a.Logger,
		PendingCutoff: cfg.PendingCutoff(),
	}
	a.Aging = ledger.NewRecalculator(a.Store, a.Logger)
	a.Idem = idempotency.NewRegistry(a.Store, a.Redis, a.Logger, cfg.IdempotencyTTL())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	a.Metrics = registry

	apiKeys := cfg.APIKeys()
	a.HTTP = httpapi.New(httpapi.Deps{
		Services:    a.Services,
		Ingestor:    a.Ingestor,
		Retries:     a.Webhooks,
		Store:       a.Store,
		Idempotency: a.Idem,
		Auth: func(key string) (string, bool) {
			tenant, ok := apiKeys[key]
			return tenant, ok
		},
		// Webhook endpoint app ids are the tenant ids themselves until
		// per-endpoint registration exists.
		Apps: func(appID string) (string, bool) {
			_, ok := cfg.Tenants[appID]
			return appID, ok
		},
		Logger:   a.Logger,
		Metrics:  httpapi.NewMetrics(registry),
		Registry: registry,
	})
	return nil
}

// Close releases everything Build opened.
func (a *App) Close(ctx context.Context) {
	if a.amqpBus != nil {
		if err := a.amqpBus.Close(); err != nil {
			a.Logger.Warn("amqp close failed", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.pg.Close(closeCtx); err != nil {
			a.Logger.Warn("database close failed", zap.Error(err))
		}
	}
}
