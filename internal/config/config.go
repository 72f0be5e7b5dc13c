// Package config loads the engine configuration from defaults, an optional
// TOML file and ARCD_-prefixed environment variables, in that priority
// order. Per-tenant processor credentials and entitlement catalogs are read
// from suffixed environment variables so adding a tenant needs no restart of
// anything but the process itself.
package config

import (
	"fmt"
	"time"

	"github.com/ledgerline/arcd/internal/glpost"
	"github.com/ledgerline/arcd/internal/processor"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	AMQPURL     string `mapstructure:"amqp_url"`

	Log         LogConfig         `mapstructure:"log"`
	Processor   ProcessorConfig   `mapstructure:"processor"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Payment     PaymentConfig     `mapstructure:"payment"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	GL          GLConfig          `mapstructure:"gl"`

	// Tenants is derived from the per-tenant environment variables, keyed by
	// tenant id.
	Tenants map[string]Tenant `mapstructure:"-"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// ProcessorConfig selects the payment processor backend.
type ProcessorConfig struct {
	Sandbox bool `mapstructure:"sandbox"`
}

// WebhookConfig tunes inbound delivery verification and redelivery.
type WebhookConfig struct {
	SignatureToleranceSeconds int   `mapstructure:"signature_tolerance_seconds"`
	RetryMaxAttempts          int   `mapstructure:"retry_max_attempts"`
	RetryLadderSeconds        []int `mapstructure:"retry_ladder_seconds"`
}

// PaymentConfig tunes the dunning engine.
type PaymentConfig struct {
	RetryScheduleDays []int `mapstructure:"retry_schedule_days"`
	MaxRetryAttempts  int   `mapstructure:"max_retry_attempts"`
}

// IdempotencyConfig tunes the HTTP idempotency layer.
type IdempotencyConfig struct {
	TTLDays int `mapstructure:"ttl_days"`
}

// ReconcileConfig tunes the reconciliation runner.
type ReconcileConfig struct {
	PendingCutoffMinutes int `mapstructure:"pending_cutoff_minutes"`
}

// GLConfig carries per-tenant journal account overrides, keyed by tenant id
// and then by trigger name. Triggers absent from an override keep the
// shipped default accounts.
type GLConfig struct {
	Accounts map[string]map[string]AccountPair `mapstructure:"accounts"`
}

// AccountPair names the debit and credit accounts for one trigger.
type AccountPair struct {
	Debit  string `mapstructure:"debit"`
	Credit string `mapstructure:"credit"`
}

// Tenant is one tenant's secrets, assembled from the environment.
type Tenant struct {
	APIKey       string
	Credentials  processor.Credentials
	Entitlements string // raw plan->features JSON, may be empty
}

// SignatureTolerance returns the webhook clock-skew window.
func (c *Config) SignatureTolerance() time.Duration {
	return time.Duration(c.Webhook.SignatureToleranceSeconds) * time.Second
}

// IdempotencyTTL returns the replay window for idempotency records.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLDays) * 24 * time.Hour
}

// PendingCutoff returns how old a pending charge or refund must be before
// reconciliation questions it.
func (c *Config) PendingCutoff() time.Duration {
	return time.Duration(c.Reconcile.PendingCutoffMinutes) * time.Minute
}

// WebhookLadder returns the redelivery backoff ladder.
func (c *Config) WebhookLadder() []time.Duration {
	out := make([]time.Duration, len(c.Webhook.RetryLadderSeconds))
	for i, s := range c.Webhook.RetryLadderSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// GLAccountOverrides converts the configured account table into the form the
// posting resolver consumes.
func (c *Config) GLAccountOverrides() map[string]glpost.AccountMap {
	if len(c.GL.Accounts) == 0 {
		return nil
	}
	out := make(map[string]glpost.AccountMap, len(c.GL.Accounts))
	for tenant, triggers := range c.GL.Accounts {
		m := make(glpost.AccountMap, len(triggers))
		for trigger, pair := range triggers {
			m[glpost.Trigger(trigger)] = glpost.Posting{Debit: pair.Debit, Credit: pair.Credit}
		}
		out[tenant] = m
	}
	return out
}

// TenantIDs returns the configured tenant ids in unspecified order.
func (c *Config) TenantIDs() []string {
	out := make([]string, 0, len(c.Tenants))
	for id := range c.Tenants {
		out = append(out, id)
	}
	return out
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if c.Webhook.SignatureToleranceSeconds <= 0 {
		return fmt.Errorf("config: webhook.signature_tolerance_seconds must be positive")
	}
	if c.Webhook.RetryMaxAttempts <= 0 {
		return fmt.Errorf("config: webhook.retry_max_attempts must be positive")
	}
	if len(c.Webhook.RetryLadderSeconds) == 0 {
		return fmt.Errorf("config: webhook.retry_ladder_seconds must not be empty")
	}
	if c.Payment.MaxRetryAttempts <= 0 {
		return fmt.Errorf("config: payment.max_retry_attempts must be positive")
	}
	if len(c.Payment.RetryScheduleDays) == 0 {
		return fmt.Errorf("config: payment.retry_schedule_days must not be empty")
	}
	if c.Idempotency.TTLDays <= 0 {
		return fmt.Errorf("config: idempotency.ttl_days must be positive")
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("config: no tenants configured; set PROCESSOR_SECRET_KEY_<TENANT>")
	}
	for tenant, triggers := range c.GL.Accounts {
		for trigger, pair := range triggers {
			if pair.Debit == "" || pair.Credit == "" {
				return fmt.Errorf("config: gl.accounts.%s.%s needs both debit and credit", tenant, trigger)
			}
		}
	}
	for id, t := range c.Tenants {
		if t.Credentials.SecretKey == "" {
			return fmt.Errorf("config: tenant %s has no processor secret key", id)
		}
		if t.Credentials.WebhookSecret == "" {
			return fmt.Errorf("config: tenant %s has no webhook secret", id)
		}
	}
	return nil
}
