package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/ledgerline/arcd/internal/processor"
)

// Environment variable prefixes carrying per-tenant secrets. The suffix is
// the tenant id, upper-cased.
const (
	envSecretKey     = "PROCESSOR_SECRET_KEY_"
	envAccountID     = "PROCESSOR_ACCOUNT_ID_"
	envWebhookSecret = "PROCESSOR_WEBHOOK_SECRET_"
	envAPIKey        = "API_KEY_"
	envEntitlements  = "ENTITLEMENTS_JSON_"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("processor.sandbox", true)
	v.SetDefault("webhook.signature_tolerance_seconds", 300)
	v.SetDefault("webhook.retry_max_attempts", 5)
	v.SetDefault("webhook.retry_ladder_seconds", []int{60, 300, 1800, 7200})
	v.SetDefault("payment.retry_schedule_days", []int{1, 3, 7, 7})
	v.SetDefault("payment.max_retry_attempts", 5)
	v.SetDefault("idempotency.ttl_days", 30)
	v.SetDefault("reconcile.pending_cutoff_minutes", 15)
}

// Load builds the configuration. path names an optional TOML file; an empty
// path skips the file layer entirely. Environment variables use the ARCD_
// prefix with dots replaced by underscores (ARCD_WEBHOOK_RETRY_MAX_ATTEMPTS
// overrides webhook.retry_max_attempts).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return nil, fmt.Errorf("config: file %s not found", path)
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("ARCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Tenants = tenantsFromEnv(os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// tenantsFromEnv assembles per-tenant secrets from the environment. A tenant
// exists once any of its variables is set; Validate later rejects tenants
// with incomplete credentials.
func tenantsFromEnv(environ []string) map[string]Tenant {
	tenants := make(map[string]Tenant)
	upsert := func(suffix string, apply func(*Tenant, string)) func(string) {
		return func(entry string) {
			name, value, ok := strings.Cut(entry, "=")
			if !ok || !strings.HasPrefix(name, suffix) {
				return
			}
			id := strings.ToLower(strings.TrimPrefix(name, suffix))
			if id == "" {
				return
			}
			t := tenants[id]
			apply(&t, value)
			tenants[id] = t
		}
	}

	appliers := []func(string){
		upsert(envSecretKey, func(t *Tenant, v string) { t.Credentials.SecretKey = v }),
		upsert(envAccountID, func(t *Tenant, v string) { t.Credentials.AccountID = v }),
		upsert(envWebhookSecret, func(t *Tenant, v string) { t.Credentials.WebhookSecret = v }),
		upsert(envAPIKey, func(t *Tenant, v string) { t.APIKey = v }),
		upsert(envEntitlements, func(t *Tenant, v string) { t.Entitlements = v }),
	}
	for _, entry := range environ {
		for _, apply := range appliers {
			apply(entry)
		}
	}
	return tenants
}

// Credentials returns the processor credential map the sandbox factory
// consumes.
func (c *Config) Credentials() map[string]processor.Credentials {
	out := make(map[string]processor.Credentials, len(c.Tenants))
	for id, t := range c.Tenants {
		out[id] = t.Credentials
	}
	return out
}

// APIKeys returns the api-key -> tenant map the HTTP auth layer consumes.
func (c *Config) APIKeys() map[string]string {
	out := make(map[string]string, len(c.Tenants))
	for id, t := range c.Tenants {
		if t.APIKey != "" {
			out[t.APIKey] = id
		}
	}
	return out
}

// EntitlementsSource adapts the tenant catalogs to the entitlements
// resolver's lookup shape.
func (c *Config) EntitlementsSource() func(tenant string) (string, bool) {
	return func(tenant string) (string, bool) {
		t, ok := c.Tenants[tenant]
		if !ok || t.Entitlements == "" {
			return "", false
		}
		return t.Entitlements, true
	}
}
