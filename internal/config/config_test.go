package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/arcd/internal/glpost"
)

func setTenantEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROCESSOR_SECRET_KEY_ACME", "sk_live_1")
	t.Setenv("PROCESSOR_ACCOUNT_ID_ACME", "acct_1")
	t.Setenv("PROCESSOR_WEBHOOK_SECRET_ACME", "whsec_1")
	t.Setenv("API_KEY_ACME", "key_1")
	t.Setenv("ARCD_DATABASE_URL", "postgres://localhost/arcd")
}

func TestLoadDefaults(t *testing.T) {
	setTenantEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.True(t, cfg.Processor.Sandbox)
	assert.Equal(t, 5*time.Minute, cfg.SignatureTolerance())
	assert.Equal(t, 30*24*time.Hour, cfg.IdempotencyTTL())
	assert.Equal(t, 15*time.Minute, cfg.PendingCutoff())
	assert.Equal(t,
		[]time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour},
		cfg.WebhookLadder())
	assert.Equal(t, []int{1, 3, 7, 7}, cfg.Payment.RetryScheduleDays)
}

func TestLoadAssemblesTenantsFromEnv(t *testing.T) {
	setTenantEnv(t)
	t.Setenv("PROCESSOR_SECRET_KEY_ZENITH", "sk_live_2")
	t.Setenv("PROCESSOR_WEBHOOK_SECRET_ZENITH", "whsec_2")
	t.Setenv("ENTITLEMENTS_JSON_ZENITH", `{"pro":["api"]}`)

	cfg, err := Load("")
	require.NoError(t, err)

	require.Len(t, cfg.Tenants, 2)
	assert.Equal(t, "sk_live_1", cfg.Tenants["acme"].Credentials.SecretKey)
	assert.Equal(t, "acct_1", cfg.Tenants["acme"].Credentials.AccountID)

	creds := cfg.Credentials()
	assert.Equal(t, "whsec_2", creds["zenith"].WebhookSecret)

	keys := cfg.APIKeys()
	assert.Equal(t, "acme", keys["key_1"])

	src := cfg.EntitlementsSource()
	raw, ok := src("zenith")
	require.True(t, ok)
	assert.JSONEq(t, `{"pro":["api"]}`, raw)
	_, ok = src("acme")
	assert.False(t, ok)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	setTenantEnv(t)
	t.Setenv("ARCD_WEBHOOK_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("ARCD_LISTEN_ADDR", ":9090")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Webhook.RetryMaxAttempts)
	assert.Equal(t, ":9090", cfg.ListenAddr)
}

func TestLoadTOMLFile(t *testing.T) {
	setTenantEnv(t)
	path := filepath.Join(t.TempDir(), "arcd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr = ":7000"

[webhook]
signature_tolerance_seconds = 120
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 2*time.Minute, cfg.SignatureTolerance())
}

func TestLoadGLAccountOverrides(t *testing.T) {
	setTenantEnv(t)
	path := filepath.Join(t.TempDir(), "arcd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[gl.accounts.acme.payment_applied]
debit  = "1010"
credit = "1205"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	overrides := cfg.GLAccountOverrides()
	require.Contains(t, overrides, "acme")
	assert.Equal(t,
		glpost.Posting{Debit: "1010", Credit: "1205"},
		overrides["acme"][glpost.TriggerPaymentApplied])

	// Overrides only replace the named trigger; the resolver keeps the
	// defaults for everything else.
	resolver := glpost.NewStaticResolver(overrides)
	accounts := resolver.AccountsFor("acme")
	assert.Equal(t, "1010", accounts[glpost.TriggerPaymentApplied].Debit)
	assert.Equal(t, glpost.AccountReceivable, accounts[glpost.TriggerInvoiceIssued].Debit)
}

func TestLoadRejectsIncompleteGLOverride(t *testing.T) {
	setTenantEnv(t)
	path := filepath.Join(t.TempDir(), "arcd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[gl.accounts.acme.write_off]
debit = "6305"
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gl.accounts.acme.write_off")
}

func TestLoadRejectsMissingDatabase(t *testing.T) {
	t.Setenv("PROCESSOR_SECRET_KEY_ACME", "sk")
	t.Setenv("PROCESSOR_WEBHOOK_SECRET_ACME", "whsec")
	t.Setenv("ARCD_DATABASE_URL", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestValidateRejectsIncompleteTenant(t *testing.T) {
	t.Setenv("PROCESSOR_SECRET_KEY_ACME", "sk")
	t.Setenv("ARCD_DATABASE_URL", "postgres://localhost/arcd")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook secret")
}
