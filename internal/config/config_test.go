package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("REFUND_WINDOW", "")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 72*time.Hour, cfg.RefundWindow)
	assert.Equal(t, int64(100), cfg.FreeMonthlyScans)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("REFUND_WINDOW", "48h")
	t.Setenv("ADMIN_EMAILS", " Ops@Example.com, ,billing@example.com")
	t.Setenv("FREE_MONTHLY_SCANS", "250")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sk_test_123", cfg.StripeSecretKey)
	assert.Equal(t, 48*time.Hour, cfg.RefundWindow)
	assert.Equal(t, int64(250), cfg.FreeMonthlyScans)
	assert.Equal(t, []string{"ops@example.com", "billing@example.com"}, cfg.AdminEmails())
}

func TestValidate_RequiresProcessorSecrets(t *testing.T) {
	cfg := Config{Env: "development"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")

	cfg.StripeSecretKey = "sk_test"
	cfg.StripeWebhookSecret = "whsec_test"
	cfg.StripeProPriceID = "price_pro"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_OperatorSecretOptionalOutsideProduction(t *testing.T) {
	cfg := Config{
		Env:                 "production",
		JWTSecret:           "prod-secret",
		StripeSecretKey:     "sk_live",
		StripeWebhookSecret: "whsec_live",
		StripeProPriceID:    "price_pro",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPERATOR_SECRET")

	cfg.Env = "staging"
	assert.NoError(t, cfg.Validate())
}
