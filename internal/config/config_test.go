package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "usd", cfg.Payments.Currency)
	assert.Equal(t, 10*time.Second, cfg.Stripe.Timeout)
	assert.False(t, cfg.Payments.InlineApply)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("PAYMENTS_CURRENCY", "EUR")
	t.Setenv("STRIPE_TIMEOUT", "3s")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("WORKER_CONCURRENCY", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "eur", cfg.Payments.Currency)
	assert.Equal(t, 3*time.Second, cfg.Stripe.Timeout)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
}

func TestLoadMemoryStoreForcesInlineApply(t *testing.T) {
	t.Setenv("STORE", StoreMemory)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Payments.InlineApply)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	t.Run("unknown store", func(t *testing.T) {
		t.Setenv("STORE", "mongo")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("stripe without webhook secret", func(t *testing.T) {
		t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
		_, err := Load()
		require.ErrorContains(t, err, "STRIPE_WEBHOOK_SECRET")
	})
}
