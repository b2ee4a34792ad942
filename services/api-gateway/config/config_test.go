package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-gateway/internal/handlers"
	"github.com/ramiqadoumi/go-task-gateway/services/api-gateway/config"
)

func defaults() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load(defaults())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 30*time.Second, cfg.TaskTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Empty(t, cfg.Brokers())

	lead, err := cfg.LeadConfig()
	require.NoError(t, err)
	want := handlers.DefaultLeadConfig()
	assert.True(t, want.Weights.Budget.Equal(lead.Weights.Budget))
	assert.True(t, want.BudgetSaturation.Equal(lead.BudgetSaturation))
	assert.Equal(t, want.HotThreshold, lead.HotThreshold)
	_, err = handlers.NewLeadScorer(lead)
	assert.NoError(t, err)

	inv, err := cfg.InvoiceConfig()
	require.NoError(t, err)
	assert.True(t, inv.TaxRate.IsZero())
	assert.Equal(t, "USD", inv.Currency)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_backend: redis
redis_addr: "localhost:6379"
kafka_brokers: "k1:9092, k2:9092"
task_timeout: 5s
invoice_tax_rate: "0.0825"
invoice_currency: eur
email_keywords:
  urgency: [urgent, asap]
`), 0o644))

	v := defaults()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg := config.Load(v)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BackendRedis, cfg.StoreBackend)
	assert.Equal(t, 5*time.Second, cfg.TaskTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.Equal(t, []string{"urgent", "asap"}, cfg.EmailKeywords["urgency"])

	inv, err := cfg.InvoiceConfig()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.0825").Equal(inv.TaxRate))
	assert.Equal(t, "EUR", inv.Currency)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"unknown backend":       func(c *config.Config) { c.StoreBackend = "mongo" },
		"redis without address": func(c *config.Config) { c.StoreBackend = config.BackendRedis },
		"postgres without dsn":  func(c *config.Config) { c.StoreBackend = config.BackendPostgres },
		"zero timeout":          func(c *config.Config) { c.TaskTimeout = 0 },
		"default above max":     func(c *config.Config) { c.ListDefaultLimit = c.ListMaxLimit + 1 },
		"bad schedule":          func(c *config.Config) { c.StaleScanSchedule = "sometimes" },
		"rate limit w/o redis":  func(c *config.Config) { c.RateLimit = 10 },
		"non numeric tax":       func(c *config.Config) { c.InvoiceTaxRate = "ten percent" },
		"warm above hot":        func(c *config.Config) { c.LeadWarmThreshold = c.LeadHotThreshold + 1 },
		"bad log level":         func(c *config.Config) { c.LogLevel = "chatty" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Load(defaults())
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
