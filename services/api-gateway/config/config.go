package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-gateway/internal/handlers"
	"github.com/ramiqadoumi/go-task-gateway/internal/validation"
)

// Store backends accepted by store_backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel     string `validate:"oneof=debug info warn error"`
	HTTPPort     string `validate:"required,numeric"`
	MetricsAddr  string
	OTelEndpoint string

	StoreBackend   string        `validate:"oneof=memory redis postgres"`
	RedisAddr      string        `validate:"required_if=StoreBackend redis"`
	RedisRecordTTL time.Duration `validate:"gte=0"`
	PostgresDSN    string        `validate:"required_if=StoreBackend postgres"`

	KafkaBrokers string
	EventsTopic  string `validate:"required"`

	TaskTimeout       time.Duration `validate:"gt=0"`
	ListDefaultLimit  int           `validate:"gte=1,ltefield=ListMaxLimit"`
	ListMaxLimit      int           `validate:"gte=1"`
	StaleAfter        time.Duration `validate:"gt=0"`
	StaleScanSchedule string        `validate:"required"`
	StaleScanLimit    int           `validate:"gte=1"`

	RateLimit  int           `validate:"gte=0"`
	RateWindow time.Duration `validate:"gt=0"`

	CORSAllowedOrigins []string

	EmailMaxLength     int `validate:"gte=1"`
	EmailSummaryLength int `validate:"gte=1"`
	EmailKeywords      map[string][]string

	InvoiceTaxRate          string `validate:"numeric"`
	InvoicePaymentTermsDays int    `validate:"gte=0"`
	InvoiceCurrency         string `validate:"len=3,uppercase"`

	LeadWeightSize          string `validate:"numeric"`
	LeadWeightIndustry      string `validate:"numeric"`
	LeadWeightBudget        string `validate:"numeric"`
	LeadWeightEngagement    string `validate:"numeric"`
	LeadWeightDecisionMaker string `validate:"numeric"`
	LeadLargeCompany        int    `validate:"gt=100"`
	LeadBudgetSaturation    string `validate:"numeric"`
	LeadHotThreshold        int    `validate:"gte=0,lte=100"`
	LeadWarmThreshold       int    `validate:"gte=0,ltefield=LeadHotThreshold"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	lead := handlers.DefaultLeadConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", "8000")
	v.SetDefault("metrics_addr", ":9095")
	v.SetDefault("store_backend", BackendMemory)
	v.SetDefault("redis_record_ttl", 7*24*time.Hour)
	v.SetDefault("events_topic", "tasks.events")
	v.SetDefault("task_timeout", 30*time.Second)
	v.SetDefault("list_default_limit", 50)
	v.SetDefault("list_max_limit", 500)
	v.SetDefault("stale_after", 5*time.Minute)
	v.SetDefault("stale_scan_schedule", "@every 1m")
	v.SetDefault("stale_scan_limit", 500)
	v.SetDefault("rate_limit", 0)
	v.SetDefault("rate_window", time.Minute)
	v.SetDefault("cors_allowed_origins", []string{"*"})
	v.SetDefault("email_max_length", validation.DefaultEmailMaxLength)
	v.SetDefault("email_summary_length", handlers.DefaultSummaryLength)
	v.SetDefault("invoice_tax_rate", "0")
	v.SetDefault("invoice_payment_terms_days", handlers.DefaultPaymentTermsDays)
	v.SetDefault("invoice_currency", handlers.DefaultCurrency)
	v.SetDefault("lead_weight_size", lead.Weights.Size.String())
	v.SetDefault("lead_weight_industry", lead.Weights.Industry.String())
	v.SetDefault("lead_weight_budget", lead.Weights.Budget.String())
	v.SetDefault("lead_weight_engagement", lead.Weights.Engagement.String())
	v.SetDefault("lead_weight_decision_maker", lead.Weights.DecisionMaker.String())
	v.SetDefault("lead_large_company", lead.LargeCompany)
	v.SetDefault("lead_budget_saturation", lead.BudgetSaturation.String())
	v.SetDefault("lead_hot_threshold", lead.HotThreshold)
	v.SetDefault("lead_warm_threshold", lead.WarmThreshold)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     strings.ToLower(v.GetString("log_level")),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		StoreBackend:   strings.ToLower(v.GetString("store_backend")),
		RedisAddr:      v.GetString("redis_addr"),
		RedisRecordTTL: v.GetDuration("redis_record_ttl"),
		PostgresDSN:    v.GetString("postgres_dsn"),

		KafkaBrokers: v.GetString("kafka_brokers"),
		EventsTopic:  v.GetString("events_topic"),

		TaskTimeout:       v.GetDuration("task_timeout"),
		ListDefaultLimit:  v.GetInt("list_default_limit"),
		ListMaxLimit:      v.GetInt("list_max_limit"),
		StaleAfter:        v.GetDuration("stale_after"),
		StaleScanSchedule: v.GetString("stale_scan_schedule"),
		StaleScanLimit:    v.GetInt("stale_scan_limit"),

		RateLimit:  v.GetInt("rate_limit"),
		RateWindow: v.GetDuration("rate_window"),

		CORSAllowedOrigins: v.GetStringSlice("cors_allowed_origins"),

		EmailMaxLength:     v.GetInt("email_max_length"),
		EmailSummaryLength: v.GetInt("email_summary_length"),
		EmailKeywords:      v.GetStringMapStringSlice("email_keywords"),

		InvoiceTaxRate:          v.GetString("invoice_tax_rate"),
		InvoicePaymentTermsDays: v.GetInt("invoice_payment_terms_days"),
		InvoiceCurrency:         strings.ToUpper(v.GetString("invoice_currency")),

		LeadWeightSize:          v.GetString("lead_weight_size"),
		LeadWeightIndustry:      v.GetString("lead_weight_industry"),
		LeadWeightBudget:        v.GetString("lead_weight_budget"),
		LeadWeightEngagement:    v.GetString("lead_weight_engagement"),
		LeadWeightDecisionMaker: v.GetString("lead_weight_decision_maker"),
		LeadLargeCompany:        v.GetInt("lead_large_company"),
		LeadBudgetSaturation:    v.GetString("lead_budget_saturation"),
		LeadHotThreshold:        v.GetInt("lead_hot_threshold"),
		LeadWarmThreshold:       v.GetInt("lead_warm_threshold"),
	}
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
		}
	}
	if _, err := cron.ParseStandard(c.StaleScanSchedule); c.StaleScanSchedule != "" && err != nil {
		errs = append(errs, fmt.Errorf("StaleScanSchedule: %w", err))
	}
	if c.RateLimit > 0 && c.RedisAddr == "" {
		errs = append(errs, errors.New("RateLimit: requires redis_addr"))
	}
	return errors.Join(errs...)
}

// Brokers splits KafkaBrokers. An empty value means events are disabled.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// ValidationConfig returns the request validator settings.
func (c Config) ValidationConfig() validation.Config {
	return validation.Config{EmailMaxLength: c.EmailMaxLength}
}

// EmailConfig returns the email parser settings.
func (c Config) EmailConfig() handlers.EmailConfig {
	return handlers.EmailConfig{SummaryLength: c.EmailSummaryLength, Keywords: c.EmailKeywords}
}

// InvoiceConfig returns the invoice generator settings. Call Validate first.
func (c Config) InvoiceConfig() (handlers.InvoiceConfig, error) {
	rate, err := decimal.NewFromString(c.InvoiceTaxRate)
	if err != nil {
		return handlers.InvoiceConfig{}, fmt.Errorf("invoice_tax_rate: %w", err)
	}
	return handlers.InvoiceConfig{
		TaxRate:          rate,
		PaymentTermsDays: c.InvoicePaymentTermsDays,
		Currency:         c.InvoiceCurrency,
	}, nil
}

// LeadConfig returns the lead scorer settings. Call Validate first.
func (c Config) LeadConfig() (handlers.LeadConfig, error) {
	var (
		cfg handlers.LeadConfig
		err error
	)
	parse := func(key, s string) decimal.Decimal {
		d, perr := decimal.NewFromString(s)
		if perr != nil && err == nil {
			err = fmt.Errorf("%s: %w", key, perr)
		}
		return d
	}
	cfg.Weights = handlers.LeadWeights{
		Size:          parse("lead_weight_size", c.LeadWeightSize),
		Industry:      parse("lead_weight_industry", c.LeadWeightIndustry),
		Budget:        parse("lead_weight_budget", c.LeadWeightBudget),
		Engagement:    parse("lead_weight_engagement", c.LeadWeightEngagement),
		DecisionMaker: parse("lead_weight_decision_maker", c.LeadWeightDecisionMaker),
	}
	cfg.BudgetSaturation = parse("lead_budget_saturation", c.LeadBudgetSaturation)
	cfg.LargeCompany = c.LeadLargeCompany
	cfg.HotThreshold = c.LeadHotThreshold
	cfg.WarmThreshold = c.LeadWarmThreshold
	return cfg, err
}
