package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/tax"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	DatabaseURL string
	RedisURL    string

	Currency                  string
	FloorStrategy             pricing.FloorStrategy
	Rounding                  money.Rounding
	TaxAddress                tax.Basis
	DefaultTaxCategoryID      string
	DefaultShippingCategoryID string

	OrderLockTTL    time.Duration
	OrderLockRetry  time.Duration
	CatalogCacheTTL time.Duration

	Obs ObsConfig
}

// ObsConfig configures logging, metrics and tracing.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBuckets   string
	EnableTracing    bool
	OTLPEndpoint     string
	SamplingRatio    float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	floor, err := pricing.ParseFloorStrategy(k.String("PRICING_FLOOR_STRATEGY"))
	if err != nil {
		return nil, fmt.Errorf("PRICING_FLOOR_STRATEGY: %w", err)
	}
	rounding, err := money.ParseRounding(k.String("PRICING_ROUNDING_MODE"))
	if err != nil {
		return nil, fmt.Errorf("PRICING_ROUNDING_MODE: %w", err)
	}
	basis, err := tax.ParseBasis(k.String("PRICING_TAX_ADDRESS"))
	if err != nil {
		return nil, fmt.Errorf("PRICING_TAX_ADDRESS: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		DatabaseURL: strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(k.String("REDIS_URL")),

		Currency:                  money.NormalizeCurrency(valueOrDefault(k.String("PRICING_CURRENCY"), "USD")),
		FloorStrategy:             floor,
		Rounding:                  rounding,
		TaxAddress:                basis,
		DefaultTaxCategoryID:      strings.TrimSpace(k.String("PRICING_DEFAULT_TAX_CATEGORY")),
		DefaultShippingCategoryID: strings.TrimSpace(k.String("PRICING_DEFAULT_SHIPPING_CATEGORY")),

		OrderLockTTL:    parseDuration(k.String("ORDER_LOCK_TTL"), "30s"),
		OrderLockRetry:  parseDuration(k.String("ORDER_LOCK_RETRY"), "50ms"),
		CatalogCacheTTL: parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),

		Obs: ObsConfig{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "toko_pricing"),
			MetricsBuckets:   k.String("OBS_METRICS_BUCKETS_MS"),
			EnableTracing:    parseBool(k.String("OBS_ENABLE_TRACING")),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
		},
	}

	if len(cfg.Currency) != 3 {
		return nil, fmt.Errorf("PRICING_CURRENCY must be an ISO 4217 code, got %q", cfg.Currency)
	}
	if cfg.Obs.SamplingRatio < 0 || cfg.Obs.SamplingRatio > 1 {
		return nil, fmt.Errorf("OBS_TRACING_SAMPLING_RATIO must be within [0,1], got %v", cfg.Obs.SamplingRatio)
	}
	return cfg, nil
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseFloat(value string, fallback float64) float64 {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
