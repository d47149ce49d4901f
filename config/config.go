package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache / rate limiting
	RedisAddr string

	// Auth
	JWTSecret string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Billing
	ModelsConfigPath string  // default: models.yaml
	Markup           float64 // fraction, default: 0.25

	// Provider dispatch
	ProviderTimeout time.Duration // per attempt, default: 60s

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Reconciliation
	ReconcileInterval time.Duration // default: 10m, 0 disables
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		ModelsConfigPath:     getEnv("MODELS_CONFIG", "models.yaml"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	markupStr := getEnv("BILLING_MARKUP", "0.25")
	markup, err := strconv.ParseFloat(markupStr, 64)
	if err != nil || markup < 0 {
		return nil, fmt.Errorf("invalid BILLING_MARKUP: %s", markupStr)
	}
	cfg.Markup = markup

	timeoutStr := getEnv("PROVIDER_TIMEOUT_SECONDS", "60")
	timeoutSec, err := strconv.Atoi(timeoutStr)
	if err != nil || timeoutSec <= 0 {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT_SECONDS: %s", timeoutStr)
	}
	cfg.ProviderTimeout = time.Duration(timeoutSec) * time.Second

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	reconcileStr := getEnv("RECONCILE_INTERVAL_MINUTES", "10")
	reconcileMin, err := strconv.Atoi(reconcileStr)
	if err != nil || reconcileMin < 0 {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL_MINUTES: %s", reconcileStr)
	}
	cfg.ReconcileInterval = time.Duration(reconcileMin) * time.Minute

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
