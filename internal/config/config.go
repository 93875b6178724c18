package config

import (
	"os"
	"strconv"
)

// EnvLocal enables the local development mode: secret encryption becomes a
// passthrough and the key vault is never contacted.
const EnvLocal = "local"

// Config holds all configuration for the AppFoundry control plane.
type Config struct {
	Port        int
	Version     string
	Environment string
	AppsDir     string

	Database  DatabaseConfig
	Vault     VaultConfig
	Embedding EmbeddingConfig
	Quota     QuotaConfig
	Billing   BillingConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

// VaultConfig points at the managed secret store holding the data
// encryption key.
type VaultConfig struct {
	URL     string
	KeyName string
	Token   string
}

type EmbeddingConfig struct {
	APIKey    string
	Model     string
	Dimension int
}

type QuotaConfig struct {
	ProjectDaily   int
	ProjectMonthly int
	MaxAgents      int
}

type BillingConfig struct {
	StripeWebhookSigningSecret string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	APIKeyHeader     string
	APIKeyHashSecret string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        envInt("APPFOUNDRY_PORT", 8000),
		Version:     envStr("APPFOUNDRY_VERSION", "0.1.0"),
		Environment: envStr("APPFOUNDRY_ENVIRONMENT", EnvLocal),
		AppsDir:     envStr("APPFOUNDRY_APPS_DIR", "./apps"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Vault: VaultConfig{
			URL:     envStr("KEYVAULT_URL", ""),
			KeyName: envStr("KEYVAULT_KEY_NAME", "data-encryption-key"),
			Token:   envStr("KEYVAULT_TOKEN", ""),
		},
		Embedding: EmbeddingConfig{
			APIKey:    envStr("OPENAI_API_KEY", ""),
			Model:     envStr("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimension: envInt("OPENAI_EMBEDDING_DIMENSION", 1024),
		},
		Quota: QuotaConfig{
			ProjectDaily:   envInt("PROJECT_DAILY_QUOTA", 1000),
			ProjectMonthly: envInt("PROJECT_MONTHLY_QUOTA", 10000),
			MaxAgents:      envInt("MAX_AGENTS_PER_PROJECT", 10),
		},
		Billing: BillingConfig{
			StripeWebhookSigningSecret: envStr("STRIPE_WEBHOOK_SIGNING_SECRET", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "appfoundry-control-plane"),
		},
		Auth: AuthConfig{
			APIKeyHeader:     envStr("AUTH_API_KEY_HEADER", "X-API-KEY"),
			APIKeyHashSecret: envStr("API_KEY_HASHING_SECRET", ""),
		},
	}
}

// IsLocal reports whether the server runs in the local bypass mode.
func (c *Config) IsLocal() bool {
	return c.Environment == EnvLocal
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
