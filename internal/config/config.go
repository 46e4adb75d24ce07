// Package config provides environment-based configuration management.
// Load all config from environment variables, fail fast on missing
// required values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig holds Persistence Store connection parameters.
type DatabaseConfig struct {
	DSN string // DATABASE_URL
}

// CoordinationConfig holds Coordination Store (Redis) connection
// parameters.
type CoordinationConfig struct {
	URL string // COORD_URL
}

// AuthConfig holds the auth-provider collaborator's connection details.
// Session issuance and org/user CRUD live behind AuthURL. AUTH_SECRET is
// required at load time, but no component verifies sessions with it: the
// HTTP identity middleware trusts the identity request headers.
type AuthConfig struct {
	Secret string // AUTH_SECRET
	URL    string // AUTH_URL
}

// ProviderConfig holds per-provider default webhook secrets, used when a
// Channel row does not carry its own.
type ProviderConfig struct {
	ADefaultSecret string // PROVIDER_A_SECRET
	BDefaultSecret string // PROVIDER_B_SECRET
}

// AppConfig holds process-level configuration.
type AppConfig struct {
	Port        int
	FrontendURL string // CORS origin
	StoragePath string
}

// WorkerConfig holds the bounded worker pool tunables from §5.
type WorkerConfig struct {
	IngestWorkers       int
	IngestMaxAttempts   int
	IngestBaseBackoff   time.Duration
	OutboundWorkers     int
	OutboundMaxAttempts int
	OutboundBaseBackoff time.Duration
}

// Config aggregates all configuration sections.
type Config struct {
	Database     DatabaseConfig
	Coordination CoordinationConfig
	Auth         AuthConfig
	Provider     ProviderConfig
	App          AppConfig
	Worker       WorkerConfig
}

// LoadConfig reads configuration from environment variables. Returns an
// error if a critical variable is missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.Database.DSN = getEnv("DATABASE_URL", "")
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	cfg.Coordination.URL = getEnv("COORD_URL", "")
	if cfg.Coordination.URL == "" {
		return nil, fmt.Errorf("COORD_URL environment variable is required")
	}

	cfg.Auth.Secret = getEnv("AUTH_SECRET", "")
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("AUTH_SECRET environment variable is required")
	}
	cfg.Auth.URL = getEnv("AUTH_URL", "")

	cfg.Provider.ADefaultSecret = getEnv("PROVIDER_A_SECRET", "")
	cfg.Provider.BDefaultSecret = getEnv("PROVIDER_B_SECRET", "")

	cfg.App.Port = getEnvAsInt("PORT", 8080)
	cfg.App.FrontendURL = getEnv("FRONTEND_URL", "*")
	cfg.App.StoragePath = getEnv("STORAGE_PATH", "./data")

	cfg.Worker.IngestWorkers = getEnvAsInt("INGEST_WORKERS", 16)
	cfg.Worker.IngestMaxAttempts = getEnvAsInt("INGEST_MAX_ATTEMPTS", 3)
	cfg.Worker.IngestBaseBackoff = time.Duration(getEnvAsInt("INGEST_BACKOFF_MS", 1000)) * time.Millisecond

	cfg.Worker.OutboundWorkers = getEnvAsInt("OUTBOUND_WORKERS", 16)
	cfg.Worker.OutboundMaxAttempts = getEnvAsInt("OUTBOUND_MAX_ATTEMPTS", 3)
	cfg.Worker.OutboundBaseBackoff = time.Duration(getEnvAsInt("OUTBOUND_BACKOFF_MS", 2000)) * time.Millisecond

	return cfg, nil
}

// getEnv reads environment variable with fallback default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads environment variable as integer with fallback default.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
