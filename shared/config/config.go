package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PipelineConfig holds the configuration shared by every service in the
// streams pipeline. Per-service config packages embed the sections they
// need and add their own knobs on top.
type PipelineConfig struct {
	ServiceName string `json:"service_name"`
	Environment string `json:"environment"`

	Database DatabaseConfig `json:"database"`
	Network  NetworkConfig  `json:"network"`

	Monitoring MonitoringConfig `json:"monitoring"`
}

// DatabaseConfig holds store settings. The pipeline coordinates
// entirely through one Postgres database, so DATABASE_URL is the single
// required option.
type DatabaseConfig struct {
	URL             string        `json:"-"` // carries credentials
	MaxConnections  int           `json:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// NetworkConfig identifies the chain this deployment follows.
type NetworkConfig struct {
	Name    string `json:"name"`     // mainnet | testnet | devnet
	NodeURL string `json:"node_url"` // upstream node RPC base URL
}

// MonitoringConfig holds observability settings.
type MonitoringConfig struct {
	SentryDSN string `json:"-"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// LoadPipeline loads the shared pipeline configuration from the
// environment. A .env file is honored if present.
func LoadPipeline(serviceName string) (*PipelineConfig, error) {
	_ = godotenv.Load()

	cfg := &PipelineConfig{
		ServiceName: serviceName,
		Environment: GetEnvString("ENVIRONMENT", "development"),

		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxConnections:  GetEnvInt("DB_MAX_CONNECTIONS", 20),
			MaxIdleConns:    GetEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: GetEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: GetEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},

		Network: NetworkConfig{
			Name:    GetEnvString("STACKS_NETWORK", "mainnet"),
			NodeURL: GetEnvString("STACKS_NODE_URL", "http://localhost:20443"),
		},

		Monitoring: MonitoringConfig{
			SentryDSN: os.Getenv("SENTRY_DSN"),
			LogLevel:  GetEnvString("LOG_LEVEL", "info"),
			LogFormat: GetEnvString("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants that are fatal at startup.
func (c *PipelineConfig) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Helper functions

func GetEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare integers are treated as seconds, matching how the
		// original deployment scripts set TIP_FOLLOWER_TIMEOUT.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func GetEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
