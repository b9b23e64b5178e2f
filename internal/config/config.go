// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	EscrowContract string // Escrow contract address; empty disables the listener
	StartBlock     uint64 // Block to start scanning from on a fresh cursor

	// Reconciliation settings
	PollInterval      time.Duration // Listener poll cadence
	ReconcileInterval time.Duration // Background sweep cadence
	WorkerPoolSize    int           // Concurrent escrows per sweep

	// Observability
	OTLPEndpoint string // OTLP trace collector endpoint (optional)

	// Security
	AdminSecret string // Admin API secret
}

// Base Sepolia defaults
const (
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultPollInterval      = 15 * time.Second
	DefaultReconcileInterval = time.Minute
	DefaultWorkerPoolSize    = 8
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:    os.Getenv("ESCROW_CONTRACT"),
		StartBlock:        uint64(getEnvInt64("START_BLOCK", 0)),
		PollInterval:      getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		WorkerPoolSize:    int(getEnvInt64("WORKER_POOL_SIZE", DefaultWorkerPoolSize)),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	// Allow both with and without 0x prefix
	if c.EscrowContract != "" {
		addr := c.EscrowContract
		if len(addr) == 42 && addr[:2] == "0x" {
			addr = addr[2:]
		}
		if len(addr) != 40 {
			return fmt.Errorf("ESCROW_CONTRACT must be a 40 hex character address (with or without 0x prefix)")
		}
	}

	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive")
	}

	return nil
}

// ListenerEnabled reports whether on-chain event listening is configured
func (c *Config) ListenerEnabled() bool {
	return c.EscrowContract != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
