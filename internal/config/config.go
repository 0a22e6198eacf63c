// Package config provides configuration management for the collection scanner.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Collection CollectionConfig
	Ledger     LedgerConfig
	Indexer    IndexerConfig
	Cache      CacheConfig
	RateLimit  RateLimitConfig
	Redis      RedisConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// CollectionConfig identifies the one collection this deployment tracks.
type CollectionConfig struct {
	// ContractAddress is the collection contract. Required.
	ContractAddress string
	// CustodianAddress is the marketplace custodian; tokens held here count
	// as ACTIVE. Required.
	CustodianAddress string
	// TotalSupply is the fixed collection size (token ids 0..TotalSupply-1).
	TotalSupply int
}

// LedgerConfig holds RPC endpoint configuration
type LedgerConfig struct {
	RPCPrimary   string
	RPCSecondary string
	CallTimeout  time.Duration
}

// IndexerConfig holds the optional indexing API tier configuration.
// An empty BaseURL disables the tier.
type IndexerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// CacheConfig holds snapshot cache configuration
type CacheConfig struct {
	// TTL is the snapshot freshness window.
	TTL time.Duration
	// FilePath optionally persists the snapshot to a single JSON file.
	// Empty disables persistence.
	FilePath string
}

// RateLimitConfig holds outbound and inbound rate limiting configuration
type RateLimitConfig struct {
	// CallsPerSecond is the provider-imposed ceiling for outbound ledger calls.
	CallsPerSecond int
	// BatchPause is the pause inserted between sub-batches of a batched call.
	BatchPause time.Duration
	// APIRequestsPerSecond limits inbound HTTP requests per client.
	APIRequestsPerSecond int
}

// RedisConfig holds the optional shared budget coordination backend.
// An empty Host keeps rate limiting purely in-process.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Collection: CollectionConfig{
			ContractAddress:  getEnv("COLLECTION_CONTRACT", ""),
			CustodianAddress: getEnv("CUSTODIAN_ADDRESS", ""),
			TotalSupply:      getEnvAsInt("COLLECTION_TOTAL_SUPPLY", 7777),
		},
		Ledger: LedgerConfig{
			RPCPrimary:   getEnv("RPC_PRIMARY", ""),
			RPCSecondary: getEnv("RPC_SECONDARY", ""),
			CallTimeout:  getEnvAsDuration("RPC_CALL_TIMEOUT", 30*time.Second),
		},
		Indexer: IndexerConfig{
			BaseURL: getEnv("INDEXER_BASE_URL", ""),
			APIKey:  getEnv("INDEXER_API_KEY", ""),
			Timeout: getEnvAsDuration("INDEXER_TIMEOUT", 15*time.Second),
		},
		Cache: CacheConfig{
			TTL:      getEnvAsDuration("CACHE_TTL", 5*time.Minute),
			FilePath: getEnv("CACHE_FILE_PATH", ""),
		},
		RateLimit: RateLimitConfig{
			CallsPerSecond:       getEnvAsInt("RPC_CALLS_PER_SECOND", 25),
			BatchPause:           getEnvAsDuration("RPC_BATCH_PAUSE", 200*time.Millisecond),
			APIRequestsPerSecond: getEnvAsInt("API_REQUESTS_PER_SECOND", 20),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks that required deployment settings are present. A missing
// collection or custodian address is a configuration error, never silently
// defaulted.
func (c *Config) Validate() error {
	if c.Collection.ContractAddress == "" {
		return errors.New("COLLECTION_CONTRACT is required")
	}
	if c.Collection.CustodianAddress == "" {
		return errors.New("CUSTODIAN_ADDRESS is required")
	}
	if c.Collection.TotalSupply <= 0 {
		return fmt.Errorf("COLLECTION_TOTAL_SUPPLY must be positive, got %d", c.Collection.TotalSupply)
	}
	if c.Ledger.RPCPrimary == "" {
		return errors.New("RPC_PRIMARY is required")
	}
	if c.RateLimit.CallsPerSecond <= 0 {
		return fmt.Errorf("RPC_CALLS_PER_SECOND must be positive, got %d", c.RateLimit.CallsPerSecond)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
