// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration. Values come from environment
// variables (.env supported); market policy comes from a YAML file.
type Config struct {
	DataDir  string // Base directory for databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	// Event processing.
	WorkerPoolSize int     // default CPUs*4, capped at 64
	PartitionCount int     // default WorkerPoolSize*8
	HighWatermark  int     // dispatcher refuses events above this queue depth
	LowWatermark   int     // consumers resume below this depth
	IngressRate    float64 // events/sec admitted per topic group, 0 = unlimited

	// Idempotency and caching.
	DedupWindow time.Duration
	CacheTTL    time.Duration

	// Per-operation processing budgets.
	PositionBudget  time.Duration
	InventoryBudget time.Duration
	ShortSellBudget time.Duration
	LocateBudget    time.Duration

	// Retry policy for Transient failures.
	RetryBase     time.Duration
	RetryCap      time.Duration
	RetryAttempts int

	// Locate expiry sweep.
	LocateSweep time.Duration

	// Market policy YAML (calendars, decrement table, market post-rules,
	// seed rules). Empty = built-in defaults.
	MarketPolicyPath string

	// External availability feed.
	FeedURL     string
	FeedEnabled bool

	// Dead-letter archive (S3-compatible).
	ArchiveEnabled   bool
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("IMS_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	workers := getEnvAsInt("IMS_WORKERS", defaultWorkers())
	if workers < 1 {
		workers = 1
	}
	partitions := getEnvAsInt("IMS_PARTITIONS", workers*8)
	if partitions < workers {
		partitions = workers * 8
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("IMS_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		WorkerPoolSize: workers,
		PartitionCount: partitions,
		HighWatermark:  getEnvAsInt("IMS_HIGH_WATERMARK", 10000),
		LowWatermark:   getEnvAsInt("IMS_LOW_WATERMARK", 2500),
		IngressRate:    getEnvAsFloat("IMS_INGRESS_RATE", 0),

		DedupWindow: getEnvAsDuration("IMS_DEDUP_WINDOW", 24*time.Hour),
		CacheTTL:    getEnvAsDuration("IMS_CACHE_TTL", 1800*time.Second),

		PositionBudget:  getEnvAsDuration("IMS_POSITION_BUDGET", 1000*time.Millisecond),
		InventoryBudget: getEnvAsDuration("IMS_INVENTORY_BUDGET", 1000*time.Millisecond),
		ShortSellBudget: getEnvAsDuration("IMS_SHORTSELL_BUDGET", 150*time.Millisecond),
		LocateBudget:    getEnvAsDuration("IMS_LOCATE_BUDGET", 2000*time.Millisecond),

		RetryBase:     getEnvAsDuration("IMS_RETRY_BASE", 100*time.Millisecond),
		RetryCap:      getEnvAsDuration("IMS_RETRY_CAP", 5*time.Second),
		RetryAttempts: getEnvAsInt("IMS_RETRY_ATTEMPTS", 5),

		LocateSweep: getEnvAsDuration("IMS_LOCATE_SWEEP", 10*time.Minute),

		MarketPolicyPath: getEnv("IMS_MARKET_POLICY", ""),

		FeedURL:     getEnv("IMS_FEED_URL", ""),
		FeedEnabled: getEnvAsBool("IMS_FEED_ENABLED", false),

		ArchiveEnabled:   getEnvAsBool("IMS_ARCHIVE_ENABLED", false),
		ArchiveBucket:    getEnv("IMS_ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:  getEnv("IMS_ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:    getEnv("IMS_ARCHIVE_REGION", "auto"),
		ArchiveAccessKey: getEnv("IMS_ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("IMS_ARCHIVE_SECRET_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.LowWatermark >= c.HighWatermark {
		return fmt.Errorf("low watermark %d must be below high watermark %d",
			c.LowWatermark, c.HighWatermark)
	}
	if c.ArchiveEnabled && c.ArchiveBucket == "" {
		return fmt.Errorf("archive enabled but IMS_ARCHIVE_BUCKET not set")
	}
	if c.FeedEnabled && c.FeedURL == "" {
		return fmt.Errorf("feed enabled but IMS_FEED_URL not set")
	}
	return nil
}

func defaultWorkers() int {
	n := runtime.NumCPU() * 4
	if n > 64 {
		n = 64
	}
	return n
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
