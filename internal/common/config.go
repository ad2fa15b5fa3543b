package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Ledger    DatabaseConfig
	Warehouse DatabaseConfig
	Batch     BatchConfig
	Scraper   ScraperConfig
	LLM       LLMConfig
	Links     LinksConfig
	Ads       AdsConfig
	Server    ServerConfig
	LogLevel  string
}

// DatabaseConfig holds database-related configuration.
// An empty DSN disables the store (warehouse only).
type DatabaseConfig struct {
	Driver           string
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// BatchConfig controls the batch loop shared by both pipelines.
type BatchConfig struct {
	Size             int
	Workers          int
	ItemTimeout      time.Duration
	RateLimitBackoff time.Duration
	StopOnRateLimit  bool
	BreakerThreshold int
	// OutputTarget is "ledger" or "warehouse"; the store that owns Output rows.
	OutputTarget string
}

// ScraperConfig holds product-page fetch settings
type ScraperConfig struct {
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	RateLimitMarkers  []string
	MaxProducts       int
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// LinksConfig holds link validation settings
type LinksConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// AdsConfig holds the ad-duplication pipeline settings
type AdsConfig struct {
	BaseURL           string
	APIVersion        string
	DeveloperToken    string
	AccessToken       string
	LoginCustomerID   string
	Theme             string
	MaxOpsPerCall     int
	RequestsPerSecond float64
	DryRun            bool
	Timeout           time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr string
	GRPCAddr string
}

// LoadConfig loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	workers := getEnvAsInt("WORKER_COUNT", 3)
	return &Config{
		Ledger: DatabaseConfig{
			Driver:           getEnv("LEDGER_DRIVER", "sqlite"),
			DSN:              getEnv("LEDGER_DSN", "file:workledger.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),
			MaxConns:         getEnvAsInt32("LEDGER_MAX_CONNS", int32(workers+1)),
			MinConns:         getEnvAsInt32("LEDGER_MIN_CONNS", 1),
			MaxConnLifetime:  getEnvAsDuration("LEDGER_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("LEDGER_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("LEDGER_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("LEDGER_STATEMENT_TIMEOUT", 0),
		},
		Warehouse: DatabaseConfig{
			Driver:           "postgres",
			DSN:              getEnv("WAREHOUSE_DSN", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", int32(workers)),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 1),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 10*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Batch: BatchConfig{
			Size:             getEnvAsInt("BATCH_SIZE", 10),
			Workers:          workers,
			ItemTimeout:      getEnvAsDuration("ITEM_TIMEOUT", 3*time.Minute),
			RateLimitBackoff: getEnvAsDuration("RATE_LIMIT_BACKOFF", time.Minute),
			StopOnRateLimit:  getEnvAsBool("STOP_ON_RATE_LIMIT", false),
			BreakerThreshold: getEnvAsInt("BREAKER_THRESHOLD", 3),
			OutputTarget:     getEnv("OUTPUT_TARGET", "ledger"),
		},
		Scraper: ScraperConfig{
			UserAgent:         getEnv("SCRAPER_USER_AGENT", "workledger-bot"),
			Timeout:           getEnvAsDuration("SCRAPER_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsFloat64("SCRAPER_RPS", 1),
			RateLimitMarkers:  getEnvAsList("SCRAPER_RATE_LIMIT_MARKERS", []string{"503 Service Unavailable", "Service Unavailable"}),
			MaxProducts:       getEnvAsInt("SCRAPER_MAX_PRODUCTS", 70),
		},
		LLM: LLMConfig{
			Model:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			BaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Temperature: getEnvAsFloat32("OPENAI_TEMPERATURE", 0.7),
			MaxTokens:   getEnvAsInt("OPENAI_MAX_TOKENS", 300),
			Timeout:     getEnvAsDuration("OPENAI_TIMEOUT", 45*time.Second),
		},
		Links: LinksConfig{
			BaseURL:           getEnv("LINK_BASE_URL", ""),
			Timeout:           getEnvAsDuration("LINK_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvAsFloat64("LINK_RPS", 5),
		},
		Ads: AdsConfig{
			BaseURL:           getEnv("GOOGLE_ADS_BASE_URL", "https://googleads.googleapis.com"),
			APIVersion:        getEnv("GOOGLE_ADS_API_VERSION", "v17"),
			DeveloperToken:    getEnv("GOOGLE_ADS_DEVELOPER_TOKEN", ""),
			AccessToken:       getEnv("GOOGLE_ADS_ACCESS_TOKEN", ""),
			LoginCustomerID:   getEnv("GOOGLE_ADS_LOGIN_CUSTOMER_ID", ""),
			Theme:             getEnv("THEME", "singles_day"),
			MaxOpsPerCall:     getEnvAsInt("ADS_MAX_OPS_PER_CALL", 1000),
			RequestsPerSecond: getEnvAsFloat64("ADS_RPS", 2),
			DryRun:            getEnvAsBool("DRY_RUN", false),
			Timeout:           getEnvAsDuration("ADS_TIMEOUT", time.Minute),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr: getEnv("GRPC_ADDR", ":9090"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Helper functions for environment variable parsing
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

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvAsList splits a "|" separated value; markers may contain commas.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Ledger.DSN == "" {
		return NewAppError("CONFIG_ERROR", "LEDGER_DSN is required", ErrInvalidInput)
	}
	if c.Ledger.Driver != "sqlite" && c.Ledger.Driver != "postgres" {
		return NewAppError("CONFIG_ERROR", "LEDGER_DRIVER must be sqlite or postgres", ErrInvalidInput)
	}
	if c.Batch.OutputTarget != "ledger" && c.Batch.OutputTarget != "warehouse" {
		return NewAppError("CONFIG_ERROR", "OUTPUT_TARGET must be ledger or warehouse", ErrInvalidInput)
	}
	if c.Batch.OutputTarget == "warehouse" && c.Warehouse.DSN == "" {
		return NewAppError("CONFIG_ERROR", "WAREHOUSE_DSN is required when OUTPUT_TARGET=warehouse", ErrInvalidInput)
	}
	if c.Batch.Size <= 0 || c.Batch.Workers <= 0 {
		return NewAppError("CONFIG_ERROR", "BATCH_SIZE and WORKER_COUNT must be positive", ErrInvalidInput)
	}
	return nil
}

// ValidateLLM is checked only by commands that generate content.
func (c *Config) ValidateLLM() error {
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	return nil
}

// ValidateAds is checked only by commands that talk to the ads API.
func (c *Config) ValidateAds() error {
	if c.Ads.DryRun {
		return nil
	}
	if c.Ads.DeveloperToken == "" || c.Ads.AccessToken == "" {
		return NewAppError("CONFIG_ERROR", "GOOGLE_ADS_DEVELOPER_TOKEN and GOOGLE_ADS_ACCESS_TOKEN are required", ErrInvalidInput)
	}
	return nil
}
