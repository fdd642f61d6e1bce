// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Storage settings.
	DataDir string

	// Listener settings.
	BindBinary   string
	BindHTTP     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Compression policy for the blob store.
	CompressionThresholdBytes int
	CompressionRatioThreshold float64
	ZstdLevel                 int

	// OTEL settings.
	OTELEndpoint  string
	OTELInsecure  bool
	ServiceName   string
	EnableMetrics bool

	// Gateway auth. Empty disables authentication.
	AuthSecret string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	MaxReadLimit        int
	RateLimitEnabled    bool
	RateLimitRPS        float64
	RateLimitBurst      int
	IDBatchSize         uint64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DataDir:                   envStr("CXDB_DATA_DIR", "./data"),
		BindBinary:                envStr("CXDB_BIND_BINARY", "127.0.0.1:9009"),
		BindHTTP:                  envStr("CXDB_BIND_HTTP", "127.0.0.1:8080"),
		ReadTimeout:               envDuration("CXDB_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:              envDuration("CXDB_WRITE_TIMEOUT", 30*time.Second),
		CompressionThresholdBytes: envInt("CXDB_COMPRESSION_THRESHOLD_BYTES", 512),
		CompressionRatioThreshold: envFloat("CXDB_COMPRESSION_RATIO_THRESHOLD", 0.88),
		ZstdLevel:                 envInt("CXDB_ZSTD_LEVEL", 3),
		OTELEndpoint:              envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:              envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:               envStr("OTEL_SERVICE_NAME", "cxdb"),
		EnableMetrics:             envBool("CXDB_ENABLE_METRICS", false),
		AuthSecret:                envStr("CXDB_AUTH_SECRET", ""),
		LogLevel:                  envStr("CXDB_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:       int64(envInt("CXDB_MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		MaxReadLimit:              envInt("CXDB_MAX_READ_LIMIT", 512),
		RateLimitEnabled:          envBool("CXDB_RATE_LIMIT_ENABLED", false),
		RateLimitRPS:              envFloat("CXDB_RATE_LIMIT_RPS", 300),
		RateLimitBurst:            envInt("CXDB_RATE_LIMIT_BURST", 100),
		IDBatchSize:               uint64(envInt("CXDB_ID_BATCH_SIZE", 64)), //nolint:gosec // validated positive below
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: CXDB_DATA_DIR is required")
	}
	if c.CompressionThresholdBytes < 0 {
		return fmt.Errorf("config: CXDB_COMPRESSION_THRESHOLD_BYTES must be >= 0")
	}
	if c.CompressionRatioThreshold <= 0 || c.CompressionRatioThreshold > 1 {
		return fmt.Errorf("config: CXDB_COMPRESSION_RATIO_THRESHOLD must be in (0, 1]")
	}
	if c.ZstdLevel < 1 || c.ZstdLevel > 22 {
		return fmt.Errorf("config: CXDB_ZSTD_LEVEL must be in [1, 22]")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: CXDB_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MaxReadLimit <= 0 || c.MaxReadLimit > 512 {
		return fmt.Errorf("config: CXDB_MAX_READ_LIMIT must be in [1, 512]")
	}
	if c.IDBatchSize == 0 {
		return fmt.Errorf("config: CXDB_ID_BATCH_SIZE must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: CXDB_LOG_LEVEL must be one of debug, info, warn, error")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
