// Package config loads faultline's environment-variable configuration
// per the external interface contract: flat env vars, integer literals with
// an optional "*" product for byte-size keys, sane production defaults.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds every tunable named in the external interface.
type Config struct {
	DatabaseURL            string
	DatabasePoolSize       int
	DatabasePoolTimeout    time.Duration

	Host string
	Port string

	MaxCompressedPayloadBytes   int64
	MaxUncompressedPayloadBytes int64

	WorkerInterval        time.Duration
	WorkerReportsBatch    int
	MaxConcurrentCompress int

	RateLimitGlobalPerSec  float64
	RateLimitSubnetPerSec  float64
	RateLimitProjectPerSec float64
	RateLimitBurstMult     float64

	AnalyticsFlushInterval time.Duration
	AnalyticsRetentionDays int
	AnalyticsBufferSize    int

	LogLevel string
}

// Load reads every key from the environment, applying the defaults from
// spec §6. It never fails — missing or malformed values fall back silently
// to the documented default, logging a warning for the latter.
func Load() *Config {
	return &Config{
		DatabaseURL:         env("DATABASE_URL", "db/faultline.db"),
		DatabasePoolSize:    envInt("DATABASE_POOL_SIZE", 30),
		DatabasePoolTimeout: time.Duration(envInt("DATABASE_POOL_TIMEOUT_SECS", 20)) * time.Second,

		Host: env("CRASH_CACHE_HOST", "0.0.0.0"),
		Port: env("CRASH_CACHE_PORT", "8090"),

		MaxCompressedPayloadBytes:   envByteSize("MAX_COMPRESSED_PAYLOAD_BYTES", 50*1024),
		MaxUncompressedPayloadBytes: envByteSize("MAX_UNCOMPRESSED_PAYLOAD_BYTES", 200*1024),

		WorkerInterval:        time.Duration(envInt("WORKER_INTERVAL_SECS", 60)) * time.Second,
		WorkerReportsBatch:    envInt("WORKER_REPORTS_BATCH_SIZE", 100),
		MaxConcurrentCompress: envInt("MAX_CONCURRENT_COMPRESSIONS", 12),

		RateLimitGlobalPerSec:  envFloat("RATE_LIMIT_REQUESTS_PER_SEC", 800),
		RateLimitSubnetPerSec:  envFloat("RATE_LIMIT_PER_IP_PER_SEC", 30),
		RateLimitProjectPerSec: envFloat("RATE_LIMIT_PER_PROJECT_PER_SEC", 500),
		RateLimitBurstMult:     envFloat("RATE_LIMIT_BURST_MULTIPLIER", 2),

		AnalyticsFlushInterval: time.Duration(envInt("ANALYTICS_FLUSH_INTERVAL_SECS", 10)) * time.Second,
		AnalyticsRetentionDays: envInt("ANALYTICS_RETENTION_DAYS", 30),
		AnalyticsBufferSize:    envInt("ANALYTICS_BUFFER_SIZE", 20000),

		LogLevel: env("LOG_LEVEL", "info"),
	}
}

// LogStartup writes one structured line summarizing the effective
// configuration, rendering byte-size fields in human units.
func (c *Config) LogStartup(logger *slog.Logger) {
	logger.Info("faultline configuration",
		"database_url", c.DatabaseURL,
		"database_pool_size", c.DatabasePoolSize,
		"listen", c.Host+":"+c.Port,
		"max_compressed_payload", humanize.Bytes(uint64(c.MaxCompressedPayloadBytes)),
		"max_uncompressed_payload", humanize.Bytes(uint64(c.MaxUncompressedPayloadBytes)),
		"worker_interval", c.WorkerInterval,
		"worker_batch_size", c.WorkerReportsBatch,
		"max_concurrent_compressions", c.MaxConcurrentCompress,
		"rate_limit_global_per_sec", c.RateLimitGlobalPerSec,
		"rate_limit_subnet_per_sec", c.RateLimitSubnetPerSec,
		"rate_limit_project_per_sec", c.RateLimitProjectPerSec,
		"rate_limit_burst_multiplier", c.RateLimitBurstMult,
		"analytics_flush_interval", c.AnalyticsFlushInterval,
		"analytics_retention_days", c.AnalyticsRetentionDays,
	)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config: invalid float, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// envByteSize accepts a bare integer literal or a "*"-separated product of
// integer literals (e.g. "50*1024"), per spec §6.
func envByteSize(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, "*")
	var total int64 = 1
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			slog.Warn("config: invalid byte size, using default", "key", key, "value", v, "default", def)
			return def
		}
		total *= n
	}
	return total
}
