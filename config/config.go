// Package config loads service configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"hermes-stream/internal/model"
)

// Config holds all application configuration loaded from environment
// variables. Credential material arrives as PEM text, never a file path.
type Config struct {
	// Local listeners
	BindAddr    string
	MetricsAddr string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Upstream exchange
	UpstreamWSURL   string
	UpstreamRESTURL string

	// Coinbase CDP credentials (book channel auth). Optional: without
	// them the l2_data channel is subscribed unauthenticated and may be
	// rejected upstream.
	APIKeyName    string
	APIPrivateKey string

	// Instruments
	Products      string
	Granularities string

	// Feature flags
	EnableBookCache  bool
	EnableRedisStore bool

	// SQLite candle archive; empty disables.
	ArchivePath string

	// Sibling bot service for opaque command forwarding; empty disables.
	BotForwardURL string
}

// Load reads configuration from environment variables with defaults
// suitable for local development against the Coinbase sandbox.
func Load() *Config {
	return &Config{
		BindAddr:    getEnv("BIND_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		UpstreamWSURL:   getEnv("UPSTREAM_WS_URL", "wss://advanced-trade-ws.coinbase.com"),
		UpstreamRESTURL: getEnv("UPSTREAM_REST_URL", "https://api.exchange.coinbase.com"),

		APIKeyName:    getEnv("CB_API_KEY_NAME", ""),
		APIPrivateKey: getEnv("CB_API_PRIVATE_KEY", ""),

		Products:      getEnv("PRODUCTS", "BTC-USD"),
		Granularities: getEnv("GRANULARITIES", "1m,5m,15m,1h,6h,1d"),

		EnableBookCache:  getEnvBool("ENABLE_BOOK_CACHE", true),
		EnableRedisStore: getEnvBool("ENABLE_REDIS_STORE", true),

		ArchivePath:   getEnv("SQLITE_ARCHIVE_PATH", ""),
		BotForwardURL: getEnv("BOT_FORWARD_URL", ""),
	}
}

// ParseProducts splits the PRODUCTS list.
func (c *Config) ParseProducts() []string {
	var out []string
	for _, p := range strings.Split(c.Products, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseGranularities resolves the GRANULARITIES labels to seconds,
// skipping unknown labels with a warning.
func (c *Config) ParseGranularities() []int64 {
	var out []int64
	for _, label := range strings.Split(c.Granularities, ",") {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		seconds, ok := model.GranularitySeconds(label)
		if !ok {
			log.Warn().Str("granularity", label).Msg("skipping unknown granularity")
			continue
		}
		out = append(out, seconds)
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer env var, using default")
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid boolean env var, using default")
		return fallback
	}
	return b
}
