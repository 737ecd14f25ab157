package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Model gateway
	ModelGatewayURL   string
	ModelGatewayToken string
	ModelName         string

	// Generation pipeline
	StopPollInterval  time.Duration // throttle for the stop-flag check
	ContextDepth      int           // ancestor messages included as model input, 0 disables
	GenerationTimeout time.Duration // 0 disables

	// Resumable streams
	StreamRetention time.Duration

	// Reconciliation sweep for generations a crashed process abandoned
	SweepInterval   time.Duration // 0 disables
	SweepStaleAfter time.Duration

	// HTTP
	AllowedOrigins []string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        os.Getenv("SQLITE_PATH"),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		ModelGatewayURL:   getEnv("MODEL_GATEWAY_URL", "http://localhost:9090"),
		ModelGatewayToken: os.Getenv("MODEL_GATEWAY_TOKEN"),
		ModelName:         getEnv("MODEL_NAME", "lumos-chat-1"),
		StopPollInterval:  getDuration("STOP_POLL_INTERVAL", time.Second),
		ContextDepth:      getInt("CONTEXT_DEPTH", 20),
		GenerationTimeout: getDuration("GENERATION_TIMEOUT", 5*time.Minute),
		StreamRetention:   getDuration("STREAM_RETENTION", 10*time.Minute),
		SweepInterval:     getDuration("SWEEP_INTERVAL", time.Minute),
		SweepStaleAfter:   getDuration("SWEEP_STALE_AFTER", 5*time.Minute),
		AutoBlockEnabled:  getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	cfg.AllowedOrigins = splitList(getEnv("ALLOWED_ORIGINS", "*"))
	cfg.RateLimitWhitelist = splitList(os.Getenv("RATE_LIMIT_WHITELIST"))

	// In production, require redis and a real database
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if os.Getenv("REDIS_URL") == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
