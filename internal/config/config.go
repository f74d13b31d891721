package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the broker.
type Config struct {
	Port        string // empty means pick a dynamic local port
	Env         string
	DBPath      string
	TokenSecret string

	// WebSocket tunables
	AllowedOrigins []string // empty means allow all
	MaxFrameBytes  int64
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:          os.Getenv("PORT"),
		Env:           getEnv("ENV", "development"),
		DBPath:        getEnv("DB_PATH", "./data/hubd.db"),
		TokenSecret:   os.Getenv("TOKEN_SECRET"),
		MaxFrameBytes: getInt64("MAX_FRAME_BYTES", 8<<20),
	}

	// Parse allowed origins (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, entry := range strings.Split(origins, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, entry)
			}
		}
	}

	// In production, require a signing secret
	if cfg.Env == "production" && cfg.TokenSecret == "" {
		panic("TOKEN_SECRET is required in production")
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

func getInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed <= 0 {
		return defaultValue
	}
	return parsed
}
