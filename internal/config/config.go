// Package config loads server settings from the environment, with an optional
// .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server's runtime settings.
type Config struct {
	Addr         string
	DatabasePath string
	JWTSecret    string
	TokenTTL     time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:         getEnv("CHATSYNC_ADDR", ":8080"),
		DatabasePath: getEnv("CHATSYNC_DB", "chatsync.db"),
		JWTSecret:    os.Getenv("CHATSYNC_JWT_SECRET"),
		TokenTTL:     24 * time.Hour,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("CHATSYNC_JWT_SECRET is required")
	}
	if raw := os.Getenv("CHATSYNC_TOKEN_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CHATSYNC_TOKEN_TTL: %w", err)
		}
		cfg.TokenTTL = ttl
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
