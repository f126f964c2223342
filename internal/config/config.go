// Package config provides configuration loading for the HiveBoard server.
// Configuration sources (in priority order): env vars > config file >
// defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all server configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the reference store's table files (default
	// "/var/lib/hiveboard"); empty keeps everything in memory.
	DataDir string `json:"data_dir"`

	// HS256 secret for session tokens.
	JWTSecret string `json:"jwt_secret,omitempty"`

	// Create projects on unknown slugs during ingest instead of rejecting
	// with invalid_project_id. Off by default.
	AutoCreateProjects bool `json:"auto_create_projects"`

	// Retention cron schedule in standard 5-field syntax; empty uses the
	// built-in daily schedule.
	RetentionSchedule string `json:"retention_schedule,omitempty"`

	// Webhook delivery timeout in seconds (default 5).
	WebhookTimeoutSeconds int `json:"webhook_timeout_seconds"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:            ":8080",
		DataDir:               "/var/lib/hiveboard",
		WebhookTimeoutSeconds: 5,
		LogLevel:              "info",
	}
}

// Load reads configuration from a file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("HIVEBOARD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("HIVEBOARD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HIVEBOARD_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("HIVEBOARD_AUTO_CREATE_PROJECTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoCreateProjects = b
		}
	}
	if v := os.Getenv("HIVEBOARD_RETENTION_SCHEDULE"); v != "" {
		cfg.RetentionSchedule = v
	}
	if v := os.Getenv("HIVEBOARD_WEBHOOK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WebhookTimeoutSeconds = n
		}
	}
	if v := os.Getenv("HIVEBOARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
