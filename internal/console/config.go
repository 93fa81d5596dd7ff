package console

import (
	"fmt"
	"os"
	"time"
)

// Config holds the console server configuration, loaded from the
// environment.
type Config struct {
	ListenAddr string
	DBPath     string

	// SessionTTL bounds how long a login session stays valid.
	SessionTTL time.Duration

	// TOTPSecret enables a second factor on login when non-empty.
	TOTPSecret string

	// LogCommand is the template used by the exec log source, with
	// {container} and {lines} placeholders.
	LogCommand string
}

const defaultLogCommand = "docker logs --tail {lines} --follow {container}"

// LoadConfig reads configuration from MCPFLEET_* environment variables and
// validates it.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr: envOr("MCPFLEET_LISTEN_ADDR", ":8080"),
		DBPath:     envOr("MCPFLEET_DB_PATH", "mcpfleet.db"),
		TOTPSecret: os.Getenv("MCPFLEET_TOTP_SECRET"),
		LogCommand: envOr("MCPFLEET_LOG_CMD", defaultLogCommand),
		SessionTTL: 24 * time.Hour,
	}

	if v := os.Getenv("MCPFLEET_SESSION_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse MCPFLEET_SESSION_TTL: %w", err)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("MCPFLEET_SESSION_TTL must be positive, got %s", ttl)
		}
		cfg.SessionTTL = ttl
	}

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("MCPFLEET_DB_PATH must not be empty")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
