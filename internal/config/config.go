package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const minSecretLen = 32

type Config struct {
	// HTTP Server
	Port string

	// Backend selection
	DataBackend string

	// Database
	SQLiteDBPath string

	// AMQP change relay, disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	// RelayResyncInterval re-runs every live query; 0 disables it.
	RelayResyncInterval time.Duration

	// Sessions
	JWTSecret      string
	TokenTTL       time.Duration
	GoogleClientID string
	SessionIdleTTL time.Duration
	MaxSessions    int

	// Live list resubscription
	ResubscribeMaxAttempts int
	ResubscribeBaseDelay   time.Duration
	ResubscribeMaxDelay    time.Duration

	// Presentation
	CurrencySymbol string

	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		Port:        getEnv("PORT", "8081"),
		DataBackend: getEnv("DATA_BACKEND", "memory"),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/tracker.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "tracker.changes"),

		RelayResyncInterval: getEnvDuration("RELAY_RESYNC_INTERVAL", 5*time.Minute),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		TokenTTL:       getEnvDuration("TOKEN_TTL", 24*time.Hour),
		GoogleClientID: getEnv("GOOGLE_CLIENT_ID", ""),
		SessionIdleTTL: getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		MaxSessions:    getEnvInt("MAX_SESSIONS", 500),

		ResubscribeMaxAttempts: getEnvInt("RESUBSCRIBE_MAX_ATTEMPTS", 5),
		ResubscribeBaseDelay:   getEnvDuration("RESUBSCRIBE_BASE_DELAY", time.Second),
		ResubscribeMaxDelay:    getEnvDuration("RESUBSCRIBE_MAX_DELAY", 30*time.Second),

		CurrencySymbol: getEnv("CURRENCY_SYMBOL", "Rs."),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate data backend
	validBackends := []string{"memory", "sqlite"}
	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	// Validate SQLite configuration if backend is sqlite
	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.RelayResyncInterval < 0 {
			errors = append(errors, fmt.Sprintf("invalid relay resync interval %v: must not be negative", c.RelayResyncInterval))
		}
	}

	// Validate sessions
	if len(c.JWTSecret) < minSecretLen {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least %d bytes", minSecretLen))
	}
	if c.TokenTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid token TTL %v: must be at least 1 minute", c.TokenTTL))
	}
	if c.SessionIdleTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid session idle TTL %v: must be at least 1 minute", c.SessionIdleTTL))
	}
	if c.MaxSessions < 1 {
		errors = append(errors, fmt.Sprintf("invalid max sessions %d: must be at least 1", c.MaxSessions))
	}

	// Validate resubscription
	if c.ResubscribeMaxAttempts < 0 {
		errors = append(errors, fmt.Sprintf("invalid resubscribe attempts %d: must not be negative", c.ResubscribeMaxAttempts))
	}
	if c.ResubscribeMaxAttempts > 0 {
		if c.ResubscribeBaseDelay <= 0 {
			errors = append(errors, fmt.Sprintf("invalid resubscribe base delay %v: must be positive", c.ResubscribeBaseDelay))
		}
		if c.ResubscribeMaxDelay < c.ResubscribeBaseDelay {
			errors = append(errors, fmt.Sprintf("invalid resubscribe max delay %v: must be at least the base delay", c.ResubscribeMaxDelay))
		}
	}

	// Validate log level
	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.LogLevel)) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// RelayEnabled reports whether cross-instance change relay is configured.
func (c *Config) RelayEnabled() bool {
	return c.AMQPURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
