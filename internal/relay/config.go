package relay

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds narration client configuration.
type Config struct {
	// Narrator API settings
	NarratorURL string
	BearerToken string

	// Request settings
	ReferenceURL string
	Timeout      time.Duration

	// Logging settings
	LogLevel  string
	LogFormat string
}

// Load reads client configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	cfg := &Config{
		// Narrator API settings
		NarratorURL: getEnvString("NARRATOR_URL", "http://localhost:8080"),
		BearerToken: os.Getenv("NARRATOR_BEARER_TOKEN"),

		// Request settings
		ReferenceURL: os.Getenv("NARRATOR_REFERENCE_URL"),
		Timeout:      getEnvDuration("NARRATOR_TIMEOUT", 30*time.Minute),

		// Logging settings
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.NarratorURL == "" {
		return errors.New("NARRATOR_URL cannot be empty")
	}

	if c.Timeout < 0 {
		return errors.New("NARRATOR_TIMEOUT must be non-negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return errors.New("LOG_FORMAT must be one of: text, json")
	}

	return nil
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
// A bare integer is read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
