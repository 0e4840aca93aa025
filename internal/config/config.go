package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// HTTP settings
	HTTPPort    int    `yaml:"http_port"`
	BearerToken string `yaml:"bearer_token"`

	// Inference backend settings
	InferenceURL     string        `yaml:"inference_url"`
	InferenceAPIKey  string        `yaml:"inference_api_key"`
	InferencePrompt  string        `yaml:"inference_prompt"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollMaxAttempts  int           `yaml:"poll_max_attempts"`
	SynthConcurrency int           `yaml:"synth_concurrency"`

	// Text settings
	MaxChunkLength int `yaml:"max_chunk_length"`
	MaxTextLength  int `yaml:"max_text_length"`

	// Reference audio settings
	ReferenceMaxBytes int64         `yaml:"reference_max_bytes"`
	ReferenceTimeout  time.Duration `yaml:"reference_timeout"`

	// Storage settings
	StorageDir    string `yaml:"storage_dir"`
	PublicBaseURL string `yaml:"public_base_url"`

	// Ledger and notification settings
	LedgerPath  string `yaml:"ledger_path"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	// Logging settings
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		HTTPPort: 8080,

		PollInterval:     2 * time.Second,
		PollMaxAttempts:  120,
		SynthConcurrency: 1,

		MaxChunkLength: 180,
		MaxTextLength:  100000,

		ReferenceMaxBytes: 10 << 20,
		ReferenceTimeout:  30 * time.Second,

		StorageDir:    "./data/media",
		PublicBaseURL: "http://localhost:8080/media",

		LedgerPath:  "./data/ledger.db",
		NATSSubject: "narration.integrity",

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from the YAML file named by CONFIG_FILE, if any,
// then applies environment variables on top. Environment variables win.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := cfg.decodeYAML(f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if err := cfg.decodeYAML(r); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// HTTP settings
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.BearerToken = getEnvString("BEARER_TOKEN", c.BearerToken)

	// Inference backend settings
	c.InferenceURL = getEnvString("INFERENCE_URL", c.InferenceURL)
	c.InferenceAPIKey = getEnvString("INFERENCE_API_KEY", c.InferenceAPIKey)
	c.InferencePrompt = getEnvString("INFERENCE_PROMPT", c.InferencePrompt)
	c.PollInterval = getEnvDuration("POLL_INTERVAL", c.PollInterval)
	c.PollMaxAttempts = getEnvInt("POLL_MAX_ATTEMPTS", c.PollMaxAttempts)
	c.SynthConcurrency = getEnvInt("SYNTH_CONCURRENCY", c.SynthConcurrency)

	// Text settings
	c.MaxChunkLength = getEnvInt("MAX_CHUNK_LENGTH", c.MaxChunkLength)
	c.MaxTextLength = getEnvInt("MAX_TEXT_LENGTH", c.MaxTextLength)

	// Reference audio settings
	c.ReferenceMaxBytes = int64(getEnvInt("REFERENCE_MAX_BYTES", int(c.ReferenceMaxBytes)))
	c.ReferenceTimeout = getEnvDuration("REFERENCE_TIMEOUT", c.ReferenceTimeout)

	// Storage settings
	c.StorageDir = getEnvString("STORAGE_DIR", c.StorageDir)
	c.PublicBaseURL = getEnvString("PUBLIC_BASE_URL", c.PublicBaseURL)

	// Ledger and notification settings
	c.LedgerPath = getEnvString("LEDGER_PATH", c.LedgerPath)
	if c.LedgerPath == "off" {
		c.LedgerPath = ""
	}
	c.NATSURL = getEnvString("NATS_URL", c.NATSURL)
	c.NATSSubject = getEnvString("NATS_SUBJECT", c.NATSSubject)

	// Logging settings
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvString("LOG_FORMAT", c.LogFormat)
}

// AuthDisabled returns true if bearer token authentication is disabled.
func (c *Config) AuthDisabled() bool {
	return c.BearerToken == ""
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return errors.New("HTTP_PORT must be between 1 and 65535")
	}

	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}

	if c.PollMaxAttempts < 1 {
		return errors.New("POLL_MAX_ATTEMPTS must be at least 1")
	}

	if c.SynthConcurrency < 1 {
		return errors.New("SYNTH_CONCURRENCY must be at least 1")
	}

	// A chunk must be able to pass per-chunk validation.
	if c.MaxChunkLength < 5 || c.MaxChunkLength > 400 {
		return errors.New("MAX_CHUNK_LENGTH must be between 5 and 400")
	}

	if c.MaxTextLength < 1 {
		return errors.New("MAX_TEXT_LENGTH must be at least 1")
	}

	if c.ReferenceMaxBytes < 1 {
		return errors.New("REFERENCE_MAX_BYTES must be at least 1")
	}

	if c.ReferenceTimeout < 0 {
		return errors.New("REFERENCE_TIMEOUT must be non-negative")
	}

	if c.StorageDir == "" {
		return errors.New("STORAGE_DIR cannot be empty")
	}

	if c.PublicBaseURL == "" {
		return errors.New("PUBLIC_BASE_URL cannot be empty")
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

// getEnvInt returns the environment variable as an int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
