// Package config handles startup configuration from the environment and
// per-repository configuration files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the startup configuration for the GitHub App, loaded from
// environment variables once at boot.
type Config struct {
	// AppID is the numeric GitHub App identifier.
	AppID string
	// PrivateKey is the PEM-encoded App private key material.
	PrivateKey []byte
	// PrivateKeyPath is where the key was read from, for diagnostics.
	PrivateKeyPath string
	// WebhookSecret verifies webhook delivery signatures. Optional; an
	// empty secret disables verification, which is only sane locally.
	WebhookSecret string
	// APIBaseURL overrides the GitHub API endpoint, mainly for GitHub
	// Enterprise and tests.
	APIBaseURL string
	// MockMode serves deterministic fake responses without network access.
	MockMode bool
	// MaxRetries bounds retry attempts for GitHub API operations.
	MaxRetries int
	// RateLimitBuffer is how many requests to keep in reserve before
	// pausing.
	RateLimitBuffer int
	// AnthropicAPIKey authenticates the scoring backend. Unused in mock
	// mode.
	AnthropicAPIKey string
	// DatabaseURL is the PostgreSQL connection string. Empty selects the
	// in-memory store.
	DatabaseURL string
	// Port is the HTTP listen port.
	Port string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppID:           os.Getenv("GITHUB_APP_ID"),
		PrivateKeyPath:  os.Getenv("GITHUB_PRIVATE_KEY_PATH"),
		WebhookSecret:   os.Getenv("GITHUB_WEBHOOK_SECRET"),
		APIBaseURL:      os.Getenv("GITHUB_API_BASE_URL"),
		MockMode:        parseBool(os.Getenv("MOCK_MODE")),
		MaxRetries:      3,
		RateLimitBuffer: 10,
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		Port:            os.Getenv("PORT"),
	}

	if v := os.Getenv("GITHUB_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("GITHUB_MAX_RETRIES must be a non-negative integer, got %q", v)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("GITHUB_RATE_LIMIT_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("GITHUB_RATE_LIMIT_BUFFER must be a non-negative integer, got %q", v)
		}
		cfg.RateLimitBuffer = n
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	// The key may arrive inline or through a file path.
	if inline := os.Getenv("GITHUB_PRIVATE_KEY"); inline != "" {
		cfg.PrivateKey = []byte(inline)
	} else if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.PrivateKeyPath, err)
		}
		cfg.PrivateKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for startup. Mock mode relaxes the
// credential requirements: a placeholder App ID is filled in when absent.
func (c *Config) Validate() error {
	if c.MockMode {
		if c.AppID == "" {
			c.AppID = "123456"
		}
		return nil
	}

	if c.AppID == "" {
		return fmt.Errorf("GITHUB_APP_ID is required")
	}
	if !isNumeric(c.AppID) {
		return fmt.Errorf("GITHUB_APP_ID must be numeric, got %q", c.AppID)
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_PATH is required")
	}
	if !strings.HasPrefix(strings.TrimSpace(string(c.PrivateKey)), "-----BEGIN") {
		return fmt.Errorf("private key is not PEM encoded")
	}
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return nil
}

// TestConfig returns a configuration suitable for tests: mock mode with
// placeholder credentials and no external dependencies.
func TestConfig() *Config {
	return &Config{
		AppID:           "123456",
		MockMode:        true,
		MaxRetries:      3,
		RateLimitBuffer: 10,
		Port:            "8080",
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
