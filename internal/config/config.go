// Package config loads and persists the gateway's runtime configuration:
// the spec-required ProxyConfig fields plus the retry/health/quota tuning
// knobs the teacher's richer Config struct also carried.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// HomeDir returns the gateway's data directory, <home>/.antigravity_tools,
// overridable via ANTIGRAVITY_HOME for tests and CI.
func HomeDir() string {
	if v := os.Getenv("ANTIGRAVITY_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".antigravity_tools")
}

// RetryConfig tunes the dispatcher's retry/backoff behavior.
type RetryConfig struct {
	MaxAttempts          int   `json:"maxAttempts"`
	RequestTimeoutSec    int   `json:"requestTimeoutSeconds"`
	MinCooldownSec       int64 `json:"minCooldownSeconds"`
	SoftCooldownSec      int64 `json:"softCooldownSeconds"`
	DefaultCooldownSec   int64 `json:"defaultCooldownSeconds"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`
}

// QuotaConfig tunes C8's polling/retry behavior.
type QuotaConfig struct {
	MaxRetries int `json:"maxRetries"`
	RetryWaitSec int `json:"retryWaitSeconds"`
}

// SessionConfig tunes C4's session-sticky binding.
type SessionConfig struct {
	TTLMinutes int `json:"ttlMinutes"`
}

// ProxyConfig is the spec §3 ProxyConfig plus ambient tuning knobs.
type ProxyConfig struct {
	mu sync.RWMutex

	Enabled               bool              `json:"enabled"`
	Port                  int               `json:"port"`
	Host                  string            `json:"host"`
	APIKey                string            `json:"apiKey"`
	AutoStart             bool              `json:"autoStart"`
	AnthropicModelMapping map[string]string `json:"anthropicModelMapping"`
	RequestTimeoutSeconds int               `json:"requestTimeoutSeconds"`

	Debug    bool `json:"debug"`
	DevMode  bool `json:"devMode"`

	Retry   RetryConfig   `json:"retry"`
	Quota   QuotaConfig   `json:"quota"`
	Session SessionConfig `json:"session"`

	// BackgroundTaskDowngrade toggles whether detected background tasks
	// (titles, summaries, warmups) are routed to a cheaper model. Resolves
	// the open question in spec.md §9: default true, matching the source's
	// always-downgrade behavior, but made configurable.
	BackgroundTaskDowngrade bool `json:"backgroundTaskDowngrade"`

	// RedisAddr, when set, backs the thought-signature cache and
	// cross-process rate-limit dedup with a shared store instead of
	// per-process memory. Empty disables it.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`
}

// Default returns the default configuration.
func Default() *ProxyConfig {
	return &ProxyConfig{
		Enabled:               true,
		Port:                  8080,
		Host:                  "0.0.0.0",
		AutoStart:             false,
		AnthropicModelMapping: map[string]string{},
		RequestTimeoutSeconds: 120,
		Retry: RetryConfig{
			MaxAttempts:          3,
			RequestTimeoutSec:    120,
			MinCooldownSec:       2,
			SoftCooldownSec:      20,
			DefaultCooldownSec:   60,
			MaxWaitBeforeErrorMs: 10000,
		},
		Quota: QuotaConfig{
			MaxRetries:   3,
			RetryWaitSec: 1,
		},
		Session: SessionConfig{
			TTLMinutes: 10,
		},
		BackgroundTaskDowngrade: true,
	}
}

func path() string {
	return filepath.Join(HomeDir(), "config.json")
}

// Load reads the configuration from disk, applying environment overrides on
// top. Missing file is not an error; defaults are used and the file created
// on first Save.
func Load() (*ProxyConfig, error) {
	cfg := Default()

	if data, err := os.ReadFile(path()); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *ProxyConfig) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
}

// Save persists the configuration to disk.
func (c *ProxyConfig) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(HomeDir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path(), data, 0o644)
}

// Public returns a copy of the config with secrets redacted, suitable for
// exposing over an admin surface.
func (c *ProxyConfig) Public() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"enabled":                 c.Enabled,
		"port":                    c.Port,
		"host":                    c.Host,
		"apiKey":                  redact(c.APIKey),
		"autoStart":               c.AutoStart,
		"anthropicModelMapping":   c.AnthropicModelMapping,
		"requestTimeoutSeconds":   c.RequestTimeoutSeconds,
		"backgroundTaskDowngrade": c.BackgroundTaskDowngrade,
		"retry":                   c.Retry,
		"quota":                   c.Quota,
		"session":                 c.Session,
		"redisAddr":               c.RedisAddr,
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// MapAnthropicModel resolves an incoming Anthropic model name through the
// configured alias table, returning it unchanged if there is no mapping.
func (c *ProxyConfig) MapAnthropicModel(model string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if mapped, ok := c.AnthropicModelMapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}
