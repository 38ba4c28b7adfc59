package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	OTP     OTPConfig     `yaml:"otp"`
	Listen  ListenConfig  `yaml:"listen"`
	TLS     TLSConfig     `yaml:"tls"`
	Log     LogConfig     `yaml:"log"`
}

// APIConfig points at the dashboard backend
type APIConfig struct {
	BaseURL string `yaml:"base_url"` // e.g. https://ops.example.com/api
	Timeout int    `yaml:"timeout"`  // Per-request timeout in seconds
}

// StorageConfig selects where the token and flow markers are persisted
type StorageConfig struct {
	Backend   string `yaml:"backend"`   // file, redis, memory
	Path      string `yaml:"path"`      // File backend location
	RedisURL  string `yaml:"redis_url"` // redis://[:password@]host:port/db
	Namespace string `yaml:"namespace"` // Redis key prefix
}

// SessionConfig tunes the session state machine
type SessionConfig struct {
	ExpiryCheckInterval int `yaml:"expiry_check_interval"` // Seconds between token expiry checks in serve mode
}

// OTPConfig defines passcode behavior
//
// ResendCooldown is enforced per process: it throttles repeated resends
// from one console (serve), but every CLI command is a new process and
// starts with a full allowance. The server's own limit still applies.
type OTPConfig struct {
	ResendCooldown int `yaml:"resend_cooldown"` // Seconds between resends within one process, 0 disables
}

// ListenConfig defines where the operator console listens
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., "127.0.0.1:9000")
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultPath returns the config file used when --config is not given.
func DefaultPath() string {
	return filepath.Join(configDir(), "opsdash", "auth.yaml")
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data)
}

// LoadOrDefault is Load, except that a missing file yields the defaults
// (with environment overrides applied).
func LoadOrDefault(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("config file not found, using defaults", "path", path)
		return parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 10,
		},
		Storage: StorageConfig{
			Backend:   BackendFile,
			Path:      filepath.Join(configDir(), "opsdash", "session.json"),
			Namespace: "opsdash",
		},
		Session: SessionConfig{
			ExpiryCheckInterval: 30,
		},
		OTP: OTPConfig{
			ResendCooldown: 30,
		},
		Listen: ListenConfig{
			HTTP: "127.0.0.1:9000",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// API overrides
	if v := os.Getenv("OPSDASH_API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("OPSDASH_API_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.API.Timeout = n
		}
	}

	// Storage overrides
	if v := os.Getenv("OPSDASH_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("OPSDASH_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("OPSDASH_REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}

	// Log overrides
	if v := os.Getenv("OPSDASH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("OPSDASH_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	// Listen overrides
	if v := os.Getenv("OPSDASH_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate API config
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be a valid HTTP(S) URL")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.API.Timeout > 120 {
		return fmt.Errorf("api.timeout should not exceed 120 seconds")
	}

	// Validate storage config
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file backend")
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
		if !strings.HasPrefix(c.Storage.RedisURL, "redis://") && !strings.HasPrefix(c.Storage.RedisURL, "rediss://") {
			return fmt.Errorf("storage.redis_url must be a redis:// or rediss:// URL")
		}
		if c.Storage.Namespace == "" {
			return fmt.Errorf("storage.namespace is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of: file, redis, memory")
	}

	// Validate session and OTP config
	if c.Session.ExpiryCheckInterval <= 0 {
		return fmt.Errorf("session.expiry_check_interval must be positive")
	}
	if c.OTP.ResendCooldown < 0 {
		return fmt.Errorf("otp.resend_cooldown must not be negative")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.Storage.RedisURL != "" {
		redacted.Storage.RedisURL = redactURL(c.Storage.RedisURL)
	}
	return &redacted
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED]"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}
	return u.String()
}
