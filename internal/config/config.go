// ABOUTME: Configuration loading and parsing for parlor
// ABOUTME: Supports YAML files with environment variable expansion, .env files and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load and Default
const (
	EnvConfigPath = "PARLOR_CONFIG"
	EnvDBPath     = "PARLOR_DB_PATH"
	EnvJWTSecret  = "PARLOR_JWT_SECRET"
	EnvRedisURL   = "PARLOR_REDIS_URL"
	EnvLLMAPIKey  = "OPENAI_API_KEY"
)

// Bus drivers
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config represents the complete parlor configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Bus      BusConfig      `yaml:"bus"`
	LLM      LLMConfig      `yaml:"llm"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration.
// GRPCAddr is optional; when set a gRPC health service listens there.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// BusConfig selects the broadcast bus implementation
type BusConfig struct {
	Driver   string `yaml:"driver"`
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

// LLMConfig configures the OpenAI-compatible text generation endpoint
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// DeliveryConfig controls chunked response delivery and the background worker pool
type DeliveryConfig struct {
	MaxChunkDelay time.Duration `yaml:"-"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`

	MaxChunkDelayRaw string `yaml:"max_chunk_delay"`
}

// SessionConfig controls live WebSocket sessions
type SessionConfig struct {
	// RateLimit is the sustained number of inbound frames per second per connection
	RateLimit  float64 `yaml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst"`
	SendBuffer int     `yaml:"send_buffer"`
	// AllowedOrigins are host patterns accepted on the WebSocket upgrade in
	// addition to same-origin requests, e.g. "app.example.com" or "*"
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration suitable for local development.
// Environment overrides are applied.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr: ":8000",
		},
		Database: DatabaseConfig{
			Path: "./data/parlor.db",
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv(EnvJWTSecret),
			TokenTTL:  30 * time.Minute,
		},
		Bus: BusConfig{
			Driver: BusMemory,
			Prefix: "parlor:conv:",
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			APIKey:  os.Getenv(EnvLLMAPIKey),
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxChunkDelay: 30 * time.Second,
			Workers:       8,
			QueueSize:     256,
		},
		Session: SessionConfig{
			RateLimit:  5,
			RateBurst:  10,
			SendBuffer: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	applyEnvOverrides(cfg)
	return cfg
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Unset fields keep the values from Default.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when non-empty, falling back to PARLOR_CONFIG and
// then to Default. The result is always validated.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		return Load(path)
	}
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets a handful of environment variables win over the file
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.Bus.RedisURL = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set %s)", EnvJWTSecret)
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	switch c.Bus.Driver {
	case BusMemory:
	case BusRedis:
		if c.Bus.RedisURL == "" {
			return fmt.Errorf("bus.redis_url is required when bus.driver is %q", BusRedis)
		}
	default:
		return fmt.Errorf("bus.driver must be %q or %q, got %q", BusMemory, BusRedis, c.Bus.Driver)
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}

	if c.Delivery.Workers <= 0 {
		return fmt.Errorf("delivery.workers must be positive")
	}
	if c.Delivery.QueueSize <= 0 {
		return fmt.Errorf("delivery.queue_size must be positive")
	}
	if c.Delivery.MaxChunkDelay < 0 {
		return fmt.Errorf("delivery.max_chunk_delay must not be negative")
	}

	if c.Session.RateLimit <= 0 || c.Session.RateBurst <= 0 {
		return fmt.Errorf("session.rate_limit and session.rate_burst must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.LLM.TimeoutRaw != "" {
		cfg.LLM.Timeout, err = time.ParseDuration(cfg.LLM.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing llm timeout %q: %w", cfg.LLM.TimeoutRaw, err)
		}
	}

	if cfg.Delivery.MaxChunkDelayRaw != "" {
		cfg.Delivery.MaxChunkDelay, err = time.ParseDuration(cfg.Delivery.MaxChunkDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing max_chunk_delay %q: %w", cfg.Delivery.MaxChunkDelayRaw, err)
		}
	}

	return nil
}
