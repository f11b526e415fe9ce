// Package config loads the proxy configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Usage store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the complete proxy configuration.
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Usage    UsageConfig
	LogLevel slog.Level
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Addr is the host:port the server binds.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// UpstreamConfig describes the inference server being proxied.
type UpstreamConfig struct {
	URL *url.URL
	// Timeout bounds connecting, waiting for response headers and each idle
	// gap between body reads. There is no overall deadline.
	Timeout time.Duration
	Mock    bool
}

// UsageConfig selects the usage ledger backend.
type UsageConfig struct {
	Store     string
	RedisAddr string
}

// Load reads .env (if present) and the environment, applying defaults.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			Port:            getEnvAsInt("PORT", 8000),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Upstream: UpstreamConfig{
			Timeout: getEnvAsDuration("UPSTREAM_TIMEOUT", 900*time.Second),
			Mock:    getEnvAsBool("MOCK_UPSTREAM", false),
		},
		Usage: UsageConfig{
			Store:     strings.ToLower(getEnv("USAGE_STORE", StoreMemory)),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
		LogLevel: level,
	}

	rawURL := getEnv("OLLAMA_HOST", "http://localhost:11434")
	cfg.Upstream.URL, err = parseUpstream(rawURL)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d: must be between 1 and 65535", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	if c.Upstream.URL == nil {
		return fmt.Errorf("upstream URL is required")
	}
	switch c.Usage.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Usage.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when USAGE_STORE=redis")
		}
	default:
		return fmt.Errorf("invalid USAGE_STORE %q: must be %q or %q", c.Usage.Store, StoreMemory, StoreRedis)
	}
	return nil
}

func parseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: missing host", raw)
	}
	return u, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return def
}
