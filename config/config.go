// Package config loads server settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddr        = ":8080"
	defaultPresenceTTL = 24 * time.Hour
	defaultRatePerSec  = 20
	defaultRateBurst   = 40
	defaultMaxMessage  = 2000
	maxMessageLimit    = 64 << 10
	defaultIssuer      = "realtime-hub"
)

type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type Config struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTIssuer      string        `yaml:"jwt_issuer"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPrefix    string        `yaml:"redis_prefix"`
	PresenceTTL    time.Duration `yaml:"presence_ttl"`
	RateLimit      RateLimit     `yaml:"rate_limit"`
	MaxMessageLen  int           `yaml:"max_message_length"`
	NotifyAPIKey   string        `yaml:"notify_api_key"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Addr:          defaultAddr,
		JWTIssuer:     defaultIssuer,
		PresenceTTL:   defaultPresenceTTL,
		RateLimit:     RateLimit{PerSecond: defaultRatePerSec, Burst: defaultRateBurst},
		MaxMessageLen: defaultMaxMessage,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load reads .env (if present), then the YAML file named by REALTIME_CONFIG,
// then environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}

	cfg := Default()
	if path := os.Getenv("REALTIME_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	c.Addr = envOr("ADDR", c.Addr)
	c.AllowedOrigins = envCSV("CORS_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.JWTSecret = envOr("JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = envOr("JWT_ISSUER", c.JWTIssuer)
	c.RedisAddr = envOr("REDIS_ADDR", c.RedisAddr)
	c.RedisPrefix = envOr("REDIS_PREFIX", c.RedisPrefix)
	c.PresenceTTL = envDuration("PRESENCE_TTL", c.PresenceTTL)
	c.RateLimit.PerSecond = envFloat("RATE_LIMIT_PER_SECOND", c.RateLimit.PerSecond)
	c.RateLimit.Burst = envInt("RATE_LIMIT_BURST", c.RateLimit.Burst)
	c.MaxMessageLen = envInt("MAX_MESSAGE_LENGTH", c.MaxMessageLen)
	c.NotifyAPIKey = envOr("NOTIFY_API_KEY", c.NotifyAPIKey)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.burst must be at least 1"))
	}
	if c.MaxMessageLen < 1 || c.MaxMessageLen > maxMessageLimit {
		errs = append(errs, fmt.Errorf("max_message_length must be between 1 and %d", maxMessageLimit))
	}
	if c.PresenceTTL < 0 {
		errs = append(errs, errors.New("presence_ttl must not be negative"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer, using default", "key", key, "value", v, "default", def)
			return def
		}
		return i
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("invalid number, using default", "key", key, "value", v, "default", def)
			return def
		}
		return f
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
			return def
		}
		return d
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
