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

type Config struct {
	Addr        string        `yaml:"addr"`
	Environment string        `yaml:"environment"`
	LogLevel    string        `yaml:"log_level"`
	Database    Database      `yaml:"database"`
	RedisAddr   string        `yaml:"redis_addr"`
	JWT         JWT           `yaml:"jwt"`
	CORSOrigins []string      `yaml:"cors_origins"`
	RateLimit   int           `yaml:"rate_limit_per_minute"`
	Relay       Relay         `yaml:"relay"`
	Shutdown    time.Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type JWT struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

type Relay struct {
	// LocationRate is the per-connection cap on location publishes per second.
	LocationRate  float64 `yaml:"location_rate"`
	LocationBurst int     `yaml:"location_burst"`
	// PublishRate caps every other publish kind per connection.
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
}

func Default() Config {
	return Config{
		Addr:        ":5000",
		Environment: "dev",
		LogLevel:    "info",
		Database: Database{
			Driver: "sqlite3",
			DSN:    "petbuddy.db",
		},
		JWT: JWT{
			Secret: "dev-secret-change-me",
			Issuer: "petbuddy",
			TTL:    24 * time.Hour,
		},
		CORSOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		RateLimit:   300,
		Relay: Relay{
			LocationRate:  2,
			LocationBurst: 4,
			PublishRate:   10,
			PublishBurst:  20,
		},
		Shutdown: 10 * time.Second,
	}
}

// Load layers defaults, the YAML file at path (optional), a .env file in the
// working directory (optional) and PETBUDDY_* environment variables, in that
// order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: ignoring unreadable .env", "error", err)
	}

	cfg.Addr = envOr("PETBUDDY_ADDR", cfg.Addr)
	cfg.Environment = envOr("PETBUDDY_ENV", cfg.Environment)
	cfg.LogLevel = envOr("PETBUDDY_LOG_LEVEL", cfg.LogLevel)
	cfg.Database.Driver = envOr("PETBUDDY_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = envOr("PETBUDDY_DB_DSN", cfg.Database.DSN)
	cfg.RedisAddr = envOr("PETBUDDY_REDIS_ADDR", cfg.RedisAddr)
	cfg.JWT.Secret = envOr("PETBUDDY_JWT_SECRET", cfg.JWT.Secret)
	cfg.JWT.Issuer = envOr("PETBUDDY_JWT_ISSUER", cfg.JWT.Issuer)
	cfg.JWT.TTL = envDuration("PETBUDDY_JWT_TTL", cfg.JWT.TTL)
	if v := os.Getenv("PETBUDDY_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	cfg.RateLimit = envInt("PETBUDDY_RATE_LIMIT", cfg.RateLimit)
	cfg.Relay.LocationRate = envFloat("PETBUDDY_LOCATION_RATE", cfg.Relay.LocationRate)
	cfg.Relay.LocationBurst = envInt("PETBUDDY_LOCATION_BURST", cfg.Relay.LocationBurst)
	cfg.Relay.PublishRate = envFloat("PETBUDDY_PUBLISH_RATE", cfg.Relay.PublishRate)
	cfg.Relay.PublishBurst = envInt("PETBUDDY_PUBLISH_BURST", cfg.Relay.PublishBurst)
	cfg.Shutdown = envDuration("PETBUDDY_SHUTDOWN_TIMEOUT", cfg.Shutdown)
	if cfg.RateLimit <= 0 {
		slog.Warn("config: invalid rate limit, defaulting", "rate_limit", cfg.RateLimit)
		cfg.RateLimit = Default().RateLimit
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.JWT.Secret == "" {
		return errors.New("config: jwt secret is required")
	}
	if c.JWT.TTL <= 0 {
		return errors.New("config: jwt ttl must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil && f > 0 {
			return f
		}
		slog.Warn("config: invalid float, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			return d
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
