package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Config struct {
	DBFile         string
	APIAddr        string
	AdminAddr      string
	MetricsAddr    string
	TokenExpiry    time.Duration
	PersistTimeout time.Duration
	IdempotencyTTL time.Duration
	TypingTTL      time.Duration
	EventRate      float64
	EventBurst     int
	AllowedOrigins []string
	Debug          bool
}

// Load reads the configuration from the environment. A .env file in the
// working directory, if present, is loaded first and never overrides
// variables that are already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var errs error
	cfg := &Config{
		DBFile:         getEnv("PARLEY_DB", "parley.db"),
		APIAddr:        getEnv("API_ADDR", ":8080"),
		AdminAddr:      getEnv("ADMIN_ADDR", "localhost:8081"),
		MetricsAddr:    getEnv("METRICS_ADDR", "localhost:9090"),
		TokenExpiry:    getDuration("TOKEN_EXPIRY", 24*time.Hour, &errs),
		PersistTimeout: getDuration("PERSIST_TIMEOUT", 5*time.Second, &errs),
		IdempotencyTTL: getDuration("IDEMPOTENCY_TTL", 2*time.Minute, &errs),
		TypingTTL:      getDuration("TYPING_TTL", 30*time.Second, &errs),
		EventRate:      getFloat("EVENT_RATE", 20, &errs),
		EventBurst:     getInt("EVENT_BURST", 40, &errs),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "")),
		Debug:          getEnv("PARLEY_DEBUG", "") == "true",
	}
	if errs != nil {
		return nil, errs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs error
	if c.DBFile == "" {
		errs = multierr.Append(errs, errors.New("PARLEY_DB is required"))
	}
	if c.APIAddr == "" {
		errs = multierr.Append(errs, errors.New("API_ADDR is required"))
	}
	if c.TokenExpiry <= 0 {
		errs = multierr.Append(errs, errors.New("TOKEN_EXPIRY must be greater than 0"))
	}
	if c.PersistTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("PERSIST_TIMEOUT must be greater than 0"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = multierr.Append(errs, errors.New("IDEMPOTENCY_TTL must be greater than 0"))
	}
	if c.TypingTTL <= 0 {
		errs = multierr.Append(errs, errors.New("TYPING_TTL must be greater than 0"))
	}
	if c.EventRate < 0 {
		errs = multierr.Append(errs, errors.New("EVENT_RATE must not be negative"))
	}
	if c.EventRate > 0 && c.EventBurst < 1 {
		errs = multierr.Append(errs, errors.New("EVENT_BURST must be at least 1"))
	}
	return errs
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration, errs *error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return d
}

func getFloat(key string, fallback float64, errs *error) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return f
}

func getInt(key string, fallback int, errs *error) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return i
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
