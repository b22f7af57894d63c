package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds process settings read from the environment
type Config struct {
	LogLevel       string        // LOG_LEVEL: debug, info, warn, error
	RedisURL       string        // REDIS_URL: redis://host:port/db; empty disables redis
	StorePath      string        // STORE_PATH: badger directory used when REDIS_URL is empty
	MetricsAddr    string        // METRICS_ADDR: listen address for /metrics; empty disables
	SecretKey      string        // NOSTR_SECRET_KEY: hex or nsec; empty means read-only
	ConnectTimeout time.Duration // CONNECT_TIMEOUT
	QueryTimeout   time.Duration // QUERY_TIMEOUT
}

// FromEnv reads Config using getenv (os.Getenv when nil)
func FromEnv(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &Config{
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL")),
		RedisURL:       getenv("REDIS_URL"),
		StorePath:      getenv("STORE_PATH"),
		MetricsAddr:    getenv("METRICS_ADDR"),
		SecretKey:      strings.TrimSpace(getenv("NOSTR_SECRET_KEY")),
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   3 * time.Second,
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	var err error
	if cfg.ConnectTimeout, err = durationEnv(getenv, "CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout, err = durationEnv(getenv, "QUERY_TIMEOUT", cfg.QueryTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

func durationEnv(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	raw := getenv(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", name, raw)
	}
	return d, nil
}
