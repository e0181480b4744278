package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Dzaakk/sliding-limiter/internal/limiter"
	"github.com/joho/godotenv"
)

type FailPolicy string

const (
	FailOpen   FailPolicy = "open"
	FailClosed FailPolicy = "closed"
)

var DefaultWindow = limiter.Window{
	Limit: 100,
	Size:  time.Minute,
}

type Config struct {
	HTTPAddr    string
	MetricsAddr string
	LogLevel    slog.Level

	StorageType    string
	RedisURL       string
	KeyPrefix      string
	BackendTimeout time.Duration

	DefaultWindow limiter.Window
	Resources     map[string]limiter.Window

	FailPolicy        FailPolicy
	TrustForwardedFor bool
	SkipPaths         []string

	StatsEnabled      bool
	StatsPrefix       string
	StatsTTL          time.Duration
	StatsTrackClients bool
}

// MetricResources lists the resources that get their own metrics label:
// the configured overrides plus routes.
func (c Config) MetricResources(routes ...string) []string {
	out := append([]string(nil), routes...)
	for r := range c.Resources {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}

// WindowFor returns the quota configured for resource, or the default.
func (c Config) WindowFor(resource string) limiter.Window {
	if w, ok := c.Resources[resource]; ok {
		return w
	}
	return c.DefaultWindow
}

// Load reads the configuration from the environment. A .env file in the
// working directory is read first if present; real environment variables
// win over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		HTTPAddr:    get("HTTP_ADDR", ":8000"),
		MetricsAddr: get("METRICS_ADDR", ":9090"),
		StorageType: get("STORAGE_TYPE", "redis"),
		RedisURL:    get("REDIS_URL", "redis://localhost:6379"),
		KeyPrefix:   getenv("RATE_LIMIT_KEY_PREFIX"),
		StatsPrefix: get("STATS_PREFIX", "ratelimit:stats"),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "INFO"))); err != nil {
		return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	switch cfg.StorageType {
	case "redis", "memory":
	default:
		return Config{}, fmt.Errorf("invalid STORAGE_TYPE %q: want redis or memory", cfg.StorageType)
	}

	timeoutMs, err := strconv.Atoi(get("BACKEND_TIMEOUT_MS", "250"))
	if err != nil || timeoutMs <= 0 {
		return Config{}, fmt.Errorf("invalid BACKEND_TIMEOUT_MS %q", getenv("BACKEND_TIMEOUT_MS"))
	}
	cfg.BackendTimeout = time.Duration(timeoutMs) * time.Millisecond

	limit, err := strconv.ParseInt(get("DEFAULT_LIMIT", strconv.FormatInt(DefaultWindow.Limit, 10)), 10, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DEFAULT_LIMIT: %w", err)
	}
	windowMs, err := strconv.ParseInt(get("DEFAULT_WINDOW_MS", strconv.FormatInt(DefaultWindow.Size.Milliseconds(), 10)), 10, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DEFAULT_WINDOW_MS: %w", err)
	}
	cfg.DefaultWindow = limiter.Window{Limit: limit, Size: time.Duration(windowMs) * time.Millisecond}
	if limit <= 0 || windowMs <= 0 {
		return Config{}, fmt.Errorf("default window must be positive, got limit=%d window_ms=%d", limit, windowMs)
	}

	cfg.Resources, err = ParseResourceLimits(getenv("RESOURCE_LIMITS"))
	if err != nil {
		return Config{}, err
	}

	switch p := FailPolicy(strings.ToLower(get("FAIL_POLICY", string(FailClosed)))); p {
	case FailOpen, FailClosed:
		cfg.FailPolicy = p
	default:
		return Config{}, fmt.Errorf("invalid FAIL_POLICY %q: want open or closed", p)
	}

	if cfg.TrustForwardedFor, err = parseBool(get("TRUST_FORWARDED_FOR", "false")); err != nil {
		return Config{}, fmt.Errorf("invalid TRUST_FORWARDED_FOR: %w", err)
	}
	if cfg.StatsEnabled, err = parseBool(get("STATS_ENABLED", "false")); err != nil {
		return Config{}, fmt.Errorf("invalid STATS_ENABLED: %w", err)
	}
	if cfg.StatsTrackClients, err = parseBool(get("STATS_TRACK_CLIENTS", "false")); err != nil {
		return Config{}, fmt.Errorf("invalid STATS_TRACK_CLIENTS: %w", err)
	}
	if cfg.StatsTTL, err = time.ParseDuration(get("STATS_TTL", "24h")); err != nil || cfg.StatsTTL < 0 {
		return Config{}, fmt.Errorf("invalid STATS_TTL %q: want a non-negative duration such as 24h", getenv("STATS_TTL"))
	}

	for _, p := range strings.Split(get("SKIP_PATHS", "/health"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.SkipPaths = append(cfg.SkipPaths, p)
		}
	}

	return cfg, nil
}

func parseBool(s string) (bool, error) {
	return strconv.ParseBool(strings.ToLower(s))
}

// ParseResourceLimits parses "resource=limit:window_ms" pairs separated by
// commas, e.g. "/api/resource=10:1000,/login=5:60000".
func ParseResourceLimits(s string) (map[string]limiter.Window, error) {
	out := map[string]limiter.Window{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		resource, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(resource) == "" {
			return nil, fmt.Errorf("invalid RESOURCE_LIMITS entry %q: want resource=limit:window_ms", pair)
		}
		limitStr, windowStr, ok := strings.Cut(value, ":")
		if !ok {
			return nil, fmt.Errorf("invalid RESOURCE_LIMITS entry %q: want resource=limit:window_ms", pair)
		}

		limit, err := strconv.ParseInt(strings.TrimSpace(limitStr), 10, 64)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("invalid limit in RESOURCE_LIMITS entry %q", pair)
		}
		windowMs, err := strconv.ParseInt(strings.TrimSpace(windowStr), 10, 64)
		if err != nil || windowMs <= 0 {
			return nil, fmt.Errorf("invalid window in RESOURCE_LIMITS entry %q", pair)
		}

		out[strings.TrimSpace(resource)] = limiter.Window{
			Limit: limit,
			Size:  time.Duration(windowMs) * time.Millisecond,
		}
	}
	return out, nil
}
