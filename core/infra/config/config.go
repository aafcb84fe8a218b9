package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr        = ":8081"
	defaultMetricsAddr     = ":9092"
	defaultAgentConfigPath = "config/agent.yaml"
	envAgentBaseURL        = "AGENT_BASE_URL"
	envAgentConfigPath     = "AGENT_CONFIG_PATH"
	envAgentHTTPTimeout    = "AGENT_HTTP_TIMEOUT"
	envHTTPAddr            = "GATEWAY_HTTP_ADDR"
	envMetricsAddr         = "GATEWAY_METRICS_ADDR"
	envRedisURL            = "REDIS_URL"
	envNATSURL             = "NATS_URL"
	envSupabaseURL         = "SUPABASE_URL"
	envSupabaseURLPublic   = "NEXT_PUBLIC_SUPABASE_URL"
	envSupabaseJWTSecret   = "SUPABASE_JWT_SECRET"
	envPollInterval        = "POLL_INTERVAL"
	envPollMaxAttempts     = "POLL_MAX_ATTEMPTS"
)

// Config holds runtime configuration for the gateway. Empty RedisURL or
// NatsURL disables the job registry or event bus respectively.
type Config struct {
	AgentBaseURL      string
	AgentConfigPath   string
	AgentHTTPTimeout  time.Duration
	HTTPAddr          string
	MetricsAddr       string
	RedisURL          string
	NatsURL           string
	SupabaseURL       string
	SupabaseJWTSecret string
	PollInterval      time.Duration
	PollMaxAttempts   int
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	supabaseURL := strings.TrimSpace(os.Getenv(envSupabaseURL))
	if supabaseURL == "" {
		supabaseURL = strings.TrimSpace(os.Getenv(envSupabaseURLPublic))
	}
	return &Config{
		AgentBaseURL:      strings.TrimSpace(os.Getenv(envAgentBaseURL)),
		AgentConfigPath:   envOr(envAgentConfigPath, defaultAgentConfigPath),
		AgentHTTPTimeout:  envDuration(envAgentHTTPTimeout),
		HTTPAddr:          envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:       envOr(envMetricsAddr, defaultMetricsAddr),
		RedisURL:          strings.TrimSpace(os.Getenv(envRedisURL)),
		NatsURL:           strings.TrimSpace(os.Getenv(envNATSURL)),
		SupabaseURL:       supabaseURL,
		SupabaseJWTSecret: os.Getenv(envSupabaseJWTSecret),
		PollInterval:      envDuration(envPollInterval),
		PollMaxAttempts:   envInt(envPollMaxAttempts),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envDuration accepts Go durations ("3s") or bare seconds ("3").
func envDuration(key string) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func envInt(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
