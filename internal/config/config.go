package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the agentdeck daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DataDir     string
	DatabaseURL string

	MaxConcurrentTasks int
	MaxContinuations   int

	AgentHostMode      string
	GatewayURL         string
	GatewayToken       string
	FallbackURL        string
	AgentHostBinary    string
	AgentHostAutostart bool
	AgentHostWaitFor   time.Duration
}

// SettingsPath is the yaml file holding user-tunable settings.
func (c Config) SettingsPath() string { return filepath.Join(c.DataDir, "settings.yaml") }

// SchedulesPath is the yaml file holding recurring job specs.
func (c Config) SchedulesPath() string { return filepath.Join(c.DataDir, "schedules.yaml") }

// Load reads environment variables and applies safe defaults. The daemon
// binds loopback by default; desktop shells connect locally.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("DECK_BIND_ADDR", "127.0.0.1:8484"),
		MetricsNamespace: envOrDefault("DECK_METRICS_NAMESPACE", "agentdeck"),
		AllowAnyOrigin:   false,
		DataDir:          envOrDefault("DECK_DATA_DIR", defaultDataDir()),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		AgentHostMode:    envOrDefault("AGENTHOST_MODE", "auto"),
		GatewayURL:       envOrDefault("AGENTHOST_GATEWAY_URL", "ws://127.0.0.1:9777"),
		GatewayToken:     stringsTrimSpace("AGENTHOST_TOKEN"),
		FallbackURL:      stringsTrimSpace("AGENTHOST_FALLBACK_URL"),
		AgentHostBinary:  envOrDefault("AGENTHOST_BIN", "agenthost"),

		MaxConcurrentTasks: 10,
		MaxContinuations:   0,
		AgentHostAutostart: true,
		AgentHostWaitFor:   10 * time.Second,
		ShutdownTimeout:    15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("DECK_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("DECK_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentTasks, err = intFromEnv("DECK_MAX_CONCURRENT_TASKS", cfg.MaxConcurrentTasks)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxContinuations, err = intFromEnv("DECK_MAX_CONTINUATIONS", cfg.MaxContinuations)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentHostAutostart, err = boolFromEnv("AGENTHOST_AUTOSTART", cfg.AgentHostAutostart)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentHostWaitFor, err = durationFromEnv("AGENTHOST_WAIT_FOR", cfg.AgentHostWaitFor)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.DataDir) == "" {
		return Config{}, fmt.Errorf("DECK_DATA_DIR must not be empty")
	}
	if cfg.MaxConcurrentTasks <= 0 {
		return Config{}, fmt.Errorf("DECK_MAX_CONCURRENT_TASKS must be positive")
	}
	if cfg.MaxContinuations < 0 {
		return Config{}, fmt.Errorf("DECK_MAX_CONTINUATIONS must be >= 0")
	}
	if cfg.ShutdownTimeout < time.Second {
		return Config{}, fmt.Errorf("DECK_SHUTDOWN_TIMEOUT must be at least 1s")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AgentHostMode)) {
	case "auto", "gateway", "mock":
	default:
		return Config{}, fmt.Errorf("AGENTHOST_MODE must be auto, gateway, or mock")
	}
	if cfg.AgentHostWaitFor <= 0 {
		return Config{}, fmt.Errorf("AGENTHOST_WAIT_FOR must be positive")
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentdeck"
	}
	return filepath.Join(home, ".agentdeck")
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
