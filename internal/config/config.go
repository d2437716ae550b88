// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	AllowedOrigins   []string
	AccessAddress    string
	SSHUser          string
	LogLevel         slog.Level
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	LabNetwork       string
	CatalogPath      string
	HistoryDBPath    string

	Sessions SessionConfig
	Ports    PortConfig
	Flags    FlagConfig
	Timeout  TimeoutConfig
	Retry    RetryConfig
}

// SessionConfig bounds the session pool.
type SessionConfig struct {
	MaxSessions    int
	TTL            time.Duration
	ReapInterval   time.Duration
	StreamInterval time.Duration
}

// PortConfig describes the host port range handed to lab containers.
type PortConfig struct {
	RangeStart int
	RangeEnd   int
	Probe      bool
}

// FlagConfig controls the per-user flag submission limiter.
type FlagConfig struct {
	RatePerMinute int
	Burst         int
}

// TimeoutConfig bounds calls to external collaborators.
type TimeoutConfig struct {
	Runtime     time.Duration
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// RetryConfig controls journal write retries on SQLite contention.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "5000"),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		AccessAddress:    getEnv("ACCESS_ADDRESS", "localhost"),
		SSHUser:          getEnv("SSH_USER", "hacker"),
		LogLevel:         getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		LabNetwork:       getEnv("LAB_NETWORK", "vulnzero-labs"),
		CatalogPath:      getEnv("CATALOG_PATH", ""),
		HistoryDBPath:    getEnv("HISTORY_DB_PATH", ""),
		Sessions: SessionConfig{
			MaxSessions:    getEnvInt("MAX_SESSIONS", 10),
			TTL:            getEnvDuration("SESSION_TTL", 2*time.Hour),
			ReapInterval:   getEnvDuration("REAP_INTERVAL", 30*time.Second),
			StreamInterval: getEnvDuration("STATUS_STREAM_INTERVAL", 5*time.Second),
		},
		Ports: PortConfig{
			RangeStart: getEnvInt("PORT_RANGE_START", 20000),
			RangeEnd:   getEnvInt("PORT_RANGE_END", 40000),
			Probe:      getEnvBool("PORT_PROBE", false),
		},
		Flags: FlagConfig{
			RatePerMinute: getEnvInt("FLAG_RATE_PER_MINUTE", 30),
			Burst:         getEnvInt("FLAG_RATE_BURST", 10),
		},
		Timeout: TimeoutConfig{
			Runtime:     getEnvDuration("RUNTIME_TIMEOUT", 30*time.Second),
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AccessAddress == "" {
		return fmt.Errorf("ACCESS_ADDRESS cannot be empty")
	}
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be > 0")
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Sessions.ReapInterval <= 0 {
		return fmt.Errorf("REAP_INTERVAL must be > 0")
	}
	if c.Sessions.StreamInterval <= 0 {
		return fmt.Errorf("STATUS_STREAM_INTERVAL must be > 0")
	}
	if c.Ports.RangeStart < 1 || c.Ports.RangeEnd > 65535 || c.Ports.RangeStart > c.Ports.RangeEnd {
		return fmt.Errorf("port range %d-%d is invalid", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if c.Flags.RatePerMinute < 0 || c.Flags.Burst < 0 {
		return fmt.Errorf("FLAG_RATE_PER_MINUTE and FLAG_RATE_BURST must be >= 0")
	}
	if c.Flags.RatePerMinute > 0 && c.Flags.Burst == 0 {
		return fmt.Errorf("FLAG_RATE_BURST must be > 0 when rate limiting is enabled")
	}
	if c.Timeout.Runtime <= 0 {
		return fmt.Errorf("RUNTIME_TIMEOUT must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	return nil
}

// HistoryEnabled reports whether the session history journal is configured.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryDBPath != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("90s", "2h") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
