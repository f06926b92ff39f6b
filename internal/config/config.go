package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/punchclock/internal/audit"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Audit  AuditConfig
	API    APIConfig
	Bridge BridgeConfig
	Log    LogConfig
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Path              string
	FallbackPath      string
	Console           audit.ConsoleMode
	ConsoleFormat     audit.ConsoleFormat
	RecoverUnresolved bool
}

// APIConfig holds HR API client settings.
type APIConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Rate     float64
	Burst    int
	ClientID string
	ShiftID  string
}

// BridgeConfig holds the loopback UI bridge settings.
type BridgeConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Origins      []string
}

// LogConfig holds diagnostic log settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	apiTimeout, err := getEnvDuration("PUNCHCLOCK_API_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	apiRate, err := getEnvFloat("PUNCHCLOCK_API_RATE", 2)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	apiBurst, err := getEnvInt("PUNCHCLOCK_API_BURST", 4)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("PUNCHCLOCK_BRIDGE_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	// Long enough for the slowest remote call (API timeout) plus rate pacing.
	writeTimeout, err := getEnvDuration("PUNCHCLOCK_BRIDGE_WRITE_TIMEOUT", 45*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	recoverUnresolved, err := getEnvBool("PUNCHCLOCK_RECOVER_UNRESOLVED", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Audit: AuditConfig{
			Path:              getEnv("PUNCHCLOCK_AUDIT_PATH", filepath.Join("data", "audit.log")),
			FallbackPath:      getEnv("PUNCHCLOCK_AUDIT_FALLBACK_PATH", filepath.Join(os.TempDir(), "punchclock", "audit.log")),
			Console:           audit.ConsoleMode(strings.ToLower(getEnv("PUNCHCLOCK_CONSOLE", string(audit.ConsoleAuto)))),
			ConsoleFormat:     audit.ConsoleFormat(strings.ToLower(getEnv("PUNCHCLOCK_CONSOLE_FORMAT", string(audit.ConsoleJSON)))),
			RecoverUnresolved: recoverUnresolved,
		},
		API: APIConfig{
			BaseURL:  getEnv("PUNCHCLOCK_API_BASE_URL", ""),
			Timeout:  apiTimeout,
			Rate:     apiRate,
			Burst:    apiBurst,
			ClientID: getEnv("PUNCHCLOCK_CLIENT_ID", ""),
			ShiftID:  getEnv("PUNCHCLOCK_SHIFT_ID", ""),
		},
		Bridge: BridgeConfig{
			Addr:         getEnv("PUNCHCLOCK_BRIDGE_ADDR", "127.0.0.1:8765"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			Origins:      getEnvList("PUNCHCLOCK_BRIDGE_ORIGINS", []string{"http://localhost:8765"}),
		},
		Log: LoadLog(),
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// LoadLog reads only the diagnostic log settings. Every command applies them
// before its own configuration is loaded.
func LoadLog() LogConfig {
	return LogConfig{
		Level:  getEnv("PUNCHCLOCK_LOG_LEVEL", "info"),
		Format: getEnv("PUNCHCLOCK_LOG_FORMAT", "text"),
	}
}

// LoadAudit reads only the audit settings. The offline audit commands use it
// so they work without an API base URL.
func LoadAudit() (AuditConfig, error) {
	cfg := AuditConfig{
		Path:         getEnv("PUNCHCLOCK_AUDIT_PATH", filepath.Join("data", "audit.log")),
		FallbackPath: getEnv("PUNCHCLOCK_AUDIT_FALLBACK_PATH", filepath.Join(os.TempDir(), "punchclock", "audit.log")),
	}
	if cfg.Path == cfg.FallbackPath {
		return cfg, errors.New("config.LoadAudit: PUNCHCLOCK_AUDIT_FALLBACK_PATH must differ from PUNCHCLOCK_AUDIT_PATH")
	}
	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return errors.New("PUNCHCLOCK_API_BASE_URL is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PUNCHCLOCK_API_BASE_URL must be an http(s) URL, got %q", c.API.BaseURL)
	}
	if u.Scheme == "http" {
		log.Warn().Str("url", c.API.BaseURL).Msg("PUNCHCLOCK_API_BASE_URL is not https; credentials travel in clear text")
	}

	if c.Audit.Path == "" {
		return errors.New("PUNCHCLOCK_AUDIT_PATH must not be empty")
	}
	if filepath.Clean(c.Audit.Path) == filepath.Clean(c.Audit.FallbackPath) {
		return errors.New("PUNCHCLOCK_AUDIT_FALLBACK_PATH must differ from PUNCHCLOCK_AUDIT_PATH")
	}
	switch c.Audit.Console {
	case audit.ConsoleAuto, audit.ConsoleAlways, audit.ConsoleNever:
	default:
		return fmt.Errorf("PUNCHCLOCK_CONSOLE must be auto, always or never, got %q", c.Audit.Console)
	}
	switch c.Audit.ConsoleFormat {
	case audit.ConsoleJSON, audit.ConsoleText:
	default:
		return fmt.Errorf("PUNCHCLOCK_CONSOLE_FORMAT must be json or text, got %q", c.Audit.ConsoleFormat)
	}

	// Bounds checks.
	if c.API.Timeout <= 0 {
		return fmt.Errorf("PUNCHCLOCK_API_TIMEOUT must be positive, got %s", c.API.Timeout)
	}
	if c.API.Rate < 0 {
		return fmt.Errorf("PUNCHCLOCK_API_RATE must be >= 0, got %g", c.API.Rate)
	}
	if c.API.Burst < 1 {
		return fmt.Errorf("PUNCHCLOCK_API_BURST must be >= 1, got %d", c.API.Burst)
	}
	if c.Bridge.ReadTimeout <= 0 {
		return fmt.Errorf("PUNCHCLOCK_BRIDGE_READ_TIMEOUT must be positive, got %s", c.Bridge.ReadTimeout)
	}
	if c.Bridge.WriteTimeout <= 0 {
		return fmt.Errorf("PUNCHCLOCK_BRIDGE_WRITE_TIMEOUT must be positive, got %s", c.Bridge.WriteTimeout)
	}
	if c.Bridge.WriteTimeout <= c.API.Timeout {
		log.Warn().
			Dur("write_timeout", c.Bridge.WriteTimeout).
			Dur("api_timeout", c.API.Timeout).
			Msg("bridge write timeout does not exceed the API timeout; slow calls may lose their reply")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
