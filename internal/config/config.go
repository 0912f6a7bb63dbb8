package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings, loaded from environment variables.
// Values arrive via the process environment or a .env file loaded at startup.
type Config struct {
	Port  int
	Debug bool

	// Engine
	EngineControlURL      string // non-empty attaches to a running engine instead of launching one
	EngineImage           string
	EngineHostPort        int // 0 picks a free port
	EngineHealthInterval  time.Duration
	EngineRestartBackoff  time.Duration
	EngineBackoffMax      time.Duration
	EngineMaxRestarts     int // 0 means retry forever
	NavTimeout            time.Duration

	// Scrape policy
	SiteBaseURL        string
	ScrapeRetries      int
	ScrapeRetryBackoff time.Duration

	// Cache
	CacheTTL time.Duration

	// Sessions
	SessionIdleTimeout time.Duration
	SessionMaxLifetime time.Duration // 0 disables the absolute cap
	SessionCapacity    int
	ReaperInterval     time.Duration

	// API
	RequestsPerHour int
	RequestTimeout  time.Duration

	// Fallback source
	FallbackBaseURL string
	FallbackAPIKey  string

	// Credential store
	CredsPath string
	CredsKey  []byte // 32 bytes, empty means an ephemeral key is generated
}

// Load reads configuration from the environment, applying defaults
func Load() (*Config, error) {
	cfg := &Config{
		EngineControlURL: os.Getenv("ENGINE_CONTROL_URL"),
		EngineImage:      getEnv("ENGINE_IMAGE", "browserless/chrome:latest"),
		SiteBaseURL:      getEnv("SITE_BASE_URL", "https://weather.com"),
		FallbackBaseURL:  getEnv("FALLBACK_BASE_URL", "https://api.openweathermap.org/data/2.5"),
		FallbackAPIKey:   os.Getenv("FALLBACK_API_KEY"),
		CredsPath:        getEnv("CREDS_PATH", "data/credentials.enc"),
	}

	var err error
	if cfg.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.Debug, err = getEnvBool("DEBUG", false); err != nil {
		return nil, err
	}
	if cfg.EngineHostPort, err = getEnvInt("ENGINE_PORT", 0); err != nil {
		return nil, err
	}
	if cfg.EngineHealthInterval, err = getEnvDuration("ENGINE_HEALTH_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.EngineRestartBackoff, err = getEnvDuration("ENGINE_RESTART_BACKOFF", time.Second); err != nil {
		return nil, err
	}
	if cfg.EngineBackoffMax, err = getEnvDuration("ENGINE_RESTART_BACKOFF_MAX", time.Minute); err != nil {
		return nil, err
	}
	if cfg.EngineMaxRestarts, err = getEnvInt("ENGINE_RESTART_MAX_ATTEMPTS", 0); err != nil {
		return nil, err
	}
	if cfg.NavTimeout, err = getEnvDuration("NAV_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.ScrapeRetries, err = getEnvInt("SCRAPE_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.ScrapeRetryBackoff, err = getEnvDuration("SCRAPE_RETRY_BACKOFF", time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionIdleTimeout, err = getEnvDuration("SESSION_IDLE_TIMEOUT", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionMaxLifetime, err = getEnvDuration("SESSION_MAX_LIFETIME", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionCapacity, err = getEnvInt("SESSION_CAPACITY", 32); err != nil {
		return nil, err
	}
	if cfg.ReaperInterval, err = getEnvDuration("REAPER_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RequestsPerHour, err = getEnvInt("REQUESTS_PER_HOUR", 600); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", 75*time.Second); err != nil {
		return nil, err
	}

	if raw := os.Getenv("CREDS_KEY"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("CREDS_KEY is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("CREDS_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.CredsKey = key
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.ScrapeRetries < 0 {
		return fmt.Errorf("SCRAPE_RETRIES must not be negative, got %d", c.ScrapeRetries)
	}
	if c.SessionCapacity < 1 {
		return fmt.Errorf("SESSION_CAPACITY must be at least 1, got %d", c.SessionCapacity)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive, got %s", c.SessionIdleTimeout)
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive, got %s", c.ReaperInterval)
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
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
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
		return 0, fmt.Errorf("%s must be a duration like 30s or 10m, got %q", key, v)
	}
	return d, nil
}
