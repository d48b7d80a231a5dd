// Package config provides application configuration management.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

// Configuration bounds.
const (
	maxTimeout          = 10 * time.Minute
	minPollInterval     = 100 * time.Millisecond
	maxPollInterval     = 10 * time.Second
	maxStallPasses      = 600
	maxRateLimitRPM     = 10000
	minAPIKeyLength     = 16
	maxFallbackShare    = 0.9
	defaultScrappeyBase = "https://publisher.scrappey.com/api/v1"
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings. HEADLESS defaults to false: the browser renders into
	// the Xvfb display of the container.
	Headless     bool
	BrowserPath  string
	WindowWidth  int
	WindowHeight int

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Challenge loop
	ChallengePollInterval time.Duration
	ChallengeStallPasses  int

	// Upstream proxy. Host and port are required, credentials are optional.
	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string

	// Local proxy bridge the browser is pointed at.
	BridgeAddr string

	// Fallback solving service. FallbackBudgetShare is the fraction of each
	// request budget held back from the browser for the fallback.
	ScrappeyAPIKey      string
	ScrappeyEndpoint    string
	FallbackBudgetShare float64

	// Persistence and diagnostics
	DataPath                  string
	CaptureFailureScreenshots bool
	ScreenshotDir             string

	// Logging
	LogLevel string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// HTTP surface
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string
	APIKeyEnabled      bool
	APIKey             string

	// Challenge fingerprints override
	SelectorsPath      string
	SelectorsHotReload bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Host: getEnvString("HOST", "0.0.0.0"),
		Port: getEnvInt("PORT", 8191),

		Headless:     getEnvBool("HEADLESS", false),
		BrowserPath:  getEnvString("BROWSER_PATH", ""),
		WindowWidth:  getEnvInt("WINDOW_WIDTH", 1920),
		WindowHeight: getEnvInt("WINDOW_HEIGHT", 1080),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		ChallengePollInterval: getEnvDuration("CHALLENGE_POLL_INTERVAL", time.Second),
		ChallengeStallPasses:  getEnvInt("CHALLENGE_STALL_PASSES", 20),

		ProxyHost:     getEnvString("PROXY_HOST", ""),
		ProxyPort:     getEnvInt("PROXY_PORT", 0),
		ProxyUsername: getEnvString("PROXY_USERNAME", ""),
		ProxyPassword: getEnvString("PROXY_PASSWORD", ""),

		BridgeAddr: getEnvString("BRIDGE_ADDR", "127.0.0.1:8080"),

		ScrappeyAPIKey:      getEnvString("SCRAPPEY_API_KEY", ""),
		ScrappeyEndpoint:    getEnvString("SCRAPPEY_ENDPOINT", defaultScrappeyBase),
		FallbackBudgetShare: getEnvFloat("FALLBACK_BUDGET_SHARE", 0.3),

		DataPath:                  getEnvString("DATA_PATH", "/data/persistent.json"),
		CaptureFailureScreenshots: getEnvBool("CAPTURE_FAILURE_SCREENSHOTS", true),
		ScreenshotDir:             getEnvString("SCREENSHOT_DIR", "/data/screenshots"),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 8192),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		APIKeyEnabled:      getEnvBool("API_KEY_ENABLED", false),
		APIKey:             getEnvString("API_KEY", ""),

		SelectorsPath:      getEnvString("SELECTORS_PATH", ""),
		SelectorsHotReload: getEnvBool("SELECTORS_HOT_RELOAD", false),
	}
}

// Validate corrects out-of-range values with a warning and returns an error
// when required values are missing. A non-nil error must abort startup.
func (c *Config) Validate() error {
	var missing []string
	if c.ScrappeyAPIKey == "" {
		missing = append(missing, "SCRAPPEY_API_KEY")
	}
	if c.ProxyHost == "" {
		missing = append(missing, "PROXY_HOST")
	}
	if c.ProxyPort == 0 {
		missing = append(missing, "PROXY_PORT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", types.ErrMissingConfig, strings.Join(missing, ", "))
	}
	if c.ProxyPort < 1 || c.ProxyPort > 65535 {
		return fmt.Errorf("PROXY_PORT %d is not a valid port", c.ProxyPort)
	}
	if (c.ProxyUsername == "") != (c.ProxyPassword == "") {
		log.Warn().Msg("Only one of PROXY_USERNAME / PROXY_PASSWORD is set, upstream auth will use it with an empty counterpart")
	}

	if _, _, err := net.SplitHostPort(c.BridgeAddr); err != nil {
		return fmt.Errorf("BRIDGE_ADDR %q: %w", c.BridgeAddr, err)
	}

	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8191")
		c.Port = 8191
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	if c.WindowWidth < 320 || c.WindowHeight < 240 {
		log.Warn().
			Int("width", c.WindowWidth).
			Int("height", c.WindowHeight).
			Msg("Window size too small, using 1920x1080")
		c.WindowWidth, c.WindowHeight = 1920, 1080
	}

	if c.MaxTimeout > maxTimeout {
		log.Warn().
			Dur("timeout", c.MaxTimeout).
			Dur("max", maxTimeout).
			Msg("MAX_TIMEOUT too large, capping to maximum")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().
			Dur("default", c.DefaultTimeout).
			Dur("max", c.MaxTimeout).
			Msg("DEFAULT_TIMEOUT exceeds MAX_TIMEOUT, using MAX_TIMEOUT")
		c.DefaultTimeout = c.MaxTimeout
	}

	if c.ChallengePollInterval < minPollInterval || c.ChallengePollInterval > maxPollInterval {
		log.Warn().
			Dur("interval", c.ChallengePollInterval).
			Msg("CHALLENGE_POLL_INTERVAL out of range, using 1s")
		c.ChallengePollInterval = time.Second
	}
	if c.ChallengeStallPasses < 0 {
		c.ChallengeStallPasses = 0
	} else if c.ChallengeStallPasses > maxStallPasses {
		log.Warn().
			Int("passes", c.ChallengeStallPasses).
			Int("max", maxStallPasses).
			Msg("CHALLENGE_STALL_PASSES too large, capping to maximum")
		c.ChallengeStallPasses = maxStallPasses
	}

	if c.FallbackBudgetShare < 0 || c.FallbackBudgetShare > maxFallbackShare {
		log.Warn().
			Float64("share", c.FallbackBudgetShare).
			Msg("FALLBACK_BUDGET_SHARE out of range, using 0.3")
		c.FallbackBudgetShare = 0.3
	}

	if c.DataPath == "" {
		return errors.New("DATA_PATH must not be empty")
	}
	c.DataPath = filepath.Clean(c.DataPath)
	if c.CaptureFailureScreenshots && c.ScreenshotDir == "" {
		log.Warn().Msg("SCREENSHOT_DIR is empty, disabling failure screenshots")
		c.CaptureFailureScreenshots = false
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		log.Warn().Str("level", c.LogLevel).Msg("Unknown LOG_LEVEL, using info")
		c.LogLevel = "info"
	}

	if c.RateLimitRPM < 1 {
		log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 60")
		c.RateLimitRPM = 60
	} else if c.RateLimitRPM > maxRateLimitRPM {
		log.Warn().
			Int("rpm", c.RateLimitRPM).
			Int("max", maxRateLimitRPM).
			Msg("Rate limit too high, capping to maximum")
		c.RateLimitRPM = maxRateLimitRPM
	}

	if c.APIKeyEnabled && len(c.APIKey) < minAPIKeyLength {
		return fmt.Errorf("API_KEY must be at least %d characters when API_KEY_ENABLED=true", minAPIKeyLength)
	}

	if c.SelectorsHotReload && c.SelectorsPath == "" {
		log.Warn().Msg("SELECTORS_HOT_RELOAD has no effect without SELECTORS_PATH")
		c.SelectorsHotReload = false
	}

	return nil
}

// UpstreamAddr returns the host:port of the upstream proxy.
func (c *Config) UpstreamAddr() string {
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// UpstreamProxyURL returns the upstream proxy as a URL with credentials, the
// form the fallback service expects so its traffic exits through the same IP.
func (c *Config) UpstreamProxyURL() string {
	if c.ProxyUsername != "" || c.ProxyPassword != "" {
		return fmt.Sprintf("http://%s:%s@%s", c.ProxyUsername, c.ProxyPassword, c.UpstreamAddr())
	}
	return "http://" + c.UpstreamAddr()
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err == nil {
			return f
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Float64("default", defaultValue).
			Msg("Invalid number in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
