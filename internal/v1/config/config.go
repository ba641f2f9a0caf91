// Package config validates environment configuration at process start.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	Port       string
	AIProvider string // "openai" or "gemini"

	// Provider credentials (one required, matching AIProvider)
	OpenAIAPIKey string
	GeminiAPIKey string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Auth
	JWKSURL      string
	AuthAudience string
	JWTSecret    string
	SkipAuth     bool

	// Redis (lobby fan-out + rate limit store)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Search provider
	SearchAPIURL string
	SearchAPIKey string

	// Video summary service (tool disabled when URL unset)
	VideoSummaryAPIURL string
	VideoSummaryAPIKey string

	// Summarizer
	SummaryModel          string
	SummaryEntryThreshold int
	SummaryInterval       time.Duration

	// Rooms
	RoomIdleTimeout time.Duration
	ExportDir       string

	// Tracing
	OTelCollectorAddr string

	// Rate limits (ulule/limiter formatted, M = minute, H = hour)
	RateLimitAPIGlobal string
	RateLimitAPIRooms  string
	RateLimitWsIP      string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an error listing every missing or invalid variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.AIProvider = getEnvOrDefault("AI_PROVIDER", "openai")
	switch cfg.AIProvider {
	case "openai":
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
		if cfg.OpenAIAPIKey == "" {
			errs = append(errs, "OPENAI_API_KEY is required when AI_PROVIDER=openai")
		}
	case "gemini":
		cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
		if cfg.GeminiAPIKey == "" {
			errs = append(errs, "GEMINI_API_KEY is required when AI_PROVIDER=gemini")
		}
	default:
		errs = append(errs, fmt.Sprintf("AI_PROVIDER must be 'openai' or 'gemini' (got '%s')", cfg.AIProvider))
	}
	// Summaries always use the OpenAI chat API regardless of voice provider.
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.JWKSURL = os.Getenv("JWKS_URL")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	if !cfg.SkipAuth && cfg.JWKSURL == "" && cfg.JWTSecret == "" {
		if cfg.DevelopmentMode {
			slog.Warn("Development mode: no JWKS_URL or JWT_SECRET, auto-enabling SKIP_AUTH")
			cfg.SkipAuth = true
		} else {
			errs = append(errs, "JWKS_URL or JWT_SECRET must be set when SKIP_AUTH=false")
		}
	}

	cfg.SearchAPIURL = getEnvOrDefault("SEARCH_API_URL", "https://api.search.brave.com/res/v1/web/search")
	cfg.SearchAPIKey = os.Getenv("SEARCH_API_KEY")

	cfg.VideoSummaryAPIURL = os.Getenv("VIDEO_SUMMARY_API_URL")
	cfg.VideoSummaryAPIKey = os.Getenv("VIDEO_SUMMARY_API_KEY")

	cfg.SummaryModel = getEnvOrDefault("SUMMARY_MODEL", "gpt-4o-mini")
	cfg.SummaryEntryThreshold = getEnvIntOrDefault("SUMMARY_ENTRY_THRESHOLD", 30, &errs)
	cfg.SummaryInterval = time.Duration(getEnvIntOrDefault("SUMMARY_INTERVAL_MS", 600_000, &errs)) * time.Millisecond

	cfg.RoomIdleTimeout = time.Duration(getEnvIntOrDefault("ROOM_IDLE_TIMEOUT_MINUTES", 10, &errs)) * time.Minute
	cfg.ExportDir = os.Getenv("EXPORT_DIR")

	cfg.OTelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"ai_provider", cfg.AIProvider,
		"openai_api_key", redactSecret(cfg.OpenAIAPIKey),
		"gemini_api_key", redactSecret(cfg.GeminiAPIKey),
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
		"summary_model", cfg.SummaryModel,
		"room_idle_timeout", cfg.RoomIdleTimeout,
	)
}

// getEnvOrDefault returns the environment value or a default when unset.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
