package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	ServerPort string
	GinMode    string
	LogLevel   string
	LogFormat  string
	RedisURL   string

	// BackendURL is the base URL of the publishing platform API the flow talks to.
	BackendURL     string
	RequestTimeout time.Duration

	SessionCookie  string
	VisitorCookie  string
	CookieSecure   bool
	SessionTTLDays int

	MaxFiles        int
	MaxFileBytes    int64
	MaxAttempts     int
	ProtocolVersion string

	// OTPSendLimit is the number of send-otp requests one IP may issue per OTPSendWindow.
	OTPSendLimit  int
	OTPSendWindow time.Duration
	// InFlightTTL bounds how long a per-phone send lock may be held if its owner dies.
	InFlightTTL time.Duration

	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		GinMode:         getEnv("GIN_MODE", "debug"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "pretty"),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		BackendURL:      strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:5000/api"), "/"),
		RequestTimeout:  time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		SessionCookie:   getEnv("SESSION_COOKIE", "qr_session"),
		VisitorCookie:   getEnv("VISITOR_COOKIE", "qr_visitor"),
		CookieSecure:    getEnvBool("COOKIE_SECURE", true),
		SessionTTLDays:  getEnvInt("SESSION_TTL_DAYS", 30),
		MaxFiles:        getEnvInt("MAX_FILES", 10),
		MaxFileBytes:    int64(getEnvInt("MAX_FILE_SIZE_MB", 5)) * 1024 * 1024,
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 5),
		ProtocolVersion: getEnv("PROTOCOL_VERSION", "qr-v1"),
		OTPSendLimit:    getEnvInt("OTP_SEND_LIMIT", 5),
		OTPSendWindow:   time.Duration(getEnvInt("OTP_SEND_WINDOW_SECONDS", 60)) * time.Second,
		InFlightTTL:     time.Duration(getEnvInt("INFLIGHT_TTL_SECONDS", 30)) * time.Second,
		AllowedOrigins:  parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
	}
}

// SessionTTL converts SessionTTLDays into a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLDays) * 24 * time.Hour
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
