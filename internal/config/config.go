// Package config provides configuration loading for the session orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the orchestrator.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Agent settings
	AgentCommand string
	AgentArgs    []string
	AgentUsePTY  bool

	// Workspace settings
	WorkspaceRoot        string
	WorkspaceArchiveRoot string
	RetainWorkspaces     bool

	// Session settings
	MaxConcurrentSessions int
	DefaultGracePeriod    time.Duration
	MaxGracePeriod        time.Duration
	SessionRetention      time.Duration
	WatchdogTimeout       time.Duration
	EventBufferSize       int

	// Persistence settings
	PersistenceDBPath string

	// Shutdown settings
	ShutdownGrace time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// JWT settings. Auth is enabled when JWKSEndpoint is set.
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// Logging settings
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("AGENTD_PORT", 8082),
		Host:           getEnv("AGENTD_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		AgentCommand: getEnv("AGENT_COMMAND", ""),
		AgentArgs:    getEnvStringSlice("AGENT_ARGS", nil),
		AgentUsePTY:  getEnvBool("AGENT_USE_PTY", false),

		WorkspaceRoot:        getEnv("WORKSPACE_ROOT", "/var/lib/agentd/workspaces"),
		WorkspaceArchiveRoot: getEnv("WORKSPACE_ARCHIVE_ROOT", ""),
		RetainWorkspaces:     getEnvBool("RETAIN_WORKSPACES", false),

		MaxConcurrentSessions: getEnvInt("MAX_CONCURRENT_SESSIONS", 4),
		DefaultGracePeriod:    getEnvDuration("DEFAULT_GRACE_PERIOD", 10*time.Second),
		MaxGracePeriod:        getEnvDuration("MAX_GRACE_PERIOD", 2*time.Minute),
		SessionRetention:      getEnvDuration("SESSION_RETENTION", 10*time.Minute),
		WatchdogTimeout:       getEnvDuration("WATCHDOG_TIMEOUT", 30*time.Minute),
		EventBufferSize:       getEnvInt("EVENT_BUFFER_SIZE", 4096),

		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", "/var/lib/agentd/agentd.db"),

		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 15*time.Second),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "agent-orchestrator"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	// Validate required fields
	if cfg.AgentCommand == "" {
		return nil, fmt.Errorf("AGENT_COMMAND is required")
	}
	if cfg.MaxConcurrentSessions < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_SESSIONS must be at least 1")
	}
	if cfg.DefaultGracePeriod <= 0 {
		return nil, fmt.Errorf("DEFAULT_GRACE_PERIOD must be positive")
	}
	if cfg.MaxGracePeriod < cfg.DefaultGracePeriod {
		return nil, fmt.Errorf("MAX_GRACE_PERIOD must be at least DEFAULT_GRACE_PERIOD")
	}
	if cfg.JWKSEndpoint != "" && cfg.JWTIssuer == "" {
		return nil, fmt.Errorf("JWT_ISSUER is required when JWKS_ENDPOINT is set")
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
