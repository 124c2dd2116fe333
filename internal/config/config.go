package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the shell process.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Storage settings
	DataDir string

	// Logging
	LogLevel string
	LogFile  string

	// Content settings snapshotted into views at creation.
	View ViewSettings
}

// ViewSettings is the versioned, immutable settings snapshot handed to view
// construction and session operations by value. Updates produce a new
// snapshot; nothing mutates a snapshot in place.
type ViewSettings struct {
	Version                 int
	NewTabURL               string
	WebUIBaseURL            string
	Autoplay                bool
	IgnoreCertificateErrors bool
	DoNotTrack              bool
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("SHELL_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("SHELL_CDP_PORT", 9222),
		BindAddr:         getEnvOrDefault("SHELL_BIND_ADDR", "127.0.0.1:8288"),
		PortCandidates:   getEnvListOrDefault("SHELL_PORT_CANDIDATES", []string{"127.0.0.1:8288", "127.0.0.1:8289", "127.0.0.1:8290"}),
		PortAutoFallback: getEnvBoolOrDefault("SHELL_PORT_AUTO_FALLBACK", true),
		DataDir:          getEnvOrDefault("SHELL_DATA_DIR", "./shell_data"),
		LogLevel:         strings.ToLower(getEnvOrDefault("SHELL_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("SHELL_LOG_FILE", "logs/shell_agent.log"),
		View: ViewSettings{
			Version:                 1,
			NewTabURL:               getEnvOrDefault("SHELL_NEWTAB_URL", "shell://newtab"),
			WebUIBaseURL:            getEnvOrDefault("SHELL_WEBUI_BASE_URL", "shell://"),
			Autoplay:                getEnvBoolOrDefault("SHELL_AUTOPLAY", false),
			IgnoreCertificateErrors: getEnvBoolOrDefault("SHELL_IGNORE_CERTIFICATE_ERRORS", false),
			DoNotTrack:              getEnvBoolOrDefault("SHELL_DO_NOT_TRACK", true),
		},
	}

	return cfg, nil
}

// CDPURL returns the engine's DevTools HTTP endpoint.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
