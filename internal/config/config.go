package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all quiz-agent configuration.
type Config struct {
	// APIBaseURL is the assessment backend root, e.g.
	// "https://exam.example.com/api/v1".
	APIBaseURL string
	// APIToken is the bearer token. When empty the agent logs in
	// interactively with Username / a prompted password.
	APIToken string
	Username string

	QuizID string
	// Platform feeds the fullscreen capability heuristic ("ios" and
	// "android" have no fullscreen API and skip acquisition).
	Platform  string
	UserAgent string

	LogLevel  string
	LogFormat string

	// StateDir holds the local event-mirror database.
	StateDir string

	// ProctorFeedURL is the optional live monitor WebSocket endpoint.
	// Empty disables the feed.
	ProctorFeedURL string

	// Telemetry delivery knobs.
	FlushBatchSize int
	FlushInterval  time.Duration
	RequestTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // Ignore error — .env is optional

	home, _ := os.UserHomeDir()
	defaultState := filepath.Join(home, ".quiz-agent")

	return &Config{
		APIBaseURL:     getEnv("API_BASE_URL", "http://localhost:8080/api/v1"),
		APIToken:       getEnv("API_TOKEN", ""),
		Username:       getEnv("API_USERNAME", ""),
		QuizID:         getEnv("QUIZ_ID", ""),
		Platform:       getEnv("DEVICE_PLATFORM", "desktop"),
		UserAgent:      getEnv("DEVICE_USER_AGENT", "quiz-agent"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "pretty"),
		StateDir:       getEnv("STATE_DIR", defaultState),
		ProctorFeedURL: getEnv("PROCTOR_FEED_URL", ""),
		FlushBatchSize: getEnvInt("FLUSH_BATCH_SIZE", 10),
		FlushInterval:  time.Duration(getEnvInt("FLUSH_INTERVAL_MS", 2000)) * time.Millisecond,
		RequestTimeout: time.Duration(getEnvInt("REQUEST_TIMEOUT_MS", 10000)) * time.Millisecond,
	}
}

// FullscreenCapable reports whether the platform exposes a fullscreen
// API. Mobile platforms do not; acquisition is skipped there without
// failing the session.
func (c *Config) FullscreenCapable() bool {
	switch c.Platform {
	case "ios", "android":
		return false
	default:
		return true
	}
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
