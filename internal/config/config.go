package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// DBDriver is "postgres" or "sqlite"; SQLitePath is used by the latter.
	DBDriver   string
	SQLitePath string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string
	CORSOrigin string

	// Relay
	RedisURL           string
	SnapshotFlushEvery time.Duration
	SessionIdleTimeout time.Duration

	// Client side (scene-agent)
	RelayURL        string
	SaveDebounce    time.Duration
	VersionInterval time.Duration
	SeedGrace       time.Duration

	// Observability
	JaegerEndpoint   string
	TraceSampleRatio float64
	LogLevel         string
	LogPretty        bool
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		SQLitePath: getEnv("SQLITE_PATH", "plume.db"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "plume"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "1999"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),
		CORSOrigin: getEnv("CORS_ORIGIN", "*"),

		RedisURL:           getEnv("REDIS_URL", ""),
		SnapshotFlushEvery: getEnvDuration("SNAPSHOT_FLUSH_INTERVAL", 30*time.Second),
		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 5*time.Minute),

		RelayURL:        getEnv("RELAY_URL", "ws://localhost:1999"),
		SaveDebounce:    getEnvDuration("SAVE_DEBOUNCE", 500*time.Millisecond),
		VersionInterval: getEnvDuration("VERSION_INTERVAL", 10*time.Minute),
		SeedGrace:       getEnvDuration("SEED_GRACE", 500*time.Millisecond),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", ""),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        getEnvBool("LOG_PRETTY", false),
	}

	if cfg.SaveDebounce <= 0 {
		return nil, fmt.Errorf("SAVE_DEBOUNCE must be positive")
	}
	if cfg.VersionInterval <= 0 {
		return nil, fmt.Errorf("VERSION_INTERVAL must be positive")
	}
	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return nil, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or a bare number of milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms := getEnvInt(key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
