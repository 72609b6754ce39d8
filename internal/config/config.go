// Package config provides application configuration management,
// loading settings from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Service configuration
	ServiceName string
	Environment string
	GRPCPort    string
	HTTPPort    string

	// Database configuration. Trip history is disabled when PostgresHost is empty.
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	// Messaging and shared positions; empty disables the integration
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ShareTTL      time.Duration

	// Firebase service account for push notifications
	FirebaseCredentials string

	// Alert preferences file
	SettingsPath string

	// Tracking defaults
	AlertRadiusM      int
	ArrivalCooldown   time.Duration
	ArrivalPolicy     string
	InitialFixTimeout time.Duration
	MaxFixAge         time.Duration
	ResubscribeDelay  time.Duration
	AutoAdvance       time.Duration

	// Alert defaults
	RepeatPause        time.Duration
	DismissAfter       time.Duration
	PermissionTimeout  time.Duration
	AlertSessionWindow time.Duration
	// PCMOutput receives synthesized alert tones (a file or FIFO) for devices without a bus link
	PCMOutput string

	// Recorded track replay
	ReplaySpeedup float64

	// Post-trip worker pool
	QueueWorkers   int
	QueueRetention int

	// CSV output path
	CSVOutputPath string

	// OpenTelemetry configuration
	OTELEndpoint    string
	OTELSampleRatio float64
	OTELDisabled    bool

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "arrival-worker"),
		Environment: getEnv("ENVIRONMENT", "development"),
		GRPCPort:    getEnv("GRPC_PORT", "50051"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),

		PostgresHost:     getEnv("POSTGRES_HOST", "192.168.1.175"),
		PostgresPort:     getEnv("POSTGRES_PORT", "6432"),
		PostgresDB:       getEnv("POSTGRES_DB", "owntracks"),
		PostgresUser:     getEnv("POSTGRES_USER", "development"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "development"),

		NATSURL:       os.Getenv("NATS_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		FirebaseCredentials: os.Getenv("FIREBASE_CREDENTIALS"),
		SettingsPath:        getEnv("SETTINGS_PATH", "/data/arrival-settings.yaml"),
		ArrivalPolicy:       getEnv("ARRIVAL_POLICY", "rearm"),
		PCMOutput:           os.Getenv("ALERT_PCM_OUTPUT"),

		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", "/data/csv"),
		OTELEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	ints := []struct {
		key, def string
		dst      *int
	}{
		{"REDIS_DB", "0", &cfg.RedisDB},
		{"ALERT_RADIUS_M", "1000", &cfg.AlertRadiusM},
		{"QUEUE_WORKERS", "2", &cfg.QueueWorkers},
		{"QUEUE_RETENTION", "500", &cfg.QueueRetention},
	}
	for _, v := range ints {
		n, err := parseInt(v.key, v.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.key, err)
		}
		*v.dst = n
	}

	durations := []struct {
		key, def string
		dst      *time.Duration
	}{
		{"SHARE_TTL", "1h", &cfg.ShareTTL},
		{"ARRIVAL_COOLDOWN", "30s", &cfg.ArrivalCooldown},
		{"INITIAL_FIX_TIMEOUT", "30s", &cfg.InitialFixTimeout},
		{"MAX_FIX_AGE", "5m", &cfg.MaxFixAge},
		{"RESUBSCRIBE_DELAY", "0s", &cfg.ResubscribeDelay},
		{"AUTO_ADVANCE", "0s", &cfg.AutoAdvance},
		{"ALERT_SESSION_WINDOW", "30s", &cfg.AlertSessionWindow},
		{"ALERT_REPEAT_PAUSE", "1s", &cfg.RepeatPause},
		{"ALERT_DISMISS_AFTER", "10s", &cfg.DismissAfter},
		{"ALERT_PERMISSION_TIMEOUT", "15s", &cfg.PermissionTimeout},
	}
	for _, v := range durations {
		d, err := parseDuration(v.key, v.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.key, err)
		}
		*v.dst = d
	}

	var err error
	cfg.ReplaySpeedup, err = parseFloat("REPLAY_SPEEDUP", "1")
	if err != nil {
		return nil, fmt.Errorf("invalid REPLAY_SPEEDUP: %w", err)
	}
	cfg.OTELSampleRatio, err = parseFloat("OTEL_SAMPLE_RATIO", "1")
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_SAMPLE_RATIO: %w", err)
	}
	cfg.OTELDisabled, err = strconv.ParseBool(getEnv("OTEL_SDK_DISABLED", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDB,
		c.PostgresUser,
		c.PostgresPassword,
	)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseFloat parses a float64 from an environment variable or default value
func parseFloat(key, defaultValue string) (float64, error) {
	value := getEnv(key, defaultValue)
	return strconv.ParseFloat(value, 64)
}

func parseInt(key, defaultValue string) (int, error) {
	return strconv.Atoi(getEnv(key, defaultValue))
}

// parseDuration accepts Go duration syntax ("90s", "1m30s")
func parseDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}
