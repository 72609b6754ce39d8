package config

import (
	"os"
	"testing"
	"time"
)

// nolint:gocyclo // Test function complexity from multiple subtests and assertions
func TestLoad(t *testing.T) {
	// Save original env vars
	originalEnv := make(map[string]string)
	envVars := []string{
		"SERVICE_NAME", "ENVIRONMENT", "GRPC_PORT", "HTTP_PORT",
		"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB",
		"NATS_URL", "REDIS_ADDR", "REDIS_DB", "ALERT_RADIUS_M",
		"ARRIVAL_COOLDOWN", "ARRIVAL_POLICY", "ALERT_REPEAT_PAUSE",
		"REPLAY_SPEEDUP", "QUEUE_WORKERS", "QUEUE_RETENTION", "ALERT_SESSION_WINDOW",
		"OTEL_SAMPLE_RATIO", "OTEL_SDK_DISABLED",
	}
	for _, key := range envVars {
		originalEnv[key] = os.Getenv(key)
	}

	// Clean up after test
	defer func() {
		for key, val := range originalEnv {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}()

	t.Run("loads default values", func(t *testing.T) {
		// Clear env vars
		for _, key := range envVars {
			os.Unsetenv(key)
		}

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() failed: %v", err)
		}

		if cfg.ServiceName != "arrival-worker" {
			t.Errorf("expected ServiceName 'arrival-worker', got '%s'", cfg.ServiceName)
		}
		if cfg.GRPCPort != "50051" {
			t.Errorf("expected GRPCPort '50051', got '%s'", cfg.GRPCPort)
		}
		if cfg.PostgresPort != "6432" {
			t.Errorf("expected PostgresPort '6432' (PgBouncer), got '%s'", cfg.PostgresPort)
		}
		if cfg.NATSURL != "" || cfg.RedisAddr != "" {
			t.Errorf("expected NATS and Redis disabled, got %q %q", cfg.NATSURL, cfg.RedisAddr)
		}
		if cfg.AlertRadiusM != 1000 {
			t.Errorf("expected AlertRadiusM 1000, got %d", cfg.AlertRadiusM)
		}
		if cfg.ArrivalCooldown != 30*time.Second {
			t.Errorf("expected ArrivalCooldown 30s, got %s", cfg.ArrivalCooldown)
		}
		if cfg.ArrivalPolicy != "rearm" {
			t.Errorf("expected ArrivalPolicy 'rearm', got '%s'", cfg.ArrivalPolicy)
		}
		if cfg.DismissAfter != 10*time.Second {
			t.Errorf("expected DismissAfter 10s, got %s", cfg.DismissAfter)
		}
		if cfg.AlertSessionWindow != 30*time.Second {
			t.Errorf("expected AlertSessionWindow 30s, got %s", cfg.AlertSessionWindow)
		}
		if cfg.ResubscribeDelay != 0 {
			t.Errorf("expected no resubscribe delay, got %s", cfg.ResubscribeDelay)
		}
		if cfg.ReplaySpeedup != 1 {
			t.Errorf("expected ReplaySpeedup 1, got %f", cfg.ReplaySpeedup)
		}
		if cfg.QueueRetention != 500 {
			t.Errorf("expected QueueRetention 500, got %d", cfg.QueueRetention)
		}
	})

	t.Run("loads custom values from environment", func(t *testing.T) {
		os.Setenv("SERVICE_NAME", "test-service")
		os.Setenv("GRPC_PORT", "9999")
		os.Setenv("POSTGRES_PORT", "5432")
		os.Setenv("NATS_URL", "nats://localhost:4222")
		os.Setenv("REDIS_DB", "3")
		os.Setenv("ALERT_RADIUS_M", "500")
		os.Setenv("ARRIVAL_COOLDOWN", "1m30s")
		os.Setenv("ARRIVAL_POLICY", "once")
		os.Setenv("REPLAY_SPEEDUP", "4")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() failed: %v", err)
		}

		if cfg.ServiceName != "test-service" {
			t.Errorf("expected ServiceName 'test-service', got '%s'", cfg.ServiceName)
		}
		if cfg.GRPCPort != "9999" {
			t.Errorf("expected GRPCPort '9999', got '%s'", cfg.GRPCPort)
		}
		if cfg.PostgresPort != "5432" {
			t.Errorf("expected PostgresPort '5432', got '%s'", cfg.PostgresPort)
		}
		if cfg.NATSURL != "nats://localhost:4222" {
			t.Errorf("expected NATSURL, got '%s'", cfg.NATSURL)
		}
		if cfg.RedisDB != 3 {
			t.Errorf("expected RedisDB 3, got %d", cfg.RedisDB)
		}
		if cfg.AlertRadiusM != 500 {
			t.Errorf("expected AlertRadiusM 500, got %d", cfg.AlertRadiusM)
		}
		if cfg.ArrivalCooldown != 90*time.Second {
			t.Errorf("expected ArrivalCooldown 1m30s, got %s", cfg.ArrivalCooldown)
		}
		if cfg.ArrivalPolicy != "once" {
			t.Errorf("expected ArrivalPolicy 'once', got '%s'", cfg.ArrivalPolicy)
		}
		if cfg.ReplaySpeedup != 4 {
			t.Errorf("expected ReplaySpeedup 4, got %f", cfg.ReplaySpeedup)
		}
	})

	invalid := []struct {
		key   string
		value string
	}{
		{"REPLAY_SPEEDUP", "fast"},
		{"QUEUE_WORKERS", "two"},
		{"ALERT_REPEAT_PAUSE", "1 second"},
		{"ARRIVAL_COOLDOWN", "-5s"},
		{"OTEL_SDK_DISABLED", "maybe"},
		{"OTEL_SAMPLE_RATIO", "half"},
	}
	for _, tt := range invalid {
		t.Run("returns error for invalid "+tt.key, func(t *testing.T) {
			for _, key := range envVars {
				os.Unsetenv(key)
			}
			os.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Errorf("expected error for %s=%q, got nil", tt.key, tt.value)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		PostgresHost:     "192.168.1.175",
		PostgresPort:     "6432",
		PostgresDB:       "owntracks",
		PostgresUser:     "testuser",
		PostgresPassword: "testpass",
	}

	expected := "host=192.168.1.175 port=6432 dbname=owntracks user=testuser password=testpass sslmode=disable"
	if dsn := cfg.DatabaseDSN(); dsn != expected {
		t.Errorf("expected DSN '%s', got '%s'", expected, dsn)
	}
}
