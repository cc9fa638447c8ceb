package config

import (
	"os"
	"testing"
	"time"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncThreshold != 0.65 {
		t.Errorf("SyncThreshold = %v, want 0.65", cfg.SyncThreshold)
	}
	if cfg.MaxMessageLength != 10000 {
		t.Errorf("MaxMessageLength = %v, want 10000", cfg.MaxMessageLength)
	}
	if cfg.CircuitBreakerThreshold != 5 {
		t.Errorf("CircuitBreakerThreshold = %v, want 5", cfg.CircuitBreakerThreshold)
	}
	if cfg.ResetTimeout() != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", cfg.ResetTimeout())
	}
	if cfg.WSPort != 8080 || cfg.HealthPort != 8081 {
		t.Errorf("ports = %d/%d, want 8080/8081", cfg.WSPort, cfg.HealthPort)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	withEnv(t, map[string]string{
		"SYNC_THRESHOLD":            "0.8",
		"MAX_MESSAGE_LENGTH":        "500",
		"CIRCUIT_BREAKER_THRESHOLD": "10",
		"CIRCUIT_BREAKER_RESET_MS":  "5000",
		"LOG_BACKEND_HOST":          "nats.internal",
		"LOG_BACKEND_PORT":          "4333",
		"WS_PORT":                   "9000",
		"HEALTH_PORT":               "9001",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncThreshold != 0.8 {
		t.Errorf("SyncThreshold = %v, want 0.8", cfg.SyncThreshold)
	}
	if cfg.MaxMessageLength != 500 {
		t.Errorf("MaxMessageLength = %v, want 500", cfg.MaxMessageLength)
	}
	if cfg.CircuitBreakerThreshold != 10 {
		t.Errorf("CircuitBreakerThreshold = %v, want 10", cfg.CircuitBreakerThreshold)
	}
	if cfg.ResetTimeout() != 5*time.Second {
		t.Errorf("ResetTimeout = %v, want 5s", cfg.ResetTimeout())
	}
	if cfg.LogBackend.Host != "nats.internal" || cfg.LogBackend.Port != 4333 {
		t.Errorf("LogBackend = %+v, want nats.internal:4333", cfg.LogBackend)
	}
	if cfg.WSPort != 9000 || cfg.HealthPort != 9001 {
		t.Errorf("ports = %d/%d, want 9000/9001", cfg.WSPort, cfg.HealthPort)
	}
}

func TestLoad_CachesAcrossCalls(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	t.Setenv("WS_PORT", "9000")
	first, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Changing the environment after the first Load must not affect the
	// cached value: Load only reads the environment once per process.
	os.Setenv("WS_PORT", "9500")
	second, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if second.WSPort != first.WSPort {
		t.Fatalf("Load is not cached: first=%d second=%d", first.WSPort, second.WSPort)
	}
}

func TestValidate_RejectsOutOfRangeSyncThreshold(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	t.Setenv("SYNC_THRESHOLD", "1.5")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for sync_threshold > 1")
	}
}

func TestValidate_RejectsZeroMaxMessageLength(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	t.Setenv("MAX_MESSAGE_LENGTH", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for max_message_length = 0")
	}
}

func TestValidate_RejectsResetMsBelowFloor(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	t.Setenv("CIRCUIT_BREAKER_RESET_MS", "100")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for circuit_breaker_reset_ms < 1000")
	}
}

func TestValidate_RejectsInvalidPort(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	t.Setenv("WS_PORT", "70000")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for ws_port out of range")
	}
}
