package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("setenv %s: %v", key, err)
	}
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	withEnv(t, "BROKER_HOME", dir)
	return dir
}

func TestLoad_RequiresStoreURL(t *testing.T) {
	withHome(t)
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when STORE_URL is unset")
	}
	if want := "STORE_URL"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not mention %q", err.Error(), want)
	}
}

func TestLoad_DefaultsAppliedWhenOnlyStoreURLSet(t *testing.T) {
	withHome(t)
	withEnv(t, "STORE_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LeaseMS != 60_000 {
		t.Errorf("LeaseMS = %d, want 60000", cfg.LeaseMS)
	}
	if cfg.QueueBlockSeconds != 5 {
		t.Errorf("QueueBlockSeconds = %d, want 5", cfg.QueueBlockSeconds)
	}
	if cfg.StreamTrimThreshold != 2_000 {
		t.Errorf("StreamTrimThreshold = %d, want 2000", cfg.StreamTrimThreshold)
	}
	if cfg.WorkerMaxConcurrency != 2 {
		t.Errorf("WorkerMaxConcurrency = %d, want 2", cfg.WorkerMaxConcurrency)
	}
	if cfg.SessionCookieName != "broker_session" {
		t.Errorf("SessionCookieName = %q, want broker_session", cfg.SessionCookieName)
	}
	if cfg.BindAddr != "0.0.0.0:8080" {
		t.Errorf("BindAddr = %q, want 0.0.0.0:8080", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.OTel.ServiceName != "taskbroker" {
		t.Errorf("OTel.ServiceName = %q, want taskbroker", cfg.OTel.ServiceName)
	}
	if cfg.OTel.Enabled {
		t.Error("OTel.Enabled = true, want false")
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	home := withHome(t)
	withEnv(t, "STORE_URL", "redis://localhost:6379/0")

	yamlBody := []byte("lease_ms: 120000\nsession_cookie_name: custom_session\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), yamlBody, 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LeaseMS != 120_000 {
		t.Errorf("LeaseMS = %d, want 120000", cfg.LeaseMS)
	}
	if cfg.SessionCookieName != "custom_session" {
		t.Errorf("SessionCookieName = %q, want custom_session", cfg.SessionCookieName)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := withHome(t)
	withEnv(t, "STORE_URL", "redis://localhost:6379/0")
	withEnv(t, "LEASE_MS", "45000")

	yamlBody := []byte("lease_ms: 120000\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), yamlBody, 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LeaseMS != 45_000 {
		t.Errorf("LeaseMS = %d, want 45000", cfg.LeaseMS)
	}
}

func TestLoad_StoreDeadlineDerivedFromMillis(t *testing.T) {
	withHome(t)
	withEnv(t, "STORE_URL", "redis://localhost:6379/0")
	withEnv(t, "OTEL_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDeadlineMS != 30_000 {
		t.Errorf("StoreDeadlineMS = %d, want 30000", cfg.StoreDeadlineMS)
	}
	if cfg.StoreDeadline.Milliseconds() != 30_000 {
		t.Errorf("StoreDeadline = %v, want 30000ms", cfg.StoreDeadline)
	}
	if !cfg.OTel.Enabled {
		t.Error("OTel.Enabled = false, want true")
	}
}
