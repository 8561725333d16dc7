package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")
	t.Setenv("GIN_MODE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Fatalf("BindAddress = %q, want loopback", cfg.BindAddress)
	}
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Fatalf("Addr = %q", cfg.Addr())
	}
	if cfg.DefaultPreset != "standard" || cfg.RasterWorkers != 2 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paperkit.yaml")
	content := "port: \"9090\"\nmax_pages: 50\ndefault_preset: high\nraster_workers: 4\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "")
	t.Setenv("MAX_PAGES", "75")
	t.Setenv("GIN_MODE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("Port = %q, want value from file", cfg.Port)
	}
	if cfg.MaxPages != 75 {
		t.Fatalf("MaxPages = %d, env must override file", cfg.MaxPages)
	}
	if cfg.DefaultPreset != "high" || cfg.RasterWorkers != 4 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("port: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DefaultPreset = "ultra"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown preset")
	}

	cfg = Default()
	cfg.GinMode = "release"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing credentials in release mode")
	}
	cfg.AppUsername = "admin"
	cfg.AppPasswordHash = "$2a$10$hash"
	cfg.SessionSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Fatal("AuthEnabled should be true")
	}
}

func TestGetEnvAsIntFallsBack(t *testing.T) {
	t.Setenv("PAPERKIT_TEST_INT", "abc")
	if got := getEnvAsInt("PAPERKIT_TEST_INT", 7); got != 7 {
		t.Fatalf("getEnvAsInt = %d, want fallback", got)
	}
	t.Setenv("PAPERKIT_TEST_INT", "12")
	if got := getEnvAsInt64("PAPERKIT_TEST_INT", 7); got != 12 {
		t.Fatalf("getEnvAsInt64 = %d", got)
	}
}
