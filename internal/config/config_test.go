package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.MetricsNamespace != "squidgy" {
		t.Fatalf("MetricsNamespace = %q, want %q", cfg.MetricsNamespace, "squidgy")
	}
	if cfg.AvatarProvider != "auto" {
		t.Fatalf("AvatarProvider = %q, want %q", cfg.AvatarProvider, "auto")
	}
	if cfg.HeyGenBaseURL != "https://api.heygen.com" {
		t.Fatalf("HeyGenBaseURL = %q, want vendor default", cfg.HeyGenBaseURL)
	}
	if cfg.AvatarInitTimeout != 180*time.Second {
		t.Fatalf("AvatarInitTimeout = %v, want %v", cfg.AvatarInitTimeout, 180*time.Second)
	}
	if cfg.AvatarIdleTimeout != 30*time.Second {
		t.Fatalf("AvatarIdleTimeout = %v, want %v", cfg.AvatarIdleTimeout, 30*time.Second)
	}
	if cfg.AvatarMaxDuration != 5*time.Minute {
		t.Fatalf("AvatarMaxDuration = %v, want %v", cfg.AvatarMaxDuration, 5*time.Minute)
	}
	if cfg.AvatarMonitorInterval != 15*time.Second {
		t.Fatalf("AvatarMonitorInterval = %v, want %v", cfg.AvatarMonitorInterval, 15*time.Second)
	}
	if cfg.AvatarVoiceRate != 1.0 {
		t.Fatalf("AvatarVoiceRate = %v, want 1.0", cfg.AvatarVoiceRate)
	}
	if cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = true, want false")
	}
	if cfg.AvatarTokenURL != "" {
		t.Fatalf("AvatarTokenURL = %q, want empty default", cfg.AvatarTokenURL)
	}
	if cfg.UseHeyGen() {
		t.Fatalf("UseHeyGen() = true without an API key")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("HEYGEN_API_KEY", " key-123 ")
	t.Setenv("HEYGEN_BASE_URL", "http://localhost:7777/")
	t.Setenv("AVATAR_IDLE_TIMEOUT", "45s")
	t.Setenv("AVATAR_QUALITY", "HIGH")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.HeyGenAPIKey != "key-123" {
		t.Fatalf("HeyGenAPIKey = %q, want trimmed key", cfg.HeyGenAPIKey)
	}
	if cfg.HeyGenBaseURL != "http://localhost:7777" {
		t.Fatalf("HeyGenBaseURL = %q, want trailing slash trimmed", cfg.HeyGenBaseURL)
	}
	if cfg.AvatarIdleTimeout != 45*time.Second {
		t.Fatalf("AvatarIdleTimeout = %v, want %v", cfg.AvatarIdleTimeout, 45*time.Second)
	}
	if cfg.AvatarQuality != "high" {
		t.Fatalf("AvatarQuality = %q, want %q", cfg.AvatarQuality, "high")
	}
	if !cfg.UseHeyGen() {
		t.Fatalf("UseHeyGen() = false with an API key")
	}
}

func TestLoadConfigFileIsOverriddenByEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "squidgy.yaml")
	if err := os.WriteFile(path, []byte("app_bind_addr: \":7000\"\navatar_max_duration: 10m\navatar_provider: mock\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("AVATAR_MAX_DURATION", "8m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":7000" {
		t.Fatalf("BindAddr = %q, want value from file", cfg.BindAddr)
	}
	if cfg.AvatarMaxDuration != 8*time.Minute {
		t.Fatalf("AvatarMaxDuration = %v, want environment override %v", cfg.AvatarMaxDuration, 8*time.Minute)
	}
	if cfg.AvatarProvider != "mock" {
		t.Fatalf("AvatarProvider = %q, want %q", cfg.AvatarProvider, "mock")
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() error = nil, want missing file error")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad duration", "AVATAR_INIT_TIMEOUT", "soon"},
		{"bad bool", "APP_ALLOW_ANY_ORIGIN", "maybe"},
		{"bad float", "AVATAR_VOICE_RATE", "fast"},
		{"rate out of range", "AVATAR_VOICE_RATE", "3"},
		{"short inactivity", "APP_SESSION_INACTIVITY_TIMEOUT", "1s"},
		{"unknown provider", "AVATAR_PROVIDER", "d-id"},
		{"unknown quality", "AVATAR_QUALITY", "ultra"},
		{"idle beyond cap", "AVATAR_IDLE_TIMEOUT", "10m"},
		{"fast monitor", "AVATAR_MONITOR_INTERVAL", "10ms"},
		{"heygen without key", "AVATAR_PROVIDER", "heygen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load("")
			if err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", tt.key, tt.val)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Fatalf("Load() error = %v, want it to name %s", err, tt.key)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"AVATAR_PROVIDER",
		"HEYGEN_API_KEY",
		"HEYGEN_BASE_URL",
		"AVATAR_TOKEN_URL",
		"AVATAR_DEFAULT_ID",
		"AVATAR_QUALITY",
		"AVATAR_VOICE_ID",
		"AVATAR_VOICE_RATE",
		"AVATAR_VOICE_EMOTION",
		"AVATAR_LANGUAGE",
		"AVATAR_FALLBACK_IMAGE_URL",
		"AVATAR_INIT_TIMEOUT",
		"AVATAR_IDLE_TIMEOUT",
		"AVATAR_MAX_DURATION",
		"AVATAR_MONITOR_INTERVAL",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
