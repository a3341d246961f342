package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ANTIGRAVITY_HOME", dir)
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if !cfg.BackgroundTaskDowngrade {
		t.Fatalf("expected background task downgrade to default true")
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	withTempHome(t)

	cfg := Default()
	cfg.APIKey = "secret"
	cfg.Port = 9090
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(HomeDir(), "config.json")); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.APIKey != "secret" || loaded.Port != 9090 {
		t.Fatalf("expected loaded config to match saved values, got %+v", loaded)
	}
}

func TestPublicRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "super-secret"
	pub := cfg.Public()
	if pub["apiKey"] == "super-secret" {
		t.Fatalf("expected apiKey to be redacted in Public()")
	}
}

func TestMapAnthropicModel(t *testing.T) {
	cfg := Default()
	cfg.AnthropicModelMapping["claude-sonnet-4-5"] = "gemini-2.5-flash"

	if got := cfg.MapAnthropicModel("claude-sonnet-4-5"); got != "gemini-2.5-flash" {
		t.Fatalf("expected mapped model, got %q", got)
	}
	if got := cfg.MapAnthropicModel("unmapped-model"); got != "unmapped-model" {
		t.Fatalf("expected unmapped model passthrough, got %q", got)
	}
}
