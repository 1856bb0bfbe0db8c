package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stagecraft.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	// ~3MB, over the 2MB limit
	path := writeFile(t, strings.Repeat("x: value\n", 350000))

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for large file")
	}
	if !strings.Contains(err.Error(), "exceeds limit") {
		t.Errorf("expected 'exceeds limit' error, got: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeFile(t, `
scenarios: ./content
server:
  addr: ":7000"
session:
  gap: 500ms
generation:
  provider: gemini
  model: gemini-2.5-flash
  temperature: 0.5
memory:
  backend: sqlite
  sqlite_path: /tmp/profiles.db
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scenarios != "./content" {
		t.Errorf("expected scenarios './content', got %s", cfg.Scenarios)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("expected addr ':7000', got %s", cfg.Server.Addr)
	}
	if cfg.Session.Gap != 500*time.Millisecond {
		t.Errorf("expected gap 500ms, got %s", cfg.Session.Gap)
	}
	if cfg.Generation.Provider != "gemini" || cfg.Generation.Model != "gemini-2.5-flash" {
		t.Errorf("unexpected generation section: %+v", cfg.Generation)
	}
	// Untouched fields keep their defaults.
	if cfg.Session.TickInterval != time.Second {
		t.Errorf("expected default tick interval, got %s", cfg.Session.TickInterval)
	}
	if cfg.Server.MetricsAddr != ":9090" {
		t.Errorf("expected default metrics addr, got %s", cfg.Server.MetricsAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
	if got := cfg.Memory.Store(); got.Backend != "sqlite" || got.SQLitePath != "/tmp/profiles.db" {
		t.Errorf("unexpected memory config: %+v", got)
	}
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, `
generation:
  provider: openai
invalid yaml here: [[[
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	path := writeFile(t, "generation:\n  providr: openai\n")

	_, err := LoadConfig(path)
	if err == nil {
		t.Error("expected error for misspelled key")
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("STAGECRAFT_SERVER_ADDR", ":9999")
	t.Setenv("STAGECRAFT_SESSION_GAP", "3s")
	t.Setenv("STAGECRAFT_GENERATION_PROVIDER", "mock")
	t.Setenv("STAGECRAFT_SERVER_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	path := writeFile(t, "server:\n  addr: \":7000\"\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("expected env to win, got %s", cfg.Server.Addr)
	}
	if cfg.Session.Gap != 3*time.Second {
		t.Errorf("expected gap 3s, got %s", cfg.Session.Gap)
	}
	if cfg.Generation.Provider != "mock" {
		t.Errorf("expected provider 'mock', got %s", cfg.Generation.Provider)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("expected 2 origins, got %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no provider", func(c *Config) { c.Generation.Provider = "" }, "generation.provider"},
		{"temperature", func(c *Config) { c.Generation.Temperature = 3 }, "temperature"},
		{"sqlite without path", func(c *Config) { c.Memory.Backend = "sqlite" }, "sqlite_path"},
		{"redis without addr", func(c *Config) { c.Memory.Backend = "redis" }, "redis_addr"},
		{"unknown backend", func(c *Config) { c.Memory.Backend = "tape" }, "unknown memory backend"},
		{"otlp without endpoint", func(c *Config) { c.Observability.Tracing = "otlp" }, "otlp_endpoint"},
		{"zero timeout", func(c *Config) { c.Session.GenerationTimeout = 0 }, "generation_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Generation.Model = "gpt-4o-mini"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Generation.Model != "gpt-4o-mini" {
		t.Errorf("expected model to survive a round trip, got %s", loaded.Generation.Model)
	}
}
