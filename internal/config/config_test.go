package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ssw-telemetry/telemetry-core/pkg/stream"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "telemetry-core" {
		t.Fatalf("expected default app name, got %q", cfg.App.Name)
	}
	if cfg.Streams.Ingest.Key == cfg.Streams.CDC.Key {
		t.Fatalf("expected distinct default stream keys")
	}
	if cfg.TraceStore.Path == "" {
		t.Fatalf("expected default trace store path")
	}
	if len(cfg.SlowPath.Classes) != 0 {
		t.Fatalf("expected slow path classes left empty for slowpath.New to default, got %d", len(cfg.SlowPath.Classes))
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
app:
  name: custom-core
  log_level: debug
redis_url: redis://example:6379/1
streams:
  ingest:
    key: custom:events
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "custom-core" {
		t.Fatalf("expected file value to win, got %q", cfg.App.Name)
	}
	if cfg.RedisURL != "redis://example:6379/1" {
		t.Fatalf("unexpected redis url %q", cfg.RedisURL)
	}
	if cfg.Streams.Ingest.Key != "custom:events" {
		t.Fatalf("unexpected ingest key %q", cfg.Streams.Ingest.Key)
	}
}

func TestEnvironmentOverridesWinOverFile(t *testing.T) {
	t.Setenv("TELEMETRY_APP_NAME", "env-core")
	t.Setenv("TELEMETRY_REDIS_URL", "redis://env:6379/2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "env-core" {
		t.Fatalf("expected env override, got %q", cfg.App.Name)
	}
	if cfg.RedisURL != "redis://env:6379/2" {
		t.Fatalf("expected env override, got %q", cfg.RedisURL)
	}
}

func TestValidateRejectsDuplicateStreamKeys(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Streams.CDC = stream.Config{Key: cfg.Streams.Ingest.Key}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for duplicate stream keys")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.App.LogLevel = "not-a-level"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for unrecognized log level")
	}
}

func TestValidateRejectsEmptyRedisURL(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.RedisURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for empty redis url")
	}
}
