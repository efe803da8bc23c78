package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate, got %v", err)
	}
	if cfg.Transport.Kind != "memory" || cfg.Store.Kind != "memory" {
		t.Fatalf("defaults must select the in-process backends, got %s/%s",
			cfg.Transport.Kind, cfg.Store.Kind)
	}
	if cfg.Bus.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default retry budget of 3, got %d", cfg.Bus.Retry.MaxAttempts)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
app:
  name: orders
log:
  level: debug
transport:
  kind: nats
  nats:
    url: nats://broker:4222
bus:
  drain_timeout: 10s
`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.Name != "orders" {
		t.Fatalf("expected app name orders, got %s", cfg.App.Name)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Transport.Kind != "nats" || cfg.Transport.NATS.URL != "nats://broker:4222" {
		t.Fatalf("transport section not applied: %+v", cfg.Transport)
	}
	if cfg.Bus.DrainTimeout != 10*time.Second {
		t.Fatalf("expected drain timeout 10s, got %v", cfg.Bus.DrainTimeout)
	}

	// Untouched subtrees keep their defaults.
	if cfg.Store.Kind != "memory" {
		t.Fatalf("expected default store kind, got %s", cfg.Store.Kind)
	}
	if cfg.Transport.NATS.StreamPrefix != "SAGABUS" {
		t.Fatalf("expected default stream prefix, got %s", cfg.Transport.NATS.StreamPrefix)
	}
}

func TestLoadJSONFile(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{"store": {"kind": "badger"}}`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Kind != "badger" {
		t.Fatalf("expected store kind badger, got %s", cfg.Store.Kind)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
store:
  kind: badger
`)
	t.Setenv("SAGABUS_STORE_KIND", "redis")
	t.Setenv("SAGABUS_LOG_LEVEL", "warn")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Kind != "redis" {
		t.Fatalf("env must beat the file, got store kind %s", cfg.Store.Kind)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected log level warn, got %s", cfg.Log.Level)
	}
}

func TestLoadExplicitOverridesWin(t *testing.T) {
	t.Setenv("SAGABUS_STORE_KIND", "redis")

	path := writeConfigFile(t, "config.yaml", "store:\n  kind: badger\n")
	cfg, err := Load(path, map[string]interface{}{"store.kind": "postgres"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Kind != "postgres" {
		t.Fatalf("overrides must win over env and file, got %s", cfg.Store.Kind)
	}
}

func TestLoadRejectsInvalidKind(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", "transport:\n  kind: rabbitmq\n")

	_, err := Load(path, nil)
	if err == nil {
		t.Fatalf("expected validation failure for unknown transport kind")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	found := false
	for _, ve := range verrs {
		if strings.Contains(ve.Field, "Transport.Kind") {
			found = true
			if !strings.Contains(ve.Message, "must be one of") {
				t.Fatalf("unexpected message %q", ve.Message)
			}
		}
	}
	if !found {
		t.Fatalf("expected a Transport.Kind error, got %v", verrs)
	}
}

func TestLoadRejectsUnsupportedFileFormat(t *testing.T) {
	path := writeConfigFile(t, "config.toml", "kind = 'memory'\n")
	if _, err := Load(path, nil); err == nil {
		t.Fatalf("expected error for unsupported file format")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestHotReloadableChanged(t *testing.T) {
	cfg := DefaultConfig()
	base := ExtractHotReloadable(cfg)

	same := ExtractHotReloadable(cfg)
	if base.Changed(same) {
		t.Fatalf("identical configs must not report a change")
	}

	cfg.Log.Level = "debug"
	if !base.Changed(ExtractHotReloadable(cfg)) {
		t.Fatalf("log level change must be hot-reloadable")
	}

	cfg = DefaultConfig()
	cfg.Bus.RateLimit.PerSecond = 50
	if !base.Changed(ExtractHotReloadable(cfg)) {
		t.Fatalf("rate limit change must be hot-reloadable")
	}
}

func TestBusOptionsReflectConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.DefaultPublishEndpoint = "replies"
	cfg.Bus.RateLimit.PerSecond = 10
	cfg.Bus.RateLimit.Burst = 5

	opts := BusOptions(cfg)
	if len(opts) < 4 {
		t.Fatalf("expected retry, drain, sweep, endpoint and rate options, got %d", len(opts))
	}
}
