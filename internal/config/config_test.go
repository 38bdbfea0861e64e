package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level, got %q", cfg.LogLevel)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Addr != ":1883" {
		t.Fatalf("expected default listener, got %+v", cfg.Listeners)
	}
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BrokerAddr != "127.0.0.1:1883" {
		t.Fatalf("expected default broker addr, got %q", cfg.BrokerAddr)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log_level: debug
broker_addr: 10.0.0.5:1883
client_id: sensor-01
mapping_doc_path: /etc/mqttsuite/mapping.json
admin:
  addr: :8080
  user: admin
  pass: secret
postgres:
  hostaddr: 10.0.0.9
  port: 5432
  database: telemetry
  username: ingest
  password: hunter2
  pool_size: 8
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.BrokerAddr != "10.0.0.5:1883" {
		t.Fatalf("BrokerAddr = %q", cfg.BrokerAddr)
	}
	if cfg.Postgres.PoolSize != 8 || cfg.Postgres.Database != "telemetry" {
		t.Fatalf("Postgres = %+v", cfg.Postgres)
	}
	if cfg.Admin.User != "admin" {
		t.Fatalf("Admin = %+v", cfg.Admin)
	}
	if cfg.Path() != path {
		t.Fatalf("Path() = %q, want %q", cfg.Path(), path)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: [this is not, valid"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error for malformed YAML")
	}
}

func TestApplyOverridesSkipsZeroValues(t *testing.T) {
	cfg := Default()
	cfg.Apply(Overrides{BrokerAddr: "192.168.1.1:1883"})
	if cfg.BrokerAddr != "192.168.1.1:1883" {
		t.Fatalf("BrokerAddr = %q", cfg.BrokerAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected LogLevel untouched by zero-value override, got %q", cfg.LogLevel)
	}

	cfg.Apply(Overrides{AdminAddr: ":9090"})
	if cfg.Admin.Addr != ":9090" {
		t.Fatalf("Admin.Addr = %q", cfg.Admin.Addr)
	}
}
