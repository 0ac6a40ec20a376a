package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	if cfg.Circuit.BaudRate != 115200 {
		t.Errorf("baud = %d, want 115200", cfg.Circuit.BaudRate)
	}
	if cfg.Calibration.File != filepath.Join("data", "calibration", "delay_lines.csv") {
		t.Errorf("calibration file = %s", cfg.Calibration.File)
	}
	if cfg.Circuit.ResponseTimeout() != 0 {
		t.Errorf("default response timeout = %v, want 0", cfg.Circuit.ResponseTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `circuit:
  port_path: /dev/ttyUSB3
  response_timeout_ms: 2500
data:
  dir: /srv/runs
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nCALIBRATION_FILE=\"/etc/cal.csv\"\nDATA_DIR=/from/dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CIRCUIT_BAUD", "9600")
	t.Setenv("DATA_DIR", "/from/env")
	t.Setenv("CALIBRATION_FILE", "")

	cfg := LoadConfig(path)
	if cfg.Circuit.PortPath != "/dev/ttyUSB3" || cfg.Circuit.BaudRate != 9600 {
		t.Errorf("circuit = %+v", cfg.Circuit)
	}
	if cfg.Circuit.ResponseTimeout() != 2500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Circuit.ResponseTimeout())
	}
	// The real environment wins over .env.
	if cfg.Data.Dir != "/from/env" {
		t.Errorf("data dir = %s", cfg.Data.Dir)
	}
	if cfg.Calibration.File != "/etc/cal.csv" {
		t.Errorf("calibration file = %s", cfg.Calibration.File)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"bad baud", func(c *Config) { c.Circuit.BaudRate = 0 }, "circuit.baud_rate"},
		{"no port", func(c *Config) { c.Circuit.PortPath = "" }, "circuit.port_path"},
		{"bad type", func(c *Config) { c.Circuit.Type = "usb" }, "circuit.type"},
		{"negative timeout", func(c *Config) { c.Circuit.ResponseTimeoutMs = -1 }, "response_timeout_ms"},
		{"shared port", func(c *Config) {
			c.Interferometer.Type = "serial"
			c.Interferometer.PortPath = c.Circuit.PortPath
		}, "share port"},
		{"monitor window", func(c *Config) { c.Monitor.Window = 0 }, "monitor.window"},
		{"monitor line", func(c *Config) { c.Monitor.Steps["XX"] = 1 }, "monitor.steps"},
		{"monitor step", func(c *Config) { c.Monitor.Steps["CA"] = 300 }, "monitor.steps.CA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestDemoNeedsNoPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Circuit.PortPath = ""
	cfg.UseDemo()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Interferometer.Type != "disabled" {
		t.Fatalf("disabled interferometer turned into %s", cfg.Interferometer.Type)
	}
}

func TestUpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateFromJSON([]byte(`{"monitor":{"window":25}}`)); err != nil {
		t.Fatal(err)
	}
	if cfg.Monitor.Window != 25 || cfg.Monitor.ListenAddr != ":8080" {
		t.Fatalf("monitor = %+v", cfg.Monitor)
	}
	if err := cfg.UpdateFromJSON([]byte(`not json`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.Data.Dir = "/srv/runs"
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}
	got := LoadConfig(path)
	if got.Data.Dir != "/srv/runs" {
		t.Fatalf("data dir = %s", got.Data.Dir)
	}
}

func TestRestoreDropsAddedEntries(t *testing.T) {
	cfg := DefaultConfig()
	snapshot, err := cfg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.UpdateFromJSON([]byte(`{"monitor":{"steps":{"XX":5},"window":0}}`)); err != nil {
		t.Fatal(err)
	}
	if cfg.Validate() == nil {
		t.Fatal("patched config should not validate")
	}

	if err := cfg.Restore(snapshot); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, ok := cfg.Monitor.Steps["XX"]; ok || cfg.Monitor.Window != 10 {
		t.Fatalf("monitor after restore = %+v", cfg.Monitor)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("restored config invalid: %v", err)
	}
	if err := cfg.Restore([]byte(`{`)); err == nil {
		t.Fatal("expected error for a broken snapshot")
	}
}
