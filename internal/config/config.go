// Package config loads the controller configuration from YAML, a .env file
// and environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qoptics/coincidence/internal/delay"
	"github.com/qoptics/coincidence/internal/device"
	"github.com/qoptics/coincidence/internal/steps"
)

// Config holds all controller configuration.
type Config struct {
	mu sync.RWMutex

	// Serial devices
	Circuit        CircuitConfig        `yaml:"circuit" json:"circuit"`
	Interferometer InterferometerConfig `yaml:"interferometer" json:"interferometer"`

	Calibration CalibrationConfig `yaml:"calibration" json:"calibration"`
	Data        DataConfig        `yaml:"data" json:"data"`
	Monitor     MonitorConfig     `yaml:"monitor" json:"monitor"`

	// Simulated hardware for --demo
	Simulation SimulationConfig `yaml:"simulation" json:"simulation"`

	path string // file path for save/load
}

type CircuitConfig struct {
	Type              string `yaml:"type" json:"type"` // "serial" or "demo"
	PortPath          string `yaml:"port_path" json:"portPath"`
	BaudRate          int    `yaml:"baud_rate" json:"baudRate"`
	ResponseTimeoutMs int    `yaml:"response_timeout_ms" json:"responseTimeoutMs"` // 0 waits indefinitely
}

// Serial returns the transport settings of the circuit.
func (c CircuitConfig) Serial() device.SerialConfig {
	return device.SerialConfig{PortPath: c.PortPath, BaudRate: c.BaudRate}
}

// ResponseTimeout converts ResponseTimeoutMs.
func (c CircuitConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMs) * time.Millisecond
}

type InterferometerConfig struct {
	Type     string `yaml:"type" json:"type"` // "serial", "demo" or "disabled"
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// Serial returns the transport settings of the interferometer.
func (c InterferometerConfig) Serial() device.SerialConfig {
	return device.SerialConfig{PortPath: c.PortPath, BaudRate: c.BaudRate}
}

type CalibrationConfig struct {
	File string `yaml:"file" json:"file"` // delay line calibration table (CSV)
}

type DataConfig struct {
	Dir string `yaml:"dir" json:"dir"` // runs are stored under <dir>/<scheme>/
}

type MonitorConfig struct {
	ListenAddr     string         `yaml:"listen_addr" json:"listenAddr"`
	MeasureSeconds int            `yaml:"measure_seconds" json:"measureSeconds"`
	Window         int            `yaml:"window" json:"window"` // measurements in the sliding average
	Steps          map[string]int `yaml:"steps" json:"steps"`   // delay line -> step, applied on start
	Record         bool           `yaml:"record" json:"record"` // store every measurement under Monitor/
}

type SimulationConfig struct {
	Rate1    float64 `yaml:"rate1" json:"rate1"`
	Rate2    float64 `yaml:"rate2" json:"rate2"`
	PairRate float64 `yaml:"pair_rate" json:"pairRate"`
	Realtime bool    `yaml:"realtime" json:"realtime"`
}

// Device returns the simulator settings.
func (c SimulationConfig) Device() device.SimulatedConfig {
	return device.SimulatedConfig{Rate1: c.Rate1, Rate2: c.Rate2, PairRate: c.PairRate, Realtime: c.Realtime}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	sim := device.DefaultSimulatedConfig()
	return &Config{
		Circuit: CircuitConfig{
			Type:     "serial",
			PortPath: "/dev/ttyACM0",
			BaudRate: 115200,
		},
		Interferometer: InterferometerConfig{
			Type:     "disabled",
			PortPath: "/dev/ttyACM1",
			BaudRate: 115200,
		},
		Calibration: CalibrationConfig{
			File: filepath.Join("data", "calibration", "delay_lines.csv"),
		},
		Data: DataConfig{
			Dir: "data",
		},
		Monitor: MonitorConfig{
			ListenAddr:     ":8080",
			MeasureSeconds: 1,
			Window:         10,
			Steps:          map[string]int{"CA": 37, "WA": 86, "CB": 29, "WB": 76},
		},
		Simulation: SimulationConfig{
			Rate1:    sim.Rate1,
			Rate2:    sim.Rate2,
			PairRate: sim.PairRate,
			Realtime: true,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CIRCUIT_PORT, CIRCUIT_BAUD, INTERF_PORT, INTERF_BAUD,
// CALIBRATION_FILE, DATA_DIR, RESPONSE_TIMEOUT_MS, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CIRCUIT_PORT"); v != "" {
		c.Circuit.PortPath = v
	}
	if v := os.Getenv("CIRCUIT_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Circuit.BaudRate = n
		}
	}
	if v := os.Getenv("INTERF_PORT"); v != "" {
		c.Interferometer.PortPath = v
		if c.Interferometer.Type == "disabled" {
			c.Interferometer.Type = "serial"
		}
	}
	if v := os.Getenv("INTERF_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Interferometer.BaudRate = n
		}
	}
	if v := os.Getenv("CALIBRATION_FILE"); v != "" {
		c.Calibration.File = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("RESPONSE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Circuit.ResponseTimeoutMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Monitor.ListenAddr = v
	}
}

// Validate checks the configuration for values the devices cannot work with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	switch c.Circuit.Type {
	case "serial":
		if c.Circuit.PortPath == "" {
			errs = append(errs, errors.New("circuit.port_path is required"))
		}
		if c.Circuit.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("circuit.baud_rate must be > 0, got %d", c.Circuit.BaudRate))
		}
	case "demo":
	default:
		errs = append(errs, fmt.Errorf("circuit.type must be serial or demo, got %q", c.Circuit.Type))
	}
	if c.Circuit.ResponseTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("circuit.response_timeout_ms must be >= 0, got %d", c.Circuit.ResponseTimeoutMs))
	}

	switch c.Interferometer.Type {
	case "serial":
		if c.Interferometer.PortPath == "" {
			errs = append(errs, errors.New("interferometer.port_path is required"))
		}
		if c.Interferometer.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("interferometer.baud_rate must be > 0, got %d", c.Interferometer.BaudRate))
		}
		if c.Circuit.Type == "serial" && c.Interferometer.PortPath == c.Circuit.PortPath {
			errs = append(errs, fmt.Errorf("interferometer and circuit share port %s", c.Circuit.PortPath))
		}
	case "demo", "disabled":
	default:
		errs = append(errs, fmt.Errorf("interferometer.type must be serial, demo or disabled, got %q", c.Interferometer.Type))
	}

	if c.Data.Dir == "" {
		errs = append(errs, errors.New("data.dir is required"))
	}
	if c.Monitor.MeasureSeconds < 1 {
		errs = append(errs, fmt.Errorf("monitor.measure_seconds must be >= 1, got %d", c.Monitor.MeasureSeconds))
	}
	if c.Monitor.Window < 1 {
		errs = append(errs, fmt.Errorf("monitor.window must be >= 1, got %d", c.Monitor.Window))
	}
	for name, s := range c.Monitor.Steps {
		if _, err := delay.ParseLine(name); err != nil {
			errs = append(errs, fmt.Errorf("monitor.steps: %w", err))
			continue
		}
		if _, err := steps.ValidateDelayStep(s); err != nil {
			errs = append(errs, fmt.Errorf("monitor.steps.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// UseDemo switches both devices to their simulated versions.
func (c *Config) UseDemo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Circuit.Type = "demo"
	if c.Interferometer.Type != "disabled" {
		c.Interferometer.Type = "demo"
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// Restore replaces the config with a snapshot taken by ToJSON. Unlike
// UpdateFromJSON it drops map entries that are not in the snapshot.
func (c *Config) Restore(snapshot []byte) error {
	var fresh Config
	if err := json.Unmarshal(snapshot, &fresh); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Circuit = fresh.Circuit
	c.Interferometer = fresh.Interferometer
	c.Calibration = fresh.Calibration
	c.Data = fresh.Data
	c.Monitor = fresh.Monitor
	c.Simulation = fresh.Simulation
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
