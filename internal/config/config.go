// Package config loads the vnsensor configuration from YAML, a .env file
// and environment variables.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/vnsensor/internal/dispatch"
	"github.com/shaunagostinho/vnsensor/internal/export"
	"github.com/shaunagostinho/vnsensor/internal/sensor"
	"github.com/shaunagostinho/vnsensor/internal/transport"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all configuration.
type Config struct {
	mu sync.RWMutex

	// Connection
	Sensor SensorConfig `yaml:"sensor" json:"sensor"`
	Demo   DemoConfig   `yaml:"demo" json:"demo"`

	// Engine tuning
	Engine sensor.Config `yaml:"engine" json:"engine"`

	// Logging to disk and the message bus
	Export ExportConfig `yaml:"export" json:"export"`
	NATS   NATSConfig   `yaml:"nats" json:"nats"`

	// Live monitor
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	Log LogConfig `yaml:"log" json:"log"`

	path string // file path for save/load
}

type SensorConfig struct {
	Type     string           `yaml:"type" json:"type"`          // "serial", "file" or "demo"
	PortPath string           `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate int              `yaml:"baud_rate" json:"baudRate"`
	AutoBaud bool             `yaml:"auto_baud" json:"autoBaud"`
	Driver   transport.Driver `yaml:"driver" json:"driver"` // "bugst" or "tarm"
	File     string           `yaml:"file" json:"file"`     // recording for Type "file"
}

// DemoConfig seeds the simulated sensor.
type DemoConfig struct {
	Model        string `yaml:"model" json:"model"`
	AsyncType    uint32 `yaml:"async_type" json:"asyncType"`
	AsyncFreq    uint32 `yaml:"async_freq" json:"asyncFreq"`
	BinaryOutput string `yaml:"binary_output" json:"binaryOutput"` // register 75 value
	SplitPayload int    `yaml:"split_payload" json:"splitPayload"` // 0 sends whole frames
}

type ExportConfig struct {
	Dir            string `yaml:"dir" json:"dir"`
	CSV            bool   `yaml:"csv" json:"csv"`
	ASCII          bool   `yaml:"ascii" json:"ascii"`
	Skipped        bool   `yaml:"skipped" json:"skipped"`
	Raw            bool   `yaml:"raw" json:"raw"`
	Prefix         string `yaml:"prefix" json:"prefix"` // message id filter for ascii/csv, e.g. "VN"
	MaxRowsPerFile int    `yaml:"max_rows_per_file" json:"maxRowsPerFile"`
	Policy         string `yaml:"policy" json:"policy"` // "retry" or "drop"
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"` // subject prefix
}

type MonitorConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sensor: SensorConfig{
			Type:     "demo",
			PortPath: "/dev/ttyUSB0",
			BaudRate: 115200,
			Driver:   transport.DriverBugst,
		},
		Demo: DemoConfig{
			Model:        "VN-100T",
			AsyncType:    1,
			AsyncFreq:    40,
			BinaryOutput: "1,16,01,0129",
		},
		Engine: sensor.DefaultConfig(),
		Export: ExportConfig{
			Dir:            "./logs",
			CSV:            true,
			Prefix:         "VN",
			MaxRowsPerFile: export.DefaultMaxRowsPerFile,
			Policy:         "retry",
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "vn",
		},
		Monitor: MonitorConfig{
			ListenAddr:  ":8080",
			BroadcastHz: 20,
		},
		Log: LogConfig{Level: "info"},
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

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		log.Warnf("[config] %v", err)
	}
	return cfg
}

// loadEnvFile reads KEY=VALUE lines (an "export " prefix is allowed) into
// the environment.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			log.Warnf("[config] %s:%d: expected KEY=VALUE", path, i+1)
			continue
		}
		// A non-empty environment value wins.
		if os.Getenv(key) == "" {
			os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
		}
	}
}

func truthy(v string) bool { return v == "1" || v == "true" || v == "yes" }

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: VN_TYPE, VN_PORT, VN_BAUD, VN_AUTOBAUD, VN_DRIVER, VN_FILE,
// EXPORT_DIR, EXPORT_POLICY, NATS_ENABLED, NATS_URL, NATS_SUBJECT,
// LISTEN_ADDR, LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VN_TYPE"); v != "" {
		c.Sensor.Type = v
	}
	if v := os.Getenv("VN_PORT"); v != "" {
		c.Sensor.PortPath = v
	}
	if v := os.Getenv("VN_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sensor.BaudRate = n
		}
	}
	if v := os.Getenv("VN_AUTOBAUD"); v != "" {
		c.Sensor.AutoBaud = truthy(v)
	}
	if v := os.Getenv("VN_DRIVER"); v != "" {
		c.Sensor.Driver = transport.Driver(v)
		c.Engine.Driver = c.Sensor.Driver
	}
	if v := os.Getenv("VN_FILE"); v != "" {
		c.Sensor.File = v
	}
	if v := os.Getenv("EXPORT_DIR"); v != "" {
		c.Export.Dir = v
	}
	if v := os.Getenv("EXPORT_POLICY"); v != "" {
		c.Export.Policy = v
	}
	if v := os.Getenv("NATS_ENABLED"); v != "" {
		c.NATS.Enabled = truthy(v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("NATS_SUBJECT"); v != "" {
		c.NATS.Subject = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Monitor.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Path is the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "vnsensor.yaml"
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

// UpdateFromJSON applies a partial JSON update. Objects in the patch merge
// into the current settings; other values replace them. The result must
// decode without unknown keys and pass Validate, otherwise nothing changes.
func (c *Config) UpdateFromJSON(data []byte) error {
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("config: decode patch: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode current: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(current, &base); err != nil {
		return fmt.Errorf("config: decode current: %w", err)
	}
	if err := mergeJSON(base, patch, ""); err != nil {
		return err
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("config: encode merged: %w", err)
	}

	next := DefaultConfig()
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	if err := dec.Decode(next); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := next.validate(); err != nil {
		return err
	}
	c.Sensor = next.Sensor
	c.Demo = next.Demo
	c.Engine = next.Engine
	c.Export = next.Export
	c.NATS = next.NATS
	c.Monitor = next.Monitor
	c.Log = next.Log
	return nil
}

// mergeJSON merges src into dst. An object may only replace an object.
func mergeJSON(dst, src map[string]any, at string) error {
	for key, sv := range src {
		sm, srcObj := sv.(map[string]any)
		dm, dstObj := dst[key].(map[string]any)
		switch {
		case srcObj && dstObj:
			if err := mergeJSON(dm, sm, at+key+"."); err != nil {
				return err
			}
			continue
		case srcObj && dst[key] != nil:
			return fmt.Errorf("%w: %s%s is not an object", ErrInvalid, at, key)
		}
		dst[key] = sv
	}
	return nil
}

// Validate checks the settings that have a fixed set of values.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}
	switch c.Sensor.Type {
	case "demo", "serial":
	case "file":
		if c.Sensor.File == "" {
			bad("sensor.file is required for type file")
		}
	default:
		bad("sensor.type %q (want demo, serial or file)", c.Sensor.Type)
	}
	switch c.Sensor.Driver {
	case "", transport.DriverBugst, transport.DriverTarm:
	default:
		bad("sensor.driver %q (want bugst or tarm)", c.Sensor.Driver)
	}
	if c.Sensor.BaudRate <= 0 {
		bad("sensor.baud_rate %d", c.Sensor.BaudRate)
	}
	switch strings.ToLower(c.Export.Policy) {
	case "", "retry", "drop":
	default:
		bad("export.policy %q (want retry or drop)", c.Export.Policy)
	}
	if c.Export.MaxRowsPerFile < 0 {
		bad("export.max_rows_per_file %d", c.Export.MaxRowsPerFile)
	}
	if c.Demo.SplitPayload < 0 {
		bad("demo.split_payload %d", c.Demo.SplitPayload)
	}
	if c.Monitor.BroadcastHz < 0 {
		bad("monitor.broadcast_hz %d", c.Monitor.BroadcastHz)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		bad("nats.url is required when nats is enabled")
	}
	return errors.Join(errs...)
}

// ApplyLogLevel sets the logrus level from Log.Level.
func (c *Config) ApplyLogLevel() {
	c.mu.RLock()
	level := c.Log.Level
	c.mu.RUnlock()
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("[config] unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// EngineConfig returns the engine settings with the connection driver
// applied.
func (c *Config) EngineConfig() sensor.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.Engine
	if c.Sensor.Driver != "" {
		e.Driver = c.Sensor.Driver
	}
	return e
}

// OverflowPolicy maps Export.Policy onto the dispatcher policy.
func (c *Config) OverflowPolicy() dispatch.OverflowPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if strings.EqualFold(c.Export.Policy, "drop") {
		return dispatch.Drop
	}
	return dispatch.Retry
}

// SimConfig builds the simulated sensor settings.
func (c *Config) SimConfig() transport.SimConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return transport.SimConfig{
		Model:        c.Demo.Model,
		BaudRate:     c.Sensor.BaudRate,
		AsyncType:    c.Demo.AsyncType,
		AsyncFreq:    c.Demo.AsyncFreq,
		BinaryOutput: c.Demo.BinaryOutput,
		SplitPayload: c.Demo.SplitPayload,
	}
}
