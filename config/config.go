// Package config loads the YAML configuration file shared by the CLI and
// the API server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Database selects the SQL backend.
type Database struct {
	// Driver is "sqlite3" or "mysql".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Scheduler holds the survey execution tunables.
type Scheduler struct {
	ToleranceFactor      float64       `yaml:"tolerance_factor"`
	ToleranceMinHz       int64         `yaml:"tolerance_min_hz"`
	ToleranceMaxHz       int64         `yaml:"tolerance_max_hz"`
	AutoPromoteThreshold int64         `yaml:"auto_promote_threshold"`
	DetectionThresholdDB float64       `yaml:"detection_threshold_db"`
	ScanTimeout          time.Duration `yaml:"scan_timeout"`
}

// Transform holds the layer quality gates.
type Transform struct {
	VerificationThreshold   int      `yaml:"verification_threshold"`
	MinSilverPowerDB        float64  `yaml:"min_silver_power_db"`
	GoldMinPowerDB          float64  `yaml:"gold_min_power_db"`
	ExcludeBands            []string `yaml:"exclude_bands"`
	IncludeUnknownProtocols bool     `yaml:"include_unknown_protocols"`
}

// Notify selects the event sink.
type Notify struct {
	// Kind is "log" or "redis".
	Kind          string `yaml:"kind"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisStream   string `yaml:"redis_stream"`
}

// Server holds the API listener settings.
type Server struct {
	Listen string `yaml:"listen"`
}

// SDR holds the capture device settings.
type SDR struct {
	// Kind is "rtlsdr" or "hackrf".
	Kind string `yaml:"kind"`
	// Binary overrides the sweep executable for the selected kind.
	Binary string `yaml:"binary"`
}

// Config is the full configuration tree.
type Config struct {
	Database  Database  `yaml:"database"`
	Scheduler Scheduler `yaml:"scheduler"`
	Transform Transform `yaml:"transform"`
	Notify    Notify    `yaml:"notify"`
	Server    Server    `yaml:"server"`
	SDR       SDR       `yaml:"sdr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads and validates a YAML configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config %q: %s", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document, fills defaults and validates.
func Parse(raw []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("unable to parse config: %s", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "rfdiscovery.db"
	}
	if c.Scheduler.ToleranceFactor == 0 {
		c.Scheduler.ToleranceFactor = 0.5
	}
	if c.Scheduler.ToleranceMinHz == 0 {
		c.Scheduler.ToleranceMinHz = 10_000
	}
	if c.Scheduler.ToleranceMaxHz == 0 {
		c.Scheduler.ToleranceMaxHz = 100_000
	}
	if c.Scheduler.AutoPromoteThreshold == 0 {
		c.Scheduler.AutoPromoteThreshold = 3
	}
	if c.Scheduler.DetectionThresholdDB == 0 {
		c.Scheduler.DetectionThresholdDB = -30
	}
	if c.Scheduler.ScanTimeout == 0 {
		c.Scheduler.ScanTimeout = 5 * time.Minute
	}
	if c.Transform.VerificationThreshold == 0 {
		c.Transform.VerificationThreshold = 2
	}
	if c.Transform.GoldMinPowerDB == 0 {
		c.Transform.GoldMinPowerDB = 10
	}
	if len(c.Transform.ExcludeBands) == 0 {
		c.Transform.ExcludeBands = []string{"unknown", "gap"}
	}
	if c.Notify.Kind == "" {
		c.Notify.Kind = "log"
	}
	if c.Notify.RedisAddr == "" {
		c.Notify.RedisAddr = "127.0.0.1:6379"
	}
	if c.Notify.RedisStream == "" {
		c.Notify.RedisStream = "rfdiscovery:events"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.SDR.Kind == "" {
		c.SDR.Kind = "rtlsdr"
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Notify.Kind {
	case "log", "redis":
	default:
		return fmt.Errorf("unsupported notify kind %q", c.Notify.Kind)
	}
	switch c.SDR.Kind {
	case "rtlsdr", "hackrf":
	default:
		return fmt.Errorf("unsupported sdr kind %q", c.SDR.Kind)
	}
	if c.Scheduler.ToleranceFactor < 0 {
		return fmt.Errorf("tolerance_factor must not be negative, got %g", c.Scheduler.ToleranceFactor)
	}
	if c.Scheduler.ToleranceMinHz > c.Scheduler.ToleranceMaxHz {
		return fmt.Errorf("tolerance_min_hz %d exceeds tolerance_max_hz %d",
			c.Scheduler.ToleranceMinHz, c.Scheduler.ToleranceMaxHz)
	}
	if c.Scheduler.AutoPromoteThreshold < 1 {
		return fmt.Errorf("auto_promote_threshold must be at least 1, got %d", c.Scheduler.AutoPromoteThreshold)
	}
	if c.Transform.VerificationThreshold < 1 {
		return fmt.Errorf("verification_threshold must be at least 1, got %d", c.Transform.VerificationThreshold)
	}
	return nil
}
