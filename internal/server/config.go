package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/washkiosk/internal/catalog"
	"github.com/shaunagostinho/washkiosk/internal/flow"
	"github.com/shaunagostinho/washkiosk/internal/gate"
	"github.com/shaunagostinho/washkiosk/internal/journal"
	"github.com/shaunagostinho/washkiosk/internal/link"
	"github.com/shaunagostinho/washkiosk/internal/logging"
	"github.com/shaunagostinho/washkiosk/internal/payment"
	"github.com/shaunagostinho/washkiosk/internal/plc"
	"github.com/shaunagostinho/washkiosk/internal/policy"
	"github.com/shaunagostinho/washkiosk/internal/wash"
)

// Config holds all kiosk configuration.
type Config struct {
	mu sync.RWMutex

	// Serial line to the wash controller
	Serial     link.Config      `yaml:"serial" json:"serial"`
	Controller ControllerConfig `yaml:"controller" json:"controller"`

	// Status display polling
	Status StatusConfig `yaml:"status" json:"status"`

	// Order handling
	Gate     gate.Config       `yaml:"gate" json:"gate"`
	Wash     wash.Config       `yaml:"wash" json:"wash"`
	Timeouts policy.Overrides  `yaml:"timeouts" json:"timeouts"`
	Orders   flow.Config       `yaml:"orders" json:"orders"`
	Programs []catalog.Program `yaml:"programs" json:"programs"`
	Payment  PaymentConfig     `yaml:"payment" json:"payment"`

	Logging logging.Options `yaml:"logging" json:"logging"`
	Journal journal.Config  `yaml:"journal" json:"journal"`
	Server  ServerConfig    `yaml:"server" json:"server"`

	path   string // file the config was loaded from
	loaded bool
}

type ControllerConfig struct {
	Type        string `yaml:"type" json:"type"` // "serial" or "demo"
	Slave       int    `yaml:"slave" json:"slave"`
	TimeoutMs   int    `yaml:"timeout_ms" json:"timeoutMs"`      // per register transaction
	StableGapMs int    `yaml:"stable_gap_ms" json:"stableGapMs"` // between the two position reads
}

type StatusConfig struct {
	IntervalMs    int `yaml:"interval_ms" json:"intervalMs"`
	MinIntervalMs int `yaml:"min_interval_ms" json:"minIntervalMs"`
	MaxAgeMs      int `yaml:"max_age_ms" json:"maxAgeMs"`
}

type PaymentConfig struct {
	Type string             `yaml:"type" json:"type"` // only "demo" is built in
	Demo payment.DemoConfig `yaml:"demo" json:"demo"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: link.Config{
			PortPath: "/dev/ttyWash",
			BaudRate: 9600,
			DataBits: 7,
			Parity:   "even",
			StopBits: 1,
		},
		Controller: ControllerConfig{
			Type:        "serial",
			Slave:       1,
			TimeoutMs:   500,
			StableGapMs: 50,
		},
		Status: StatusConfig{
			IntervalMs:    2000,
			MinIntervalMs: 1000,
			MaxAgeMs:      3000,
		},
		Gate:   gate.DefaultConfig(),
		Wash:   wash.DefaultConfig(),
		Orders: flow.Config{RefundTimeout: 30 * time.Second},
		Programs: []catalog.Program{
			{ID: "basic", Name: "Basic", Mode: 1, PriceCents: 500, Duration: 6 * time.Minute},
			{ID: "standard", Name: "Standard", Mode: 2, PriceCents: 800, Duration: 9 * time.Minute},
			{ID: "deluxe", Name: "Deluxe", Mode: 3, PriceCents: 1200, Duration: 12 * time.Minute},
			{ID: "ultimate", Name: "Ultimate", Mode: 4, PriceCents: 1500, Duration: 15 * time.Minute},
		},
		Payment: PaymentConfig{
			Type: "demo",
			Demo: payment.DemoConfig{ApproveDelay: 2 * time.Second},
		},
		Logging: logging.NewOptions(),
		Journal: journal.Config{
			Enabled:    false,
			Path:       "/var/log/washkiosk",
			IntervalMs: 60000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. A missing file leaves the defaults; a malformed one is
// an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.loaded = true
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// .env next to the config, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Source describes where the config came from, for the startup log.
func (c *Config) Source() string {
	if c.loaded {
		return c.path
	}
	return "defaults"
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
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
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SERIAL_PORT, SERIAL_BAUD, CONTROLLER_TYPE, CONTROLLER_SLAVE,
// PAYMENT_TYPE, LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT, JOURNAL_ENABLED,
// JOURNAL_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("CONTROLLER_TYPE"); v != "" {
		c.Controller.Type = v
	}
	if v := os.Getenv("CONTROLLER_SLAVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Controller.Slave = n
		}
	}
	if v := os.Getenv("PAYMENT_TYPE"); v != "" {
		c.Payment.Type = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("JOURNAL_ENABLED"); v != "" {
		c.Journal.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

// Validate rejects configurations the kiosk cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Controller.Type {
	case "serial", "demo":
	default:
		return fmt.Errorf("config: controller.type %q must be serial or demo", c.Controller.Type)
	}
	if c.Controller.Slave < 1 || c.Controller.Slave > 247 {
		return fmt.Errorf("config: controller.slave %d out of range 1..247", c.Controller.Slave)
	}
	if c.Controller.TimeoutMs <= 0 {
		return fmt.Errorf("config: controller.timeout_ms must be positive")
	}
	if c.Controller.Type == "serial" {
		if c.Serial.PortPath == "" {
			return fmt.Errorf("config: serial.port_path is required")
		}
		if _, err := c.Serial.Mode(); err != nil {
			return fmt.Errorf("config: serial: %w", err)
		}
	}
	if c.Payment.Type != "demo" {
		return fmt.Errorf("config: payment.type %q is not supported", c.Payment.Type)
	}
	if c.Status.IntervalMs <= 0 || c.Status.MaxAgeMs <= 0 {
		return fmt.Errorf("config: status intervals must be positive")
	}
	if _, err := catalog.NewStatic(c.Programs); err != nil {
		return fmt.Errorf("config: programs: %w", err)
	}
	if _, err := policy.New(c.Timeouts); err != nil {
		return fmt.Errorf("config: timeouts: %w", err)
	}
	return nil
}

// Policy builds the timeout table with the configured overrides.
func (c *Config) Policy() (*policy.Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return policy.New(c.Timeouts)
}

// ClientConfig converts the controller section.
func (c *Config) ClientConfig() plc.ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return plc.ClientConfig{
		Slave:     byte(c.Controller.Slave),
		Timeout:   time.Duration(c.Controller.TimeoutMs) * time.Millisecond,
		StableGap: time.Duration(c.Controller.StableGapMs) * time.Millisecond,
	}
}

// PollerConfig converts the status section.
func (c *Config) PollerConfig() plc.PollerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return plc.PollerConfig{
		Interval:    time.Duration(c.Status.IntervalMs) * time.Millisecond,
		MinInterval: time.Duration(c.Status.MinIntervalMs) * time.Millisecond,
		MaxAge:      time.Duration(c.Status.MaxAgeMs) * time.Millisecond,
	}
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
