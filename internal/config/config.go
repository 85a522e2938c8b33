// Package config loads the YAML configuration shared by every binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"modbus-relay/internal/historian"
	"modbus-relay/internal/model"
	"modbus-relay/internal/pattern"
	"modbus-relay/internal/relay"
	"modbus-relay/internal/worker"
)

// EnvPrefix prefixes environment overrides, e.g. MODBUS_RELAY_RELAY_LISTEN.
const EnvPrefix = "MODBUS_RELAY"

type Config struct {
	Relay      RelayConfig      `yaml:"relay"`
	Historian  HistorianConfig  `yaml:"historian"`
	Controller ControllerConfig `yaml:"controller"`
	Devices    []model.Device   `yaml:"devices"`
	Loggers    []model.Logger   `yaml:"loggers"`
}

type RelayConfig struct {
	Listen          string        `yaml:"listen"`
	FanoutBuffer    int           `yaml:"fanout_buffer"`
	PersistInterval time.Duration `yaml:"persist_interval"`
	HMIDir          string        `yaml:"hmi_dir"`
	// ServeDevices runs the controller inside the relay process.
	ServeDevices bool `yaml:"serve_devices"`
	// OriginPatterns lists hosts allowed to open cross-origin websockets.
	OriginPatterns []string `yaml:"origin_patterns"`
}

type HistorianConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type ControllerConfig struct {
	UplinkURL       string        `yaml:"uplink_url"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	WritesPerCycle  int           `yaml:"writes_per_cycle"`
	Retry           RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	Multiplier  float64       `yaml:"multiplier"`

	// set records that initial_wait was given, so an explicit 0 is kept.
	set bool
}

// UnmarshalYAML decodes the section and notes whether initial_wait was present.
func (r *RetryConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain RetryConfig
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*r = RetryConfig(p)
	var keys map[string]yaml.Node
	if err := n.Decode(&keys); err == nil {
		_, r.set = keys["initial_wait"]
	}
	return nil
}

// Policy converts the section into a worker retry policy.
func (r RetryConfig) Policy() worker.RetryPolicy {
	return worker.RetryPolicy{InitialWait: r.InitialWait, MaxWait: r.MaxWait, Multiplier: r.Multiplier}
}

// LoadYAML reads path, layers environment overrides, applies defaults and
// validates the result.
func LoadYAML(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse is LoadYAML on an in-memory document.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default is the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Relay.Listen == "" {
		c.Relay.Listen = "127.0.0.1:3000"
	}
	if c.Relay.FanoutBuffer <= 0 {
		c.Relay.FanoutBuffer = relay.DefaultFanoutBuffer
	}
	if c.Relay.PersistInterval <= 0 {
		c.Relay.PersistInterval = time.Second
	}
	if c.Historian.Driver == "" {
		c.Historian.Driver = "sqlite"
	}
	if c.Historian.DSN == "" && c.Historian.Driver == "sqlite" {
		c.Historian.DSN = "modbus-relay.db"
	}
	if c.Controller.PublishInterval <= 0 {
		c.Controller.PublishInterval = time.Second
	}
	if c.Controller.WritesPerCycle <= 0 {
		c.Controller.WritesPerCycle = 1
	}
	def := worker.DefaultRetryPolicy()
	r := &c.Controller.Retry
	// an explicit initial_wait of 0 is the tight retry loop
	if !r.set {
		r.InitialWait = def.InitialWait
	}
	if r.MaxWait <= 0 {
		r.MaxWait = def.MaxWait
	}
	if r.Multiplier <= 0 {
		r.Multiplier = def.Multiplier
	}
	for i := range c.Devices {
		c.Devices[i].Normalize()
	}
	for i := range c.Loggers {
		l := &c.Loggers[i]
		if l.Kind == "" {
			l.Kind = model.LoggerFile
		}
		if l.Period <= 0 {
			l.Period = time.Second
		}
	}
}

// Validate checks devices and resolves every logger pattern.
func (c Config) Validate() error {
	var errs []error
	switch c.Historian.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("historian: unknown driver %q", c.Historian.Driver))
	}
	if c.Historian.Driver == "postgres" && c.Historian.DSN == "" {
		errs = append(errs, errors.New("historian: postgres requires a dsn"))
	}
	seen := make(map[int]bool, len(c.Devices))
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("device %d: duplicate id", d.ID))
		}
		seen[d.ID] = true
	}
	for _, l := range c.Loggers {
		if _, err := pattern.Resolve(l.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("logger %s: %w", l.Name, err))
		}
		switch l.Kind {
		case model.LoggerFile:
			if l.Path == "" {
				errs = append(errs, fmt.Errorf("logger %s: file logger requires a path", l.Name))
			}
		case model.LoggerDatabase:
		default:
			errs = append(errs, fmt.Errorf("logger %s: unknown kind %q", l.Name, l.Kind))
		}
	}
	return errors.Join(errs...)
}

// OpenHistorian opens the configured store.
func (c Config) OpenHistorian() (historian.Store, error) {
	return historian.Open(c.Historian.Driver, c.Historian.DSN)
}

// applyEnv overrides process-level settings from MODBUS_RELAY_* variables.
func applyEnv(c *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	setString(v, "relay.listen", &c.Relay.Listen)
	setInt(v, "relay.fanout_buffer", &c.Relay.FanoutBuffer)
	setDuration(v, "relay.persist_interval", &c.Relay.PersistInterval)
	setString(v, "relay.hmi_dir", &c.Relay.HMIDir)
	if v.IsSet("relay.serve_devices") {
		c.Relay.ServeDevices = v.GetBool("relay.serve_devices")
	}
	setString(v, "historian.driver", &c.Historian.Driver)
	setString(v, "historian.dsn", &c.Historian.DSN)
	setString(v, "controller.uplink_url", &c.Controller.UplinkURL)
	setDuration(v, "controller.publish_interval", &c.Controller.PublishInterval)
	setInt(v, "controller.writes_per_cycle", &c.Controller.WritesPerCycle)
	if v.IsSet("controller.retry.initial_wait") {
		c.Controller.Retry.InitialWait = v.GetDuration("controller.retry.initial_wait")
		c.Controller.Retry.set = true
	}
	setDuration(v, "controller.retry.max_wait", &c.Controller.Retry.MaxWait)
	if v.IsSet("controller.retry.multiplier") {
		c.Controller.Retry.Multiplier = v.GetFloat64("controller.retry.multiplier")
	}
	return nil
}

var envKeys = []string{
	"relay.listen",
	"relay.fanout_buffer",
	"relay.persist_interval",
	"relay.hmi_dir",
	"relay.serve_devices",
	"historian.driver",
	"historian.dsn",
	"controller.uplink_url",
	"controller.publish_interval",
	"controller.writes_per_cycle",
	"controller.retry.initial_wait",
	"controller.retry.max_wait",
	"controller.retry.multiplier",
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}
