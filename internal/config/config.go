// Package config provides YAML-based configuration loading for Gantry.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Gantry configuration, loaded from gantry.yaml.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Machines []MachineConfig `yaml:"machines"`
	Timings  TimingsConfig   `yaml:"timings"`
	EventLog EventLogConfig  `yaml:"eventlog"`
	Notify   NotifyConfig    `yaml:"notify"`
}

// ServerConfig holds listener settings for the broker server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// MachineConfig describes one machine in the fixed roster. Machines not
// listed here are never tracked, regardless of what connects.
type MachineConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"` // cnc, plasma, laser, router
	IPAddress string `yaml:"ip_address"`
}

// TimingsConfig holds the protocol timing knobs.
type TimingsConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	LedgerRetention time.Duration `yaml:"ledger_retention"`
}

// UnmarshalYAML parses timing fields from "30s"-style duration strings.
func (t *TimingsConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SweepInterval   string `yaml:"sweep_interval"`
		StaleAfter      string `yaml:"stale_after"`
		AckTimeout      string `yaml:"ack_timeout"`
		LedgerRetention string `yaml:"ledger_retention"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"sweep_interval", raw.SweepInterval, &t.SweepInterval},
		{"stale_after", raw.StaleAfter, &t.StaleAfter},
		{"ack_timeout", raw.AckTimeout, &t.AckTimeout},
		{"ledger_retention", raw.LedgerRetention, &t.LedgerRetention},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("timings.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// EventLogConfig selects the database backend for the protocol event log.
// An empty DSN disables event logging entirely.
type EventLogConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "mysql"
	DSN    string `yaml:"dsn"`
}

// NotifyConfig holds operator notification settings. Both platforms are
// optional; omitting them disables notifications.
type NotifyConfig struct {
	Discord DiscordConfig `yaml:"discord"`
	Slack   SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord bot credentials for operator alerts.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack bot credentials for operator alerts.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// validKinds is the set of accepted machine kinds.
var validKinds = map[string]bool{
	"cnc":    true,
	"plasma": true,
	"laser":  true,
	"router": true,
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration used when no config file is
// given: the stock three-machine shop roster and reference timings.
func Default() *Config {
	cfg := &Config{
		Machines: []MachineConfig{
			{ID: "cnc-01", Name: "CNC Router 01", Kind: "cnc", IPAddress: "192.168.8.121"},
			{ID: "plasma-01", Name: "Plasma Cutter 01", Kind: "plasma", IPAddress: "192.168.8.122"},
			{ID: "laser-01", Name: "Laser Engraver 01", Kind: "laser", IPAddress: "192.168.8.123"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.Timings.SweepInterval == 0 {
		c.Timings.SweepInterval = 5 * time.Second
	}
	if c.Timings.StaleAfter == 0 {
		c.Timings.StaleAfter = 30 * time.Second
	}
	if c.Timings.AckTimeout == 0 {
		c.Timings.AckTimeout = 10 * time.Second
	}
	if c.Timings.LedgerRetention == 0 {
		c.Timings.LedgerRetention = 60 * time.Second
	}
	if c.EventLog.Driver == "" {
		c.EventLog.Driver = "sqlite"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Machines) == 0 {
		errs = append(errs, "at least one machine is required")
	}
	seen := make(map[string]bool)
	for i, m := range c.Machines {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("machines[%d].id is required", i))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Sprintf("machines[%d].id %q is duplicated", i, m.ID))
		}
		seen[m.ID] = true
		if m.Kind != "" && !validKinds[m.Kind] {
			errs = append(errs, fmt.Sprintf("machines[%d].kind %q is not one of cnc, plasma, laser, router", i, m.Kind))
		}
	}
	if c.EventLog.Driver != "sqlite" && c.EventLog.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("eventlog.driver %q is not one of sqlite, mysql", c.EventLog.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
