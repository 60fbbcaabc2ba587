// Package config loads the chainops server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Agents    AgentsConfig    `yaml:"agents"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	Secret    string `yaml:"secret"`
	PublicURL string `yaml:"public_url"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds beacon defaults. Sleep values are seconds.
type AgentsConfig struct {
	SleepMin         int           `yaml:"sleep_min"`
	SleepMax         int           `yaml:"sleep_max"`
	UntrustedTimeout time.Duration `yaml:"untrusted_timeout"`
	BeaconRate       int           `yaml:"beacon_rate"` // per agent per minute
}

type SchedulerConfig struct {
	Tick             time.Duration `yaml:"tick"`
	DeliveryDeadline time.Duration `yaml:"delivery_deadline"`
}

type CatalogConfig struct {
	DataDir string `yaml:"data_dir"`
}

// EventsConfig configures the NATS bridge. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8888},
		Storage: StorageConfig{Path: "data/chainops.db"},
		Agents: AgentsConfig{
			SleepMin:         30,
			SleepMax:         60,
			UntrustedTimeout: 90 * time.Second,
			BeaconRate:       120,
		},
		Scheduler: SchedulerConfig{
			Tick:             5 * time.Second,
			DeliveryDeadline: 2 * time.Minute,
		},
		Catalog: CatalogConfig{DataDir: "data"},
		Events:  EventsConfig{SubjectPrefix: "chainops.events"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. A missing file yields the defaults. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CHAINOPS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse CHAINOPS_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("CHAINOPS_SECRET"); v != "" {
		c.Server.Secret = v
	}
	if v := os.Getenv("CHAINOPS_DATA_DIR"); v != "" {
		c.Catalog.DataDir = v
	}
	if v := os.Getenv("CHAINOPS_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CHAINOPS_NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Agents.SleepMin < 0 || c.Agents.SleepMax < c.Agents.SleepMin {
		return fmt.Errorf("agents sleep range %d-%d invalid", c.Agents.SleepMin, c.Agents.SleepMax)
	}
	if c.Scheduler.Tick <= 0 {
		return errors.New("scheduler.tick must be positive")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	return nil
}
