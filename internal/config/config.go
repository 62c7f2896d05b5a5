// Package config loads the plantcare YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store modes
const (
	StoreLocal  = "local"
	StoreRemote = "remote"
)

// Connectivity modes
const (
	ConnectivityNone      = "none"
	ConnectivityWebSocket = "websocket"
	ConnectivityGRPC      = "grpc"
)

// Config represents the configuration file structure. Durations are whole
// seconds.
type Config struct {
	User struct {
		ID int64 `yaml:"id"`
	} `yaml:"user"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Store struct {
		Mode           string `yaml:"mode"`
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		RequestTimeout int    `yaml:"request_timeout"`
	} `yaml:"store"`

	Connectivity struct {
		Mode              string `yaml:"mode"`
		URL               string `yaml:"url"`
		Service           string `yaml:"service"`
		UseTLS            bool   `yaml:"use_tls"`
		InitialRetryDelay int    `yaml:"initial_retry_delay"`
		MaxRetryDelay     int    `yaml:"max_retry_delay"`
		CheckInterval     int    `yaml:"check_interval"`
	} `yaml:"connectivity"`

	Care struct {
		DueSoonDays         int `yaml:"due_soon_days"`
		DefaultIntervalDays int `yaml:"default_interval_days"`
		MaxClockSkew        int `yaml:"max_clock_skew"`
	} `yaml:"care"`

	Propagation struct {
		ConvertFrom string `yaml:"convert_from"`
		Schedule    string `yaml:"schedule"`
	} `yaml:"propagation"`

	Sync struct {
		Workers       int `yaml:"workers"`
		SubmitTimeout int `yaml:"submit_timeout"`
	} `yaml:"sync"`

	Notify struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"notify"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	var cfg Config
	cfg.Database.Path = "/var/lib/plantcare/plantcare.db"
	cfg.Store.Mode = StoreLocal
	cfg.Store.RequestTimeout = 30
	cfg.Connectivity.Mode = ConnectivityNone
	cfg.Connectivity.Service = "plantcare.Store"
	cfg.Connectivity.InitialRetryDelay = 1
	cfg.Connectivity.MaxRetryDelay = 60
	cfg.Connectivity.CheckInterval = 15
	cfg.Care.DueSoonDays = 3
	cfg.Care.DefaultIntervalDays = 28
	cfg.Care.MaxClockSkew = 300
	cfg.Propagation.ConvertFrom = "planted"
	cfg.Sync.Workers = 4
	cfg.Sync.SubmitTimeout = 15
	return &cfg
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.User.ID <= 0 {
		return fmt.Errorf("user.id is required")
	}

	switch c.Store.Mode {
	case StoreLocal:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for local store")
		}
	case StoreRemote:
		if c.Store.BaseURL == "" {
			return fmt.Errorf("store.base_url is required for remote store")
		}
		if c.Store.APIKey == "" {
			return fmt.Errorf("store.api_key is required for remote store")
		}
	default:
		return fmt.Errorf("store.mode must be %q or %q, got %q", StoreLocal, StoreRemote, c.Store.Mode)
	}

	switch c.Connectivity.Mode {
	case ConnectivityNone:
	case ConnectivityWebSocket, ConnectivityGRPC:
		if c.Connectivity.URL == "" {
			return fmt.Errorf("connectivity.url is required for %s", c.Connectivity.Mode)
		}
		if c.Store.Mode != StoreRemote {
			return fmt.Errorf("connectivity.mode %s requires store.mode remote", c.Connectivity.Mode)
		}
	default:
		return fmt.Errorf("connectivity.mode must be none, websocket or grpc, got %q", c.Connectivity.Mode)
	}

	if c.Care.DueSoonDays < 0 {
		return fmt.Errorf("care.due_soon_days must not be negative")
	}
	if c.Care.DefaultIntervalDays < 1 || c.Care.DefaultIntervalDays > 366 {
		return fmt.Errorf("care.default_interval_days must be between 1 and 366")
	}
	if c.Care.MaxClockSkew < 0 {
		return fmt.Errorf("care.max_clock_skew must not be negative")
	}

	switch c.Propagation.ConvertFrom {
	case "planted", "ready":
	default:
		return fmt.Errorf("propagation.convert_from must be planted or ready, got %q", c.Propagation.ConvertFrom)
	}

	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}
	if c.Sync.SubmitTimeout < 1 {
		return fmt.Errorf("sync.submit_timeout must be at least 1")
	}
	return nil
}

// Seconds converts a config value to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
