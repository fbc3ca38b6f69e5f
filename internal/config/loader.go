package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default configuration file name.
const DefaultConfigFile = ".onionctl"

// File is the structure of the .onionctl configuration file. Every field
// is optional; unset fields keep the value already in the Config.
type File struct {
	Control   ControlSection   `yaml:"control,omitempty"`
	Tor       TorSection       `yaml:"tor,omitempty"`
	Bandwidth BandwidthSection `yaml:"bandwidth,omitempty"`
	History   HistorySection   `yaml:"history,omitempty"`
	Metrics   MetricsSection   `yaml:"metrics,omitempty"`
	Pastebin  PastebinSection  `yaml:"pastebin,omitempty"`
}

// ControlSection configures the control connection.
type ControlSection struct {
	Address  string        `yaml:"address,omitempty"`
	Password string        `yaml:"password,omitempty"`
	Cookie   string        `yaml:"cookie,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// TorSection configures the embedded daemon.
type TorSection struct {
	Embedded       *bool         `yaml:"embedded,omitempty"`
	StartupTimeout time.Duration `yaml:"startupTimeout,omitempty"`
}

// BandwidthSection sizes bandwidth windows.
type BandwidthSection struct {
	MaxLive   int `yaml:"maxLive,omitempty"`
	RollUp    int `yaml:"rollUp,omitempty"`
	Retention int `yaml:"retention,omitempty"`
}

// HistorySection configures the history database.
type HistorySection struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Address string `yaml:"address,omitempty"`
}

// PastebinSection configures pastebin.
type PastebinSection struct {
	Address string `yaml:"address,omitempty"`
}

// LoadConfigFile parses a YAML configuration file. A missing file is
// reported as ErrConfigNotFound.
func LoadConfigFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-provided config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &f, nil
}

// Apply overlays the values set in f onto c.
func (f *File) Apply(c *Config) {
	if f.Control.Address != "" {
		c.ControlAddress = f.Control.Address
	}
	if f.Control.Password != "" {
		c.ControlPassword = f.Control.Password
	}
	if f.Control.Cookie != "" {
		c.CookiePath = f.Control.Cookie
	}
	if f.Control.Timeout != 0 {
		c.CommandTimeout = f.Control.Timeout
	}
	if f.Tor.Embedded != nil {
		c.UseEmbeddedTor = *f.Tor.Embedded
	}
	if f.Tor.StartupTimeout != 0 {
		c.TorStartupTimeout = f.Tor.StartupTimeout
	}
	if f.Bandwidth.MaxLive != 0 {
		c.MaxLive = f.Bandwidth.MaxLive
	}
	if f.Bandwidth.RollUp != 0 {
		c.RollUp = f.Bandwidth.RollUp
	}
	if f.Bandwidth.Retention != 0 {
		c.Retention = f.Bandwidth.Retention
	}
	if f.History.Enabled != nil {
		c.SaveHistory = *f.History.Enabled
	}
	if f.History.Dir != "" {
		c.DBDir = f.History.Dir
	}
	if f.Metrics.Address != "" {
		c.MetricsAddress = f.Metrics.Address
	}
	if f.Pastebin.Address != "" {
		c.PastebinAddress = f.Pastebin.Address
	}
}

// FindConfigFile searches for the configuration file in the following order:
// 1. If configPath is specified, use it directly
// 2. Look for .onionctl in the current directory
// 3. Look for .onionctl in the user's home directory
//
// Returns the path to the configuration file if found, or empty string if not found.
func FindConfigFile(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		return ""
	}

	if cwd, err := os.Getwd(); err == nil {
		cwdConfig := filepath.Join(cwd, DefaultConfigFile)
		if _, err := os.Stat(cwdConfig); err == nil {
			return cwdConfig
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		homeConfig := filepath.Join(home, DefaultConfigFile)
		if _, err := os.Stat(homeConfig); err == nil {
			return homeConfig
		}
	}
	return ""
}

// Load builds the effective configuration: defaults, then the config file
// (explicit path or the first .onionctl found), then the environment. An
// explicit path that does not exist is an error; a missing default file is
// not.
func Load(explicitPath string, getenv func(string) string) (*Config, error) {
	cfg := NewConfig()
	cfg.ConfigFilePath = explicitPath

	path := FindConfigFile(explicitPath)
	switch {
	case path != "":
		f, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		f.Apply(cfg)
		cfg.ConfigFilePath = path
	case explicitPath != "":
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
	}

	cfg.ApplyEnv(getenv)
	return cfg, nil
}
