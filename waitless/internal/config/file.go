// Package config loads the waitless configuration from a YAML file and
// per-site stability profiles from SQLite.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/waitless/stability"
)

// Timeout policies applied by the action driver when a wait times out.
const (
	OnTimeoutProceed = "proceed"
	OnTimeoutAbort   = "abort"
)

// Config is the top-level waitless configuration.
type Config struct {
	Browser   BrowserConfig    `yaml:"browser"`
	Stability stability.Config `yaml:"stability"`
	OnTimeout string           `yaml:"on_timeout"` // abort (default) | proceed
	Sinks     []SinkConfig     `yaml:"sinks"`
	// Database holds the stability_profiles table and, with an sqlite
	// sink, the report history.
	Database string     `yaml:"database"`
	HTTP     HTTPConfig `yaml:"http"`
}

// BrowserConfig controls the Chrome instance.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Headful          bool          `yaml:"headful"`
	Bin              string        `yaml:"bin"`
	NoSandbox        bool          `yaml:"no_sandbox"`
	Stealth          *bool         `yaml:"stealth"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
}

// SinkConfig defines a report output backend.
type SinkConfig struct {
	Type    string `yaml:"type"` // stdout | webhook | sqlite
	URL     string `yaml:"url"`  // webhook
	Retries int    `yaml:"retries"`
	// Only restricts delivery to reports with these outcomes. Empty
	// delivers every report.
	Only []stability.Outcome `yaml:"only"`
}

// HTTPConfig controls the HTTP API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	c.Stability = c.Stability.WithDefaults()
	if c.OnTimeout == "" {
		c.OnTimeout = OnTimeoutAbort
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8765"
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries == 0 {
			c.Sinks[i].Retries = 3
		}
	}
}

// Validate checks the policy, the sinks and the stability section.
func (c *Config) Validate() error {
	switch c.OnTimeout {
	case OnTimeoutProceed, OnTimeoutAbort:
	default:
		return fmt.Errorf("config: on_timeout %q: want proceed or abort", c.OnTimeout)
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook needs a url", i)
			}
		case "sqlite":
			if c.Database == "" {
				return fmt.Errorf("config: sinks[%d]: sqlite sink needs database", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	if err := c.Stability.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
