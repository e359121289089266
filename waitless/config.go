package waitless

import (
	"github.com/hazyhaar/waitless/waitless/internal/config"
)

// Config is the top-level waitless configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// SinkConfig defines a report output backend.
type SinkConfig = config.SinkConfig

// HTTPConfig controls the HTTP API listener.
type HTTPConfig = config.HTTPConfig

// Profile is a stored per-site stability override.
type Profile = config.Profile

// On-timeout action policies.
const (
	OnTimeoutProceed = config.OnTimeoutProceed
	OnTimeoutAbort   = config.OnTimeoutAbort
)

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return config.Default()
}
