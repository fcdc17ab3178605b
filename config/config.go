// Package config loads the CLI configuration. Library packages never read
// it; the CLI turns it into explicit options (ringstore.Options, registry
// roots, logger handlers).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tagring/constants"
)

// Config is the complete tool configuration. Zero values mean "use the
// default".
type Config struct {
	RegistryDir     string `yaml:"registry_dir"`     // buffer registry root
	SegmentDir      string `yaml:"segment_dir"`      // shared-memory directory, empty for the platform default
	Journal         string `yaml:"journal"`          // sqlite path, empty disables the journal
	LogLevel        string `yaml:"log_level"`        // debug, info, warn, error
	LogFormat       string `yaml:"log_format"`       // text or json
	MetricsAddr     string `yaml:"metrics_addr"`     // ingest /metrics listener, empty disables it
	DefaultCapacity uint64 `yaml:"default_capacity"` // records per new buffer
	ReadChunk       int    `yaml:"read_chunk"`       // PTU words per read call
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var c Config
	c.setDefaults()
	return &c
}

// DefaultPath is <user config>/tagring/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, constants.RegistryVendor, "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults; unknown keys are rejected.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults applies explicit default values to unset fields.
func (c *Config) setDefaults() {
	if c.RegistryDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.RegistryDir = filepath.Join(dir, constants.RegistryVendor, constants.RegistryDir)
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DefaultCapacity == 0 {
		c.DefaultCapacity = constants.DefaultCapacity
	}
	if c.ReadChunk == 0 {
		c.ReadChunk = constants.PTUReadChunk
	}
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.RegistryDir == "" {
		return errors.New("registry_dir is empty and no user config directory is available")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("metrics_addr %q: %w", c.MetricsAddr, err)
		}
	}
	if c.ReadChunk < 0 {
		return fmt.Errorf("read_chunk must be > 0, got %d", c.ReadChunk)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
