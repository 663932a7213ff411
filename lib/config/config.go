// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/cowork/lib/compress"
)

// EnvironmentVariable names the config file when no --config flag is
// given.
const EnvironmentVariable = "COWORK_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the root of a cowork config file.
type Config struct {
	Environment Environment `yaml:"environment"`

	Relay RelayConfig `yaml:"relay"`
	Peer  PeerConfig  `yaml:"peer"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds per-environment values applied over the base config.
// Zero fields leave the base value alone.
type Overrides struct {
	Relay *RelayConfig `yaml:"relay,omitempty"`
	Peer  *PeerConfig  `yaml:"peer,omitempty"`
}

// RelayConfig configures cowork-relay.
type RelayConfig struct {
	// ListenAddress is the HTTP listen address. Default: 127.0.0.1:7420
	ListenAddress string `yaml:"listen_address"`

	// PublicURL is the base URL peers use to reach the relay. It is
	// returned in room claims so clients behind a proxy dial the right
	// host. Default: derived from ListenAddress.
	PublicURL string `yaml:"public_url"`

	// JoinTimeout bounds how long a join request waits for the host's
	// approval decision. Default: 2m
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// ReconnectGrace is how long a disconnected peer keeps its roster
	// slot before the relay announces room/left. Default: 30s
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`

	// MaxFrameSize caps a single WebSocket frame. Default: 16 MiB
	MaxFrameSize int64 `yaml:"max_frame_size"`

	// MetricsPath serves Prometheus metrics. Empty disables. Default: /metrics
	MetricsPath string `yaml:"metrics_path"`
}

// PeerConfig configures a host or guest.
type PeerConfig struct {
	// RelayURL is the relay's base URL. Default: http://127.0.0.1:7420
	RelayURL string `yaml:"relay_url"`

	// RequestTimeout bounds each outstanding request. Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Compression lists algorithm names in preference order.
	// Default: zstd, lz4, gzip
	Compression []string `yaml:"compression"`

	// ResyncInterval is the period of document state-vector exchange.
	// Zero disables periodic resync. Default: 1m
	ResyncInterval time.Duration `yaml:"resync_interval"`

	// IdentityFile is the sealed identity written by cowork-keygen.
	// Empty generates an ephemeral identity per session.
	IdentityFile string `yaml:"identity_file"`
}

// Default returns a complete configuration. Loaded files are decoded on
// top of it.
func Default() *Config {
	return &Config{
		Environment: Development,
		Relay: RelayConfig{
			ListenAddress:  "127.0.0.1:7420",
			JoinTimeout:    2 * time.Minute,
			ReconnectGrace: 30 * time.Second,
			MaxFrameSize:   16 << 20,
			MetricsPath:    "/metrics",
		},
		Peer: PeerConfig{
			RelayURL:       "http://127.0.0.1:7420",
			RequestTimeout: 30 * time.Second,
			Compression:    compress.Supported(),
			ResyncInterval: time.Minute,
		},
	}
}

// Load loads the file named by COWORK_CONFIG. It fails if the variable
// is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your cowork.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads, overrides, expands, and validates the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and finalizes the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if relay := overrides.Relay; relay != nil {
		if relay.ListenAddress != "" {
			c.Relay.ListenAddress = relay.ListenAddress
		}
		if relay.PublicURL != "" {
			c.Relay.PublicURL = relay.PublicURL
		}
		if relay.JoinTimeout != 0 {
			c.Relay.JoinTimeout = relay.JoinTimeout
		}
		if relay.ReconnectGrace != 0 {
			c.Relay.ReconnectGrace = relay.ReconnectGrace
		}
		if relay.MaxFrameSize != 0 {
			c.Relay.MaxFrameSize = relay.MaxFrameSize
		}
		if relay.MetricsPath != "" {
			c.Relay.MetricsPath = relay.MetricsPath
		}
	}

	if peer := overrides.Peer; peer != nil {
		if peer.RelayURL != "" {
			c.Peer.RelayURL = peer.RelayURL
		}
		if peer.RequestTimeout != 0 {
			c.Peer.RequestTimeout = peer.RequestTimeout
		}
		if len(peer.Compression) > 0 {
			c.Peer.Compression = peer.Compression
		}
		if peer.ResyncInterval != 0 {
			c.Peer.ResyncInterval = peer.ResyncInterval
		}
		if peer.IdentityFile != "" {
			c.Peer.IdentityFile = peer.IdentityFile
		}
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables expands ${VAR} and ${VAR:-default} in path-like
// fields.
func (c *Config) expandVariables() {
	c.Peer.IdentityFile = expandVars(c.Peer.IdentityFile)
	c.Peer.RelayURL = expandVars(c.Peer.RelayURL)
	c.Relay.PublicURL = expandVars(c.Relay.PublicURL)
}

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Relay.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("relay.listen_address is required"))
	}
	if c.Relay.JoinTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.join_timeout must be positive, got %v", c.Relay.JoinTimeout))
	}
	if c.Relay.ReconnectGrace < 0 {
		errs = append(errs, fmt.Errorf("relay.reconnect_grace must not be negative, got %v", c.Relay.ReconnectGrace))
	}
	if c.Relay.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.max_frame_size must be positive, got %d", c.Relay.MaxFrameSize))
	}
	if c.Peer.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("peer.request_timeout must be positive, got %v", c.Peer.RequestTimeout))
	}
	if c.Peer.ResyncInterval < 0 {
		errs = append(errs, fmt.Errorf("peer.resync_interval must not be negative, got %v", c.Peer.ResyncInterval))
	}
	for _, name := range c.Peer.Compression {
		if _, err := compress.Parse(name); err != nil {
			errs = append(errs, fmt.Errorf("peer.compression: %w", err))
		}
	}

	return errors.Join(errs...)
}
