// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the configuration for a tandem peer.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment" json:"environment"`

	// Signaling configures how this peer reaches the other one.
	Signaling SignalingConfig `yaml:"signaling" json:"signaling"`

	// ICE configures STUN/TURN servers for stream connections.
	ICE ICEConfig `yaml:"ice" json:"ice"`

	// Coordinator configures the stream coordinator.
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Media configures the streams this peer offers on its own.
	Media MediaConfig `yaml:"media" json:"media"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty" json:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty" json:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Signaling   *SignalingConfig   `yaml:"signaling,omitempty" json:"signaling,omitempty"`
	ICE         *ICEConfig         `yaml:"ice,omitempty" json:"ice,omitempty"`
	Coordinator *CoordinatorConfig `yaml:"coordinator,omitempty" json:"coordinator,omitempty"`
	Metrics     *MetricsConfig     `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// SignalingConfig configures the WebSocket signaling channel. Exactly
// one of Listen and Connect is set: the listening peer waits for the
// connecting one.
type SignalingConfig struct {
	// Listen is the address to accept the peer on, e.g. ":7400".
	Listen string `yaml:"listen" json:"listen"`

	// Connect is the peer's WebSocket URL, e.g. "ws://host:7400/signal".
	Connect string `yaml:"connect" json:"connect"`

	// Path is the HTTP path the listener serves.
	// Default: /signal
	Path string `yaml:"path" json:"path"`
}

// ICEConfig configures ICE servers.
type ICEConfig struct {
	// Servers lists STUN and TURN servers. Empty means host candidates
	// only.
	Servers []ICEServer `yaml:"servers" json:"servers"`

	// GatherTimeout bounds ICE candidate gathering.
	// Default: 15s
	GatherTimeout string `yaml:"gather_timeout" json:"gather_timeout"`
}

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username" json:"username"`
	Credential string   `yaml:"credential" json:"credential"`
}

// CoordinatorConfig configures the stream coordinator.
type CoordinatorConfig struct {
	// Role is "active" (send init on start) or "passive" (wait for the
	// peer's init).
	// Default: active
	Role string `yaml:"role" json:"role"`

	// ExchangeTimeout fails exchanges the peer never answers. Empty or
	// "0" waits indefinitely.
	// Default: empty (development), 30s (production)
	ExchangeTimeout string `yaml:"exchange_timeout" json:"exchange_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen" json:"listen"`

	// Path is the HTTP path for the metrics handler.
	// Default: /metrics
	Path string `yaml:"path" json:"path"`
}

// MediaConfig configures streams the peer adds at startup.
type MediaConfig struct {
	// Audio adds one stream carrying an Opus track of silence, which
	// exercises negotiation end to end without capture devices.
	Audio bool `yaml:"audio" json:"audio"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	return &Config{
		Environment: Development,
		Signaling: SignalingConfig{
			Path: "/signal",
		},
		ICE: ICEConfig{
			GatherTimeout: "15s",
		},
		Coordinator: CoordinatorConfig{
			Role: "active",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load loads configuration from the TANDEM_CONFIG environment variable.
//
// There are no fallbacks: if TANDEM_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("TANDEM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TANDEM_CONFIG environment variable not set; " +
			"set it to the path of your tandem.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .json or .jsonc are parsed as JSON with comments; anything else
// as YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// Strip comments and trailing commas before parsing as standard JSON.
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: a peer that stops answering should not
		// leave operations hanging forever.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Coordinator: &CoordinatorConfig{
					ExchangeTimeout: "30s",
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Signaling != nil {
		if overrides.Signaling.Listen != "" {
			c.Signaling.Listen = overrides.Signaling.Listen
		}
		if overrides.Signaling.Connect != "" {
			c.Signaling.Connect = overrides.Signaling.Connect
		}
		if overrides.Signaling.Path != "" {
			c.Signaling.Path = overrides.Signaling.Path
		}
	}

	if overrides.ICE != nil {
		if len(overrides.ICE.Servers) > 0 {
			c.ICE.Servers = overrides.ICE.Servers
		}
		if overrides.ICE.GatherTimeout != "" {
			c.ICE.GatherTimeout = overrides.ICE.GatherTimeout
		}
	}

	if overrides.Coordinator != nil {
		if overrides.Coordinator.Role != "" {
			c.Coordinator.Role = overrides.Coordinator.Role
		}
		if overrides.Coordinator.ExchangeTimeout != "" {
			c.Coordinator.ExchangeTimeout = overrides.Coordinator.ExchangeTimeout
		}
	}

	if overrides.Metrics != nil {
		if overrides.Metrics.Listen != "" {
			c.Metrics.Listen = overrides.Metrics.Listen
		}
		if overrides.Metrics.Path != "" {
			c.Metrics.Path = overrides.Metrics.Path
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// addresses and ICE credentials, so secrets can stay in the
// environment.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Signaling.Listen = expandVars(c.Signaling.Listen, vars)
	c.Signaling.Connect = expandVars(c.Signaling.Connect, vars)
	c.Metrics.Listen = expandVars(c.Metrics.Listen, vars)
	for index := range c.ICE.Servers {
		server := &c.ICE.Servers[index]
		for urlIndex := range server.URLs {
			server.URLs[urlIndex] = expandVars(server.URLs[urlIndex], vars)
		}
		server.Username = expandVars(server.Username, vars)
		server.Credential = expandVars(server.Credential, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	switch {
	case c.Signaling.Listen == "" && c.Signaling.Connect == "":
		errs = append(errs, errors.New("one of signaling.listen or signaling.connect is required"))
	case c.Signaling.Listen != "" && c.Signaling.Connect != "":
		errs = append(errs, errors.New("signaling.listen and signaling.connect are mutually exclusive"))
	}
	if c.Signaling.Connect != "" &&
		!strings.HasPrefix(c.Signaling.Connect, "ws://") && !strings.HasPrefix(c.Signaling.Connect, "wss://") {
		errs = append(errs, fmt.Errorf("signaling.connect must be a ws:// or wss:// URL, got %q", c.Signaling.Connect))
	}
	if !strings.HasPrefix(c.Signaling.Path, "/") {
		errs = append(errs, fmt.Errorf("signaling.path must start with /, got %q", c.Signaling.Path))
	}

	for index, server := range c.ICE.Servers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.servers[%d] has no urls", index))
		}
		for _, url := range server.URLs {
			scheme, _, _ := strings.Cut(url, ":")
			if !slices.Contains([]string{"stun", "stuns", "turn", "turns"}, scheme) {
				errs = append(errs, fmt.Errorf("ice.servers[%d]: %q is not a stun/turn URL", index, url))
			}
		}
	}
	if _, err := parseDuration(c.ICE.GatherTimeout); err != nil {
		errs = append(errs, fmt.Errorf("ice.gather_timeout: %w", err))
	}

	roles := []string{"active", "passive"}
	if !slices.Contains(roles, c.Coordinator.Role) {
		errs = append(errs, fmt.Errorf("coordinator.role must be one of: %v", roles))
	}
	if _, err := parseDuration(c.Coordinator.ExchangeTimeout); err != nil {
		errs = append(errs, fmt.Errorf("coordinator.exchange_timeout: %w", err))
	}

	if c.Metrics.Listen != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// GatherTimeout returns ICE.GatherTimeout as a duration. Call after
// Validate; an unparseable value returns zero.
func (c *Config) GatherTimeout() time.Duration {
	duration, _ := parseDuration(c.ICE.GatherTimeout)
	return duration
}

// ExchangeTimeout returns Coordinator.ExchangeTimeout as a duration,
// zero meaning no timeout. Call after Validate.
func (c *Config) ExchangeTimeout() time.Duration {
	duration, _ := parseDuration(c.Coordinator.ExchangeTimeout)
	return duration
}

// parseDuration parses a non-negative duration. Empty and "0" are zero.
func parseDuration(value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if duration < 0 {
		return 0, fmt.Errorf("negative duration %s", value)
	}
	return duration, nil
}
