// Package config parses the YAML process configuration for the server and
// agent binaries. It deliberately stays outside the core components: spec.md
// lists configuration file parsing as an external collaborator (§1), so this
// package only turns a file into typed Go values and hands them to the
// packages that actually need them (pkg/agent, pkg/server, pkg/runtime).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy carries the restart/retry/cache constants the spec fixes in
// production but allows tests to override (spec §4.1, §4.2).
type Policy struct {
	MaxRestarts   int           `yaml:"maxRestarts"`
	RetryWait     time.Duration `yaml:"retryWait"`
	ListingMaxAge time.Duration `yaml:"listingMaxAge"`
}

// DefaultPolicy returns the production constants named in the spec.
func DefaultPolicy() Policy {
	return Policy{
		MaxRestarts:   20,
		RetryWait:     1000 * time.Millisecond,
		ListingMaxAge: 1000 * time.Millisecond,
	}
}

// ServerConfig configures the orbital-server binary.
type ServerConfig struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	BindAddr   string `yaml:"bindAddr"`
	DataDir    string `yaml:"dataDir"`
	JoinToken  string `yaml:"joinToken"`
	CertFile   string `yaml:"certFile"`
	KeyFile    string `yaml:"keyFile"`
	CAFile     string `yaml:"caFile"`
	LogLevel   string `yaml:"logLevel"`
	LogJSON    bool   `yaml:"logJSON"`
}

// AgentConfig configures the orbital-agent binary.
type AgentConfig struct {
	APIVersion    string            `yaml:"apiVersion"`
	Kind          string            `yaml:"kind"`
	AgentName     string            `yaml:"agentName"`
	ServerAddr    string            `yaml:"serverAddr"`
	JoinToken     string            `yaml:"joinToken"`
	RuntimeKind   string            `yaml:"runtimeKind"` // "cli" or "containerd"
	RuntimeSocket string            `yaml:"runtimeSocket"`
	CertFile      string            `yaml:"certFile"`
	KeyFile       string            `yaml:"keyFile"`
	CAFile        string            `yaml:"caFile"`
	Labels        map[string]string `yaml:"labels"`
	LogLevel      string            `yaml:"logLevel"`
	LogJSON       bool              `yaml:"logJSON"`
	Policy        Policy            `yaml:"policy"`
}

// LoadServerConfig reads and parses a server config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read server config: %w", err)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0:7890"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/orbital/server"
	}
	return &cfg, nil
}

// LoadAgentConfig reads and parses an agent config file, filling in the
// production policy defaults for any zero-valued policy fields.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}
	if cfg.RuntimeKind == "" {
		cfg.RuntimeKind = "cli"
	}
	def := DefaultPolicy()
	if cfg.Policy.MaxRestarts == 0 {
		cfg.Policy.MaxRestarts = def.MaxRestarts
	}
	if cfg.Policy.RetryWait == 0 {
		cfg.Policy.RetryWait = def.RetryWait
	}
	if cfg.Policy.ListingMaxAge == 0 {
		cfg.Policy.ListingMaxAge = def.ListingMaxAge
	}
	return &cfg, nil
}
