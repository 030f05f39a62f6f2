// Package config loads the engine's service configuration from a YAML
// file with environment overrides.
package config

import "time"

// Config is the root configuration for the appbox service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Ports     PortsConfig     `yaml:"ports"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Health    HealthConfig    `yaml:"health"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Guard     GuardConfig     `yaml:"guard"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WorkspaceConfig holds project file storage settings.
type WorkspaceConfig struct {
	// Root is the host directory under which every (user, project)
	// pair gets a dedicated directory, bind-mounted into its sandbox.
	Root string `yaml:"root"`
}

// PortsConfig bounds host port allocation for sandbox bindings.
type PortsConfig struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`

	// PreviewHost is the hostname used when building preview URLs.
	PreviewHost string `yaml:"previewHost"`
}

// SandboxConfig overrides engine defaults for new sandboxes.
type SandboxConfig struct {
	MemoryMB          int64   `yaml:"memoryMb"`
	CPUPercent        float64 `yaml:"cpuPercent"`
	NetworkEnabled    *bool   `yaml:"networkEnabled"`
	CommandTimeoutSec int     `yaml:"commandTimeoutSec"`
	IdleTimeoutMin    int     `yaml:"idleTimeoutMin"`
	MaxLifetimeHours  int     `yaml:"maxLifetimeHours"`
	StopGraceSec      int     `yaml:"stopGraceSec"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	IntervalSec     int `yaml:"intervalSec"`
	ProbeTimeoutSec int `yaml:"probeTimeoutSec"`
	MaxRestarts     int `yaml:"maxRestarts"`
	BackoffSec      int `yaml:"backoffSec"`
}

// SweepConfig tunes the expiry sweeper.
type SweepConfig struct {
	IntervalSec int `yaml:"intervalSec"`
}

// GuardConfig tunes command validation.
type GuardConfig struct {
	// WhitelistEnabled switches the guard to whitelist mode: only
	// listed programs may run.
	WhitelistEnabled bool `yaml:"whitelistEnabled"`

	// Whitelist maps program name to allowed arguments: ["*"] allows
	// anything, an empty list allows no arguments, any other list is
	// the allowed subcommand set.
	Whitelist map[string][]string `yaml:"whitelist"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// Default returns a Config with the engine defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Workspace: WorkspaceConfig{
			Root: "~/.appbox/projects",
		},
		Ports: PortsConfig{
			Start:       40000,
			End:         49999,
			PreviewHost: "localhost",
		},
		Sandbox: SandboxConfig{
			MemoryMB:          1024,
			CPUPercent:        1.0,
			CommandTimeoutSec: 120,
			IdleTimeoutMin:    30,
			MaxLifetimeHours:  4,
			StopGraceSec:      10,
		},
		Health: HealthConfig{
			IntervalSec:     30,
			ProbeTimeoutSec: 5,
			MaxRestarts:     5,
			BackoffSec:      10,
		},
		Sweep: SweepConfig{
			IntervalSec: 60,
		},
		Guard: GuardConfig{
			WhitelistEnabled: false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// CommandTimeout returns the per-command timeout as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Sandbox.CommandTimeoutSec) * time.Second
}

// IdleTimeout returns the sandbox idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sandbox.IdleTimeoutMin) * time.Minute
}

// MaxLifetime returns the sandbox maximum lifetime as a duration.
func (c *Config) MaxLifetime() time.Duration {
	return time.Duration(c.Sandbox.MaxLifetimeHours) * time.Hour
}

// StopGrace returns the graceful-stop window as a duration.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Sandbox.StopGraceSec) * time.Second
}

// HealthInterval returns the probe interval as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSec) * time.Second
}

// SweepInterval returns the sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSec) * time.Second
}
