package sandbox

import "time"

// Default configuration values.
const (
	DefaultMemoryMB       = 1024
	DefaultCPUPercent     = 1.0
	DefaultMaxProcesses   = 256
	DefaultDiskMB         = 2048
	DefaultCommandTimeout = 120 * time.Second
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultMaxLifetime    = 4 * time.Hour
	DefaultWorkDir        = "/workspace"
)

// Kind selects the image and exposed-port set for a sandbox.
type Kind string

const (
	KindNode   Kind = "node"
	KindPython Kind = "python"
	KindStatic Kind = "static"
)

// kindImages maps a sandbox kind to its container image.
var kindImages = map[Kind]string{
	KindNode:   "node:20-bookworm-slim",
	KindPython: "python:3.12-slim-bookworm",
	KindStatic: "nginx:1.27-alpine",
}

// kindPorts maps a sandbox kind to the conventional dev-server ports it
// exposes. Each gets its own host port at creation; the dev server may
// end up on any of them (see active-port detection in stream.go).
var kindPorts = map[Kind][]int{
	KindNode:   {3000, 3001, 5173, 8080},
	KindPython: {8000, 5000, 8080},
	KindStatic: {80},
}

// Config holds the resource and isolation settings for one sandbox.
// It is fixed for the sandbox's lifetime.
type Config struct {
	// Image is the container image. Defaults from the sandbox kind.
	Image string

	// MemoryMB is the memory limit in megabytes.
	MemoryMB int64

	// CPUPercent is the CPU limit in fractional cores.
	CPUPercent float64

	// MaxProcesses caps the number of PIDs inside the sandbox.
	MaxProcesses int64

	// DiskMB bounds the writable tmpfs size in megabytes.
	DiskMB int64

	// NetworkEnabled allows outbound network access (package installs,
	// dev servers). Default: true for app sandboxes.
	NetworkEnabled bool

	// ReadonlyRootfs mounts the root filesystem read-only; the project
	// workdir and /tmp stay writable.
	ReadonlyRootfs bool

	// ExposedPorts lists the container-internal ports that get a host
	// port binding. Defaults from the sandbox kind.
	ExposedPorts []int

	// CapAdd and CapDrop adjust Linux capabilities. "ALL" is never
	// accepted in CapAdd, and privileged mode is never granted.
	CapAdd  []string
	CapDrop []string

	// WorkDir is the in-container mount point of the project directory.
	WorkDir string

	// CommandTimeout bounds a single command's wall-clock time.
	CommandTimeout time.Duration

	// IdleTimeout expires a sandbox with no activity for this long.
	IdleTimeout time.Duration

	// MaxLifetime expires a sandbox regardless of activity.
	MaxLifetime time.Duration
}

// DefaultConfig returns the engine defaults for the given kind.
func DefaultConfig(kind Kind) Config {
	image := kindImages[kind]
	if image == "" {
		image = kindImages[KindNode]
	}
	ports := kindPorts[kind]
	if len(ports) == 0 {
		ports = kindPorts[KindNode]
	}
	return Config{
		Image:          image,
		MemoryMB:       DefaultMemoryMB,
		CPUPercent:     DefaultCPUPercent,
		MaxProcesses:   DefaultMaxProcesses,
		DiskMB:         DefaultDiskMB,
		NetworkEnabled: true,
		ExposedPorts:   append([]int(nil), ports...),
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "SETUID", "SETGID"},
		WorkDir:        DefaultWorkDir,
		CommandTimeout: DefaultCommandTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		MaxLifetime:    DefaultMaxLifetime,
	}
}

// WithMemoryMB returns a copy of the config with the given memory limit.
func (c Config) WithMemoryMB(mb int64) Config {
	c.MemoryMB = mb
	return c
}

// WithCPUPercent returns a copy of the config with the given CPU limit.
func (c Config) WithCPUPercent(pct float64) Config {
	c.CPUPercent = pct
	return c
}

// WithNetwork returns a copy of the config with network access toggled.
func (c Config) WithNetwork(enabled bool) Config {
	c.NetworkEnabled = enabled
	return c
}

// WithExposedPorts returns a copy of the config exposing the given ports.
func (c Config) WithExposedPorts(ports []int) Config {
	c.ExposedPorts = append([]int(nil), ports...)
	return c
}

// WithCommandTimeout returns a copy of the config with the given
// per-command timeout.
func (c Config) WithCommandTimeout(d time.Duration) Config {
	c.CommandTimeout = d
	return c
}

// WithIdleTimeout returns a copy of the config with the given idle
// expiry.
func (c Config) WithIdleTimeout(d time.Duration) Config {
	c.IdleTimeout = d
	return c
}

// WithMaxLifetime returns a copy of the config with the given lifetime
// cap.
func (c Config) WithMaxLifetime(d time.Duration) Config {
	c.MaxLifetime = d
	return c
}

// Overrides are operator-level adjustments layered over the per-kind
// defaults for every new sandbox. Zero-valued fields keep the default.
type Overrides struct {
	MemoryMB       int64
	CPUPercent     float64
	NetworkEnabled *bool
	CommandTimeout time.Duration
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
}

// Apply returns a copy of the config with the set overrides applied.
func (c Config) Apply(o Overrides) Config {
	if o.MemoryMB > 0 {
		c = c.WithMemoryMB(o.MemoryMB)
	}
	if o.CPUPercent > 0 {
		c = c.WithCPUPercent(o.CPUPercent)
	}
	if o.NetworkEnabled != nil {
		c = c.WithNetwork(*o.NetworkEnabled)
	}
	if o.CommandTimeout > 0 {
		c = c.WithCommandTimeout(o.CommandTimeout)
	}
	if o.IdleTimeout > 0 {
		c = c.WithIdleTimeout(o.IdleTimeout)
	}
	if o.MaxLifetime > 0 {
		c = c.WithMaxLifetime(o.MaxLifetime)
	}
	return c
}

// Validate applies defaults to unset fields and strips grants the engine
// never allows: CapAdd may not contain ALL, and an empty CapDrop falls
// back to dropping everything.
func (c *Config) Validate() {
	if c.Image == "" {
		c.Image = kindImages[KindNode]
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.CPUPercent <= 0 {
		c.CPUPercent = DefaultCPUPercent
	}
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = DefaultMaxProcesses
	}
	if c.DiskMB <= 0 {
		c.DiskMB = DefaultDiskMB
	}
	if len(c.ExposedPorts) == 0 {
		c.ExposedPorts = append([]int(nil), kindPorts[KindNode]...)
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if len(c.CapDrop) == 0 {
		c.CapDrop = []string{"ALL"}
	}
	filtered := c.CapAdd[:0]
	for _, capability := range c.CapAdd {
		if capability == "ALL" {
			continue
		}
		filtered = append(filtered, capability)
	}
	c.CapAdd = filtered
}
