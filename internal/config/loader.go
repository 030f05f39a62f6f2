package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.appbox/config.yaml"

// Load reads the config file at path (or DefaultPath when empty),
// overlays it on the defaults, and applies environment overrides. A
// missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No config file; run on defaults.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides select settings from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("APPBOX_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("APPBOX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APPBOX_WORKSPACE"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("APPBOX_PREVIEW_HOST"); v != "" {
		cfg.Ports.PreviewHost = v
	}
}

func validate(cfg *Config) error {
	if cfg.Ports.Start <= 0 || cfg.Ports.End < cfg.Ports.Start {
		return fmt.Errorf("invalid port range %d-%d", cfg.Ports.Start, cfg.Ports.End)
	}
	if cfg.Workspace.Root == "" {
		return fmt.Errorf("workspace.root must be set")
	}
	if cfg.Health.MaxRestarts < 0 {
		return fmt.Errorf("health.maxRestarts must not be negative")
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory and makes
// the path absolute.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == filepath.Separator {
			path = filepath.Join(home, path[2:])
		} else {
			path = filepath.Join(home, path[1:])
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
