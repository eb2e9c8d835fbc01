// Package config provides configuration loading for chaind.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the full chaind configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Resources ResourcesConfig `koanf:"resources"`
	Session   SessionConfig   `koanf:"session"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the MCP server identity.
type ServerConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// ResourcesConfig locates the external collaborator content: prompt
// templates, gate definitions, and methodology frameworks.
type ResourcesConfig struct {
	PromptsDir    string `koanf:"prompts_dir"`
	GatesDir      string `koanf:"gates_dir"`
	FrameworksDir string `koanf:"frameworks_dir"`

	// DefaultFramework is injected when no @framework operator is present.
	// Empty means no default.
	DefaultFramework string `koanf:"default_framework"`

	// Watch enables hot reload of prompt and gate directories.
	Watch bool `koanf:"watch"`
}

// SessionConfig configures the durable session store.
type SessionConfig struct {
	Dir             string   `koanf:"dir"`
	MaxRunsPerChain int      `koanf:"max_runs_per_chain"`
	StaleAfter      Duration `koanf:"stale_after"`

	// MaintenanceInterval is how often stale sessions are swept.
	MaintenanceInterval Duration `koanf:"maintenance_interval"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// applyDefaults fills in zero values after file and env loading.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "chaind"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}

	dataDir := defaultDataDir()
	if cfg.Resources.PromptsDir == "" {
		cfg.Resources.PromptsDir = filepath.Join(dataDir, "prompts")
	}
	if cfg.Resources.GatesDir == "" {
		cfg.Resources.GatesDir = filepath.Join(dataDir, "gates")
	}
	if cfg.Resources.FrameworksDir == "" {
		cfg.Resources.FrameworksDir = filepath.Join(dataDir, "frameworks")
	}
	if cfg.Session.Dir == "" {
		cfg.Session.Dir = filepath.Join(dataDir, "sessions")
	}
	if cfg.Session.MaxRunsPerChain == 0 {
		cfg.Session.MaxRunsPerChain = 5
	}
	if cfg.Session.StaleAfter == 0 {
		cfg.Session.StaleAfter = Duration(24 * time.Hour)
	}
	if cfg.Session.MaintenanceInterval == 0 {
		cfg.Session.MaintenanceInterval = Duration(time.Hour)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// defaultDataDir returns ~/.local/share/chaind, falling back to a relative
// directory when the home directory is unavailable.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chaind-data"
	}
	return filepath.Join(home, ".local", "share", "chaind")
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Session.MaxRunsPerChain < 1 {
		return fmt.Errorf("session.max_runs_per_chain must be at least 1")
	}
	if c.Session.StaleAfter.Duration() <= 0 {
		return fmt.Errorf("session.stale_after must be positive")
	}
	if c.Session.MaintenanceInterval.Duration() <= 0 {
		return fmt.Errorf("session.maintenance_interval must be positive")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
