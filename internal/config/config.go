// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tiroq/voxd/internal/backend"
)

// BackendConfig describes one recognition backend.
type BackendConfig struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`                   // local_whisper, remote_whisper, vosk, ws_stream
	Priority     int               `yaml:"priority"`               // lower is preferred
	Language     string            `yaml:"language,omitempty"`     // "" = engine default
	Capabilities []string          `yaml:"capabilities,omitempty"` // offline, streaming, timestamps, multilingual
	Enabled      *bool             `yaml:"enabled,omitempty"`      // default true
	Options      map[string]string `yaml:"options,omitempty"`
}

// IsEnabled reports whether the backend should be loaded.
func (b BackendConfig) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }

// Adapter returns the adapter-facing part of the entry.
func (b BackendConfig) Adapter() backend.Config {
	return backend.Config{Name: b.Name, Kind: b.Kind, Language: b.Language, Options: b.Options}
}

// RouterConfig tunes failover.
type RouterConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	Timeout          time.Duration `yaml:"timeout"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	InitTimeout      time.Duration `yaml:"init_timeout"`
	Preferred        string        `yaml:"preferred,omitempty"`
}

// HealthConfig tunes the health monitor and its thresholds.
type HealthConfig struct {
	Interval            time.Duration `yaml:"interval"`
	CheckTimeout        time.Duration `yaml:"check_timeout"`
	RemediationCooldown time.Duration `yaml:"remediation_cooldown"`
	MemoryWarningMB     int           `yaml:"memory_warning_mb"`
	MemoryCriticalMB    int           `yaml:"memory_critical_mb"`
	CPUWarning          float64       `yaml:"cpu_warning_percent"`
	CPUCritical         float64       `yaml:"cpu_critical_percent"`
	FDWarning           int           `yaml:"fd_warning"`
	ThreadWarning       int           `yaml:"thread_warning"`
	MaxHandles          int           `yaml:"max_handles"`
	DiskWarning         float64       `yaml:"disk_warning_percent"`
	DiskCritical        float64       `yaml:"disk_critical_percent"`
}

// ResourceConfig tunes the resource manager.
type ResourceConfig struct {
	MemoryCeilingMB int           `yaml:"memory_ceiling_mb"`
	IdleTTL         time.Duration `yaml:"idle_ttl"`
	BackendIdle     time.Duration `yaml:"backend_idle"`
	MaxHandleAge    time.Duration `yaml:"max_handle_age"`
}

// DaemonConfig tunes the lifecycle coordinator.
type DaemonConfig struct {
	QueueDepth    int           `yaml:"queue_depth"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	DegradedAfter int           `yaml:"degraded_after"`
	CaptureMax    time.Duration `yaml:"capture_max"`
	Audio         bool          `yaml:"audio"` // open the microphone
	StatusDir     string        `yaml:"status_dir,omitempty"`
}

// LogConfig selects level and optional rotating file output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Diagnostic bool   `yaml:"diagnostic"` // NDJSON event trail, also enabled by VOXD_DEBUG
}

// MetricsConfig exposes Prometheus metrics when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address,omitempty"`
}

// NotifyConfig selects result sinks.
type NotifyConfig struct {
	Desktop    bool   `yaml:"desktop"`
	Stdout     bool   `yaml:"stdout"`
	Journal    bool   `yaml:"journal"`               // daily transcript files
	JournalDir string `yaml:"journal_dir,omitempty"` // default ~/.local/share/voxd/transcripts
}

// Config is the whole configuration file.
type Config struct {
	Backends      []BackendConfig `yaml:"backends"`
	Router        RouterConfig    `yaml:"router"`
	Health        HealthConfig    `yaml:"health"`
	Resources     ResourceConfig  `yaml:"resources"`
	Daemon        DaemonConfig    `yaml:"daemon"`
	Logging       LogConfig       `yaml:"logging"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	Notifications NotifyConfig    `yaml:"notifications"`
}

// ErrNotFound is returned by Load when the file does not exist. The
// returned config is the default one.
var ErrNotFound = errors.New("config file not found")

// Dir returns ~/.config/voxd.
func Dir() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "voxd")
}

// DefaultPath returns ~/.config/voxd/config.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration: a local Vosk model with no
// network backends.
func Default() *Config {
	return &Config{
		Backends: []BackendConfig{{
			Name:         "vosk",
			Kind:         "vosk",
			Priority:     0,
			Capabilities: []string{"offline"},
			Options: map[string]string{
				"model": filepath.Join(os.Getenv("HOME"), ".local", "share", "voxd", "models", "vosk-model-small-en-us"),
			},
		}},
		Router: RouterConfig{
			FailureThreshold: 3,
			FailureWindow:    5 * time.Minute,
			Cooldown:         5 * time.Minute,
			Timeout:          10 * time.Second,
			ProbeTimeout:     5 * time.Second,
			InitTimeout:      30 * time.Second,
		},
		Health: HealthConfig{
			Interval:            30 * time.Second,
			CheckTimeout:        10 * time.Second,
			RemediationCooldown: 5 * time.Minute,
			MemoryWarningMB:     400,
			MemoryCriticalMB:    600,
			CPUWarning:          70,
			CPUCritical:         90,
			FDWarning:           512,
			ThreadWarning:       200,
			MaxHandles:          64,
			DiskWarning:         85,
			DiskCritical:        95,
		},
		Resources: ResourceConfig{
			MemoryCeilingMB: 600,
			IdleTTL:         10 * time.Minute,
			BackendIdle:     10 * time.Minute,
			MaxHandleAge:    time.Hour,
		},
		Daemon: DaemonConfig{
			QueueDepth:    4,
			GracePeriod:   2 * time.Second,
			DegradedAfter: 3,
			CaptureMax:    30 * time.Second,
			Audio:         true,
		},
		Logging: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Notifications: NotifyConfig{Desktop: true},
	}
}

// Load reads path over the defaults. A missing file yields the defaults and
// ErrNotFound so callers can decide whether that is fatal.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	// Backends in the file replace the default list rather than merging into it.
	cfg.Backends = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// BackendByName returns the backend entry called name, or nil.
func (c *Config) BackendByName(name string) *BackendConfig {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i]
		}
	}
	return nil
}

// EnabledBackends returns the entries that should be loaded.
func (c *Config) EnabledBackends() []BackendConfig {
	var out []BackendConfig
	for _, b := range c.Backends {
		if b.IsEnabled() {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.EnabledBackends()) == 0 {
		return fmt.Errorf("at least one backend must be enabled")
	}
	seen := make(map[string]bool)
	for i, b := range c.Backends {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
	}
	if c.Router.Preferred != "" && c.BackendByName(c.Router.Preferred) == nil {
		return fmt.Errorf("router.preferred %q is not a configured backend", c.Router.Preferred)
	}
	if c.Router.FailureThreshold < 1 {
		return fmt.Errorf("router.failure_threshold must be at least 1, got %d", c.Router.FailureThreshold)
	}
	if c.Health.Interval < time.Second {
		return fmt.Errorf("health.interval must be at least 1s, got %s", c.Health.Interval)
	}
	if c.Health.MemoryCriticalMB < c.Health.MemoryWarningMB {
		return fmt.Errorf("health.memory_critical_mb (%d) must be >= memory_warning_mb (%d)",
			c.Health.MemoryCriticalMB, c.Health.MemoryWarningMB)
	}
	if c.Health.CPUCritical < c.Health.CPUWarning {
		return fmt.Errorf("health.cpu_critical_percent (%.0f) must be >= cpu_warning_percent (%.0f)",
			c.Health.CPUCritical, c.Health.CPUWarning)
	}
	if c.Health.DiskCritical < c.Health.DiskWarning || c.Health.DiskCritical > 100 {
		return fmt.Errorf("health.disk_critical_percent (%.0f) must be between disk_warning_percent (%.0f) and 100",
			c.Health.DiskCritical, c.Health.DiskWarning)
	}
	if c.Daemon.QueueDepth < 1 || c.Daemon.QueueDepth > 64 {
		return fmt.Errorf("daemon.queue_depth must be between 1 and 64, got %d", c.Daemon.QueueDepth)
	}
	if c.Daemon.GracePeriod <= 0 {
		return fmt.Errorf("daemon.grace_period must be positive, got %s", c.Daemon.GracePeriod)
	}
	if c.Daemon.DegradedAfter < 1 {
		return fmt.Errorf("daemon.degraded_after must be at least 1, got %d", c.Daemon.DegradedAfter)
	}
	return nil
}
