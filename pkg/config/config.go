package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level sandbay configuration
type Config struct {
	DataDir string          `yaml:"data_dir"`
	Docker  DockerConfig    `yaml:"docker"`
	Limits  LimitsConfig    `yaml:"limits"`
	Ports   PortsConfig     `yaml:"ports"`
	Logs    LogStreamConfig `yaml:"logs"`
	Metrics MetricsConfig   `yaml:"metrics"`
	Logger  LoggerConfig    `yaml:"logger"`

	// ReconcileInterval is how often stored state is compared against
	// runtime ground truth.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// DockerConfig configures the connection to the container engine
type DockerConfig struct {
	// Host is the docker daemon address. Empty means the environment
	// defaults (DOCKER_HOST or the local socket).
	Host string `yaml:"host"`

	// StopTimeout is the grace period before a stop escalates to kill.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// LimitsConfig holds quota and lifetime policy
type LimitsConfig struct {
	MaxPerUser    int           `yaml:"max_per_user"`
	MaxTotal      int           `yaml:"max_total"`
	Lifetime      time.Duration `yaml:"lifetime"`
	Extension     time.Duration `yaml:"extension"`
	ExtendWindow  time.Duration `yaml:"extend_window"`
	MaxExtensions int           `yaml:"max_extensions"`
}

// PortsConfig bounds the host port range handed to containers
type PortsConfig struct {
	Base int `yaml:"base"`
	Max  int `yaml:"max"`
}

// LogStreamConfig configures log relays
type LogStreamConfig struct {
	// TailLines is the size of the backlog emitted before following.
	TailLines int `yaml:"tail_lines"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/sandbay",
		Docker: DockerConfig{
			StopTimeout: 10 * time.Second,
		},
		Limits: LimitsConfig{
			MaxPerUser:    3,
			MaxTotal:      20,
			Lifetime:      2 * time.Hour,
			Extension:     time.Hour,
			ExtendWindow:  20 * time.Minute,
			MaxExtensions: 2,
		},
		Ports: PortsConfig{
			Base: 30000,
			Max:  40000,
		},
		Logs: LogStreamConfig{
			TailLines: 100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Logger: LoggerConfig{
			Level: "info",
			JSON:  false,
		},
		ReconcileInterval: 60 * time.Second,
	}
}

// Load reads the configuration file at path, applying defaults for any
// value the file does not set. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, cfg.Validate()
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Limits.MaxPerUser <= 0 {
		return fmt.Errorf("limits.max_per_user must be positive")
	}
	if c.Limits.MaxTotal < c.Limits.MaxPerUser {
		return fmt.Errorf("limits.max_total must be at least limits.max_per_user")
	}
	if c.Limits.Lifetime <= 0 || c.Limits.Extension <= 0 {
		return fmt.Errorf("limits.lifetime and limits.extension must be positive")
	}
	if c.Limits.ExtendWindow <= 0 {
		return fmt.Errorf("limits.extend_window must be positive")
	}
	if c.Limits.MaxExtensions < 0 {
		return fmt.Errorf("limits.max_extensions must not be negative")
	}
	if c.Ports.Base <= 0 || c.Ports.Base > 65535 {
		return fmt.Errorf("ports.base must be a valid port")
	}
	if c.Ports.Max <= c.Ports.Base || c.Ports.Max > 65535 {
		return fmt.Errorf("ports.max must be a valid port above ports.base")
	}
	if c.Logs.TailLines <= 0 {
		return fmt.Errorf("logs.tail_lines must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	}
	if c.Docker.StopTimeout <= 0 {
		return fmt.Errorf("docker.stop_timeout must be positive")
	}
	return nil
}
