package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config holds the full daemon configuration loaded from a YAML file.
// Absent keys keep their defaults.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	Ignition string `yaml:"ignition"`

	Log           Log           `yaml:"log"`
	API           API           `yaml:"api"`
	PortRegistry  PortRegistry  `yaml:"port_registry"`
	Hypervisor    Hypervisor    `yaml:"hypervisor"`
	Orchestration Orchestration `yaml:"orchestration"`
}

// Log controls the global logger.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// API holds the listen addresses for the HTTP and gRPC surfaces.
type API struct {
	ListenAddr string `yaml:"listen_addr"`
	GRPCAddr   string `yaml:"grpc_addr"`
}

// PortRegistry controls allocation liveness.
type PortRegistry struct {
	DefaultTTL      Duration `yaml:"default_ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// Hypervisor controls the supervision loop. RestartBase and RestartCap bound
// the doubling backoff between service restarts; DependencyTimeout bounds how
// long a service may wait in Starting for its dependencies.
type Hypervisor struct {
	HealthCheckInterval  Duration `yaml:"health_check_interval"`
	StatusUpdateInterval Duration `yaml:"status_update_interval"`
	DependencyTimeout    Duration `yaml:"dependency_timeout"`
	RestartBase          Duration `yaml:"restart_base"`
	RestartCap           Duration `yaml:"restart_cap"`
}

// Orchestration controls task execution. RetryBase and RetryCap bound the
// doubling backoff between task retries; Retention bounds how long terminal
// tasks stay queryable before they are archived.
type Orchestration struct {
	RetryBase Duration `yaml:"retry_base"`
	RetryCap  Duration `yaml:"retry_cap"`
	Workers   int      `yaml:"workers"`
	Retention Duration `yaml:"retention"`
}

// DefaultPath returns the default config file path: ~/.nexus/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".nexus", "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Log: Log{
			Level: "info",
			JSON:  true,
		},
		API: API{
			ListenAddr: ":7700",
			GRPCAddr:   ":7701",
		},
		PortRegistry: PortRegistry{
			DefaultTTL:      Duration{60 * time.Second},
			CleanupInterval: Duration{30 * time.Second},
		},
		Hypervisor: Hypervisor{
			HealthCheckInterval:  Duration{30 * time.Second},
			StatusUpdateInterval: Duration{10 * time.Second},
			DependencyTimeout:    Duration{30 * time.Second},
			RestartBase:          Duration{1 * time.Second},
			RestartCap:           Duration{60 * time.Second},
		},
		Orchestration: Orchestration{
			RetryBase: Duration{1 * time.Second},
			RetryCap:  Duration{60 * time.Second},
			Workers:   4,
			Retention: Duration{15 * time.Minute},
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nexus"
	}
	return filepath.Join(home, ".nexus")
}

// Load reads a YAML config file from path, layered over the defaults. A
// missing file returns the defaults and no error; a malformed file is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.PortRegistry.DefaultTTL.Duration <= 0 {
		return fmt.Errorf("port_registry.default_ttl must be positive")
	}
	if c.PortRegistry.CleanupInterval.Duration <= 0 {
		return fmt.Errorf("port_registry.cleanup_interval must be positive")
	}
	if c.Hypervisor.HealthCheckInterval.Duration <= 0 {
		return fmt.Errorf("hypervisor.health_check_interval must be positive")
	}
	if c.Hypervisor.StatusUpdateInterval.Duration <= 0 {
		return fmt.Errorf("hypervisor.status_update_interval must be positive")
	}
	if c.Hypervisor.RestartBase.Duration <= 0 {
		return fmt.Errorf("hypervisor.restart_base must be positive")
	}
	if c.Hypervisor.RestartCap.Duration < c.Hypervisor.RestartBase.Duration {
		return fmt.Errorf("hypervisor.restart_cap must be >= hypervisor.restart_base")
	}
	if c.Orchestration.RetryBase.Duration <= 0 {
		return fmt.Errorf("orchestration.retry_base must be positive")
	}
	if c.Orchestration.RetryCap.Duration < c.Orchestration.RetryBase.Duration {
		return fmt.Errorf("orchestration.retry_cap must be >= orchestration.retry_base")
	}
	if c.Orchestration.Workers < 1 {
		return fmt.Errorf("orchestration.workers must be >= 1")
	}
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}
	return nil
}
