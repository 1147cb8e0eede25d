package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that parses YAML strings like "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("durations are strings like \"2s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration surface.
type Config struct {
	Server   Server             `yaml:"server"`
	Log      Log                `yaml:"log"`
	Metrics  Metrics            `yaml:"metrics"`
	Backends map[string]Backend `yaml:"backends"`
	Limits   Limits             `yaml:"limits"`
}

// Server configures the client listener and execution policy.
type Server struct {
	// Listen is the TCP address for client connections.
	Listen string `yaml:"listen"`
	// Workers is the number of connection-serving workers.
	Workers int `yaml:"workers"`
	// Namespace scopes system and table names for this deployment.
	Namespace string `yaml:"namespace"`
	// ElevationSystem names the built-in system that authenticates a
	// connection and promotes its role.
	ElevationSystem string `yaml:"elevationSystem"`
	// RetryBudget bounds the wall-clock time spent retrying raced commits.
	RetryBudget Duration `yaml:"retryBudget"`
	// MaxMessageSize caps one inbound frame, in bytes.
	MaxMessageSize int `yaml:"maxMessageSize"`
	// IdleTimeout closes connections with no RPC in the window.
	IdleTimeout Duration `yaml:"idleTimeout"`
	// MachineID distinguishes nodes sharing a backend for id generation.
	MachineID uint16 `yaml:"machineId"`
}

// Log configures the global logger.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Metrics configures the observability listener. Empty disables it.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// Backend configures one storage binding.
type Backend struct {
	// Driver selects the implementation: "redis" or "bolt".
	Driver string `yaml:"driver"`
	// Addr is the redis master endpoint.
	Addr string `yaml:"addr"`
	// Replicas are optional weighted read replicas.
	Replicas []Replica `yaml:"replicas"`
	// Path is the bolt database directory.
	Path string `yaml:"path"`
}

// Replica is one weighted read replica.
type Replica struct {
	Addr   string `yaml:"addr"`
	Weight int    `yaml:"weight"`
}

// RateBudget is one (max, window) allowance; all configured budgets must
// hold simultaneously.
type RateBudget struct {
	Max           int `yaml:"max"`
	WindowSeconds int `yaml:"windowSeconds"`
}

// Window returns the budget window as a duration.
func (r RateBudget) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Limits configures per-connection policy.
type Limits struct {
	MaxAnonymousPerIP int          `yaml:"maxAnonymousPerIP"`
	AnonRecv          []RateBudget `yaml:"anonRecv"`
	AnonSend          []RateBudget `yaml:"anonSend"`
	UserRecv          []RateBudget `yaml:"userRecv"`
	UserSend          []RateBudget `yaml:"userSend"`
	RowSubs           int          `yaml:"rowSubs"`
	RangeSubs         int          `yaml:"rangeSubs"`
}

// Default returns the baseline configuration: a local bolt backend and
// permissive limits, suitable for development.
func Default() *Config {
	return &Config{
		Server: Server{
			Listen:          ":7350",
			Workers:         runtime.NumCPU(),
			Namespace:       "default",
			ElevationSystem: "login",
			RetryBudget:     Duration(2 * time.Second),
			MaxMessageSize:  1 << 20,
			IdleTimeout:     Duration(5 * time.Minute),
		},
		Log: Log{Level: "info", JSON: true},
		Backends: map[string]Backend{
			"main": {Driver: "bolt", Path: "./data"},
		},
		Limits: Limits{
			RowSubs:   64,
			RangeSubs: 16,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive")
	}
	if c.Server.Namespace == "" {
		return fmt.Errorf("server.namespace is required")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	for name, be := range c.Backends {
		switch be.Driver {
		case "redis":
			if be.Addr == "" {
				return fmt.Errorf("backend %q: redis driver needs addr", name)
			}
		case "bolt":
			if be.Path == "" {
				return fmt.Errorf("backend %q: bolt driver needs path", name)
			}
		default:
			return fmt.Errorf("backend %q: unknown driver %q", name, be.Driver)
		}
	}
	for _, budgets := range [][]RateBudget{
		c.Limits.AnonRecv, c.Limits.AnonSend, c.Limits.UserRecv, c.Limits.UserSend,
	} {
		for _, b := range budgets {
			if b.Max <= 0 || b.WindowSeconds <= 0 {
				return fmt.Errorf("rate budgets need positive max and windowSeconds")
			}
		}
	}
	return nil
}
