// Package config loads the balancer's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds the HTTP bind settings for the proxy facade and the admin API,
// which share one listener.
type Server struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
	// ShutdownGrace bounds how long the Dispatcher waits for in-flight
	// dispatching tasks to settle during graceful shutdown (spec.md §5).
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// SubmitTimeout bounds how long POST /prompt blocks waiting for dispatch
	// before returning the queued 202-style response (spec.md §4.9), and
	// doubles as every Backend Client HTTP call's timeout (spec.md §5).
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
}

// Scheduler holds the runtime-switchable backend-selection policy.
type Scheduler struct {
	// Strategy is one of least_busy, round_robin, weighted.
	Strategy string `yaml:"strategy"`
	// PreferIdle restricts selection to idle backends (pending+running=0)
	// when any exist, before applying Strategy.
	PreferIdle bool `yaml:"prefer_idle"`
}

// HealthCheck holds the Health Monitor's timing and threshold knobs.
type HealthCheck struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
}

// Queue holds Task Store bounds and dispatch retry limits.
type Queue struct {
	MaxSize       int           `yaml:"max_size"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// Backend is one backend's static configuration, as declared in the config
// file or via the admin API's POST /lb/backends.
type Backend struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Weight   int    `yaml:"weight"`
	MaxQueue int    `yaml:"max_queue"`
	Enabled  bool   `yaml:"enabled"`
}

// Config is the balancer's fully-parsed configuration.
type Config struct {
	Server      Server      `yaml:"server"`
	Scheduler   Scheduler   `yaml:"scheduler"`
	HealthCheck HealthCheck `yaml:"health_check"`
	Queue       Queue       `yaml:"queue"`
	Backends    []Backend   `yaml:"backends"`
}

// applyDefaults fills in zero-valued fields with the defaults named in
// spec.md §6, playing the role the teacher's envDefault struct tags play.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8188
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 10 * time.Second
	}
	if c.Server.SubmitTimeout == 0 {
		c.Server.SubmitTimeout = 30 * time.Second
	}
	if c.Scheduler.Strategy == "" {
		c.Scheduler.Strategy = "least_busy"
	}
	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = 5 * time.Second
	}
	if c.HealthCheck.Timeout == 0 {
		c.HealthCheck.Timeout = 3 * time.Second
	}
	if c.HealthCheck.UnhealthyThreshold == 0 {
		c.HealthCheck.UnhealthyThreshold = 3
	}
	if c.HealthCheck.HealthyThreshold == 0 {
		c.HealthCheck.HealthyThreshold = 1
	}
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = 1000
	}
	if c.Queue.RetryInterval == 0 {
		c.Queue.RetryInterval = 2 * time.Second
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	for i := range c.Backends {
		if c.Backends[i].Weight == 0 {
			c.Backends[i].Weight = 1
		}
		if c.Backends[i].MaxQueue == 0 {
			c.Backends[i].MaxQueue = 1
		}
	}
}

// Validate rejects configuration that would leave the balancer in an
// inconsistent state — a backend's weight and max_queue must be positive
// per spec.md §3, and the scheduler strategy must be recognised.
func (c Config) Validate() error {
	switch c.Scheduler.Strategy {
	case "least_busy", "round_robin", "weighted":
	default:
		return fmt.Errorf("config: unknown scheduler strategy %q", c.Scheduler.Strategy)
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("config: backend entry missing name")
		}
		if seen[b.Name] {
			return fmt.Errorf("config: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		if b.Weight < 1 {
			return fmt.Errorf("config: backend %q: weight must be >= 1", b.Name)
		}
		if b.MaxQueue < 1 {
			return fmt.Errorf("config: backend %q: max_queue must be >= 1", b.Name)
		}
	}
	return nil
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
