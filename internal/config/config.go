// Package config loads the daemon's settings from YAML with built-in
// defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is consulted when no config path is given.
const DefaultPath = "/etc/lockc/lockc.yaml"

// Config holds the daemon's tunable settings.
type Config struct {
	// RuncPaths are the candidate locations of the low-level runtime
	// binary, including /host-prefixed variants for a containerized
	// daemon.
	RuncPaths []string `yaml:"runc_paths"`
	// RuncNames are comm names dispatched to the runtime parser.
	RuncNames []string `yaml:"runc_names"`
	// ShimNames are comm names dispatched to the reduced shim parser.
	// The kernel truncates comm to 15 characters, which collapses all
	// containerd shim flavors to one name.
	ShimNames []string `yaml:"shim_names"`

	// CommandQueue bounds the executor's command channel.
	CommandQueue int `yaml:"command_queue"`
	// ResolveTimeout bounds a single orchestration API call.
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`

	// DockerSocket is observed for engine activity when WatchDocker is
	// set.
	DockerSocket string `yaml:"docker_socket"`
	WatchDocker  bool   `yaml:"watch_docker"`

	// MetricsAddr enables the Prometheus listener when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	Debug bool `yaml:"debug"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		RuncPaths: []string{
			"/usr/bin/runc",
			"/usr/sbin/runc",
			"/usr/local/bin/runc",
			"/usr/local/sbin/runc",
			"/host/usr/bin/runc",
			"/host/usr/sbin/runc",
			"/host/usr/local/bin/runc",
			"/host/usr/local/sbin/runc",
		},
		RuncNames:      []string{"runc"},
		ShimNames:      []string{"containerd-shim"},
		CommandQueue:   32,
		ResolveTimeout: 10 * time.Second,
		DockerSocket:   "/var/run/docker.sock",
	}
}

// Load reads configuration from a YAML file. Empty path falls back to
// DefaultPath; a missing file returns defaults; invalid YAML returns an
// error. Fields absent from the file keep their defaults, and the
// LOCKC_DEBUG environment variable forces debug logging on.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = 32
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 10 * time.Second
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if _, ok := os.LookupEnv("LOCKC_DEBUG"); ok {
		cfg.Debug = true
	}
}
