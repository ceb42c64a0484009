package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved configuration handed to the application.
// Loading and schema validation of user-facing files happen outside the
// core; Load is a convenience for the CLI entry point.
type Config struct {
	// Port is the primary listening port. Service emulators are assigned
	// ports from Port+1 upward unless overridden in ServicePorts.
	Port int `yaml:"port"`

	// Host to bind all HTTP surfaces to.
	Host string `yaml:"host"`

	// Persist keeps state across restarts under DataDir.
	Persist bool `yaml:"persist"`

	// DataDir is the root for persisted state (objects, kv, queues).
	DataDir string `yaml:"dataDir"`

	// LogLevel is the emission threshold: debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`

	// AssemblyDir is the synthesized cloud assembly to load.
	AssemblyDir string `yaml:"assemblyDir"`

	// WatchInclude/WatchExclude are glob lists consumed by the optional
	// external re-synth watcher. The core only carries them.
	WatchInclude []string `yaml:"watchInclude"`
	WatchExclude []string `yaml:"watchExclude"`

	// EventualConsistencyDelayMS delays stream dispatch to emulate
	// eventual consistency. Zero means immediate.
	EventualConsistencyDelayMS int `yaml:"eventualConsistencyDelayMs"`

	// ServicePorts overrides the allocated port per service name.
	ServicePorts map[string]int `yaml:"servicePorts"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Port:     4580,
		Host:     "127.0.0.1",
		LogLevel: "info",
		DataDir:  filepath.Join(os.TempDir(), "localcloud"),
	}
}

// Load reads a YAML configuration file and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ServicePort returns the port assigned to a named service surface. Explicit
// overrides win; otherwise ports are allocated from the primary port by a
// stable offset.
func (c Config) ServicePort(service string, offset int) int {
	if p, ok := c.ServicePorts[service]; ok {
		return p
	}
	return c.Port + offset
}

// Endpoint returns the local URL for a service surface.
func (c Config) Endpoint(service string, offset int) string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.ServicePort(service, offset))
}
