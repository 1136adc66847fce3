package config

import (
	"os"
	"runtime"

	"github.com/goccy/go-yaml"

	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/store"
)

// RuntimeConfig holds process-wide runtime options. It is loaded once at
// start, readable anywhere through the store, and never mutated after boot.
type RuntimeConfig struct {
	// HTTP listening addresses
	HTTP []string `yaml:"http"`
	// HTTPS listening addresses (HTTP/2 enabled)
	HTTPS []string `yaml:"https"`
	// Prometheus metrics addresses
	Metrics []string `yaml:"metrics"`
	// Directory containing service and route definitions
	ConfigDir string `yaml:"config_dir"`
	// Directory holding ACME-issued certificates
	AcmeDir string `yaml:"acme"`
	// WebSocket fan-out adapter selection
	WebSocket *WebSocketAdapterConfig `yaml:"websocket"`
	// Server runtime tuning
	Server ServerConfig `yaml:"server"`
}

// ServerConfig tunes the embedded HTTP server runtime.
type ServerConfig struct {
	Daemon                         bool   `yaml:"daemon"`
	Threads                        int    `yaml:"threads"`
	GracePeriodSeconds             uint64 `yaml:"grace_period_seconds"`
	GracefulShutdownTimeoutSeconds uint64 `yaml:"graceful_shutdown_timeout_seconds"`
	UpstreamKeepalivePoolSize      int    `yaml:"upstream_keepalive_pool_size"`
	WorkStealing                   *bool  `yaml:"work_stealing"`
	ErrorLog                       string `yaml:"error_log"`
	PidFile                        string `yaml:"pid_file"`
	UpgradeSock                    string `yaml:"upgrade_sock"`
	User                           string `yaml:"user"`
	Group                          string `yaml:"group"`
	CAFile                         string `yaml:"ca_file"`
}

// WebSocketAdapterConfig selects the fan-out backend.
type WebSocketAdapterConfig struct {
	AdapterType string              `yaml:"adapter_type"` // memory | redis | cluster
	Redis       *RedisAdapterConfig `yaml:"redis"`
}

// RedisAdapterConfig configures the Redis-backed adapter.
type RedisAdapterConfig struct {
	Host      string `yaml:"host"`
	Port      uint16 `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultThreads returns the worker count for this host: total CPUs minus a
// reservation of 2 when >=6 CPUs, 1 when 2-5, 0 when single-core; clamped
// to 1..16.
func DefaultThreads() int {
	cpus := runtime.NumCPU()
	reserved := 0
	switch {
	case cpus >= 6:
		reserved = 2
	case cpus > 1:
		reserved = 1
	}
	n := cpus - reserved
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
	}
	return n
}

// RuntimeFromFile loads and parses the runtime config file.
func RuntimeFromFile(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "read runtime config", err)
	}
	return ParseRuntime(data)
}

// ParseRuntime parses the runtime config from YAML bytes and applies
// defaults.
func ParseRuntime(data []byte) (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		ConfigDir: "/etc/nylon/config",
		Server: ServerConfig{
			Daemon:                         true,
			Threads:                        DefaultThreads(),
			GracePeriodSeconds:             60,
			GracefulShutdownTimeoutSeconds: 10,
		},
	}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, errors.Wrap(errors.KindConfig, "parse runtime config", err)
	}
	if cfg.Server.Threads <= 0 {
		cfg.Server.Threads = DefaultThreads()
	}
	return cfg, nil
}

// Store installs the runtime config into the global store.
func (c *RuntimeConfig) Store() {
	store.Insert(store.KeyRuntimeConfig, c)
}

// Runtime returns the runtime config from the global store.
func Runtime() (*RuntimeConfig, error) {
	cfg, ok := store.Get[*RuntimeConfig](store.KeyRuntimeConfig)
	if !ok {
		return nil, errors.Config("runtime config not found")
	}
	return cfg, nil
}
