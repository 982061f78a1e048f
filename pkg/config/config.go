// Package config loads the cluster's startup configuration: JSON file plus
// environment overrides, applied once at startup, mirroring the teacher's
// Load/LoadFile/ApplyEnvOverrides shape.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/joho/godotenv"

	"clusterpool/pkg/env"
	"clusterpool/pkg/failover"
	"clusterpool/pkg/host"
	"clusterpool/pkg/logger"
)

// HostConfig is one Host's on-disk configuration.
type HostConfig struct {
	Address         string `json:"address"`
	Port            int    `json:"port"`
	MaxPoolSize     int    `json:"max_pool_size"`
	MaxIdle         int    `json:"max_idle"`
	BorrowTimeoutMs int    `json:"borrow_timeout_ms"`
	SocketTimeoutMs int    `json:"socket_timeout_ms"`
}

// ToHost converts a HostConfig into a host.Host, applying any non-zero
// overrides on top of host.New's defaults.
func (hc HostConfig) ToHost() host.Host {
	var opts []host.Option
	if hc.MaxPoolSize > 0 {
		opts = append(opts, host.WithMaxPoolSize(hc.MaxPoolSize))
	}
	if hc.MaxIdle > 0 {
		opts = append(opts, host.WithMaxIdle(hc.MaxIdle))
	}
	if hc.BorrowTimeoutMs > 0 {
		opts = append(opts, host.WithBorrowTimeout(time.Duration(hc.BorrowTimeoutMs)*time.Millisecond))
	}
	if hc.SocketTimeoutMs > 0 {
		opts = append(opts, host.WithSocketTimeout(time.Duration(hc.SocketTimeoutMs)*time.Millisecond))
	}
	return host.New(hc.Address, hc.Port, opts...)
}

// FailoverConfig selects and parameterizes the Failover Policy.
type FailoverConfig struct {
	// Preset is one of "FAIL_FAST", "TRY_ONE_NEXT", "TRY_ALL",
	// "DEGRADE_CONSISTENCY". Defaults to "TRY_ONE_NEXT".
	Preset string `json:"preset"`
}

// Policy builds the failover.Policy named by Preset.
func (fc FailoverConfig) Policy() failover.Policy {
	switch fc.Preset {
	case "FAIL_FAST":
		return failover.FailFast()
	case "TRY_ALL":
		return failover.TryAll()
	case "DEGRADE_CONSISTENCY":
		return failover.DegradeConsistency()
	case "TRY_ONE_NEXT", "":
		return failover.TryOneNext()
	default:
		logger.Warn("unknown failover preset, falling back to TRY_ONE_NEXT", "preset", fc.Preset)
		return failover.TryOneNext()
	}
}

// ProbeConfig parameterizes the Cluster Pool's background health probe.
type ProbeConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// IntervalOrDefault returns the configured probe interval, defaulting to
// the spec's 30s period when unset.
func (pc ProbeConfig) IntervalOrDefault() time.Duration {
	if pc.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(pc.IntervalSeconds) * time.Second
}

// ClusterConfig is the top-level configuration bean for one Cluster Pool.
type ClusterConfig struct {
	ClusterName string         `json:"cluster_name"`
	Hosts       []HostConfig   `json:"hosts"`
	Failover    FailoverConfig `json:"failover"`
	Probe       ProbeConfig    `json:"probe"`
	LogLevel    string         `json:"log_level"`

	// LoadedPath records where this configuration came from, for Save.
	LoadedPath string `json:"-"`
}

// DefaultClusterConfig returns built-in defaults for a fresh deployment:
// no hosts (must be supplied via file or env), TRY_ONE_NEXT failover, and
// the spec's 30s probe period.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		ClusterName: "default",
		Failover:    FailoverConfig{Preset: "TRY_ONE_NEXT"},
		Probe:       ProbeConfig{IntervalSeconds: 30},
		LogLevel:    "INFO",
	}
}

// Load reads configPath (if present; a missing file is not an error) then
// applies environment overrides from pkg/env, once, same precedence order
// as the teacher: env > file > defaults. It also loads a .env file from the
// working directory, if present, before reading the environment.
func Load(configPath string) (ClusterConfig, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := DefaultClusterConfig()
	cfg.LoadedPath = configPath

	if err := cfg.loadFile(configPath); err != nil {
		if os.IsNotExist(err) {
			logger.Info("no cluster config file found, using defaults", "path", configPath)
		} else {
			return cfg, err
		}
	} else {
		logger.Info("loaded cluster configuration", "path", configPath)
	}

	applyEnvOverrides(&cfg, env.ReadOverrides())
	if v := os.Getenv(env.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func (c *ClusterConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

// Save writes cfg back to the path it was loaded from.
func (c *ClusterConfig) Save() error {
	path := c.LoadedPath
	if path == "" {
		path = "cluster_config.json"
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides applies environment-derived overrides on top of cfg.
// Only fields the user actually set are touched, so a file value survives
// when its corresponding env var is absent.
func applyEnvOverrides(cfg *ClusterConfig, o env.Overrides) {
	if o.ClusterName != "" {
		cfg.ClusterName = o.ClusterName
	}
	if len(o.Hosts) > 0 {
		cfg.Hosts = make([]HostConfig, 0, len(o.Hosts))
		for _, hp := range o.Hosts {
			h, err := host.Parse(hp)
			if err != nil {
				logger.Warn("skipping invalid host in env override", "host", hp, "err", err)
				continue
			}
			cfg.Hosts = append(cfg.Hosts, HostConfig{
				Address:         h.Address(),
				Port:            h.Port(),
				MaxPoolSize:     o.MaxPoolSize,
				MaxIdle:         o.MaxIdle,
				BorrowTimeoutMs: o.BorrowTimeoutMs,
				SocketTimeoutMs: o.SocketTimeoutMs,
			})
		}
	}
	if o.FailoverPreset != "" {
		cfg.Failover.Preset = o.FailoverPreset
	}
	if o.ProbeIntervalS > 0 {
		cfg.Probe.IntervalSeconds = o.ProbeIntervalS
	}
}
