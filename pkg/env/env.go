// Package env consolidates all environment variable reading for the module.
// Overrides are applied only once at startup (see config.Load).
package env

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names (single source of truth).
const (
	LogLevel         = "LOG_LEVEL"
	ClusterName      = "CLUSTERPOOL_CLUSTER_NAME"
	HostsVar         = "CLUSTERPOOL_HOSTS" // comma-separated addr:port list
	MaxPoolSize      = "CLUSTERPOOL_MAX_POOL_SIZE"
	MaxIdle          = "CLUSTERPOOL_MAX_IDLE"
	BorrowTimeoutMs  = "CLUSTERPOOL_BORROW_TIMEOUT_MS"
	SocketTimeoutMs  = "CLUSTERPOOL_SOCKET_TIMEOUT_MS"
	FailoverPreset   = "CLUSTERPOOL_FAILOVER_PRESET"
	ProbeIntervalSec = "CLUSTERPOOL_PROBE_INTERVAL_SEC"
)

// GetLogLevel returns LOG_LEVEL with default "INFO" (read early, before any
// other config is loaded, so startup logging is always configured).
func GetLogLevel() string {
	if v := os.Getenv(LogLevel); v != "" {
		return v
	}
	return "INFO"
}

// Overrides holds cluster configuration values that can be set via
// environment variables. Applied once at startup by config.Load.
type Overrides struct {
	ClusterName     string
	Hosts           []string
	MaxPoolSize     int
	MaxIdle         int
	BorrowTimeoutMs int
	SocketTimeoutMs int
	FailoverPreset  string
	ProbeIntervalS  int
}

// ReadOverrides reads all relevant environment variables once and returns
// the overrides to apply on top of a loaded config file.
func ReadOverrides() Overrides {
	var o Overrides

	if v := os.Getenv(ClusterName); v != "" {
		o.ClusterName = v
	}
	if v := os.Getenv(HostsVar); v != "" {
		for _, h := range strings.Split(v, ",") {
			h = strings.TrimSpace(h)
			if h != "" {
				o.Hosts = append(o.Hosts, h)
			}
		}
	}
	if v := os.Getenv(MaxPoolSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.MaxPoolSize = n
		}
	}
	if v := os.Getenv(MaxIdle); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.MaxIdle = n
		}
	}
	if v := os.Getenv(BorrowTimeoutMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.BorrowTimeoutMs = n
		}
	}
	if v := os.Getenv(SocketTimeoutMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.SocketTimeoutMs = n
		}
	}
	if v := os.Getenv(FailoverPreset); v != "" {
		o.FailoverPreset = v
	}
	if v := os.Getenv(ProbeIntervalSec); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.ProbeIntervalS = n
		}
	}

	return o
}
