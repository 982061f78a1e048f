// Package host defines the immutable Host identity and its per-host tunables.
package host

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Host is the identity of one server instance: address and port. Two Hosts
// are equal iff address and port match. Host is immutable after
// construction and is safe to use as a map key.
type Host struct {
	address string
	port    int

	maxPoolSize   int
	maxIdle       int
	borrowTimeout time.Duration
	socketTimeout time.Duration
	framed        bool
}

// Option configures a Host's per-host tunables at construction time.
type Option func(*Host)

// WithMaxPoolSize sets the maximum number of connections the per-host pool
// may hold for this Host. Default 8.
func WithMaxPoolSize(n int) Option { return func(h *Host) { h.maxPoolSize = n } }

// WithMaxIdle sets the shrink target for idle connections. Default equals
// maxPoolSize at construction time if not given explicitly.
func WithMaxIdle(n int) Option { return func(h *Host) { h.maxIdle = n } }

// WithBorrowTimeout sets how long Borrow blocks on a saturated pool before
// failing with PoolExhausted. Default 1s.
func WithBorrowTimeout(d time.Duration) Option { return func(h *Host) { h.borrowTimeout = d } }

// WithSocketTimeout sets the per-RPC socket timeout. Default 5s.
func WithSocketTimeout(d time.Duration) Option { return func(h *Host) { h.socketTimeout = d } }

// WithFramedTransport marks this Host as using the framed transport variant.
func WithFramedTransport(framed bool) Option { return func(h *Host) { h.framed = framed } }

// New constructs a Host from an address and port, applying defaults and
// then any Options.
func New(address string, port int, opts ...Option) Host {
	h := Host{
		address:       address,
		port:          port,
		maxPoolSize:   8,
		borrowTimeout: time.Second,
		socketTimeout: 5 * time.Second,
		framed:        true,
	}
	h.maxIdle = h.maxPoolSize
	for _, opt := range opts {
		opt(&h)
	}
	if h.maxIdle > h.maxPoolSize {
		h.maxIdle = h.maxPoolSize
	}
	return h
}

// Parse splits a combined "address:port" string on the last colon, so that
// IPv6-style inputs like "[::1]:9160" or "fe80::1:9160" don't get mis-split
// on an embedded colon.
func Parse(hostPort string, opts ...Option) (Host, error) {
	idx := strings.LastIndex(hostPort, ":")
	if idx < 0 {
		return Host{}, fmt.Errorf("host: %q has no port", hostPort)
	}
	addr := hostPort[:idx]
	addr = strings.TrimPrefix(strings.TrimSuffix(addr, "]"), "[")
	port, err := strconv.Atoi(hostPort[idx+1:])
	if err != nil {
		return Host{}, fmt.Errorf("host: invalid port in %q: %w", hostPort, err)
	}
	return New(addr, port, opts...), nil
}

// Address returns the host's address (hostname or IP, without port).
func (h Host) Address() string { return h.address }

// Port returns the host's TCP port.
func (h Host) Port() int { return h.port }

// MaxPoolSize returns the configured per-host pool cap.
func (h Host) MaxPoolSize() int { return h.maxPoolSize }

// MaxIdle returns the configured idle-connection shrink target.
func (h Host) MaxIdle() int { return h.maxIdle }

// BorrowTimeout returns how long a borrow blocks before PoolExhausted.
func (h Host) BorrowTimeout() time.Duration { return h.borrowTimeout }

// SocketTimeout returns the per-RPC socket timeout.
func (h Host) SocketTimeout() time.Duration { return h.socketTimeout }

// Framed reports whether this Host uses the framed transport variant.
func (h Host) Framed() bool { return h.framed }

// String renders "address:port", the canonical form accepted by Parse.
func (h Host) String() string {
	return net.JoinHostPort(h.address, strconv.Itoa(h.port))
}

// Equal reports whether two Hosts have the same address and port. Per-host
// tunables are not part of identity.
func (h Host) Equal(o Host) bool {
	return h.address == o.address && h.port == o.port
}

// Key returns the map-key form of this Host's identity, usable as the
// comparable key type for a map[host.Key]*HostPool (Host itself is already
// comparable, but Key makes the identity-only contract explicit at call
// sites that must ignore per-host tunables).
type Key struct {
	Address string
	Port    int
}

// Key returns this Host's identity key.
func (h Host) Key() Key { return Key{Address: h.address, Port: h.port} }
