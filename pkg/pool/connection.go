// Package pool implements the Per-Host Pool (spec.md §4.4) and the
// Connection it owns (spec.md §4.3): a bounded, thread-safe pool of
// reusable RPC connections to a single Host.
package pool

import (
	"context"
	"sync/atomic"

	"clusterpool/pkg/host"
	"clusterpool/pkg/rpcerrors"
	"clusterpool/pkg/transport"
)

var serialCounter atomic.Int64

// Connection owns one open RPC channel to exactly one Host. It is either
// idle-in-pool, borrowed, or destroyed; it never transitions from destroyed
// back (spec.md §3). State flags are mutated only by the owning HostPool or
// the current borrower.
type Connection struct {
	serial  int64
	host    host.Host
	channel transport.Channel

	closed   atomic.Bool
	hasError atomic.Bool
	borrowed atomic.Bool
	released atomic.Bool
}

func newConnection(h host.Host, ch transport.Channel) *Connection {
	return &Connection{
		serial:  serialCounter.Add(1),
		host:    h,
		channel: ch,
	}
}

// Serial returns this connection's diagnostic serial number.
func (c *Connection) Serial() int64 { return c.serial }

// Host returns the Host this connection belongs to. Used by the Cluster to
// route Release/Invalidate to the owning HostPool without a back-pointer
// from Connection to its pool (spec.md §9, breaking the Connection↔Pool↔
// Cluster reference cycle).
func (c *Connection) Host() host.Host { return c.host }

// Call issues one RPC over this connection. Any non-application error
// observed here should be followed by MarkError before the connection is
// released (spec.md §4.3 invariant).
func (c *Connection) Call(ctx context.Context, op []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, &rpcerrors.FatalError{Reason: "Call on closed connection"}
	}
	return c.channel.Call(ctx, op)
}

// MarkError flags this connection as having observed a channel-level error.
// Idempotent.
func (c *Connection) MarkError() { c.hasError.Store(true) }

// MarkClosed tears the channel down and flags it closed. Idempotent.
func (c *Connection) MarkClosed() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.channel.Close()
	}
}

// MarkBorrowed flags this connection as currently checked out.
func (c *Connection) MarkBorrowed() {
	c.borrowed.Store(true)
	c.released.Store(false)
}

// MarkReleased flags this connection as returned to its pool.
func (c *Connection) MarkReleased() {
	c.released.Store(true)
	c.borrowed.Store(false)
}

// IsStale reports whether this connection is no longer fit to serve a
// request: closed or has observed an error.
func (c *Connection) IsStale() bool { return c.closed.Load() || c.hasError.Load() }

// IsBorrowed reports whether this connection is currently checked out.
func (c *Connection) IsBorrowed() bool { return c.borrowed.Load() }
