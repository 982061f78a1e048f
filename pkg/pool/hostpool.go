package pool

import (
	"context"
	"sync"
	"time"

	"clusterpool/pkg/host"
	"clusterpool/pkg/rpcerrors"
	"clusterpool/pkg/transport"
)

// HostPool is the Per-Host Pool (spec.md §4.4): a bounded set of
// Connections to one Host, guarded by a single mutex and condition
// variable so that Borrow's blocked waiters wake in FIFO arrival order. No
// operation holds the mutex across a channel dial or close; counters are
// adjusted before the blocking call and compensated on failure.
type HostPool struct {
	host    host.Host
	factory transport.ChannelFactory

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*Connection
	all     map[*Connection]struct{}
	active  int
	blocked int
	closed  bool
}

// NewHostPool constructs a HostPool for h, dialing new connections through
// factory.
func NewHostPool(h host.Host, factory transport.ChannelFactory) *HostPool {
	p := &HostPool{
		host:    h,
		factory: factory,
		all:     make(map[*Connection]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Host returns the Host this pool serves.
func (p *HostPool) Host() host.Host { return p.host }

// Borrow checks out a Connection, blocking up to the Host's configured
// BorrowTimeout when the pool is at capacity. Returns PoolExhaustedError if
// the deadline elapses before a Connection becomes available.
func (p *HostPool) Borrow(ctx context.Context) (*Connection, error) {
	deadline := time.Now().Add(p.host.BorrowTimeout())

	wake := time.AfterFunc(p.host.BorrowTimeout(), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer wake.Stop()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, &rpcerrors.FatalError{Reason: "Borrow on shut-down pool for host " + p.host.String()}
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[0]
			p.idle = p.idle[1:]
			p.active++
			p.mu.Unlock()
			conn.MarkBorrowed()
			return conn, nil
		}

		if p.active+len(p.idle) < p.host.MaxPoolSize() {
			p.active++ // reserve the slot before releasing the lock for I/O
			p.mu.Unlock()

			conn, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.active--
				p.cond.Signal()
				p.mu.Unlock()
				return nil, err
			}
			conn.MarkBorrowed()
			return conn, nil
		}

		if !time.Now().Before(deadline) {
			p.mu.Unlock()
			return nil, &rpcerrors.PoolExhaustedError{Host: p.host.String()}
		}

		p.blocked++
		p.cond.Wait()
		p.blocked--
	}
}

func (p *HostPool) dial(ctx context.Context) (*Connection, error) {
	dialCtx := ctx
	if p.host.SocketTimeout() > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.host.SocketTimeout())
		defer cancel()
	}
	ch, err := p.factory.Dial(dialCtx, p.host)
	if err != nil {
		return nil, err
	}
	conn := newConnection(p.host, ch)
	p.mu.Lock()
	p.all[conn] = struct{}{}
	p.mu.Unlock()
	return conn, nil
}

// Release returns a healthy Connection to the idle set, or destroys it if
// it is stale or the idle set is already at MaxIdle. Releasing a Connection
// belonging to a different Host, or releasing one that isn't currently
// borrowed (never borrowed, or already released/invalidated), is a fatal
// programmer error.
func (p *HostPool) Release(conn *Connection) error {
	if conn == nil {
		return &rpcerrors.FatalError{Reason: "Release of nil connection"}
	}
	if !conn.Host().Equal(p.host) {
		return &rpcerrors.FatalError{Reason: "Release of connection for host " + conn.Host().String() + " to pool for host " + p.host.String()}
	}
	if !conn.IsBorrowed() {
		return &rpcerrors.FatalError{Reason: "double Release of connection for host " + p.host.String()}
	}

	p.mu.Lock()
	if _, tracked := p.all[conn]; !tracked {
		// Detached: this connection belonged to a pool already torn down
		// by InvalidateAll/Shutdown. Close it and stop, per the detached-
		// pool handling documented for that case.
		p.mu.Unlock()
		conn.MarkClosed()
		return nil
	}

	p.active--
	destroy := conn.IsStale() || len(p.idle) >= p.host.MaxIdle()
	if destroy {
		delete(p.all, conn)
	} else {
		p.idle = append(p.idle, conn)
	}
	p.cond.Signal()
	p.mu.Unlock()

	conn.MarkReleased()
	if destroy {
		conn.MarkClosed()
	}
	return nil
}

// Invalidate unconditionally destroys conn, whether it was borrowed or
// idle, and wakes one blocked Borrow waiter.
func (p *HostPool) Invalidate(conn *Connection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	_, tracked := p.all[conn]
	if tracked {
		delete(p.all, conn)
		for i, c := range p.idle {
			if c == conn {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				break
			}
		}
		if conn.IsBorrowed() {
			p.active--
		}
	}
	conn.borrowed.Store(false) // a later Release is rejected as a double release
	p.cond.Signal()
	p.mu.Unlock()
	conn.MarkClosed()
}

// InvalidateAll destroys every idle Connection and marks every borrowed
// Connection for destruction: IsStale reports true for it at once, and it is
// closed when its borrower Releases or Invalidates it. Call on such a
// Connection is not refused, since its channel stays open until then. The
// pool itself keeps accepting Release/Invalidate for those stragglers until
// the last one returns.
func (p *HostPool) InvalidateAll() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	for conn := range p.all {
		if conn.IsBorrowed() {
			conn.MarkError() // force destruction once the straggler is released
		} else {
			delete(p.all, conn)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, conn := range idle {
		conn.MarkClosed()
	}
}

// Shutdown closes the pool to further Borrow calls and invalidates every
// Connection it currently holds.
func (p *HostPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.InvalidateAll()
}

// NumActive returns the number of currently-borrowed connections.
func (p *HostPool) NumActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// NumIdle returns the number of idle, available-to-borrow connections.
func (p *HostPool) NumIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// NumBlockedThreads returns the number of goroutines currently blocked in
// Borrow, waiting for a Connection to free up.
func (p *HostPool) NumBlockedThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked
}

// IsExhausted reports whether the pool is at capacity with no idle
// Connection available.
func (p *HostPool) IsExhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) == 0 && p.active >= p.host.MaxPoolSize()
}
