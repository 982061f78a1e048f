// Package cluster implements the Cluster Pool (spec.md §4.5): a registry of
// Per-Host Pools, least-active host selection, and the background health
// probe that partitions hosts between a live set and a down set.
package cluster

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"clusterpool/pkg/host"
	"clusterpool/pkg/logger"
	"clusterpool/pkg/pool"
	"clusterpool/pkg/rpcerrors"
	"clusterpool/pkg/transport"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// probeHistorySize bounds the probe-outcome cache so a long-running
// cluster that churns through many addHost/removeHost cycles doesn't grow
// that diagnostic state without bound.
const probeHistorySize = 1024

// Cluster owns two disjoint registries of Per-Host Pools, live and down,
// keyed by host.Key (address+port identity, ignoring per-host tunables).
// live and down are mutated only under mu; the probe loop and
// AddHost/RemoveHost contend on it.
type Cluster struct {
	name    string
	factory transport.ChannelFactory

	mu       sync.Mutex
	live     map[host.Key]*pool.HostPool
	down     map[host.Key]*pool.HostPool
	detached map[host.Key]*pool.HostPool // removed hosts still draining borrowers
	hostInfo map[host.Key]host.Host

	probeOp      []byte
	probeTimeout time.Duration
	limiter      *rate.Limiter // coalescing guard: at most one pass per 10s

	// probeHistory records each Host's most recent liveness-probe outcome,
	// for diagnostics (LastProbeResult). Bounded so it can't grow without
	// limit across a long-lived cluster's addHost/removeHost churn.
	probeHistory *lru.Cache[host.Key, bool]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Cluster at construction time.
type Option func(*Cluster)

// WithProbeOp sets the payload sent as the liveness-probe RPC. Defaults to
// a short "describe cluster name" style payload.
func WithProbeOp(op []byte) Option { return func(c *Cluster) { c.probeOp = op } }

// WithProbeTimeout bounds how long a single liveness probe may take.
func WithProbeTimeout(d time.Duration) Option { return func(c *Cluster) { c.probeTimeout = d } }

// New constructs a Cluster named name, with initial hosts all starting
// live, dialing through factory. The health probe is not started; call
// StartProbeLoop.
func New(name string, factory transport.ChannelFactory, hosts []host.Host, opts ...Option) *Cluster {
	history, err := lru.New[host.Key, bool](probeHistorySize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// probeHistorySize never is.
		panic(err)
	}
	c := &Cluster{
		name:         name,
		factory:      factory,
		live:         make(map[host.Key]*pool.HostPool),
		down:         make(map[host.Key]*pool.HostPool),
		detached:     make(map[host.Key]*pool.HostPool),
		hostInfo:     make(map[host.Key]host.Host),
		probeOp:      []byte("describe cluster name"),
		probeTimeout: 2 * time.Second,
		limiter:      rate.NewLimiter(rate.Every(10*time.Second), 1),
		probeHistory: history,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, h := range hosts {
		c.AddHost(h)
	}
	return c
}

// Name returns the cluster's configured name.
func (c *Cluster) Name() string { return c.name }

// AddHost registers h, creating an empty Per-Host Pool in the live set.
// Idempotent: a Host already tracked in live or down is left untouched.
func (c *Cluster) AddHost(h host.Host) {
	key := h.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[key]; ok {
		return
	}
	if _, ok := c.down[key]; ok {
		return
	}
	c.live[key] = pool.NewHostPool(h, c.factory)
	c.hostInfo[key] = h
}

// RemoveHost atomically removes h from whichever set holds it and
// invalidates every Connection in its Per-Host Pool. The pool itself is
// kept in a detached bucket so that stragglers still holding a Connection
// from it can Release/Invalidate without hitting a programmer error.
// Entries are never removed from the detached bucket: a detached pool stays
// referenced by it after its last Connection has returned, until Shutdown.
func (c *Cluster) RemoveHost(h host.Host) {
	key := h.Key()
	c.mu.Lock()
	p, ok := c.live[key]
	if ok {
		delete(c.live, key)
	} else if p, ok = c.down[key]; ok {
		delete(c.down, key)
	}
	if ok {
		c.detached[key] = p
		delete(c.hostInfo, key)
	}
	c.mu.Unlock()

	if ok {
		p.InvalidateAll()
	}
}

// Borrow selects a live Host under the least-active policy — the Host
// whose NumActive is minimum, ties broken deterministically in favour of
// the smallest Host string form — and borrows from its Per-Host Pool.
// Fails with a FatalError if no Host is currently live.
func (c *Cluster) Borrow(ctx context.Context) (*pool.Connection, error) {
	c.mu.Lock()
	if len(c.live) == 0 {
		c.mu.Unlock()
		return nil, &rpcerrors.FatalError{Reason: "cluster " + c.name + " has no live hosts"}
	}
	type candidate struct {
		key host.Key
		h   host.Host
		p   *pool.HostPool
	}
	candidates := make([]candidate, 0, len(c.live))
	for key, p := range c.live {
		candidates = append(candidates, candidate{key: key, h: c.hostInfo[key], p: p})
	}
	c.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].h.String() < candidates[j].h.String() })

	best := candidates[0]
	bestActive := best.p.NumActive()
	for _, cand := range candidates[1:] {
		if n := cand.p.NumActive(); n < bestActive {
			best, bestActive = cand, n
		}
	}
	return best.p.Borrow(ctx)
}

// BorrowHost borrows directly from h's Per-Host Pool, registering h first
// (as live) if it isn't already known.
func (c *Cluster) BorrowHost(ctx context.Context, h host.Host) (*pool.Connection, error) {
	c.AddHost(h)
	key := h.Key()
	c.mu.Lock()
	p, ok := c.live[key]
	if !ok {
		p, ok = c.down[key]
	}
	c.mu.Unlock()
	if !ok {
		return nil, &rpcerrors.FatalError{Reason: "host " + h.String() + " not tracked"}
	}
	return p.Borrow(ctx)
}

// BorrowList picks a random Host from hosts and borrows from it; on
// failure it removes that candidate from consideration and retries on
// another, failing only once the candidate list is exhausted.
func (c *Cluster) BorrowList(ctx context.Context, hosts []host.Host) (*pool.Connection, error) {
	candidates := append([]host.Host(nil), hosts...)
	var lastErr error
	for len(candidates) > 0 {
		idx := rand.Intn(len(candidates))
		h := candidates[idx]
		conn, err := c.BorrowHost(ctx, h)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		candidates = append(candidates[:idx], candidates[idx+1:]...)
	}
	if lastErr == nil {
		lastErr = &rpcerrors.FatalError{Reason: "BorrowList called with an empty host list"}
	}
	return nil, lastErr
}

// Release routes conn to the Per-Host Pool that owns its Host, whether
// that pool is currently live, down, or detached (removed but still
// draining stragglers).
func (c *Cluster) Release(conn *pool.Connection) error {
	p, err := c.poolFor(conn)
	if err != nil {
		return err
	}
	return p.Release(conn)
}

// Invalidate routes conn to its owning Per-Host Pool for destruction.
func (c *Cluster) Invalidate(conn *pool.Connection) error {
	p, err := c.poolFor(conn)
	if err != nil {
		return err
	}
	p.Invalidate(conn)
	return nil
}

func (c *Cluster) poolFor(conn *pool.Connection) (*pool.HostPool, error) {
	if conn == nil {
		return nil, &rpcerrors.FatalError{Reason: "release/invalidate of nil connection"}
	}
	key := conn.Host().Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.live[key]; ok {
		return p, nil
	}
	if p, ok := c.down[key]; ok {
		return p, nil
	}
	if p, ok := c.detached[key]; ok {
		return p, nil
	}
	return nil, &rpcerrors.FatalError{Reason: "no pool owns connection for host " + conn.Host().String()}
}

// LiveHosts returns a snapshot of the currently live Hosts.
func (c *Cluster) LiveHosts() []host.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]host.Host, 0, len(c.live))
	for key := range c.live {
		out = append(out, c.hostInfo[key])
	}
	return out
}

// DownHosts returns a snapshot of the currently down Hosts.
func (c *Cluster) DownHosts() []host.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]host.Host, 0, len(c.down))
	for key := range c.down {
		out = append(out, c.hostInfo[key])
	}
	return out
}

// KnownHosts returns a snapshot of every Host the cluster is currently
// tracking, live or down (the union of LiveHosts and DownHosts). Detached
// Hosts, already removed via RemoveHost, are not included.
func (c *Cluster) KnownHosts() []host.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]host.Host, 0, len(c.live)+len(c.down))
	for key := range c.live {
		out = append(out, c.hostInfo[key])
	}
	for key := range c.down {
		out = append(out, c.hostInfo[key])
	}
	return out
}

// LastProbeResult returns h's most recent liveness-probe outcome and
// whether it has been probed at all yet.
func (c *Cluster) LastProbeResult(h host.Host) (ok bool, found bool) {
	return c.probeHistory.Get(h.Key())
}

// TotalActive sums NumActive across every live Per-Host Pool.
func (c *Cluster) TotalActive() int {
	c.mu.Lock()
	pools := make([]*pool.HostPool, 0, len(c.live))
	for _, p := range c.live {
		pools = append(pools, p)
	}
	c.mu.Unlock()
	total := 0
	for _, p := range pools {
		total += p.NumActive()
	}
	return total
}

// Shutdown stops the probe loop (if running) and invalidates every pool
// the cluster owns, live, down, and detached.
func (c *Cluster) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.Lock()
	all := make([]*pool.HostPool, 0, len(c.live)+len(c.down)+len(c.detached))
	for _, p := range c.live {
		all = append(all, p)
	}
	for _, p := range c.down {
		all = append(all, p)
	}
	for _, p := range c.detached {
		all = append(all, p)
	}
	c.mu.Unlock()

	for _, p := range all {
		p.Shutdown()
	}
	logger.Info("cluster shut down", "cluster", c.name)
}
