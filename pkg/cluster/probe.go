package cluster

import (
	"context"
	"time"

	"clusterpool/pkg/host"
	"clusterpool/pkg/logger"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// StartProbeLoop launches the single background health-probe worker
// (spec.md §4.5): every interval it probes every down Host (promoting the
// reachable ones to live) and every live Host (demoting the unreachable
// ones to down). A coalescing guard skips a tick that fires less than 10s
// after the previous pass finished. Exceptions inside a pass are logged and
// never terminate the scheduler. Call Shutdown to stop it.
func (c *Cluster) StartProbeLoop(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.runProbePass(context.Background())
			}
		}
	}()
}

type probeResult struct {
	key host.Key
	h   host.Host
	ok  bool
}

// runProbePass performs one probe pass. It fans the individual host
// probes out concurrently via errgroup, since each is independent I/O and
// spec.md §4.5 only requires the pass to finish and be timestamped, not
// that hosts are probed in a particular order.
func (c *Cluster) runProbePass(ctx context.Context) {
	if !c.limiter.Allow() {
		logger.Debug("probe pass coalesced", "cluster", c.name)
		return
	}

	c.mu.Lock()
	downCandidates := make([]probeResult, 0, len(c.down))
	for key := range c.down {
		downCandidates = append(downCandidates, probeResult{key: key, h: c.hostInfo[key]})
	}
	liveCandidates := make([]probeResult, 0, len(c.live))
	for key := range c.live {
		liveCandidates = append(liveCandidates, probeResult{key: key, h: c.hostInfo[key]})
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := range downCandidates {
		i := i
		g.Go(func() error {
			downCandidates[i].ok = c.probeHost(gctx, downCandidates[i].h)
			return nil
		})
	}
	for i := range liveCandidates {
		i := i
		g.Go(func() error {
			liveCandidates[i].ok = c.probeHost(gctx, liveCandidates[i].h)
			return nil
		})
	}
	_ = g.Wait() // probeHost never returns an error; nothing to aggregate

	for _, r := range downCandidates {
		c.probeHistory.Add(r.key, r.ok)
	}
	for _, r := range liveCandidates {
		c.probeHistory.Add(r.key, r.ok)
	}

	c.mu.Lock()
	for _, r := range downCandidates {
		if r.ok {
			if p, ok := c.down[r.key]; ok {
				delete(c.down, r.key)
				c.live[r.key] = p
			}
		}
	}
	for _, r := range liveCandidates {
		if !r.ok {
			if p, ok := c.live[r.key]; ok {
				delete(c.live, r.key)
				c.down[r.key] = p
			}
		}
	}
	c.mu.Unlock()

	for _, r := range downCandidates {
		if r.ok {
			logger.Info("host promoted to live", "cluster", c.name, "host", r.h.String())
		}
	}
	for _, r := range liveCandidates {
		if !r.ok {
			logger.Warn("host demoted to down", "cluster", c.name, "host", r.h.String())
		}
	}

	// Restart the coalescing window from the moment this pass finished.
	finished := rate.NewLimiter(rate.Every(10*time.Second), 1)
	finished.Allow()
	c.limiter = finished
}

// probeHost opens a one-shot connection outside of any pool and issues a
// single trivial RPC; it never borrows from the pool being judged. Any
// failure (dial, write, read, or non-nil RPC error) counts as a failed
// probe and is logged, not propagated.
func (c *Cluster) probeHost(ctx context.Context, h host.Host) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	ch, err := c.factory.Dial(probeCtx, h)
	if err != nil {
		logger.Debug("probe dial failed", "host", h.String(), "err", err)
		return false
	}
	defer ch.Close()

	if _, err := ch.Call(probeCtx, c.probeOp); err != nil {
		logger.Debug("probe rpc failed", "host", h.String(), "err", err)
		return false
	}
	return true
}
