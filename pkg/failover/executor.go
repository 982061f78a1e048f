package failover

import (
	"context"
	"time"

	"clusterpool/pkg/cluster"
	"clusterpool/pkg/host"
	"clusterpool/pkg/metrics"
	"clusterpool/pkg/pool"
	"clusterpool/pkg/rpcerrors"
)

// Operation is an application-supplied unit of work run against a borrowed
// Connection at a given (possibly degraded) consistency level. It returns a
// result of any type T, or an error the Executor's Classifier can classify.
type Operation[T any] func(ctx context.Context, conn *pool.Connection, level ConsistencyLevel) (T, error)

// Executor is the Failover Executor (spec.md §4.6): it wraps an Operation
// with borrow/run/classify/retry logic driven by a Policy.
type Executor struct {
	Cluster    *cluster.Cluster
	Policy     Policy
	Classifier rpcerrors.Classifier
	Sink       metrics.Sink
}

// NewExecutor constructs an Executor. sink may be metrics.NoOpSink{} if the
// caller doesn't need diagnostics.
func NewExecutor(c *cluster.Cluster, policy Policy, classifier rpcerrors.Classifier, sink metrics.Sink) *Executor {
	return &Executor{Cluster: c, Policy: policy, Classifier: classifier, Sink: sink}
}

// Execute runs op, retrying across hosts per the configured Policy.
// requestedLevel is the caller's originally-desired consistency level; the
// Policy may ask for a degraded level on any given attempt. Every borrowed
// Connection is paired with exactly one Release or Invalidate, on every
// exit path.
func Execute[T any](ctx context.Context, ex *Executor, requestedLevel ConsistencyLevel, op Operation[T]) (T, error) {
	var zero T
	var conn *pool.Connection
	var triedHosts []host.Host
	var lastErr error
	attempt := 0

	for {
		if conn == nil {
			borrowed, err := ex.borrow(ctx, attempt, triedHosts)
			if err != nil {
				ex.Sink.Increment(metrics.RecoverableLBConnectErrors)
				return zero, err
			}
			conn = borrowed
		}
		triedHosts = appendHostIfMissing(triedHosts, conn.Host())

		level := ex.Policy.CheckConsistency(requestedLevel)
		result, err := op(ctx, conn, level)
		if err == nil {
			_ = ex.Cluster.Release(conn)
			return result, nil
		}

		kind := ex.Classifier.Classify(err)
		if !kind.Retryable() {
			_ = ex.Cluster.Release(conn)
			return zero, err
		}

		conn.MarkError()
		_ = ex.Cluster.Invalidate(conn)
		conn = nil
		lastErr = err

		switch kind {
		case rpcerrors.KindTimeout:
			ex.Policy.HandleTimeout(attempt)
			ex.Sink.Increment(metrics.RecoverableTimedOutExceptions)
		case rpcerrors.KindUnavailable:
			ex.Policy.HandleUnavailable(attempt, requestedLevel)
			ex.Sink.Increment(metrics.RecoverableUnavailableExceptions)
		case rpcerrors.KindTransport:
			ex.Policy.HandleTransportError(attempt, requestedLevel)
			ex.Sink.Increment(metrics.RecoverableTransportExceptions)
		}

		attempt++
		if cap := ex.Policy.NumRetries(); cap < 0 {
			// Unbounded (TRY_ALL): stop once every live Host has been tried.
			if len(untried(ex.Cluster.LiveHosts(), triedHosts)) == 0 {
				return zero, lastErr
			}
		} else if attempt > cap {
			return zero, lastErr
		}

		if sleep := ex.Policy.SleepBetweenHosts(); sleep > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(sleep):
			}
		}
	}
}

// borrow obtains a Connection for the next attempt: the first attempt uses
// least-active selection; later attempts prefer a live Host not yet tried
// in this invocation, falling back to least-active if every live Host has
// already been tried.
func (ex *Executor) borrow(ctx context.Context, attempt int, tried []host.Host) (*pool.Connection, error) {
	if attempt == 0 {
		return ex.Cluster.Borrow(ctx)
	}
	candidates := untried(ex.Cluster.LiveHosts(), tried)
	if len(candidates) == 0 {
		return ex.Cluster.Borrow(ctx)
	}
	return ex.Cluster.BorrowList(ctx, candidates)
}

func untried(live, tried []host.Host) []host.Host {
	if len(tried) == 0 {
		return live
	}
	seen := make(map[host.Key]struct{}, len(tried))
	for _, h := range tried {
		seen[h.Key()] = struct{}{}
	}
	out := make([]host.Host, 0, len(live))
	for _, h := range live {
		if _, ok := seen[h.Key()]; !ok {
			out = append(out, h)
		}
	}
	return out
}

func appendHostIfMissing(hosts []host.Host, h host.Host) []host.Host {
	for _, existing := range hosts {
		if existing.Equal(h) {
			return hosts
		}
	}
	return append(hosts, h)
}
