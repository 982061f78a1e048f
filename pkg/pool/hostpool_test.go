package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clusterpool/pkg/host"
	"clusterpool/pkg/rpcerrors"
	"clusterpool/pkg/transport"
)

type fakeChannel struct{}

func (fakeChannel) Call(ctx context.Context, op []byte) ([]byte, error) { return op, nil }
func (fakeChannel) Close() error                                        { return nil }

type fakeFactory struct {
	mu      sync.Mutex
	dials   int
	failAll bool
}

func (f *fakeFactory) Dial(ctx context.Context, h host.Host) (transport.Channel, error) {
	f.mu.Lock()
	f.dials++
	fail := f.failAll
	f.mu.Unlock()
	if fail {
		return nil, &rpcerrors.TransportError{Host: h.String(), Err: errors.New("dial refused")}
	}
	return fakeChannel{}, nil
}

func testHost(t *testing.T, maxPoolSize, maxIdle int, borrowTimeout time.Duration) host.Host {
	t.Helper()
	return host.New("127.0.0.1", 9999,
		host.WithMaxPoolSize(maxPoolSize),
		host.WithMaxIdle(maxIdle),
		host.WithBorrowTimeout(borrowTimeout),
		host.WithSocketTimeout(time.Second),
	)
}

// TestBorrowExceedsCapacityTimesOut is spec.md §8 scenario 6: a pool with
// maxActive=N, all N borrowed, an (N+1)th Borrow blocks and returns
// PoolExhaustedError once BorrowTimeout elapses.
func TestBorrowExceedsCapacityTimesOut(t *testing.T) {
	h := testHost(t, 2, 2, 50*time.Millisecond)
	p := NewHostPool(h, &fakeFactory{})
	ctx := context.Background()

	c1, err := p.Borrow(ctx)
	if err != nil {
		t.Fatalf("borrow 1: %v", err)
	}
	c2, err := p.Borrow(ctx)
	if err != nil {
		t.Fatalf("borrow 2: %v", err)
	}

	start := time.Now()
	_, err = p.Borrow(ctx)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected PoolExhaustedError, got nil")
	}
	var pe *rpcerrors.PoolExhaustedError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PoolExhaustedError, got %T: %v", err, err)
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}

	_ = p.Release(c1)
	_ = p.Release(c2)
}

// TestBorrowUnblocksOnRelease confirms a blocked Borrow is woken by a
// Release rather than waiting out its full timeout.
func TestBorrowUnblocksOnRelease(t *testing.T) {
	h := testHost(t, 1, 1, time.Second)
	p := NewHostPool(h, &fakeFactory{})
	ctx := context.Background()

	c1, err := p.Borrow(ctx)
	if err != nil {
		t.Fatalf("borrow 1: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Borrow(ctx)
		done <- err
	}()

	// Give the second borrow time to block before releasing.
	time.Sleep(20 * time.Millisecond)
	if n := p.NumBlockedThreads(); n != 1 {
		t.Fatalf("expected 1 blocked thread, got %d", n)
	}
	if err := p.Release(c1); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second borrow failed: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second borrow never unblocked")
	}
}

// TestReleaseStaleConnectionIsDestroyedNotRecycled checks that a Connection
// marked with an error is torn down on Release rather than returned to the
// idle set.
func TestReleaseStaleConnectionIsDestroyedNotRecycled(t *testing.T) {
	h := testHost(t, 2, 2, time.Second)
	factory := &fakeFactory{}
	p := NewHostPool(h, factory)
	ctx := context.Background()

	conn, err := p.Borrow(ctx)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	conn.MarkError()
	if err := p.Release(conn); err != nil {
		t.Fatalf("release: %v", err)
	}

	if n := p.NumIdle(); n != 0 {
		t.Fatalf("expected 0 idle after releasing a stale connection, got %d", n)
	}
	if !conn.IsStale() {
		t.Fatal("connection should remain stale")
	}
}

// TestMaxIdleEviction checks that releasing beyond MaxIdle destroys the
// excess connection instead of growing the idle set unboundedly.
func TestMaxIdleEviction(t *testing.T) {
	h := testHost(t, 3, 1, time.Second)
	p := NewHostPool(h, &fakeFactory{})
	ctx := context.Background()

	c1, _ := p.Borrow(ctx)
	c2, _ := p.Borrow(ctx)

	if err := p.Release(c1); err != nil {
		t.Fatalf("release c1: %v", err)
	}
	if n := p.NumIdle(); n != 1 {
		t.Fatalf("expected 1 idle, got %d", n)
	}
	if err := p.Release(c2); err != nil {
		t.Fatalf("release c2: %v", err)
	}
	if n := p.NumIdle(); n != 1 {
		t.Fatalf("expected idle capped at MaxIdle=1, got %d", n)
	}
}

// TestDoubleReleaseIsRejected is spec.md §8's "every successful borrow is
// followed by exactly one release or invalidate; double-release is
// rejected" property: a second Release of an already-released Connection
// must be refused rather than corrupting the active count or idle set.
func TestDoubleReleaseIsRejected(t *testing.T) {
	h := testHost(t, 2, 2, time.Second)
	p := NewHostPool(h, &fakeFactory{})
	ctx := context.Background()

	conn, err := p.Borrow(ctx)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := p.Release(conn); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if n := p.NumIdle(); n != 1 {
		t.Fatalf("expected 1 idle after first release, got %d", n)
	}
	if n := p.NumActive(); n != 0 {
		t.Fatalf("expected 0 active after first release, got %d", n)
	}

	err = p.Release(conn)
	var fatal *rpcerrors.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError on double release, got %T: %v", err, err)
	}
	if n := p.NumIdle(); n != 1 {
		t.Fatalf("expected idle set unchanged by rejected double release, got %d", n)
	}
	if n := p.NumActive(); n != 0 {
		t.Fatalf("expected active count unchanged by rejected double release, got %d", n)
	}
}

// TestReleaseHostMismatchIsFatal confirms the programmer-error path: a
// Connection for a different Host must never be accepted by Release.
func TestReleaseHostMismatchIsFatal(t *testing.T) {
	h := testHost(t, 1, 1, time.Second)
	other := host.New("10.0.0.1", 1234)
	p := NewHostPool(h, &fakeFactory{})

	foreign := newConnection(other, fakeChannel{})
	err := p.Release(foreign)
	var fatal *rpcerrors.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError, got %T: %v", err, err)
	}
}

// TestBorrowDialFailureDoesNotLeakCapacity verifies that a failed dial
// compensates the reserved active slot so later borrows still succeed.
func TestBorrowDialFailureDoesNotLeakCapacity(t *testing.T) {
	h := testHost(t, 1, 1, 50*time.Millisecond)
	factory := &fakeFactory{failAll: true}
	p := NewHostPool(h, factory)
	ctx := context.Background()

	if _, err := p.Borrow(ctx); err == nil {
		t.Fatal("expected dial failure")
	}
	if n := p.NumActive(); n != 0 {
		t.Fatalf("active slot leaked after dial failure: %d", n)
	}

	factory.mu.Lock()
	factory.failAll = false
	factory.mu.Unlock()

	conn, err := p.Borrow(ctx)
	if err != nil {
		t.Fatalf("borrow after recovered factory: %v", err)
	}
	_ = p.Release(conn)
}

// TestInvalidateAllDetachesStragglers confirms InvalidateAll leaves the
// idle set empty and that a borrower's later Release of a straggler is
// accepted and destroys the Connection instead of recycling it.
func TestInvalidateAllDetachesStragglers(t *testing.T) {
	h := testHost(t, 2, 2, time.Second)
	p := NewHostPool(h, &fakeFactory{})
	ctx := context.Background()

	idleConn, _ := p.Borrow(ctx)
	_ = p.Release(idleConn)
	borrowed, _ := p.Borrow(ctx)

	p.InvalidateAll()
	if n := p.NumIdle(); n != 0 {
		t.Fatalf("expected 0 idle after InvalidateAll, got %d", n)
	}

	if err := p.Release(borrowed); err != nil {
		t.Fatalf("release of straggler after InvalidateAll: %v", err)
	}
	if !borrowed.IsStale() {
		t.Fatal("straggler connection should be closed")
	}
}

// TestShutdownRejectsFurtherBorrows checks that Borrow on a shut-down pool
// returns a FatalError rather than blocking.
func TestShutdownRejectsFurtherBorrows(t *testing.T) {
	h := testHost(t, 1, 1, time.Second)
	p := NewHostPool(h, &fakeFactory{})
	p.Shutdown()

	_, err := p.Borrow(context.Background())
	var fatal *rpcerrors.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError, got %T: %v", err, err)
	}
}
