package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeConn struct {
	id     int
	valid  atomic.Bool
	closed atomic.Bool
}

func newFakeConn(id int) *fakeConn {
	c := &fakeConn{id: id}
	c.valid.Store(true)
	return c
}

func (c *fakeConn) IsValid() bool { return c.valid.Load() }
func (c *fakeConn) Reset() error  { return nil }
func (c *fakeConn) Close() error  { c.closed.Store(true); return nil }

func fakeFactory() (Factory[*fakeConn], *atomic.Int64) {
	var next atomic.Int64
	return func(ctx context.Context) (*fakeConn, error) {
		id := int(next.Add(1))
		return newFakeConn(id), nil
	}, &next
}

func TestPool_AcquireRelease(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	factory, _ := fakeFactory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, Config{MinSize: 0, MaxSize: 2}, factory)
	defer func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	}()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if stats := p.Stats(); stats.InUse != 1 {
		t.Errorf("Stats().InUse = %d, want 1", stats.InUse)
	}

	p.Release(c)
	if stats := p.Stats(); stats.InUse != 0 || stats.Idle != 1 {
		t.Errorf("Stats() after release = %+v, want InUse=0 Idle=1", stats)
	}
}

func TestPool_AcquireTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	factory, _ := fakeFactory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, Config{MinSize: 0, MaxSize: 1}, factory)
	defer func() { _ = p.Close() }()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer p.Release(c)

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancelTimeout()

	if _, err := p.Acquire(timeoutCtx); err != ErrAcquireTimeout {
		t.Errorf("Acquire() on full pool = %v, want ErrAcquireTimeout", err)
	}
}

func TestPool_AcquireAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	factory, _ := fakeFactory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, Config{MinSize: 0, MaxSize: 1}, factory)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if _, err := p.Acquire(ctx); err != ErrPoolClosed {
		t.Errorf("Acquire() after Close() = %v, want ErrPoolClosed", err)
	}
}

func TestPool_OnInUseChange(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	factory, _ := fakeFactory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []int

	p := New(ctx, Config{MinSize: 0, MaxSize: 2, OnInUseChange: func(inUse int) {
		mu.Lock()
		seen = append(seen, inUse)
		mu.Unlock()
	}}, factory)
	defer func() { _ = p.Close() }()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	p.Release(c)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 0 {
		t.Errorf("OnInUseChange callbacks = %v, want [1 0]", seen)
	}
}

// TestPool_ConcurrentSafety covers the "pool safety" invariant: concurrent
// acquire/release on a pool of capacity C never hands out more than C
// connections concurrently, and every acquired connection is eventually
// released back.
func TestPool_ConcurrentSafety(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	const capacity = 4
	const workers = 32
	const iterations = 50

	factory, _ := fakeFactory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, Config{MinSize: 0, MaxSize: capacity}, factory)
	defer func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	}()

	var concurrent atomic.Int64
	var maxConcurrent atomic.Int64
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				c, err := p.Acquire(ctx)
				if err != nil {
					t.Errorf("Acquire() error: %v", err)
					return
				}

				n := concurrent.Add(1)
				for {
					prev := maxConcurrent.Load()
					if n <= prev || maxConcurrent.CompareAndSwap(prev, n) {
						break
					}
				}
				concurrent.Add(-1)

				p.Release(c)
			}
		}()
	}
	wg.Wait()

	if got := maxConcurrent.Load(); got > capacity {
		t.Errorf("observed %d concurrently acquired connections, want <= %d", got, capacity)
	}
	if stats := p.Stats(); stats.InUse != 0 {
		t.Errorf("Stats().InUse = %d after all workers finished, want 0", stats.InUse)
	}
}

func TestPool_InvalidIdleConnReplaced(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var next atomic.Int64
	factory := func(ctx context.Context) (*fakeConn, error) {
		return newFakeConn(int(next.Add(1))), nil
	}

	p := New(ctx, Config{MinSize: 0, MaxSize: 2}, factory)
	defer func() { _ = p.Close() }()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	c.valid.Store(false)
	p.Release(c)

	if !c.closed.Load() {
		t.Error("Release() of invalid conn did not close it")
	}

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire() error: %v", err)
	}
	if c2.id == c.id {
		t.Error("Acquire() handed back a closed, invalid connection")
	}
	p.Release(c2)
}

func TestPool_FillToMinReachesReady(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	factory, calls := fakeFactory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, Config{MinSize: 3, MaxSize: 5}, factory)
	defer func() { _ = p.Close() }()

	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("pool never became ready")
	}

	if stats := p.Stats(); stats.Idle < 3 {
		t.Errorf("Stats().Idle = %d, want >= 3", stats.Idle)
	}
	if got := calls.Load(); got < 3 {
		t.Errorf("factory calls = %d, want >= 3", got)
	}
}

func TestPool_BackoffOnFactoryFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	var attempts atomic.Int64
	factory := func(ctx context.Context) (*fakeConn, error) {
		n := attempts.Add(1)
		if n < 3 {
			return nil, fmt.Errorf("boom %d", n)
		}
		return newFakeConn(int(n)), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, Config{MinSize: 1, MaxSize: 1, BackoffBase: time.Millisecond, BackoffCap: 10 * time.Millisecond}, factory)
	defer func() { _ = p.Close() }()

	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("pool never recovered from factory failures")
	}

	if got := attempts.Load(); got < 3 {
		t.Errorf("attempts = %d, want >= 3", got)
	}
}
