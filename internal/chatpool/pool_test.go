package chatpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func counterCreateFn(calls *int32) CreateFn {
	return func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(calls, 1)
		return fmt.Sprintf("chat-%d", n), nil
	}
}

func TestAcquireProvisionsUpToCapacity(t *testing.T) {
	var calls int32
	pool := New(nil, 2, time.Hour)
	ctx := context.Background()

	l1, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	l2, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 provisioning calls, got %d", calls)
	}
	if l1.ChatID() == l2.ChatID() {
		t.Fatalf("expected distinct chat ids")
	}
}

func TestAcquireReusesReleasedSlot(t *testing.T) {
	var calls int32
	pool := New(nil, 1, time.Hour)
	ctx := context.Background()

	l1, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	id := l1.ChatID()
	l1.Release()

	l2, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if l2.ChatID() != id {
		t.Fatalf("expected reused slot %q, got %q", id, l2.ChatID())
	}
	if calls != 1 {
		t.Fatalf("expected exactly one provisioning call, got %d", calls)
	}
}

func TestAcquireBeyondCapacityQueuesAndIsHandedOffOnRelease(t *testing.T) {
	var calls int32
	pool := New(nil, 1, time.Hour)
	ctx := context.Background()

	l1, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	type res struct {
		lease *Lease
		err   error
	}
	resultCh := make(chan res, 1)
	go func() {
		l, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
		resultCh <- res{l, err}
	}()

	select {
	case <-resultCh:
		t.Fatalf("waiter should not have been serviced before release")
	case <-time.After(50 * time.Millisecond):
	}

	id := l1.ChatID()
	l1.Release()

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("waiter acquire: %v", r.err)
		}
		if r.lease.ChatID() != id {
			t.Fatalf("expected handed-off slot %q, got %q", id, r.lease.ChatID())
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never serviced")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one provisioning call, got %d", calls)
	}
}

func TestInvalidateProvisionsFreshSlotForWaiter(t *testing.T) {
	var calls int32
	pool := New(nil, 1, time.Hour)
	ctx := context.Background()

	l1, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	staleID := l1.ChatID()

	type res struct {
		lease *Lease
		err   error
	}
	resultCh := make(chan res, 1)
	go func() {
		l, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
		resultCh <- res{l, err}
	}()
	time.Sleep(20 * time.Millisecond)

	l1.Invalidate()

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("waiter acquire: %v", r.err)
		}
		if r.lease.ChatID() == staleID {
			t.Fatalf("waiter should have received a freshly provisioned slot")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never serviced")
	}
	if calls != 2 {
		t.Fatalf("expected 2 provisioning calls total, got %d", calls)
	}
}

func TestAcquireCancelsCleanlyWhileQueued(t *testing.T) {
	var calls int32
	pool := New(nil, 1, time.Hour)
	bg := context.Background()

	l1, err := pool.Acquire(bg, "p1", "https://x", "translate", counterCreateFn(&calls))
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	defer l1.Release()

	ctx, cancel := context.WithCancel(bg)
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}
}

func TestScaleWarmsNonBusySlotsUpToMax(t *testing.T) {
	var calls int32
	pool := New(nil, 3, time.Hour)
	pool.Scale(context.Background(), "p1", "https://x", "translate", 5, counterCreateFn(&calls))
	if calls != 3 {
		t.Fatalf("expected scale to be clamped to MaxSlotsPerKey=3, got %d calls", calls)
	}

	ks := pool.keyStateFor(PoolKey("p1", "translate", "https://x"))
	ks.mu.Lock()
	n := len(ks.slots)
	ks.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected 3 warmed slots, got %d", n)
	}
}

func TestAcquirePrunesIdleSlotsBeforeProvisioning(t *testing.T) {
	var calls int32
	pool := New(nil, 1, time.Millisecond)
	ctx := context.Background()

	l1, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	l1.Release()
	time.Sleep(5 * time.Millisecond)

	l2, err := pool.Acquire(ctx, "p1", "https://x", "translate", counterCreateFn(&calls))
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected stale slot pruned and a fresh one provisioned, got %d calls", calls)
	}
	_ = l2
}
