package driverpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/georecipe/georecipe/internal/errkind"
)

type fakeHandle struct {
	id     string
	closed atomic.Bool
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func allocatorFor(id string, opens *atomic.Int32) Allocator {
	return func(ctx context.Context) (Handle, error) {
		opens.Add(1)
		return &fakeHandle{id: id}, nil
	}
}

func TestAcquireRelease_Roundtrip(t *testing.T) {
	p, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var opens atomic.Int32
	lease, err := p.Acquire(context.Background(), "a", allocatorFor("a", &opens))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", p.ActiveCount())
	}
	lease.Release()

	lease2, err := p.Acquire(context.Background(), "a", allocatorFor("a", &opens))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease2.Release()
	if opens.Load() != 1 {
		t.Errorf("allocator called %d times, want 1 (reuse expected)", opens.Load())
	}
}

func TestAcquire_EvictsLeastRecentlyReleased(t *testing.T) {
	p, _ := New(1)
	var opens atomic.Int32
	leaseA, _ := p.Acquire(context.Background(), "a", allocatorFor("a", &opens))
	handleA := leaseA.Handle.(*fakeHandle)
	leaseA.Release()

	leaseB, err := p.Acquire(context.Background(), "b", allocatorFor("b", &opens))
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if !handleA.closed.Load() {
		t.Error("expected handle a to be evicted/closed when pool is full")
	}
	leaseB.Release()
	if p.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", p.ActiveCount())
	}
}

func TestAcquire_SerializesSameUID(t *testing.T) {
	p, _ := New(1)
	var opens atomic.Int32
	alloc := allocatorFor("a", &opens)

	lease1, err := p.Acquire(context.Background(), "a", alloc)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		lease2, err := p.Acquire(context.Background(), "a", alloc)
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			close(done)
			return
		}
		lease2.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Acquire of same uid completed before first Release")
	case <-time.After(30 * time.Millisecond):
	}

	lease1.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never unblocked after Release")
	}
	if opens.Load() != 1 {
		t.Errorf("allocator called %d times for same uid, want 1", opens.Load())
	}
}

func TestActivateAll_FailsWithTooMany(t *testing.T) {
	p, _ := New(1)
	var opens atomic.Int32
	allocators := map[string]Allocator{
		"a": allocatorFor("a", &opens),
		"b": allocatorFor("b", &opens),
	}
	err := p.ActivateAll(context.Background(), allocators)
	if !errkind.Is(err, errkind.TooMany) {
		t.Fatalf("expected TooMany, got %v", err)
	}
	if opens.Load() != 0 {
		t.Errorf("ActivateAll should not open anything on TooMany, opened %d", opens.Load())
	}
}

func TestActivateAll_OpensEverySource(t *testing.T) {
	p, _ := New(3)
	var opens atomic.Int32
	allocators := map[string]Allocator{
		"a": allocatorFor("a", &opens),
		"b": allocatorFor("b", &opens),
		"c": allocatorFor("c", &opens),
	}
	if err := p.ActivateAll(context.Background(), allocators); err != nil {
		t.Fatalf("ActivateAll: %v", err)
	}
	if p.ActiveCount() != 3 {
		t.Fatalf("ActiveCount = %d, want 3", p.ActiveCount())
	}
}

func TestDeactivateAll_BlocksUntilLeasesReleased(t *testing.T) {
	p, _ := New(2)
	var opens atomic.Int32
	lease, _ := p.Acquire(context.Background(), "a", allocatorFor("a", &opens))

	var wg sync.WaitGroup
	wg.Add(1)
	deactivated := make(chan struct{})
	go func() {
		defer wg.Done()
		if err := p.DeactivateAll(); err != nil {
			t.Errorf("DeactivateAll: %v", err)
		}
		close(deactivated)
	}()

	select {
	case <-deactivated:
		t.Fatal("DeactivateAll returned while a lease was still outstanding")
	case <-time.After(30 * time.Millisecond):
	}

	lease.Release()
	wg.Wait()
	if p.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0 after DeactivateAll", p.ActiveCount())
	}
}

func TestPool_ActiveCountInvariant(t *testing.T) {
	p, _ := New(2)
	var opens atomic.Int32
	for i, uid := range []string{"a", "b", "c", "d"} {
		lease, err := p.Acquire(context.Background(), uid, allocatorFor(uid, &opens))
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if p.ActiveCount() > 2 {
			t.Fatalf("ActiveCount exceeded max_active: %d", p.ActiveCount())
		}
		lease.Release()
	}
}
