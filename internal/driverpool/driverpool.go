// Package driverpool is a bounded LRU over activatable native driver
// handles: a native driver handle is exclusively owned by its current
// leaseholder. At most maxActive handles are open concurrently;
// acquiring past that bound deactivates the least-recently-released
// handle. Concurrent acquires of the same uid serialize rather than
// racing to open the handle twice.
package driverpool

import (
	"container/list"
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/georecipe/georecipe/internal/errkind"
)

// Handle is a native resource (an open driver) managed by the pool.
type Handle interface {
	Close() error
}

// Allocator opens a fresh Handle for a uid not currently active.
type Allocator func(ctx context.Context) (Handle, error)

type entryState int

const (
	stateOpening entryState = iota
	stateIdle
	stateLeased
)

type poolEntry struct {
	handle Handle
	state  entryState
	elem   *list.Element // valid only while state == stateIdle
}

// Pool is the bounded activation LRU.
type Pool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	maxActive int
	entries   map[string]*poolEntry
	idle      *list.List // front = least-recently-released, back = most-recently-released
}

// New creates a Pool that keeps at most maxActive handles open at once.
func New(maxActive int) (*Pool, error) {
	if maxActive < 1 {
		return nil, errkind.Newf(errkind.BadArgument, "max_active must be >= 1, got %d", maxActive)
	}
	p := &Pool{maxActive: maxActive, entries: make(map[string]*poolEntry), idle: list.New()}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Lease is a scoped handle returned by Acquire; the caller must call
// Release exactly once.
type Lease struct {
	pool   *Pool
	uid    string
	Handle Handle
}

// Release returns the handle to the idle pool, making it eligible for
// reuse or eviction.
func (l *Lease) Release() {
	l.pool.release(l.uid)
}

// Acquire leases the handle for uid, allocating it via allocate if not
// already active. Blocks if uid is currently leased by another caller,
// or if the pool is full of leased/opening handles with no idle entry
// to evict.
func (p *Pool) Acquire(ctx context.Context, uid string, allocate Allocator) (*Lease, error) {
	p.mu.Lock()
	for {
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "acquiring driver "+uid)
		}
		if e, ok := p.entries[uid]; ok {
			switch e.state {
			case stateIdle:
				p.idle.Remove(e.elem)
				e.elem = nil
				e.state = stateLeased
				p.mu.Unlock()
				return &Lease{pool: p, uid: uid, Handle: e.handle}, nil
			default: // leased or still opening elsewhere: serialize on this uid
				p.cond.Wait()
				continue
			}
		}

		if len(p.entries) >= p.maxActive {
			front := p.idle.Front()
			if front == nil {
				// every active slot is leased or opening; wait for a release.
				p.cond.Wait()
				continue
			}
			evictUID := front.Value.(string)
			evictEntry := p.entries[evictUID]
			p.idle.Remove(front)
			delete(p.entries, evictUID)
			p.mu.Unlock()
			_ = evictEntry.handle.Close()
			p.mu.Lock()
			p.cond.Broadcast()
			continue
		}

		// Reserve a placeholder so concurrent Acquire(uid) calls wait on
		// this allocation instead of opening the handle twice.
		placeholder := &poolEntry{state: stateOpening}
		p.entries[uid] = placeholder
		p.mu.Unlock()

		handle, err := allocate(ctx)

		p.mu.Lock()
		if err != nil {
			delete(p.entries, uid)
			p.cond.Broadcast()
			p.mu.Unlock()
			return nil, errkind.Wrap(errkind.DriverError, err, "activating driver "+uid)
		}
		placeholder.handle = handle
		placeholder.state = stateLeased
		p.cond.Broadcast()
		p.mu.Unlock()
		return &Lease{pool: p, uid: uid, Handle: handle}, nil
	}
}

func (p *Pool) release(uid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[uid]
	if !ok {
		return
	}
	e.state = stateIdle
	e.elem = p.idle.PushBack(uid)
	p.cond.Broadcast()
}

// ActiveCount returns the number of handles currently open (idle or
// leased). The pool's invariant is ActiveCount() <= maxActive at
// every moment.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ActivateAll opens every uid in allocators at once. Fails with
// TooMany without opening anything if there are more sources than
// maxActive. The order in which individual handles are opened is
// incidental.
func (p *Pool) ActivateAll(ctx context.Context, allocators map[string]Allocator) error {
	if len(allocators) > p.maxActive {
		return errkind.Newf(errkind.TooMany, "cannot activate %d sources with max_active=%d", len(allocators), p.maxActive)
	}
	g, gctx := errgroup.WithContext(ctx)
	for uid, alloc := range allocators {
		uid, alloc := uid, alloc
		g.Go(func() error {
			lease, err := p.Acquire(gctx, uid, alloc)
			if err != nil {
				return err
			}
			lease.Release()
			return nil
		})
	}
	return g.Wait()
}

// Evict forcibly closes and removes uid's handle if it is currently
// idle. A no-op if uid is not present or is currently leased — callers
// that need to guarantee closure must Release their lease first. Used
// by a source's Close to ensure its native handle is actually shut
// down rather than merely returned to the idle pool for reuse.
func (p *Pool) Evict(uid string) error {
	p.mu.Lock()
	e, ok := p.entries[uid]
	if !ok || e.state != stateIdle {
		p.mu.Unlock()
		return nil
	}
	p.idle.Remove(e.elem)
	delete(p.entries, uid)
	p.cond.Broadcast()
	p.mu.Unlock()
	return e.handle.Close()
}

// DeactivateAll closes every currently active handle, blocking until
// any outstanding leases are released: deactivating a leased source
// is forbidden until it is released.
func (p *Pool) DeactivateAll() error {
	p.mu.Lock()
	for {
		busy := false
		for _, e := range p.entries {
			if e.state != stateIdle {
				busy = true
				break
			}
		}
		if !busy {
			break
		}
		p.cond.Wait()
	}

	handles := make([]Handle, 0, len(p.entries))
	for uid, e := range p.entries {
		handles = append(handles, e.handle)
		delete(p.entries, uid)
	}
	p.idle = list.New()
	p.mu.Unlock()

	var errs *multierror.Error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
