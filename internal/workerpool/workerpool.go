// Package workerpool provides named, bounded-concurrency worker pools
// for the recipe scheduler: each worker receives an immutable task
// description, produces an immutable result, and posts it back to
// the scheduler. Pools are identified by name (computation_pool,
// merge_pool, io_pool, resample_pool, or a caller-supplied pool) and
// created lazily on first use.
package workerpool

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/georecipe/georecipe/internal/errkind"
)

// Task is an immutable unit of work submitted to a Pool.
type Task func(ctx context.Context) (interface{}, error)

// Result is the outcome of exactly one Task.
type Result struct {
	Value interface{}
	Err   error
}

// Pool bounds concurrent Task execution to a fixed number of in-flight
// tasks.
type Pool struct {
	name   string
	sem    *semaphore.Weighted
	inline bool

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool allowing up to concurrency tasks to run at once.
func New(name string, concurrency int) (*Pool, error) {
	if concurrency < 1 {
		return nil, errkind.Newf(errkind.BadArgument, "pool %q concurrency must be >= 1, got %d", name, concurrency)
	}
	return &Pool{name: name, sem: semaphore.NewWeighted(int64(concurrency))}, nil
}

// Inline returns the sentinel "run on the caller's goroutine, right
// now" pool, used for primitives cheap enough that a goroutine hop
// would cost more than it saves.
func Inline() *Pool {
	return &Pool{name: "inline", inline: true}
}

func (p *Pool) Name() string { return p.name }

// Submit runs task under the pool's concurrency bound and delivers
// exactly one Result on the returned channel. For the inline pool,
// task runs synchronously within Submit; otherwise it runs on its own
// goroutine once a slot is available.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan Result, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errkind.Newf(errkind.Closed, "pool %q is closed", p.name)
	}

	out := make(chan Result, 1)
	if p.inline {
		v, err := task(ctx)
		out <- Result{Value: v, Err: err}
		close(out)
		return out, nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(out)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			out <- Result{Err: errkind.Wrap(errkind.Cancelled, err, "acquiring pool "+p.name+" slot")}
			return
		}
		defer p.sem.Release(1)
		v, err := task(ctx)
		out <- Result{Value: v, Err: err}
	}()
	return out, nil
}

// Join marks the pool closed to further submissions and waits for
// every in-flight task to finish; it is the step that joins in-flight
// worker tasks during the registry close cascade.
func (p *Pool) Join() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if !p.inline {
		p.wg.Wait()
	}
	return nil
}

// Manager lazily creates and tracks named pools: the first caller to
// ask for a given name picks its concurrency; later callers reuse it.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates an empty pool manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

// Get returns the named pool, creating it with defaultConcurrency on
// first request. An empty name returns the inline sentinel pool.
func (m *Manager) Get(name string, defaultConcurrency int) (*Pool, error) {
	if name == "" {
		return Inline(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[name]; ok {
		return p, nil
	}
	p, err := New(name, defaultConcurrency)
	if err != nil {
		return nil, err
	}
	m.pools[name] = p
	return p, nil
}

// JoinAll joins every pool created so far. Intended as the
// registry.JoinFunc hook for the close cascade.
func (m *Manager) JoinAll() error {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	var errs *multierror.Error
	for _, p := range pools {
		if err := p.Join(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
