// Package registry is the library's top-level container: it tracks
// every opened/created source under a unique key, derives the
// registry's spatial-reference mode from the (sr_work, sr_fallback,
// sr_forced) triple, and owns the close cascade that drains the
// scheduler, joins worker pools, and closes every source in turn.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/sr"
)

// SRMode is the registry-wide spatial-reference handling mode, derived
// once at construction from which of sr_work/sr_fallback/sr_forced
// were supplied.
type SRMode int

const (
	SRModeNone SRMode = iota
	SRModeWork
	SRModeFallback
	SRModeForced
)

// SRConfig is the resolved spatial-reference configuration for a
// registry; it is immutable once derived.
type SRConfig struct {
	Mode                  SRMode
	Work                  sr.Ref
	Fallback              sr.Ref
	Forced                sr.Ref
	AnalyseTransformation bool
}

// DeriveSRMode validates the (sr_work, sr_fallback, sr_forced) triple
// against the set of legal combinations and returns the resolved
// SRConfig, or BadSrMode for any other combination.
func DeriveSRMode(work, fallback, forced sr.Ref, analyseTransformation bool) (SRConfig, error) {
	hasWork, hasFallback, hasForced := !work.IsZero(), !fallback.IsZero(), !forced.IsZero()

	switch {
	case !hasWork && !hasFallback && !hasForced:
		return SRConfig{Mode: SRModeNone, AnalyseTransformation: analyseTransformation}, nil
	case hasWork && !hasFallback && !hasForced:
		return SRConfig{Mode: SRModeWork, Work: work, AnalyseTransformation: analyseTransformation}, nil
	case hasWork && hasFallback && !hasForced:
		return SRConfig{Mode: SRModeFallback, Work: work, Fallback: fallback, AnalyseTransformation: analyseTransformation}, nil
	case hasWork && !hasFallback && hasForced:
		return SRConfig{Mode: SRModeForced, Work: work, Forced: forced, AnalyseTransformation: analyseTransformation}, nil
	default:
		return SRConfig{}, errkind.Newf(errkind.BadSrMode,
			"unsupported sr_work/sr_fallback/sr_forced combination (work=%v fallback=%v forced=%v)", work, fallback, forced)
	}
}

// ResolveSourceSR determines which SR a source's own geometry should
// be treated as being expressed in — the srcSR argument to
// sr.ConvertFootprint — given that source's declared sr_stored (the
// zero Ref if the source declares none).
func (c SRConfig) ResolveSourceSR(srStored sr.Ref) (sr.Ref, error) {
	switch c.Mode {
	case SRModeNone:
		return sr.Ref{}, nil
	case SRModeWork:
		if srStored.IsZero() {
			return sr.Ref{}, errkind.New(errkind.BadSrMode, "sr_work requires every source to declare sr_stored")
		}
		return srStored, nil
	case SRModeFallback:
		if srStored.IsZero() {
			return c.Fallback, nil
		}
		return srStored, nil
	case SRModeForced:
		return c.Forced, nil
	default:
		return sr.Ref{}, errkind.New(errkind.BadSrMode, "unknown sr mode")
	}
}

// WorkSR returns the registry's canonical sr_work, the zero Ref when
// the mode is SRModeNone.
func (c SRConfig) WorkSR() sr.Ref { return c.Work }

// Closer is the minimal capability every registered source must
// implement; internal/source's Source interface includes Close, its
// optional Writable/Activatable capabilities do not.
type Closer interface {
	Close() error
}

type entry struct {
	key       string
	anonymous bool
	source    Closer
}

// DrainFunc stops admission of new queries and cancels in-flight ones;
// JoinFunc waits for worker pools to finish outstanding tasks. The
// scheduler and worker pools register these with the registry so that
// Close can sequence drain, then join, then close every source.
type DrainFunc func() error
type JoinFunc func() error

// Registry is the library's source container.
type Registry struct {
	mu      sync.Mutex
	sr      SRConfig
	entries map[string]*entry
	order   []string
	closed  bool

	drain []DrainFunc
	join  []JoinFunc
}

// New creates an empty Registry under the given spatial-reference
// configuration.
func New(srConfig SRConfig) *Registry {
	return &Registry{sr: srConfig, entries: make(map[string]*entry)}
}

// SRConfig returns the registry's resolved spatial-reference mode.
func (r *Registry) SRConfig() SRConfig { return r.sr }

// RegisterDrain adds a hook invoked during Close before any worker
// pool is joined or source is closed.
func (r *Registry) RegisterDrain(fn DrainFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drain = append(r.drain, fn)
}

// RegisterJoin adds a hook invoked during Close after draining but
// before any source is closed.
func (r *Registry) RegisterJoin(fn JoinFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.join = append(r.join, fn)
}

// Register adds source under key. DuplicateKey if key is already
// taken, Closed if the registry has been closed.
func (r *Registry) Register(key string, source Closer) error {
	return r.register(key, false, source)
}

// RegisterAnonymous registers source under a generated, `a`-prefixed
// key and returns that key.
func (r *Registry) RegisterAnonymous(source Closer) (string, error) {
	key := "a:" + uuid.NewString()
	if err := r.register(key, true, source); err != nil {
		return "", err
	}
	return key, nil
}

func (r *Registry) register(key string, anonymous bool, source Closer) error {
	if key == "" {
		return errkind.New(errkind.BadArgument, "key must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errkind.New(errkind.Closed, "registry is closed")
	}
	if _, exists := r.entries[key]; exists {
		return errkind.Newf(errkind.DuplicateKey, "key %q already registered", key)
	}
	r.entries[key] = &entry{key: key, anonymous: anonymous, source: source}
	r.order = append(r.order, key)
	return nil
}

// Lookup returns the source registered under key.
func (r *Registry) Lookup(key string) (Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errkind.New(errkind.Closed, "registry is closed")
	}
	e, ok := r.entries[key]
	if !ok {
		return nil, errkind.Newf(errkind.UnknownKey, "no source registered under key %q", key)
	}
	return e.source, nil
}

// Contains reports whether key is currently registered.
func (r *Registry) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Item is one (key, source) pair returned by IterItems.
type Item struct {
	Key    string
	Source Closer
}

// IterItems returns every registered (key, source) pair, in
// registration order, as a point-in-time snapshot.
func (r *Registry) IterItems() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]Item, 0, len(r.order))
	for _, key := range r.order {
		if e, ok := r.entries[key]; ok {
			items = append(items, Item{Key: e.key, Source: e.source})
		}
	}
	return items
}

// Closed reports whether Close has already completed once.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close drains the scheduler, joins worker pools, then closes every
// registered source in registration order, aggregating any failures.
// A second call returns Closed: close succeeds once, then fails.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errkind.New(errkind.Closed, "registry already closed")
	}
	r.closed = true
	drain := append([]DrainFunc(nil), r.drain...)
	join := append([]JoinFunc(nil), r.join...)
	order := append([]string(nil), r.order...)
	entries := r.entries
	r.mu.Unlock()

	var errs *multierror.Error
	for _, fn := range drain {
		if err := fn(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, fn := range join {
		if err := fn(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, key := range order {
		e, ok := entries[key]
		if !ok {
			continue
		}
		if err := e.source.Close(); err != nil {
			errs = multierror.Append(errs, errkind.Wrap(errkind.DriverError, err, "closing source "+key))
		}
	}
	return errs.ErrorOrNil()
}
