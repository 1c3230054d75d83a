// Package recipe implements the cached raster recipe engine: a
// lazily-evaluated, tile-oriented, dependency-driven raster computation
// graph with a single-threaded scheduler actor, multiple named worker
// pools, a cache-tile state machine, and an at-most-once production
// guarantee.
package recipe

import (
	"context"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/sr"
	"github.com/georecipe/georecipe/internal/workerpool"
)

// SubResult is one chunk of a primitive's lazy queue_data stream.
type SubResult struct {
	FP    footprint.Footprint
	Array *raster.Array
	Err   error
}

// Primitive is the capability a recipe's upstream dependency exposes:
// stream data for a footprint via QueueData. *Recipe itself implements
// Primitive, so a recipe can be another recipe's primitive (a fan-in
// of recipes feeding a derived recipe).
type Primitive interface {
	QueueData(ctx context.Context, fp footprint.Footprint, bands []int, interp footprint.Interpolation, maxQueueSize int) (<-chan SubResult, error)
}

// ComputeFunc implements a recipe's compute_array: given a computation
// tile's footprint and, for each primitive (in Config.Primitives'
// stable key order), its converted footprint and merged array, produce
// the tile's result. The result must have shape (fp.RY, fp.RX,
// BandCount) and dtype DType.
type ComputeFunc func(fp footprint.Footprint, primitiveFPs []footprint.Footprint, primitiveArrays []*raster.Array) (*raster.Array, error)

// MergeFunc implements merge_arrays for one primitive: combine that
// primitive's delivered sub-footprint/sub-array chunks into a single
// array spanning fp exactly. A nil MergeFunc uses the default
// "concat" behavior: valid only when the primitive delivered exactly
// one chunk already spanning fp.
type MergeFunc func(fp footprint.Footprint, subFPs []footprint.Footprint, subArrays []*raster.Array) (*raster.Array, error)

// ConvertFunc implements convert_footprint_per_primitive for one
// primitive; a nil entry in Config.ConvertFootprint means identity.
type ConvertFunc func(computationFP footprint.Footprint) (footprint.Footprint, error)

// Config is a cached (or in-memory) recipe's full construction
// argument (the create_cached_raster_recipe path).
type Config struct {
	RasterFP        footprint.Footprint
	DType           raster.DType
	BandCount       int
	Schema          schema.Schema
	SR              sr.Ref
	ComputeArray    ComputeFunc
	MergeArrays     MergeFunc
	Primitives      map[string]Primitive
	ConvertFootprint map[string]ConvertFunc

	ComputationPool string
	MergePool       string
	IOPool          string
	ResamplePool    string

	CacheTileRX, CacheTileRY             int
	ComputationTileRX, ComputationTileRY int // 0 => default to cache tile size

	MaxResamplingSize int
	ComputeIdentity   string

	// CacheDir is empty for the in-memory variant (recipe.NewInMemory);
	// non-empty selects the on-disk cachetile.Index-backed variant
	// (recipe.NewCached).
	CacheDir  string
	Overwrite bool
}

func (c Config) computationTileSize() (rx, ry int) {
	rx, ry = c.ComputationTileRX, c.ComputationTileRY
	if rx == 0 {
		rx = c.CacheTileRX
	}
	if ry == 0 {
		ry = c.CacheTileRY
	}
	return
}

func (c Config) poolName(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// Recipe is a cached raster recipe: the registry-facing handle over
// one Scheduler.
type Recipe struct {
	cfg   Config
	sched *Scheduler
}

// NewCached builds a recipe backed by an on-disk cachetile.Index.
func NewCached(cfg Config, pools *workerpool.Manager) (*Recipe, error) {
	if cfg.CacheDir == "" {
		return nil, errkind.New(errkind.BadArgument, "NewCached requires a non-empty CacheDir")
	}
	r := &Recipe{cfg: cfg}
	if err := detectPrimitiveCycle(r, cfg.Primitives); err != nil {
		return nil, err
	}
	store, err := newFileStore(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := newScheduler(cfg, store, pools)
	if err != nil {
		return nil, err
	}
	r.sched = sched
	return r, nil
}

// NewInMemory builds a recipe sharing the same scheduler machinery as
// NewCached but backed by an in-process tile store instead of the
// filesystem — the non-cached create_raster_recipe variant.
func NewInMemory(cfg Config, pools *workerpool.Manager) (*Recipe, error) {
	r := &Recipe{cfg: cfg}
	if err := detectPrimitiveCycle(r, cfg.Primitives); err != nil {
		return nil, err
	}
	store, err := newMemStore(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := newScheduler(cfg, store, pools)
	if err != nil {
		return nil, err
	}
	r.sched = sched
	return r, nil
}

// GetData is the blocking query entry point (the get_data call).
func (r *Recipe) GetData(ctx context.Context, fp footprint.Footprint, bands []int, dstNoData float64, interp footprint.Interpolation) (*raster.Array, error) {
	return r.sched.GetData(ctx, fp, bands, dstNoData, interp)
}

// QueueData implements Primitive: it is the lazy stream a downstream
// recipe's primitive sees. The stream always delivers exactly one
// chunk spanning fp in full before closing — GetData's own tile
// coalescing and caching machinery already does the hard work of
// satisfying fp incrementally underneath, so there is nothing a finer
// grained stream would add for this engine's own recipes (it matters
// for producers that pipeline over a network, which are out of scope
// here).
func (r *Recipe) QueueData(ctx context.Context, fp footprint.Footprint, bands []int, interp footprint.Interpolation, maxQueueSize int) (<-chan SubResult, error) {
	ch := make(chan SubResult, 1)
	go func() {
		defer close(ch)
		a, err := r.GetData(ctx, fp, bands, 0, interp)
		if err != nil {
			ch <- SubResult{Err: err}
			return
		}
		ch <- SubResult{FP: fp, Array: a}
	}()
	return ch, nil
}

// cancel cancels an in-flight query by its scheduler-assigned id;
// GetData callers cancel via ctx instead.
func (r *Recipe) cancel(id uint64) {
	r.sched.cancel(id)
}

// Close drains the scheduler: no new queries are admitted and in-flight
// queries are cancelled. It does not join worker pools; the shared
// workerpool.Manager's JoinAll does that. Scoped to this one recipe; it
// does not touch any registry a caller layered on top.
func (r *Recipe) Close() error {
	return r.sched.Close()
}

// detectPrimitiveCycle walks the primitive DAG reachable from
// primitives looking for a path back to self, failing recipe creation
// (not first query) on a cycle. Since a primitive can only be an
// already-fully-constructed *Recipe (there is no API to rebind a
// recipe's primitives after construction), a true cycle back to self
// is unreachable through this package's current surface; the check is
// kept anyway to guard any future mutable-rebind addition.
func detectPrimitiveCycle(self *Recipe, primitives map[string]Primitive) error {
	visited := make(map[*Recipe]bool)
	var visit func(r *Recipe, path string) error
	visit = func(r *Recipe, path string) error {
		if r == self {
			return errkind.PrimitiveCycle(path)
		}
		if visited[r] {
			return nil
		}
		visited[r] = true
		for name, p := range r.cfg.Primitives {
			if sub, ok := p.(*Recipe); ok {
				if err := visit(sub, path+"->"+name); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for name, p := range primitives {
		if sub, ok := p.(*Recipe); ok {
			if err := visit(sub, name); err != nil {
				return err
			}
		}
	}
	return nil
}
