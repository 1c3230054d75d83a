package recipe

import (
	"context"
	"math"
	"sort"

	"github.com/georecipe/georecipe/internal/cachetile"
	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/resample"
	"github.com/georecipe/georecipe/internal/sr"
	"github.com/georecipe/georecipe/internal/workerpool"
)

// defaultPoolConcurrency is used the first time a named pool is
// requested; later requests for the same name reuse whatever
// concurrency it was created with (workerpool.Manager's contract).
const defaultPoolConcurrency = 4

// tileStore abstracts the cache-tile grid + persistence so the
// scheduler is identical for the on-disk (cachetile.Index) and
// in-memory (memStore) recipe variants.
type tileStore interface {
	Grid() [][]*cachetile.Tile
	At(ty, tx int) (*cachetile.Tile, error)
	WriteTile(t *cachetile.Tile, a *raster.Array, srWork sr.Ref) error
	ReadTile(t *cachetile.Tile, dtype raster.DType, bandCount int) (*raster.Array, error)
}

func newFileStore(cfg Config) (tileStore, error) {
	idx, err := cachetile.NewIndex(cfg.CacheDir, cfg.RasterFP, cfg.DType, cfg.BandCount, cfg.Schema, cfg.SR, cfg.ComputeIdentity, cfg.CacheTileRX, cfg.CacheTileRY, cfg.Overwrite)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// compTile is one computation tile: its footprint plus the pixel
// bounding box it covers within Config.RasterFP, and its row-major
// index (the tie-break order used when a cache tile's pixel box is
// covered by more than one computation tile).
type compTile struct {
	fp                                   footprint.Footprint
	colStart, rowStart, colEnd, rowEnd   int
	index                                int
}

func buildComputationTiles(rasterFP footprint.Footprint, rx, ry int) ([]compTile, error) {
	grid, err := rasterFP.Tile(rx, ry, 0, 0, footprint.Shrink)
	if err != nil {
		return nil, err
	}
	var tiles []compTile
	for _, row := range grid {
		for _, fp := range row {
			colStart, rowStart := rasterFP.SpatialToRaster(fp.Origin)
			cs, rs := int(math.Round(colStart)), int(math.Round(rowStart))
			tiles = append(tiles, compTile{
				fp:       fp,
				colStart: cs,
				rowStart: rs,
				colEnd:   cs + fp.RX,
				rowEnd:   rs + fp.RY,
				index:    len(tiles),
			})
		}
	}
	return tiles, nil
}

// containingComputationTile returns the lowest row-major-index
// computation tile whose pixel bounding box fully contains t, breaking
// ties deterministically when more than one computation tile could
// produce it.
func containingComputationTile(tiles []compTile, t *cachetile.Tile) (*compTile, error) {
	for i := range tiles {
		c := &tiles[i]
		if t.TLX >= c.colStart && t.TLX+t.FP.RX <= c.colEnd && t.TLY >= c.rowStart && t.TLY+t.FP.RY <= c.rowEnd {
			return c, nil
		}
	}
	return nil, errkind.New(errkind.BadTiling, "no computation tile contains cache tile")
}

// query is one in-flight get_data call.
type query struct {
	id          uint64
	fp          footprint.Footprint
	bands       []int
	dstNoData   float64
	interp      footprint.Interpolation
	dst         *raster.Array
	remaining   int
	pendingLocs [][2]int
	resultCh    chan Result
}

// Result is a completed (or failed) query's outcome.
type Result struct {
	Array *raster.Array
	Err   error
}

// Scheduler is the single-threaded actor owning all recipe graph
// state: every transition of tile state, query state, and subscriber
// lists happens on one goroutine, so none of it needs a mutex. Every
// method that touches scheduler state runs as a closure posted to
// cmds; workers communicate results back the same way.
type Scheduler struct {
	cfg   Config
	store tileStore
	pools *workerpool.Manager

	compTiles           []compTile
	compToCacheTiles    map[int][][2]int
	cacheLocToCompIndex map[[2]int]int

	cmds   chan func()
	stopCh chan struct{}

	closed      bool
	nextQueryID uint64
	queries     map[uint64]*query
	subscribers map[[2]int][]*query
	producing   map[int]bool
}

func newScheduler(cfg Config, store tileStore, pools *workerpool.Manager) (*Scheduler, error) {
	compRX, compRY := cfg.computationTileSize()
	compTiles, err := buildComputationTiles(cfg.RasterFP, compRX, compRY)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:                 cfg,
		store:               store,
		pools:               pools,
		compTiles:           compTiles,
		compToCacheTiles:    make(map[int][][2]int),
		cacheLocToCompIndex: make(map[[2]int]int),
		cmds:                make(chan func(), 64),
		stopCh:               make(chan struct{}),
		queries:             make(map[uint64]*query),
		subscribers:         make(map[[2]int][]*query),
		producing:           make(map[int]bool),
	}

	for ty, row := range store.Grid() {
		for tx, t := range row {
			c, err := containingComputationTile(compTiles, t)
			if err != nil {
				return nil, err
			}
			loc := [2]int{ty, tx}
			s.compToCacheTiles[c.index] = append(s.compToCacheTiles[c.index], loc)
			s.cacheLocToCompIndex[loc] = c.index
		}
	}

	go s.run()
	return s, nil
}

func (s *Scheduler) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.stopCh:
			return
		}
	}
}

// post submits fn to run on the scheduler's actor goroutine. Safe to
// call from any goroutine, including from within the actor itself.
func (s *Scheduler) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.stopCh:
	}
}

func (s *Scheduler) nextID() uint64 {
	s.nextQueryID++
	return s.nextQueryID
}

// GetData blocks until the query completes, fails, or ctx is done.
func (s *Scheduler) GetData(ctx context.Context, fp footprint.Footprint, bands []int, dstNoData float64, interp footprint.Interpolation) (*raster.Array, error) {
	resultCh := make(chan Result, 1)
	var id uint64
	idAssigned := make(chan struct{})
	s.post(func() {
		id = s.admitQuery(fp, bands, dstNoData, interp, resultCh)
		close(idAssigned)
	})
	select {
	case r := <-resultCh:
		return r.Array, r.Err
	case <-ctx.Done():
		<-idAssigned
		s.post(func() { s.cancelLocked(id) })
		return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "query cancelled")
	}
}

func (s *Scheduler) cancel(id uint64) {
	s.post(func() { s.cancelLocked(id) })
}

// cancelLocked runs on the actor goroutine only.
func (s *Scheduler) cancelLocked(id uint64) {
	q, ok := s.queries[id]
	if !ok {
		return
	}
	delete(s.queries, id)
	for _, loc := range q.pendingLocs {
		subs := s.subscribers[loc]
		for i, sub := range subs {
			if sub.id == q.id {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(s.subscribers, loc)
		} else {
			s.subscribers[loc] = subs
		}
	}
	select {
	case q.resultCh <- Result{Err: errkind.New(errkind.Cancelled, "query cancelled")}:
	default:
	}
}

// admitQuery runs on the actor goroutine: compute the set of cache
// tiles a query's footprint intersects, and for each tile dispatch per
// its current state (ready/building/missing).
func (s *Scheduler) admitQuery(fp footprint.Footprint, bands []int, dstNoData float64, interp footprint.Interpolation, resultCh chan Result) uint64 {
	id := s.nextID()
	if s.closed {
		resultCh <- Result{Err: errkind.New(errkind.Closed, "recipe is closed")}
		return id
	}

	dst, err := raster.Fill(s.cfg.DType, fp.RX, fp.RY, s.cfg.BandCount, dstNoData)
	if err != nil {
		resultCh <- Result{Err: err}
		return id
	}
	q := &query{id: id, fp: fp, bands: bands, dstNoData: dstNoData, interp: interp, dst: dst, resultCh: resultCh}

	locs := s.tilesIntersecting(fp)
	if len(locs) == 0 {
		resultCh <- Result{Array: dst}
		return id
	}

	s.queries[id] = q
	q.remaining = len(locs)
	for _, loc := range locs {
		t, err := s.store.At(loc[0], loc[1])
		if err != nil {
			s.failQuery(q, err)
			return id
		}
		switch t.State {
		case cachetile.Ready:
			s.enqueueRead(q, t)
		case cachetile.Building:
			q.pendingLocs = append(q.pendingLocs, loc)
			s.subscribers[loc] = append(s.subscribers[loc], q)
		case cachetile.Missing:
			q.pendingLocs = append(q.pendingLocs, loc)
			s.subscribers[loc] = append(s.subscribers[loc], q)
			s.claimAndProduce(loc)
		}
	}
	return id
}

// tilesIntersecting returns the (ty,tx) locations of every cache tile
// whose pixel footprint overlaps fp, projected into Config.RasterFP's
// pixel space.
func (s *Scheduler) tilesIntersecting(fp footprint.Footprint) [][2]int {
	qColF, qRowF := s.cfg.RasterFP.SpatialToRaster(fp.Origin)
	qCol, qRow := int(math.Round(qColF)), int(math.Round(qRowF))
	qRight, qBottom := qCol+fp.RX, qRow+fp.RY

	var locs [][2]int
	for ty, row := range s.store.Grid() {
		for tx, t := range row {
			if t.TLX+t.FP.RX <= qCol || t.TLX >= qRight || t.TLY+t.FP.RY <= qRow || t.TLY >= qBottom {
				continue
			}
			locs = append(locs, [2]int{ty, tx})
		}
	}
	return locs
}

// claimAndProduce implements the coalescing rule: claiming every
// missing cache tile under the containing computation tile atomically
// before dispatching the single produce task for it, so concurrent
// queries landing on the same computation tile trigger exactly one
// production run rather than one per query.
func (s *Scheduler) claimAndProduce(loc [2]int) {
	compIndex := s.cacheLocToCompIndex[loc]
	if s.producing[compIndex] {
		return
	}
	for _, l := range s.compToCacheTiles[compIndex] {
		t, err := s.store.At(l[0], l[1])
		if err != nil {
			continue
		}
		cachetile.TryClaim(t)
	}
	s.produce(compIndex)
}

func (s *Scheduler) sortedPrimitiveNames() []string {
	names := make([]string, 0, len(s.cfg.Primitives))
	for name := range s.cfg.Primitives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type primOutcome struct {
	name  string
	fp    footprint.Footprint
	array *raster.Array
	err   error
}

// produce runs the primitive-queue -> merge -> compute pipeline for
// computation tile compIndex.
func (s *Scheduler) produce(compIndex int) {
	s.producing[compIndex] = true
	c := s.compTiles[compIndex]
	names := s.sortedPrimitiveNames()

	if len(names) == 0 {
		s.dispatchCompute(compIndex, nil, nil)
		return
	}

	outcomes := make(chan primOutcome, len(names))
	for _, name := range names {
		name := name
		go s.runPrimitive(c, name, outcomes)
	}

	go func() {
		fps := make([]footprint.Footprint, len(names))
		arrays := make([]*raster.Array, len(names))
		index := make(map[string]int, len(names))
		for i, n := range names {
			index[n] = i
		}
		var firstErr error
		for range names {
			o := <-outcomes
			if o.err != nil {
				if firstErr == nil {
					firstErr = o.err
				}
				continue
			}
			i := index[o.name]
			fps[i] = o.fp
			arrays[i] = o.array
		}
		s.post(func() {
			if firstErr != nil {
				s.failComputation(compIndex, firstErr)
				return
			}
			s.dispatchCompute(compIndex, fps, arrays)
		})
	}()
}

// runPrimitive runs off the actor goroutine: it converts the
// computation footprint, drains the primitive's stream, and schedules
// merge_arrays on merge_pool.
func (s *Scheduler) runPrimitive(c compTile, name string, outcomes chan<- primOutcome) {
	fpP := c.fp
	if convert := s.cfg.ConvertFootprint[name]; convert != nil {
		var err error
		fpP, err = convert(c.fp)
		if err != nil {
			outcomes <- primOutcome{name: name, err: errkind.Wrap(errkind.ProducerError, err, "convert_footprint_per_primitive "+name)}
			return
		}
	}

	upstream := s.cfg.Primitives[name]
	stream, err := upstream.QueueData(context.Background(), fpP, nil, footprint.Nearest, 1)
	if err != nil {
		outcomes <- primOutcome{name: name, err: err}
		return
	}

	var subFPs []footprint.Footprint
	var subArrays []*raster.Array
	for sub := range stream {
		if sub.Err != nil {
			outcomes <- primOutcome{name: name, err: sub.Err}
			return
		}
		subFPs = append(subFPs, sub.FP)
		subArrays = append(subArrays, sub.Array)
	}

	mergePool, err := s.pools.Get(s.cfg.poolName(s.cfg.MergePool, "cpu"), defaultPoolConcurrency)
	if err != nil {
		outcomes <- primOutcome{name: name, err: err}
		return
	}
	resCh, err := mergePool.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		return s.mergeArrays(fpP, subFPs, subArrays)
	})
	if err != nil {
		outcomes <- primOutcome{name: name, err: err}
		return
	}
	res := <-resCh
	if res.Err != nil {
		outcomes <- primOutcome{name: name, err: errkind.Wrap(errkind.ProducerError, res.Err, "merge_arrays "+name)}
		return
	}
	outcomes <- primOutcome{name: name, fp: fpP, array: res.Value.(*raster.Array)}
}

func (s *Scheduler) mergeArrays(fp footprint.Footprint, subFPs []footprint.Footprint, subArrays []*raster.Array) (*raster.Array, error) {
	if s.cfg.MergeArrays != nil {
		return s.cfg.MergeArrays(fp, subFPs, subArrays)
	}
	if len(subArrays) == 1 && subFPs[0] == fp {
		return subArrays[0], nil
	}
	return nil, errkind.Newf(errkind.BadArgument, "merge_arrays: default merge requires exactly one sub-array spanning the requested footprint exactly, got %d chunk(s)", len(subArrays))
}

// dispatchCompute runs on the actor goroutine: submit compute_array to
// computation_pool, then post the result back for persisting.
func (s *Scheduler) dispatchCompute(compIndex int, fps []footprint.Footprint, arrays []*raster.Array) {
	c := s.compTiles[compIndex]
	computePool, err := s.pools.Get(s.cfg.poolName(s.cfg.ComputationPool, "cpu"), defaultPoolConcurrency)
	if err != nil {
		s.failComputation(compIndex, err)
		return
	}
	resCh, err := computePool.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		return s.cfg.ComputeArray(c.fp, fps, arrays)
	})
	if err != nil {
		s.failComputation(compIndex, err)
		return
	}
	go func() {
		res := <-resCh
		s.post(func() {
			if res.Err != nil {
				s.failComputation(compIndex, errkind.Wrap(errkind.ProducerError, res.Err, "compute_array"))
				return
			}
			s.persist(compIndex, res.Value.(*raster.Array))
		})
	}()
}

// persist slices compIndex's result into each cache tile it produces
// and schedules a write task per tile on io_pool. Runs on the actor
// goroutine.
func (s *Scheduler) persist(compIndex int, result *raster.Array) {
	delete(s.producing, compIndex)
	c := s.compTiles[compIndex]

	ioPool, err := s.pools.Get(s.cfg.poolName(s.cfg.IOPool, "io"), defaultPoolConcurrency)
	if err != nil {
		for _, loc := range s.compToCacheTiles[compIndex] {
			s.failTile(loc, err)
		}
		return
	}

	for _, loc := range s.compToCacheTiles[compIndex] {
		t, err := s.store.At(loc[0], loc[1])
		if err != nil {
			s.failTile(loc, err)
			continue
		}
		if t.State != cachetile.Building {
			continue
		}
		sub, err := result.Crop(t.TLX-c.colStart, t.TLY-c.rowStart, t.FP.RX, t.FP.RY, 0)
		if err != nil {
			s.failTile(loc, err)
			continue
		}

		// WriteTile mutates its Tile argument's State to Ready on
		// success; pass a value copy so that mutation happens on the
		// io_pool worker goroutine's own memory, not the shared grid
		// tile. The real tile's State is only ever flipped back on
		// the actor goroutine below, preserving single-owner state
		// transitions.
		loc, t, sub := loc, t, sub
		tileCopy := *t
		resCh, err := ioPool.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, s.store.WriteTile(&tileCopy, sub, s.cfg.SR)
		})
		if err != nil {
			s.failTile(loc, err)
			continue
		}
		go func() {
			res := <-resCh
			s.post(func() {
				if res.Err != nil {
					s.failTile(loc, res.Err)
					return
				}
				t.State = cachetile.Ready
				s.notifyReady(loc, t)
			})
		}()
	}
}

func (s *Scheduler) failComputation(compIndex int, err error) {
	delete(s.producing, compIndex)
	for _, loc := range s.compToCacheTiles[compIndex] {
		s.failTile(loc, err)
	}
}

// failTile reverts a building tile to missing and fails every query
// subscribed to it with a wrapped ProducerError, so a later query can
// retry production instead of being stuck waiting on a tile that will
// never become ready.
func (s *Scheduler) failTile(loc [2]int, err error) {
	if t, tErr := s.store.At(loc[0], loc[1]); tErr == nil && t.State == cachetile.Building {
		t.State = cachetile.Missing
	}
	subs := s.subscribers[loc]
	delete(s.subscribers, loc)

	wrapped := err
	if !errkind.Is(err, errkind.ProducerError) {
		wrapped = errkind.Wrap(errkind.ProducerError, err, "cache tile production failed")
	}
	for _, q := range subs {
		s.failQuery(q, wrapped)
	}
}

// notifyReady dispatches a read task for every subscriber of a tile
// that just became ready. Runs on the actor goroutine.
func (s *Scheduler) notifyReady(loc [2]int, t *cachetile.Tile) {
	subs := s.subscribers[loc]
	delete(s.subscribers, loc)
	for _, q := range subs {
		s.enqueueRead(q, t)
	}
}

// enqueueRead schedules a read task on io_pool for one (query, tile)
// pair. The disk load and, when the query's grid differs from the
// tile's, the remap are done in the same task
// rather than as two separately-pooled stages: the remap is cheap
// relative to the disk read it always follows, so splitting it onto
// resample_pool would only add a second actor round trip without a
// concurrency benefit.
func (s *Scheduler) enqueueRead(q *query, t *cachetile.Tile) {
	pool, err := s.pools.Get(s.cfg.poolName(s.cfg.IOPool, "io"), defaultPoolConcurrency)
	if err != nil {
		s.failQuery(q, err)
		return
	}
	resCh, err := pool.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		return s.store.ReadTile(t, s.cfg.DType, s.cfg.BandCount)
	})
	if err != nil {
		s.failQuery(q, err)
		return
	}
	go func() {
		res := <-resCh
		s.post(func() {
			if _, stillLive := s.queries[q.id]; !stillLive {
				return
			}
			if res.Err != nil {
				s.failQuery(q, res.Err)
				return
			}
			s.writeIntoQuery(q, t, res.Value.(*raster.Array))
		})
	}()
}

// writeIntoQuery places tileArray's contribution into q.dst, using the
// same-grid fast path or the remapper for the sub-rectangle of q.fp
// that t actually covers.
func (s *Scheduler) writeIntoQuery(q *query, t *cachetile.Tile, tileArray *raster.Array) {
	c1, r1 := q.fp.SpatialToRaster(t.FP.PixelToWorld(0, 0))
	c2, r2 := q.fp.SpatialToRaster(t.FP.PixelToWorld(float64(t.FP.RX), float64(t.FP.RY)))
	left := int(math.Max(0, math.Floor(math.Min(c1, c2))))
	top := int(math.Max(0, math.Floor(math.Min(r1, r2))))
	right := int(math.Min(float64(q.fp.RX), math.Ceil(math.Max(c1, c2))))
	bottom := int(math.Min(float64(q.fp.RY), math.Ceil(math.Max(r1, r2))))

	q.remaining--
	if left >= right || top >= bottom {
		s.finishIfDone(q)
		return
	}

	subDst := footprint.Footprint{
		Origin: q.fp.PixelToWorld(float64(left), float64(top)),
		AX:     q.fp.AX,
		AY:     q.fp.AY,
		RX:     right - left,
		RY:     bottom - top,
	}
	remapped, err := resample.Remap(resample.Request{
		SrcFP:             t.FP,
		DstFP:             subDst,
		Src:               tileArray,
		DstNoData:         q.dstNoData,
		Interp:            q.interp,
		MaxResamplingSize: s.cfg.MaxResamplingSize,
	})
	if err != nil {
		s.failQuery(q, err)
		return
	}
	pasteErr := remapped.PasteInto(q.dst, left, top)
	resample.PutBuffer(remapped)
	if pasteErr != nil {
		s.failQuery(q, pasteErr)
		return
	}
	s.finishIfDone(q)
}

func (s *Scheduler) finishIfDone(q *query) {
	if q.remaining > 0 {
		return
	}
	delete(s.queries, q.id)
	select {
	case q.resultCh <- Result{Array: q.dst}:
	default:
	}
}

// failQuery delivers err to q and removes it from scheduler state,
// idempotently (a query already removed — e.g. by cancellation or a
// prior failure — is left alone).
func (s *Scheduler) failQuery(q *query, err error) {
	if _, ok := s.queries[q.id]; !ok {
		return
	}
	delete(s.queries, q.id)
	select {
	case q.resultCh <- Result{Err: err}:
	default:
	}
}

// Close drains the scheduler: no new queries are admitted, and
// existing queries are cancelled. Worker pool joining is the caller's
// responsibility via the shared workerpool.Manager.
func (s *Scheduler) Close() error {
	done := make(chan struct{})
	s.post(func() {
		s.closed = true
		for id, q := range s.queries {
			select {
			case q.resultCh <- Result{Err: errkind.New(errkind.Cancelled, "recipe closing")}:
			default:
			}
			delete(s.queries, id)
		}
		close(done)
	})
	select {
	case <-done:
	case <-s.stopCh:
	}
	close(s.stopCh)
	return nil
}
