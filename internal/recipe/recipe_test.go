package recipe

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/workerpool"
)

func squareFootprint(rx, ry int) footprint.Footprint {
	fp, err := footprint.New(footprint.Vec2{X: 0, Y: 0}, footprint.Vec2{X: 1, Y: 0}, footprint.Vec2{X: 0, Y: -1}, rx, ry)
	if err != nil {
		panic(err)
	}
	return fp
}

func fillCompute(value float64, calls *int64) ComputeFunc {
	return func(fp footprint.Footprint, _ []footprint.Footprint, _ []*raster.Array) (*raster.Array, error) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		return raster.Fill(raster.Uint8, fp.RX, fp.RY, 1, value)
	}
}

func mustSchema(t *testing.T, bandCount int) schema.Schema {
	t.Helper()
	s, err := schema.Sanitize(nil, bandCount)
	if err != nil {
		t.Fatalf("schema.Sanitize: %v", err)
	}
	return s
}

// TestIdentityRecipe runs a 4x4 identity recipe tiled into four 2x2
// cache tiles: querying the full footprint returns all 42s and leaves
// exactly four files in cache_dir.
func TestIdentityRecipe(t *testing.T) {
	dir := t.TempDir()
	fp := squareFootprint(4, 4)
	cfg := Config{
		RasterFP:    fp,
		DType:       raster.Uint8,
		BandCount:   1,
		Schema:      mustSchema(t, 1),
		ComputeArray: fillCompute(42, nil),
		CacheTileRX: 2,
		CacheTileRY: 2,
		CacheDir:    dir,
	}
	pools := workerpool.NewManager()
	r, err := NewCached(cfg, pools)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer r.Close()

	arr, err := r.GetData(context.Background(), fp, nil, 0, footprint.Nearest)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			if got := arr.At(row, col, 0); got != 42 {
				t.Fatalf("pixel (%d,%d) = %v, want 42", row, col, got)
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	if count != 4 {
		t.Fatalf("cache_dir has %d files, want 4", count)
	}
}

// TestCacheHit queries a partial region then the full footprint, and
// checks compute_array is invoked exactly once per cache tile (4
// total, not 8) — the second query must hit the tiles the first one
// already built rather than recomputing them.
func TestCacheHit(t *testing.T) {
	dir := t.TempDir()
	fp := squareFootprint(4, 4)
	var calls int64
	cfg := Config{
		RasterFP:    fp,
		DType:       raster.Uint8,
		BandCount:   1,
		Schema:      mustSchema(t, 1),
		ComputeArray: fillCompute(42, &calls),
		CacheTileRX: 2,
		CacheTileRY: 2,
		CacheDir:    dir,
	}
	pools := workerpool.NewManager()
	r, err := NewCached(cfg, pools)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer r.Close()

	partial, err := footprint.New(fp.PixelToWorld(0, 0), fp.AX, fp.AY, 2, 2)
	if err != nil {
		t.Fatalf("footprint.New: %v", err)
	}
	if _, err := r.GetData(context.Background(), partial, nil, 0, footprint.Nearest); err != nil {
		t.Fatalf("GetData(partial): %v", err)
	}
	if _, err := r.GetData(context.Background(), fp, nil, 0, footprint.Nearest); err != nil {
		t.Fatalf("GetData(full): %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 4 {
		t.Fatalf("compute_array invoked %d times, want 4", got)
	}
}

// addOneCompute implements a primitive fan-in compute_array: result =
// primitive array + 1.
func addOneCompute(fp footprint.Footprint, primFPs []footprint.Footprint, primArrays []*raster.Array) (*raster.Array, error) {
	src := primArrays[0]
	out, err := raster.New(raster.Uint8, fp.RX, fp.RY, 1)
	if err != nil {
		return nil, err
	}
	for row := 0; row < fp.RY; row++ {
		for col := 0; col < fp.RX; col++ {
			out.Set(row, col, 0, src.At(row, col, 0)+1)
		}
	}
	return out, nil
}

// TestPrimitiveFanIn has recipe B depend on recipe A (an identity
// converter), with compute_array_B = arr_a + 1.
func TestPrimitiveFanIn(t *testing.T) {
	fp := squareFootprint(4, 4)
	cfgA := Config{
		RasterFP:    fp,
		DType:       raster.Uint8,
		BandCount:   1,
		Schema:      mustSchema(t, 1),
		ComputeArray: fillCompute(42, nil),
		CacheTileRX: 2,
		CacheTileRY: 2,
		CacheDir:    t.TempDir(),
	}
	pools := workerpool.NewManager()
	a, err := NewCached(cfgA, pools)
	if err != nil {
		t.Fatalf("NewCached(A): %v", err)
	}
	defer a.Close()

	cfgB := Config{
		RasterFP:     fp,
		DType:        raster.Uint8,
		BandCount:    1,
		Schema:       mustSchema(t, 1),
		ComputeArray: addOneCompute,
		Primitives:   map[string]Primitive{"a": a},
		CacheTileRX:  2,
		CacheTileRY:  2,
		CacheDir:     t.TempDir(),
	}
	b, err := NewCached(cfgB, pools)
	if err != nil {
		t.Fatalf("NewCached(B): %v", err)
	}
	defer b.Close()

	arr, err := b.GetData(context.Background(), fp, nil, 0, footprint.Nearest)
	if err != nil {
		t.Fatalf("GetData(B): %v", err)
	}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			if got := arr.At(row, col, 0); got != 43 {
				t.Fatalf("pixel (%d,%d) = %v, want 43", row, col, got)
			}
		}
	}
}

// TestPartialOverlap tiles a 10x10 recipe as (4,4), giving border
// tiles of size {4,4,2}; querying the central 5x5 window only
// produces the four tiles it overlaps.
func TestPartialOverlap(t *testing.T) {
	dir := t.TempDir()
	fp := squareFootprint(10, 10)
	var calls int64
	cfg := Config{
		RasterFP:    fp,
		DType:       raster.Uint8,
		BandCount:   1,
		Schema:      mustSchema(t, 1),
		ComputeArray: fillCompute(7, &calls),
		CacheTileRX: 4,
		CacheTileRY: 4,
		CacheDir:    dir,
	}
	pools := workerpool.NewManager()
	r, err := NewCached(cfg, pools)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer r.Close()

	window, err := footprint.New(fp.PixelToWorld(3, 3), fp.AX, fp.AY, 5, 5)
	if err != nil {
		t.Fatalf("footprint.New: %v", err)
	}
	arr, err := r.GetData(context.Background(), window, nil, 0, footprint.Nearest)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if arr.RX != 5 || arr.RY != 5 {
		t.Fatalf("result shape = %dx%d, want 5x5", arr.RX, arr.RY)
	}
	for row := 0; row < 5; row++ {
		for col := 0; col < 5; col++ {
			if got := arr.At(row, col, 0); got != 7 {
				t.Fatalf("pixel (%d,%d) = %v, want 7", row, col, got)
			}
		}
	}
	if got := atomic.LoadInt64(&calls); got != 4 {
		t.Fatalf("compute_array invoked %d times, want 4", got)
	}
}

// TestCancellation checks that cancelling a query whose producer is
// still running does not prevent the tile from completing normally
// for a later query, and that compute_array runs exactly once for
// the overlapping tile.
func TestCancellation(t *testing.T) {
	dir := t.TempDir()
	fp := squareFootprint(2, 2)
	var calls int64
	cfg := Config{
		RasterFP:  fp,
		DType:     raster.Uint8,
		BandCount: 1,
		Schema:    mustSchema(t, 1),
		ComputeArray: func(fp footprint.Footprint, _ []footprint.Footprint, _ []*raster.Array) (*raster.Array, error) {
			atomic.AddInt64(&calls, 1)
			time.Sleep(80 * time.Millisecond)
			return raster.Fill(raster.Uint8, fp.RX, fp.RY, 1, 9)
		},
		CacheTileRX: 2,
		CacheTileRY: 2,
		CacheDir:    dir,
	}
	pools := workerpool.NewManager()
	r, err := NewCached(cfg, pools)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer r.Close()

	ctx1, cancel1 := context.WithCancel(context.Background())
	q1Done := make(chan error, 1)
	go func() {
		_, err := r.GetData(ctx1, fp, nil, 0, footprint.Nearest)
		q1Done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancel1()

	if err := <-q1Done; err == nil {
		t.Fatalf("Q1 GetData succeeded, want cancellation error")
	}

	arr, err := r.GetData(context.Background(), fp, nil, 0, footprint.Nearest)
	if err != nil {
		t.Fatalf("Q2 GetData: %v", err)
	}
	for row := 0; row < 2; row++ {
		for col := 0; col < 2; col++ {
			if got := arr.At(row, col, 0); got != 9 {
				t.Fatalf("pixel (%d,%d) = %v, want 9", row, col, got)
			}
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("compute_array invoked %d times, want 1", got)
	}
}

// TestInMemoryRecipe exercises recipe.NewInMemory, the non-cached
// create_raster_recipe variant, sharing the same scheduler without
// touching the filesystem.
func TestInMemoryRecipe(t *testing.T) {
	fp := squareFootprint(4, 4)
	cfg := Config{
		RasterFP:    fp,
		DType:       raster.Uint8,
		BandCount:   1,
		Schema:      mustSchema(t, 1),
		ComputeArray: fillCompute(5, nil),
		CacheTileRX: 2,
		CacheTileRY: 2,
	}
	pools := workerpool.NewManager()
	r, err := NewInMemory(cfg, pools)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer r.Close()

	arr, err := r.GetData(context.Background(), fp, nil, 0, footprint.Nearest)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			if got := arr.At(row, col, 0); got != 5 {
				t.Fatalf("pixel (%d,%d) = %v, want 5", row, col, got)
			}
		}
	}
}

// TestZeroPrimitivesLegal checks that a recipe with zero primitives
// is legal, and that compute_array receives empty primitive lists.
func TestZeroPrimitivesLegal(t *testing.T) {
	fp := squareFootprint(2, 2)
	var gotFPs []footprint.Footprint
	var gotArrays []*raster.Array
	cfg := Config{
		RasterFP:  fp,
		DType:     raster.Uint8,
		BandCount: 1,
		Schema:    mustSchema(t, 1),
		ComputeArray: func(fp footprint.Footprint, primFPs []footprint.Footprint, primArrays []*raster.Array) (*raster.Array, error) {
			gotFPs = primFPs
			gotArrays = primArrays
			return raster.Fill(raster.Uint8, fp.RX, fp.RY, 1, 1)
		},
		CacheTileRX: 2,
		CacheTileRY: 2,
	}
	pools := workerpool.NewManager()
	r, err := NewInMemory(cfg, pools)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer r.Close()

	if _, err := r.GetData(context.Background(), fp, nil, 0, footprint.Nearest); err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(gotFPs) != 0 || len(gotArrays) != 0 {
		t.Fatalf("compute_array received non-empty primitive lists: %d fps, %d arrays", len(gotFPs), len(gotArrays))
	}
}
