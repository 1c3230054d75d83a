package footprint

import (
	"testing"

	"github.com/georecipe/georecipe/internal/errkind"
)

func mustNew(t *testing.T, origin, ax, ay Vec2, rx, ry int) Footprint {
	t.Helper()
	fp, err := New(origin, ax, ay, rx, ry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fp
}

func TestNew_RejectsDegenerateSize(t *testing.T) {
	_, err := New(Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 0, 4)
	if !errkind.Is(err, errkind.BadArgument) {
		t.Fatalf("expected BadArgument, got %v", err)
	}
}

func TestNew_RejectsLinearlyDependentVectors(t *testing.T) {
	_, err := New(Vec2{}, Vec2{X: 1, Y: 1}, Vec2{X: 2, Y: 2}, 4, 4)
	if !errkind.Is(err, errkind.BadArgument) {
		t.Fatalf("expected BadArgument, got %v", err)
	}
}

func TestIntersection_WithSelfIsIdentity(t *testing.T) {
	fp := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	got, err := fp.Intersection(fp)
	if err != nil {
		t.Fatalf("Intersection: %v", err)
	}
	if got != fp {
		t.Errorf("fp.Intersection(fp) = %v, want %v", got, fp)
	}
}

func TestIntersection_Disjoint(t *testing.T) {
	a := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	b := mustNew(t, Vec2{X: 10}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	_, err := a.Intersection(b)
	if !errkind.Is(err, errkind.NoOverlap) {
		t.Fatalf("expected NoOverlap, got %v", err)
	}
}

func TestIntersection_PartialOverlap(t *testing.T) {
	a := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 10, 10)
	b := mustNew(t, Vec2{X: 5, Y: -5}, Vec2{X: 1}, Vec2{Y: -1}, 10, 10)
	got, err := a.Intersection(b)
	if err != nil {
		t.Fatalf("Intersection: %v", err)
	}
	if got.RX != 5 || got.RY != 5 {
		t.Errorf("overlap size = (%d,%d), want (5,5)", got.RX, got.RY)
	}
	if got.Origin != (Vec2{X: 5, Y: -5}) {
		t.Errorf("overlap origin = %v, want (5,-5)", got.Origin)
	}
}

func TestIntersection_RequiresSameGrid(t *testing.T) {
	a := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	b := mustNew(t, Vec2{}, Vec2{X: 2}, Vec2{Y: -2}, 4, 4)
	_, err := a.Intersection(b)
	if !errkind.Is(err, errkind.BadArgument) {
		t.Fatalf("expected BadArgument for mismatched grid, got %v", err)
	}
}

func TestSameGrid_IntegerOffset(t *testing.T) {
	a := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	b := mustNew(t, Vec2{X: 2, Y: -3}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	if !a.SameGrid(b) {
		t.Error("expected SameGrid for integer-offset footprints")
	}
}

func TestSameGrid_FractionalOffsetFails(t *testing.T) {
	a := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	b := mustNew(t, Vec2{X: 0.5, Y: 0}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	if a.SameGrid(b) {
		t.Error("expected SameGrid to fail for fractional offset")
	}
}

func TestTile_ShrinkExactCoverNoOverlap(t *testing.T) {
	fp := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 10, 10)
	grid, err := fp.Tile(4, 4, 0, 0, Shrink)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if len(grid) != 3 || len(grid[0]) != 3 {
		t.Fatalf("grid shape = %dx%d, want 3x3", len(grid), len(grid[0]))
	}

	// Border tiles are strictly smaller than interior tiles.
	wantSizes := [3]int{4, 4, 2}
	for ty := range grid {
		for tx := range grid[ty] {
			if grid[ty][tx].RX != wantSizes[tx] {
				t.Errorf("tile[%d][%d].RX = %d, want %d", ty, tx, grid[ty][tx].RX, wantSizes[tx])
			}
			if grid[ty][tx].RY != wantSizes[ty] {
				t.Errorf("tile[%d][%d].RY = %d, want %d", ty, tx, grid[ty][tx].RY, wantSizes[ty])
			}
		}
	}

	// Exact cover, no overlap: every pixel in fp is covered exactly once.
	covered := make([][]bool, fp.RY)
	for i := range covered {
		covered[i] = make([]bool, fp.RX)
	}
	for _, row := range grid {
		for _, t := range row {
			col0, row0 := fp.SpatialToRaster(t.Origin)
			c0, r0 := int(col0+0.5), int(row0+0.5)
			for r := r0; r < r0+t.RY; r++ {
				for c := c0; c < c0+t.RX; c++ {
					covered[r][c] = true
				}
			}
		}
	}
	for r := range covered {
		for c := range covered[r] {
			if !covered[r][c] {
				t.Fatalf("pixel (%d,%d) not covered by shrink tiling", c, r)
			}
		}
	}
}

func TestTile_ExceptionFailsOnUnevenDivision(t *testing.T) {
	fp := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 10, 10)
	_, err := fp.Tile(4, 4, 0, 0, Exception)
	if !errkind.Is(err, errkind.BadTiling) {
		t.Fatalf("expected BadTiling, got %v", err)
	}
}

func TestTile_ExcludeDropsPartialTiles(t *testing.T) {
	fp := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 10, 10)
	grid, err := fp.Tile(4, 4, 0, 0, Exclude)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if len(grid) != 2 || len(grid[0]) != 2 {
		t.Fatalf("grid shape = %dx%d, want 2x2", len(grid), len(grid[0]))
	}
}

func TestTile_OverlapKeepsFullSizeTiles(t *testing.T) {
	fp := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 10, 10)
	grid, err := fp.Tile(4, 4, 0, 0, Overlap)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	for _, row := range grid {
		for _, tl := range row {
			if tl.RX != 4 || tl.RY != 4 {
				t.Errorf("overlap tile size = (%d,%d), want (4,4)", tl.RX, tl.RY)
			}
		}
	}
}

func TestBuildSamplingFootprint_NoIntersection(t *testing.T) {
	src := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	dst := mustNew(t, Vec2{X: 100}, Vec2{X: 1}, Vec2{Y: -1}, 4, 4)
	_, ok, err := src.BuildSamplingFootprint(dst, Bilinear)
	if err != nil {
		t.Fatalf("BuildSamplingFootprint: %v", err)
	}
	if ok {
		t.Error("expected NoneRequired (ok=false) for non-intersecting footprints")
	}
}

func TestBuildSamplingFootprint_CoversDestination(t *testing.T) {
	src := mustNew(t, Vec2{}, Vec2{X: 1}, Vec2{Y: -1}, 10, 10)
	dst := mustNew(t, Vec2{X: 4, Y: -4}, Vec2{X: 1}, Vec2{Y: -1}, 2, 2)
	sampling, ok, err := src.BuildSamplingFootprint(dst, Bilinear)
	if err != nil {
		t.Fatalf("BuildSamplingFootprint: %v", err)
	}
	if !ok {
		t.Fatal("expected a sampling footprint")
	}
	if sampling.RX < 2 || sampling.RY < 2 {
		t.Errorf("sampling footprint too small: %dx%d", sampling.RX, sampling.RY)
	}
}
