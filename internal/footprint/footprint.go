// Package footprint implements the affine raster geometry that every
// raster source and recipe is defined over: an origin, two pixel
// vectors, and a pixel size. Footprints are immutable; every method
// returns a new value.
package footprint

import (
	"fmt"
	"math"

	"github.com/georecipe/georecipe/internal/errkind"
)

// Vec2 is a 2D world-space vector (a pixel's column or row direction).
type Vec2 struct {
	X, Y float64
}

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Y * s} }

// Footprint is an affine raster geometry: an origin in world
// coordinates, the per-column vector AX and per-row vector AY (so
// pixel (col,row) has its top-left world corner at
// Origin + AX*col + AY*row), and the raster size in pixels.
//
// Construction canonicalizes nothing automatically — callers that
// want the "top-left origin, AY pointing down" convention should build
// it that way themselves; New only validates the size/independence
// invariants.
type Footprint struct {
	Origin Vec2
	AX, AY Vec2
	RX, RY int
}

// New constructs a Footprint, validating its invariants: RX,RY >= 1
// and AX,AY linearly independent.
func New(origin, ax, ay Vec2, rx, ry int) (Footprint, error) {
	if rx < 1 || ry < 1 {
		return Footprint{}, errkind.Newf(errkind.BadArgument, "footprint size must be >= 1, got (%d, %d)", rx, ry)
	}
	if det(ax, ay) == 0 {
		return Footprint{}, errkind.New(errkind.BadArgument, "footprint pixel vectors must be linearly independent")
	}
	return Footprint{Origin: origin, AX: ax, AY: ay, RX: rx, RY: ry}, nil
}

func det(a, b Vec2) float64 { return a.X*b.Y - a.Y*b.X }

// Shape returns (rows, cols), numpy-style (ry, rx).
func (f Footprint) Shape() (ry, rx int) { return f.RY, f.RX }

// PixelArea returns the world-space area of a single pixel.
func (f Footprint) PixelArea() float64 {
	return math.Abs(det(f.AX, f.AY))
}

// PixelToWorld returns the world coordinate of the top-left corner of
// pixel (col, row). Fractional col/row are accepted for sub-pixel
// queries (e.g. interpolation kernel centers).
func (f Footprint) PixelToWorld(col, row float64) Vec2 {
	return f.Origin.Add(f.AX.Scale(col)).Add(f.AY.Scale(row))
}

// SpatialToRaster is the inverse affine transform: given a world
// point, returns the fractional (col, row). Integral only when pt is
// a grid node; rounding to a pixel index is the caller's
// responsibility.
func (f Footprint) SpatialToRaster(pt Vec2) (col, row float64) {
	d := det(f.AX, f.AY)
	dx, dy := pt.X-f.Origin.X, pt.Y-f.Origin.Y
	col = (dx*f.AY.Y - dy*f.AY.X) / d
	row = (f.AX.X*dy - f.AX.Y*dx) / d
	return
}

// BoundingBox returns the axis-aligned world-space bounding box of
// the footprint's four corners.
func (f Footprint) BoundingBox() (minX, minY, maxX, maxY float64) {
	corners := [4]Vec2{
		f.PixelToWorld(0, 0),
		f.PixelToWorld(float64(f.RX), 0),
		f.PixelToWorld(0, float64(f.RY)),
		f.PixelToWorld(float64(f.RX), float64(f.RY)),
	}
	minX, maxX = corners[0].X, corners[0].X
	minY, maxY = corners[0].Y, corners[0].Y
	for _, c := range corners[1:] {
		minX = math.Min(minX, c.X)
		maxX = math.Max(maxX, c.X)
		minY = math.Min(minY, c.Y)
		maxY = math.Max(maxY, c.Y)
	}
	return
}

// epsilon bounds the tolerance used only when testing SameGrid across
// independently-derived footprints. Footprints derived from each other
// by integer pixel arithmetic compare bit-exact without ever hitting
// this path, since the arithmetic is exact.
const epsilon = 1e-9

func approxEqual(a, b float64) bool { return math.Abs(a-b) <= epsilon }

func vecApproxEqual(a, b Vec2) bool { return approxEqual(a.X, b.X) && approxEqual(a.Y, b.Y) }

// SameGrid reports whether f and other share a grid: identical pixel
// vectors, and an origin offset that is an integer linear combination
// of those vectors.
func (f Footprint) SameGrid(other Footprint) bool {
	if !vecApproxEqual(f.AX, other.AX) || !vecApproxEqual(f.AY, other.AY) {
		return false
	}
	dCol, dRow := f.SpatialToRaster(other.Origin)
	return approxEqual(dCol, math.Round(dCol)) && approxEqual(dRow, math.Round(dRow))
}

// ShareArea reports whether the two footprints' bounding polygons
// overlap with positive area.
func (f Footprint) ShareArea(other Footprint) bool {
	aMinX, aMinY, aMaxX, aMaxY := f.BoundingBox()
	bMinX, bMinY, bMaxX, bMaxY := other.BoundingBox()
	return aMinX < bMaxX && bMinX < aMaxX && aMinY < bMaxY && bMinY < aMaxY
}

// Intersection returns the footprint covering the integer-pixel
// overlap of f and other. Requires SameGrid; fails with NoOverlap
// when the two footprints are disjoint.
func (f Footprint) Intersection(other Footprint) (Footprint, error) {
	if !f.SameGrid(other) {
		return Footprint{}, errkind.New(errkind.BadArgument, "intersection requires footprints on the same grid")
	}
	dCol, dRow := f.SpatialToRaster(other.Origin)
	oCol := int(math.Round(dCol))
	oRow := int(math.Round(dRow))

	// f covers columns [0, f.RX) x rows [0, f.RY); other covers
	// [oCol, oCol+other.RX) x [oRow, oRow+other.RY) in f's pixel space.
	left := max(0, oCol)
	top := max(0, oRow)
	right := min(f.RX, oCol+other.RX)
	bottom := min(f.RY, oRow+other.RY)

	if left >= right || top >= bottom {
		return Footprint{}, errkind.New(errkind.NoOverlap, "footprints do not overlap")
	}

	origin := f.PixelToWorld(float64(left), float64(top))
	return Footprint{Origin: origin, AX: f.AX, AY: f.AY, RX: right - left, RY: bottom - top}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// BoundaryEffect controls how Tile handles a tile shape that does not
// evenly divide the footprint.
type BoundaryEffect int

const (
	// Shrink clips the last row/column of tiles to whatever remains.
	Shrink BoundaryEffect = iota
	// Exclude drops partial tiles entirely.
	Exclude
	// Overlap shifts the last row/column of tiles backward so every
	// tile stays full-size, overlapping its neighbor.
	Overlap
	// Exception fails the call if the shape does not evenly divide.
	Exception
)

// Tile generates a (TY, TX) grid of sub-footprints covering f, tiled
// at (tileRX, tileRY) with the given overlap and boundary policy.
func (f Footprint) Tile(tileRX, tileRY, overlapX, overlapY int, boundary BoundaryEffect) ([][]Footprint, error) {
	if tileRX < 1 || tileRY < 1 {
		return nil, errkind.New(errkind.BadArgument, "tile shape must be >= 1")
	}
	strideX := tileRX - overlapX
	strideY := tileRY - overlapY
	if strideX < 1 || strideY < 1 {
		return nil, errkind.New(errkind.BadArgument, "overlap must be smaller than tile shape")
	}

	if boundary == Exception {
		if f.RX%tileRX != 0 || f.RY%tileRY != 0 {
			return nil, errkind.Newf(errkind.BadTiling, "tile shape (%d,%d) does not evenly divide footprint (%d,%d)", tileRX, tileRY, f.RX, f.RY)
		}
	}

	colStarts := tileStarts(f.RX, tileRX, strideX, boundary)
	rowStarts := tileStarts(f.RY, tileRY, strideY, boundary)

	grid := make([][]Footprint, len(rowStarts))
	for ty, rowStart := range rowStarts {
		grid[ty] = make([]Footprint, len(colStarts))
		for tx, colStart := range colStarts {
			w := tileRX
			h := tileRY
			if boundary == Shrink {
				if colStart+w > f.RX {
					w = f.RX - colStart
				}
				if rowStart+h > f.RY {
					h = f.RY - rowStart
				}
			}
			origin := f.PixelToWorld(float64(colStart), float64(rowStart))
			grid[ty][tx] = Footprint{Origin: origin, AX: f.AX, AY: f.AY, RX: w, RY: h}
		}
	}
	return grid, nil
}

// tileStarts computes the pixel offsets of tile starts along one axis.
func tileStarts(total, tileSize, stride int, boundary BoundaryEffect) []int {
	var starts []int
	for start := 0; start < total; start += stride {
		remaining := total - start
		if remaining < tileSize {
			switch boundary {
			case Exclude:
				if remaining < tileSize {
					return starts
				}
			case Overlap:
				if total >= tileSize {
					start = total - tileSize
				}
				starts = append(starts, start)
				return starts
			case Shrink, Exception:
				// fall through: shrink clips in Tile(); Exception
				// already validated even division above.
			}
		}
		starts = append(starts, start)
		if remaining <= tileSize {
			break
		}
	}
	return starts
}

// Interpolation selects a resampling kernel; it also determines how
// much source-grid context BuildSamplingFootprint must include.
type Interpolation int

const (
	Nearest Interpolation = iota
	Bilinear
	Cubic
)

// kernelHalfWidth returns how many whole source pixels of context an
// interpolation kernel needs on each side of a destination pixel's
// projected center.
func (i Interpolation) kernelHalfWidth() int {
	switch i {
	case Nearest:
		return 1
	case Bilinear:
		return 1
	case Cubic:
		return 2
	default:
		return 1
	}
}

// BuildSamplingFootprint returns the smallest source-grid (f's grid)
// footprint whose pixel neighbors cover every pixel of dst's
// interpolation kernel. ok is false ("NoneRequired") if dst does not
// intersect f at all.
func (f Footprint) BuildSamplingFootprint(dst Footprint, interp Interpolation) (sampling Footprint, ok bool, err error) {
	if !f.ShareArea(dst) {
		return Footprint{}, false, nil
	}
	minX, minY, maxX, maxY := dst.BoundingBox()
	// Project the destination bounding box corners into f's pixel
	// space to find the pixel range touched.
	c1, r1 := f.SpatialToRaster(Vec2{minX, minY})
	c2, r2 := f.SpatialToRaster(Vec2{maxX, maxY})
	c3, r3 := f.SpatialToRaster(Vec2{minX, maxY})
	c4, r4 := f.SpatialToRaster(Vec2{maxX, minY})

	minCol := math.Floor(math.Min(math.Min(c1, c2), math.Min(c3, c4)))
	maxCol := math.Ceil(math.Max(math.Max(c1, c2), math.Max(c3, c4)))
	minRow := math.Floor(math.Min(math.Min(r1, r2), math.Min(r3, r4)))
	maxRow := math.Ceil(math.Max(math.Max(r1, r2), math.Max(r3, r4)))

	hw := interp.kernelHalfWidth()
	minCol -= float64(hw)
	minRow -= float64(hw)
	maxCol += float64(hw)
	maxRow += float64(hw)

	left := int(math.Max(0, minCol))
	top := int(math.Max(0, minRow))
	right := int(math.Min(float64(f.RX), maxCol))
	bottom := int(math.Min(float64(f.RY), maxRow))

	if left >= right || top >= bottom {
		return Footprint{}, false, nil
	}

	origin := f.PixelToWorld(float64(left), float64(top))
	sampling = Footprint{Origin: origin, AX: f.AX, AY: f.AY, RX: right - left, RY: bottom - top}
	return sampling, true, nil
}

func (f Footprint) String() string {
	return fmt.Sprintf("Footprint{origin:(%.3f,%.3f) ax:(%.3f,%.3f) ay:(%.3f,%.3f) size:%dx%d}",
		f.Origin.X, f.Origin.Y, f.AX.X, f.AX.Y, f.AY.X, f.AY.Y, f.RX, f.RY)
}
