// Package snapshot implements recipe-to-archive export: a one-shot
// walk of a zoom pyramid that pulls every tile out of a recipe.Recipe
// via GetData and writes it into a PMTiles v3 archive. Unlike a
// pipeline driven directly off one source file, the tile source here
// is whatever recipe.Recipe the caller built — any mix of file/array/
// derived primitives, resolved fresh (or from cache) per tile.
package snapshot

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/georecipe/georecipe/internal/encode"
	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/pmtiles"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/recipe"
	"github.com/georecipe/georecipe/internal/workerpool"
)

// earthCircumference and originShift match internal/sr's Web Mercator
// constants: the global pixel grid every zoom level's tile (x, y)
// addressing is defined against, independent of the source recipe's
// own native grid (the recipe resamples onto whatever footprint
// GetData is asked for).
const (
	earthCircumference = 40075016.685578488
	originShift         = earthCircumference / 2.0
)

// Options configures one Export run.
type Options struct {
	OutputPath string
	Recipe     *recipe.Recipe
	Bands      []int
	Interp     footprint.Interpolation
	DstNoData  float64

	MinZoom, MaxZoom int
	TileSize         int // defaults to 256

	Format  string // jpeg, png, webp, terrarium
	Quality int

	Bounds pmtiles.Bounds

	Pools       *workerpool.Manager
	PoolName    string // defaults to "io" worker pool
	Concurrency int

	Name, Description, Attribution string

	Progress func(label string, total int64) ProgressReporter
}

// ProgressReporter is notified as tiles complete; Export works without
// one (nil Progress means silent).
type ProgressReporter interface {
	Increment()
	Finish()
}

// Stats summarizes one Export run.
type Stats struct {
	TilesWritten int
	TilesSkipped int   // empty (all-nodata) tiles, not written to the archive
	TilesDeduped int64 // tiles whose encoded bytes matched an already-written tile
}

// Export walks opts.MinZoom..opts.MaxZoom, issuing one recipe.GetData
// call per tile and writing the encoded result into a PMTiles v3
// archive at opts.OutputPath.
func Export(ctx context.Context, opts Options) (Stats, error) {
	if opts.Recipe == nil {
		return Stats{}, errkind.New(errkind.BadArgument, "snapshot: Recipe is required")
	}
	if opts.Pools == nil {
		return Stats{}, errkind.New(errkind.BadArgument, "snapshot: Pools is required")
	}
	tileSize := opts.TileSize
	if tileSize == 0 {
		tileSize = 256
	}
	enc, err := encode.NewEncoder(opts.Format, opts.Quality)
	if err != nil {
		return Stats{}, err
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	poolName := opts.PoolName
	if poolName == "" {
		poolName = "io"
	}
	pool, err := opts.Pools.Get(poolName, concurrency)
	if err != nil {
		return Stats{}, err
	}

	writer, err := pmtiles.NewWriter(opts.OutputPath, pmtiles.WriterOptions{
		MinZoom:     opts.MinZoom,
		MaxZoom:     opts.MaxZoom,
		Bounds:      opts.Bounds,
		TileFormat:  enc.PMTileType(),
		TileSize:    tileSize,
		Name:        opts.Name,
		Description: opts.Description,
		Attribution: opts.Attribution,
	})
	if err != nil {
		return Stats{}, err
	}
	aborted := true
	defer func() {
		if aborted {
			writer.Abort()
		}
	}()

	var stats Stats
	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		tiles := tilesInBounds(z, opts.Bounds)
		sortByHilbert(tiles)

		var reporter ProgressReporter
		if opts.Progress != nil {
			reporter = opts.Progress(fmt.Sprintf("z%d", z), int64(len(tiles)))
		}

		results := make([]<-chan workerpool.Result, len(tiles))
		for i, t := range tiles {
			t := t
			task := func(ctx context.Context) (interface{}, error) {
				return exportOne(ctx, opts, enc, writer, tileSize, z, t[0], t[1])
			}
			ch, err := pool.Submit(ctx, task)
			if err != nil {
				return stats, err
			}
			results[i] = ch
		}
		for _, ch := range results {
			r := <-ch
			if reporter != nil {
				reporter.Increment()
			}
			if r.Err != nil {
				return stats, r.Err
			}
			if wrote, _ := r.Value.(bool); wrote {
				stats.TilesWritten++
			} else {
				stats.TilesSkipped++
			}
		}
		if reporter != nil {
			reporter.Finish()
		}
	}

	stats.TilesDeduped = writer.DedupHits()
	if err := writer.Finalize(); err != nil {
		return stats, err
	}
	aborted = false
	return stats, nil
}

// exportOne fetches, encodes, and writes a single tile. Returns true if
// a tile was written (false for an all-nodata tile, silently skipped).
func exportOne(ctx context.Context, opts Options, enc encode.Encoder, writer *pmtiles.Writer, tileSize, z, x, y int) (bool, error) {
	fp := tileFootprint(z, x, y, tileSize)
	a, err := opts.Recipe.GetData(ctx, fp, opts.Bands, opts.DstNoData, opts.Interp)
	if err != nil {
		return false, err
	}
	if allNoData(a, opts.DstNoData) {
		return false, nil
	}
	img, err := rasterToImage(a, opts.Format)
	if err != nil {
		return false, err
	}
	data, err := enc.Encode(img)
	if err != nil {
		return false, err
	}
	if err := writer.WriteTile(z, x, y, data); err != nil {
		return false, err
	}
	return true, nil
}

func allNoData(a *raster.Array, nodata float64) bool {
	if math.IsNaN(nodata) {
		return false
	}
	for row := 0; row < a.RY; row++ {
		for col := 0; col < a.RX; col++ {
			for b := 0; b < a.Bands; b++ {
				if a.At(row, col, b) != nodata {
					return false
				}
			}
		}
	}
	return true
}

// ZoomRangeForResolution picks a min/max zoom pair for a recipe whose
// native ground resolution is pixelSizeMeters, centered at centerLat,
// for callers that don't supply an explicit zoom range: walk zoom
// levels from the top looking for the finest level whose pixel size
// is still at least as coarse as the source's, then span 6 levels below
// it as an overview pyramid.
func ZoomRangeForResolution(pixelSizeMeters, centerLat float64, tileSize int) (minZoom, maxZoom int) {
	for z := 30; z >= 0; z-- {
		if resolutionAtLat(centerLat, z, tileSize) >= pixelSizeMeters {
			maxZoom = z
			break
		}
	}
	minZoom = maxZoom - 6
	if minZoom < 0 {
		minZoom = 0
	}
	return
}

func resolutionAtLat(lat float64, zoom, tileSize int) float64 {
	return earthCircumference * math.Cos(lat*math.Pi/180.0) / math.Pow(2, float64(zoom)) / float64(tileSize)
}

// tileFootprint returns the global Web Mercator footprint of tile
// (z, x, y), independent of the source recipe's own native grid;
// GetData resamples onto it like any other destination footprint.
func tileFootprint(z, x, y, tileSize int) footprint.Footprint {
	pixelSize := earthCircumference / (float64(tileSize) * math.Pow(2, float64(z)))
	origin := footprint.Vec2{
		X: -originShift + float64(x)*float64(tileSize)*pixelSize,
		Y: originShift - float64(y)*float64(tileSize)*pixelSize,
	}
	fp, _ := footprint.New(origin, footprint.Vec2{X: pixelSize}, footprint.Vec2{Y: -pixelSize}, tileSize, tileSize)
	return fp
}

// lonLatToTile converts WGS84 lon/lat to tile indices at zoom z,
// clamped to the valid [0, 2^z) range.
func lonLatToTile(lon, lat float64, z int) (x, y int) {
	n := math.Pow(2, float64(z))
	x = int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y = int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))
	max := int(n) - 1
	if x < 0 {
		x = 0
	}
	if x > max {
		x = max
	}
	if y < 0 {
		y = 0
	}
	if y > max {
		y = max
	}
	return
}

// tilesInBounds enumerates every tile (x, y) at zoom z intersecting
// bounds.
func tilesInBounds(z int, bounds pmtiles.Bounds) [][2]int {
	minX, minY := lonLatToTile(bounds.MinLon, bounds.MaxLat, z)
	maxX, maxY := lonLatToTile(bounds.MaxLon, bounds.MinLat, z)
	tiles := make([][2]int, 0, (maxX-minX+1)*(maxY-minY+1))
	for ty := minY; ty <= maxY; ty++ {
		for tx := minX; tx <= maxX; tx++ {
			tiles = append(tiles, [2]int{tx, ty})
		}
	}
	return tiles
}

// sortByHilbert orders same-zoom tiles along a Hilbert curve so
// sequential workers touch spatially nearby recipe cache tiles in
// sequence, improving driverpool/cachetile hit rates the same way
// row-major scheduling would not.
func sortByHilbert(tiles [][2]int) {
	if len(tiles) <= 1 {
		return
	}
	var maxCoord int
	for _, t := range tiles {
		if t[0] > maxCoord {
			maxCoord = t[0]
		}
		if t[1] > maxCoord {
			maxCoord = t[1]
		}
	}
	n := uint64(1)
	for n < uint64(maxCoord)+1 {
		n *= 2
	}
	indices := make([]uint64, len(tiles))
	for i, t := range tiles {
		indices[i] = xyToHilbert(uint64(t[0]), uint64(t[1]), n)
	}
	sort.Sort(hilbertOrder{tiles: tiles, indices: indices})
}

type hilbertOrder struct {
	tiles   [][2]int
	indices []uint64
}

func (h hilbertOrder) Len() int           { return len(h.tiles) }
func (h hilbertOrder) Less(i, j int) bool { return h.indices[i] < h.indices[j] }
func (h hilbertOrder) Swap(i, j int) {
	h.tiles[i], h.tiles[j] = h.tiles[j], h.tiles[i]
	h.indices[i], h.indices[j] = h.indices[j], h.indices[i]
}

func xyToHilbert(x, y, n uint64) uint64 {
	var d uint64
	s := n / 2
	for s > 0 {
		var rx, ry uint64
		if (x & s) > 0 {
			rx = 1
		}
		if (y & s) > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		if ry == 0 {
			if rx == 1 {
				x = s*2 - 1 - x
				y = s*2 - 1 - y
			}
			x, y = y, x
		}
		s /= 2
	}
	return d
}

// rasterToImage converts a's pixel data into an image.Image fit for
// encode.Encoder.Encode, mapping bands to channels positionally by
// band count: band schema metadata (nodata/interpretation) belongs to
// the recipe layer, not the image codec, so this is a fixed
// single-band/RGB/RGBA channel convention rather than a role-aware
// mapping.
func rasterToImage(a *raster.Array, format string) (image.Image, error) {
	if a.Bands < 1 {
		return nil, errkind.New(errkind.BadArgument, "snapshot: array has no bands")
	}
	if format == "terrarium" {
		return terrariumImage(a), nil
	}
	return rgbaImage(a), nil
}

func terrariumImage(a *raster.Array) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, a.RX, a.RY))
	for row := 0; row < a.RY; row++ {
		for col := 0; col < a.RX; col++ {
			img.Set(col, row, encode.ElevationToTerrarium(a.At(row, col, 0)))
		}
	}
	return img
}

func rgbaImage(a *raster.Array) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, a.RX, a.RY))
	rIdx, gIdx, bIdx, aIdx := bandChannels(a.Bands)
	lo, hi := a.DType.Range()
	scale := func(v float64) uint8 {
		if hi == lo {
			return 0
		}
		f := (v - lo) / (hi - lo) * 255
		if f < 0 {
			f = 0
		}
		if f > 255 {
			f = 255
		}
		return uint8(f)
	}
	for row := 0; row < a.RY; row++ {
		for col := 0; col < a.RX; col++ {
			r := scale(a.At(row, col, rIdx))
			g := scale(a.At(row, col, gIdx))
			b := scale(a.At(row, col, bIdx))
			alpha := uint8(255)
			if aIdx >= 0 {
				alpha = scale(a.At(row, col, aIdx))
			}
			img.Set(col, row, color.RGBA{R: r, G: g, B: b, A: alpha})
		}
	}
	return img
}

// bandChannels picks a positional R/G/B/A band mapping by band count;
// -1 for alpha means fully opaque (no alpha band present).
func bandChannels(bandCount int) (r, g, b, a int) {
	switch {
	case bandCount >= 4:
		return 0, 1, 2, 3
	case bandCount == 3:
		return 0, 1, 2, -1
	case bandCount == 2:
		return 0, 0, 0, 1
	default:
		return 0, 0, 0, -1
	}
}
