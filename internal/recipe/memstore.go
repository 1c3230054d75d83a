package recipe

import (
	"math"

	"github.com/georecipe/georecipe/internal/cachetile"
	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/sr"
)

// memStore is the in-memory tile store backing recipe.NewInMemory: it
// reuses cachetile's Tile/Key/Fingerprint bookkeeping (pure data, no
// file I/O) but never touches the filesystem, storing tile content in
// a map instead of writing TIFFs — the non-cached create_raster_recipe
// variant.
type memStore struct {
	grid [][]*cachetile.Tile
	data map[[2]int]*raster.Array
}

func newMemStore(cfg Config) (*memStore, error) {
	tiling, err := cfg.RasterFP.Tile(cfg.CacheTileRX, cfg.CacheTileRY, 0, 0, footprint.Shrink)
	if err != nil {
		return nil, err
	}
	key := cachetile.Key{
		RasterFP:        cfg.RasterFP,
		DType:           cfg.DType,
		BandCount:       cfg.BandCount,
		Schema:          cfg.Schema,
		SR:              cfg.SR,
		ComputeIdentity: cfg.ComputeIdentity,
	}
	grid := make([][]*cachetile.Tile, len(tiling))
	for ty, row := range tiling {
		grid[ty] = make([]*cachetile.Tile, len(row))
		for tx, tileFP := range row {
			colOff, rowOff := cfg.RasterFP.SpatialToRaster(tileFP.Origin)
			grid[ty][tx] = &cachetile.Tile{
				FP:          tileFP,
				TLX:         int(math.Round(colOff)),
				TLY:         int(math.Round(rowOff)),
				Fingerprint: cachetile.Fingerprint(key, tileFP),
				State:       cachetile.Missing,
			}
		}
	}
	return &memStore{grid: grid, data: make(map[[2]int]*raster.Array)}, nil
}

func (m *memStore) Grid() [][]*cachetile.Tile { return m.grid }

func (m *memStore) At(ty, tx int) (*cachetile.Tile, error) {
	if ty < 0 || ty >= len(m.grid) || tx < 0 || tx >= len(m.grid[ty]) {
		return nil, errkind.Newf(errkind.BadArgument, "cache tile index (%d,%d) out of range", ty, tx)
	}
	return m.grid[ty][tx], nil
}

func (m *memStore) WriteTile(t *cachetile.Tile, a *raster.Array, srWork sr.Ref) error {
	m.data[[2]int{t.TLX, t.TLY}] = a.Clone()
	t.State = cachetile.Ready
	return nil
}

func (m *memStore) ReadTile(t *cachetile.Tile, dtype raster.DType, bandCount int) (*raster.Array, error) {
	a, ok := m.data[[2]int{t.TLX, t.TLY}]
	if !ok {
		return nil, errkind.New(errkind.DriverError, "in-memory cache tile has no stored content")
	}
	return a, nil
}
