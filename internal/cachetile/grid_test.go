package cachetile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/sr"
)

// TestIndex_GridCoversRasterInCacheTileUnits and
// TestIndex_StateCountsAcrossGrid assert on the Index's aggregate,
// structured state (grid shape, per-state tile counts) rather than a
// single field, where testify's assert/require cuts the boilerplate a
// plain stdlib comparison would need.
func TestIndex_GridCoversRasterInCacheTileUnits(t *testing.T) {
	dir := t.TempDir()
	rasterFP := testRasterFP(t) // 8x8
	sch, err := schema.Broadcast(schema.DefaultBand(), 1)
	require.NoError(t, err)

	idx, err := NewIndex(dir, rasterFP, raster.Uint8, 1, sch, sr.Ref{}, "id", 4, 4, false)
	require.NoError(t, err)

	grid := idx.Grid()
	require.Len(t, grid, 2, "8x8 raster over 4x4 cache tiles should yield a 2-row grid")
	for _, row := range grid {
		assert.Len(t, row, 2, "8x8 raster over 4x4 cache tiles should yield a 2-col grid")
	}
}

func TestIndex_StateCountsAcrossGrid(t *testing.T) {
	dir := t.TempDir()
	rasterFP := testRasterFP(t) // 8x8, 2x2 grid of 4x4 cache tiles
	sch, err := schema.Broadcast(schema.DefaultBand(), 1)
	require.NoError(t, err)

	idx, err := NewIndex(dir, rasterFP, raster.Uint8, 1, sch, sr.Ref{}, "id", 4, 4, false)
	require.NoError(t, err)

	tile, err := idx.At(0, 0)
	require.NoError(t, err)
	require.True(t, TryClaim(tile))

	a, err := raster.New(raster.Uint8, tile.FP.RX, tile.FP.RY, 1)
	require.NoError(t, err)
	require.NoError(t, idx.WriteTile(tile, a, sr.Ref{}))

	counts := map[State]int{}
	for _, row := range idx.Grid() {
		for _, tl := range row {
			counts[tl.State]++
		}
	}
	assert.Equal(t, 1, counts[Ready], "exactly one tile was written")
	assert.Equal(t, 3, counts[Missing], "the rest of the grid is untouched")
}
