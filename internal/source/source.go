// Package source implements the raster (and minimal vector) source
// variants: a small closed set of tagged implementations behind a
// shared capability interface, rather than open inheritance. Every
// variant satisfies Source; some additionally satisfy Writable,
// Activatable, or recipe.Primitive (the latter folded directly into
// each concrete type rather than a separate QueueSource wrapper, since
// the stream is always the same "one full chunk from GetData" shape
// recipe.Recipe itself uses).
//
// There is deliberately one Go type per source variant rather than a
// handle/backend split: a handle that can outlive and be rebound to a
// different backend is a pattern for working around a host language's
// object lifetime rules, not a property this domain needs.
package source

import (
	"context"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/sr"
)

// Source is the capability every raster source variant exposes: fp,
// dtype, band count, band schema, stored SR, and get_data. A nil fp to
// GetData means "the source's own full footprint".
type Source interface {
	Footprint() footprint.Footprint
	DType() raster.DType
	BandCount() int
	Schema() schema.Schema
	SRStored() sr.Ref
	GetData(ctx context.Context, fp *footprint.Footprint, bands []int, dstNoData float64, interp footprint.Interpolation) (*raster.Array, error)
	Close() error
}

// Writable is the optional capability of a source opened/created in
// read-write mode: set_data, fill, delete.
type Writable interface {
	SetData(ctx context.Context, fp footprint.Footprint, a *raster.Array) error
	Fill(ctx context.Context, fp footprint.Footprint, value float64) error
	Delete(ctx context.Context) error
}

// Activatable is the optional capability of a source backed by a
// native driver handle leased from internal/driverpool: activate,
// deactivate, active. Memory-backed sources never implement this: they
// have no native handle to lease.
type Activatable interface {
	Activate(ctx context.Context) error
	Deactivate() error
	Active() bool
}

// effectiveBandCount returns the number of bands GetData/QueueData
// will return for a bands selector: every band when bands is empty,
// otherwise len(bands).
func effectiveBandCount(bands []int, total int) int {
	if len(bands) == 0 {
		return total
	}
	return len(bands)
}

// selectBands returns the subset of a's bands named by bands, in that
// order; bands == nil selects every band (a itself, not a copy).
func selectBands(a *raster.Array, bands []int) (*raster.Array, error) {
	if len(bands) == 0 {
		return a, nil
	}
	out, err := raster.New(a.DType, a.RX, a.RY, len(bands))
	if err != nil {
		return nil, err
	}
	for row := 0; row < a.RY; row++ {
		for col := 0; col < a.RX; col++ {
			for i, b := range bands {
				if b < 0 || b >= a.Bands {
					return nil, errkind.Newf(errkind.BadArgument, "band index %d out of range [0,%d)", b, a.Bands)
				}
				out.Set(row, col, i, a.At(row, col, b))
			}
		}
	}
	return out, nil
}

// schemaNoData builds the per-selected-band nodata slice resample.Request
// expects, from a source's full band schema.
func schemaNoData(sch schema.Schema, bands []int) []*float64 {
	indices := bands
	if len(indices) == 0 {
		indices = make([]int, len(sch.Bands))
		for i := range indices {
			indices[i] = i
		}
	}
	out := make([]*float64, len(indices))
	for i, b := range indices {
		if band, err := sch.At(b); err == nil {
			out[i] = band.Nodata
		}
	}
	return out
}
