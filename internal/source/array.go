package source

import (
	"context"
	"math"
	"sync"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/recipe"
	"github.com/georecipe/georecipe/internal/resample"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/sr"
)

// ArraySource is the in-memory array-wrapping variant (the
// wrap_numpy_raster path) — a trivial leaf that holds its own pixel
// data directly rather than leasing a native handle. Not Activatable:
// there is no native resource to lease.
type ArraySource struct {
	mu       sync.Mutex
	fp       footprint.Footprint
	sch      schema.Schema
	srStored sr.Ref
	writable bool
	closed   bool
	data     *raster.Array
}

// NewArraySource wraps an already-populated array as a source (the
// wrap_numpy_raster path). When writable is false, SetData/Fill/Delete
// fail. See WrapNumpyRaster for the registry-registering form.
func NewArraySource(fp footprint.Footprint, a *raster.Array, sch *schema.Schema, srRef sr.Ref, writable bool) (*ArraySource, error) {
	if a.RX != fp.RX || a.RY != fp.RY {
		return nil, errkind.Newf(errkind.BadArgument, "array shape %dx%d does not match footprint shape %dx%d", a.RX, a.RY, fp.RX, fp.RY)
	}
	resolved, err := schema.Sanitize(sch, a.Bands)
	if err != nil {
		return nil, err
	}
	return &ArraySource{fp: fp, sch: resolved, srStored: srRef, writable: writable, data: a}, nil
}

func (s *ArraySource) Footprint() footprint.Footprint { return s.fp }
func (s *ArraySource) DType() raster.DType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.DType
}
func (s *ArraySource) BandCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Bands
}
func (s *ArraySource) Schema() schema.Schema { return s.sch }
func (s *ArraySource) SRStored() sr.Ref      { return s.srStored }

// GetData reads fp (the source's full footprint when nil) directly
// out of the wrapped array, resampling only if fp does not share the
// source's grid.
func (s *ArraySource) GetData(ctx context.Context, fp *footprint.Footprint, bands []int, dstNoData float64, interp footprint.Interpolation) (*raster.Array, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errkind.New(errkind.Closed, "source is closed")
	}
	full := s.data
	s.mu.Unlock()

	dstFP := s.fp
	if fp != nil {
		dstFP = *fp
	}
	sub, err := selectBands(full, bands)
	if err != nil {
		return nil, err
	}
	return resample.Remap(resample.Request{
		SrcFP:     s.fp,
		DstFP:     dstFP,
		Src:       sub,
		SrcNoData: schemaNoData(s.sch, bands),
		DstNoData: dstNoData,
		MaskMode:  resample.MaskErode,
		Interp:    interp,
	})
}

// SetData pastes a into the wrapped array at fp exactly (no
// resampling), requiring fp to share the source's grid.
func (s *ArraySource) SetData(ctx context.Context, fp footprint.Footprint, a *raster.Array) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errkind.New(errkind.Closed, "source is closed")
	}
	if !s.writable {
		return errkind.New(errkind.BadArgument, "source was not wrapped in write mode")
	}
	if !s.fp.SameGrid(fp) {
		return errkind.New(errkind.BadArgument, "set_data requires fp to share the source's grid")
	}
	colOff, rowOff := s.fp.SpatialToRaster(fp.Origin)
	return a.PasteInto(s.data, int(math.Round(colOff)), int(math.Round(rowOff)))
}

// Fill writes value to every pixel of fp.
func (s *ArraySource) Fill(ctx context.Context, fp footprint.Footprint, value float64) error {
	s.mu.Lock()
	bandCount := s.data.Bands
	dtype := s.data.DType
	s.mu.Unlock()
	a, err := raster.Fill(dtype, fp.RX, fp.RY, bandCount, value)
	if err != nil {
		return err
	}
	return s.SetData(ctx, fp, a)
}

// Delete zeroes the entire array; an in-memory source has no backing
// file to unlink, so "delete" means "clear its content".
func (s *ArraySource) Delete(ctx context.Context) error {
	return s.Fill(ctx, s.fp, 0)
}

// QueueData implements recipe.Primitive directly off GetData, like
// FileSource and recipe.Recipe itself: one chunk spanning fp.
func (s *ArraySource) QueueData(ctx context.Context, fp footprint.Footprint, bands []int, interp footprint.Interpolation, maxQueueSize int) (<-chan recipe.SubResult, error) {
	ch := make(chan recipe.SubResult, 1)
	go func() {
		defer close(ch)
		a, err := s.GetData(ctx, &fp, bands, 0, interp)
		if err != nil {
			ch <- recipe.SubResult{Err: err}
			return
		}
		ch <- recipe.SubResult{FP: fp, Array: a}
	}()
	return ch, nil
}

func (s *ArraySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
