// Package resample implements the remapper: given a source array on
// src_fp and a destination footprint dst_fp, produce the array dst_fp
// would see — a pure slice/copy on the same-grid fast path, otherwise
// nearest/bilinear/cubic interpolation with nodata-aware mask erosion.
// The resampling kernels work over arbitrary-dtype raster.Array
// pixels rather than a fixed RGBA image, and scratch buffers are
// reused from a sync.Pool keyed by array shape instead of image
// bounds.
package resample

import (
	"math"
	"sync"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
)

// MaskMode controls how source nodata propagates to the destination.
type MaskMode int

const (
	// MaskPassThrough leaves interpolated values as computed even if a
	// kernel sample touched a nodata source pixel.
	MaskPassThrough MaskMode = iota
	// MaskErode assigns DstNoData to any destination pixel whose kernel
	// touched a nodata (or out-of-bounds) source pixel.
	MaskErode
)

// Request is the remap operation's full input.
type Request struct {
	SrcFP             footprint.Footprint
	DstFP             footprint.Footprint
	Src               *raster.Array
	SrcNoData         []*float64 // per band, nil entries mean "no nodata"
	DstNoData         float64
	MaskMode          MaskMode
	Interp            footprint.Interpolation
	MaxResamplingSize int // 0 means unbounded
}

// Remap produces the array dst_fp would observe, resampling from src
// when the grids differ.
func Remap(req Request) (*raster.Array, error) {
	if req.Src == nil {
		return nil, errkind.New(errkind.BadArgument, "resample: nil source array")
	}
	if req.Src.DType == raster.Bool && req.Interp != footprint.Nearest {
		return nil, errkind.New(errkind.BadArgument, "boolean rasters support only nearest interpolation")
	}
	if req.MaxResamplingSize > 0 && req.DstFP.RX*req.DstFP.RY > req.MaxResamplingSize {
		return nil, errkind.Newf(errkind.BadArgument,
			"destination %dx%d exceeds max_resampling_size %d; caller must tile", req.DstFP.RX, req.DstFP.RY, req.MaxResamplingSize)
	}

	if req.SrcFP.SameGrid(req.DstFP) {
		return sliceCopy(req)
	}

	switch req.Interp {
	case footprint.Nearest:
		return kernelResample(req, 0, nearestWeight)
	case footprint.Bilinear:
		return kernelResample(req, 1, linearWeight)
	case footprint.Cubic:
		return kernelResample(req, 2, cubicWeight)
	default:
		return nil, errkind.Newf(errkind.BadArgument, "unsupported interpolation %v", req.Interp)
	}
}

// sliceCopy implements the same-grid fast path: a pure pixel-space
// crop, no resampling kernel involved.
func sliceCopy(req Request) (*raster.Array, error) {
	colOff, rowOff := req.SrcFP.SpatialToRaster(req.DstFP.Origin)
	ci, ri := int(math.Round(colOff)), int(math.Round(rowOff))
	return req.Src.Crop(ci, ri, req.DstFP.RX, req.DstFP.RY, req.DstNoData)
}

type weightFunc func(t float64) float64

func nearestWeight(t float64) float64 {
	if t >= -0.5 && t < 0.5 {
		return 1
	}
	return 0
}

func linearWeight(t float64) float64 {
	t = math.Abs(t)
	if t < 1 {
		return 1 - t
	}
	return 0
}

// cubicWeight is the standard Catmull-Rom-derived cubic convolution
// kernel (a = -0.5), giving a 4x4 sampling neighborhood.
func cubicWeight(t float64) float64 {
	const a = -0.5
	t = math.Abs(t)
	switch {
	case t <= 1:
		return (a+2)*t*t*t - (a+3)*t*t + 1
	case t < 2:
		return a*t*t*t - 5*a*t*t + 8*a*t - 4*a
	default:
		return 0
	}
}

// kernelResample samples req.Src around each dst pixel center with a
// (2*halfWidth)-wide (or 1-wide for nearest) separable kernel.
// Integer dtypes are resampled in floating point then cast back with
// saturation.
func kernelResample(req Request, halfWidth int, weight weightFunc) (*raster.Array, error) {
	dst, err := GetBuffer(req.Src.DType, req.DstFP.RX, req.DstFP.RY, req.Src.Bands)
	if err != nil {
		return nil, err
	}

	for row := 0; row < req.DstFP.RY; row++ {
		for col := 0; col < req.DstFP.RX; col++ {
			world := req.DstFP.PixelToWorld(float64(col)+0.5, float64(row)+0.5)
			srcCol, srcRow := req.SrcFP.SpatialToRaster(world)
			// srcCol/srcRow are in pixel-corner space; shift to
			// pixel-center space so the kernel is centered on the
			// nearest source pixel.
			cx, cy := srcCol-0.5, srcRow-0.5

			for b := 0; b < req.Src.Bands; b++ {
				v, eroded := sampleBand(req, b, cx, cy, halfWidth, weight)
				if eroded && req.MaskMode == MaskErode {
					dst.Set(row, col, b, req.DstNoData)
					continue
				}
				dst.Set(row, col, b, req.Src.DType.Saturate(v))
			}
		}
	}
	return dst, nil
}

func sampleBand(req Request, band int, cx, cy float64, halfWidth int, weight weightFunc) (value float64, eroded bool) {
	var srcNodata *float64
	if band < len(req.SrcNoData) {
		srcNodata = req.SrcNoData[band]
	}

	i0, j0 := int(math.Floor(cx)), int(math.Floor(cy))
	lo, hi := -halfWidth, halfWidth+1
	if halfWidth == 0 {
		lo, hi = 0, 1
		i0, j0 = int(math.Floor(cx+0.5)), int(math.Floor(cy+0.5))
	}

	var sum, weightSum float64
	for dj := lo; dj < hi; dj++ {
		srow := j0 + dj
		wy := weight(cy - float64(srow))
		if wy == 0 {
			continue
		}
		for di := lo; di < hi; di++ {
			scol := i0 + di
			wx := weight(cx - float64(scol))
			if wx == 0 {
				continue
			}
			w := wx * wy
			if scol < 0 || scol >= req.Src.RX || srow < 0 || srow >= req.Src.RY {
				eroded = true
				continue
			}
			v := req.Src.At(srow, scol, band)
			if srcNodata != nil && v == *srcNodata {
				eroded = true
				continue
			}
			sum += v * w
			weightSum += w
		}
	}
	if weightSum == 0 {
		return req.DstNoData, true
	}
	return sum / weightSum, eroded
}

// bufferPools reuses raster.Array allocations keyed by (dtype, rx, ry,
// bands): a shape-keyed sync.Pool of scratch buffers for the
// resampling kernel's destination array.
var bufferPools sync.Map

type poolKey struct {
	dtype         raster.DType
	rx, ry, bands int
}

// GetBuffer returns a zeroed Array of the given shape from the pool,
// or allocates a new one.
func GetBuffer(dtype raster.DType, rx, ry, bands int) (*raster.Array, error) {
	key := poolKey{dtype, rx, ry, bands}
	if p, ok := bufferPools.Load(key); ok {
		if v := p.(*sync.Pool).Get(); v != nil {
			a := v.(*raster.Array)
			for i := range a.Data {
				a.Data[i] = 0
			}
			return a, nil
		}
	}
	return raster.New(dtype, rx, ry, bands)
}

// PutBuffer returns an Array to the pool for reuse.
func PutBuffer(a *raster.Array) {
	if a == nil {
		return
	}
	key := poolKey{a.DType, a.RX, a.RY, a.Bands}
	p, _ := bufferPools.LoadOrStore(key, &sync.Pool{})
	p.(*sync.Pool).Put(a)
}
