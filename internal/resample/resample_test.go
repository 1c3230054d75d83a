package resample

import (
	"testing"

	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
)

func square(t *testing.T, origin footprint.Vec2, rx, ry int) footprint.Footprint {
	t.Helper()
	fp, err := footprint.New(origin, footprint.Vec2{X: 1}, footprint.Vec2{Y: -1}, rx, ry)
	if err != nil {
		t.Fatalf("footprint.New: %v", err)
	}
	return fp
}

func TestRemap_SameGridIsPureCrop(t *testing.T) {
	src, _ := raster.New(raster.Uint8, 4, 4, 1)
	for i := range src.Data {
		src.Data[i] = float64(i)
	}
	srcFP := square(t, footprint.Vec2{}, 4, 4)
	dstFP := square(t, footprint.Vec2{X: 1, Y: -1}, 2, 2)

	got, err := Remap(Request{SrcFP: srcFP, DstFP: dstFP, Src: src, Interp: footprint.Nearest})
	if err != nil {
		t.Fatalf("Remap: %v", err)
	}
	want, _ := src.Crop(1, 1, 2, 2, 0)
	if !got.Equal(want) {
		t.Errorf("Remap same-grid = %v, want %v", got, want)
	}
}

func TestRemap_NearestUpsample(t *testing.T) {
	src, _ := raster.New(raster.Uint8, 2, 2, 1)
	src.Set(0, 0, 0, 10)
	src.Set(0, 1, 0, 20)
	src.Set(1, 0, 0, 30)
	src.Set(1, 1, 0, 40)
	srcFP := square(t, footprint.Vec2{}, 2, 2)

	dstFP, err := footprint.New(footprint.Vec2{}, footprint.Vec2{X: 0.5}, footprint.Vec2{Y: -0.5}, 4, 4)
	if err != nil {
		t.Fatalf("footprint.New: %v", err)
	}

	got, err := Remap(Request{SrcFP: srcFP, DstFP: dstFP, Src: src, Interp: footprint.Nearest})
	if err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if got.At(0, 0, 0) != 10 || got.At(0, 3, 0) != 20 || got.At(3, 0, 0) != 30 || got.At(3, 3, 0) != 40 {
		t.Errorf("nearest upsample corners = %v %v %v %v, want 10 20 30 40",
			got.At(0, 0, 0), got.At(0, 3, 0), got.At(3, 0, 0), got.At(3, 3, 0))
	}
}

func TestRemap_BilinearInterpolatesBetweenSamples(t *testing.T) {
	src, _ := raster.New(raster.Float64, 2, 1, 1)
	src.Set(0, 0, 0, 0)
	src.Set(0, 1, 0, 10)
	srcFP := square(t, footprint.Vec2{}, 2, 1)

	dstFP, err := footprint.New(footprint.Vec2{X: 0.5}, footprint.Vec2{X: 1}, footprint.Vec2{Y: -1}, 1, 1)
	if err != nil {
		t.Fatalf("footprint.New: %v", err)
	}
	got, err := Remap(Request{SrcFP: srcFP, DstFP: dstFP, Src: src, Interp: footprint.Bilinear})
	if err != nil {
		t.Fatalf("Remap: %v", err)
	}
	v := got.At(0, 0, 0)
	if v < 1 || v > 9 {
		t.Errorf("bilinear interpolated value = %v, want strictly between source samples 0 and 10", v)
	}
}

func TestRemap_MaskErodePropagatesNodata(t *testing.T) {
	src, _ := raster.New(raster.Float64, 2, 2, 1)
	nodata := -1.0
	src.Set(0, 0, 0, nodata)
	src.Set(0, 1, 0, 5)
	src.Set(1, 0, 0, 5)
	src.Set(1, 1, 0, 5)
	srcFP := square(t, footprint.Vec2{}, 2, 2)

	dstFP, err := footprint.New(footprint.Vec2{}, footprint.Vec2{X: 0.5}, footprint.Vec2{Y: -0.5}, 4, 4)
	if err != nil {
		t.Fatalf("footprint.New: %v", err)
	}
	got, err := Remap(Request{
		SrcFP: srcFP, DstFP: dstFP, Src: src,
		SrcNoData: []*float64{&nodata},
		DstNoData: -99,
		MaskMode:  MaskErode,
		Interp:    footprint.Bilinear,
	})
	if err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if got.At(0, 0, 0) != -99 {
		t.Errorf("expected eroded corner near nodata source pixel to be dst_nodata, got %v", got.At(0, 0, 0))
	}
}

func TestRemap_BooleanRequiresNearest(t *testing.T) {
	src, _ := raster.New(raster.Bool, 2, 2, 1)
	srcFP := square(t, footprint.Vec2{}, 2, 2)
	dstFP := square(t, footprint.Vec2{X: 1, Y: -1}, 1, 1)
	_, err := Remap(Request{SrcFP: srcFP, DstFP: dstFP, Src: src, Interp: footprint.Bilinear})
	if err == nil {
		t.Fatal("expected error for bilinear interpolation of boolean raster")
	}
}

func TestRemap_RejectsOversizedDestination(t *testing.T) {
	src, _ := raster.New(raster.Uint8, 4, 4, 1)
	srcFP := square(t, footprint.Vec2{}, 4, 4)
	dstFP, err := footprint.New(footprint.Vec2{}, footprint.Vec2{X: 0.5}, footprint.Vec2{Y: -0.5}, 10, 10)
	if err != nil {
		t.Fatalf("footprint.New: %v", err)
	}
	_, err = Remap(Request{SrcFP: srcFP, DstFP: dstFP, Src: src, Interp: footprint.Nearest, MaxResamplingSize: 50})
	if err == nil {
		t.Fatal("expected error for destination exceeding max_resampling_size")
	}
}

func TestBufferPool_ReuseZeroesData(t *testing.T) {
	a, err := GetBuffer(raster.Uint8, 2, 2, 1)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	a.Set(0, 0, 0, 9)
	PutBuffer(a)

	b, err := GetBuffer(raster.Uint8, 2, 2, 1)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if b.At(0, 0, 0) != 0 {
		t.Errorf("expected reused buffer to be zeroed, got %v", b.At(0, 0, 0))
	}
}
