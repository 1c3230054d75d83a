package source

import (
	"context"
	"testing"

	"github.com/georecipe/georecipe/internal/driverpool"
	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/sr"
)

func squareFootprint(rx, ry int) footprint.Footprint {
	fp, err := footprint.New(footprint.Vec2{X: 0, Y: 0}, footprint.Vec2{X: 1, Y: 0}, footprint.Vec2{X: 0, Y: -1}, rx, ry)
	if err != nil {
		panic(err)
	}
	return fp
}

// fakeHandle is a driver.Handle backed by an in-memory array, standing
// in for a real GDAL/COG dataset so FileSource's pool-leasing and
// read/write logic can be tested without a native driver dependency.
type fakeHandle struct {
	fp     footprint.Footprint
	dtype  raster.DType
	bands  int
	sch    schema.Schema
	srRef  sr.Ref
	data   *raster.Array
	closed bool
}

func (h *fakeHandle) Footprint() footprint.Footprint { return h.fp }
func (h *fakeHandle) DType() raster.DType             { return h.dtype }
func (h *fakeHandle) BandCount() int                  { return h.bands }
func (h *fakeHandle) Schema() schema.Schema           { return h.sch }
func (h *fakeHandle) SRStored() sr.Ref                { return h.srRef }
func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

func (h *fakeHandle) Read(ctx context.Context, colOff, rowOff, rx, ry int, bands []int) (*raster.Array, error) {
	if len(bands) == 0 {
		bands = make([]int, h.bands)
		for i := range bands {
			bands[i] = i
		}
	}
	out, err := raster.New(h.dtype, rx, ry, len(bands))
	if err != nil {
		return nil, err
	}
	for row := 0; row < ry; row++ {
		for col := 0; col < rx; col++ {
			for i, b := range bands {
				out.Set(row, col, i, h.data.At(row+rowOff, col+colOff, b))
			}
		}
	}
	return out, nil
}

func (h *fakeHandle) Write(ctx context.Context, colOff, rowOff int, a *raster.Array, bands []int) error {
	if len(bands) == 0 {
		bands = make([]int, a.Bands)
		for i := range bands {
			bands[i] = i
		}
	}
	for row := 0; row < a.RY; row++ {
		for col := 0; col < a.RX; col++ {
			for i, b := range bands {
				h.data.Set(row+rowOff, col+colOff, b, a.At(row, col, i))
			}
		}
	}
	return nil
}

func TestFileSourceRoundTrip(t *testing.T) {
	ctx := context.Background()
	fp := squareFootprint(4, 4)
	sch, err := schema.Sanitize(nil, 1)
	if err != nil {
		t.Fatalf("schema.Sanitize: %v", err)
	}
	data, err := raster.Fill(raster.Uint8, 4, 4, 1, 0)
	if err != nil {
		t.Fatalf("raster.Fill: %v", err)
	}
	shared := &fakeHandle{fp: fp, dtype: raster.Uint8, bands: 1, sch: sch, data: data}

	pool, err := driverpool.New(2)
	if err != nil {
		t.Fatalf("driverpool.New: %v", err)
	}
	allocate := func(ctx context.Context) (driverpool.Handle, error) { return shared, nil }

	fs, err := openFile(ctx, pool, "fake:test", true, allocate)
	if err != nil {
		t.Fatalf("openFile: %v", err)
	}
	if !fs.Footprint().SameGrid(fp) || fs.DType() != raster.Uint8 || fs.BandCount() != 1 {
		t.Fatalf("unexpected metadata: fp=%v dtype=%v bands=%d", fs.Footprint(), fs.DType(), fs.BandCount())
	}
	// openFile's metadata read releases its lease back to idle.
	if fs.Active() {
		t.Fatalf("source should not be active until explicitly Activate()d")
	}

	window := footprint.Footprint{Origin: fp.PixelToWorld(1, 1), AX: fp.AX, AY: fp.AY, RX: 2, RY: 2}
	write, err := raster.Fill(raster.Uint8, 2, 2, 1, 77)
	if err != nil {
		t.Fatalf("raster.Fill: %v", err)
	}
	if err := fs.SetData(ctx, window, write); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	got, err := fs.GetData(ctx, &window, nil, 0, footprint.Nearest)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if !got.Equal(write) {
		t.Fatalf("round trip mismatch: got %v, want %v", got.Data, write.Data)
	}

	if err := fs.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !fs.Active() {
		t.Fatalf("expected Active() after Activate")
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fs.Active() {
		t.Fatalf("expected inactive after Close")
	}
	if !shared.closed {
		t.Fatalf("expected underlying handle to be closed")
	}
	if pool.ActiveCount() != 0 {
		t.Fatalf("expected pool to have evicted the handle, active count = %d", pool.ActiveCount())
	}
}

func TestArraySourceRoundTrip(t *testing.T) {
	ctx := context.Background()
	fp := squareFootprint(3, 3)
	a, err := raster.Fill(raster.Uint8, 3, 3, 1, 5)
	if err != nil {
		t.Fatalf("raster.Fill: %v", err)
	}
	as, err := NewArraySource(fp, a, nil, sr.Ref{}, true)
	if err != nil {
		t.Fatalf("NewArraySource: %v", err)
	}

	got, err := as.GetData(ctx, nil, nil, 0, footprint.Nearest)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if !got.Equal(a) {
		t.Fatalf("expected full-footprint read to return the wrapped array unchanged")
	}

	window := footprint.Footprint{Origin: fp.PixelToWorld(1, 0), AX: fp.AX, AY: fp.AY, RX: 2, RY: 1}
	write, err := raster.Fill(raster.Uint8, 2, 1, 1, 9)
	if err != nil {
		t.Fatalf("raster.Fill: %v", err)
	}
	if err := as.SetData(ctx, window, write); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	after, err := as.GetData(ctx, &window, nil, 0, footprint.Nearest)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if !after.Equal(write) {
		t.Fatalf("set_data/get_data round trip mismatch")
	}

	if err := as.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := as.GetData(ctx, nil, nil, 0, footprint.Nearest); !errkind.Is(err, errkind.Closed) {
		t.Fatalf("expected Closed error after Close, got %v", err)
	}
}

func TestArraySourceReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	fp := squareFootprint(2, 2)
	a, err := raster.Fill(raster.Uint8, 2, 2, 1, 1)
	if err != nil {
		t.Fatalf("raster.Fill: %v", err)
	}
	as, err := NewArraySource(fp, a, nil, sr.Ref{}, false)
	if err != nil {
		t.Fatalf("NewArraySource: %v", err)
	}
	if err := as.Fill(ctx, fp, 2); !errkind.Is(err, errkind.BadArgument) {
		t.Fatalf("expected BadArgument writing to a read-only source, got %v", err)
	}
}

func TestVectorSourceLifecycle(t *testing.T) {
	vs := CreateVector(sr.Ref{EPSG: 4326})
	if err := vs.AddFeature(Feature{Geometry: []footprint.Vec2{{X: 1, Y: 2}}, Properties: map[string]any{"name": "a"}}); err != nil {
		t.Fatalf("AddFeature: %v", err)
	}
	feats, err := vs.Features()
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	if len(feats) != 1 || feats[0].Properties["name"] != "a" {
		t.Fatalf("unexpected features: %+v", feats)
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := vs.Features(); !errkind.Is(err, errkind.Closed) {
		t.Fatalf("expected Closed error after Close, got %v", err)
	}
}
