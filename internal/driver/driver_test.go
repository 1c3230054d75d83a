package driver

import (
	"testing"

	"github.com/georecipe/georecipe/internal/raster"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	for _, dtype := range []raster.DType{
		raster.Uint8, raster.Int8, raster.Uint16, raster.Int16,
		raster.Uint32, raster.Int32, raster.Float32, raster.Float64,
	} {
		a, err := raster.New(dtype, 3, 2, 1)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		values := []float64{-5, 0, 5, 12, -12, 100}
		for i, v := range values {
			row, col := i/3, i%3
			a.Set(row, col, 0, dtype.Saturate(v))
		}

		buf := encodeFrom(a, 0, dtype)
		got, err := raster.New(dtype, 3, 2, 1)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		decodeInto(got, 0, buf, dtype)

		for i := range values {
			row, col := i/3, i%3
			want := dtype.Saturate(values[i])
			if got.At(row, col, 0) != want {
				t.Errorf("%s: roundtrip[%d] = %v, want %v", dtype, i, got.At(row, col, 0), want)
			}
		}
	}
}

func TestEPSGFromWKTHint(t *testing.T) {
	wkt := `PROJCS["WGS 84 / Pseudo-Mercator",...,AUTHORITY["EPSG","3857"]]`
	epsg, ok := epsgFromWKTHint(wkt)
	if !ok || epsg != 3857 {
		t.Fatalf("epsgFromWKTHint = (%d,%v), want (3857,true)", epsg, ok)
	}
	_, ok = epsgFromWKTHint("no authority here")
	if ok {
		t.Fatal("expected no match for WKT without an EPSG authority")
	}
}
