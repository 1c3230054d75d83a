package encode

import (
	"image/color"
	"math"
	"testing"
)

func TestTerrariumRoundTrip(t *testing.T) {
	elevations := []float64{0, 1, -1, 1234.5, -11000, 8848.86, 0.25}

	for _, want := range elevations {
		c := ElevationToTerrarium(want)
		got := TerrariumToElevation(c)
		// Terrarium's 1/256m vertical resolution bounds the round-trip error.
		if math.Abs(got-want) > 1.0/256.0 {
			t.Errorf("elevation %v: round trip = %v, diff %v exceeds 1/256", want, got, math.Abs(got-want))
		}
	}
}

func TestTerrariumToElevation_Nodata(t *testing.T) {
	got := TerrariumToElevation(color.RGBA{R: 0, G: 0, B: 0, A: 0})
	if !math.IsNaN(got) {
		t.Errorf("transparent pixel: got %v, want NaN", got)
	}
}
