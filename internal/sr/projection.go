// Package sr is the registry's spatial-reference collaborator.
// Cross-SR *raster content* warping is out of scope here — the engine
// only ever shifts/scales/rotates on the pixel grid — so this package
// supplies the one piece actually required: a pure
// convert_footprint(fp, srcSR, dstSR) function, reprojecting a
// footprint's corner geometry between coordinate systems. There is no
// PROJ/OSR binding available, so the small set of supported
// projections below are implemented directly.
package sr

import (
	"math"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
)

// Ref identifies a spatial reference by EPSG code. An empty/zero Ref
// means no spatial reference is declared.
type Ref struct {
	EPSG int
}

func (r Ref) IsZero() bool { return r.EPSG == 0 }

// Projection converts between a source CRS and WGS84 lon/lat degrees.
type Projection interface {
	ToWGS84(x, y float64) (lon, lat float64)
	FromWGS84(lon, lat float64) (x, y float64)
	EPSG() int
}

// ForEPSG returns the Projection for a supported EPSG code, or nil.
func ForEPSG(epsg int) Projection {
	switch epsg {
	case 4326:
		return wgs84Identity{}
	case 3857:
		return webMercator{}
	case 2056:
		return swissLV95{}
	default:
		return nil
	}
}

type wgs84Identity struct{}

func (wgs84Identity) EPSG() int                                  { return 4326 }
func (wgs84Identity) ToWGS84(x, y float64) (lon, lat float64)    { return x, y }
func (wgs84Identity) FromWGS84(lon, lat float64) (x, y float64) { return lon, lat }

// earthCircumference is the equatorial circumference in meters used
// by the spherical Web Mercator projection below.
const earthCircumference = 40075016.685578488
const originShift = earthCircumference / 2.0

type webMercator struct{}

func (webMercator) EPSG() int { return 3857 }

func (webMercator) ToWGS84(x, y float64) (lon, lat float64) {
	lon = (x / originShift) * 180.0
	lat = (y / originShift) * 180.0
	lat = 180.0 / math.Pi * (2.0*math.Atan(math.Exp(lat*math.Pi/180.0)) - math.Pi/2.0)
	return
}

func (webMercator) FromWGS84(lon, lat float64) (x, y float64) {
	x = lon * originShift / 180.0
	y = math.Log(math.Tan((90.0+lat)*math.Pi/360.0)) / (math.Pi / 180.0)
	y = y * originShift / 180.0
	return
}

// swissLV95 implements EPSG:2056 (CH1903+ / LV95) via swisstopo's
// published polynomial approximation, ~1m accuracy.
type swissLV95 struct{}

func (swissLV95) EPSG() int { return 2056 }

func (swissLV95) ToWGS84(easting, northing float64) (lon, lat float64) {
	y := (easting - 2_600_000) / 1_000_000
	x := (northing - 1_200_000) / 1_000_000

	lonSec := 2.6779094 +
		4.728982*y +
		0.791484*y*x +
		0.1306*y*x*x -
		0.0436*y*y*y

	latSec := 16.9023892 +
		3.238272*x -
		0.270978*y*y -
		0.002528*x*x -
		0.0447*y*y*x -
		0.0140*x*x*x

	lon = lonSec * 100.0 / 36.0
	lat = latSec * 100.0 / 36.0
	return
}

func (swissLV95) FromWGS84(lon, lat float64) (easting, northing float64) {
	phiSec := lat * 3600
	lambdaSec := lon * 3600

	phiAux := (phiSec - 169028.66) / 10000
	lambdaAux := (lambdaSec - 26782.5) / 10000

	easting = 2_600_072.37 +
		211_455.93*lambdaAux -
		10_938.51*lambdaAux*phiAux -
		0.36*lambdaAux*phiAux*phiAux -
		44.54*lambdaAux*lambdaAux*lambdaAux

	northing = 1_200_147.07 +
		308_807.95*phiAux +
		3_745.25*lambdaAux*lambdaAux +
		76.63*phiAux*phiAux -
		194.56*lambdaAux*lambdaAux*phiAux +
		119.79*phiAux*phiAux*phiAux
	return
}

// jacobianStep is the finite-difference step (in source-CRS units via
// WGS84 degrees) used to linearize a projection around a point, so
// that pixel vectors (which are differences, not points) can be
// reprojected consistently with the origin.
const jacobianStep = 1e-6

// ConvertFootprint reprojects fp's geometry from srcSR to dstSR,
// preserving axis alignment — it only ever shifts, scales, or rotates
// the grid, never warps raster content. If the local Jacobian of the
// projection introduces a skew beyond tolerance, the conversion is
// lossy; analyseTransformation callers get SrConversionLossy instead
// of a silently wrong footprint.
func ConvertFootprint(fp footprint.Footprint, srcSR, dstSR Ref, analyseTransformation bool) (footprint.Footprint, error) {
	if srcSR.IsZero() || dstSR.IsZero() || srcSR == dstSR {
		return fp, nil
	}
	src := ForEPSG(srcSR.EPSG)
	dst := ForEPSG(dstSR.EPSG)
	if src == nil || dst == nil {
		return footprint.Footprint{}, errkind.Newf(errkind.BadSrMode, "unsupported EPSG conversion %d -> %d", srcSR.EPSG, dstSR.EPSG)
	}

	reproject := func(p footprint.Vec2) footprint.Vec2 {
		lon, lat := src.ToWGS84(p.X, p.Y)
		x, y := dst.FromWGS84(lon, lat)
		return footprint.Vec2{X: x, Y: y}
	}

	newOrigin := reproject(fp.Origin)
	// Linearize AX/AY around the origin via finite differences in
	// source-CRS pixel space, scaled up for numerical stability then
	// back down, so tiny pixel vectors don't vanish into rounding noise.
	const scaleUp = 1.0 / jacobianStep
	ax := vecSub(reproject(addVec(fp.Origin, scaleVec(fp.AX, jacobianStep))), newOrigin)
	ax = scaleVec(ax, scaleUp)
	ay := vecSub(reproject(addVec(fp.Origin, scaleVec(fp.AY, jacobianStep))), newOrigin)
	ay = scaleVec(ay, scaleUp)

	if analyseTransformation && isSkewed(ax, ay) {
		return footprint.Footprint{}, errkind.New(errkind.SrConversionLossy, "reprojected pixel grid is no longer axis-aligned")
	}

	return footprint.Footprint{Origin: newOrigin, AX: ax, AY: ay, RX: fp.RX, RY: fp.RY}, nil
}

func addVec(a, b footprint.Vec2) footprint.Vec2   { return footprint.Vec2{X: a.X + b.X, Y: a.Y + b.Y} }
func vecSub(a, b footprint.Vec2) footprint.Vec2    { return footprint.Vec2{X: a.X - b.X, Y: a.Y - b.Y} }
func scaleVec(a footprint.Vec2, s float64) footprint.Vec2 { return footprint.Vec2{X: a.X * s, Y: a.Y * s} }

// isSkewed reports whether ax/ay have drifted away from being axis
// aligned (one purely horizontal, one purely vertical) beyond a
// generous tolerance appropriate for degree-to-meter reprojections.
func isSkewed(ax, ay footprint.Vec2) bool {
	const tolerance = 0.05 // 5% cross-axis component
	axLen := math.Hypot(ax.X, ax.Y)
	ayLen := math.Hypot(ay.X, ay.Y)
	if axLen == 0 || ayLen == 0 {
		return true
	}
	return math.Abs(ax.Y)/axLen > tolerance || math.Abs(ay.X)/ayLen > tolerance
}
