// Package raster holds the pixel-data value type (Array) shared by
// every raster source, the scheduler, and the resampler. Arrays carry
// an explicit DType so that integer and boolean data round-trip
// exactly through get/set and through resampling's cast-back step —
// the dtype is preserved exactly, never silently reinterpreted.
package raster

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/georecipe/georecipe/internal/errkind"
)

// DType is a pixel numeric type, mirroring the small set of GDAL-style
// raster types the recipe engine needs to round-trip exactly.
type DType int

const (
	Uint8 DType = iota
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
	Bool
)

func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Uint32:
		return "uint32"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// Range returns the representable [min, max] for integer/bool dtypes.
// Float dtypes return (-Inf, +Inf) since they are not clamped.
func (d DType) Range() (min, max float64) {
	switch d {
	case Uint8:
		return 0, 255
	case Int8:
		return -128, 127
	case Uint16:
		return 0, 65535
	case Int16:
		return -32768, 32767
	case Uint32:
		return 0, 4294967295
	case Int32:
		return -2147483648, 2147483647
	case Bool:
		return 0, 1
	default:
		return math.Inf(-1), math.Inf(1)
	}
}

// Saturate clamps v into d's representable range, rounding to the
// nearest integer for integer/bool dtypes. Float dtypes pass v
// through unchanged (Float32 truncates mantissa precision only at
// encode time, not here).
func (d DType) Saturate(v float64) float64 {
	if d == Float32 || d == Float64 {
		return v
	}
	lo, hi := d.Range()
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r < lo {
		return lo
	}
	if r > hi {
		return hi
	}
	return r
}

// Array is a dense (RY, RX, Bands) raster value, row-major with bands
// interleaved innermost. Values are stored as float64 regardless of
// DType; DType is exact for every integer/bool/float32 magnitude this
// module supports, so no precision is lost between Set/Get or between
// a compute step and its eventual on-disk encoding.
type Array struct {
	DType   DType
	RX, RY  int
	Bands   int
	Data    []float64 // len == RX*RY*Bands
	NoData  []*float64 // per-band nodata, nil entries mean "no nodata"
	Mask    []bool    // optional validity mask, len == RX*RY when non-nil (true = valid)
}

// New allocates a zero-filled Array.
func New(dtype DType, rx, ry, bands int) (*Array, error) {
	if rx < 1 || ry < 1 || bands < 1 {
		return nil, errkind.Newf(errkind.BadArgument, "array dimensions must be >= 1, got (%d,%d,%d)", rx, ry, bands)
	}
	return &Array{
		DType: dtype,
		RX:    rx,
		RY:    ry,
		Bands: bands,
		Data:  make([]float64, rx*ry*bands),
	}, nil
}

// Fill allocates an Array with every element set to v.
func Fill(dtype DType, rx, ry, bands int, v float64) (*Array, error) {
	a, err := New(dtype, rx, ry, bands)
	if err != nil {
		return nil, err
	}
	for i := range a.Data {
		a.Data[i] = v
	}
	return a, nil
}

func (a *Array) index(row, col, band int) int {
	return (row*a.RX+col)*a.Bands + band
}

// At returns the value at (row, col, band).
func (a *Array) At(row, col, band int) float64 {
	return a.Data[a.index(row, col, band)]
}

// Set assigns the value at (row, col, band).
func (a *Array) Set(row, col, band int, v float64) {
	a.Data[a.index(row, col, band)] = v
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	out := &Array{DType: a.DType, RX: a.RX, RY: a.RY, Bands: a.Bands}
	out.Data = make([]float64, len(a.Data))
	copy(out.Data, a.Data)
	if a.Mask != nil {
		out.Mask = make([]bool, len(a.Mask))
		copy(out.Mask, a.Mask)
	}
	if a.NoData != nil {
		out.NoData = make([]*float64, len(a.NoData))
		copy(out.NoData, a.NoData)
	}
	return out
}

// Equal reports whether a and b have identical shape, dtype and data.
// Used by round-trip tests asserting set_data/get_data equality.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.DType != b.DType || a.RX != b.RX || a.RY != b.RY || a.Bands != b.Bands {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// Crop returns the sub-array covering [colOff,colOff+rx) x
// [rowOff,rowOff+ry), filling any portion outside a's bounds with
// fillValue: a query footprint exceeding the recipe's bounds is
// cropped, with out-of-raster pixels filled with dst_nodata.
func (a *Array) Crop(colOff, rowOff, rx, ry int, fillValue float64) (*Array, error) {
	out, err := Fill(a.DType, rx, ry, a.Bands, fillValue)
	if err != nil {
		return nil, err
	}
	for row := 0; row < ry; row++ {
		srcRow := row + rowOff
		if srcRow < 0 || srcRow >= a.RY {
			continue
		}
		for col := 0; col < rx; col++ {
			srcCol := col + colOff
			if srcCol < 0 || srcCol >= a.RX {
				continue
			}
			for b := 0; b < a.Bands; b++ {
				out.Set(row, col, b, a.At(srcRow, srcCol, b))
			}
		}
	}
	return out, nil
}

// PasteInto copies a into dst at the given pixel offset; the slices
// must not overlap other concurrent writers (the scheduler guarantees
// non-overlapping destination slices by construction).
func (a *Array) PasteInto(dst *Array, colOff, rowOff int) error {
	if a.Bands != dst.Bands {
		return errkind.Newf(errkind.BadArgument, "band count mismatch: %d vs %d", a.Bands, dst.Bands)
	}
	for row := 0; row < a.RY; row++ {
		dstRow := row + rowOff
		if dstRow < 0 || dstRow >= dst.RY {
			continue
		}
		for col := 0; col < a.RX; col++ {
			dstCol := col + colOff
			if dstCol < 0 || dstCol >= dst.RX {
				continue
			}
			for b := 0; b < a.Bands; b++ {
				dst.Set(dstRow, dstCol, b, a.At(row, col, b))
			}
		}
	}
	return nil
}

func (a *Array) String() string {
	return fmt.Sprintf("Array{dtype:%s size:%dx%dx%d}", a.DType, a.RX, a.RY, a.Bands)
}

// ByteWidth returns the on-disk size in bytes of one sample of d.
func (d DType) ByteWidth() int {
	switch d {
	case Uint8, Int8, Bool:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 1
	}
}

// EncodeBytes serializes a's pixel data band-interleaved, row-major,
// in the given byte order — the same layout Array.Data already uses,
// just cast down to d's on-disk width.
func (a *Array) EncodeBytes(order binary.ByteOrder) []byte {
	width := a.DType.ByteWidth()
	buf := make([]byte, len(a.Data)*width)
	for i, v := range a.Data {
		off := i * width
		v = a.DType.Saturate(v)
		switch a.DType {
		case Uint8, Bool:
			buf[off] = byte(v)
		case Int8:
			buf[off] = byte(int8(v))
		case Uint16:
			order.PutUint16(buf[off:], uint16(v))
		case Int16:
			order.PutUint16(buf[off:], uint16(int16(v)))
		case Uint32:
			order.PutUint32(buf[off:], uint32(v))
		case Int32:
			order.PutUint32(buf[off:], uint32(int32(v)))
		case Float32:
			order.PutUint32(buf[off:], math.Float32bits(float32(v)))
		case Float64:
			order.PutUint64(buf[off:], math.Float64bits(v))
		}
	}
	return buf
}

// DecodeBytes is the inverse of EncodeBytes: it builds an Array from a
// raw band-interleaved, row-major byte buffer.
func DecodeBytes(dtype DType, rx, ry, bands int, data []byte, order binary.ByteOrder) (*Array, error) {
	a, err := New(dtype, rx, ry, bands)
	if err != nil {
		return nil, err
	}
	width := dtype.ByteWidth()
	if len(data) < len(a.Data)*width {
		return nil, errkind.Newf(errkind.BadArgument, "short buffer: got %d bytes, want >= %d", len(data), len(a.Data)*width)
	}
	for i := range a.Data {
		off := i * width
		var v float64
		switch dtype {
		case Uint8, Bool:
			v = float64(data[off])
		case Int8:
			v = float64(int8(data[off]))
		case Uint16:
			v = float64(order.Uint16(data[off:]))
		case Int16:
			v = float64(int16(order.Uint16(data[off:])))
		case Uint32:
			v = float64(order.Uint32(data[off:]))
		case Int32:
			v = float64(int32(order.Uint32(data[off:])))
		case Float32:
			v = float64(math.Float32frombits(order.Uint32(data[off:])))
		case Float64:
			v = math.Float64frombits(order.Uint64(data[off:]))
		}
		a.Data[i] = v
	}
	return a, nil
}
