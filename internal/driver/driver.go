// Package driver defines the Handle capability leased from
// internal/driverpool — one open native file backing a single raster
// source — and two concrete implementations: a godal-backed handle
// supporting arbitrary dtype/band-count read-write, and a read-only
// handle backed by the pure-Go COG reader in internal/cog.
package driver

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/airbusgeo/godal"

	"github.com/georecipe/georecipe/internal/cog"
	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/sr"
)

// Handle is a single open native file. Read/Write operate in pixel
// space against the handle's own Footprint; colOff/rowOff are relative
// to that footprint's upper-left pixel.
type Handle interface {
	Read(ctx context.Context, colOff, rowOff, rx, ry int, bands []int) (*raster.Array, error)
	Write(ctx context.Context, colOff, rowOff int, a *raster.Array, bands []int) error
	Footprint() footprint.Footprint
	DType() raster.DType
	BandCount() int
	Schema() schema.Schema
	SRStored() sr.Ref
	Close() error
}

// Mode is the access mode a handle is opened under.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// godalHandle backs open_raster/create_raster against any driver GDAL
// supports, via the airbusgeo/godal cgo binding.
type godalHandle struct {
	ds        godal.Dataset
	fp        footprint.Footprint
	dtype     raster.DType
	bandCount int
	sch       schema.Schema
	srStored  sr.Ref
}

// OpenGDAL opens an existing raster file for read (or read-write) via
// GDAL.
func OpenGDAL(ctx context.Context, path string, mode Mode, sch *schema.Schema) (Handle, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.DriverError, err, "opening "+path)
	}
	structure := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		ds.Close()
		return nil, errkind.Wrap(errkind.DriverError, err, "reading geotransform of "+path)
	}
	fp, err := footprint.New(
		footprint.Vec2{X: gt[0], Y: gt[3]},
		footprint.Vec2{X: gt[1], Y: gt[4]},
		footprint.Vec2{X: gt[2], Y: gt[5]},
		structure.SizeX, structure.SizeY,
	)
	if err != nil {
		ds.Close()
		return nil, err
	}
	bands := ds.Bands()
	dtype := fromGDALType(bands[0].Structure().DataType)
	resolved, err := schema.Sanitize(sch, structure.NBands)
	if err != nil {
		ds.Close()
		return nil, err
	}
	srRef := sr.Ref{}
	if wkt := ds.Projection(); wkt != "" {
		if epsg, ok := epsgFromWKTHint(wkt); ok {
			srRef = sr.Ref{EPSG: epsg}
		}
	}
	return &godalHandle{ds: ds, fp: fp, dtype: dtype, bandCount: structure.NBands, sch: resolved, srStored: srRef}, nil
}

// CreateGDAL creates a new raster file via GDAL, in driverName's format.
func CreateGDAL(ctx context.Context, path string, fp footprint.Footprint, dtype raster.DType, bandCount int,
	sch *schema.Schema, srRef sr.Ref, driverName string, options []string) (Handle, error) {
	gdalDriver, ok := godal.RasterDriver(driverName)
	if !ok {
		return nil, errkind.Newf(errkind.BadArgument, "unknown driver %q", driverName)
	}
	ds, err := godal.Create(gdalDriver, path, bandCount, toGDALType(dtype), fp.RX, fp.RY, godal.CreationOption(options...))
	if err != nil {
		return nil, errkind.Wrap(errkind.DriverError, err, "creating "+path)
	}
	gt := [6]float64{fp.Origin.X, fp.AX.X, fp.AY.X, fp.Origin.Y, fp.AX.Y, fp.AY.Y}
	if err := ds.SetGeoTransform(gt); err != nil {
		ds.Close()
		return nil, errkind.Wrap(errkind.DriverError, err, "setting geotransform on "+path)
	}
	if !srRef.IsZero() {
		if sref, err := godal.NewSpatialRefFromEPSG(srRef.EPSG); err == nil {
			_ = ds.SetSpatialRef(sref)
		}
	}
	resolved, err := schema.Sanitize(sch, bandCount)
	if err != nil {
		ds.Close()
		return nil, err
	}
	return &godalHandle{ds: ds, fp: fp, dtype: dtype, bandCount: bandCount, sch: resolved, srStored: srRef}, nil
}

func (h *godalHandle) Footprint() footprint.Footprint { return h.fp }
func (h *godalHandle) DType() raster.DType             { return h.dtype }
func (h *godalHandle) BandCount() int                  { return h.bandCount }
func (h *godalHandle) Schema() schema.Schema           { return h.sch }
func (h *godalHandle) SRStored() sr.Ref                { return h.srStored }
func (h *godalHandle) Close() error {
	if err := h.ds.Close(); err != nil {
		return errkind.Wrap(errkind.DriverError, err, "closing dataset")
	}
	return nil
}

func (h *godalHandle) Read(ctx context.Context, colOff, rowOff, rx, ry int, bands []int) (*raster.Array, error) {
	if len(bands) == 0 {
		bands = sequentialBands(h.bandCount)
	}
	a, err := raster.New(h.dtype, rx, ry, len(bands))
	if err != nil {
		return nil, err
	}
	dsBands := h.ds.Bands()
	width := byteWidth(h.dtype)
	buf := make([]byte, rx*ry*width)
	for outBand, band := range bands {
		if band < 0 || band >= len(dsBands) {
			return nil, errkind.Newf(errkind.BadArgument, "band index %d out of range", band)
		}
		if err := dsBands[band].Read(colOff, rowOff, buf, rx, ry); err != nil {
			return nil, errkind.Wrap(errkind.DriverError, err, "reading band")
		}
		decodeInto(a, outBand, buf, h.dtype)
	}
	return a, nil
}

func (h *godalHandle) Write(ctx context.Context, colOff, rowOff int, a *raster.Array, bands []int) error {
	if len(bands) == 0 {
		bands = sequentialBands(a.Bands)
	}
	dsBands := h.ds.Bands()
	for srcBand, band := range bands {
		if band < 0 || band >= len(dsBands) {
			return errkind.Newf(errkind.BadArgument, "band index %d out of range", band)
		}
		buf := encodeFrom(a, srcBand, h.dtype)
		if err := dsBands[band].Write(colOff, rowOff, buf, a.RX, a.RY); err != nil {
			return errkind.Wrap(errkind.DriverError, err, "writing band")
		}
	}
	return nil
}

func sequentialBands(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func byteWidth(d raster.DType) int {
	switch d {
	case raster.Uint8, raster.Int8, raster.Bool:
		return 1
	case raster.Uint16, raster.Int16:
		return 2
	case raster.Uint32, raster.Int32, raster.Float32:
		return 4
	case raster.Float64:
		return 8
	default:
		return 1
	}
}

func decodeInto(a *raster.Array, band int, buf []byte, d raster.DType) {
	width := byteWidth(d)
	for i := 0; i < a.RX*a.RY; i++ {
		row, col := i/a.RX, i%a.RX
		off := i * width
		var v float64
		switch d {
		case raster.Uint8, raster.Bool:
			v = float64(buf[off])
		case raster.Int8:
			v = float64(int8(buf[off]))
		case raster.Uint16:
			v = float64(binary.LittleEndian.Uint16(buf[off:]))
		case raster.Int16:
			v = float64(int16(binary.LittleEndian.Uint16(buf[off:])))
		case raster.Uint32:
			v = float64(binary.LittleEndian.Uint32(buf[off:]))
		case raster.Int32:
			v = float64(int32(binary.LittleEndian.Uint32(buf[off:])))
		case raster.Float32:
			v = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
		case raster.Float64:
			v = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
		}
		a.Set(row, col, band, v)
	}
}

func encodeFrom(a *raster.Array, band int, d raster.DType) []byte {
	width := byteWidth(d)
	buf := make([]byte, a.RX*a.RY*width)
	for i := 0; i < a.RX*a.RY; i++ {
		row, col := i/a.RX, i%a.RX
		off := i * width
		v := d.Saturate(a.At(row, col, band))
		switch d {
		case raster.Uint8, raster.Bool:
			buf[off] = byte(v)
		case raster.Int8:
			buf[off] = byte(int8(v))
		case raster.Uint16:
			binary.LittleEndian.PutUint16(buf[off:], uint16(v))
		case raster.Int16:
			binary.LittleEndian.PutUint16(buf[off:], uint16(int16(v)))
		case raster.Uint32:
			binary.LittleEndian.PutUint32(buf[off:], uint32(v))
		case raster.Int32:
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(v)))
		case raster.Float32:
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
		case raster.Float64:
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
		}
	}
	return buf
}

func fromGDALType(t godal.DataType) raster.DType {
	switch t {
	case godal.Byte:
		return raster.Uint8
	case godal.Int16:
		return raster.Int16
	case godal.UInt16:
		return raster.Uint16
	case godal.Int32:
		return raster.Int32
	case godal.UInt32:
		return raster.Uint32
	case godal.Float32:
		return raster.Float32
	case godal.Float64:
		return raster.Float64
	default:
		return raster.Float64
	}
}

func toGDALType(d raster.DType) godal.DataType {
	switch d {
	case raster.Uint8, raster.Bool, raster.Int8:
		return godal.Byte
	case raster.Int16:
		return godal.Int16
	case raster.Uint16:
		return godal.UInt16
	case raster.Int32:
		return godal.Int32
	case raster.Uint32:
		return godal.UInt32
	case raster.Float32:
		return godal.Float32
	default:
		return godal.Float64
	}
}

// epsgFromWKTHint is a deliberately narrow WKT sniff: GDAL's WKT output
// for a dataset with a plain EPSG-authority CRS carries an
// `AUTHORITY["EPSG","<code>"]]` trailer we can find without pulling in a
// full WKT parser. Datasets with non-EPSG-authority CRSes report no
// sr_stored, so a caller asking for the stored SR on one of those fails
// rather than getting a made-up answer.
func epsgFromWKTHint(wkt string) (int, bool) {
	const marker = `AUTHORITY["EPSG","`
	idx := lastIndex(wkt, marker)
	if idx < 0 {
		return 0, false
	}
	start := idx + len(marker)
	end := start
	for end < len(wkt) && wkt[end] >= '0' && wkt[end] <= '9' {
		end++
	}
	if end == start {
		return 0, false
	}
	code := 0
	for _, c := range wkt[start:end] {
		code = code*10 + int(c-'0')
	}
	return code, true
}

func lastIndex(s, substr string) int {
	for i := len(s) - len(substr); i >= 0; i-- {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// cogHandle is a read-only driver backed by internal/cog's mmap
// reader. It supports the common 8-bit RGBA imagery case directly, and
// single-band Float32 elevation COGs (IsFloat) via the reader's raw
// float tile path, rather than forcing every COG through the RGBA
// decode.
type cogHandle struct {
	reader  *cog.Reader
	fp      footprint.Footprint
	sch     schema.Schema
	isFloat bool
}

// OpenCOG opens path as a read-only COG/GeoTIFF via the pure-Go mmap
// reader, instead of GDAL, for the common "just read a tile pyramid"
// case. Float32 single-band COGs (e.g. elevation) are read as-is;
// everything else is treated as 8-bit RGBA imagery.
func OpenCOG(path string) (Handle, error) {
	r, err := cog.Open(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.DriverError, err, "opening COG "+path)
	}
	geo := r.GeoInfo()
	fp, err := footprint.New(
		footprint.Vec2{X: geo.OriginX, Y: geo.OriginY},
		footprint.Vec2{X: geo.PixelSizeX},
		footprint.Vec2{Y: -geo.PixelSizeY},
		r.Width(), r.Height(),
	)
	if err != nil {
		r.Close()
		return nil, err
	}

	isFloat := r.IsFloat()
	bandCount := 4
	b := schema.DefaultBand()
	if isFloat {
		bandCount = 1
		if nodata, ok := parseNoData(r.NoData()); ok {
			b.Nodata = &nodata
		}
	}
	sch, _ := schema.Broadcast(b, bandCount)
	return &cogHandle{reader: r, fp: fp, sch: sch, isFloat: isFloat}, nil
}

func parseNoData(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (h *cogHandle) Footprint() footprint.Footprint { return h.fp }
func (h *cogHandle) DType() raster.DType {
	if h.isFloat {
		return raster.Float32
	}
	return raster.Uint8
}
func (h *cogHandle) BandCount() int {
	if h.isFloat {
		return 1
	}
	return 4
}
func (h *cogHandle) Schema() schema.Schema { return h.sch }
func (h *cogHandle) SRStored() sr.Ref {
	if h.reader.EPSG() == 0 {
		return sr.Ref{}
	}
	return sr.Ref{EPSG: h.reader.EPSG()}
}
func (h *cogHandle) Close() error { return h.reader.Close() }

func (h *cogHandle) Read(ctx context.Context, colOff, rowOff, rx, ry int, bands []int) (*raster.Array, error) {
	if h.isFloat {
		return h.readFloat(colOff, rowOff, rx, ry)
	}
	region, err := h.reader.ReadRegion(0, colOff, rowOff, rx, ry)
	if err != nil {
		return nil, errkind.Wrap(errkind.DriverError, err, "reading COG region")
	}
	a, err := raster.New(raster.Uint8, rx, ry, 4)
	if err != nil {
		return nil, err
	}
	for row := 0; row < ry; row++ {
		for col := 0; col < rx; col++ {
			c := region.RGBAAt(col, row)
			a.Set(row, col, 0, float64(c.R))
			a.Set(row, col, 1, float64(c.G))
			a.Set(row, col, 2, float64(c.B))
			a.Set(row, col, 3, float64(c.A))
		}
	}
	return a, nil
}

// readFloat assembles a pixel region for a single-band Float32 COG
// out of the reader's raw tiles, mirroring the tiling loop
// cog.Reader.ReadRegion uses for RGBA imagery.
func (h *cogHandle) readFloat(colOff, rowOff, rx, ry int) (*raster.Array, error) {
	a, err := raster.New(raster.Float32, rx, ry, 1)
	if err != nil {
		return nil, err
	}

	tileSize := h.reader.IFDTileSize(0)
	tw, th := tileSize[0], tileSize[1]
	colStart := colOff / tw
	colEnd := (colOff + rx - 1) / tw
	rowStart := rowOff / th
	rowEnd := (rowOff + ry - 1) / th

	for trow := rowStart; trow <= rowEnd; trow++ {
		for tcol := colStart; tcol <= colEnd; tcol++ {
			vals, w, _, err := h.reader.ReadFloatTile(0, tcol, trow)
			if err != nil {
				return nil, errkind.Wrap(errkind.DriverError, err, "reading COG float tile")
			}
			tileMinX := tcol * tw
			tileMinY := trow * th

			srcMinX := max(colOff, tileMinX) - tileMinX
			srcMinY := max(rowOff, tileMinY) - tileMinY
			srcMaxX := min(colOff+rx, tileMinX+tw) - tileMinX
			srcMaxY := min(rowOff+ry, tileMinY+th) - tileMinY

			for y := srcMinY; y < srcMaxY; y++ {
				for x := srcMinX; x < srcMaxX; x++ {
					dstCol := tileMinX + x - colOff
					dstRow := tileMinY + y - rowOff
					var v float64
					if vals != nil {
						v = float64(vals[y*w+x])
					}
					a.Set(dstRow, dstCol, 0, v)
				}
			}
		}
	}
	return a, nil
}

func (h *cogHandle) Write(ctx context.Context, colOff, rowOff int, a *raster.Array, bands []int) error {
	return errkind.New(errkind.BadArgument, "COG driver is read-only")
}
