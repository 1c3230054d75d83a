// Package cachetile implements the cache-tile layer of the recipe
// engine: deriving a cache tiling from raster_fp, fingerprinting each
// tile over everything that determines its content, and
// reading/writing the on-disk representation with an atomic write
// discipline (write to a temp path, then rename into place).
//
// The on-disk format is a minimal single-IFD, uncompressed, classic
// (32-bit offset) TIFF, hand-rolled via encoding/binary rather than a
// third-party TIFF library: google/tiff (the one TIFF-handling
// dependency available) is a read-only parser whose own writer,
// cogger, hand-rolls the encoding itself, so there is no verified
// third-party write path to build on. The tag layout below mirrors
// internal/cog/ifd.go's already-parsed GeoTIFF tags, so a cache tile
// is structurally a tiny GeoTIFF.
package cachetile

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/sr"
)

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	// tagCacheTileEPSG lives in the private-use tag range; it is not a
	// real GeoTIFF tag, only this package's own SR annotation.
	tagCacheTileEPSG = 50000
)

const (
	dtShort  = 3
	dtLong   = 4
	dtDouble = 12
)

func typeSize(typ uint16) int {
	switch typ {
	case dtShort:
		return 2
	case dtLong:
		return 4
	case dtDouble:
		return 8
	default:
		return 1
	}
}

// fieldValue is one not-yet-laid-out IFD entry.
type fieldValue struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shortField(tag uint16, values ...uint16) fieldValue {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[i*2:], v)
	}
	return fieldValue{tag: tag, typ: dtShort, count: uint32(len(values)), data: data}
}

func longField(tag uint16, values ...uint32) fieldValue {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
	return fieldValue{tag: tag, typ: dtLong, count: uint32(len(values)), data: data}
}

func doubleField(tag uint16, values ...float64) fieldValue {
	data := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return fieldValue{tag: tag, typ: dtDouble, count: uint32(len(values)), data: data}
}

// sampleFormatCode returns the TIFF SampleFormat code for d: 1
// (unsigned integer), 2 (signed integer), or 3 (IEEE float).
func sampleFormatCode(d raster.DType) uint16 {
	switch d {
	case raster.Int8, raster.Int16, raster.Int32:
		return 2
	case raster.Float32, raster.Float64:
		return 3
	default:
		return 1
	}
}

func dtypeFromTIFF(sampleFormat, bitsPerSample uint16) (raster.DType, error) {
	switch {
	case sampleFormat == 1 && bitsPerSample == 8:
		return raster.Uint8, nil
	case sampleFormat == 2 && bitsPerSample == 8:
		return raster.Int8, nil
	case sampleFormat == 1 && bitsPerSample == 16:
		return raster.Uint16, nil
	case sampleFormat == 2 && bitsPerSample == 16:
		return raster.Int16, nil
	case sampleFormat == 1 && bitsPerSample == 32:
		return raster.Uint32, nil
	case sampleFormat == 2 && bitsPerSample == 32:
		return raster.Int32, nil
	case sampleFormat == 3 && bitsPerSample == 32:
		return raster.Float32, nil
	case sampleFormat == 3 && bitsPerSample == 64:
		return raster.Float64, nil
	default:
		return 0, errkind.Newf(errkind.DriverError, "unsupported tiff sample format=%d bits=%d", sampleFormat, bitsPerSample)
	}
}

// EncodeTIFF writes a a single-strip, single-IFD, little-endian TIFF
// of a to w, tagging it with tileFP's geotransform and srWork's EPSG
// code (0 if srWork is unset).
func EncodeTIFF(w io.Writer, a *raster.Array, tileFP footprint.Footprint, srWork sr.Ref) error {
	order := binary.LittleEndian
	pixelData := a.EncodeBytes(order)

	bitsPerSample := make([]uint16, a.Bands)
	bw := uint16(a.DType.ByteWidth() * 8)
	for i := range bitsPerSample {
		bitsPerSample[i] = bw
	}
	sampleFormat := make([]uint16, a.Bands)
	sf := sampleFormatCode(a.DType)
	for i := range sampleFormat {
		sampleFormat[i] = sf
	}

	var epsg uint32
	if !srWork.IsZero() {
		epsg = uint32(srWork.EPSG)
	}

	const headerSize = 8
	fields := []fieldValue{
		longField(tagImageWidth, uint32(a.RX)),
		longField(tagImageLength, uint32(a.RY)),
		shortField(tagBitsPerSample, bitsPerSample...),
		shortField(tagCompression, 1),
		shortField(tagPhotometric, 1),
		longField(tagStripOffsets, headerSize),
		shortField(tagSamplesPerPixel, uint16(a.Bands)),
		longField(tagRowsPerStrip, uint32(a.RY)),
		longField(tagStripByteCounts, uint32(len(pixelData))),
		shortField(tagPlanarConfig, 1),
		shortField(tagSampleFormat, sampleFormat...),
		doubleField(tagModelPixelScale, math.Hypot(tileFP.AX.X, tileFP.AX.Y), math.Hypot(tileFP.AY.X, tileFP.AY.Y), 0),
		doubleField(tagModelTiepoint, 0, 0, 0, tileFP.Origin.X, tileFP.Origin.Y, 0),
		longField(tagCacheTileEPSG, epsg),
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	ifdOffset := uint32(headerSize) + uint32(len(pixelData))
	ifdSize := 2 + len(fields)*12 + 4
	extraOffset := ifdOffset + uint32(ifdSize)

	entries := make([]byte, 0, len(fields)*12)
	var extra []byte
	for _, f := range fields {
		entry := make([]byte, 12)
		binary.LittleEndian.PutUint16(entry[0:], f.tag)
		binary.LittleEndian.PutUint16(entry[2:], f.typ)
		binary.LittleEndian.PutUint32(entry[4:], f.count)
		if len(f.data) <= 4 {
			copy(entry[8:], f.data)
		} else {
			binary.LittleEndian.PutUint32(entry[8:], extraOffset+uint32(len(extra)))
			extra = append(extra, f.data...)
		}
		entries = append(entries, entry...)
	}

	header := make([]byte, headerSize)
	header[0], header[1] = 'I', 'I'
	binary.LittleEndian.PutUint16(header[2:], 42)
	binary.LittleEndian.PutUint32(header[4:], ifdOffset)

	if _, err := w.Write(header); err != nil {
		return errkind.Wrap(errkind.DriverError, err, "writing tiff header")
	}
	if _, err := w.Write(pixelData); err != nil {
		return errkind.Wrap(errkind.DriverError, err, "writing tiff pixel data")
	}
	entryCountBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(entryCountBuf, uint16(len(fields)))
	if _, err := w.Write(entryCountBuf); err != nil {
		return errkind.Wrap(errkind.DriverError, err, "writing tiff ifd count")
	}
	if _, err := w.Write(entries); err != nil {
		return errkind.Wrap(errkind.DriverError, err, "writing tiff ifd entries")
	}
	if _, err := w.Write(make([]byte, 4)); err != nil { // next-IFD offset: none
		return errkind.Wrap(errkind.DriverError, err, "writing tiff ifd terminator")
	}
	if len(extra) > 0 {
		if _, err := w.Write(extra); err != nil {
			return errkind.Wrap(errkind.DriverError, err, "writing tiff overflow values")
		}
	}
	return nil
}

func readUint(v []byte, typ uint16, order binary.ByteOrder) uint32 {
	if typ == dtShort {
		return uint32(order.Uint16(v))
	}
	return order.Uint32(v)
}

// DecodeTIFF reads back an Array from a file written by EncodeTIFF.
// expectedDType/expectedBands are required since Bool round-trips
// on-disk as an 8-bit unsigned sample indistinguishable from Uint8;
// the cache tile's key (not the file) is the source of truth for
// dtype.
func DecodeTIFF(r io.ReaderAt, expectedDType raster.DType, expectedBands int) (*raster.Array, error) {
	order := binary.LittleEndian

	header := make([]byte, 8)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, errkind.Wrap(errkind.DriverError, err, "reading tiff header")
	}
	if header[0] != 'I' || header[1] != 'I' {
		return nil, errkind.New(errkind.DriverError, "unsupported tiff byte order (only little-endian II is supported)")
	}
	if order.Uint16(header[2:]) != 42 {
		return nil, errkind.New(errkind.DriverError, "not a classic tiff (bad magic number)")
	}
	ifdOffset := int64(order.Uint32(header[4:]))

	countBuf := make([]byte, 2)
	if _, err := r.ReadAt(countBuf, ifdOffset); err != nil {
		return nil, errkind.Wrap(errkind.DriverError, err, "reading tiff ifd entry count")
	}
	entryCount := int(order.Uint16(countBuf))
	entries := make([]byte, entryCount*12)
	if _, err := r.ReadAt(entries, ifdOffset+2); err != nil {
		return nil, errkind.Wrap(errkind.DriverError, err, "reading tiff ifd entries")
	}

	readValue := func(typ uint16, count uint32, inline []byte) ([]byte, error) {
		size := typeSize(typ) * int(count)
		if size <= 4 {
			return inline[:size], nil
		}
		buf := make([]byte, size)
		off := int64(order.Uint32(inline))
		if _, err := r.ReadAt(buf, off); err != nil {
			return nil, errkind.Wrap(errkind.DriverError, err, "reading tiff overflow value")
		}
		return buf, nil
	}

	var width, height uint32
	var samplesPerPixel, bitsPerSample, sampleFormat uint16
	var stripOffset, stripByteCount uint32

	for i := 0; i < entryCount; i++ {
		e := entries[i*12:]
		tag := order.Uint16(e[0:])
		typ := order.Uint16(e[2:])
		count := order.Uint32(e[4:])
		inline := e[8:12]

		switch tag {
		case tagImageWidth:
			v, err := readValue(typ, count, inline)
			if err != nil {
				return nil, err
			}
			width = readUint(v, typ, order)
		case tagImageLength:
			v, err := readValue(typ, count, inline)
			if err != nil {
				return nil, err
			}
			height = readUint(v, typ, order)
		case tagBitsPerSample:
			v, err := readValue(typ, count, inline)
			if err != nil {
				return nil, err
			}
			bitsPerSample = order.Uint16(v)
		case tagSamplesPerPixel:
			v, err := readValue(typ, count, inline)
			if err != nil {
				return nil, err
			}
			samplesPerPixel = order.Uint16(v)
		case tagStripOffsets:
			v, err := readValue(typ, count, inline)
			if err != nil {
				return nil, err
			}
			stripOffset = readUint(v, typ, order)
		case tagStripByteCounts:
			v, err := readValue(typ, count, inline)
			if err != nil {
				return nil, err
			}
			stripByteCount = readUint(v, typ, order)
		case tagSampleFormat:
			v, err := readValue(typ, count, inline)
			if err != nil {
				return nil, err
			}
			sampleFormat = order.Uint16(v)
		}
	}

	dtype, err := dtypeFromTIFF(sampleFormat, bitsPerSample)
	if err != nil {
		return nil, err
	}
	if dtype != expectedDType && !(expectedDType == raster.Bool && dtype == raster.Uint8) {
		return nil, errkind.Newf(errkind.DriverError, "cache tile dtype mismatch: file has %s, expected %s", dtype, expectedDType)
	}
	if int(samplesPerPixel) != expectedBands {
		return nil, errkind.Newf(errkind.DriverError, "cache tile band count mismatch: file has %d, expected %d", samplesPerPixel, expectedBands)
	}

	pixelData := make([]byte, stripByteCount)
	if _, err := r.ReadAt(pixelData, int64(stripOffset)); err != nil {
		return nil, errkind.Wrap(errkind.DriverError, err, "reading tiff pixel data")
	}
	return raster.DecodeBytes(expectedDType, int(width), int(height), expectedBands, pixelData, order)
}
