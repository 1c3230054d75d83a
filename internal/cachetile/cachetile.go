package cachetile

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/sr"
)

// State is a cache tile's position in its state machine: a cache
// tile is in exactly one of missing, building, or ready.
type State int

const (
	Missing State = iota
	Building
	Ready
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Ready:
		return "ready"
	default:
		return "missing"
	}
}

// Key is the part of a cache tile's fingerprint shared by every tile
// in one recipe: the fingerprint covers raster_fp, dtype, band_count,
// band_schema, sr, and compute_array_identity. Each tile's own
// tile_fp is supplied separately to Fingerprint.
type Key struct {
	RasterFP        footprint.Footprint
	DType           raster.DType
	BandCount       int
	Schema          schema.Schema
	SR              sr.Ref
	ComputeIdentity string
}

// Fingerprint hashes k together with one tile's footprint, producing
// the content-address embedded in that tile's filename.
func Fingerprint(k Key, tileFP footprint.Footprint) uint64 {
	h := xxhash.New()
	writeFootprint(h, k.RasterFP)
	writeFootprint(h, tileFP)
	writeInt(h, int(k.DType))
	writeInt(h, k.BandCount)
	writeSchema(h, k.Schema)
	writeInt(h, k.SR.EPSG)
	_, _ = io.WriteString(h, k.ComputeIdentity)
	return h.Sum64()
}

func writeInt(h hash.Hash64, v int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	h.Write(buf[:])
}

func writeFloat(h hash.Hash64, v float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	h.Write(buf[:])
}

func writeFootprint(h hash.Hash64, fp footprint.Footprint) {
	writeFloat(h, fp.Origin.X)
	writeFloat(h, fp.Origin.Y)
	writeFloat(h, fp.AX.X)
	writeFloat(h, fp.AX.Y)
	writeFloat(h, fp.AY.X)
	writeFloat(h, fp.AY.Y)
	writeInt(h, fp.RX)
	writeInt(h, fp.RY)
}

func writeSchema(h hash.Hash64, s schema.Schema) {
	writeInt(h, len(s.Bands))
	for _, b := range s.Bands {
		writeInt(h, int(b.Interpretation))
		writeInt(h, int(b.Mask))
		writeFloat(h, b.Offset)
		writeFloat(h, b.Scale)
		if b.Nodata != nil {
			h.Write([]byte{1})
			writeFloat(h, *b.Nodata)
		} else {
			h.Write([]byte{0})
		}
	}
}

// FileName encodes a cache tile's canonical on-disk name: the
// fingerprint plus the tile's pixel placement within raster_fp, so two
// neighboring tiles with identical content never collide and a
// directory listing can be parsed back without opening any file.
func FileName(fingerprint uint64, tlX, tlY, rx, ry int) string {
	return fmt.Sprintf("%016x_x%d_y%d_w%d_h%d.tif", fingerprint, tlX, tlY, rx, ry)
}

var fileNamePattern = regexp.MustCompile(`^([0-9a-f]{16})_x(-?\d+)_y(-?\d+)_w(\d+)_h(\d+)\.tif$`)

// ParseFileName is FileName's inverse; ok is false for any name not in
// this package's canonical form, so non-conforming files in the same
// directory are simply ignored.
func ParseFileName(name string) (fingerprint uint64, tlX, tlY, rx, ry int, ok bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, 0, 0, 0, false
	}
	fp, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, false
	}
	tlX, _ = strconv.Atoi(m[2])
	tlY, _ = strconv.Atoi(m[3])
	rx, _ = strconv.Atoi(m[4])
	ry, _ = strconv.Atoi(m[5])
	return fp, tlX, tlY, rx, ry, true
}

// Tile is one cell of a recipe's cache tiling.
type Tile struct {
	FP          footprint.Footprint
	TLX, TLY    int
	Fingerprint uint64
	State       State
}

// Index is the scheduler's view of an entire recipe's cache tiling:
// a (TY,TX) grid of Tiles, each independently missing/building/ready.
// Index is not safe for concurrent mutation: all cache-tile state
// transitions happen on the single-threaded scheduler actor — only
// the file-level Read/Write helpers below run off that thread, and
// they only ever touch one tile's own file.
type Index struct {
	dir   string
	key   Key
	grid  [][]*Tile
}

// NewIndex derives dir's cache tiling for rasterFP at (cacheTileRX,
// cacheTileRY), computes each tile's fingerprint, and either scans dir
// for already-valid tiles (overwrite == false) or deletes this
// recipe's stale files outright (overwrite == true) before returning.
func NewIndex(dir string, rasterFP footprint.Footprint, dtype raster.DType, bandCount int, sch schema.Schema, srRef sr.Ref, computeIdentity string, cacheTileRX, cacheTileRY int, overwrite bool) (*Index, error) {
	tiling, err := rasterFP.Tile(cacheTileRX, cacheTileRY, 0, 0, footprint.Shrink)
	if err != nil {
		return nil, err
	}
	key := Key{RasterFP: rasterFP, DType: dtype, BandCount: bandCount, Schema: sch, SR: srRef, ComputeIdentity: computeIdentity}

	idx := &Index{dir: dir, key: key, grid: make([][]*Tile, len(tiling))}
	for ty, row := range tiling {
		idx.grid[ty] = make([]*Tile, len(row))
		for tx, tileFP := range row {
			colOff, rowOff := rasterFP.SpatialToRaster(tileFP.Origin)
			idx.grid[ty][tx] = &Tile{
				FP:          tileFP,
				TLX:         int(math.Round(colOff)),
				TLY:         int(math.Round(rowOff)),
				Fingerprint: Fingerprint(key, tileFP),
				State:       Missing,
			}
		}
	}

	if overwrite {
		if err := idx.deleteStaleFiles(); err != nil {
			return nil, err
		}
		return idx, nil
	}
	if err := idx.scan(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) byLocation() map[[2]int]*Tile {
	byLoc := make(map[[2]int]*Tile)
	for _, row := range idx.grid {
		for _, t := range row {
			byLoc[[2]int{t.TLX, t.TLY}] = t
		}
	}
	return byLoc
}

// scan marks every Tile whose on-disk file exists with a matching
// fingerprint as Ready; everything else stays Missing.
func (idx *Index) scan() error {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(idx.dir, 0o755); mkErr != nil {
				return errkind.Wrap(errkind.DriverError, mkErr, "creating cache_dir")
			}
			return nil
		}
		return errkind.Wrap(errkind.DriverError, err, "scanning cache_dir")
	}
	byLoc := idx.byLocation()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fp, tlX, tlY, rx, ry, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		t, found := byLoc[[2]int{tlX, tlY}]
		if !found || t.FP.RX != rx || t.FP.RY != ry || t.Fingerprint != fp {
			continue
		}
		t.State = Ready
	}
	return nil
}

// deleteStaleFiles removes only the files that would validate against
// this recipe's own expected tiles (same location, same fingerprint);
// it never touches a file belonging to a different recipe or tiling
// sharing the same cache_dir.
func (idx *Index) deleteStaleFiles() error {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(idx.dir, 0o755); mkErr != nil {
				return errkind.Wrap(errkind.DriverError, mkErr, "creating cache_dir")
			}
			return nil
		}
		return errkind.Wrap(errkind.DriverError, err, "scanning cache_dir for overwrite")
	}
	byLoc := idx.byLocation()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fp, tlX, tlY, rx, ry, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		t, found := byLoc[[2]int{tlX, tlY}]
		if !found || t.FP.RX != rx || t.FP.RY != ry || t.Fingerprint != fp {
			continue
		}
		if err := os.Remove(filepath.Join(idx.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return errkind.Wrap(errkind.DriverError, err, "deleting stale cache tile")
		}
	}
	return nil
}

// Grid returns the (TY,TX) tile grid.
func (idx *Index) Grid() [][]*Tile { return idx.grid }

// At returns the tile at cache-tile grid coordinates (ty, tx).
func (idx *Index) At(ty, tx int) (*Tile, error) {
	if ty < 0 || ty >= len(idx.grid) || tx < 0 || tx >= len(idx.grid[ty]) {
		return nil, errkind.Newf(errkind.BadArgument, "cache tile index (%d,%d) out of range", ty, tx)
	}
	return idx.grid[ty][tx], nil
}

// TryClaim transitions t from Missing to Building, returning true iff
// this call performed the transition: it is the at-most-once
// production guarantee, so the caller that wins this race is the
// sole producer for t.
func TryClaim(t *Tile) bool {
	if t.State != Missing {
		return false
	}
	t.State = Building
	return true
}

// filePath returns the path t is (or will be) stored at.
func (idx *Index) filePath(t *Tile) string {
	return filepath.Join(idx.dir, FileName(t.Fingerprint, t.TLX, t.TLY, t.FP.RX, t.FP.RY))
}

// WriteTile persists a's content as t's cache file using an atomic
// write discipline: write to a randomly suffixed temp file, fsync,
// then rename into place. On success t transitions to Ready.
func (idx *Index) WriteTile(t *Tile, a *raster.Array, srWork sr.Ref) error {
	finalPath := idx.filePath(t)
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return errkind.Wrap(errkind.DriverError, err, "generating cache tile temp suffix")
	}
	tmpPath := finalPath + ".tmp." + hex.EncodeToString(suffix[:])

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errkind.Wrap(errkind.DriverError, err, "creating temp cache tile file")
	}
	if err := EncodeTIFF(f, a, t.FP, srWork); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errkind.Wrap(errkind.DriverError, err, "fsyncing temp cache tile file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errkind.Wrap(errkind.DriverError, err, "closing temp cache tile file")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return errkind.Wrap(errkind.DriverError, err, "renaming cache tile into place")
	}
	t.State = Ready
	return nil
}

// ReadTile loads t's persisted content. t must be Ready.
func (idx *Index) ReadTile(t *Tile, dtype raster.DType, bandCount int) (*raster.Array, error) {
	if t.State != Ready {
		return nil, errkind.Newf(errkind.BadArgument, "cannot read cache tile in state %s", t.State)
	}
	f, err := os.Open(idx.filePath(t))
	if err != nil {
		return nil, errkind.Wrap(errkind.DriverError, err, "opening cache tile file")
	}
	defer f.Close()
	return DecodeTIFF(f, dtype, bandCount)
}
