package source

import (
	"context"
	"math"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/georecipe/georecipe/internal/driver"
	"github.com/georecipe/georecipe/internal/driverpool"
	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/recipe"
	"github.com/georecipe/georecipe/internal/resample"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/sr"
)

var fileSourceSeq int64

// FileSource is a file-backed raster source (opened via open_raster,
// created via create_raster): a native driver handle leased from a
// driverpool.Pool rather than held open permanently. Static metadata
// (footprint, dtype, band count, schema, sr_stored) is read once at
// construction and cached, so Footprint()/DType()/etc. answer without
// requiring the caller to Activate first — the pool may have already
// evicted the underlying handle by the time GetData next needs it, in
// which case it is transparently reopened via allocate.
type FileSource struct {
	uid      string
	path     string
	pool     *driverpool.Pool
	allocate driverpool.Allocator

	fp        footprint.Footprint
	dtype     raster.DType
	bandCount int
	sch       schema.Schema
	srStored  sr.Ref
	writable  bool

	mu    sync.Mutex
	lease *driverpool.Lease
}

// openFile opens an existing raster file via allocate (godal- or
// COG-backed), reads its static metadata, then releases the handle
// back to pool's idle list — the facade caches the metadata so the
// underlying handle need not stay open.
func openFile(ctx context.Context, pool *driverpool.Pool, path string, writable bool, allocate driverpool.Allocator) (*FileSource, error) {
	uid := path + "#" + strconv.FormatInt(atomic.AddInt64(&fileSourceSeq, 1), 10)
	fs := &FileSource{uid: uid, path: path, pool: pool, allocate: allocate, writable: writable}
	if err := fs.withHandle(ctx, func(h driver.Handle) error {
		fs.fp = h.Footprint()
		fs.dtype = h.DType()
		fs.bandCount = h.BandCount()
		fs.sch = h.Schema()
		fs.srStored = h.SRStored()
		return nil
	}); err != nil {
		return nil, err
	}
	return fs, nil
}

// OpenFile opens path read-only (or read-write) through GDAL.
func OpenFile(ctx context.Context, pool *driverpool.Pool, path string, mode driver.Mode, sch *schema.Schema) (*FileSource, error) {
	allocate := func(ctx context.Context) (driverpool.Handle, error) {
		return driver.OpenGDAL(ctx, path, mode, sch)
	}
	return openFile(ctx, pool, path, mode == driver.ReadWrite, allocate)
}

// OpenCOGFile opens path read-only through the pure-Go COG reader
// instead of GDAL: an implicit "fast path" driver for open_raster, used
// when the caller only needs 8-bit RGBA imagery (or Float32 elevation)
// and wants to avoid a cgo round trip per read.
func OpenCOGFile(ctx context.Context, pool *driverpool.Pool, path string) (*FileSource, error) {
	allocate := func(ctx context.Context) (driverpool.Handle, error) {
		return driver.OpenCOG(path)
	}
	return openFile(ctx, pool, path, false, allocate)
}

// CreateFile creates path via GDAL and registers it as a writable
// FileSource (the create_raster path).
func CreateFile(ctx context.Context, pool *driverpool.Pool, path string, fp footprint.Footprint, dtype raster.DType,
	bandCount int, sch *schema.Schema, srRef sr.Ref, driverName string, options []string) (*FileSource, error) {
	allocate := func(ctx context.Context) (driverpool.Handle, error) {
		return driver.CreateGDAL(ctx, path, fp, dtype, bandCount, sch, srRef, driverName, options)
	}
	return openFile(ctx, pool, path, true, allocate)
}

// withHandle runs fn against the source's driver.Handle, reusing an
// already-held lease (from an explicit Activate) rather than
// reacquiring — acquiring the same uid twice from the same caller
// would block forever, since the only releaser of that lease is this
// same source.
func (s *FileSource) withHandle(ctx context.Context, fn func(driver.Handle) error) error {
	s.mu.Lock()
	lease := s.lease
	s.mu.Unlock()
	if lease != nil {
		return fn(lease.Handle.(driver.Handle))
	}
	acquired, err := s.pool.Acquire(ctx, s.uid, s.allocate)
	if err != nil {
		return err
	}
	defer acquired.Release()
	return fn(acquired.Handle.(driver.Handle))
}

func (s *FileSource) Footprint() footprint.Footprint { return s.fp }
func (s *FileSource) DType() raster.DType             { return s.dtype }
func (s *FileSource) BandCount() int                  { return s.bandCount }
func (s *FileSource) Schema() schema.Schema           { return s.sch }
func (s *FileSource) SRStored() sr.Ref                { return s.srStored }

// Activate leases the driver handle and holds it until Deactivate,
// instead of the default transient acquire-per-call behavior.
func (s *FileSource) Activate(ctx context.Context) error {
	s.mu.Lock()
	if s.lease != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	lease, err := s.pool.Acquire(ctx, s.uid, s.allocate)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lease = lease
	s.mu.Unlock()
	return nil
}

// Deactivate releases a held lease, returning the handle to the idle
// pool (eligible for reuse or LRU eviction); a no-op if not activated.
func (s *FileSource) Deactivate() error {
	s.mu.Lock()
	lease := s.lease
	s.lease = nil
	s.mu.Unlock()
	if lease != nil {
		lease.Release()
	}
	return nil
}

func (s *FileSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease != nil
}

// GetData reads fp (the source's full footprint when nil) from the
// underlying file, resampling when fp does not share the source's
// native grid.
func (s *FileSource) GetData(ctx context.Context, fp *footprint.Footprint, bands []int, dstNoData float64, interp footprint.Interpolation) (*raster.Array, error) {
	dstFP := s.fp
	if fp != nil {
		dstFP = *fp
	}

	var srcFP footprint.Footprint
	var srcArray *raster.Array
	err := s.withHandle(ctx, func(h driver.Handle) error {
		sampling, ok, serr := s.fp.BuildSamplingFootprint(dstFP, interp)
		if serr != nil {
			return serr
		}
		if !ok {
			a, ferr := raster.Fill(s.dtype, dstFP.RX, dstFP.RY, effectiveBandCount(bands, s.bandCount), dstNoData)
			if ferr != nil {
				return ferr
			}
			srcFP, srcArray = dstFP, a
			return nil
		}
		colOff, rowOff := s.fp.SpatialToRaster(sampling.Origin)
		a, rerr := h.Read(ctx, int(math.Round(colOff)), int(math.Round(rowOff)), sampling.RX, sampling.RY, bands)
		if rerr != nil {
			return rerr
		}
		srcFP, srcArray = sampling, a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resample.Remap(resample.Request{
		SrcFP:     srcFP,
		DstFP:     dstFP,
		Src:       srcArray,
		SrcNoData: schemaNoData(s.sch, bands),
		DstNoData: dstNoData,
		MaskMode:  resample.MaskErode,
		Interp:    interp,
	})
}

// SetData writes a into fp exactly, with no resampling: a write must
// preserve dtype exactly and a subsequent GetData(fp) must return a
// unchanged. fp must share the source's grid.
func (s *FileSource) SetData(ctx context.Context, fp footprint.Footprint, a *raster.Array) error {
	if !s.writable {
		return errkind.New(errkind.BadArgument, "source was not opened in write mode")
	}
	if !s.fp.SameGrid(fp) {
		return errkind.New(errkind.BadArgument, "set_data requires fp to share the source's grid")
	}
	colOff, rowOff := s.fp.SpatialToRaster(fp.Origin)
	return s.withHandle(ctx, func(h driver.Handle) error {
		return h.Write(ctx, int(math.Round(colOff)), int(math.Round(rowOff)), a, nil)
	})
}

// Fill writes value to every pixel of fp.
func (s *FileSource) Fill(ctx context.Context, fp footprint.Footprint, value float64) error {
	a, err := raster.Fill(s.dtype, fp.RX, fp.RY, s.bandCount, value)
	if err != nil {
		return err
	}
	return s.SetData(ctx, fp, a)
}

// Delete removes the backing file. The source must be deactivated
// first (the caller's responsibility on most platforms: removing an
// open file handle's backing path has OS-dependent semantics this
// package does not paper over).
func (s *FileSource) Delete(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil {
		return errkind.Wrap(errkind.DriverError, err, "deleting "+s.path)
	}
	return nil
}

// QueueData implements recipe.Primitive: a file source can be used
// directly as a recipe's upstream primitive. Like recipe.Recipe's own
// QueueData, the stream always delivers exactly one chunk spanning fp.
func (s *FileSource) QueueData(ctx context.Context, fp footprint.Footprint, bands []int, interp footprint.Interpolation, maxQueueSize int) (<-chan recipe.SubResult, error) {
	ch := make(chan recipe.SubResult, 1)
	go func() {
		defer close(ch)
		a, err := s.GetData(ctx, &fp, bands, 0, interp)
		if err != nil {
			ch <- recipe.SubResult{Err: err}
			return
		}
		ch <- recipe.SubResult{FP: fp, Array: a}
	}()
	return ch, nil
}

// Close deactivates and forcibly evicts the source's pool entry, then
// (for a writable source) leaves the file on disk — Close is a
// lifecycle operation, not Delete.
func (s *FileSource) Close() error {
	if err := s.Deactivate(); err != nil {
		return err
	}
	return s.pool.Evict(s.uid)
}
