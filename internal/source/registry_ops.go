package source

import (
	"context"

	"github.com/georecipe/georecipe/internal/driver"
	"github.com/georecipe/georecipe/internal/driverpool"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/registry"
	"github.com/georecipe/georecipe/internal/schema"
	"github.com/georecipe/georecipe/internal/sr"
)

// registerSource implements the "a-prefixed variants register
// anonymously" convention for every *Source constructor below: key ==
// "" registers anonymously (the aopen_raster/acreate_raster/
// awrap_numpy_raster/a... forms), any other key registers under that
// name.
func registerSource(reg *registry.Registry, key string, src registry.Closer) (string, error) {
	if key == "" {
		return reg.RegisterAnonymous(src)
	}
	if err := reg.Register(key, src); err != nil {
		return "", err
	}
	return key, nil
}

// OpenRaster implements open_raster/aopen_raster: opens path and
// registers the resulting FileSource under key (anonymously when key
// == ""). Read-only requests with no explicit schema try the pure-Go
// COG fast path first (internal/cog, no cgo round trip per tile read)
// and fall back to GDAL for anything that isn't a plain TIFF/COG, is
// opened for writing, or needs a caller-supplied schema GDAL would
// otherwise derive from the file itself.
func OpenRaster(ctx context.Context, reg *registry.Registry, pool *driverpool.Pool, key, path string, mode driver.Mode, sch *schema.Schema) (string, *FileSource, error) {
	var fs *FileSource
	var err error
	if mode == driver.ReadOnly && sch == nil {
		if fs, err = OpenCOGFile(ctx, pool, path); err != nil {
			fs, err = OpenFile(ctx, pool, path, mode, sch)
		}
	} else {
		fs, err = OpenFile(ctx, pool, path, mode, sch)
	}
	if err != nil {
		return "", nil, err
	}
	regKey, err := registerSource(reg, key, fs)
	if err != nil {
		_ = fs.Close()
		return "", nil, err
	}
	return regKey, fs, nil
}

// CreateRaster implements create_raster/acreate_raster: creates path
// through GDAL and registers the resulting writable FileSource.
func CreateRaster(ctx context.Context, reg *registry.Registry, pool *driverpool.Pool, key, path string, fp footprint.Footprint,
	dtype raster.DType, bandCount int, sch *schema.Schema, srRef sr.Ref, driverName string, options []string) (string, *FileSource, error) {
	fs, err := CreateFile(ctx, pool, path, fp, dtype, bandCount, sch, srRef, driverName, options)
	if err != nil {
		return "", nil, err
	}
	regKey, err := registerSource(reg, key, fs)
	if err != nil {
		_ = fs.Close()
		return "", nil, err
	}
	return regKey, fs, nil
}

// WrapNumpyRaster implements wrap_numpy_raster/awrap_numpy_raster:
// wraps an already-populated array and registers it (key == ""
// registers anonymously). Use NewArraySource directly for a source
// that is only ever used in-process (e.g. as a recipe primitive) and
// never needs a registry key.
func WrapNumpyRaster(reg *registry.Registry, key string, fp footprint.Footprint, a *raster.Array, sch *schema.Schema, srRef sr.Ref, writable bool) (string, *ArraySource, error) {
	as, err := NewArraySource(fp, a, sch, srRef, writable)
	if err != nil {
		return "", nil, err
	}
	regKey, err := registerSource(reg, key, as)
	if err != nil {
		return "", nil, err
	}
	return regKey, as, nil
}

// OpenVectorSource implements open_vector/a-prefixed open_vector:
// wraps an existing feature collection and registers it.
func OpenVectorSource(reg *registry.Registry, key string, srRef sr.Ref, features []Feature) (string, *VectorSource, error) {
	vs := OpenVector(srRef, features)
	regKey, err := registerSource(reg, key, vs)
	if err != nil {
		return "", nil, err
	}
	return regKey, vs, nil
}

// CreateVectorSource implements create_vector/a-prefixed create_vector:
// starts an empty, writable feature collection and registers it.
func CreateVectorSource(reg *registry.Registry, key string, srRef sr.Ref) (string, *VectorSource, error) {
	vs := CreateVector(srRef)
	regKey, err := registerSource(reg, key, vs)
	if err != nil {
		return "", nil, err
	}
	return regKey, vs, nil
}
