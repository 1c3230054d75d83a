package source

import (
	"sync"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/sr"
)

// Feature is one vector record: a point-sequence geometry (enough to
// represent points, lines, and polygon rings without a full geometry
// model) plus opaque attribute fields. There is no OGR/GEOS binding
// here, so Feature stops at enumeration: a geometry collection behind
// the same fp/close/lifecycle contract as a raster source, not a full
// geometric-predicate engine.
type Feature struct {
	Geometry   []footprint.Vec2
	Properties map[string]any
}

// VectorSource is the minimal open_vector/create_vector counterpart to
// the raster source variants: an in-memory feature collection with the
// same registry lifecycle contract (close, sr_stored) as a raster
// source, but no fp/dtype/band_count — those are raster-only concepts.
type VectorSource struct {
	mu       sync.Mutex
	srStored sr.Ref
	closed   bool
	features []Feature
}

// OpenVector wraps an existing feature collection (the open_vector
// path).
func OpenVector(srRef sr.Ref, features []Feature) *VectorSource {
	return &VectorSource{srStored: srRef, features: append([]Feature(nil), features...)}
}

// CreateVector starts an empty, writable feature collection (the
// create_vector path).
func CreateVector(srRef sr.Ref) *VectorSource {
	return &VectorSource{srStored: srRef}
}

func (v *VectorSource) SRStored() sr.Ref { return v.srStored }

// Features returns a snapshot of the collection's current contents.
func (v *VectorSource) Features() ([]Feature, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, errkind.New(errkind.Closed, "source is closed")
	}
	return append([]Feature(nil), v.features...), nil
}

// AddFeature appends f to the collection.
func (v *VectorSource) AddFeature(f Feature) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errkind.New(errkind.Closed, "source is closed")
	}
	v.features = append(v.features, f)
	return nil
}

// Delete clears the collection.
func (v *VectorSource) Delete() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errkind.New(errkind.Closed, "source is closed")
	}
	v.features = nil
	return nil
}

func (v *VectorSource) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}
