// Package volume holds the numeric array types shared by the analysis
// components: 3-D statistical/contrast volumes, 4-D acquisition series and
// accuracy maps. Arrays are stored row-major as flat float64 slices with the
// time axis innermost for Series, matching the layout used by the persistence
// layer.
package volume

import (
	"fmt"
	"math"

	"longdecode/pkg/geometry"
)

// Volume is a 3-D numeric array plus its voxel-to-physical affine.
// Volumes are immutable by convention once handed to an analysis component.
type Volume struct {
	Shape  [3]int
	Data   []float64
	Affine geometry.Affine
}

// New allocates a zero-filled volume on the given grid.
func New(shape [3]int, affine geometry.Affine) *Volume {
	return &Volume{
		Shape:  shape,
		Data:   make([]float64, shape[0]*shape[1]*shape[2]),
		Affine: affine,
	}
}

// NewNaN allocates a volume with every voxel set to NaN. This is the
// undefined-everywhere starting state of an accuracy map: values are written
// only at mask-interior voxels and NaN marks the rest.
func NewNaN(shape [3]int, affine geometry.Affine) *Volume {
	v := New(shape, affine)
	for i := range v.Data {
		v.Data[i] = math.NaN()
	}
	return v
}

// Index converts (i, j, k) voxel coordinates to a linear index.
func (v *Volume) Index(i, j, k int) int {
	return (i*v.Shape[1]+j)*v.Shape[2] + k
}

// At returns the value at (i, j, k).
func (v *Volume) At(i, j, k int) float64 { return v.Data[v.Index(i, j, k)] }

// Set writes the value at (i, j, k).
func (v *Volume) Set(i, j, k int, val float64) { v.Data[v.Index(i, j, k)] = val }

// Grid reports whether the volume shares a voxel grid with a mask.
func (v *Volume) Grid() [3]int { return v.Shape }

// ValuesIn collects the voxel values under a mask in ascending linear-index
// order. The grid of the mask must match the volume's.
func (v *Volume) ValuesIn(mask geometry.Mask) ([]float64, error) {
	if mask.Shape != v.Shape {
		return nil, fmt.Errorf("mask grid %v does not match volume grid %v", mask.Shape, v.Shape)
	}
	out := make([]float64, 0, 64)
	for idx, in := range mask.Data {
		if in {
			out = append(out, v.Data[idx])
		}
	}
	return out, nil
}

// FiniteValuesIn collects only the finite voxel values under a mask,
// discarding NaN and infinities.
func (v *Volume) FiniteValuesIn(mask geometry.Mask) ([]float64, error) {
	vals, err := v.ValuesIn(mask)
	if err != nil {
		return nil, err
	}
	out := vals[:0]
	for _, x := range vals {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			out = append(out, x)
		}
	}
	return out, nil
}

// Series is a 4-D acquisition: three spatial axes plus time. The temporal
// axis is innermost, so one voxel's full time course is contiguous.
type Series struct {
	Shape  [4]int // (x, y, z, t)
	Data   []float64
	Affine geometry.Affine
}

// NewSeries allocates a zero-filled 4-D series.
func NewSeries(shape [4]int, affine geometry.Affine) *Series {
	return &Series{
		Shape:  shape,
		Data:   make([]float64, shape[0]*shape[1]*shape[2]*shape[3]),
		Affine: affine,
	}
}

// SpatialShape returns the 3-D grid shared with masks and volumes.
func (s *Series) SpatialShape() [3]int { return [3]int{s.Shape[0], s.Shape[1], s.Shape[2]} }

// Samples returns the number of temporal samples.
func (s *Series) Samples() int { return s.Shape[3] }

// Index converts (i, j, k, t) coordinates to a linear index.
func (s *Series) Index(i, j, k, t int) int {
	return ((i*s.Shape[1]+j)*s.Shape[2]+k)*s.Shape[3] + t
}

// At returns the value at (i, j, k, t).
func (s *Series) At(i, j, k, t int) float64 { return s.Data[s.Index(i, j, k, t)] }

// Set writes the value at (i, j, k, t).
func (s *Series) Set(i, j, k, t int, val float64) { s.Data[s.Index(i, j, k, t)] = val }

// WindowMean averages samples t in [t0, t1) for the voxel at spatial linear
// index idx. The caller guarantees 0 <= t0 < t1 <= Samples().
func (s *Series) WindowMean(idx, t0, t1 int) float64 {
	base := idx * s.Shape[3]
	sum := 0.0
	for t := t0; t < t1; t++ {
		sum += s.Data[base+t]
	}
	return sum / float64(t1-t0)
}
