package geometry

import (
	"fmt"
	"math"
)

func sqrt(x float64) float64 { return math.Sqrt(x) }

// Mask is a boolean 3-D array sharing its voxel grid with a reference volume.
// Data is stored row-major: index = (i*Shape[1]+j)*Shape[2]+k.
type Mask struct {
	Shape [3]int
	Data  []bool
}

// NewMask allocates an all-false mask with the given grid shape.
func NewMask(shape [3]int) Mask {
	return Mask{Shape: shape, Data: make([]bool, shape[0]*shape[1]*shape[2])}
}

// Index converts (i, j, k) voxel coordinates to a linear index.
func (m Mask) Index(i, j, k int) int {
	return (i*m.Shape[1]+j)*m.Shape[2] + k
}

// Coords converts a linear index back to (i, j, k) voxel coordinates.
func (m Mask) Coords(idx int) [3]int {
	k := idx % m.Shape[2]
	j := (idx / m.Shape[2]) % m.Shape[1]
	i := idx / (m.Shape[1] * m.Shape[2])
	return [3]int{i, j, k}
}

// At reports whether the voxel at (i, j, k) is inside the mask.
func (m Mask) At(i, j, k int) bool { return m.Data[m.Index(i, j, k)] }

// Set marks or clears the voxel at (i, j, k).
func (m Mask) Set(i, j, k int, v bool) { m.Data[m.Index(i, j, k)] = v }

// Count returns the number of true voxels.
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Empty reports whether the mask has no support.
func (m Mask) Empty() bool { return m.Count() == 0 }

// Indices returns the linear indices of all true voxels in ascending order.
func (m Mask) Indices() []int {
	out := make([]int, 0, 64)
	for i, v := range m.Data {
		if v {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns a deep copy of the mask.
func (m Mask) Clone() Mask {
	c := Mask{Shape: m.Shape, Data: make([]bool, len(m.Data))}
	copy(c.Data, m.Data)
	return c
}

// And returns the voxel-wise intersection of two masks on the same grid.
func (m Mask) And(other Mask) (Mask, error) {
	if m.Shape != other.Shape {
		return Mask{}, fmt.Errorf("mask grids differ: %v vs %v", m.Shape, other.Shape)
	}
	out := NewMask(m.Shape)
	for i := range m.Data {
		out.Data[i] = m.Data[i] && other.Data[i]
	}
	return out, nil
}

// SphereMask marks every voxel whose physical-space distance from center is
// at most radiusMM. Distance is computed through the affine, so anisotropic
// grids are handled correctly. A sphere lying entirely outside the volume
// bounds produces an all-false mask, not an error; callers must check for
// empty support.
func SphereMask(center [3]float64, affine Affine, shape [3]int, radiusMM float64) Mask {
	mask := NewMask(shape)

	// Bound the search to the voxel box that can possibly reach the sphere.
	// The per-axis reach comes from the inverse transform rows; with shear the
	// voxel footprint of a physical ball is wider than radius over voxel size.
	cv := affine.PhysicalToVoxel(center)
	reach := affine.voxelReach(radiusMM)
	var lo, hi [3]int
	for ax := 0; ax < 3; ax++ {
		lo[ax] = int(math.Floor(cv[ax] - reach[ax]))
		hi[ax] = int(math.Ceil(cv[ax] + reach[ax]))
		if lo[ax] < 0 {
			lo[ax] = 0
		}
		if hi[ax] > shape[ax]-1 {
			hi[ax] = shape[ax] - 1
		}
	}

	for i := lo[0]; i <= hi[0]; i++ {
		for j := lo[1]; j <= hi[1]; j++ {
			for k := lo[2]; k <= hi[2]; k++ {
				p := affine.VoxelToPhysical([3]float64{float64(i), float64(j), float64(k)})
				dx := p[0] - center[0]
				dy := p[1] - center[1]
				dz := p[2] - center[2]
				if math.Sqrt(dx*dx+dy*dy+dz*dz) <= radiusMM {
					mask.Set(i, j, k, true)
				}
			}
		}
	}
	return mask
}

// NearestVoxel returns the in-bounds voxel closest to a physical coordinate,
// and false if the rounded voxel falls outside the grid.
func NearestVoxel(center [3]float64, affine Affine, shape [3]int) ([3]int, bool) {
	cv := affine.PhysicalToVoxel(center)
	var out [3]int
	for ax := 0; ax < 3; ax++ {
		out[ax] = int(math.Round(cv[ax]))
		if out[ax] < 0 || out[ax] >= shape[ax] {
			return [3]int{}, false
		}
	}
	return out, true
}
