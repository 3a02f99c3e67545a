// Package geometry provides affine-aware coordinate transforms and spherical
// neighborhood construction over 3-D voxel grids.
//
// All physical coordinates are in millimeters. Voxel coordinates follow the
// (i, j, k) grid convention of the source volume; the affine maps voxel
// indices to physical space exactly, with no interpolation.
package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 voxel-to-physical transform together with its precomputed
// inverse. The zero value is not usable; construct with NewAffine, which
// rejects non-invertible matrices.
type Affine struct {
	fwd [16]float64
	inv [16]float64
}

// NewAffine validates and builds an affine transform from a 4x4 row-major
// matrix. A singular matrix is a configuration error and fails immediately.
func NewAffine(rows [4][4]float64) (Affine, error) {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, rows[r][c])
		}
	}

	var invM mat.Dense
	if err := invM.Inverse(m); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}

	var a Affine
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a.fwd[r*4+c] = m.At(r, c)
			a.inv[r*4+c] = invM.At(r, c)
		}
	}
	return a, nil
}

// MustAffine is NewAffine for statically known matrices; it panics on a
// singular input. Intended for tests and literal identity/scaling transforms.
func MustAffine(rows [4][4]float64) Affine {
	a, err := NewAffine(rows)
	if err != nil {
		panic(err)
	}
	return a
}

// Scaling returns an affine with the given voxel sizes along each axis and
// the given physical origin. Handy for isotropic and anisotropic test grids.
func Scaling(sx, sy, sz float64, origin [3]float64) (Affine, error) {
	return NewAffine([4][4]float64{
		{sx, 0, 0, origin[0]},
		{0, sy, 0, origin[1]},
		{0, 0, sz, origin[2]},
		{0, 0, 0, 1},
	})
}

func apply(m *[16]float64, p [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = m[r*4+0]*p[0] + m[r*4+1]*p[1] + m[r*4+2]*p[2] + m[r*4+3]
	}
	return out
}

// VoxelToPhysical maps continuous voxel coordinates to physical millimeters.
func (a Affine) VoxelToPhysical(v [3]float64) [3]float64 {
	return apply(&a.fwd, v)
}

// PhysicalToVoxel maps physical millimeters back to continuous voxel
// coordinates. It is the exact inverse of VoxelToPhysical.
func (a Affine) PhysicalToVoxel(p [3]float64) [3]float64 {
	return apply(&a.inv, p)
}

// voxelReach returns, per voxel axis, how far in voxel units a physical ball
// of the given radius can extend from its center: radius times the norm of
// that row of the inverse linear part. Column norms of the forward transform
// are not equivalent once the affine has shear.
func (a Affine) voxelReach(radiusMM float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		var s float64
		for c := 0; c < 3; c++ {
			s += a.inv[r*4+c] * a.inv[r*4+c]
		}
		out[r] = radiusMM * sqrt(s)
	}
	return out
}

// Rows returns the forward transform as a 4x4 row-major matrix, suitable for
// persistence. NewAffine(a.Rows()) reconstructs an equal transform.
func (a Affine) Rows() [4][4]float64 {
	var rows [4][4]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			rows[r][c] = a.fwd[r*4+c]
		}
	}
	return rows
}

// VoxelSizes reports the physical length of one voxel step along each grid
// axis, i.e. the norms of the affine's rotation/scaling columns.
func (a Affine) VoxelSizes() [3]float64 {
	var out [3]float64
	for c := 0; c < 3; c++ {
		var s float64
		for r := 0; r < 3; r++ {
			s += a.fwd[r*4+c] * a.fwd[r*4+c]
		}
		out[c] = sqrt(s)
	}
	return out
}
