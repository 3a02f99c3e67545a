package geometry

import (
	"math"
	"testing"
)

func anisotropic(t *testing.T) Affine {
	t.Helper()
	a, err := Scaling(2.0, 2.0, 3.5, [3]float64{-90, -126, -72})
	if err != nil {
		t.Fatalf("failed to build affine: %v", err)
	}
	return a
}

// TestAffineRoundTrip verifies physical_to_voxel(voxel_to_physical(v)) == v
// within floating point tolerance.
func TestAffineRoundTrip(t *testing.T) {
	a := anisotropic(t)

	voxels := [][3]float64{
		{0, 0, 0},
		{10, 20, 5},
		{31.5, 2.25, 17},
	}
	for _, v := range voxels {
		got := a.PhysicalToVoxel(a.VoxelToPhysical(v))
		for ax := 0; ax < 3; ax++ {
			if math.Abs(got[ax]-v[ax]) > 1e-9 {
				t.Errorf("round trip of %v gave %v", v, got)
			}
		}
	}
}

func TestVoxelSizes(t *testing.T) {
	a := anisotropic(t)
	want := [3]float64{2.0, 2.0, 3.5}
	got := a.VoxelSizes()
	for ax := 0; ax < 3; ax++ {
		if math.Abs(got[ax]-want[ax]) > 1e-12 {
			t.Fatalf("voxel sizes = %v, want %v", got, want)
		}
	}
}

func TestNewAffineRejectsSingular(t *testing.T) {
	_, err := NewAffine([4][4]float64{
		{1, 0, 0, 0},
		{2, 0, 0, 0}, // linearly dependent rows
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	})
	if err == nil {
		t.Fatal("expected error for singular affine")
	}
}

// TestSphereRadiusZero checks that a zero-radius sphere contains at most the
// single nearest voxel to the center.
func TestSphereRadiusZero(t *testing.T) {
	a := anisotropic(t)
	shape := [3]int{10, 10, 10}

	// Center exactly on a voxel: exactly one voxel.
	center := a.VoxelToPhysical([3]float64{4, 5, 6})
	m := SphereMask(center, a, shape, 0)
	if m.Count() != 1 {
		t.Errorf("on-voxel zero-radius sphere has %d voxels, want 1", m.Count())
	}
	if !m.At(4, 5, 6) {
		t.Error("zero-radius sphere missed its own voxel")
	}

	// Center between voxels: no voxel is at distance zero.
	off := [3]float64{center[0] + 0.7, center[1] + 0.7, center[2] + 0.7}
	if n := SphereMask(off, a, shape, 0).Count(); n > 1 {
		t.Errorf("off-voxel zero-radius sphere has %d voxels, want at most 1", n)
	}
}

// TestSphereMonotonicity checks that increasing the radius never shrinks the
// resulting mask.
func TestSphereMonotonicity(t *testing.T) {
	a := anisotropic(t)
	shape := [3]int{16, 16, 16}
	center := a.VoxelToPhysical([3]float64{8, 8, 8})

	prev := -1
	for _, r := range []float64{0, 1, 2, 4, 6, 9, 14} {
		m := SphereMask(center, a, shape, r)
		n := m.Count()
		if n < prev {
			t.Errorf("radius %v gave %d voxels, smaller than previous %d", r, n, prev)
		}
		prev = n
	}
}

func TestSphereAnisotropicDistance(t *testing.T) {
	// Voxels are 3.5mm apart along z; a 3mm sphere must not reach the
	// neighboring z voxel, even though it spans one step along x and y.
	a := anisotropic(t)
	shape := [3]int{8, 8, 8}
	center := a.VoxelToPhysical([3]float64{4, 4, 4})

	m := SphereMask(center, a, shape, 3.0)
	if m.At(4, 4, 5) || m.At(4, 4, 3) {
		t.Error("3mm sphere leaked into 3.5mm-distant z neighbors")
	}
	if !m.At(5, 4, 4) || !m.At(4, 5, 4) {
		t.Error("3mm sphere missed 2mm-distant x/y neighbors")
	}
}

// TestSphereShearedAffine compares SphereMask against an exhaustive scan of
// the whole grid on an affine with shear, where the voxel footprint of a
// physical ball is wider than radius divided by voxel size.
func TestSphereShearedAffine(t *testing.T) {
	a, err := NewAffine([4][4]float64{
		{1, 1, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	})
	if err != nil {
		t.Fatalf("failed to build affine: %v", err)
	}
	shape := [3]int{24, 24, 10}
	center := a.VoxelToPhysical([3]float64{10, 10, 5})
	const radius = 6.0

	m := SphereMask(center, a, shape, radius)

	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				p := a.VoxelToPhysical([3]float64{float64(i), float64(j), float64(k)})
				dx := p[0] - center[0]
				dy := p[1] - center[1]
				dz := p[2] - center[2]
				want := math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius
				if got := m.At(i, j, k); got != want {
					t.Errorf("voxel (%d,%d,%d): in sphere = %v, want %v", i, j, k, got, want)
				}
			}
		}
	}
}

func TestSphereOutsideVolume(t *testing.T) {
	a := anisotropic(t)
	shape := [3]int{8, 8, 8}

	// Far outside the grid in physical space.
	m := SphereMask([3]float64{1000, 1000, 1000}, a, shape, 5)
	if !m.Empty() {
		t.Errorf("out-of-bounds sphere should be empty, has %d voxels", m.Count())
	}
}

func TestMaskIndexCoordsInverse(t *testing.T) {
	m := NewMask([3]int{3, 5, 7})
	for i := 0; i < 3; i++ {
		for j := 0; j < 5; j++ {
			for k := 0; k < 7; k++ {
				idx := m.Index(i, j, k)
				if got := m.Coords(idx); got != [3]int{i, j, k} {
					t.Fatalf("Coords(Index(%d,%d,%d)) = %v", i, j, k, got)
				}
			}
		}
	}
}

func TestNearestVoxel(t *testing.T) {
	a := anisotropic(t)
	shape := [3]int{10, 10, 10}

	p := a.VoxelToPhysical([3]float64{3.2, 4.8, 6.1})
	v, ok := NearestVoxel(p, a, shape)
	if !ok {
		t.Fatal("expected in-bounds voxel")
	}
	if v != [3]int{3, 5, 6} {
		t.Errorf("nearest voxel = %v, want [3 5 6]", v)
	}

	if _, ok := NearestVoxel([3]float64{1e6, 0, 0}, a, shape); ok {
		t.Error("expected out-of-bounds center to report not found")
	}
}
