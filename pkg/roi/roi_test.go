package roi

import (
	"errors"
	"math"
	"testing"

	"longdecode/internal/models"
	"longdecode/pkg/geometry"
	"longdecode/pkg/volume"
)

var testKey = models.ClassKey{Hemi: models.LeftHemisphere, Cat: models.Face}
var testSession = models.SessionKey{Subject: "sub-001", Session: 1}

func fullMask(shape [3]int) geometry.Mask {
	m := geometry.NewMask(shape)
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

func statVolume(t *testing.T, shape [3]int) *volume.Volume {
	t.Helper()
	a, err := geometry.Scaling(2, 2, 2, [3]float64{0, 0, 0})
	if err != nil {
		t.Fatalf("affine: %v", err)
	}
	return volume.New(shape, a)
}

// absolute-threshold config: no percentile adaptation, cluster floor of 3.
func fixedConfig(minStat float64) Config {
	return Config{MinStat: minStat, MinVoxels: 3}
}

func TestExtractAllZeroVolumeIsAbsent(t *testing.T) {
	shape := [3]int{8, 8, 8}
	stat := statVolume(t, shape)

	_, err := Extract(stat, fullMask(shape), testKey, testSession, fixedConfig(1.64))
	if !errors.Is(err, ErrAbsent) {
		t.Fatalf("expected ErrAbsent for all-zero volume, got %v", err)
	}
}

func TestExtractPicksLargestCluster(t *testing.T) {
	shape := [3]int{12, 12, 12}
	stat := statVolume(t, shape)

	// Small bright cluster (2 voxels) vs large dimmer cluster (8 voxels),
	// separated by more than one voxel so 26-connectivity keeps them apart.
	stat.Set(1, 1, 1, 10)
	stat.Set(1, 1, 2, 10)
	for k := 0; k < 8; k++ {
		stat.Set(8, 8, k+2, 3)
	}

	r, err := Extract(stat, fullMask(shape), testKey, testSession, fixedConfig(2))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if r.Voxels != 8 {
		t.Errorf("dominant cluster has %d voxels, want 8", r.Voxels)
	}
	if r.PeakValue != 3 {
		t.Errorf("peak = %v, want 3", r.PeakValue)
	}
	if !r.Mask.At(8, 8, 2) || r.Mask.At(1, 1, 1) {
		t.Error("region mask covers the wrong cluster")
	}
}

func TestExtractTieBreaksByPeakThenIndex(t *testing.T) {
	shape := [3]int{12, 12, 12}
	stat := statVolume(t, shape)

	// Two 2-voxel clusters; second has the higher peak.
	stat.Set(1, 1, 1, 5)
	stat.Set(1, 1, 2, 5)
	stat.Set(8, 8, 8, 9)
	stat.Set(8, 8, 9, 5)

	r, err := Extract(stat, fullMask(shape), testKey, testSession,
		Config{MinStat: 2, MinVoxels: 2})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if r.PeakVoxel != [3]int{8, 8, 8} {
		t.Errorf("peak voxel = %v, want the higher-peak cluster", r.PeakVoxel)
	}

	// Equal size and equal peak: lower linear index wins.
	stat2 := statVolume(t, shape)
	stat2.Set(1, 1, 1, 5)
	stat2.Set(1, 1, 2, 5)
	stat2.Set(8, 8, 8, 5)
	stat2.Set(8, 8, 9, 5)
	r2, err := Extract(stat2, fullMask(shape), testKey, testSession,
		Config{MinStat: 2, MinVoxels: 2})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !r2.Mask.At(1, 1, 1) {
		t.Error("tie on size and peak should select the lower-index cluster")
	}
}

func TestExtract26Connectivity(t *testing.T) {
	shape := [3]int{6, 6, 6}
	stat := statVolume(t, shape)

	// Diagonal neighbors form one component under 26-connectivity.
	stat.Set(2, 2, 2, 4)
	stat.Set(3, 3, 3, 4)
	stat.Set(4, 4, 4, 4)

	r, err := Extract(stat, fullMask(shape), testKey, testSession, fixedConfig(2))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if r.Voxels != 3 {
		t.Errorf("diagonal chain labeled as %d voxels, want one 3-voxel component", r.Voxels)
	}
}

func TestExtractRespectsSearchMask(t *testing.T) {
	shape := [3]int{8, 8, 8}
	stat := statVolume(t, shape)
	for k := 0; k < 4; k++ {
		stat.Set(1, 1, k, 6) // outside the search mask
		stat.Set(5, 5, k, 4) // inside
	}

	search := geometry.NewMask(shape)
	for k := 0; k < 8; k++ {
		search.Set(5, 5, k, true)
	}

	r, err := Extract(stat, search, testKey, testSession, fixedConfig(2))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if r.Mask.At(1, 1, 0) {
		t.Error("region leaked outside the search mask")
	}
	if r.Voxels != 4 {
		t.Errorf("in-mask cluster has %d voxels, want 4", r.Voxels)
	}
}

func TestExtractMinVoxelsFloor(t *testing.T) {
	shape := [3]int{8, 8, 8}
	stat := statVolume(t, shape)
	stat.Set(3, 3, 3, 10)
	stat.Set(3, 3, 4, 10)

	_, err := Extract(stat, fullMask(shape), testKey, testSession, fixedConfig(2))
	if !errors.Is(err, ErrAbsent) {
		t.Fatalf("2-voxel cluster below floor of 3 should be absent, got %v", err)
	}
}

// TestExtractPercentileNoPositiveVoxels: with a percentile threshold and a
// MinPositive of zero, a volume without positive voxels must report an
// absent region rather than computing a percentile of nothing.
func TestExtractPercentileNoPositiveVoxels(t *testing.T) {
	shape := [3]int{8, 8, 8}
	stat := statVolume(t, shape)
	for i := range stat.Data {
		stat.Data[i] = -1
	}

	cfg := DefaultConfig()
	cfg.MinPositive = 0
	_, err := Extract(stat, fullMask(shape), testKey, testSession, cfg)
	if !errors.Is(err, ErrAbsent) {
		t.Fatalf("expected ErrAbsent without positive voxels, got %v", err)
	}
}

func TestExtractPercentileThreshold(t *testing.T) {
	shape := [3]int{10, 10, 10}
	stat := statVolume(t, shape)

	// Broad low-level activation plus one compact hot cluster; a top-10%
	// threshold must isolate the hot cluster.
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			for k := 0; k < 10; k++ {
				stat.Set(i, j, k, 2.0)
			}
		}
	}
	for _, v := range [][3]int{{4, 4, 4}, {4, 4, 5}, {4, 5, 4}, {5, 4, 4}, {5, 5, 5}} {
		stat.Set(v[0], v[1], v[2], 8.0)
	}

	r, err := Extract(stat, fullMask(shape), testKey, testSession, DefaultConfig())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if r.Voxels != 5 {
		t.Errorf("percentile threshold kept %d voxels, want the 5 hot ones", r.Voxels)
	}
	if r.Threshold < 2.0 || r.Threshold >= 8.0 {
		t.Errorf("threshold %v should sit between background and peak", r.Threshold)
	}
}

func TestRegionCentroidIsPhysical(t *testing.T) {
	shape := [3]int{8, 8, 8}
	stat := statVolume(t, shape) // 2mm isotropic voxels
	for k := 2; k <= 4; k++ {
		stat.Set(4, 4, k, 5)
	}

	r, err := Extract(stat, fullMask(shape), testKey, testSession, fixedConfig(2))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := [3]float64{8, 8, 6} // voxel (4,4,3) at 2mm spacing
	for ax := 0; ax < 3; ax++ {
		if math.Abs(r.Centroid[ax]-want[ax]) > 1e-9 {
			t.Errorf("centroid = %v, want %v", r.Centroid, want)
			break
		}
	}
}
