package longitudinal

import (
	"math"
	"testing"

	"longdecode/internal/models"
	"longdecode/pkg/decode"
	"longdecode/pkg/geometry"
	"longdecode/pkg/patterns"
	"longdecode/pkg/roi"
	"longdecode/pkg/rsa"
	"longdecode/pkg/volume"
)

var testKey = models.ClassKey{Hemi: models.LeftHemisphere, Cat: models.Face}

func isoAffine(t *testing.T) geometry.Affine {
	t.Helper()
	a, err := geometry.Scaling(1, 1, 1, [3]float64{0, 0, 0})
	if err != nil {
		t.Fatalf("affine: %v", err)
	}
	return a
}

func regionAt(t *testing.T, centroid [3]float64) *roi.Region {
	t.Helper()
	return &roi.Region{
		Centroid: centroid,
		Voxels:   10,
		Key:      testKey,
		Affine:   isoAffine(t),
	}
}

// accMap builds a NaN-initialized map with the given voxels set to value.
func accMap(t *testing.T, shape [3]int, value float64, voxels ...[3]int) *volume.Volume {
	t.Helper()
	v := volume.NewNaN(shape, isoAffine(t))
	for _, vx := range voxels {
		v.Set(vx[0], vx[1], vx[2], value)
	}
	return v
}

func testRDM(t *testing.T, centroids [][]float64) (*rsa.RDM, float64) {
	t.Helper()
	conds := []models.Category{models.Face, models.Word, models.Object, models.House}
	sets := make([]patterns.PatternSet, len(centroids))
	for i, c := range centroids {
		if err := sets[i].Append(patterns.Pattern{Values: c, Condition: conds[i], Run: 1}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	rdm, err := rsa.Build(sets)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dist, err := rdm.Distinctiveness(models.Face)
	if err != nil {
		t.Fatalf("Distinctiveness: %v", err)
	}
	return rdm, dist
}

func TestDiceSelfAndDisjoint(t *testing.T) {
	shape := [3]int{4, 4, 4}
	a := accMap(t, shape, 0.9, [3]int{0, 0, 0}, [3]int{1, 0, 0}, [3]int{2, 0, 0})
	b := accMap(t, shape, 0.9, [3]int{0, 3, 3}, [3]int{1, 3, 3})

	if d, err := Dice(a, a, 0.55); err != nil || d != 1.0 {
		t.Errorf("Dice(a, a) = %v, %v; want exactly 1.0", d, err)
	}
	if d, err := Dice(a, b, 0.55); err != nil || d != 0.0 {
		t.Errorf("Dice of disjoint maps = %v, %v; want 0.0", d, err)
	}
}

func TestDiceEmptyAndValues(t *testing.T) {
	shape := [3]int{3, 3, 3}
	empty := volume.NewNaN(shape, isoAffine(t))
	if d, err := Dice(empty, empty, 0.55); err != nil || d != 0.0 {
		t.Errorf("Dice of two empty maps = %v, %v; want 0.0", d, err)
	}

	// Two suprathreshold voxels in a, three in b, one shared.
	a := accMap(t, shape, 0.8, [3]int{0, 0, 0}, [3]int{1, 1, 1})
	b := accMap(t, shape, 0.8, [3]int{1, 1, 1}, [3]int{2, 2, 2}, [3]int{0, 1, 0})
	d, err := Dice(a, b, 0.55)
	if err != nil {
		t.Fatalf("Dice: %v", err)
	}
	if want := 2.0 / 5.0; math.Abs(d-want) > 1e-12 {
		t.Errorf("Dice = %v, want %v", d, want)
	}

	other := volume.NewNaN([3]int{2, 2, 2}, isoAffine(t))
	if _, err := Dice(a, other, 0.55); err == nil {
		t.Error("expected error for mismatched grids")
	}
}

func TestCompareInsufficientSessions(t *testing.T) {
	sessions := []*Session{
		{Key: models.SessionKey{Subject: "sub-010", Session: 1}, Region: regionAt(t, [3]float64{0, 0, 0})},
		{Key: models.SessionKey{Subject: "sub-010", Session: 2}}, // region absent
	}
	rec := Compare("sub-010", "patient", testKey, sessions, DefaultConfig())
	if !rec.Insufficient {
		t.Fatal("expected insufficient record when only one session has a region")
	}
	if rec.Reason == "" {
		t.Error("insufficient record must carry a reason")
	}

	// Excluded from aggregation, not zero-filled.
	vals := Collect([]*Record{rec}, func(r *Record) float64 { return r.DriftMM })
	if len(vals) != 0 {
		t.Errorf("insufficient record leaked %v into aggregation", vals)
	}
}

func TestCompareDriftAndChanges(t *testing.T) {
	rdm1, dist1 := testRDM(t, [][]float64{
		{1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1},
		{1, 3, 2, 5, 4},
		{2, 2, 5, 1, 4},
	})
	rdm2, dist2 := testRDM(t, [][]float64{
		{1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1},
		{1, 3, 2, 5, 4},
		{2, 2, 5, 1, 4},
	})

	sessions := []*Session{
		{
			Key:             models.SessionKey{Subject: "sub-011", Session: 1},
			Region:          regionAt(t, [3]float64{0, 0, 0}),
			RDM:             rdm1,
			Distinctiveness: dist1,
			Accuracy:        &decode.Result{Accuracy: 0.80},
			Selectivity:     1.5,
			HasSelectivity:  true,
		},
		{
			Key:             models.SessionKey{Subject: "sub-011", Session: 2},
			Region:          regionAt(t, [3]float64{3, 4, 0}),
			RDM:             rdm2,
			Distinctiveness: dist2 - 0.25,
			Accuracy:        &decode.Result{Accuracy: 0.70},
			Selectivity:     1.1,
			HasSelectivity:  true,
		},
	}
	rec := Compare("sub-011", "control", testKey, sessions, DefaultConfig())
	if rec.Insufficient {
		t.Fatalf("unexpected insufficient record: %s", rec.Reason)
	}
	if math.Abs(rec.DriftMM-5) > 1e-12 {
		t.Errorf("drift = %v, want 5", rec.DriftMM)
	}
	if math.Abs(rec.DistinctivenessChange-(-0.25)) > 1e-12 {
		t.Errorf("distinctiveness change = %v, want -0.25", rec.DistinctivenessChange)
	}
	if math.Abs(rec.AbsDistinctivenessChange-0.25) > 1e-12 {
		t.Errorf("abs distinctiveness change = %v, want 0.25", rec.AbsDistinctivenessChange)
	}
	if math.Abs(rec.GeometryPreservation-1) > 1e-12 {
		t.Errorf("geometry preservation of identical RDMs = %v, want 1", rec.GeometryPreservation)
	}
	for cond, s := range rec.MDSShift {
		if s > 1e-9 {
			t.Errorf("MDS shift for %s = %v, want ~0", cond, s)
		}
	}
	if math.Abs(rec.AccuracyChange-(-0.10)) > 1e-12 {
		t.Errorf("accuracy change = %v, want -0.10", rec.AccuracyChange)
	}
	if math.Abs(rec.SelectivityChange-(-0.4)) > 1e-12 {
		t.Errorf("selectivity change = %v, want -0.4", rec.SelectivityChange)
	}
}

func TestCompareMissingOptionalInputsAreNaN(t *testing.T) {
	sessions := []*Session{
		{Key: models.SessionKey{Subject: "sub-012", Session: 1}, Region: regionAt(t, [3]float64{0, 0, 0})},
		{Key: models.SessionKey{Subject: "sub-012", Session: 2}, Region: regionAt(t, [3]float64{1, 0, 0})},
	}
	rec := Compare("sub-012", "control", testKey, sessions, DefaultConfig())
	if rec.Insufficient {
		t.Fatalf("regions are present, record should be usable: %s", rec.Reason)
	}
	if !math.IsNaN(rec.Dice) {
		t.Errorf("Dice without maps = %v, want NaN", rec.Dice)
	}
	if !math.IsNaN(rec.GeometryPreservation) {
		t.Errorf("preservation without RDMs = %v, want NaN", rec.GeometryPreservation)
	}
	if !math.IsNaN(rec.SelectivityChange) {
		t.Errorf("selectivity change without contrasts = %v, want NaN", rec.SelectivityChange)
	}

	// Decoding never ran, so the delta stays undefined.
	if !math.IsNaN(rec.AccuracyChange) {
		t.Errorf("accuracy change without decoding results = %v, want NaN", rec.AccuracyChange)
	}
}

func TestBootstrapCIDeterministicAndCentered(t *testing.T) {
	values := []float64{1.0, 1.2, 0.8, 1.1, 0.9, 1.0, 1.3, 0.7}
	cfg := DefaultBootstrapConfig()
	cfg.Iterations = 2000

	a, err := BootstrapCI(values, cfg)
	if err != nil {
		t.Fatalf("BootstrapCI: %v", err)
	}
	b, err := BootstrapCI(values, cfg)
	if err != nil {
		t.Fatalf("BootstrapCI: %v", err)
	}
	if a != b {
		t.Errorf("same seed produced different intervals: %+v vs %+v", a, b)
	}
	if a.Low > a.Mean || a.Mean > a.High {
		t.Errorf("interval %+v does not bracket its mean", a)
	}
	if !a.Contains(1.0) {
		t.Errorf("interval %+v should contain the sample center", a)
	}

	if _, err := BootstrapCI(nil, cfg); err == nil {
		t.Error("expected error for an empty sample")
	}
}

func TestPermutationDiff(t *testing.T) {
	cfg := DefaultBootstrapConfig()
	cfg.Iterations = 2000

	same := []float64{1.0, 1.1, 0.9, 1.0, 1.05, 0.95}
	diff, p, err := PermutationDiff(same, same, cfg)
	if err != nil {
		t.Fatalf("PermutationDiff: %v", err)
	}
	if diff != 0 {
		t.Errorf("identical groups differ by %v, want 0", diff)
	}
	if p < 0.5 {
		t.Errorf("p = %v for identical groups, want large", p)
	}

	low := []float64{0.1, 0.12, 0.09, 0.11, 0.1, 0.13}
	high := []float64{2.0, 2.1, 1.9, 2.05, 2.0, 1.95}
	d2, p2, err := PermutationDiff(high, low, cfg)
	if err != nil {
		t.Fatalf("PermutationDiff: %v", err)
	}
	if d2 <= 0 {
		t.Errorf("expected positive observed difference, got %v", d2)
	}
	if p2 > 0.01 {
		t.Errorf("p = %v for fully separated groups, want tiny", p2)
	}
}

func TestFlagOutside(t *testing.T) {
	mk := func(subject string, drift float64) *Record {
		return &Record{Subject: subject, Group: "patient", Key: testKey, DriftMM: drift}
	}
	records := []*Record{
		mk("sub-101", 2.0),
		mk("sub-102", 9.0),
		mk("sub-103", 2.5),
		{Subject: "sub-104", Group: "patient", Key: testKey, Insufficient: true, Reason: "one session"},
	}
	ref := Interval{Mean: 2.2, Low: 1.5, High: 3.0}
	flagged := FlagOutside(records, func(r *Record) float64 { return r.DriftMM }, ref)
	if len(flagged) != 1 || flagged[0] != "sub-102" {
		t.Errorf("flagged = %v, want [sub-102]", flagged)
	}
}
