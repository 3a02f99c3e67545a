// Package longitudinal aligns per-session region, accuracy-map and
// representational-geometry results across a subject's imaging sessions and
// derives change metrics: spatial drift, map overlap, distinctiveness and
// selectivity change, geometry preservation and embedding shift. A group
// layer aggregates within-subject differences into bootstrap confidence
// intervals and permutation tests.
package longitudinal

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"longdecode/internal/models"
	"longdecode/pkg/decode"
	"longdecode/pkg/roi"
	"longdecode/pkg/rsa"
	"longdecode/pkg/volume"
)

// Config holds the comparison knobs.
type Config struct {
	// DiceThreshold is the accuracy cutoff applied to both maps before
	// computing overlap.
	DiceThreshold float64 `yaml:"dice_threshold"`
}

// DefaultConfig matches the analysis defaults used throughout the study.
func DefaultConfig() Config {
	return Config{DiceThreshold: 0.55}
}

// Session bundles everything one session contributed for one region class.
// Any field may be nil when the corresponding stage produced no result;
// Compare degrades to "insufficient data" rather than imputing.
type Session struct {
	Key    models.SessionKey
	Region *roi.Region

	// Acc is the searchlight accuracy map on the session grid, NaN outside
	// the evaluated mask. Optional.
	Acc *volume.Volume

	// RDM and Distinctiveness come from the representational geometry stage.
	RDM             *rsa.RDM
	Distinctiveness float64

	// Accuracy is the within-session decoding result for the preferred
	// category against its contrast condition, nil when decoding never ran.
	Accuracy *decode.Result

	// CrossTemporal carries the forward/backward cross-session decoding
	// against the previous session, when one exists.
	CrossTemporal *decode.CrossTemporal

	// Selectivity is the mean contrast statistic inside the region sphere.
	// HasSelectivity distinguishes a true zero from an absent contrast.
	Selectivity    float64
	HasSelectivity bool
}

// Record is the read-only per-(subject, hemisphere, category) longitudinal
// bundle. When Insufficient is set only Subject, Group, Key and Reason are
// meaningful; such records are excluded from group aggregation.
type Record struct {
	Subject string
	Group   string
	Key     models.ClassKey

	First *Session
	Last  *Session

	Insufficient bool
	Reason       string

	// DriftMM is the physical distance between first- and last-session
	// region centroids.
	DriftMM float64

	// Dice is the overlap of the thresholded accuracy maps, NaN when either
	// session lacks a map.
	Dice          float64
	DiceThreshold float64

	// DistinctivenessChange is last minus first (signed); AbsChange its
	// magnitude.
	DistinctivenessChange    float64
	AbsDistinctivenessChange float64

	// GeometryPreservation and MDSShift require both sessions' RDMs; the
	// scalar is NaN and the map nil when either is missing.
	GeometryPreservation float64
	MDSShift             map[models.Category]float64

	// AccuracyChange is the last-minus-first within-session decoding delta,
	// NaN when either result is uninformative.
	AccuracyChange float64

	// SelectivityChange is last minus first, NaN when either session lacks
	// a contrast volume.
	SelectivityChange float64
}

// insufficientRecord builds the excluded-from-aggregation form.
func insufficientRecord(subject, group string, key models.ClassKey, reason string) *Record {
	return &Record{
		Subject:      subject,
		Group:        group,
		Key:          key,
		Insufficient: true,
		Reason:       reason,
	}
}

// Compare derives the longitudinal metrics for one subject and region class
// from its per-session results, ordered by acquisition. Sessions without an
// extracted region do not participate; fewer than two usable sessions yields
// an insufficient-data record. Metrics whose inputs are missing on either
// end come back NaN rather than zero so aggregation can skip them.
func Compare(subject, group string, key models.ClassKey, sessions []*Session, cfg Config) *Record {
	var usable []*Session
	for _, s := range sessions {
		if s != nil && s.Region != nil {
			usable = append(usable, s)
		}
	}
	if len(usable) < 2 {
		return insufficientRecord(subject, group, key,
			fmt.Sprintf("%d of %d sessions have an extractable region, need 2", len(usable), len(sessions)))
	}

	first, last := usable[0], usable[len(usable)-1]
	rec := &Record{
		Subject:       subject,
		Group:         group,
		Key:           key,
		First:         first,
		Last:          last,
		DiceThreshold: cfg.DiceThreshold,

		Dice:                 math.NaN(),
		GeometryPreservation: math.NaN(),
		AccuracyChange:       math.NaN(),
		SelectivityChange:    math.NaN(),
	}

	dx := last.Region.Centroid[0] - first.Region.Centroid[0]
	dy := last.Region.Centroid[1] - first.Region.Centroid[1]
	dz := last.Region.Centroid[2] - first.Region.Centroid[2]
	rec.DriftMM = math.Sqrt(dx*dx + dy*dy + dz*dz)

	if first.Acc != nil && last.Acc != nil {
		if d, err := Dice(first.Acc, last.Acc, cfg.DiceThreshold); err == nil {
			rec.Dice = d
		}
	}

	if first.RDM != nil && last.RDM != nil {
		rec.DistinctivenessChange = last.Distinctiveness - first.Distinctiveness
		rec.AbsDistinctivenessChange = math.Abs(rec.DistinctivenessChange)
		if gp, err := rsa.GeometryPreservation(first.RDM, last.RDM); err == nil {
			rec.GeometryPreservation = gp
		}
		if shifts, err := rsa.MDSShift(first.RDM, last.RDM); err == nil {
			rec.MDSShift = shifts
		}
	} else {
		rec.DistinctivenessChange = math.NaN()
		rec.AbsDistinctivenessChange = math.NaN()
	}

	if first.Accuracy != nil && last.Accuracy != nil &&
		!first.Accuracy.Uninformative() && !last.Accuracy.Uninformative() {
		rec.AccuracyChange = last.Accuracy.Accuracy - first.Accuracy.Accuracy
	}

	if first.HasSelectivity && last.HasSelectivity {
		rec.SelectivityChange = last.Selectivity - first.Selectivity
	}
	return rec
}

// Dice computes 2|A∩B| / (|A|+|B|) over voxels strictly above threshold in
// each map. NaN values never pass the comparison, so undefined voxels are
// excluded naturally. Two empty thresholded maps overlap nowhere and score 0.
func Dice(a, b *volume.Volume, threshold float64) (float64, error) {
	if a.Shape != b.Shape {
		return 0, fmt.Errorf("map grids differ: %v vs %v", a.Shape, b.Shape)
	}
	var na, nb, both int
	for i := range a.Data {
		ina := a.Data[i] > threshold
		inb := b.Data[i] > threshold
		if ina {
			na++
		}
		if inb {
			nb++
		}
		if ina && inb {
			both++
		}
	}
	if na+nb == 0 {
		return 0, nil
	}
	return 2 * float64(both) / float64(na+nb), nil
}

// BootstrapConfig controls the group resampling layer.
type BootstrapConfig struct {
	Iterations int     `yaml:"iterations"`
	Seed       int64   `yaml:"seed"`
	Alpha      float64 `yaml:"alpha"`
}

// DefaultBootstrapConfig mirrors the published analysis parameters.
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{Iterations: 10000, Seed: 42, Alpha: 0.05}
}

// Interval is a two-sided percentile confidence interval around a point
// estimate.
type Interval struct {
	Mean float64
	Low  float64
	High float64
}

// Contains reports whether v falls inside the closed interval.
func (iv Interval) Contains(v float64) bool {
	return v >= iv.Low && v <= iv.High
}

// BootstrapCI resamples values with replacement and returns the percentile
// confidence interval of the resampled means. The seed fixes the resampling
// sequence so repeated runs agree.
func BootstrapCI(values []float64, cfg BootstrapConfig) (Interval, error) {
	if len(values) == 0 {
		return Interval{}, fmt.Errorf("cannot bootstrap an empty sample")
	}
	if cfg.Iterations <= 0 {
		return Interval{}, fmt.Errorf("bootstrap iterations must be positive, got %d", cfg.Iterations)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	means := make([]float64, cfg.Iterations)
	for it := range means {
		sum := 0.0
		for range values {
			sum += values[rng.Intn(len(values))]
		}
		means[it] = sum / float64(len(values))
	}
	sort.Float64s(means)
	return Interval{
		Mean: stat.Mean(values, nil),
		Low:  quantile(means, cfg.Alpha/2),
		High: quantile(means, 1-cfg.Alpha/2),
	}, nil
}

// PermutationDiff tests the observed difference of group means against a
// null built by shuffling the pooled values across groups. The returned p is
// the two-sided fraction of null differences at least as extreme as the
// observed one.
func PermutationDiff(a, b []float64, cfg BootstrapConfig) (diff, p float64, err error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, fmt.Errorf("permutation test needs both groups non-empty, got %d and %d", len(a), len(b))
	}
	if cfg.Iterations <= 0 {
		return 0, 0, fmt.Errorf("permutation iterations must be positive, got %d", cfg.Iterations)
	}
	diff = stat.Mean(a, nil) - stat.Mean(b, nil)

	pooled := make([]float64, 0, len(a)+len(b))
	pooled = append(pooled, a...)
	pooled = append(pooled, b...)

	rng := rand.New(rand.NewSource(cfg.Seed))
	extreme := 0
	for it := 0; it < cfg.Iterations; it++ {
		rng.Shuffle(len(pooled), func(i, j int) {
			pooled[i], pooled[j] = pooled[j], pooled[i]
		})
		null := stat.Mean(pooled[:len(a)], nil) - stat.Mean(pooled[len(a):], nil)
		if math.Abs(null) >= math.Abs(diff) {
			extreme++
		}
	}
	return diff, float64(extreme) / float64(cfg.Iterations), nil
}

// Metric extracts one scalar from a record for aggregation.
type Metric func(*Record) float64

// Collect gathers a metric across records, skipping insufficient records and
// non-finite values.
func Collect(records []*Record, metric Metric) []float64 {
	var out []float64
	for _, r := range records {
		if r == nil || r.Insufficient {
			continue
		}
		if v := metric(r); !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// GroupCI bootstraps a metric over a group's records.
func GroupCI(records []*Record, metric Metric, cfg BootstrapConfig) (Interval, error) {
	vals := Collect(records, metric)
	if len(vals) == 0 {
		return Interval{}, fmt.Errorf("no usable records for the requested metric")
	}
	return BootstrapCI(vals, cfg)
}

// FlagOutside returns the subjects whose metric lies outside a reference
// group's confidence interval. Insufficient or non-finite records are never
// flagged; they carry no evidence either way.
func FlagOutside(records []*Record, metric Metric, reference Interval) []string {
	var flagged []string
	for _, r := range records {
		if r == nil || r.Insufficient {
			continue
		}
		v := metric(r)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if !reference.Contains(v) {
			flagged = append(flagged, r.Subject)
		}
	}
	sort.Strings(flagged)
	return flagged
}

// quantile interpolates linearly over a sorted sample.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
