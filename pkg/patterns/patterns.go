// Package patterns turns a 4-D acquisition series plus per-condition event
// timing into multivariate activity patterns: one vector of per-voxel block
// averages per stimulus event, restricted to a spherical or mask-defined
// spatial support.
package patterns

import (
	"fmt"
	"math"

	"longdecode/internal/models"
	"longdecode/pkg/geometry"
	"longdecode/pkg/volume"
)

// Event is one stimulus block: onset and duration in seconds relative to the
// start of the run.
type Event struct {
	Onset    float64
	Duration float64
}

// BlockSpec groups the events of one condition within one run.
type BlockSpec struct {
	Condition models.Category
	Run       int
	Events    []Event
}

// Pattern is the block-averaged activity vector of one stimulus event,
// tagged with its condition, run and session of origin.
type Pattern struct {
	Values    []float64
	Condition models.Category
	Run       int
	Session   models.SessionKey
}

// PatternSet is an ordered collection of Patterns sharing one spatial
// support. All member vectors have equal length; Append enforces the
// invariant.
type PatternSet struct {
	Length   int
	Patterns []Pattern

	// Dropped counts events that contributed no pattern (empty window,
	// empty support, or non-finite values). Surfaced so callers can reject
	// sample counts below their floor instead of silently shrinking.
	Dropped int
}

// Append adds a pattern, rejecting vectors whose length disagrees with the
// set's support. A mismatch is a programming error on the caller's side.
func (s *PatternSet) Append(p Pattern) error {
	if len(s.Patterns) == 0 {
		s.Length = len(p.Values)
	} else if len(p.Values) != s.Length {
		return fmt.Errorf("pattern length %d does not match set support %d", len(p.Values), s.Length)
	}
	s.Patterns = append(s.Patterns, p)
	return nil
}

// Len returns the number of samples in the set.
func (s *PatternSet) Len() int { return len(s.Patterns) }

// Labels returns the condition of each sample, in order.
func (s *PatternSet) Labels() []models.Category {
	out := make([]models.Category, len(s.Patterns))
	for i, p := range s.Patterns {
		out[i] = p.Condition
	}
	return out
}

// Runs returns the run id of each sample, in order.
func (s *PatternSet) Runs() []int {
	out := make([]int, len(s.Patterns))
	for i, p := range s.Patterns {
		out[i] = p.Run
	}
	return out
}

// Conditions returns the distinct condition labels present, in first-seen
// order.
func (s *PatternSet) Conditions() []models.Category {
	seen := map[models.Category]bool{}
	var out []models.Category
	for _, p := range s.Patterns {
		if !seen[p.Condition] {
			seen[p.Condition] = true
			out = append(out, p.Condition)
		}
	}
	return out
}

// Filter returns the subset of samples whose condition is in conds,
// preserving order and support.
func (s *PatternSet) Filter(conds ...models.Category) PatternSet {
	want := map[models.Category]bool{}
	for _, c := range conds {
		want[c] = true
	}
	out := PatternSet{Length: s.Length, Dropped: s.Dropped}
	for _, p := range s.Patterns {
		if want[p.Condition] {
			out.Patterns = append(out.Patterns, p)
		}
	}
	return out
}

// Centroid returns the mean pattern across all samples in the set.
func (s *PatternSet) Centroid() []float64 {
	if len(s.Patterns) == 0 {
		return nil
	}
	mean := make([]float64, s.Length)
	for _, p := range s.Patterns {
		for i, v := range p.Values {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(s.Patterns))
	}
	return mean
}

// Truncated returns a copy of the set with every pattern cut to the first n
// values, for equal-support comparisons across sessions.
func (s *PatternSet) Truncated(n int) PatternSet {
	out := PatternSet{Length: n, Dropped: s.Dropped}
	for _, p := range s.Patterns {
		q := p
		q.Values = p.Values[:n]
		out.Patterns = append(out.Patterns, q)
	}
	return out
}

// Extractor converts event timing into temporal sample windows. TR is the
// repetition interval in seconds and HRFLag the hemodynamic delay added to
// each event before sampling.
type Extractor struct {
	TR     float64
	HRFLag float64
}

// Window returns the half-open sample range [start, end) of an event after
// lag shifting and clamping to n samples, matching
// floor((onset+lag)/TR) .. ceil((onset+duration+lag)/TR).
func (e Extractor) Window(ev Event, n int) (int, int) {
	start := int(math.Floor((ev.Onset + e.HRFLag) / e.TR))
	end := int(math.Ceil((ev.Onset + ev.Duration + e.HRFLag) / e.TR))
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	return start, end
}

// ExtractBlocks produces one Pattern per event of one condition/run,
// averaging the windowed samples voxel-wise over the support. Events whose
// clamped window is empty, whose support is empty, or whose averaged values
// are not all finite contribute nothing and are counted in the returned
// drop total.
func (e Extractor) ExtractBlocks(series *volume.Series, spec BlockSpec, support geometry.Mask, session models.SessionKey, set *PatternSet) (dropped int, err error) {
	if e.TR <= 0 {
		return 0, fmt.Errorf("repetition interval must be positive, got %v", e.TR)
	}
	if support.Shape != series.SpatialShape() {
		return 0, fmt.Errorf("support grid %v does not match series grid %v", support.Shape, series.SpatialShape())
	}
	voxels := support.Indices()
	if len(voxels) == 0 {
		// Every event is unusable when the sphere has no in-volume support.
		return len(spec.Events), nil
	}

	n := series.Samples()
	for _, ev := range spec.Events {
		start, end := e.Window(ev, n)
		if start >= end {
			dropped++
			continue
		}
		vals := make([]float64, len(voxels))
		finite := true
		for i, idx := range voxels {
			v := series.WindowMean(idx, start, end)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				finite = false
				break
			}
			vals[i] = v
		}
		if !finite {
			dropped++
			continue
		}
		if err := set.Append(Pattern{
			Values:    vals,
			Condition: spec.Condition,
			Run:       spec.Run,
			Session:   session,
		}); err != nil {
			return dropped, err
		}
	}
	set.Dropped += dropped
	return dropped, nil
}

// ExtractAll runs ExtractBlocks over every spec and returns the assembled
// set together with the total number of dropped events.
func (e Extractor) ExtractAll(series *volume.Series, specs []BlockSpec, support geometry.Mask, session models.SessionKey) (PatternSet, int, error) {
	var set PatternSet
	total := 0
	for _, spec := range specs {
		d, err := e.ExtractBlocks(series, spec, support, session, &set)
		if err != nil {
			return PatternSet{}, total, err
		}
		total += d
	}
	return set, total, nil
}
