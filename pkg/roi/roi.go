// Package roi extracts functional regions of interest from thresholded
// statistical volumes. A region is the dominant suprathreshold cluster inside
// an anatomical search mask; sessions where no sufficiently large cluster
// exists yield an explicit absent marker that propagates as missing data,
// never as a zero-filled region.
package roi

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"longdecode/internal/models"
	"longdecode/pkg/geometry"
	"longdecode/pkg/volume"
)

// ErrAbsent marks a (subject, session, category) combination for which no
// cluster reached the minimum size. Downstream layers treat it as missing
// data and exclude the session rather than imputing zeros.
var ErrAbsent = errors.New("no suprathreshold cluster of sufficient size")

// Config controls thresholding and cluster acceptance.
type Config struct {
	// Percentile, when positive, derives the threshold from the top
	// (100-Percentile)% of positive in-mask statistic values. The localizer
	// convention is 90 (top 10%).
	Percentile float64

	// MinStat is the absolute statistic floor. With Percentile set, the
	// effective threshold is max(percentile value, MinStat); otherwise
	// MinStat alone is the threshold. The default localizer floor is
	// z = 1.64 (one-sided p < .05).
	MinStat float64

	// MinPositive is the minimum number of positive in-mask voxels required
	// before a percentile threshold is even attempted.
	MinPositive int

	// MinVoxels is the minimum accepted cluster size. Smaller winning
	// clusters mark the region absent.
	MinVoxels int
}

// DefaultConfig mirrors the localizer settings: top-10% threshold floored at
// z=1.64, at least 10 positive voxels, clusters of at least 5 voxels.
func DefaultConfig() Config {
	return Config{Percentile: 90, MinStat: 1.64, MinPositive: 10, MinVoxels: 5}
}

// Region is one extracted cluster. Immutable after creation.
type Region struct {
	// Centroid is the cluster center of mass in physical millimeters.
	Centroid [3]float64

	// PeakVoxel is the voxel index of the maximum statistic inside the
	// cluster; PeakValue is that statistic.
	PeakVoxel [3]int
	PeakValue float64

	// Voxels is the cluster size; Mask is its binary support.
	Voxels int
	Mask   geometry.Mask

	// Threshold is the effective statistic threshold that produced the
	// cluster.
	Threshold float64

	Key     models.ClassKey
	Session models.SessionKey
	Affine  geometry.Affine
}

// Extract thresholds stat inside search, labels connected components with
// 26-connectivity, and returns the dominant cluster. Ties on size break by
// larger peak statistic, then by lower linear index so extraction is
// deterministic. Returns ErrAbsent when nothing acceptable survives.
func Extract(stat *volume.Volume, search geometry.Mask, key models.ClassKey, session models.SessionKey, cfg Config) (*Region, error) {
	if stat.Shape != search.Shape {
		return nil, fmt.Errorf("stat grid %v does not match search mask grid %v", stat.Shape, search.Shape)
	}
	if cfg.MinVoxels < 1 {
		return nil, fmt.Errorf("MinVoxels must be at least 1, got %d", cfg.MinVoxels)
	}

	thresh, err := effectiveThreshold(stat, search, cfg)
	if err != nil {
		return nil, err
	}

	supra := geometry.NewMask(stat.Shape)
	any := false
	for idx, in := range search.Data {
		if in && stat.Data[idx] > thresh && !math.IsNaN(stat.Data[idx]) {
			supra.Data[idx] = true
			any = true
		}
	}
	if !any {
		return nil, ErrAbsent
	}

	comps := labelComponents(supra)
	best := selectDominant(comps, stat)
	if len(best.voxels) < cfg.MinVoxels {
		return nil, ErrAbsent
	}

	return buildRegion(best, stat, thresh, key, session), nil
}

func effectiveThreshold(stat *volume.Volume, search geometry.Mask, cfg Config) (float64, error) {
	if cfg.Percentile <= 0 {
		return cfg.MinStat, nil
	}
	pos := make([]float64, 0, 256)
	for idx, in := range search.Data {
		if in && stat.Data[idx] > 0 && !math.IsNaN(stat.Data[idx]) {
			pos = append(pos, stat.Data[idx])
		}
	}
	// A permissive MinPositive must not let an empty sample through to the
	// percentile computation.
	if len(pos) == 0 || len(pos) < cfg.MinPositive {
		return 0, ErrAbsent
	}
	sort.Float64s(pos)
	p := percentile(pos, cfg.Percentile)
	if p < cfg.MinStat {
		p = cfg.MinStat
	}
	return p, nil
}

// percentile computes the linearly interpolated q-th percentile of sorted
// values, matching the numpy default.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

type component struct {
	voxels   []int // linear indices, ascending
	peakIdx  int
	peakStat float64
}

// labelComponents runs flood fill with 26-connectivity over the thresholded
// set. Component voxel lists come out in ascending linear-index order because
// seeds are scanned in order and each component is sorted after the fill.
func labelComponents(supra geometry.Mask) []component {
	visited := make([]bool, len(supra.Data))
	var comps []component
	var stack []int

	for seed, in := range supra.Data {
		if !in || visited[seed] {
			continue
		}
		stack = append(stack[:0], seed)
		visited[seed] = true
		var c component
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c.voxels = append(c.voxels, idx)

			v := supra.Coords(idx)
			for di := -1; di <= 1; di++ {
				for dj := -1; dj <= 1; dj++ {
					for dk := -1; dk <= 1; dk++ {
						if di == 0 && dj == 0 && dk == 0 {
							continue
						}
						ni, nj, nk := v[0]+di, v[1]+dj, v[2]+dk
						if ni < 0 || nj < 0 || nk < 0 ||
							ni >= supra.Shape[0] || nj >= supra.Shape[1] || nk >= supra.Shape[2] {
							continue
						}
						nidx := supra.Index(ni, nj, nk)
						if supra.Data[nidx] && !visited[nidx] {
							visited[nidx] = true
							stack = append(stack, nidx)
						}
					}
				}
			}
		}
		sort.Ints(c.voxels)
		comps = append(comps, c)
	}
	return comps
}

// selectDominant picks the largest component; ties break by larger peak
// statistic, then by lower first linear index.
func selectDominant(comps []component, stat *volume.Volume) component {
	for i := range comps {
		c := &comps[i]
		c.peakIdx = c.voxels[0]
		c.peakStat = stat.Data[c.peakIdx]
		for _, idx := range c.voxels[1:] {
			if stat.Data[idx] > c.peakStat {
				c.peakStat = stat.Data[idx]
				c.peakIdx = idx
			}
		}
	}
	best := comps[0]
	for _, c := range comps[1:] {
		switch {
		case len(c.voxels) > len(best.voxels):
			best = c
		case len(c.voxels) == len(best.voxels) && c.peakStat > best.peakStat:
			best = c
		case len(c.voxels) == len(best.voxels) && c.peakStat == best.peakStat &&
			c.voxels[0] < best.voxels[0]:
			best = c
		}
	}
	return best
}

func buildRegion(c component, stat *volume.Volume, thresh float64, key models.ClassKey, session models.SessionKey) *Region {
	mask := geometry.NewMask(stat.Shape)
	var sum [3]float64
	for _, idx := range c.voxels {
		mask.Data[idx] = true
		v := mask.Coords(idx)
		for ax := 0; ax < 3; ax++ {
			sum[ax] += float64(v[ax])
		}
	}
	n := float64(len(c.voxels))
	centroidVoxel := [3]float64{sum[0] / n, sum[1] / n, sum[2] / n}

	return &Region{
		Centroid:  stat.Affine.VoxelToPhysical(centroidVoxel),
		PeakVoxel: mask.Coords(c.peakIdx),
		PeakValue: c.peakStat,
		Voxels:    len(c.voxels),
		Mask:      mask,
		Threshold: thresh,
		Key:       key,
		Session:   session,
		Affine:    stat.Affine,
	}
}
