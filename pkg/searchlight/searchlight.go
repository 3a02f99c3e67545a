// Package searchlight sweeps a spherical decoding neighborhood over every
// voxel of a search mask, producing a per-voxel cross-validated accuracy
// volume. Voxels are independent, so the sweep runs as a bounded parallel
// map over disjoint chunks; output is deterministic regardless of worker
// count because each voxel's work is pure and results land in disjoint
// locations.
package searchlight

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"longdecode/internal/models"
	"longdecode/pkg/decode"
	"longdecode/pkg/geometry"
	"longdecode/pkg/patterns"
	"longdecode/pkg/volume"
)

// Driver holds the searchlight configuration.
type Driver struct {
	// RadiusMM is the sphere radius in physical millimeters.
	RadiusMM float64

	// Extractor supplies TR and hemodynamic lag for block averaging.
	Extractor patterns.Extractor

	// Scheme and Classifier parameterize the per-voxel fit.
	Scheme     decode.Scheme
	Classifier decode.Config

	// Workers bounds parallelism; zero means one worker per CPU.
	Workers int
}

// Map is a completed accuracy map. Acc holds values in [0,1] at mask-interior
// voxels and NaN elsewhere; Flags records, per linear voxel index, results
// that are chance placeholders rather than real fits.
type Map struct {
	Acc   *volume.Volume
	Flags map[int]decode.Flag
}

// MeanAccuracy averages the unflagged in-mask accuracies.
func (m *Map) MeanAccuracy(mask geometry.Mask) float64 {
	sum, n := 0.0, 0
	for _, idx := range mask.Indices() {
		v := m.Acc.Data[idx]
		if math.IsNaN(v) {
			continue
		}
		if _, flagged := m.Flags[idx]; flagged {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// MaxAccuracy returns the highest unflagged in-mask accuracy.
func (m *Map) MaxAccuracy(mask geometry.Mask) float64 {
	best := math.NaN()
	for _, idx := range mask.Indices() {
		v := m.Acc.Data[idx]
		if math.IsNaN(v) {
			continue
		}
		if _, flagged := m.Flags[idx]; flagged {
			continue
		}
		if math.IsNaN(best) || v > best {
			best = v
		}
	}
	return best
}

type flaggedVoxel struct {
	idx  int
	flag decode.Flag
}

// Run decodes the two conditions named in specs at every mask voxel of the
// series and returns the accuracy map. Per-voxel failures (too few usable
// samples, degenerate folds) write flagged chance values; they never abort
// the sweep. Grid mismatches and invalid classifier setups are configuration
// errors and abort immediately.
func (d *Driver) Run(ctx context.Context, series *volume.Series, mask geometry.Mask, specs []patterns.BlockSpec, session models.SessionKey) (*Map, error) {
	if mask.Shape != series.SpatialShape() {
		return nil, fmt.Errorf("mask grid %v does not match series grid %v", mask.Shape, series.SpatialShape())
	}
	if d.RadiusMM < 0 {
		return nil, fmt.Errorf("negative searchlight radius %v", d.RadiusMM)
	}
	conds := map[models.Category]bool{}
	for _, s := range specs {
		conds[s.Condition] = true
	}
	if len(conds) != 2 {
		return nil, fmt.Errorf("searchlight decodes exactly 2 conditions, got %d", len(conds))
	}

	out := &Map{
		Acc:   volume.NewNaN(series.SpatialShape(), series.Affine),
		Flags: make(map[int]decode.Flag),
	}
	voxels := mask.Indices()
	if len(voxels) == 0 {
		return out, nil
	}

	workers := d.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chunk := (len(voxels) + workers - 1) / workers
	flagged := make([][]flaggedVoxel, (len(voxels)+chunk-1)/chunk)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c*chunk < len(voxels); c++ {
		c := c
		lo := c * chunk
		hi := lo + chunk
		if hi > len(voxels) {
			hi = len(voxels)
		}
		g.Go(func() error {
			for _, idx := range voxels[lo:hi] {
				if err := ctx.Err(); err != nil {
					return err
				}
				acc, flag, err := d.decodeVoxel(series, mask, specs, session, idx)
				if err != nil {
					return err
				}
				out.Acc.Data[idx] = acc
				if flag != decode.FlagNone {
					flagged[c] = append(flagged[c], flaggedVoxel{idx: idx, flag: flag})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, fs := range flagged {
		for _, f := range fs {
			out.Flags[f.idx] = f.flag
		}
	}
	return out, nil
}

func (d *Driver) decodeVoxel(series *volume.Series, mask geometry.Mask, specs []patterns.BlockSpec, session models.SessionKey, idx int) (float64, decode.Flag, error) {
	v := mask.Coords(idx)
	center := series.Affine.VoxelToPhysical([3]float64{float64(v[0]), float64(v[1]), float64(v[2])})
	sphere := geometry.SphereMask(center, series.Affine, series.SpatialShape(), d.RadiusMM)

	set, _, err := d.Extractor.ExtractAll(series, specs, sphere, session)
	if err != nil {
		return 0, decode.FlagNone, err
	}
	// An empty sphere, or one whose usable events cover only one condition,
	// is a recoverable per-voxel failure, not a configuration error.
	if set.Len() == 0 || len(set.Conditions()) != 2 {
		return decode.ChanceLevel, decode.FlagInsufficientSamples, nil
	}
	res, err := decode.CrossValidate(set, d.Scheme, d.Classifier)
	if err != nil {
		return 0, decode.FlagNone, err
	}
	return res.Accuracy, res.Flag, nil
}
