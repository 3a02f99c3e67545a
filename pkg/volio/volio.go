// Package volio persists volumes, series and masks as numpy .npy arrays with
// a YAML sidecar carrying the affine and grid shape, and writes the
// longitudinal results table as CSV. The sidecar keeps the voxel-to-physical
// mapping lossless across save/load, which plain .npy cannot do on its own.
package volio

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	"gopkg.in/yaml.v3"

	"longdecode/internal/models"
	"longdecode/pkg/geometry"
	"longdecode/pkg/longitudinal"
	"longdecode/pkg/volume"
)

// sidecar is the YAML companion of every saved array.
type sidecar struct {
	Shape  []int         `yaml:"shape"`
	Affine [4][4]float64 `yaml:"affine"`
	Units  string        `yaml:"units"`
}

// sidecarPath swaps the .npy suffix for .yaml.
func sidecarPath(npyPath string) string {
	return strings.TrimSuffix(npyPath, ".npy") + ".yaml"
}

func writeSidecar(npyPath string, shape []int, affine geometry.Affine) error {
	sc := sidecar{Shape: shape, Affine: affine.Rows(), Units: "mm"}
	out, err := yaml.Marshal(&sc)
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(sidecarPath(npyPath), out, 0644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

func readSidecar(npyPath string) (*sidecar, geometry.Affine, error) {
	raw, err := os.ReadFile(sidecarPath(npyPath))
	if err != nil {
		return nil, geometry.Affine{}, fmt.Errorf("failed to read sidecar: %w", err)
	}
	var sc sidecar
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, geometry.Affine{}, fmt.Errorf("failed to parse sidecar: %w", err)
	}
	affine, err := geometry.NewAffine(sc.Affine)
	if err != nil {
		return nil, geometry.Affine{}, fmt.Errorf("sidecar affine invalid: %w", err)
	}
	return &sc, affine, nil
}

func writeNpy(path string, shape []int, data []float64) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	w.Shape = shape
	w.Version = 2
	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readNpy(path string, wantDims int) ([]int, []float64, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if len(r.Shape) != wantDims {
		return nil, nil, fmt.Errorf("%s has %d dimensions, want %d", path, len(r.Shape), wantDims)
	}
	data, err := r.GetFloat64()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return r.Shape, data, nil
}

// SaveVolume writes a 3-D volume as .npy plus its affine sidecar.
func SaveVolume(path string, v *volume.Volume) error {
	if err := writeNpy(path, v.Shape[:], v.Data); err != nil {
		return err
	}
	return writeSidecar(path, v.Shape[:], v.Affine)
}

// LoadVolume reads a 3-D volume and its sidecar affine.
func LoadVolume(path string) (*volume.Volume, error) {
	shape, data, err := readNpy(path, 3)
	if err != nil {
		return nil, err
	}
	_, affine, err := readSidecar(path)
	if err != nil {
		return nil, err
	}
	v := volume.New([3]int{shape[0], shape[1], shape[2]}, affine)
	copy(v.Data, data)
	return v, nil
}

// SaveSeries writes a 4-D acquisition series (3 spatial + time) with sidecar.
func SaveSeries(path string, s *volume.Series) error {
	if err := writeNpy(path, s.Shape[:], s.Data); err != nil {
		return err
	}
	return writeSidecar(path, s.Shape[:], s.Affine)
}

// LoadSeries reads a 4-D series and its sidecar affine.
func LoadSeries(path string) (*volume.Series, error) {
	shape, data, err := readNpy(path, 4)
	if err != nil {
		return nil, err
	}
	_, affine, err := readSidecar(path)
	if err != nil {
		return nil, err
	}
	s := volume.NewSeries([4]int{shape[0], shape[1], shape[2], shape[3]}, affine)
	copy(s.Data, data)
	return s, nil
}

// SaveMask writes a boolean mask as a 0/1 float array so external numpy
// tooling reads it directly.
func SaveMask(path string, m geometry.Mask, affine geometry.Affine) error {
	data := make([]float64, len(m.Data))
	for i, b := range m.Data {
		if b {
			data[i] = 1
		}
	}
	if err := writeNpy(path, m.Shape[:], data); err != nil {
		return err
	}
	return writeSidecar(path, m.Shape[:], affine)
}

// LoadMask reads a mask saved by SaveMask, or any numeric volume where
// values above 0.5 mark included voxels, together with the sidecar affine.
func LoadMask(path string) (geometry.Mask, geometry.Affine, error) {
	shape, data, err := readNpy(path, 3)
	if err != nil {
		return geometry.Mask{}, geometry.Affine{}, err
	}
	_, affine, err := readSidecar(path)
	if err != nil {
		return geometry.Mask{}, geometry.Affine{}, err
	}
	m := geometry.NewMask([3]int{shape[0], shape[1], shape[2]})
	for i, v := range data {
		m.Data[i] = v > 0.5
	}
	return m, affine, nil
}

// csvHeader is the analysis table layout: one row per
// subject x hemisphere x category.
var csvHeader = []string{
	"subject", "group", "hemisphere", "category", "category_type",
	"insufficient", "reason",
	"drift_mm", "dice", "dice_threshold",
	"distinctiveness_change", "abs_distinctiveness_change",
	"geometry_preservation", "accuracy_change", "selectivity_change",
	"mds_shift_face", "mds_shift_word", "mds_shift_object", "mds_shift_house",
}

// cell formats a metric, leaving undefined values empty rather than printing
// NaN into the table.
func cell(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', 8, 64)
}

// WriteRecordsCSV writes the longitudinal table for external statistics.
func WriteRecordsCSV(path string, records []*longitudinal.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range records {
		if r == nil {
			continue
		}
		row := []string{
			r.Subject, r.Group, string(r.Key.Hemi), string(r.Key.Cat),
			string(r.Key.Cat.Type()),
			strconv.FormatBool(r.Insufficient), r.Reason,
			cell(r.DriftMM), cell(r.Dice), cell(r.DiceThreshold),
			cell(r.DistinctivenessChange), cell(r.AbsDistinctivenessChange),
			cell(r.GeometryPreservation), cell(r.AccuracyChange), cell(r.SelectivityChange),
		}
		for _, cond := range models.Categories {
			shift := math.NaN()
			if r.MDSShift != nil {
				if s, ok := r.MDSShift[cond]; ok {
					shift = s
				}
			}
			row = append(row, cell(shift))
		}
		if r.Insufficient {
			// Derived columns are meaningless on an excluded record.
			for i := 7; i < len(row); i++ {
				row[i] = ""
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row for %s: %w", r.Subject, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}
