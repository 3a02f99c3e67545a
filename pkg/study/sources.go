package study

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"longdecode/internal/models"
	"longdecode/pkg/geometry"
	"longdecode/pkg/patterns"
	"longdecode/pkg/volio"
	"longdecode/pkg/volume"
)

// ErrAbsent marks data a collaborator cannot provide for a given session or
// region class. It propagates as missing data, never as a zero volume.
var ErrAbsent = errors.New("study: data absent")

// MaskSource provides the anatomical search mask restricting region
// extraction for one region class.
type MaskSource interface {
	SearchMask(ses models.SessionKey, key models.ClassKey) (geometry.Mask, geometry.Affine, error)
}

// StatSource provides the statistical contrast volume thresholded during
// region extraction.
type StatSource interface {
	Stat(ses models.SessionKey, key models.ClassKey) (*volume.Volume, error)
}

// SeriesSource provides the 4-D acquisition series of a session.
type SeriesSource interface {
	Series(ses models.SessionKey) (*volume.Series, error)
}

// TimingSource provides per-condition event timing for a session.
type TimingSource interface {
	Blocks(ses models.SessionKey) ([]patterns.BlockSpec, error)
}

// ContrastSource provides the selectivity contrast volume, sampled inside
// the region sphere. Optional; pipelines run without it.
type ContrastSource interface {
	Selectivity(ses models.SessionKey, key models.ClassKey) (*volume.Volume, error)
}

// Sources bundles the collaborators a pipeline consumes. Contrasts may be
// nil; everything else is required.
type Sources struct {
	Masks     MaskSource
	Stats     StatSource
	Series    SeriesSource
	Timing    TimingSource
	Contrasts ContrastSource
}

// FileSources resolves collaborators from a fixed on-disk layout rooted at
// Dir:
//
//	<dir>/<subject>/ses-NN/bold.npy
//	<dir>/<subject>/ses-NN/events.yaml
//	<dir>/<subject>/ses-NN/mask_<hemi>_<category>.npy
//	<dir>/<subject>/ses-NN/stat_<hemi>_<category>.npy
//	<dir>/<subject>/ses-NN/selectivity_<hemi>_<category>.npy
//
// Each .npy carries a .yaml affine sidecar. A missing file is ErrAbsent.
type FileSources struct {
	Dir string
}

func (f FileSources) sessionDir(ses models.SessionKey) string {
	return filepath.Join(f.Dir, ses.Subject, fmt.Sprintf("ses-%02d", ses.Session))
}

func (f FileSources) classPath(ses models.SessionKey, key models.ClassKey, kind string) string {
	return filepath.Join(f.sessionDir(ses), fmt.Sprintf("%s_%s.npy", kind, key))
}

// absentIfMissing translates a file-not-found into the typed absence marker.
func absentIfMissing(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, ErrAbsent)
	}
	return err
}

func statPath(path string) error {
	if _, err := os.Stat(path); err != nil {
		return absentIfMissing(path, err)
	}
	return nil
}

func (f FileSources) SearchMask(ses models.SessionKey, key models.ClassKey) (geometry.Mask, geometry.Affine, error) {
	path := f.classPath(ses, key, "mask")
	if err := statPath(path); err != nil {
		return geometry.Mask{}, geometry.Affine{}, err
	}
	return volio.LoadMask(path)
}

func (f FileSources) Stat(ses models.SessionKey, key models.ClassKey) (*volume.Volume, error) {
	path := f.classPath(ses, key, "stat")
	if err := statPath(path); err != nil {
		return nil, err
	}
	return volio.LoadVolume(path)
}

func (f FileSources) Series(ses models.SessionKey) (*volume.Series, error) {
	path := filepath.Join(f.sessionDir(ses), "bold.npy")
	if err := statPath(path); err != nil {
		return nil, err
	}
	return volio.LoadSeries(path)
}

func (f FileSources) Selectivity(ses models.SessionKey, key models.ClassKey) (*volume.Volume, error) {
	path := f.classPath(ses, key, "selectivity")
	if err := statPath(path); err != nil {
		return nil, err
	}
	return volio.LoadVolume(path)
}

// eventFile is the YAML timing layout: one entry per condition and run.
type eventFile struct {
	Blocks []struct {
		Condition models.Category `yaml:"condition"`
		Run       int             `yaml:"run"`
		Events    []struct {
			Onset    float64 `yaml:"onset"`
			Duration float64 `yaml:"duration"`
		} `yaml:"events"`
	} `yaml:"blocks"`
}

func (f FileSources) Blocks(ses models.SessionKey) ([]patterns.BlockSpec, error) {
	path := filepath.Join(f.sessionDir(ses), "events.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, absentIfMissing(path, err)
	}
	var ef eventFile
	if err := yaml.Unmarshal(raw, &ef); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	specs := make([]patterns.BlockSpec, 0, len(ef.Blocks))
	for _, b := range ef.Blocks {
		spec := patterns.BlockSpec{Condition: b.Condition, Run: b.Run}
		for _, ev := range b.Events {
			spec.Events = append(spec.Events, patterns.Event{Onset: ev.Onset, Duration: ev.Duration})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
