// Package study orchestrates the per-subject analysis: region extraction,
// sphere pattern decoding, representational geometry and longitudinal
// comparison, with subjects processed in parallel and missing data
// short-circuiting a single category path instead of the whole run.
package study

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"longdecode/internal/models"
	"longdecode/pkg/config"
	"longdecode/pkg/decode"
	"longdecode/pkg/geometry"
	"longdecode/pkg/longitudinal"
	"longdecode/pkg/patterns"
	"longdecode/pkg/roi"
	"longdecode/pkg/rsa"
	"longdecode/pkg/searchlight"
	"longdecode/pkg/volume"
)

// MapKey identifies one saved accuracy map.
type MapKey struct {
	Session models.SessionKey
	Class   models.ClassKey
}

// Results is the pipeline output: one longitudinal record per
// subject x hemisphere x category, plus the searchlight maps when mapping
// was enabled.
type Results struct {
	Records []*longitudinal.Record
	Maps    map[MapKey]*searchlight.Map
}

// Pipeline wires configuration, data sources and logging. The zero Log is
// replaced by a no-op logger.
type Pipeline struct {
	Cfg     *config.Config
	Sources Sources
	Log     *zap.Logger
}

// sessionData couples the longitudinal view of a session with the binary
// pattern set needed for cross-session decoding.
type sessionData struct {
	ls     *longitudinal.Session
	binary patterns.PatternSet
}

// missing reports whether an error means "no data here", as opposed to a
// configuration error that must abort.
func missing(err error) bool {
	return errors.Is(err, ErrAbsent) || errors.Is(err, roi.ErrAbsent)
}

// Run processes every configured subject. Subjects are independent and run
// in parallel under the configured worker bound; records come back in
// configuration order regardless of completion order.
func (p *Pipeline) Run(ctx context.Context) (*Results, error) {
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if err := p.Cfg.Validate(); err != nil {
		return nil, err
	}

	perSubject := make([][]*longitudinal.Record, len(p.Cfg.Subjects))
	maps := make(map[MapKey]*searchlight.Map)
	var mapsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Cfg.Processing.Workers)
	for i, spec := range p.Cfg.Subjects {
		i, spec := i, spec
		g.Go(func() error {
			recs, subjMaps, err := p.subject(gctx, spec)
			if err != nil {
				return fmt.Errorf("subject %s: %w", spec.ID, err)
			}
			perSubject[i] = recs
			mapsMu.Lock()
			for k, m := range subjMaps {
				maps[k] = m
			}
			mapsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Results{Maps: maps}
	for _, recs := range perSubject {
		res.Records = append(res.Records, recs...)
	}
	return res, nil
}

// subject runs every hemisphere x category path of one participant.
func (p *Pipeline) subject(ctx context.Context, spec config.SubjectSpec) ([]*longitudinal.Record, map[MapKey]*searchlight.Map, error) {
	hemis := spec.Hemispheres
	if len(hemis) == 0 {
		hemis = []models.Hemisphere{models.LeftHemisphere, models.RightHemisphere}
	}
	longCfg := longitudinal.Config{DiceThreshold: p.Cfg.Longitudinal.DiceThreshold}
	maps := make(map[MapKey]*searchlight.Map)

	var records []*longitudinal.Record
	for _, hemi := range hemis {
		for _, cat := range models.Categories {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			key := models.ClassKey{Hemi: hemi, Cat: cat}

			sessions := make([]*longitudinal.Session, 0, len(spec.Sessions))
			data := make([]*sessionData, 0, len(spec.Sessions))
			for _, n := range spec.Sessions {
				ses := models.SessionKey{Subject: spec.ID, Session: n}
				sd, err := p.session(ctx, ses, key, maps)
				if err != nil {
					if missing(err) {
						p.Log.Info("session skipped, data absent",
							zap.String("session", ses.String()),
							zap.String("class", key.String()),
							zap.Error(err))
						sessions = append(sessions, nil)
						data = append(data, nil)
						continue
					}
					return nil, nil, fmt.Errorf("%s %s: %w", ses, key, err)
				}
				sessions = append(sessions, sd.ls)
				data = append(data, sd)
			}

			p.crossTemporal(data, key)
			rec := longitudinal.Compare(spec.ID, spec.Group, key, sessions, longCfg)
			records = append(records, rec)
		}
	}
	return records, maps, nil
}

// crossTemporal trains on the first usable session and scores the last (and
// vice versa), on supports truncated to a shared voxel count. The result is
// attached to the last session.
func (p *Pipeline) crossTemporal(data []*sessionData, key models.ClassKey) {
	var usable []*sessionData
	for _, d := range data {
		if d != nil && d.binary.Len() > 0 {
			usable = append(usable, d)
		}
	}
	if len(usable) < 2 {
		return
	}
	first, last := usable[0], usable[len(usable)-1]

	n := first.binary.Length
	if last.binary.Length < n {
		n = last.binary.Length
	}
	ct, err := decode.CrossSessionBoth(first.binary.Truncated(n), last.binary.Truncated(n), p.decodeConfig())
	if err != nil {
		p.Log.Warn("cross-session decoding failed",
			zap.String("class", key.String()),
			zap.Error(err))
		return
	}
	last.ls.CrossTemporal = &ct
}

func (p *Pipeline) decodeConfig() decode.Config {
	cfg := decode.DefaultConfig()
	cfg.MinSamples = p.Cfg.Decoding.MinSamples
	return cfg
}

func (p *Pipeline) extractor() patterns.Extractor {
	return patterns.Extractor{TR: p.Cfg.Acquisition.TR, HRFLag: p.Cfg.Acquisition.HRFLag}
}

// scheme picks leave-one-run-out when the set spans several runs and the
// seeded stratified shuffle otherwise.
func (p *Pipeline) scheme(set patterns.PatternSet) decode.Scheme {
	distinct := map[int]bool{}
	for _, r := range set.Runs() {
		distinct[r] = true
	}
	if len(distinct) > 1 {
		return decode.LeaveOneRunOut{}
	}
	return decode.StratifiedShuffle{
		Splits:       p.Cfg.Decoding.Splits,
		TestFraction: p.Cfg.Decoding.TestFraction,
		Seed:         p.Cfg.Decoding.Seed,
	}
}

// session builds one session's contribution for one region class: extract
// the region, decode category versus scramble in its sphere, derive the RDM
// and distinctiveness, sample selectivity, and optionally run the
// searchlight. Absent inputs surface as ErrAbsent.
func (p *Pipeline) session(ctx context.Context, ses models.SessionKey, key models.ClassKey, maps map[MapKey]*searchlight.Map) (*sessionData, error) {
	stat, err := p.Sources.Stats.Stat(ses, key)
	if err != nil {
		return nil, err
	}
	mask, _, err := p.Sources.Masks.SearchMask(ses, key)
	if err != nil {
		return nil, err
	}

	region, err := roi.Extract(stat, mask, key, ses, p.roiConfig())
	if err != nil {
		return nil, err
	}
	p.Log.Debug("region extracted",
		zap.String("session", ses.String()),
		zap.String("class", key.String()),
		zap.Int("voxels", region.Voxels),
		zap.Float64("threshold", region.Threshold))

	series, err := p.Sources.Series.Series(ses)
	if err != nil {
		return nil, err
	}
	blocks, err := p.Sources.Timing.Blocks(ses)
	if err != nil {
		return nil, err
	}

	sphere := geometry.SphereMask(region.Centroid, stat.Affine, stat.Shape, p.Cfg.Decoding.RadiusMM)
	support, err := sphere.And(mask)
	if err != nil {
		return nil, err
	}
	if support.Empty() {
		return nil, fmt.Errorf("sphere support empty at %v: %w", region.Centroid, ErrAbsent)
	}

	set, dropped, err := p.extractor().ExtractAll(series, blocks, support, ses)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		p.Log.Warn("events dropped during pattern extraction",
			zap.String("session", ses.String()),
			zap.String("class", key.String()),
			zap.Int("dropped", dropped))
	}

	binary := set.Filter(key.Cat, models.Scramble)
	if len(binary.Conditions()) != 2 {
		return nil, fmt.Errorf("conditions %v incomplete for %s decoding: %w", binary.Conditions(), key.Cat, ErrAbsent)
	}
	acc, err := decode.CrossValidate(binary, p.scheme(binary), p.decodeConfig())
	if err != nil {
		return nil, err
	}

	ls := &longitudinal.Session{
		Key:      ses,
		Region:   region,
		Accuracy: &acc,
	}

	if rdm, dist, err := p.geometry(set, key.Cat); err == nil {
		ls.RDM = rdm
		ls.Distinctiveness = dist
	} else {
		p.Log.Info("representational geometry unavailable",
			zap.String("session", ses.String()),
			zap.String("class", key.String()),
			zap.Error(err))
	}

	if p.Sources.Contrasts != nil {
		if sel, err := p.selectivity(ses, key, support); err == nil {
			ls.Selectivity = sel
			ls.HasSelectivity = true
		} else if !missing(err) {
			return nil, err
		}
	}

	if p.Cfg.Processing.Searchlight {
		m, err := p.searchlight(ctx, series, mask, blocks, key, ses)
		if err != nil {
			return nil, err
		}
		maps[MapKey{Session: ses, Class: key}] = m
		ls.Acc = m.Acc
		p.Log.Info("searchlight map complete",
			zap.String("session", ses.String()),
			zap.String("class", key.String()),
			zap.Float64("meanAccuracy", m.MeanAccuracy(mask)),
			zap.Float64("maxAccuracy", m.MaxAccuracy(mask)))
	}

	return &sessionData{ls: ls, binary: binary}, nil
}

func (p *Pipeline) roiConfig() roi.Config {
	return roi.Config{
		Percentile:  p.Cfg.Region.Percentile,
		MinStat:     p.Cfg.Region.MinStat,
		MinPositive: p.Cfg.Region.MinPositive,
		MinVoxels:   p.Cfg.Region.MinVoxels,
	}
}

// geometry builds the four-condition RDM over the region support and the
// preferred category's distinctiveness. A category without patterns makes
// the geometry unavailable for this session.
func (p *Pipeline) geometry(set patterns.PatternSet, preferred models.Category) (*rsa.RDM, float64, error) {
	sets := make([]patterns.PatternSet, 0, len(models.Categories))
	for _, cat := range models.Categories {
		cs := set.Filter(cat)
		if cs.Len() == 0 {
			return nil, 0, fmt.Errorf("no %s patterns: %w", cat, ErrAbsent)
		}
		sets = append(sets, cs)
	}
	rdm, err := rsa.Build(sets)
	if err != nil {
		return nil, 0, err
	}
	dist, err := rdm.Distinctiveness(preferred)
	if err != nil {
		return nil, 0, err
	}
	return rdm, dist, nil
}

// selectivity is the mean contrast statistic over the region sphere.
func (p *Pipeline) selectivity(ses models.SessionKey, key models.ClassKey, support geometry.Mask) (float64, error) {
	contrast, err := p.Sources.Contrasts.Selectivity(ses, key)
	if err != nil {
		return 0, err
	}
	vals, err := contrast.FiniteValuesIn(support)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("contrast has no finite values in support: %w", ErrAbsent)
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals)), nil
}

// searchlight maps the preferred-versus-scramble decoding over the whole
// search mask.
func (p *Pipeline) searchlight(ctx context.Context, series *volume.Series, mask geometry.Mask, blocks []patterns.BlockSpec, key models.ClassKey, ses models.SessionKey) (*searchlight.Map, error) {
	var specs []patterns.BlockSpec
	for _, b := range blocks {
		if b.Condition == key.Cat || b.Condition == models.Scramble {
			specs = append(specs, b)
		}
	}
	d := &searchlight.Driver{
		RadiusMM:  p.Cfg.Decoding.RadiusMM,
		Extractor: p.extractor(),
		Scheme: decode.StratifiedShuffle{
			Splits:       p.Cfg.Decoding.Splits,
			TestFraction: p.Cfg.Decoding.TestFraction,
			Seed:         p.Cfg.Decoding.Seed,
		},
		Classifier: p.decodeConfig(),
		Workers:    1, // subjects already saturate the worker pool
	}
	return d.Run(ctx, series, mask, specs, ses)
}
