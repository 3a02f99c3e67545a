package decode

import (
	"fmt"
	"math/rand"
	"sort"

	"longdecode/internal/models"
)

// Fold is one train/test split over a pattern set's sample axis. Train and
// test never overlap; group-based schemes additionally guarantee no group id
// appears on both sides.
type Fold struct {
	Train []int
	Test  []int
}

// Scheme builds cross-validation folds from sample labels and group ids
// (run ids or an arbitrary grouping key).
type Scheme interface {
	Folds(labels []models.Category, groups []int) ([]Fold, error)
}

// LeaveOneGroupOut holds out all samples of one group per fold, preventing
// within-group correlation from inflating accuracy. With run ids as groups
// this is leave-one-run-out.
type LeaveOneGroupOut struct{}

func (LeaveOneGroupOut) Folds(labels []models.Category, groups []int) ([]Fold, error) {
	if len(groups) != len(labels) {
		return nil, fmt.Errorf("have %d group ids for %d samples", len(groups), len(labels))
	}
	distinct := map[int][]int{}
	for i, g := range groups {
		distinct[g] = append(distinct[g], i)
	}
	if len(distinct) < 2 {
		return nil, fmt.Errorf("leave-one-group-out needs at least 2 groups, have %d", len(distinct))
	}
	ids := make([]int, 0, len(distinct))
	for g := range distinct {
		ids = append(ids, g)
	}
	sort.Ints(ids)

	folds := make([]Fold, 0, len(ids))
	for _, held := range ids {
		var f Fold
		for i, g := range groups {
			if g == held {
				f.Test = append(f.Test, i)
			} else {
				f.Train = append(f.Train, i)
			}
		}
		folds = append(folds, f)
	}
	return folds, nil
}

// LeaveOneRunOut is leave-one-group-out keyed by acquisition run.
type LeaveOneRunOut struct{}

func (LeaveOneRunOut) Folds(labels []models.Category, groups []int) ([]Fold, error) {
	return LeaveOneGroupOut{}.Folds(labels, groups)
}

// StratifiedShuffle draws Splits random train/test partitions with a fixed
// seed, holding out TestFraction of each class per split so both classes are
// represented on both sides whenever the class has at least 2 samples.
type StratifiedShuffle struct {
	Splits       int
	TestFraction float64
	Seed         int64
}

func (s StratifiedShuffle) Folds(labels []models.Category, groups []int) ([]Fold, error) {
	if s.Splits < 1 {
		return nil, fmt.Errorf("stratified shuffle needs at least 1 split, got %d", s.Splits)
	}
	if s.TestFraction <= 0 || s.TestFraction >= 1 {
		return nil, fmt.Errorf("test fraction must be in (0,1), got %v", s.TestFraction)
	}

	byClass := map[models.Category][]int{}
	var order []models.Category
	for i, l := range labels {
		if _, ok := byClass[l]; !ok {
			order = append(order, l)
		}
		byClass[l] = append(byClass[l], i)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	rng := rand.New(rand.NewSource(s.Seed))
	folds := make([]Fold, 0, s.Splits)
	for split := 0; split < s.Splits; split++ {
		var f Fold
		for _, cls := range order {
			idx := append([]int(nil), byClass[cls]...)
			rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

			nTest := int(s.TestFraction*float64(len(idx)) + 0.5)
			if nTest < 1 {
				nTest = 1
			}
			if nTest >= len(idx) {
				nTest = len(idx) - 1
			}
			if nTest < 1 {
				// Single-sample class: it can only be tested, never trained.
				f.Test = append(f.Test, idx...)
				continue
			}
			f.Test = append(f.Test, idx[:nTest]...)
			f.Train = append(f.Train, idx[nTest:]...)
		}
		sort.Ints(f.Train)
		sort.Ints(f.Test)
		folds = append(folds, f)
	}
	return folds, nil
}
