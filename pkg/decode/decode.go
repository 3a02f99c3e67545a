// Package decode fits binary linear maximum-margin classifiers to
// multivariate activity patterns under leave-one-run-out, leave-one-group-out
// or seeded stratified-shuffle cross-validation, and evaluates cross-session
// (train on one session, test on another) generalization.
//
// Per-fold feature standardization uses training-fold statistics only; the
// cross-session variant deliberately reuses the training session's
// standardization on the test session, because recomputing it there would
// test something weaker than representational stability.
package decode

import (
	"fmt"
	"sort"

	"longdecode/pkg/patterns"
)

// ChanceLevel is the accuracy reported for uninformative fits of a balanced
// binary problem.
const ChanceLevel = 0.5

// Flag qualifies a decoding result. Flagged results carry the chance-level
// value and must be excluded from aggregation rather than treated as real
// accuracies.
type Flag int

const (
	FlagNone Flag = iota
	// FlagInsufficientSamples: fewer usable patterns than the configured floor.
	FlagInsufficientSamples
	// FlagDegenerateFold: every fold had only one class represented in training.
	FlagDegenerateFold
)

func (f Flag) String() string {
	switch f {
	case FlagInsufficientSamples:
		return "insufficient samples"
	case FlagDegenerateFold:
		return "degenerate fold"
	default:
		return "ok"
	}
}

// Config bounds the fit.
type Config struct {
	// MinSamples is the usable-sample floor below which the result is
	// flagged chance rather than fit.
	MinSamples int

	// Epochs, LearningRate and Lambda parameterize the hinge-loss descent.
	// Zero values take the defaults.
	Epochs       int
	LearningRate float64
	Lambda       float64
}

// DefaultConfig returns the standard classifier settings.
func DefaultConfig() Config {
	p := defaultSVMParams()
	return Config{MinSamples: 5, Epochs: p.epochs, LearningRate: p.eta, Lambda: p.lambda}
}

func (c Config) params() svmParams {
	p := defaultSVMParams()
	if c.Epochs > 0 {
		p.epochs = c.Epochs
	}
	if c.LearningRate > 0 {
		p.eta = c.LearningRate
	}
	if c.Lambda > 0 {
		p.lambda = c.Lambda
	}
	return p
}

// Result is one cross-validated decoding outcome.
type Result struct {
	// Accuracy is the mean held-out fraction correct across informative
	// folds, or ChanceLevel when flagged.
	Accuracy float64

	// FoldAccuracies holds the per-fold values for diagnostics.
	FoldAccuracies []float64

	// DegenerateFolds counts folds that could not be scored because their
	// training split was empty or single-class. A nonzero count with
	// FlagNone means the remaining folds still produced an accuracy.
	DegenerateFolds int

	Flag Flag
}

// Uninformative reports whether the result must be excluded from
// aggregation.
func (r Result) Uninformative() bool { return r.Flag != FlagNone }

// binaryProblem maps a two-condition pattern set onto ±1 labels with a
// deterministic (sorted) label order, so that swapping the two condition
// names cannot change the accuracy of the symmetric task.
type binaryProblem struct {
	x      [][]float64
	y      []float64
	groups []int
}

func newBinaryProblem(set patterns.PatternSet) (binaryProblem, error) {
	conds := set.Conditions()
	if len(conds) != 2 {
		return binaryProblem{}, fmt.Errorf("binary decoding needs exactly 2 condition labels, have %d (%v)", len(conds), conds)
	}
	sort.Slice(conds, func(i, j int) bool { return conds[i] < conds[j] })

	p := binaryProblem{
		x:      make([][]float64, set.Len()),
		y:      make([]float64, set.Len()),
		groups: set.Runs(),
	}
	for i, pat := range set.Patterns {
		p.x[i] = pat.Values
		if pat.Condition == conds[0] {
			p.y[i] = -1
		} else {
			p.y[i] = 1
		}
	}
	return p, nil
}

func (p binaryProblem) subset(idx []int) ([][]float64, []float64) {
	x := make([][]float64, len(idx))
	y := make([]float64, len(idx))
	for i, j := range idx {
		x[i] = p.x[j]
		y[i] = p.y[j]
	}
	return x, y
}

func oneClass(y []float64) bool {
	for _, v := range y[1:] {
		if v != y[0] {
			return false
		}
	}
	return true
}

// CrossValidate fits the classifier under the given scheme and returns the
// mean held-out accuracy. Degenerate inputs yield a flagged chance-level
// result instead of an error; invalid configuration (wrong label count,
// broken scheme parameters) is an error.
func CrossValidate(set patterns.PatternSet, scheme Scheme, cfg Config) (Result, error) {
	prob, err := newBinaryProblem(set)
	if err != nil {
		return Result{}, err
	}
	if cfg.MinSamples < 2 {
		cfg.MinSamples = 2
	}
	if set.Len() < cfg.MinSamples {
		return Result{Accuracy: ChanceLevel, Flag: FlagInsufficientSamples}, nil
	}

	folds, err := scheme.Folds(set.Labels(), prob.groups)
	if err != nil {
		return Result{}, err
	}

	params := cfg.params()
	var foldAcc []float64
	degenerate := 0
	for _, f := range folds {
		if len(f.Train) == 0 || len(f.Test) == 0 {
			degenerate++
			continue
		}
		xTrain, yTrain := prob.subset(f.Train)
		if oneClass(yTrain) {
			degenerate++
			continue
		}
		std := fitStandardizer(xTrain)
		model := trainSVM(std.transformAll(xTrain), yTrain, params)

		xTest, yTest := prob.subset(f.Test)
		foldAcc = append(foldAcc, model.accuracy(std.transformAll(xTest), yTest))
	}

	if len(foldAcc) == 0 {
		return Result{Accuracy: ChanceLevel, DegenerateFolds: degenerate, Flag: FlagDegenerateFold}, nil
	}

	sum := 0.0
	for _, a := range foldAcc {
		sum += a
	}
	return Result{Accuracy: sum / float64(len(foldAcc)), FoldAccuracies: foldAcc, DegenerateFolds: degenerate}, nil
}

// CrossSession trains on one session's full pattern set and evaluates on
// another's, reusing the training session's standardization parameters on
// the test session. Both sets must carry the same two condition labels and
// equal spatial support.
func CrossSession(train, test patterns.PatternSet, cfg Config) (Result, error) {
	if train.Length != test.Length {
		return Result{}, fmt.Errorf("cross-session support mismatch: train %d voxels, test %d", train.Length, test.Length)
	}
	probTrain, err := newBinaryProblem(train)
	if err != nil {
		return Result{}, err
	}
	probTest, err := newBinaryProblem(test)
	if err != nil {
		return Result{}, err
	}
	if cfg.MinSamples < 2 {
		cfg.MinSamples = 2
	}
	if train.Len() < cfg.MinSamples || test.Len() < cfg.MinSamples {
		return Result{Accuracy: ChanceLevel, Flag: FlagInsufficientSamples}, nil
	}
	if oneClass(probTrain.y) {
		return Result{Accuracy: ChanceLevel, Flag: FlagDegenerateFold}, nil
	}

	std := fitStandardizer(probTrain.x)
	model := trainSVM(std.transformAll(probTrain.x), probTrain.y, cfg.params())
	acc := model.accuracy(std.transformAll(probTest.x), probTest.y)
	return Result{Accuracy: acc, FoldAccuracies: []float64{acc}}, nil
}

// CrossTemporal is the symmetric cross-session evaluation: train on A / test
// on B, train on B / test on A, and their mean. One flagged direction flags
// the whole comparison.
type CrossTemporal struct {
	Forward  Result
	Backward Result
	Mean     float64
	Flag     Flag
}

// CrossSessionBoth runs both cross-session directions between two sessions'
// pattern sets.
func CrossSessionBoth(a, b patterns.PatternSet, cfg Config) (CrossTemporal, error) {
	fwd, err := CrossSession(a, b, cfg)
	if err != nil {
		return CrossTemporal{}, err
	}
	bwd, err := CrossSession(b, a, cfg)
	if err != nil {
		return CrossTemporal{}, err
	}
	ct := CrossTemporal{Forward: fwd, Backward: bwd, Mean: (fwd.Accuracy + bwd.Accuracy) / 2}
	if fwd.Flag != FlagNone {
		ct.Flag = fwd.Flag
	} else if bwd.Flag != FlagNone {
		ct.Flag = bwd.Flag
	}
	return ct, nil
}
