// Package rsa builds representational dissimilarity matrices from
// per-condition activity patterns and compares them across sessions through
// Fisher-z distinctiveness, geometry-preservation correlation and
// Procrustes-aligned embedding shift.
package rsa

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"longdecode/internal/models"
	"longdecode/pkg/patterns"
)

// corrClip keeps correlations away from ±1 so the Fisher transform stays
// finite.
const corrClip = 0.999

// ClipCorrelation bounds r to the open interval (-1, 1).
func ClipCorrelation(r float64) float64 {
	if r > corrClip {
		return corrClip
	}
	if r < -corrClip {
		return -corrClip
	}
	return r
}

// FisherZ is atanh applied to a clipped correlation. The transform must be
// applied to each coefficient before averaging; averaging raw correlations
// first compresses the scale near ±1 and gives a different (wrong) value.
func FisherZ(r float64) float64 {
	return math.Atanh(ClipCorrelation(r))
}

// RDM is a symmetric dissimilarity matrix over condition labels:
// D[i][j] = 1 - correlation(centroid_i, centroid_j), diagonal zero.
type RDM struct {
	Conditions []models.Category
	Corr       *mat.SymDense
	D          *mat.SymDense
}

// N returns the number of conditions.
func (r *RDM) N() int { return len(r.Conditions) }

// index returns the position of a condition, or -1.
func (r *RDM) index(c models.Category) int {
	for i, cc := range r.Conditions {
		if cc == c {
			return i
		}
	}
	return -1
}

// UpperTriangle returns the strict upper-triangle dissimilarities in
// row-major order.
func (r *RDM) UpperTriangle() []float64 {
	n := r.N()
	out := make([]float64, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			out = append(out, r.D.At(i, j))
		}
	}
	return out
}

// Build reduces each condition set to its mean pattern and assembles the
// correlation and dissimilarity matrices. Sets are truncated to the smallest
// shared voxel count so every condition contributes an equal-length vector.
// Each set must hold patterns of exactly one condition; fewer than two
// usable conditions is a configuration error.
func Build(sets []patterns.PatternSet) (*RDM, error) {
	if len(sets) < 2 {
		return nil, fmt.Errorf("need at least 2 condition pattern sets, have %d", len(sets))
	}

	minLen := math.MaxInt
	conds := make([]models.Category, len(sets))
	for i, s := range sets {
		cs := s.Conditions()
		if len(cs) != 1 {
			return nil, fmt.Errorf("condition set %d holds %d labels, want exactly 1", i, len(cs))
		}
		if s.Len() == 0 {
			return nil, fmt.Errorf("condition %s has no patterns", cs[0])
		}
		conds[i] = cs[0]
		if s.Length < minLen {
			minLen = s.Length
		}
	}
	if minLen < 2 {
		return nil, fmt.Errorf("shared support of %d voxels is too small for correlation", minLen)
	}

	centroids := make([][]float64, len(sets))
	for i, s := range sets {
		centroids[i] = s.Centroid()[:minLen]
	}

	n := len(sets)
	corr := mat.NewSymDense(n, nil)
	d := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		corr.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			r := stat.Correlation(centroids[i], centroids[j], nil)
			if math.IsNaN(r) {
				return nil, fmt.Errorf("correlation between %s and %s is undefined (constant pattern)", conds[i], conds[j])
			}
			corr.SetSym(i, j, r)
			d.SetSym(i, j, 1-r)
		}
	}
	return &RDM{Conditions: conds, Corr: corr, D: d}, nil
}

// Distinctiveness is the Fisher-z-averaged correlation between the preferred
// condition and all others. Each off-diagonal coefficient is transformed
// before averaging. Lower values mean the preferred category's pattern is
// more distinct from the rest.
func (r *RDM) Distinctiveness(preferred models.Category) (float64, error) {
	i := r.index(preferred)
	if i < 0 {
		return 0, fmt.Errorf("condition %s not present in RDM (%v)", preferred, r.Conditions)
	}
	sum, n := 0.0, 0
	for j := 0; j < r.N(); j++ {
		if j == i {
			continue
		}
		sum += FisherZ(r.Corr.At(i, j))
		n++
	}
	return sum / float64(n), nil
}

// GeometryPreservation is the Pearson correlation between two sessions' RDM
// upper triangles (diagonal excluded). Both RDMs must cover the same
// conditions in the same order.
func GeometryPreservation(a, b *RDM) (float64, error) {
	if a.N() != b.N() {
		return 0, fmt.Errorf("RDM sizes differ: %d vs %d", a.N(), b.N())
	}
	for i := range a.Conditions {
		if a.Conditions[i] != b.Conditions[i] {
			return 0, fmt.Errorf("RDM condition order differs: %v vs %v", a.Conditions, b.Conditions)
		}
	}
	ta, tb := a.UpperTriangle(), b.UpperTriangle()
	if len(ta) < 3 {
		return 0, fmt.Errorf("need at least 3 distinct pairs for preservation, have %d", len(ta))
	}
	if constant(ta) && constant(tb) && ta[0] == tb[0] {
		// Identical degenerate geometries are perfectly preserved even
		// though Pearson is undefined for constant vectors.
		return 1, nil
	}
	r := stat.Correlation(ta, tb, nil)
	if math.IsNaN(r) {
		return 0, fmt.Errorf("geometry preservation undefined: constant RDM triangle")
	}
	return r, nil
}

func constant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}

// MDS2D embeds the RDM in two dimensions by classical multidimensional
// scaling: double-center the squared dissimilarities and keep the two
// leading non-negative eigenpairs.
func MDS2D(r *RDM) (*mat.Dense, error) {
	n := r.N()
	if n < 3 {
		return nil, fmt.Errorf("classical MDS needs at least 3 conditions, have %d", n)
	}

	b := mat.NewSymDense(n, nil)
	// Row/column means of the squared dissimilarity matrix.
	rowMean := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d2 := r.D.At(i, j) * r.D.At(i, j)
			rowMean[i] += d2
			total += d2
		}
	}
	for i := range rowMean {
		rowMean[i] /= float64(n)
	}
	total /= float64(n * n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d2 := r.D.At(i, j) * r.D.At(i, j)
			b.SetSym(i, j, -0.5*(d2-rowMean[i]-rowMean[j]+total))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(b, true) {
		return nil, fmt.Errorf("eigendecomposition of the centered RDM failed")
	}
	vals := eig.Values(nil) // ascending
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	coords := mat.NewDense(n, 2, nil)
	for dim := 0; dim < 2; dim++ {
		col := n - 1 - dim
		scale := 0.0
		if vals[col] > 0 {
			scale = math.Sqrt(vals[col])
		}
		for i := 0; i < n; i++ {
			coords.Set(i, dim, vecs.At(i, col)*scale)
		}
	}
	return coords, nil
}

// Procrustes computes the orthogonal (rotation/reflection only) transform R
// minimizing ||A·R - B||_F via the SVD of AᵀB.
func Procrustes(a, b mat.Matrix) (*mat.Dense, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return nil, fmt.Errorf("procrustes shapes differ: %dx%d vs %dx%d", ar, ac, br, bc)
	}

	var m mat.Dense
	m.Mul(a.T(), b)

	var svd mat.SVD
	if !svd.Factorize(&m, mat.SVDThin) {
		return nil, fmt.Errorf("SVD of the cross-covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&u, v.T())
	return &rot, nil
}

// MDSShift embeds both sessions' RDMs, aligns the first configuration onto
// the second with orthogonal Procrustes, and returns the per-condition
// Euclidean displacement after alignment.
func MDSShift(a, b *RDM) (map[models.Category]float64, error) {
	if a.N() != b.N() {
		return nil, fmt.Errorf("RDM sizes differ: %d vs %d", a.N(), b.N())
	}
	ca, err := MDS2D(a)
	if err != nil {
		return nil, err
	}
	cb, err := MDS2D(b)
	if err != nil {
		return nil, err
	}
	rot, err := Procrustes(ca, cb)
	if err != nil {
		return nil, err
	}
	var aligned mat.Dense
	aligned.Mul(ca, rot)

	shifts := make(map[models.Category]float64, a.N())
	for i, cond := range a.Conditions {
		dx := aligned.At(i, 0) - cb.At(i, 0)
		dy := aligned.At(i, 1) - cb.At(i, 1)
		shifts[cond] = math.Hypot(dx, dy)
	}
	return shifts, nil
}
