// Package diag computes spectral diagnostics over weight matrices.
//
// The grokking transition correlates with changes in the spectral shape of
// a layer's weight matrices; these diagnostics track that shape over
// training. Both measures are derived from the singular value distribution:
//
//   - EffectiveRank: exp of the Shannon entropy of the normalized singular
//     values, divided by the maximum attainable rank. 1.0 means a perfectly
//     flat spectrum, values near 0 mean mass concentrated in few directions.
//   - SingularEntropy: the same entropy normalized by log(n), in [0, 1].
//
// Only two-dimensional parameters are meaningful here; vectors are rejected.
package diag

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/orneryd/grokfast/pkg/tensor"
)

// singularValues factorizes the parameter and returns its singular values.
func singularValues(p *tensor.Parameter) ([]float64, error) {
	if !p.IsMatrix() {
		return nil, fmt.Errorf("diag: parameter %q is not a matrix (shape %v)", p.Name, p.Shape)
	}
	rows, cols := p.Shape[0], p.Shape[1]

	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(rows, cols, p.Data), mat.SVDNone); !ok {
		return nil, fmt.Errorf("diag: SVD failed to converge for parameter %q", p.Name)
	}
	return svd.Values(nil), nil
}

// spectralEntropy returns the Shannon entropy (nats) of the singular value
// distribution sigma/sum(sigma).
func spectralEntropy(sigma []float64) float64 {
	var total float64
	for _, s := range sigma {
		total += s
	}
	if total == 0 {
		return 0
	}
	var h float64
	for _, s := range sigma {
		if s == 0 {
			continue
		}
		q := s / total
		h -= q * math.Log(q)
	}
	return h
}

// EffectiveRank returns exp(H(sigma/sum sigma)) / min(rows, cols) for a
// two-dimensional parameter.
func EffectiveRank(p *tensor.Parameter) (float64, error) {
	sigma, err := singularValues(p)
	if err != nil {
		return 0, err
	}
	maxRank := p.Shape[0]
	if p.Shape[1] < maxRank {
		maxRank = p.Shape[1]
	}
	return math.Exp(spectralEntropy(sigma)) / float64(maxRank), nil
}

// SingularEntropy returns the Shannon entropy of the normalized singular
// values divided by log(n), so a flat spectrum scores 1.
func SingularEntropy(p *tensor.Parameter) (float64, error) {
	sigma, err := singularValues(p)
	if err != nil {
		return 0, err
	}
	if len(sigma) < 2 {
		return 0, nil
	}
	return spectralEntropy(sigma) / math.Log(float64(len(sigma))), nil
}

// LowRankApproximation returns the best rank-k approximation (in the
// Frobenius norm) of a rows x cols row-major matrix, reconstructed from its
// top k singular triplets. A rank at or above min(rows, cols) returns a
// copy of the input; a rank of zero or less returns the zero matrix.
func LowRankApproximation(data []float64, rows, cols, rank int) ([]float64, error) {
	if rows <= 0 || cols <= 0 || rows*cols != len(data) {
		return nil, fmt.Errorf("diag: %dx%d shape does not match %d values", rows, cols, len(data))
	}
	out := make([]float64, len(data))
	if rank <= 0 {
		return out, nil
	}
	minDim := rows
	if cols < minDim {
		minDim = cols
	}
	if rank >= minDim {
		copy(out, data)
		return out, nil
	}

	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(rows, cols, data), mat.SVDThin); !ok {
		return nil, fmt.Errorf("diag: SVD failed to converge for %dx%d matrix", rows, cols)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sigma := svd.Values(nil)

	for k := 0; k < rank; k++ {
		s := sigma[k]
		for r := 0; r < rows; r++ {
			us := u.At(r, k) * s
			row := out[r*cols : (r+1)*cols]
			for c := range row {
				row[c] += us * v.At(c, k)
			}
		}
	}
	return out, nil
}

// ProjectGradient replaces a matrix parameter's gradient in place with its
// low-rank approximation. The kept rank is floor(fraction * max(rows, cols));
// the budget scales with the larger matrix dimension, so wide matrices can
// retain full rank at fractions below one.
func ProjectGradient(p *tensor.Parameter, fraction float64) error {
	if !p.IsMatrix() {
		return fmt.Errorf("diag: parameter %q is not a matrix (shape %v)", p.Name, p.Shape)
	}
	if p.Grad == nil {
		return fmt.Errorf("diag: parameter %q has no gradient", p.Name)
	}
	rows, cols := p.Shape[0], p.Shape[1]
	maxDim := rows
	if cols > maxDim {
		maxDim = cols
	}
	rank := int(fraction * float64(maxDim))
	approx, err := LowRankApproximation(p.Grad, rows, cols, rank)
	if err != nil {
		return fmt.Errorf("diag: project %q: %w", p.Name, err)
	}
	copy(p.Grad, approx)
	return nil
}

// MatrixReport holds the diagnostics for one parameter.
type MatrixReport struct {
	Name          string
	EffectiveRank float64
	Entropy       float64
}

// Snapshot computes diagnostics for every matrix parameter whose name
// passes the filter. A nil filter accepts everything.
func Snapshot(params []*tensor.Parameter, accept func(name string) bool) ([]MatrixReport, error) {
	var out []MatrixReport
	for _, p := range params {
		if !p.IsMatrix() {
			continue
		}
		if accept != nil && !accept(p.Name) {
			continue
		}
		er, err := EffectiveRank(p)
		if err != nil {
			return nil, err
		}
		ent, err := SingularEntropy(p)
		if err != nil {
			return nil, err
		}
		out = append(out, MatrixReport{Name: p.Name, EffectiveRank: er, Entropy: ent})
	}
	return out, nil
}
