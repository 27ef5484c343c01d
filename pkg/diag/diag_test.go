package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/grokfast/pkg/tensor"
)

func matrixParam(t *testing.T, name string, rows, cols int, data []float64) *tensor.Parameter {
	t.Helper()
	p, err := tensor.NewParameter(name, []int{rows, cols}, data)
	require.NoError(t, err)
	return p
}

func TestEffectiveRank_Identity(t *testing.T) {
	// The identity has a flat spectrum: full effective rank.
	p := matrixParam(t, "w", 3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
	er, err := EffectiveRank(p)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, er, 1e-12)

	ent, err := SingularEntropy(p)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ent, 1e-12)
}

func TestEffectiveRank_RankOne(t *testing.T) {
	// Outer product: one nonzero singular value, minimal entropy.
	p := matrixParam(t, "w", 3, 3, []float64{
		1, 2, 3,
		2, 4, 6,
		3, 6, 9,
	})
	er, err := EffectiveRank(p)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, er, 1e-9)

	ent, err := SingularEntropy(p)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, ent, 1e-9)
}

func TestEffectiveRank_RejectsVector(t *testing.T) {
	p, err := tensor.NewParameter("bias", []int{4}, []float64{1, 2, 3, 4})
	require.NoError(t, err)

	_, err = EffectiveRank(p)
	assert.Error(t, err)
	_, err = SingularEntropy(p)
	assert.Error(t, err)
}

// singularSpectrum factorizes a row-major matrix for rank assertions.
func singularSpectrum(t *testing.T, data []float64, rows, cols int) []float64 {
	t.Helper()
	p := matrixParam(t, "m", rows, cols, data)
	sigma, err := singularValues(p)
	require.NoError(t, err)
	return sigma
}

func TestLowRankApproximation_RankBound(t *testing.T) {
	// diag(3, 2, 1) has full rank; the rank-1 approximation keeps only the
	// leading singular direction.
	data := []float64{
		3, 0, 0,
		0, 2, 0,
		0, 0, 1,
	}
	out, err := LowRankApproximation(data, 3, 3, 1)
	require.NoError(t, err)

	want := []float64{
		3, 0, 0,
		0, 0, 0,
		0, 0, 0,
	}
	for i := range want {
		assert.InDelta(t, want[i], out[i], 1e-12, "element %d", i)
	}

	sigma := singularSpectrum(t, out, 3, 3)
	assert.InDelta(t, 3.0, sigma[0], 1e-12)
	for _, s := range sigma[1:] {
		assert.Less(t, s, 1e-10, "rank-1 approximation kept extra singular values")
	}
}

func TestLowRankApproximation_FullRankIsIdentityCopy(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	out, err := LowRankApproximation(data, 2, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	// The copy must not alias the input.
	out[0] = 99
	assert.Equal(t, 1.0, data[0])
}

func TestLowRankApproximation_ZeroRank(t *testing.T) {
	out, err := LowRankApproximation([]float64{1, 2, 3, 4}, 2, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0}, out)
}

func TestLowRankApproximation_ShapeMismatch(t *testing.T) {
	_, err := LowRankApproximation([]float64{1, 2, 3}, 2, 2, 1)
	assert.Error(t, err)
}

func TestProjectGradient(t *testing.T) {
	// 2x4: the rank budget scales with the larger dimension, so a fraction
	// of 0.25 keeps rank 1.
	p := matrixParam(t, "w", 2, 4, make([]float64, 8))
	p.Grad = []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	}
	require.NoError(t, ProjectGradient(p, 0.25))

	sigma := singularSpectrum(t, p.Grad, 2, 4)
	require.Len(t, sigma, 2)
	assert.Less(t, sigma[1], 1e-10, "projected gradient exceeds rank 1")
}

func TestProjectGradient_Rejects(t *testing.T) {
	vec, err := tensor.NewParameter("bias", []int{4}, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	vec.Grad = []float64{1, 2, 3, 4}
	assert.Error(t, ProjectGradient(vec, 0.5))

	frozen := matrixParam(t, "w", 2, 2, []float64{1, 0, 0, 1})
	assert.Error(t, ProjectGradient(frozen, 0.5))
}

func TestSnapshot_FiltersAndSkipsVectors(t *testing.T) {
	m1 := matrixParam(t, "blocks.1.attn.wq", 2, 2, []float64{1, 0, 0, 1})
	m2 := matrixParam(t, "head.weight", 2, 2, []float64{1, 0, 0, 1})
	vec, err := tensor.NewParameter("lnf.gamma", []int{2}, []float64{1, 1})
	require.NoError(t, err)

	reports, err := Snapshot([]*tensor.Parameter{m1, vec, m2}, func(name string) bool {
		return name == "head.weight"
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "head.weight", reports[0].Name)

	all, err := Snapshot([]*tensor.Parameter{m1, vec, m2}, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
