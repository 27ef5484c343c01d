package gradfilter

import (
	"github.com/viterin/vek"

	"github.com/orneryd/grokfast/pkg/tensor"
)

// kalmanFilter runs an independent scalar Kalman recursion on every element
// of every gradient tensor, treating the raw gradient as a noisy measurement
// of an underlying slow-varying signal. The estimate is injected back into
// the gradient, scaled by the gain.
//
// No cross-element covariance is modeled: x and P are flat per-element
// arrays matching the gradient shape, and the update is pure scalar math —
// no matrix operations anywhere.
type kalmanFilter struct {
	q    float64 // process noise: per-step growth of estimate variance
	r    float64 // measurement noise: distrust of the raw gradient
	lamb float64

	state map[string]*kalmanState
}

// kalmanState holds the per-element estimate and variance for one parameter.
type kalmanState struct {
	x []float64 // state estimate
	p []float64 // estimate variance
}

func newKalmanState(numel int, r float64) *kalmanState {
	st := &kalmanState{
		x: vek.Zeros(numel),
		p: make([]float64, numel),
	}
	for i := range st.p {
		st.p[i] = r
	}
	return st
}

func (f *kalmanFilter) Kind() Kind { return Kalman }

func (f *kalmanFilter) Tracked() int { return len(f.state) }

// Apply advances every element's (x, P) pair one step and adds x*lamb to
// the gradient in place. The trigger flag is ignored: once selected, the
// Kalman filter is always active.
//
// With Q = 0 and a very large R the gain K approaches zero, freezing x at
// its previous value and making the injected term negligible — effectively
// a no-op after the first step.
func (f *kalmanFilter) Apply(params []*tensor.Parameter, _ bool) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		st, ok := f.state[p.Name]
		if !ok {
			st = newKalmanState(p.NumEl(), f.r)
			f.state[p.Name] = st
		}

		g := p.Grad
		for i := range g {
			pPred := st.p[i] + f.q
			k := pPred / (pPred + f.r)
			st.x[i] += k * (g[i] - st.x[i])
			st.p[i] = (1 - k) * pPred
			g[i] += st.x[i] * f.lamb
		}
	}
}
