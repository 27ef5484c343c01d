package gradfilter

import (
	"github.com/orneryd/grokfast/pkg/tensor"
)

// smootherFilter maintains a slow-tracking shadow copy z of each parameter's
// values (not its gradients) and subtracts pp*(value - z) from the gradient,
// pulling the parameter back toward its shadow:
//
//	z    = z + beta*(value - z)
//	grad = grad - pp*(value - z)
//
// The shadow is rebuilt from the live parameter values at the start of every
// call instead of being carried across calls, so value - z starts at zero
// and the push-back correction vanishes up to rounding. This matches the
// behavior this filter ships with; threading z through the retained state
// would change its semantics and is deliberately not done (see DESIGN.md).
//
// The retained state is a copy of the gradients captured on first sight of
// each parameter. It is kept across calls but never read back.
type smootherFilter struct {
	beta float64
	pp   float64

	grads map[string][]float64
}

func (f *smootherFilter) Kind() Kind { return LowPassSmoother }

func (f *smootherFilter) Tracked() int { return len(f.grads) }

// Apply runs the shadow update and gradient push-back for every trainable
// parameter. The trigger flag is ignored: this filter is always active.
func (f *smootherFilter) Apply(params []*tensor.Parameter, _ bool) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if _, ok := f.grads[p.Name]; !ok {
			f.grads[p.Name] = tensor.Clone(p.Grad)
		}
	}

	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		z := tensor.Clone(p.Data)
		for i := range z {
			z[i] += f.beta * (p.Data[i] - z[i])
		}
		for i := range p.Grad {
			p.Grad[i] -= f.pp * (p.Data[i] - z[i])
		}
	}
}
