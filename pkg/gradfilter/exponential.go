package gradfilter

import (
	"github.com/viterin/vek"

	"github.com/orneryd/grokfast/pkg/tensor"
)

// exponentialFilter keeps one exponentially-decayed accumulator per
// parameter and blends it into the live gradient:
//
//	acc  = acc*alpha + grad*(1-alpha)
//	grad = (grad + acc*lamb) / (1 + lamb)
//
// alpha = 0 makes the accumulator track the latest raw gradient each step;
// alpha = 1 freezes it at its seed value forever.
type exponentialFilter struct {
	alpha float64
	lamb  float64

	acc map[string][]float64
}

func (f *exponentialFilter) Kind() Kind { return Exponential }

func (f *exponentialFilter) Tracked() int { return len(f.acc) }

// Apply updates each accumulator and blends it into the gradient in place.
//
// On first sight of a parameter the accumulator is seeded with the raw
// gradient; no decay or blend is applied that call. A triggered call leaves
// both the accumulator and the gradient completely untouched — unlike the
// moving-average filter, no bookkeeping runs while triggered. Seeding still
// happens on a triggered first call, so a two-stage run enters its active
// phase with the accumulator holding the step-zero gradient.
func (f *exponentialFilter) Apply(params []*tensor.Parameter, trigger bool) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		acc, ok := f.acc[p.Name]
		if !ok {
			f.acc[p.Name] = tensor.Clone(p.Grad)
			continue
		}
		if trigger {
			continue
		}

		vek.MulNumber_Inplace(acc, f.alpha)
		tensor.AddScaled(acc, p.Grad, 1-f.alpha)

		tensor.AddScaled(p.Grad, acc, f.lamb)
		vek.DivNumber_Inplace(p.Grad, 1+f.lamb)
	}
}
