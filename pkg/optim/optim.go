// Package optim provides the optimizers and learning-rate schedule for the
// training loop.
//
// Optimizers consume the same named parameters the gradient filters mutate:
// they read Grad, update Data in place, and keep their per-parameter moment
// state keyed by parameter name. Parameters with a nil gradient are skipped.
package optim

import (
	"fmt"
	"math"

	"github.com/orneryd/grokfast/pkg/tensor"
)

// Optimizer updates parameter values from their gradients.
type Optimizer interface {
	// Step performs one update over all trainable parameters.
	Step(params []*tensor.Parameter)

	// SetLRScale sets the schedule multiplier applied to the base learning
	// rate on the next Step.
	SetLRScale(scale float64)

	// Name returns the optimizer name.
	Name() string
}

// AdamWConfig holds AdamW hyperparameters.
type AdamWConfig struct {
	// LR is the base learning rate.
	LR float64
	// Beta1 and Beta2 are the moment decay rates.
	Beta1 float64
	Beta2 float64
	// Epsilon stabilizes the denominator.
	Epsilon float64
	// WeightDecay is the decoupled L2 coefficient.
	WeightDecay float64
}

// DefaultAdamWConfig returns the settings used in the grokking experiments:
// lr 1e-3, betas (0.9, 0.98).
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LR:          1e-3,
		Beta1:       0.9,
		Beta2:       0.98,
		Epsilon:     1e-8,
		WeightDecay: 0,
	}
}

// AdamW implements Adam with decoupled weight decay.
type AdamW struct {
	cfg     AdamWConfig
	lrScale float64
	t       int

	m map[string][]float64 // first moment
	v map[string][]float64 // second moment
}

// NewAdamW creates an AdamW optimizer.
func NewAdamW(cfg AdamWConfig) (*AdamW, error) {
	if cfg.LR < 0 {
		return nil, fmt.Errorf("adamw: learning rate cannot be negative: %g", cfg.LR)
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 {
		return nil, fmt.Errorf("adamw: beta1 must be in [0, 1), got %g", cfg.Beta1)
	}
	if cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, fmt.Errorf("adamw: beta2 must be in [0, 1), got %g", cfg.Beta2)
	}
	if cfg.Epsilon <= 0 {
		return nil, fmt.Errorf("adamw: epsilon must be positive: %g", cfg.Epsilon)
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("adamw: weight decay cannot be negative: %g", cfg.WeightDecay)
	}
	return &AdamW{
		cfg:     cfg,
		lrScale: 1,
		m:       make(map[string][]float64),
		v:       make(map[string][]float64),
	}, nil
}

// SetLRScale sets the schedule multiplier for the next step.
func (o *AdamW) SetLRScale(scale float64) { o.lrScale = scale }

// Name returns "adamw".
func (o *AdamW) Name() string { return "adamw" }

// Step performs one AdamW update:
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g²
//	param -= lr * (mhat / (sqrt(vhat) + eps) + wd*param)
//
// with bias-corrected mhat and vhat. Weight decay is decoupled from the
// adaptive term.
func (o *AdamW) Step(params []*tensor.Parameter) {
	o.t++
	bc1 := 1 - math.Pow(o.cfg.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.cfg.Beta2, float64(o.t))
	lr := o.cfg.LR * o.lrScale

	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		m, ok := o.m[p.Name]
		if !ok {
			m = make([]float64, p.NumEl())
			o.m[p.Name] = m
			o.v[p.Name] = make([]float64, p.NumEl())
		}
		v := o.v[p.Name]

		for i, g := range p.Grad {
			m[i] = o.cfg.Beta1*m[i] + (1-o.cfg.Beta1)*g
			v[i] = o.cfg.Beta2*v[i] + (1-o.cfg.Beta2)*g*g

			mHat := m[i] / bc1
			vHat := v[i] / bc2

			p.Data[i] -= lr * (mHat/(math.Sqrt(vHat)+o.cfg.Epsilon) + o.cfg.WeightDecay*p.Data[i])
		}
	}
}

// SGDConfig holds plain-SGD hyperparameters.
type SGDConfig struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
}

// DefaultSGDConfig returns vanilla SGD defaults.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LR: 0.01}
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	cfg     SGDConfig
	lrScale float64

	vel map[string][]float64
}

// NewSGD creates an SGD optimizer.
func NewSGD(cfg SGDConfig) (*SGD, error) {
	if cfg.LR < 0 {
		return nil, fmt.Errorf("sgd: learning rate cannot be negative: %g", cfg.LR)
	}
	if cfg.Momentum < 0 || cfg.Momentum > 1 {
		return nil, fmt.Errorf("sgd: momentum must be in [0, 1], got %g", cfg.Momentum)
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("sgd: weight decay cannot be negative: %g", cfg.WeightDecay)
	}
	return &SGD{
		cfg:     cfg,
		lrScale: 1,
		vel:     make(map[string][]float64),
	}, nil
}

// SetLRScale sets the schedule multiplier for the next step.
func (o *SGD) SetLRScale(scale float64) { o.lrScale = scale }

// Name returns "sgd".
func (o *SGD) Name() string { return "sgd" }

// Step performs one SGD update, with momentum when configured.
func (o *SGD) Step(params []*tensor.Parameter) {
	lr := o.cfg.LR * o.lrScale

	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if o.cfg.Momentum == 0 {
			for i, g := range p.Grad {
				p.Data[i] -= lr * (g + o.cfg.WeightDecay*p.Data[i])
			}
			continue
		}
		vel, ok := o.vel[p.Name]
		if !ok {
			vel = make([]float64, p.NumEl())
			o.vel[p.Name] = vel
		}
		for i, g := range p.Grad {
			g += o.cfg.WeightDecay * p.Data[i]
			vel[i] = o.cfg.Momentum*vel[i] + g
			p.Data[i] -= lr * vel[i]
		}
	}
}

// ZeroGrads clears every parameter's gradient buffer.
func ZeroGrads(params []*tensor.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// WarmupSchedule is the linear learning-rate warmup over the first N
// updates: the multiplier is step/N until step exceeds N, then 1.
type WarmupSchedule struct {
	Steps int
}

// Multiplier returns the learning-rate multiplier for a 1-based update
// counter. A schedule with zero steps always returns 1.
func (w WarmupSchedule) Multiplier(step int) float64 {
	if w.Steps <= 0 || step > w.Steps {
		return 1
	}
	return float64(step) / float64(w.Steps)
}
