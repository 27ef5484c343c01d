// Package gradfilter provides online gradient filtering for grokking
// acceleration experiments.
//
// A gradient filter sits between the backward pass and the optimizer step.
// Once per step it reads every trainable parameter's gradient, amplifies the
// slow-varying component of the signal, and writes the result back in place.
// Each filter kind is a distinct streaming state machine with its own memory
// model:
//
//   - MovingAverage: fixed-capacity FIFO window of gradient snapshots
//   - Exponential:   single exponentially-decayed accumulator
//   - LowPassSmoother: slow-tracking shadow copy of parameter values
//   - Kalman:        per-element scalar Kalman estimator
//
// A filter value owns its per-parameter state, keyed by parameter name and
// created lazily the first time a parameter is seen. The caller constructs
// one filter before training and calls Apply once per optimization step,
// strictly after gradients are computed and strictly before the optimizer
// consumes them. There is no package-level state: retaining the filter value
// is how state is threaded from one step to the next.
//
// Example Usage:
//
//	f, err := gradfilter.New(gradfilter.DefaultExponentialConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	for step := 0; step < budget; step++ {
//		model.Backward(batch)
//		f.Apply(model.NamedParameters(), false)
//		opt.Step(model.NamedParameters())
//	}
//
// Filters are not safe for concurrent use. Training replicas must each own
// an independent filter value.
package gradfilter

import (
	"fmt"

	"github.com/orneryd/grokfast/pkg/tensor"
)

// Kind identifies a filter algorithm.
type Kind string

const (
	// None passes gradients through unchanged.
	None Kind = "none"
	// MovingAverage adds a windowed aggregate of recent gradients.
	MovingAverage Kind = "ma"
	// Exponential blends an exponentially-decayed accumulator into the gradient.
	Exponential Kind = "ema"
	// LowPassSmoother nudges gradients toward a low-pass shadow of the values.
	LowPassSmoother Kind = "smoother"
	// Kalman injects a per-element Kalman estimate of the true gradient.
	Kalman Kind = "kalman"
)

// ParseKind converts a user-supplied string into a Kind. Both the short CLI
// spellings ("ma", "ema") and the descriptive spellings ("moving_average",
// "exponential", "low_pass_smoother") are accepted.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "none", "":
		return None, nil
	case "ma", "moving_average":
		return MovingAverage, nil
	case "ema", "exponential":
		return Exponential, nil
	case "smoother", "low_pass_smoother":
		return LowPassSmoother, nil
	case "kalman":
		return Kalman, nil
	}
	return "", fmt.Errorf("unrecognized filter kind %q", s)
}

// AggregateMode selects how the MovingAverage window is reduced.
type AggregateMode string

const (
	// AggregateMean divides the window sum by the current buffer length.
	AggregateMean AggregateMode = "mean"
	// AggregateSum uses the raw window sum.
	AggregateSum AggregateMode = "sum"
)

// Config holds the configuration for one filter. Only the fields relevant
// to the selected Kind are read.
type Config struct {
	// Kind selects the filter algorithm. Selecting a kind fixes it for the
	// lifetime of the run: state is kind-specific and not interchangeable.
	Kind Kind

	// Lamb is the gain applied to the filtered signal when it is injected
	// back into the raw gradient. Used by MovingAverage, Exponential and
	// Kalman. Zero disables the injection.
	Lamb float64

	// WindowSize is the MovingAverage window capacity. A window of 1 is not
	// a no-op: the aggregate equals the latest snapshot, so the gradient is
	// amplified by (1 + Lamb).
	WindowSize int

	// Aggregate selects mean or sum reduction for MovingAverage.
	// Empty defaults to mean.
	Aggregate AggregateMode

	// Warmup requires the MovingAverage window to fill completely before
	// its output is applied. When false the aggregate is applied from the
	// first call onward, even while triggered.
	Warmup bool

	// Alpha is the Exponential decay rate in [0, 1]. Zero tracks the latest
	// raw gradient each step; one freezes the accumulator at its seed.
	Alpha float64

	// Beta is the LowPassSmoother tracking rate.
	Beta float64

	// PushBack is the LowPassSmoother gradient correction rate.
	PushBack float64

	// ProcessNoise (Q) is the Kalman per-step growth of estimate variance.
	ProcessNoise float64

	// MeasurementNoise (R) is the Kalman distrust of raw gradients. It also
	// seeds the initial variance P.
	MeasurementNoise float64
}

// DefaultMovingAverageConfig returns the windowed-filter defaults used in
// the grokking experiments.
func DefaultMovingAverageConfig() Config {
	return Config{
		Kind:       MovingAverage,
		WindowSize: 100,
		Lamb:       5.0,
		Aggregate:  AggregateMean,
		Warmup:     true,
	}
}

// DefaultExponentialConfig returns the EMA-filter defaults.
func DefaultExponentialConfig() Config {
	return Config{
		Kind:  Exponential,
		Alpha: 0.98,
		Lamb:  2.0,
	}
}

// DefaultSmootherConfig returns the low-pass smoother defaults.
func DefaultSmootherConfig() Config {
	return Config{
		Kind:     LowPassSmoother,
		Beta:     0.98,
		PushBack: 0.01,
	}
}

// DefaultKalmanConfig returns the Kalman-filter defaults.
func DefaultKalmanConfig() Config {
	return Config{
		Kind:             Kalman,
		ProcessNoise:     1e-4,
		MeasurementNoise: 1e-2,
		Lamb:             2.0,
	}
}

// Filter mutates parameter gradients in place, once per optimization step.
//
// Parameters with a nil gradient are skipped: they are treated as frozen
// this step, not as an error. The trigger flag bypasses filtering for
// staged-ablation runs; MovingAverage keeps recording snapshots while
// triggered, Exponential does nothing at all, and LowPassSmoother and
// Kalman ignore the flag entirely.
type Filter interface {
	// Kind returns the algorithm this filter implements.
	Kind() Kind

	// Apply filters every parameter gradient in place and updates the
	// filter's per-parameter state.
	Apply(params []*tensor.Parameter, trigger bool)

	// Tracked returns the number of parameters with filter state.
	Tracked() int
}

// New constructs the filter selected by cfg.Kind.
//
// Misconfiguration fails here, before any per-parameter state exists; an
// unrecognized kind or invalid hyperparameter never results in partial
// state.
func New(cfg Config) (Filter, error) {
	switch cfg.Kind {
	case None, "":
		return noneFilter{}, nil

	case MovingAverage:
		if cfg.WindowSize < 1 {
			return nil, fmt.Errorf("moving average: window size must be >= 1, got %d", cfg.WindowSize)
		}
		mode := cfg.Aggregate
		if mode == "" {
			mode = AggregateMean
		}
		if mode != AggregateMean && mode != AggregateSum {
			return nil, fmt.Errorf("moving average: unrecognized aggregate mode %q", cfg.Aggregate)
		}
		if cfg.Lamb < 0 {
			return nil, fmt.Errorf("moving average: gain cannot be negative: %g", cfg.Lamb)
		}
		return &movingAverageFilter{
			window: cfg.WindowSize,
			lamb:   cfg.Lamb,
			mode:   mode,
			warmup: cfg.Warmup,
			state:  make(map[string]*windowState),
		}, nil

	case Exponential:
		if cfg.Alpha < 0 || cfg.Alpha > 1 {
			return nil, fmt.Errorf("exponential: alpha must be in [0, 1], got %g", cfg.Alpha)
		}
		if cfg.Lamb < 0 {
			return nil, fmt.Errorf("exponential: gain cannot be negative: %g", cfg.Lamb)
		}
		return &exponentialFilter{
			alpha: cfg.Alpha,
			lamb:  cfg.Lamb,
			acc:   make(map[string][]float64),
		}, nil

	case LowPassSmoother:
		return &smootherFilter{
			beta:  cfg.Beta,
			pp:    cfg.PushBack,
			grads: make(map[string][]float64),
		}, nil

	case Kalman:
		if cfg.ProcessNoise < 0 {
			return nil, fmt.Errorf("kalman: process noise cannot be negative: %g", cfg.ProcessNoise)
		}
		if cfg.MeasurementNoise <= 0 {
			return nil, fmt.Errorf("kalman: measurement noise must be positive: %g", cfg.MeasurementNoise)
		}
		if cfg.Lamb < 0 {
			return nil, fmt.Errorf("kalman: gain cannot be negative: %g", cfg.Lamb)
		}
		return &kalmanFilter{
			q:     cfg.ProcessNoise,
			r:     cfg.MeasurementNoise,
			lamb:  cfg.Lamb,
			state: make(map[string]*kalmanState),
		}, nil
	}
	return nil, fmt.Errorf("unrecognized filter kind %q", cfg.Kind)
}

// noneFilter is the pass-through identity.
type noneFilter struct{}

func (noneFilter) Kind() Kind { return None }

func (noneFilter) Apply(_ []*tensor.Parameter, _ bool) {}

func (noneFilter) Tracked() int { return 0 }
