package gradfilter

import (
	"math"
	"testing"

	"github.com/orneryd/grokfast/pkg/tensor"
)

func newParam(t *testing.T, name string, data, grad []float64) *tensor.Parameter {
	t.Helper()
	shape := []int{len(data)}
	p, err := tensor.NewParameter(name, shape, data)
	if err != nil {
		t.Fatalf("NewParameter(%q) error: %v", name, err)
	}
	p.Grad = grad
	return p
}

func scalarParam(t *testing.T, name string, value, grad float64) *tensor.Parameter {
	return newParam(t, name, []float64{value}, []float64{grad})
}

func TestParseKind(t *testing.T) {
	cases := []struct {
		in   string
		want Kind
	}{
		{"none", None},
		{"", None},
		{"ma", MovingAverage},
		{"moving_average", MovingAverage},
		{"ema", Exponential},
		{"exponential", Exponential},
		{"smoother", LowPassSmoother},
		{"low_pass_smoother", LowPassSmoother},
		{"kalman", Kalman},
	}
	for _, c := range cases {
		got, err := ParseKind(c.in)
		if err != nil {
			t.Errorf("ParseKind(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseKind(%q) = %v, want %v", c.in, got, c.want)
		}
	}

	if _, err := ParseKind("fir"); err == nil {
		t.Error("ParseKind should reject unknown kinds")
	}
}

func TestNew_InvalidConfiguration(t *testing.T) {
	bad := []Config{
		{Kind: "butterworth"},
		{Kind: MovingAverage, WindowSize: 0},
		{Kind: MovingAverage, WindowSize: 10, Aggregate: "median"},
		{Kind: MovingAverage, WindowSize: 10, Lamb: -1},
		{Kind: Exponential, Alpha: -0.1},
		{Kind: Exponential, Alpha: 1.5},
		{Kind: Exponential, Alpha: 0.9, Lamb: -2},
		{Kind: Kalman, ProcessNoise: -1e-4, MeasurementNoise: 1e-2},
		{Kind: Kalman, ProcessNoise: 1e-4, MeasurementNoise: 0},
		{Kind: Kalman, ProcessNoise: 1e-4, MeasurementNoise: 1e-2, Lamb: -1},
	}
	for _, cfg := range bad {
		f, err := New(cfg)
		if err == nil {
			t.Errorf("New(%+v) should fail", cfg)
		}
		if f != nil {
			t.Errorf("New(%+v) returned a filter alongside an error", cfg)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	for _, cfg := range []Config{
		{Kind: None},
		DefaultMovingAverageConfig(),
		DefaultExponentialConfig(),
		DefaultSmootherConfig(),
		DefaultKalmanConfig(),
	} {
		f, err := New(cfg)
		if err != nil {
			t.Errorf("New(%+v) error: %v", cfg, err)
			continue
		}
		if f.Kind() != cfg.Kind {
			t.Errorf("Kind() = %v, want %v", f.Kind(), cfg.Kind)
		}
		if f.Tracked() != 0 {
			t.Errorf("fresh filter Tracked() = %d, want 0", f.Tracked())
		}
	}
}

func TestNone_PassThrough(t *testing.T) {
	f, err := New(Config{Kind: None})
	if err != nil {
		t.Fatalf("New(none) error: %v", err)
	}
	p := scalarParam(t, "w", 3.0, 0.5)
	for i := 0; i < 5; i++ {
		f.Apply([]*tensor.Parameter{p}, false)
	}
	if p.Grad[0] != 0.5 {
		t.Errorf("grad = %v, want 0.5 unchanged", p.Grad[0])
	}
}

// Identity: gain zero must leave gradients byte-identical for any state and
// any number of prior calls.
func TestIdentity_ZeroGain(t *testing.T) {
	configs := map[string]Config{
		"ma":       {Kind: MovingAverage, WindowSize: 2, Lamb: 0, Aggregate: AggregateMean, Warmup: false},
		"ema":      {Kind: Exponential, Alpha: 0.9, Lamb: 0},
		"smoother": {Kind: LowPassSmoother, Beta: 0.98, PushBack: 0},
		"kalman":   {Kind: Kalman, ProcessNoise: 1e-4, MeasurementNoise: 1e-2, Lamb: 0},
	}
	grads := []float64{0.3, -1.25, 4.0, 0.0, 7.5}

	for name, cfg := range configs {
		f, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%s) error: %v", name, err)
		}
		p := scalarParam(t, "w", 1.5, 0)
		for step, g := range grads {
			p.Grad[0] = g
			f.Apply([]*tensor.Parameter{p}, false)
			if p.Grad[0] != g {
				t.Errorf("%s step %d: grad = %v, want %v unchanged", name, step, p.Grad[0], g)
			}
		}
	}
}

func TestMovingAverage_WindowFill(t *testing.T) {
	const w = 4
	f, err := New(Config{Kind: MovingAverage, WindowSize: w, Lamb: 1.0, Aggregate: AggregateMean, Warmup: true})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	p := scalarParam(t, "w", 0, 0)
	for step := 1; step <= w+2; step++ {
		p.Grad[0] = 1.0
		f.Apply([]*tensor.Parameter{p}, false)
		if step < w {
			if p.Grad[0] != 1.0 {
				t.Errorf("step %d (< window): grad = %v, want unmodified 1.0", step, p.Grad[0])
			}
		} else {
			if p.Grad[0] == 1.0 {
				t.Errorf("step %d (>= window): grad should be modified", step)
			}
		}
	}
}

// The documented scalar scenario: W=2, lamb=1, mean, warmup, gradient
// sequence [1, 1, 1] produces outputs [1, 2, 2].
func TestMovingAverage_ScalarScenario(t *testing.T) {
	f, err := New(Config{Kind: MovingAverage, WindowSize: 2, Lamb: 1.0, Aggregate: AggregateMean, Warmup: true})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	p := scalarParam(t, "w", 0, 0)
	want := []float64{1.0, 2.0, 2.0}
	for step, expected := range want {
		p.Grad[0] = 1.0
		f.Apply([]*tensor.Parameter{p}, false)
		if p.Grad[0] != expected {
			t.Errorf("call %d: grad = %v, want %v", step+1, p.Grad[0], expected)
		}
	}
}

// Sum mode must equal mean mode scaled by the current buffer length for
// identical buffer contents.
func TestMovingAverage_SumVersusMean(t *testing.T) {
	mk := func(mode AggregateMode) Filter {
		f, err := New(Config{Kind: MovingAverage, WindowSize: 3, Lamb: 2.0, Aggregate: mode, Warmup: false})
		if err != nil {
			t.Fatalf("New(%s) error: %v", mode, err)
		}
		return f
	}
	fMean := mk(AggregateMean)
	fSum := mk(AggregateSum)

	grads := []float64{0.5, -0.25, 1.5, 2.0}
	for step, g := range grads {
		pm := scalarParam(t, "w", 0, g)
		ps := scalarParam(t, "w", 0, g)
		fMean.Apply([]*tensor.Parameter{pm}, false)
		fSum.Apply([]*tensor.Parameter{ps}, false)

		length := float64(step + 1)
		if length > 3 {
			length = 3
		}
		meanDelta := pm.Grad[0] - g
		sumDelta := ps.Grad[0] - g
		if math.Abs(sumDelta-meanDelta*length) > 1e-12 {
			t.Errorf("step %d: sum delta = %v, want mean delta %v x len %v", step, sumDelta, meanDelta, length)
		}
	}
}

// A window of one is an amplifier, not a no-op: the aggregate equals the
// latest snapshot, so the output is grad * (1 + lamb).
func TestMovingAverage_WindowOneAmplifies(t *testing.T) {
	f, err := New(Config{Kind: MovingAverage, WindowSize: 1, Lamb: 3.0, Aggregate: AggregateMean, Warmup: true})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	p := scalarParam(t, "w", 0, 0.5)
	f.Apply([]*tensor.Parameter{p}, false)
	if math.Abs(p.Grad[0]-2.0) > 1e-15 {
		t.Errorf("grad = %v, want 0.5 * (1 + 3) = 2.0", p.Grad[0])
	}
}

// Bookkeeping continues while triggered: snapshots recorded during the
// ablation phase count toward the window, so the first untriggered call on
// a full window applies the aggregate immediately.
func TestMovingAverage_TriggerStillAppends(t *testing.T) {
	f, err := New(Config{Kind: MovingAverage, WindowSize: 2, Lamb: 1.0, Aggregate: AggregateMean, Warmup: true})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	p := scalarParam(t, "w", 0, 0)
	for i := 0; i < 2; i++ {
		p.Grad[0] = 1.0
		f.Apply([]*tensor.Parameter{p}, true)
		if p.Grad[0] != 1.0 {
			t.Errorf("triggered call %d: grad = %v, want unmodified", i+1, p.Grad[0])
		}
	}

	p.Grad[0] = 1.0
	f.Apply([]*tensor.Parameter{p}, false)
	if p.Grad[0] != 2.0 {
		t.Errorf("first untriggered call: grad = %v, want 2.0 (window already full)", p.Grad[0])
	}
}

// With warmup disabled the aggregate is applied even while triggered.
func TestMovingAverage_NoWarmupIgnoresTrigger(t *testing.T) {
	f, err := New(Config{Kind: MovingAverage, WindowSize: 4, Lamb: 1.0, Aggregate: AggregateMean, Warmup: false})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	p := scalarParam(t, "w", 0, 1.0)
	f.Apply([]*tensor.Parameter{p}, true)
	if p.Grad[0] != 2.0 {
		t.Errorf("grad = %v, want 2.0 (applied despite trigger)", p.Grad[0])
	}
}

func TestMovingAverage_Eviction(t *testing.T) {
	f, err := New(Config{Kind: MovingAverage, WindowSize: 2, Lamb: 1.0, Aggregate: AggregateSum, Warmup: true})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	p := scalarParam(t, "w", 0, 0)
	grads := []float64{1, 2, 3}
	var last float64
	for _, g := range grads {
		p.Grad[0] = g
		f.Apply([]*tensor.Parameter{p}, false)
		last = p.Grad[0]
	}
	// Buffer after third call is [2, 3]; output = 3 + (2+3)*1 = 8.
	if last != 8.0 {
		t.Errorf("grad = %v, want 8.0 after oldest snapshot evicted", last)
	}
}

// On the very first call the accumulator is seeded with the raw gradient
// exactly, with no decay applied.
func TestExponential_Seed(t *testing.T) {
	f, err := New(Config{Kind: Exponential, Alpha: 0.98, Lamb: 2.0})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ema := f.(*exponentialFilter)

	p := newParam(t, "w", []float64{0, 0, 0}, []float64{0.1, -0.2, 0.3})
	f.Apply([]*tensor.Parameter{p}, false)

	acc := ema.acc["w"]
	want := []float64{0.1, -0.2, 0.3}
	for i := range want {
		if acc[i] != want[i] {
			t.Errorf("acc[%d] = %v, want exactly %v", i, acc[i], want[i])
		}
	}
	// The seeding call leaves the gradient untouched.
	for i := range want {
		if p.Grad[i] != want[i] {
			t.Errorf("grad[%d] = %v, want %v unchanged on seed call", i, p.Grad[i], want[i])
		}
	}
}

func TestExponential_Update(t *testing.T) {
	const alpha, lamb = 0.5, 2.0
	f, err := New(Config{Kind: Exponential, Alpha: alpha, Lamb: lamb})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	p := scalarParam(t, "w", 0, 1.0)
	f.Apply([]*tensor.Parameter{p}, false) // seeds acc = 1.0

	p.Grad[0] = 3.0
	f.Apply([]*tensor.Parameter{p}, false)
	// acc = 1*0.5 + 3*0.5 = 2; grad = (3 + 2*2) / 3 = 7/3
	if math.Abs(p.Grad[0]-7.0/3.0) > 1e-15 {
		t.Errorf("grad = %v, want %v", p.Grad[0], 7.0/3.0)
	}
}

// Trigger bypass: neither the accumulator nor the gradient changes, for any
// alpha and gain. Unlike the moving average, no bookkeeping runs either.
func TestExponential_TriggerBypass(t *testing.T) {
	for _, alpha := range []float64{0.0, 0.5, 1.0} {
		for _, lamb := range []float64{0.0, 2.0, 5.0} {
			f, err := New(Config{Kind: Exponential, Alpha: alpha, Lamb: lamb})
			if err != nil {
				t.Fatalf("New error: %v", err)
			}
			ema := f.(*exponentialFilter)

			p := scalarParam(t, "w", 0, 1.0)
			f.Apply([]*tensor.Parameter{p}, false) // seed

			p.Grad[0] = 42.0
			f.Apply([]*tensor.Parameter{p}, true)
			if p.Grad[0] != 42.0 {
				t.Errorf("alpha=%v lamb=%v: triggered grad = %v, want 42.0", alpha, lamb, p.Grad[0])
			}
			if got := ema.acc["w"][0]; got != 1.0 {
				t.Errorf("alpha=%v lamb=%v: triggered acc = %v, want 1.0 untouched", alpha, lamb, got)
			}
		}
	}
}

// alpha = 0 tracks the latest raw gradient; alpha = 1 freezes the
// accumulator at its seed.
func TestExponential_AlphaExtremes(t *testing.T) {
	track, err := New(Config{Kind: Exponential, Alpha: 0, Lamb: 1.0})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	p := scalarParam(t, "w", 0, 1.0)
	track.Apply([]*tensor.Parameter{p}, false)
	p.Grad[0] = 5.0
	track.Apply([]*tensor.Parameter{p}, false)
	if got := track.(*exponentialFilter).acc["w"][0]; got != 5.0 {
		t.Errorf("alpha=0: acc = %v, want latest gradient 5.0", got)
	}

	freeze, err := New(Config{Kind: Exponential, Alpha: 1, Lamb: 1.0})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	q := scalarParam(t, "w", 0, 1.0)
	freeze.Apply([]*tensor.Parameter{q}, false)
	for i := 0; i < 10; i++ {
		q.Grad[0] = -3.0
		freeze.Apply([]*tensor.Parameter{q}, false)
	}
	if got := freeze.(*exponentialFilter).acc["w"][0]; got != 1.0 {
		t.Errorf("alpha=1: acc = %v, want frozen seed 1.0", got)
	}
}

// The shadow copy is rebuilt from the live values each call, so the
// push-back term is zero and the gradient comes through unchanged. This is
// the shipped behavior, preserved on purpose.
func TestSmoother_GradientUnchanged(t *testing.T) {
	f, err := New(DefaultSmootherConfig())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	p := newParam(t, "w", []float64{1.5, -2.5}, []float64{0.25, 0.75})
	for i := 0; i < 3; i++ {
		f.Apply([]*tensor.Parameter{p}, false)
	}
	if p.Grad[0] != 0.25 || p.Grad[1] != 0.75 {
		t.Errorf("grad = %v, want [0.25 0.75] unchanged", p.Grad)
	}
	if f.Tracked() != 1 {
		t.Errorf("Tracked() = %d, want 1", f.Tracked())
	}
}

// Feeding a constant gradient, the estimate approaches the gradient
// monotonically and the variance decreases monotonically toward the fixed
// point P* = (-Q + sqrt(Q^2 + 4QR)) / 2.
func TestKalman_Convergence(t *testing.T) {
	const (
		q = 1e-4
		r = 1e-2
		g = 2.5
	)
	f, err := New(Config{Kind: Kalman, ProcessNoise: q, MeasurementNoise: r, Lamb: 0})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	kf := f.(*kalmanFilter)

	p := scalarParam(t, "w", 0, g)
	var lastX, lastP float64
	for step := 0; step < 200; step++ {
		p.Grad[0] = g
		f.Apply([]*tensor.Parameter{p}, false)

		st := kf.state["w"]
		if step > 0 {
			if st.x[0] < lastX {
				t.Fatalf("step %d: estimate moved away from target: %v -> %v", step, lastX, st.x[0])
			}
			if st.p[0] > lastP {
				t.Fatalf("step %d: variance increased: %v -> %v", step, lastP, st.p[0])
			}
		}
		if st.x[0] > g {
			t.Fatalf("step %d: estimate overshot target: %v > %v", step, st.x[0], g)
		}
		lastX = st.x[0]
		lastP = st.p[0]
	}

	if math.Abs(lastX-g) > 1e-3 {
		t.Errorf("estimate = %v, want near %v", lastX, g)
	}
	pStar := (-q + math.Sqrt(q*q+4*q*r)) / 2
	if math.Abs(lastP-pStar) > 1e-6 {
		t.Errorf("variance = %v, want fixed point %v", lastP, pStar)
	}
}

func TestKalman_InjectsEstimate(t *testing.T) {
	const (
		q    = 1e-4
		r    = 1e-2
		lamb = 2.0
		g    = 1.0
	)
	f, err := New(Config{Kind: Kalman, ProcessNoise: q, MeasurementNoise: r, Lamb: lamb})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	p := scalarParam(t, "w", 0, g)
	f.Apply([]*tensor.Parameter{p}, false)

	// First step: P_pred = r + q, K = P_pred / (P_pred + r),
	// x = K * g, grad = g + x*lamb.
	pPred := r + q
	k := pPred / (pPred + r)
	want := g + k*g*lamb
	if math.Abs(p.Grad[0]-want) > 1e-15 {
		t.Errorf("grad = %v, want %v", p.Grad[0], want)
	}
}

// Frozen parameters (nil gradient) are skipped by every kind without
// creating state.
func TestFrozenParameterSkipped(t *testing.T) {
	for _, cfg := range []Config{
		DefaultMovingAverageConfig(),
		DefaultExponentialConfig(),
		DefaultSmootherConfig(),
		DefaultKalmanConfig(),
	} {
		f, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%v) error: %v", cfg.Kind, err)
		}
		frozen := newParam(t, "frozen", []float64{1, 2}, nil)
		live := newParam(t, "live", []float64{1, 2}, []float64{0.1, 0.2})
		f.Apply([]*tensor.Parameter{frozen, live}, false)

		if f.Tracked() != 1 {
			t.Errorf("%v: Tracked() = %d, want 1 (frozen parameter must not create state)", cfg.Kind, f.Tracked())
		}
	}
}

// State is created once per parameter and never shared or reset by later
// calls that include the same parameter.
func TestStatePersistsAcrossCalls(t *testing.T) {
	f, err := New(Config{Kind: MovingAverage, WindowSize: 8, Lamb: 1.0, Aggregate: AggregateMean, Warmup: true})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ma := f.(*movingAverageFilter)

	a := scalarParam(t, "a", 0, 1.0)
	b := scalarParam(t, "b", 0, 1.0)
	for i := 0; i < 5; i++ {
		a.Grad[0], b.Grad[0] = 1.0, 1.0
		f.Apply([]*tensor.Parameter{a, b}, false)
	}

	if f.Tracked() != 2 {
		t.Fatalf("Tracked() = %d, want 2", f.Tracked())
	}
	if got := ma.state["a"].count; got != 5 {
		t.Errorf("window count = %d, want 5 accumulated across calls", got)
	}
	if ma.state["a"] == ma.state["b"] {
		t.Error("state must not be shared across parameters")
	}
}
