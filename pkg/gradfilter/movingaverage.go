package gradfilter

import (
	"github.com/orneryd/grokfast/pkg/tensor"
)

// movingAverageFilter keeps a fixed-capacity FIFO window of gradient
// snapshots per parameter and adds the window aggregate, scaled by the gain,
// to the live gradient.
//
// The window is a ring buffer with O(1) push/evict. An element-wise running
// sum is maintained alongside it so that the sum aggregate is O(n) in the
// tensor size and independent of the window length; the mean aggregate
// divides the same sum by the current buffer length.
type movingAverageFilter struct {
	window int
	lamb   float64
	mode   AggregateMode
	warmup bool

	state map[string]*windowState
}

// windowState is the per-parameter FIFO window.
type windowState struct {
	buf   [][]float64 // ring buffer of gradient snapshots, capacity = window
	head  int         // next write position
	count int         // current number of buffered snapshots
	sum   []float64   // running element-wise sum of buffered snapshots
}

func newWindowState(window, numel int) *windowState {
	return &windowState{
		buf: make([][]float64, window),
		sum: make([]float64, numel),
	}
}

// push appends a snapshot of grad, evicting the oldest entry once the
// window is full.
func (w *windowState) push(grad []float64) {
	if w.buf[w.head] != nil {
		// Window full: the slot being overwritten holds the oldest snapshot.
		old := w.buf[w.head]
		for i := range w.sum {
			w.sum[i] -= old[i]
		}
		// Reuse the evicted slot's backing array.
		copy(old, grad)
		tensor.AddScaled(w.sum, old, 1)
	} else {
		snap := tensor.Clone(grad)
		w.buf[w.head] = snap
		tensor.AddScaled(w.sum, snap, 1)
		w.count++
	}
	w.head++
	if w.head == len(w.buf) {
		w.head = 0
	}
}

func (f *movingAverageFilter) Kind() Kind { return MovingAverage }

func (f *movingAverageFilter) Tracked() int { return len(f.state) }

// Apply records the current gradients into each parameter's window and, once
// the apply condition holds, adds aggregate*lamb to the gradient in place.
//
// The apply condition is: warmup disabled, OR the window has filled to
// exactly its capacity and the call is not triggered. Triggered calls keep
// recording snapshots either way — bookkeeping continues through an
// ablation phase, only the gradient update is withheld. Note that with
// warmup disabled the update is applied even while triggered.
//
// A window of 1 is not a no-op: the aggregate equals the latest snapshot,
// so the live gradient becomes grad * (1 + lamb) in mean mode.
func (f *movingAverageFilter) Apply(params []*tensor.Parameter, trigger bool) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		st, ok := f.state[p.Name]
		if !ok {
			st = newWindowState(f.window, p.NumEl())
			f.state[p.Name] = st
		}
		st.push(p.Grad)

		if !f.warmup || (st.count == f.window && !trigger) {
			scale := f.lamb
			if f.mode == AggregateMean {
				scale /= float64(st.count)
			}
			tensor.AddScaled(p.Grad, st.sum, scale)
		}
	}
}
