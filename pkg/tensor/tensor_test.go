package tensor

import (
	"math"
	"testing"
)

func TestNewParameter_Valid(t *testing.T) {
	p, err := NewParameter("w", []int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("NewParameter returned error: %v", err)
	}
	if p.NumEl() != 6 {
		t.Errorf("NumEl() = %d, want 6", p.NumEl())
	}
	if !p.IsMatrix() {
		t.Error("IsMatrix() = false, want true")
	}
	if p.Grad != nil {
		t.Error("new parameter should have no gradient buffer")
	}
}

func TestNewParameter_Errors(t *testing.T) {
	cases := []struct {
		name  string
		pname string
		shape []int
		data  []float64
	}{
		{"empty name", "", []int{2}, []float64{1, 2}},
		{"zero dim", "w", []int{0, 3}, nil},
		{"negative dim", "w", []int{-1}, []float64{1}},
		{"length mismatch", "w", []int{2, 2}, []float64{1, 2, 3}},
	}
	for _, tc := range cases {
		if _, err := NewParameter(tc.pname, tc.shape, tc.data); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}

func TestAllocGrad_Idempotent(t *testing.T) {
	p, _ := NewParameter("b", []int{3}, []float64{1, 2, 3})
	p.AllocGrad()
	if len(p.Grad) != 3 {
		t.Fatalf("Grad length = %d, want 3", len(p.Grad))
	}
	p.Grad[0] = 7
	p.AllocGrad()
	if p.Grad[0] != 7 {
		t.Error("second AllocGrad replaced the existing buffer")
	}
}

func TestZeroGrad(t *testing.T) {
	p, _ := NewParameter("b", []int{2}, []float64{1, 2})
	p.ZeroGrad() // frozen: no-op
	p.AllocGrad()
	p.Grad[0], p.Grad[1] = 3, -4
	p.ZeroGrad()
	for i, g := range p.Grad {
		if g != 0 {
			t.Errorf("Grad[%d] = %v, want 0", i, g)
		}
	}
}

func TestClone_Independent(t *testing.T) {
	src := []float64{1, 2, 3}
	dst := Clone(src)
	dst[0] = 99
	if src[0] != 1 {
		t.Error("Clone shares backing array with source")
	}
}

func TestAddScaled(t *testing.T) {
	dst := []float64{1, 2, 3}
	AddScaled(dst, []float64{10, 20, 30}, 0.5)
	want := []float64{6, 12, 18}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestAddScaled_LengthMismatch(t *testing.T) {
	// Mismatched slices leave the destination untouched instead of
	// writing a partial result.
	dst := []float64{1, 2}
	AddScaled(dst, []float64{5}, 3)
	if dst[0] != 1 || dst[1] != 2 {
		t.Errorf("mismatched AddScaled modified dst: %v", dst)
	}
	AddScaled(dst, []float64{5, 6, 7}, 3)
	if dst[0] != 1 || dst[1] != 2 {
		t.Errorf("mismatched AddScaled modified dst: %v", dst)
	}
}

func TestNorm(t *testing.T) {
	if got := Norm([]float64{3, 4}); math.Abs(got-5) > 1e-12 {
		t.Errorf("Norm([3 4]) = %v, want 5", got)
	}
	if got := Norm(nil); got != 0 {
		t.Errorf("Norm(nil) = %v, want 0", got)
	}
}
