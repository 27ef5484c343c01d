// Package tensor provides the named-parameter handle shared by the model,
// the gradient filters and the optimizer.
//
// A Parameter owns a flat float64 value buffer and, while it is trainable,
// a gradient buffer of identical length. Filters and optimizers never own
// parameters — they read values and read-modify-write gradients in place.
//
// Example Usage:
//
//	p, err := tensor.NewParameter("head.weight", []int{128, 97}, data)
//	if err != nil {
//		log.Fatal(err)
//	}
//	p.AllocGrad()
//	// ... backward pass fills p.Grad ...
package tensor

import (
	"fmt"

	"github.com/viterin/vek"
)

// Parameter is a named, trainable tensor with its gradient buffer.
type Parameter struct {
	// Name is the stable identifier used to key per-parameter filter and
	// optimizer state. It must be unique within a model.
	Name string

	// Shape holds the logical dimensions. Data is row-major.
	Shape []int

	// Data is the flat value buffer, len = product(Shape).
	Data []float64

	// Grad is the flat gradient buffer, same length as Data.
	// Nil means the parameter is frozen this step; filters and
	// optimizers skip it.
	Grad []float64
}

// NewParameter creates a parameter and validates that the data length
// matches the shape product.
func NewParameter(name string, shape []int, data []float64) (*Parameter, error) {
	if name == "" {
		return nil, fmt.Errorf("parameter name cannot be empty")
	}
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("parameter %q: invalid dimension %d", name, dim)
		}
		size *= dim
	}
	if len(data) != size {
		return nil, fmt.Errorf("parameter %q: data length (%d) does not match shape dimensions (%d)", name, len(data), size)
	}
	return &Parameter{
		Name:  name,
		Shape: shape,
		Data:  data,
	}, nil
}

// NumEl returns the number of elements in the parameter.
func (p *Parameter) NumEl() int {
	return len(p.Data)
}

// IsMatrix reports whether the parameter is two-dimensional.
func (p *Parameter) IsMatrix() bool {
	return len(p.Shape) == 2
}

// AllocGrad allocates a zeroed gradient buffer if one does not exist.
func (p *Parameter) AllocGrad() {
	if p.Grad == nil {
		p.Grad = vek.Zeros(len(p.Data))
	}
}

// ZeroGrad clears the gradient buffer in place. No-op for frozen parameters.
func (p *Parameter) ZeroGrad() {
	if p.Grad == nil {
		return
	}
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Clone returns a fresh copy of a float64 slice.
func Clone(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	return out
}

// AddScaled computes dst += a * src element-wise.
// Slices of different lengths leave dst unchanged.
func AddScaled(dst, src []float64, a float64) {
	if len(dst) != len(src) {
		return
	}
	for i := range dst {
		dst[i] += a * src[i]
	}
}

// Norm returns the L2 norm of a slice.
func Norm(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return vek.Norm(x)
}
