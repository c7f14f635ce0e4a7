// Package model defines the contracts between the training loop and a
// network backend: dense tensors, named outputs and parameter snapshots.
package model

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// #region tensor
var (
	ErrShape       = errors.New("tensor shape mismatch")
	ErrMissingHead = errors.New("output head missing")
)

// Tensor is a dense row-major float64 array.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor checks that data fills shape exactly.
func NewTensor(shape []int, data []float64) (Tensor, error) {
	n := 1
	for _, s := range shape {
		if s < 0 {
			return Tensor{}, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		n *= s
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShape, shape, n, len(data))
	}
	return Tensor{Shape: shape, Data: data}, nil
}

// FromDense copies a gonum matrix into a rank-2 tensor.
func FromDense(m mat.Matrix) Tensor {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := range r {
		for j := range c {
			data = append(data, m.At(i, j))
		}
	}
	return Tensor{Shape: []int{r, c}, Data: data}
}

// FromVector wraps v as a rank-1 tensor without copying.
func FromVector(v []float64) Tensor {
	return Tensor{Shape: []int{len(v)}, Data: v}
}

// Rank is the number of dimensions.
func (t Tensor) Rank() int { return len(t.Shape) }

// Dense copies a rank-2 tensor into a gonum matrix.
func (t Tensor) Dense() (*mat.Dense, error) {
	if t.Rank() != 2 {
		return nil, fmt.Errorf("%w: want rank 2, got %v", ErrShape, t.Shape)
	}
	if t.Shape[0] == 0 || t.Shape[1] == 0 {
		return nil, fmt.Errorf("%w: empty matrix %v", ErrShape, t.Shape)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], slices.Clone(t.Data)), nil
}

// FirstToken selects position 0 of a [B,T,D] tensor, giving [B,D].
func (t Tensor) FirstToken() (Tensor, error) {
	if t.Rank() != 3 || t.Shape[1] == 0 {
		return Tensor{}, fmt.Errorf("%w: want [B,T,D] with T>0, got %v", ErrShape, t.Shape)
	}
	b, step, d := t.Shape[0], t.Shape[1]*t.Shape[2], t.Shape[2]
	out := make([]float64, 0, b*d)
	for i := range b {
		out = append(out, t.Data[i*step:i*step+d]...)
	}
	return Tensor{Shape: []int{b, d}, Data: out}, nil
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// BitEqual reports whether shapes match and every value has identical bits.
func (t Tensor) BitEqual(o Tensor) bool {
	if !slices.Equal(t.Shape, o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i, v := range t.Data {
		if math.Float64bits(v) != math.Float64bits(o.Data[i]) {
			return false
		}
	}
	return true
}

// #endregion tensor

// #region output
// Output holds a forward pass's named results. Key names are family
// specific, e.g. "mm" and "h" for gated fusion.
type Output map[string]Tensor

// Head returns the named tensor.
func (o Output) Head(key string) (Tensor, error) {
	t, ok := o[key]
	if !ok {
		return Tensor{}, fmt.Errorf("%w: %q", ErrMissingHead, key)
	}
	return t, nil
}

// #endregion output

// #region params
// Params is a full parameter snapshot keyed by parameter name.
type Params map[string]Tensor

// Clone deep-copies every tensor, so later training cannot reach the copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, t := range p {
		out[k] = t.Clone()
	}
	return out
}

// BitEqual reports whether both snapshots hold the same names and bits.
func (p Params) BitEqual(o Params) bool {
	if len(p) != len(o) {
		return false
	}
	for k, t := range p {
		ot, ok := o[k]
		if !ok || !t.BitEqual(ot) {
			return false
		}
	}
	return true
}

// Names returns parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// #endregion params
