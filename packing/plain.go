package packing

import (
	"fmt"
)

// PlainTensor holds unencrypted lanes, one slot vector per position.
type PlainTensor struct {
	layout
	values [][]float64
}

// NewPlainTensor allocates a zero tensor.
func NewPlainTensor(et ElementType, shape Shape, batch int) (*PlainTensor, error) {
	l, err := newLayout(et, shape, batch)
	if err != nil {
		return nil, err
	}
	values := make([][]float64, l.Capacity())
	for i := range values {
		values[i] = make([]float64, batch)
	}
	return &PlainTensor{layout: l, values: values}, nil
}

// NewPlainTensorFromValues builds a tensor from row-major values, rounded
// to the precision of et.
func NewPlainTensorFromValues(et ElementType, shape Shape, batch int, values []float64) (*PlainTensor, error) {
	t, err := NewPlainTensor(et, shape, batch)
	if err != nil {
		return nil, err
	}
	if len(values) != t.ElementCount() {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrSizeMismatch, t.ElementCount(), len(values))
	}
	if err := t.Write(EncodeFloats(et, values)); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *PlainTensor) Write(src []byte) error {
	n, err := t.positions(len(src))
	if err != nil {
		return err
	}
	return t.gather(src, n, func(i int, lanes []float64) error {
		t.values[i] = lanes
		return nil
	})
}

func (t *PlainTensor) Read(dst []byte) error {
	n, err := t.positions(len(dst))
	if err != nil {
		return err
	}
	return t.scatter(dst, n, func(i int) ([]float64, error) {
		return t.values[i], nil
	})
}

// Position returns the batch lanes stored at position i.
func (t *PlainTensor) Position(i int) []float64 {
	return t.values[i]
}

// SetPosition replaces the lanes at position i.
func (t *PlainTensor) SetPosition(i int, lanes []float64) error {
	if len(lanes) != t.batch {
		return fmt.Errorf("%w: expected %d lanes, got %d", ErrSizeMismatch, t.batch, len(lanes))
	}
	t.values[i] = append([]float64(nil), lanes...)
	return nil
}

// UniformAcrossBatch reports whether every position holds one value
// repeated over the batch.
func (t *PlainTensor) UniformAcrossBatch() bool {
	for _, lanes := range t.values {
		for _, v := range lanes[1:] {
			if v != lanes[0] {
				return false
			}
		}
	}
	return true
}

// Floats returns the row-major contents.
func (t *PlainTensor) Floats() []float64 {
	n := t.Capacity()
	out := make([]float64, t.ElementCount())
	for i, lanes := range t.values {
		for j, v := range lanes {
			out[i+j*n] = v
		}
	}
	return out
}
