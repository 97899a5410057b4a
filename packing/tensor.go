package packing

import (
	"context"
	"fmt"

	"github.com/halilibrahimkanpak/he_inference/he"
)

// Shape is a tensor shape. A batched tensor has the batch as its leading
// dimension.
type Shape []int

// Size returns the number of elements of the shape.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Tensor is the storage capability shared by plaintext and ciphertext
// tensors. Raw byte buffers are laid out row-major as [batch] x rest.
type Tensor interface {
	// Write gathers len(src) bytes into the tensor.
	Write(src []byte) error
	// Read scatters the tensor into len(dst) bytes.
	Read(dst []byte) error
	// ElementCount is the number of scalar elements, batch included.
	ElementCount() int
	// Capacity is the number of slot vectors (ciphertexts) the tensor holds.
	Capacity() int
	BatchSize() int
	Shape() Shape
	ElementType() ElementType
}

type layout struct {
	et    ElementType
	shape Shape
	batch int
}

func newLayout(et ElementType, shape Shape, batch int) (layout, error) {
	if batch < 1 {
		return layout{}, fmt.Errorf("%w: batch size %d", ErrUnsupported, batch)
	}
	if n := shape.Size(); n%batch != 0 {
		return layout{}, fmt.Errorf("%w: %d elements are not a multiple of batch size %d",
			ErrSizeMismatch, n, batch)
	}
	return layout{et: et, shape: append(Shape(nil), shape...), batch: batch}, nil
}

func (l layout) ElementCount() int {
	return l.shape.Size()
}

func (l layout) Capacity() int {
	return l.shape.Size() / l.batch
}

func (l layout) BatchSize() int {
	return l.batch
}

func (l layout) Shape() Shape {
	return append(Shape(nil), l.shape...)
}

func (l layout) ElementType() ElementType {
	return l.et
}

// positions validates a raw buffer length and returns the number of slot
// vectors it covers.
func (l layout) positions(byteCount int) (int, error) {
	stride := l.et.Size() * l.batch
	if byteCount%stride != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a multiple of %d bytes per position",
			ErrSizeMismatch, byteCount, stride)
	}
	if capacity := l.Capacity() * l.et.Size(); byteCount/l.batch > capacity {
		return 0, fmt.Errorf("%w: expected at most %d bytes per batch entry, got %d",
			ErrSizeMismatch, capacity, byteCount/l.batch)
	}
	return byteCount / stride, nil
}

// gather collects, for every position i < n, the batch values at element
// offsets i + j*n.
func (l layout) gather(src []byte, n int, fn func(i int, lanes []float64) error) error {
	return he.ParallelFor(context.Background(), n, func(i int) error {
		lanes := make([]float64, l.batch)
		for j := range lanes {
			lanes[j] = l.et.get(src, i+j*n)
		}
		return fn(i, lanes)
	})
}

// scatter is the inverse of gather.
func (l layout) scatter(dst []byte, n int, fn func(i int) ([]float64, error)) error {
	return he.ParallelFor(context.Background(), n, func(i int) error {
		lanes, err := fn(i)
		if err != nil {
			return err
		}
		for j := 0; j < l.batch; j++ {
			l.et.put(dst, i+j*n, lanes[j])
		}
		return nil
	})
}
