package packing

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/halilibrahimkanpak/he_inference/he"
)

// CipherTensor holds one ciphertext per position. Only Float32 raw buffers
// are supported.
type CipherTensor struct {
	layout
	codec *Codec
	cts   []*rlwe.Ciphertext
}

// NewCipherTensor allocates an empty tensor. The codec's lane count must
// equal batch.
func NewCipherTensor(codec *Codec, et ElementType, shape Shape, batch int) (*CipherTensor, error) {
	if et != Float32 {
		return nil, fmt.Errorf("%w: cipher tensors support %s only, got %s", ErrUnsupported, Float32, et)
	}
	if codec.Lanes() != batch {
		return nil, fmt.Errorf("%w: codec packs %d lanes, tensor batch is %d", ErrSizeMismatch, codec.Lanes(), batch)
	}
	l, err := newLayout(et, shape, batch)
	if err != nil {
		return nil, err
	}
	return &CipherTensor{layout: l, codec: codec, cts: make([]*rlwe.Ciphertext, l.Capacity())}, nil
}

func (t *CipherTensor) Write(src []byte) error {
	n, err := t.positions(len(src))
	if err != nil {
		return err
	}
	ctx := t.codec.Context()
	return t.gather(src, n, func(i int, lanes []float64) error {
		return ctx.WithWorker(func(w *he.Worker) error {
			ct, err := t.codec.EncryptLanes(w, lanes)
			if err != nil {
				return fmt.Errorf("position %d: %w", i, err)
			}
			t.cts[i] = ct
			return nil
		})
	})
}

func (t *CipherTensor) Read(dst []byte) error {
	n, err := t.positions(len(dst))
	if err != nil {
		return err
	}
	ctx := t.codec.Context()
	return t.scatter(dst, n, func(i int) (lanes []float64, err error) {
		if t.cts[i] == nil {
			return nil, fmt.Errorf("position %d: no ciphertext", i)
		}
		err = ctx.WithWorker(func(w *he.Worker) error {
			lanes, err = t.codec.DecryptLanes(w, t.cts[i], t.batch)
			return err
		})
		return lanes, err
	})
}

// SetElements replaces the tensor's ciphertexts. The count must equal
// Capacity.
func (t *CipherTensor) SetElements(cts []*rlwe.Ciphertext) error {
	if len(cts) != t.Capacity() {
		return fmt.Errorf("%w: wrong number of elements set, expected %d, got %d",
			ErrSizeMismatch, t.Capacity(), len(cts))
	}
	copy(t.cts, cts)
	return nil
}

// Elements returns the tensor's ciphertexts in position order.
func (t *CipherTensor) Elements() []*rlwe.Ciphertext {
	return append([]*rlwe.Ciphertext(nil), t.cts...)
}

// Element returns the ciphertext at position i.
func (t *CipherTensor) Element(i int) *rlwe.Ciphertext {
	return t.cts[i]
}
