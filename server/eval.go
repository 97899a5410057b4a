package server

import (
	"context"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/halilibrahimkanpak/he_inference/he"
	"github.com/halilibrahimkanpak/he_inference/packing"
)

// evaluator applies the homomorphic operations of a Program. Every
// position is processed on its own pooled worker.
type evaluator struct {
	ctx      *he.Context
	codec    *packing.Codec
	elements packing.ElementType
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func (e *evaluator) forEach(ctx context.Context, n int, fn func(w *he.Worker, i int) error) error {
	return he.ParallelFor(ctx, n, func(i int) error {
		return e.ctx.WithWorker(func(w *he.Worker) error {
			return fn(w, i)
		})
	})
}

func (e *evaluator) add(ctx context.Context, cts []*rlwe.Ciphertext, op *Op) ([]*rlwe.Ciphertext, error) {
	constant, err := op.constantTensor(e.elements, len(cts), e.codec.Lanes())
	if err != nil {
		return nil, err
	}
	out := make([]*rlwe.Ciphertext, len(cts))
	err = e.forEach(ctx, len(cts), func(w *he.Worker, i int) (err error) {
		out[i], err = w.Evaluator.AddNew(cts[i], e.codec.Pack(constant.Position(i)))
		return err
	})
	return out, err
}

func (e *evaluator) multiply(ctx context.Context, cts []*rlwe.Ciphertext, op *Op) ([]*rlwe.Ciphertext, error) {
	constant, err := op.constantTensor(e.elements, len(cts), e.codec.Lanes())
	if err != nil {
		return nil, err
	}
	out := make([]*rlwe.Ciphertext, len(cts))
	err = e.forEach(ctx, len(cts), func(w *he.Worker, i int) error {
		lanes := constant.Position(i)
		if e.codec.Complex() {
			// Uniform across the batch, checked by Validate.
			lanes = repeat(lanes[0], e.codec.Slots(e.codec.Lanes()))
		}
		ct, err := w.Evaluator.MulNew(cts[i], lanes)
		if err != nil {
			return err
		}
		if err := w.Evaluator.Rescale(ct, ct); err != nil {
			return err
		}
		out[i] = ct
		return nil
	})
	return out, err
}

func (e *evaluator) dense(ctx context.Context, cts []*rlwe.Ciphertext, layer *DenseLayer) ([]*rlwe.Ciphertext, error) {
	if layer.In() != len(cts) {
		return nil, fmt.Errorf("%w: dense layer takes %d inputs, got %d", packing.ErrSizeMismatch, layer.In(), len(cts))
	}
	slots := e.codec.Slots(e.codec.Lanes())
	out := make([]*rlwe.Ciphertext, layer.Out())
	err := e.forEach(ctx, layer.Out(), func(w *he.Worker, j int) error {
		var acc *rlwe.Ciphertext
		for i, weight := range layer.Weights[j] {
			term, err := w.Evaluator.MulNew(cts[i], repeat(weight, slots))
			if err != nil {
				return fmt.Errorf("weight [%d][%d]: %w", j, i, err)
			}
			if acc == nil {
				acc = term
			} else if err := w.Evaluator.Add(acc, term, acc); err != nil {
				return err
			}
		}
		if err := w.Evaluator.Rescale(acc, acc); err != nil {
			return err
		}
		bias := e.codec.Pack(repeat(layer.Biases[j], e.codec.Lanes()))
		if err := w.Evaluator.Add(acc, bias, acc); err != nil {
			return err
		}
		out[j] = acc
		return nil
	})
	return out, err
}

// pad encrypts zero positions at the level and scale of the existing
// ciphertexts.
func (e *evaluator) pad(ctx context.Context, cts []*rlwe.Ciphertext, before, after int) ([]*rlwe.Ciphertext, error) {
	if len(cts) == 0 {
		return nil, fmt.Errorf("%w: nothing to pad", packing.ErrSizeMismatch)
	}
	ref := cts[0]
	out := make([]*rlwe.Ciphertext, before+len(cts)+after)
	copy(out[before:], cts)
	zeros := make([]float64, e.codec.Lanes())
	err := e.forEach(ctx, len(out), func(w *he.Worker, i int) error {
		if out[i] != nil {
			return nil
		}
		pt := ckks.NewPlaintext(w.Params, ref.Level())
		pt.Scale = ref.Scale
		if err := w.Encoder.Encode(e.codec.Pack(zeros), pt); err != nil {
			return err
		}
		ct, err := w.Encryptor.EncryptNew(pt)
		if err != nil {
			return err
		}
		out[i] = ct
		return nil
	})
	return out, err
}
