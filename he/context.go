// Package he holds the CKKS context shared by the client and the server:
// parameters, keys and the encoder, encryptor, decryptor and evaluator
// built on them.
package he

import (
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// ErrNoSecretKey is returned when decryption is requested from a context
// that only holds public material.
var ErrNoSecretKey = errors.New("context holds no secret key")

// Context holds all the necessary objects for homomorphic encryption. A
// client context owns the secret key; a server context is built from the
// client's public and relinearization keys only.
type Context struct {
	params    ckks.Parameters
	encoder   *ckks.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	evaluator *ckks.Evaluator
	sk        *rlwe.SecretKey
	pk        *rlwe.PublicKey
	rlk       *rlwe.RelinearizationKey

	workers *workerPool
}

// NewClientContext generates a fresh key set for params.
func NewClientContext(params ckks.Parameters) *Context {
	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)

	ctx := &Context{
		params:    params,
		encoder:   ckks.NewEncoder(params),
		encryptor: rlwe.NewEncryptor(params, pk),
		decryptor: rlwe.NewDecryptor(params, sk),
		evaluator: ckks.NewEvaluator(params, rlwe.NewMemEvaluationKeySet(rlk)),
		sk:        sk,
		pk:        pk,
		rlk:       rlk,
	}
	ctx.workers = newWorkerPool(ctx)
	return ctx
}

// NewServerContext builds a context that can encrypt and evaluate under the
// given keys but cannot decrypt.
func NewServerContext(params ckks.Parameters, pk *rlwe.PublicKey, rlk *rlwe.RelinearizationKey) (*Context, error) {
	if pk == nil {
		return nil, fmt.Errorf("server context: missing public key")
	}
	var evk rlwe.EvaluationKeySet
	if rlk != nil {
		evk = rlwe.NewMemEvaluationKeySet(rlk)
	}
	ctx := &Context{
		params:    params,
		encoder:   ckks.NewEncoder(params),
		encryptor: rlwe.NewEncryptor(params, pk),
		evaluator: ckks.NewEvaluator(params, evk),
		pk:        pk,
		rlk:       rlk,
	}
	ctx.workers = newWorkerPool(ctx)
	return ctx, nil
}

// Params returns the CKKS parameters.
func (c *Context) Params() ckks.Parameters {
	return c.params
}

// PublicKey returns the public key.
func (c *Context) PublicKey() *rlwe.PublicKey {
	return c.pk
}

// RelinearizationKey returns the relinearization key, or nil.
func (c *Context) RelinearizationKey() *rlwe.RelinearizationKey {
	return c.rlk
}

// CanDecrypt reports whether the context holds the secret key.
func (c *Context) CanDecrypt() bool {
	return c.decryptor != nil
}

// Encoder returns the context's encoder. Not safe for concurrent use; see
// Worker.
func (c *Context) Encoder() *ckks.Encoder {
	return c.encoder
}

// Evaluator returns the context's evaluator. Not safe for concurrent use;
// see Worker.
func (c *Context) Evaluator() *ckks.Evaluator {
	return c.evaluator
}

// Worker is a set of shallow copies of the context's encoder, encryptor,
// decryptor and evaluator. Each goroutine must use its own Worker.
type Worker struct {
	Params    ckks.Parameters
	Encoder   *ckks.Encoder
	Encryptor *rlwe.Encryptor
	Decryptor *rlwe.Decryptor
	Evaluator *ckks.Evaluator
}

func (c *Context) newWorker() *Worker {
	w := &Worker{
		Params:    c.params,
		Encoder:   c.encoder.ShallowCopy(),
		Encryptor: c.encryptor.ShallowCopy(),
		Evaluator: c.evaluator.ShallowCopy(),
	}
	if c.decryptor != nil {
		w.Decryptor = c.decryptor.ShallowCopy()
	}
	return w
}

// EncryptValues encodes values at the default scale and the maximum level
// and encrypts them. values must be []float64 or []complex128.
func (w *Worker) EncryptValues(values interface{}) (*rlwe.Ciphertext, error) {
	pt := ckks.NewPlaintext(w.Params, w.Params.MaxLevel())
	if err := w.Encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("error encoding values: %w", err)
	}
	ct, err := w.Encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("error encrypting values: %w", err)
	}
	return ct, nil
}

// DecryptValues decrypts ct and decodes it into values, which must be a
// []float64 or []complex128.
func (w *Worker) DecryptValues(ct *rlwe.Ciphertext, values interface{}) error {
	if w.Decryptor == nil {
		return ErrNoSecretKey
	}
	pt := w.Decryptor.DecryptNew(ct)
	if err := w.Encoder.Decode(pt, values); err != nil {
		return fmt.Errorf("error decoding values: %w", err)
	}
	return nil
}
