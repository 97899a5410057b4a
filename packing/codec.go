// Package packing maps batches of real values onto CKKS slot vectors and
// exposes plaintext and ciphertext tensors that gather and scatter their
// elements in the batch-strided layout used by the protocol.
package packing

import (
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/halilibrahimkanpak/he_inference/he"
)

var (
	// ErrSizeMismatch reports an element or byte count that does not match
	// the tensor it is applied to.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrUnsupported reports a configuration the codec cannot serve.
	ErrUnsupported = errors.New("unsupported configuration")
	// ErrParameterMismatch reports a ciphertext that was not produced under
	// the negotiated parameters.
	ErrParameterMismatch = errors.New("ciphertext does not match parameters")
)

// Codec packs batch-many real lanes into one slot vector. With complex
// packing two lanes share a complex slot.
type Codec struct {
	ctx     *he.Context
	batch   int
	complex bool
}

// NewCodec binds a codec to ctx and checks that batch lanes fit into the
// slots of its parameters.
func NewCodec(ctx *he.Context, batch int, complexPacking bool) (*Codec, error) {
	c := &Codec{ctx: ctx, batch: batch, complex: complexPacking}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the codec against its context parameters.
func (c *Codec) Validate() error {
	if c.batch < 1 {
		return fmt.Errorf("%w: batch size %d", ErrUnsupported, c.batch)
	}
	if slots, avail := c.Slots(c.batch), c.ctx.Params().MaxSlots(); slots > avail {
		return fmt.Errorf("%w: batch size %d needs %d slots, parameters provide %d",
			ErrUnsupported, c.batch, slots, avail)
	}
	return nil
}

// Context returns the bound context.
func (c *Codec) Context() *he.Context {
	return c.ctx
}

// Lanes returns the number of real values carried by one slot vector.
func (c *Codec) Lanes() int {
	return c.batch
}

// Complex reports whether complex packing is enabled.
func (c *Codec) Complex() bool {
	return c.complex
}

// PackFactor is 2 with complex packing and 1 otherwise.
func (c *Codec) PackFactor() int {
	if c.complex {
		return 2
	}
	return 1
}

// Slots returns the number of slots n lanes occupy.
func (c *Codec) Slots(n int) int {
	if c.complex {
		return (n + 1) / 2
	}
	return n
}

// PaddedLanes is the number of lanes a decrypted slot vector decodes to,
// Lanes rounded up to a whole number of slots.
func (c *Codec) PaddedLanes() int {
	return c.Slots(c.batch) * c.PackFactor()
}

// Pack maps values to the slot representation accepted by the encoder and
// the evaluator: []float64 for real packing, []complex128 otherwise.
func (c *Codec) Pack(values []float64) interface{} {
	if c.complex {
		return PackComplex(values)
	}
	return values
}

// Unpack is the inverse of Pack and returns the first n lanes.
func (c *Codec) Unpack(slots interface{}, n int) ([]float64, error) {
	switch s := slots.(type) {
	case []complex128:
		return UnpackComplex(s, n), nil
	case []float64:
		if len(s) < n {
			return nil, fmt.Errorf("%w: %d slots for %d lanes", ErrSizeMismatch, len(s), n)
		}
		out := make([]float64, n)
		copy(out, s)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: slot type %T", ErrUnsupported, slots)
	}
}

// PackComplex stores the first half (rounded up) of values in the real
// parts and the rest in the imaginary parts.
func PackComplex(values []float64) []complex128 {
	half := (len(values) + 1) / 2
	out := make([]complex128, half)
	for i := 0; i < half; i++ {
		var im float64
		if half+i < len(values) {
			im = values[half+i]
		}
		out[i] = complex(values[i], im)
	}
	return out
}

// UnpackComplex concatenates the real parts and the imaginary parts of
// slots and truncates the result to n values.
func UnpackComplex(slots []complex128, n int) []float64 {
	out := make([]float64, 0, 2*len(slots))
	for _, v := range slots {
		out = append(out, real(v))
	}
	for _, v := range slots {
		out = append(out, imag(v))
	}
	if n < len(out) {
		out = out[:n]
	}
	return out
}

// Encode packs and encodes values into a plaintext at the maximum level
// and default scale.
func (c *Codec) Encode(w *he.Worker, values []float64) (*rlwe.Plaintext, error) {
	pt := ckks.NewPlaintext(w.Params, w.Params.MaxLevel())
	if err := w.Encoder.Encode(c.Pack(values), pt); err != nil {
		return nil, fmt.Errorf("error encoding lanes: %w", err)
	}
	return pt, nil
}

// Decode returns the first n lanes of pt.
func (c *Codec) Decode(w *he.Worker, pt *rlwe.Plaintext, n int) ([]float64, error) {
	slots := c.newSlots(n)
	if err := w.Encoder.Decode(pt, slots); err != nil {
		return nil, fmt.Errorf("error decoding lanes: %w", err)
	}
	return c.Unpack(slots, n)
}

// Encrypt encrypts a plaintext produced by Encode.
func (c *Codec) Encrypt(w *he.Worker, pt *rlwe.Plaintext) (*rlwe.Ciphertext, error) {
	ct, err := w.Encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("error encrypting lanes: %w", err)
	}
	return ct, nil
}

// Decrypt decrypts ct. It fails with he.ErrNoSecretKey on a server context
// and with ErrParameterMismatch if ct does not fit the worker parameters.
func (c *Codec) Decrypt(w *he.Worker, ct *rlwe.Ciphertext) (*rlwe.Plaintext, error) {
	if w.Decryptor == nil {
		return nil, he.ErrNoSecretKey
	}
	if err := CheckCiphertext(w.Params, ct); err != nil {
		return nil, err
	}
	return w.Decryptor.DecryptNew(ct), nil
}

// CheckCiphertexts runs CheckCiphertext on every element of cts against
// the codec parameters.
func (c *Codec) CheckCiphertexts(cts []*rlwe.Ciphertext) error {
	params := c.ctx.Params()
	for i, ct := range cts {
		if err := CheckCiphertext(params, ct); err != nil {
			return fmt.Errorf("ciphertext %d: %w", i, err)
		}
	}
	return nil
}

// CheckCiphertext verifies that ct has degree 1 or 2, a ring degree and
// level within params, and the slot layout the codec encodes with.
func CheckCiphertext(params ckks.Parameters, ct *rlwe.Ciphertext) error {
	if ct == nil || ct.MetaData == nil {
		return fmt.Errorf("%w: missing ciphertext or metadata", ErrParameterMismatch)
	}
	if deg := len(ct.Value) - 1; deg < 1 || deg > 2 {
		return fmt.Errorf("%w: degree %d", ErrParameterMismatch, deg)
	}
	level := ct.Value[0].Level()
	for i, p := range ct.Value {
		if p.N() != params.N() {
			return fmt.Errorf("%w: polynomial %d has ring degree %d, parameters use %d",
				ErrParameterMismatch, i, p.N(), params.N())
		}
		if p.Level() != level {
			return fmt.Errorf("%w: polynomial %d is at level %d, polynomial 0 at %d",
				ErrParameterMismatch, i, p.Level(), level)
		}
		for _, coeffs := range p.Coeffs {
			if len(coeffs) != params.N() {
				return fmt.Errorf("%w: polynomial %d has ragged coefficients", ErrParameterMismatch, i)
			}
		}
	}
	if level < 0 || level > params.MaxLevel() {
		return fmt.Errorf("%w: level %d, parameters allow at most %d",
			ErrParameterMismatch, level, params.MaxLevel())
	}
	if dims := params.LogMaxDimensions(); ct.LogDimensions != dims {
		return fmt.Errorf("%w: log dimensions %v, parameters use %v",
			ErrParameterMismatch, ct.LogDimensions, dims)
	}
	return nil
}

// EncryptLanes packs, encodes and encrypts values.
func (c *Codec) EncryptLanes(w *he.Worker, values []float64) (*rlwe.Ciphertext, error) {
	pt, err := c.Encode(w, values)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(w, pt)
}

// DecryptLanes decrypts ct and returns its first n lanes.
func (c *Codec) DecryptLanes(w *he.Worker, ct *rlwe.Ciphertext, n int) ([]float64, error) {
	pt, err := c.Decrypt(w, ct)
	if err != nil {
		return nil, err
	}
	return c.Decode(w, pt, n)
}

func (c *Codec) newSlots(n int) interface{} {
	if c.complex {
		return make([]complex128, c.Slots(n))
	}
	return make([]float64, n)
}
