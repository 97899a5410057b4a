package server

import (
	"fmt"

	"github.com/halilibrahimkanpak/he_inference/packing"
)

// OpKind is the closed set of operations a Program may contain.
type OpKind int

const (
	OpAdd OpKind = iota
	OpMultiply
	OpDense
	OpPad
	OpRelu
	OpRelu6
	OpBoundedRelu
	OpMax
)

var opNames = map[OpKind]string{
	OpAdd:         "add",
	OpMultiply:    "multiply",
	OpDense:       "dense",
	OpPad:         "pad",
	OpRelu:        "relu",
	OpRelu6:       "relu6",
	OpBoundedRelu: "bounded_relu",
	OpMax:         "max",
}

func (k OpKind) String() string {
	if name, ok := opNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// ParseOpKind maps a configuration name to its OpKind.
func ParseOpKind(name string) (OpKind, error) {
	for k, n := range opNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: operation %q", packing.ErrUnsupported, name)
}

// Op is one step of a Program.
type Op struct {
	Kind OpKind
	// Constant is the row-major [batch] x positions operand of OpAdd and
	// OpMultiply.
	Constant []float64
	// Dense is the layer applied by OpDense.
	Dense *DenseLayer
	// PadBefore and PadAfter are the zero positions OpPad inserts.
	PadBefore int
	PadAfter  int
	// Alpha is the upper bound of OpBoundedRelu.
	Alpha float64
}

// Program is the computation the server evaluates on the client's
// encrypted input.
type Program struct {
	// InputShape is [batch] x rest. Its size divided by BatchSize is the
	// number of input ciphertexts.
	InputShape packing.Shape
	BatchSize  int
	Ops        []Op
	// ElementType is the precision add and multiply constants are stored
	// with before encoding.
	ElementType packing.ElementType
}

// InputPositions returns the number of input ciphertexts.
func (p *Program) InputPositions() int {
	if p.BatchSize < 1 {
		return 0
	}
	return p.InputShape.Size() / p.BatchSize
}

// Validate rejects programs that cannot be evaluated under the given
// packing mode. It returns the number of output positions.
func (p *Program) Validate(complexPacking bool) (int, error) {
	if p.BatchSize < 1 {
		return 0, fmt.Errorf("%w: batch size %d", packing.ErrUnsupported, p.BatchSize)
	}
	if n := p.InputShape.Size(); n == 0 || n%p.BatchSize != 0 {
		return 0, fmt.Errorf("%w: input shape %v does not split into batches of %d",
			packing.ErrSizeMismatch, p.InputShape, p.BatchSize)
	}
	positions := p.InputPositions()
	for idx, op := range p.Ops {
		var err error
		positions, err = op.validate(p.ElementType, positions, p.BatchSize, complexPacking)
		if err != nil {
			return 0, fmt.Errorf("op %d (%s): %w", idx, op.Kind, err)
		}
	}
	return positions, nil
}

func (op *Op) validate(et packing.ElementType, positions, batch int, complexPacking bool) (int, error) {
	switch op.Kind {
	case OpAdd, OpMultiply:
		if len(op.Constant) != positions*batch {
			return 0, fmt.Errorf("%w: constant has %d values, expected %d",
				packing.ErrSizeMismatch, len(op.Constant), positions*batch)
		}
		if op.Kind == OpMultiply && complexPacking {
			t, err := op.constantTensor(et, positions, batch)
			if err != nil {
				return 0, err
			}
			if !t.UniformAcrossBatch() {
				return 0, fmt.Errorf("%w: multiply constants must not vary across the batch with complex packing",
					packing.ErrUnsupported)
			}
		}
		return positions, nil
	case OpDense:
		if op.Dense == nil {
			return 0, fmt.Errorf("%w: missing dense layer", packing.ErrUnsupported)
		}
		if err := op.Dense.Validate(); err != nil {
			return 0, err
		}
		if op.Dense.In() != positions {
			return 0, fmt.Errorf("%w: dense layer takes %d inputs, got %d",
				packing.ErrSizeMismatch, op.Dense.In(), positions)
		}
		return op.Dense.Out(), nil
	case OpPad:
		if op.PadBefore < 0 || op.PadAfter < 0 {
			return 0, fmt.Errorf("%w: negative padding", packing.ErrUnsupported)
		}
		return positions + op.PadBefore + op.PadAfter, nil
	case OpRelu, OpRelu6:
		return positions, nil
	case OpBoundedRelu:
		if op.Alpha != 6 {
			return 0, fmt.Errorf("%w: bounded relu with alpha %g, only 6 is supported",
				packing.ErrUnsupported, op.Alpha)
		}
		return positions, nil
	case OpMax:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: operation %s", packing.ErrUnsupported, op.Kind)
	}
}

func (op *Op) constantTensor(et packing.ElementType, positions, batch int) (*packing.PlainTensor, error) {
	return packing.NewPlainTensorFromValues(et, packing.Shape{batch, positions}, batch, op.Constant)
}
