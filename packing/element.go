package packing

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ElementType is the scalar type of a tensor's raw byte representation.
type ElementType int

const (
	Float32 ElementType = iota
	Float64
)

// Size returns the byte width of one element.
func (et ElementType) Size() int {
	switch et {
	case Float64:
		return 8
	default:
		return 4
	}
}

func (et ElementType) String() string {
	switch et {
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	default:
		return fmt.Sprintf("ElementType(%d)", int(et))
	}
}

// ParseElementType maps a configuration name to an ElementType.
func ParseElementType(name string) (ElementType, error) {
	switch name {
	case "f32", "float32", "":
		return Float32, nil
	case "f64", "float64":
		return Float64, nil
	default:
		return 0, fmt.Errorf("%w: element type %q", ErrUnsupported, name)
	}
}

func (et ElementType) get(buf []byte, i int) float64 {
	switch et {
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	default:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
	}
}

func (et ElementType) put(buf []byte, i int, v float64) {
	switch et {
	case Float64:
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	default:
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
}

// EncodeFloats returns the little-endian byte representation of values.
func EncodeFloats(et ElementType, values []float64) []byte {
	buf := make([]byte, len(values)*et.Size())
	for i, v := range values {
		et.put(buf, i, v)
	}
	return buf
}

// DecodeFloats is the inverse of EncodeFloats. Trailing partial elements
// are ignored.
func DecodeFloats(et ElementType, buf []byte) []float64 {
	out := make([]float64, len(buf)/et.Size())
	for i := range out {
		out[i] = et.get(buf, i)
	}
	return out
}
