// Package wire implements the framed messages exchanged between the
// inference client and server.
package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// ErrFraming reports a malformed or truncated frame. It is fatal for the
// connection.
var ErrFraming = errors.New("framing error")

// MessageType is the closed set of message kinds.
type MessageType uint64

const (
	ParameterSize MessageType = iota
	EncryptionParameters
	PublicKey
	EvalKey
	Execute
	Result
	ResultRequest
	ReluRequest
	Relu6Request
	ReluResult
	MaxRequest
	MaxResult
	MinimumRequest
	MinimumResult
	ParameterShapeRequest
	None

	numMessageTypes
)

var messageTypeNames = [...]string{
	ParameterSize:         "parameter_size",
	EncryptionParameters:  "encryption_parameters",
	PublicKey:             "public_key",
	EvalKey:               "eval_key",
	Execute:               "execute",
	Result:                "result",
	ResultRequest:         "result_request",
	ReluRequest:           "relu_request",
	Relu6Request:          "relu6_request",
	ReluResult:            "relu_result",
	MaxRequest:            "max_request",
	MaxResult:             "max_result",
	MinimumRequest:        "minimum_request",
	MinimumResult:         "minimum_result",
	ParameterShapeRequest: "parameter_shape_request",
	None:                  "none",
}

// Valid reports whether t belongs to the closed set.
func (t MessageType) Valid() bool {
	return t < numMessageTypes
}

func (t MessageType) String() string {
	if t.Valid() {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint64(t))
}

// ParseMessageType maps a message type name to its MessageType.
func ParseMessageType(name string) (MessageType, error) {
	for t, n := range messageTypeNames {
		if n == name {
			return MessageType(t), nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

// Message is one frame: a type, a count of equally sized elements and
// their concatenated serialization.
type Message struct {
	Type        MessageType
	Count       uint64
	ElementSize uint64
	Payload     []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%d x %d bytes]", m.Type, m.Count, m.ElementSize)
}

// Validate checks that the payload length matches count*element_size.
func (m *Message) Validate() error {
	if err := checkHeader(m.Count, m.ElementSize); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFraming, m.Type, err)
	}
	size, ok := frameSize(m.Count, m.ElementSize)
	if !ok || uint64(len(m.Payload)) != size {
		return fmt.Errorf("%w: %s: payload is %d bytes, header declares %d x %d",
			ErrFraming, m.Type, len(m.Payload), m.Count, m.ElementSize)
	}
	return nil
}

// NewScalarMessage carries a single uint64, as used by parameter_size and
// control messages.
func NewScalarMessage(t MessageType, v uint64) *Message {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, v)
	return &Message{Type: t, Count: 1, ElementSize: 8, Payload: payload}
}

// NewControlMessage is a scalar message with a zero value.
func NewControlMessage(t MessageType) *Message {
	return NewScalarMessage(t, 0)
}

// NewObjectMessage carries one serialized object such as parameters or a
// key.
func NewObjectMessage(t MessageType, obj encoding.BinaryMarshaler) (*Message, error) {
	data, err := obj.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("error marshaling %s: %w", t, err)
	}
	return &Message{Type: t, Count: 1, ElementSize: uint64(len(data)), Payload: data}, nil
}

// NewCiphertextMessage carries cts in order. All ciphertexts must share
// one serialized size.
func NewCiphertextMessage(t MessageType, cts []*rlwe.Ciphertext) (*Message, error) {
	msg := &Message{Type: t, Count: uint64(len(cts))}
	for i, ct := range cts {
		data, err := ct.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("error marshaling %s ciphertext %d: %w", t, i, err)
		}
		if i == 0 {
			msg.ElementSize = uint64(len(data))
			msg.Payload = make([]byte, 0, len(data)*len(cts))
		} else if uint64(len(data)) != msg.ElementSize {
			return nil, fmt.Errorf("%s ciphertext %d is %d bytes, expected %d",
				t, i, len(data), msg.ElementSize)
		}
		msg.Payload = append(msg.Payload, data...)
	}
	return msg, nil
}

// Element returns the i-th serialized element.
func (m *Message) Element(i int) ([]byte, error) {
	if i < 0 || uint64(i) >= m.Count {
		return nil, fmt.Errorf("%s: element %d out of range [0, %d)", m.Type, i, m.Count)
	}
	start := uint64(i) * m.ElementSize
	end := start + m.ElementSize
	if end > uint64(len(m.Payload)) {
		return nil, fmt.Errorf("%w: %s: element %d exceeds payload", ErrFraming, m.Type, i)
	}
	return m.Payload[start:end], nil
}

// Scalar returns the value of a scalar message.
func (m *Message) Scalar() (uint64, error) {
	data, err := m.Element(0)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("%s: scalar element is %d bytes", m.Type, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Decode unmarshals the single element of an object message into obj.
func (m *Message) Decode(obj encoding.BinaryUnmarshaler) error {
	data, err := m.Element(0)
	if err != nil {
		return err
	}
	if err := obj.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("error unmarshaling %s: %w", m.Type, err)
	}
	return nil
}

// Ciphertexts unmarshals every element as a ciphertext. The message must
// pass Validate.
func (m *Message) Ciphertexts() ([]*rlwe.Ciphertext, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	cts := make([]*rlwe.Ciphertext, m.Count)
	for i := range cts {
		data, err := m.Element(i)
		if err != nil {
			return nil, err
		}
		ct := new(rlwe.Ciphertext)
		if err := ct.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("error unmarshaling %s ciphertext %d: %w", m.Type, i, err)
		}
		cts[i] = ct
	}
	return cts, nil
}
