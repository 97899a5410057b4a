package client

import (
	"fmt"

	"github.com/halilibrahimkanpak/he_inference/wire"
)

// State is the protocol state of a client session.
type State int

const (
	Connecting State = iota
	AwaitingParameters
	KeyExchange
	AwaitingWork
	HandlingRequest
	Done
)

var stateNames = [...]string{
	Connecting:         "connecting",
	AwaitingParameters: "awaiting-parameters",
	KeyExchange:        "key-exchange",
	AwaitingWork:       "awaiting-work",
	HandlingRequest:    "handling-request",
	Done:               "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// accepts reports whether a message of type t is handled in state s.
func (s State) accepts(t wire.MessageType) bool {
	if t == wire.None {
		return s != Done
	}
	switch s {
	case Connecting, AwaitingParameters:
		return t == wire.EncryptionParameters
	case KeyExchange:
		return t == wire.ParameterSize
	case AwaitingWork:
		switch t {
		case wire.ReluRequest, wire.Relu6Request, wire.MaxRequest, wire.Result:
			return true
		}
	}
	return false
}

// Status tells how a finished session ended.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Activation is an elementwise function the server delegates to the
// client.
type Activation int

const (
	Relu Activation = iota
	Relu6
)

func (a Activation) String() string {
	switch a {
	case Relu:
		return "relu"
	case Relu6:
		return "relu6"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// Apply evaluates the activation on x.
func (a Activation) Apply(x float64) float64 {
	if a == Relu6 && x > 6 {
		return 6
	}
	if x > 0 {
		return x
	}
	return 0
}

func activationFor(t wire.MessageType) (Activation, bool) {
	switch t {
	case wire.ReluRequest:
		return Relu, true
	case wire.Relu6Request:
		return Relu6, true
	default:
		return 0, false
	}
}
