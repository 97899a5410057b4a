package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/halilibrahimkanpak/he_inference/he"
	"github.com/halilibrahimkanpak/he_inference/packing"
	"github.com/halilibrahimkanpak/he_inference/timing"
	"github.com/halilibrahimkanpak/he_inference/wire"
)

// ErrProtocol reports a peer message that breaks the protocol order.
var ErrProtocol = errors.New("protocol error")

// Session serves one client connection.
type Session struct {
	program        *Program
	params         ckks.Parameters
	complexPacking bool
	log            *log.Logger
	verbose        bool
	timing         *timing.Timing

	conn  *wire.Conn
	he    *he.Context
	codec *packing.Codec
}

// Serve runs the protocol on conn: it sends the encryption parameters,
// receives the client's keys, asks for the input, evaluates the program
// and returns the result. It waits for the client to close the connection
// before returning.
func (s *Session) Serve(ctx context.Context, conn *wire.Conn) (err error) {
	s.conn = conn
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	defer func() {
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}()

	if s.verbose {
		fp, err := he.Fingerprint(s.params)
		if err != nil {
			return err
		}
		s.log.Printf("sending parameters %s", fp)
	}
	paramsMsg, err := wire.NewObjectMessage(wire.EncryptionParameters, s.params)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(paramsMsg); err != nil {
		return err
	}
	if err := s.receiveKeys(); err != nil {
		return err
	}

	positions := s.program.InputPositions()
	if err := conn.WriteMessage(wire.NewScalarMessage(wire.ParameterSize, uint64(positions))); err != nil {
		return err
	}
	msg, err := s.expect(wire.Execute)
	if err != nil {
		return err
	}
	cts, err := msg.Ciphertexts()
	if err != nil {
		return err
	}
	if err := s.codec.CheckCiphertexts(cts); err != nil {
		return err
	}
	if len(cts) != positions {
		return fmt.Errorf("%w: execute carries %d ciphertexts, expected %d", packing.ErrSizeMismatch, len(cts), positions)
	}

	for idx := range s.program.Ops {
		op := &s.program.Ops[idx]
		done := s.timing.Measure(op.Kind.String())
		cts, err = s.apply(ctx, op, cts)
		done()
		if err != nil {
			return fmt.Errorf("op %d (%s): %w", idx, op.Kind, err)
		}
	}

	result, err := wire.NewCiphertextMessage(wire.Result, cts)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(result); err != nil {
		return err
	}
	return s.drain()
}

func (s *Session) receiveKeys() error {
	var pk *rlwe.PublicKey
	var rlk *rlwe.RelinearizationKey
	for pk == nil || rlk == nil {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.PublicKey:
			pk = rlwe.NewPublicKey(s.params)
			if err := msg.Decode(pk); err != nil {
				return err
			}
		case wire.EvalKey:
			rlk = rlwe.NewRelinearizationKey(s.params)
			if err := msg.Decode(rlk); err != nil {
				return err
			}
		default:
			s.log.Printf("ignoring %s while waiting for keys", msg.Type)
		}
	}
	ctx, err := he.NewServerContext(s.params, pk, rlk)
	if err != nil {
		return err
	}
	codec, err := packing.NewCodec(ctx, s.program.BatchSize, s.complexPacking)
	if err != nil {
		return err
	}
	s.he = ctx
	s.codec = codec
	return nil
}

// expect reads the next message of type t, skipping unknown types.
func (s *Session) expect(t wire.MessageType) (*wire.Message, error) {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: connection closed while waiting for %s", ErrProtocol, t)
			}
			return nil, err
		}
		if msg.Type == t {
			if s.verbose {
				s.log.Printf("received %s", msg)
			}
			return msg, nil
		}
		if msg.Type.Valid() {
			return nil, fmt.Errorf("%w: received %s while waiting for %s", ErrProtocol, msg.Type, t)
		}
		s.log.Printf("ignoring unknown message type %s", msg.Type)
	}
}

// delegate sends cts to the client under request and returns its answer.
func (s *Session) delegate(request, response wire.MessageType, cts []*rlwe.Ciphertext) ([]*rlwe.Ciphertext, error) {
	msg, err := wire.NewCiphertextMessage(request, cts)
	if err != nil {
		return nil, err
	}
	if err := s.conn.WriteMessage(msg); err != nil {
		return nil, err
	}
	reply, err := s.expect(response)
	if err != nil {
		return nil, err
	}
	out, err := reply.Ciphertexts()
	if err != nil {
		return nil, err
	}
	if err := s.codec.CheckCiphertexts(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) apply(ctx context.Context, op *Op, cts []*rlwe.Ciphertext) ([]*rlwe.Ciphertext, error) {
	eval := &evaluator{ctx: s.he, codec: s.codec, elements: s.program.ElementType}
	switch op.Kind {
	case OpAdd:
		return eval.add(ctx, cts, op)
	case OpMultiply:
		return eval.multiply(ctx, cts, op)
	case OpDense:
		return eval.dense(ctx, cts, op.Dense)
	case OpPad:
		return eval.pad(ctx, cts, op.PadBefore, op.PadAfter)
	case OpRelu:
		return s.delegateElementwise(wire.ReluRequest, cts)
	case OpRelu6, OpBoundedRelu:
		return s.delegateElementwise(wire.Relu6Request, cts)
	case OpMax:
		out, err := s.delegate(wire.MaxRequest, wire.MaxResult, cts)
		if err != nil {
			return nil, err
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("%w: max result carries %d ciphertexts", packing.ErrSizeMismatch, len(out))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: operation %s", packing.ErrUnsupported, op.Kind)
	}
}

func (s *Session) delegateElementwise(request wire.MessageType, cts []*rlwe.Ciphertext) ([]*rlwe.Ciphertext, error) {
	out, err := s.delegate(request, wire.ReluResult, cts)
	if err != nil {
		return nil, err
	}
	if len(out) != len(cts) {
		return nil, fmt.Errorf("%w: relu result carries %d ciphertexts, expected %d",
			packing.ErrSizeMismatch, len(out), len(cts))
	}
	return out, nil
}

// drain discards messages until the client closes the connection.
func (s *Session) drain() error {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		s.log.Printf("ignoring %s after result", msg.Type)
	}
}
