package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/tuneinsight/lattigo/v6/utils/buffer"
)

// HeaderSize is the size of the frame header: type, count and element
// size as little-endian uint64 values.
const HeaderSize = 24

// DefaultMaxFrameSize bounds the payload a reader accepts.
const DefaultMaxFrameSize = 1 << 32

func frameSize(count, elementSize uint64) (uint64, bool) {
	hi, lo := bits.Mul64(count, elementSize)
	return lo, hi == 0
}

// WriteFrame writes msg to w without flushing.
func WriteFrame(w buffer.Writer, msg *Message) (n int64, err error) {
	if err = msg.Validate(); err != nil {
		return 0, err
	}
	for _, v := range []uint64{uint64(msg.Type), msg.Count, msg.ElementSize} {
		inc, err := buffer.WriteUint64(w, v)
		n += inc
		if err != nil {
			return n, fmt.Errorf("error writing %s header: %w", msg.Type, err)
		}
	}
	inc, err := buffer.Write(w, msg.Payload)
	n += inc
	if err != nil {
		return n, fmt.Errorf("error writing %s payload: %w", msg.Type, err)
	}
	return n, nil
}

// ReadFrame reads one frame from r. It returns io.EOF if r ends cleanly
// before a frame starts. Frames with an unknown type are returned as is.
func ReadFrame(r buffer.Reader, maxFrameSize uint64) (*Message, int64, error) {
	if _, err := r.Peek(HeaderSize); err != nil {
		if errors.Is(err, io.EOF) {
			if head, _ := r.Peek(1); len(head) == 0 {
				return nil, 0, io.EOF
			}
			return nil, 0, fmt.Errorf("%w: truncated header: %w", ErrFraming, io.ErrUnexpectedEOF)
		}
		return nil, 0, err
	}
	var header [3]uint64
	for i := range header {
		if _, err := buffer.ReadUint64(r, &header[i]); err != nil {
			return nil, 0, fmt.Errorf("%w: reading header: %w", ErrFraming, err)
		}
	}
	msg := &Message{
		Type:        MessageType(header[0]),
		Count:       header[1],
		ElementSize: header[2],
	}
	if err := checkHeader(msg.Count, msg.ElementSize); err != nil {
		return nil, HeaderSize, fmt.Errorf("%w: %s: %w", ErrFraming, msg.Type, err)
	}
	size, ok := frameSize(msg.Count, msg.ElementSize)
	if !ok || size > maxFrameSize || size > math.MaxInt64 {
		return nil, HeaderSize, fmt.Errorf("%w: %s frame of %d x %d bytes exceeds limit %d",
			ErrFraming, msg.Type, msg.Count, msg.ElementSize, maxFrameSize)
	}

	// Grows with the bytes received, not with the declared size.
	var payload bytes.Buffer
	n, err := io.CopyN(&payload, r, int64(size))
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, HeaderSize + n, fmt.Errorf("%w: %s payload: read %d of %d bytes: %w",
			ErrFraming, msg.Type, n, size, err)
	}
	msg.Payload = payload.Bytes()
	return msg, HeaderSize + n, nil
}

var errEmptyElements = errors.New("non-empty frame with zero element size")

// checkHeader rejects counts that do not describe any payload bytes.
func checkHeader(count, elementSize uint64) error {
	if count > 0 && elementSize == 0 {
		return fmt.Errorf("%w: count %d", errEmptyElements, count)
	}
	return nil
}
