package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/halilibrahimkanpak/he_inference/he"
	"github.com/halilibrahimkanpak/he_inference/packing"
	"github.com/halilibrahimkanpak/he_inference/wire"
)

const tolerance = 1e-3

func compareFloatSlices(t *testing.T, actual, expected []float64, description string) {
	t.Helper()
	if len(actual) != len(expected) {
		t.Errorf("%s: length mismatch: got %d, want %d", description, len(actual), len(expected))
		return
	}
	for i := range actual {
		if math.Abs(actual[i]-expected[i]) > tolerance {
			t.Errorf("%s at index %d: got %f, want %f", description, i, actual[i], expected[i])
		}
	}
}

func newTestClient(t *testing.T, batch int, complexPacking bool, inputs []float64) *Client {
	t.Helper()
	c, err := New(Config{
		BatchSize:      batch,
		ComplexPacking: complexPacking,
		Logger:         log.New(io.Discard, "", 0),
	}, inputs)
	require.NoError(t, err)
	return c
}

// negotiate feeds encryption parameters and a parameter size to c and
// returns the execute message.
func negotiate(t *testing.T, c *Client, size uint64) *wire.Message {
	t.Helper()
	params, err := he.NewParameters(he.TestSet)
	require.NoError(t, err)

	msg, err := wire.NewObjectMessage(wire.EncryptionParameters, params)
	require.NoError(t, err)
	replies, err := c.HandleMessage(msg)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	require.Equal(t, wire.PublicKey, replies[0].Type)
	require.Equal(t, wire.EvalKey, replies[1].Type)
	require.Equal(t, KeyExchange, c.State())

	replies, err = c.HandleMessage(wire.NewScalarMessage(wire.ParameterSize, size))
	require.NoError(t, err)
	require.Len(t, replies, 1)
	require.Equal(t, wire.Execute, replies[0].Type)
	require.Equal(t, size, replies[0].Count)
	require.Equal(t, AwaitingWork, c.State())
	return replies[0]
}

func encryptLanes(t *testing.T, c *Client, lanes ...[]float64) []*rlwe.Ciphertext {
	t.Helper()
	cts := make([]*rlwe.Ciphertext, len(lanes))
	w := c.he.AcquireWorker()
	defer c.he.ReleaseWorker(w)
	for i, values := range lanes {
		var err error
		cts[i], err = c.codec.EncryptLanes(w, values)
		require.NoError(t, err)
	}
	return cts
}

func decryptMessage(t *testing.T, c *Client, msg *wire.Message) [][]float64 {
	t.Helper()
	cts, err := msg.Ciphertexts()
	require.NoError(t, err)
	w := c.he.AcquireWorker()
	defer c.he.ReleaseWorker(w)
	out := make([][]float64, len(cts))
	for i, ct := range cts {
		out[i], err = c.codec.DecryptLanes(w, ct, c.codec.Lanes())
		require.NoError(t, err)
	}
	return out
}

func request(t *testing.T, c *Client, mt wire.MessageType, cts []*rlwe.Ciphertext) *wire.Message {
	t.Helper()
	msg, err := wire.NewCiphertextMessage(mt, cts)
	require.NoError(t, err)
	replies, err := c.HandleMessage(msg)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	require.Equal(t, AwaitingWork, c.State())
	return replies[0]
}

func TestActivations(t *testing.T) {
	for _, tc := range []struct {
		act  Activation
		in   float64
		want float64
	}{
		{Relu, -1, 0},
		{Relu, -0.2, 0},
		{Relu, 3, 3},
		{Relu6, 7, 6},
		{Relu6, -3, 0},
		{Relu6, 3, 3},
		{Relu6, 6, 6},
	} {
		require.Equal(t, tc.want, tc.act.Apply(tc.in), "%s(%g)", tc.act, tc.in)
	}
	require.Equal(t, 0.0, Relu.Apply(math.NaN()))

	act, ok := activationFor(wire.Relu6Request)
	require.True(t, ok)
	require.Equal(t, Relu6, act)
	_, ok = activationFor(wire.MaxRequest)
	require.False(t, ok)
}

func TestNewRejectsBatchSize(t *testing.T) {
	_, err := New(Config{BatchSize: 0}, nil)
	require.Error(t, err)
}

func TestExecutePositionMajor(t *testing.T) {
	c := newTestClient(t, 2, false, []float64{1, 2, 3})
	execute := negotiate(t, c, 2)

	lanes := decryptMessage(t, c, execute)
	compareFloatSlices(t, lanes[0], []float64{1, 2}, "chunk 0")
	compareFloatSlices(t, lanes[1], []float64{3, 0}, "chunk 1")
}

func TestReluRequest(t *testing.T) {
	for _, complexPacking := range []bool{false, true} {
		c := newTestClient(t, 3, complexPacking, nil)
		negotiate(t, c, 1)

		cts := encryptLanes(t, c, []float64{-1, -0.2, 3}, []float64{0.5, -7, 8})
		reply := request(t, c, wire.ReluRequest, cts)
		require.Equal(t, wire.ReluResult, reply.Type)

		out := decryptMessage(t, c, reply)
		require.Len(t, out, 2)
		compareFloatSlices(t, out[0], []float64{0, 0, 3}, "relu 0")
		compareFloatSlices(t, out[1], []float64{0.5, 0, 8}, "relu 1")

		reply = request(t, c, wire.Relu6Request, cts)
		require.Equal(t, wire.ReluResult, reply.Type)
		out = decryptMessage(t, c, reply)
		compareFloatSlices(t, out[0], []float64{0, 0, 3}, "relu6 0")
		compareFloatSlices(t, out[1], []float64{0.5, 0, 6}, "relu6 1")
	}
}

func TestMaxRequest(t *testing.T) {
	for _, complexPacking := range []bool{false, true} {
		c := newTestClient(t, 3, complexPacking, nil)
		negotiate(t, c, 1)

		a := []float64{1, -5, 0}
		b := []float64{-2, -4, 9}
		d := []float64{0.5, -6, 3}
		want := []float64{1, -4, 9}

		for _, order := range [][][]float64{{a, b, d}, {d, a, b}, {b, d, a}} {
			reply := request(t, c, wire.MaxRequest, encryptLanes(t, c, order...))
			require.Equal(t, wire.MaxResult, reply.Type)
			require.Equal(t, uint64(1), reply.Count)
			compareFloatSlices(t, decryptMessage(t, c, reply)[0], want, "max")
		}
	}
}

func TestResultCompletesSession(t *testing.T) {
	c := newTestClient(t, 2, true, nil)
	negotiate(t, c, 1)

	_, err := c.Results()
	require.ErrorIs(t, err, ErrNotDone)
	require.Equal(t, StatusPending, c.Status())
	require.False(t, c.IsDone())

	msg, err := wire.NewCiphertextMessage(wire.Result, encryptLanes(t, c, []float64{1.5, -2}, []float64{3, 4}))
	require.NoError(t, err)
	replies, err := c.HandleMessage(msg)
	require.NoError(t, err)
	require.Empty(t, replies)

	require.True(t, c.IsDone())
	require.Equal(t, Done, c.State())
	require.Equal(t, StatusOK, c.Status())
	results, err := c.Results()
	require.NoError(t, err)
	compareFloatSlices(t, results, []float64{1.5, -2, 3, 4}, "results")

	// Completion is permanent.
	replies, err = c.HandleMessage(wire.NewControlMessage(wire.None))
	require.NoError(t, err)
	require.Empty(t, replies)
	require.Equal(t, StatusOK, c.Status())
	require.NoError(t, c.Wait(context.Background()))
}

func TestNoneCompletesSession(t *testing.T) {
	c := newTestClient(t, 1, false, nil)
	replies, err := c.HandleMessage(wire.NewControlMessage(wire.None))
	require.NoError(t, err)
	require.Empty(t, replies)
	require.Equal(t, StatusOK, c.Status())
	results, err := c.Results()
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestUnknownMessagesAreIgnored(t *testing.T) {
	c := newTestClient(t, 2, false, []float64{1, 2})
	unknown := &wire.Message{Type: wire.MessageType(77), Count: 1, ElementSize: 1, Payload: []byte{0}}
	unhandled := []*wire.Message{
		unknown,
		wire.NewControlMessage(wire.MinimumRequest),
		wire.NewControlMessage(wire.ParameterShapeRequest),
		wire.NewControlMessage(wire.ResultRequest),
	}
	check := func(want State) {
		t.Helper()
		for _, msg := range unhandled {
			replies, err := c.HandleMessage(msg)
			require.NoError(t, err)
			require.Empty(t, replies)
			require.Equal(t, want, c.State())
			require.False(t, c.IsDone())
		}
	}

	check(Connecting)
	// parameter_size before the parameters is out of order.
	replies, err := c.HandleMessage(wire.NewScalarMessage(wire.ParameterSize, 1))
	require.NoError(t, err)
	require.Empty(t, replies)

	params, err := he.NewParameters(he.TestSet)
	require.NoError(t, err)
	msg, err := wire.NewObjectMessage(wire.EncryptionParameters, params)
	require.NoError(t, err)
	_, err = c.HandleMessage(msg)
	require.NoError(t, err)
	check(KeyExchange)

	_, err = c.HandleMessage(wire.NewScalarMessage(wire.ParameterSize, 1))
	require.NoError(t, err)
	check(AwaitingWork)
}

func TestOversizedParameterSizeIsFatal(t *testing.T) {
	c := newTestClient(t, 2, false, nil)
	params, err := he.NewParameters(he.TestSet)
	require.NoError(t, err)
	msg, err := wire.NewObjectMessage(wire.EncryptionParameters, params)
	require.NoError(t, err)
	_, err = c.HandleMessage(msg)
	require.NoError(t, err)

	_, err = c.HandleMessage(wire.NewScalarMessage(wire.ParameterSize, MaxParameterSize+1))
	require.Error(t, err)
	require.True(t, c.IsDone())
	require.Equal(t, StatusError, c.Status())
	_, err = c.Results()
	require.Error(t, err)
}

func TestEmptyElementsAreFatal(t *testing.T) {
	c := newTestClient(t, 2, false, nil)
	negotiate(t, c, 1)

	require.NotPanics(t, func() {
		_, err := c.HandleMessage(&wire.Message{Type: wire.ReluRequest, Count: 1 << 62})
		require.ErrorIs(t, err, wire.ErrFraming)
	})
	require.True(t, c.IsDone())
	require.Equal(t, StatusError, c.Status())
	require.ErrorIs(t, c.Err(), wire.ErrFraming)
}

func TestForeignCiphertextIsFatal(t *testing.T) {
	params, err := he.NewParameters(he.DefaultSet)
	require.NoError(t, err)
	foreign := he.NewClientContext(params)

	for _, count := range []int{1, 2} {
		c := newTestClient(t, 2, false, nil)
		negotiate(t, c, 1)

		cts := make([]*rlwe.Ciphertext, count)
		require.NoError(t, foreign.WithWorker(func(w *he.Worker) (err error) {
			for i := range cts {
				if cts[i], err = w.EncryptValues([]float64{1, -1}); err != nil {
					return err
				}
			}
			return nil
		}))
		msg, err := wire.NewCiphertextMessage(wire.ReluRequest, cts)
		require.NoError(t, err)

		require.NotPanics(t, func() {
			_, err = c.HandleMessage(msg)
		})
		require.ErrorIs(t, err, packing.ErrParameterMismatch)
		require.True(t, c.IsDone())
		require.Equal(t, StatusError, c.Status())
	}
}

type readOnlyConn struct {
	io.Reader
}

func (readOnlyConn) Write(p []byte) (int, error) {
	return len(p), nil
}

func (readOnlyConn) Close() error {
	return nil
}

func TestFramingErrorEndsSession(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	_, err := wire.WriteFrame(w, &wire.Message{Type: wire.Result, Count: 4, ElementSize: 16, Payload: make([]byte, 64)})
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	truncated := buf.Bytes()[:wire.HeaderSize+10]

	c := newTestClient(t, 1, false, nil)
	err = c.Run(context.Background(), wire.NewConn(readOnlyConn{bytes.NewReader(truncated)}))
	require.ErrorIs(t, err, wire.ErrFraming)
	require.True(t, c.IsDone())
	require.Equal(t, StatusError, c.Status())
	require.ErrorIs(t, c.Err(), wire.ErrFraming)
	_, err = c.Results()
	require.ErrorIs(t, err, wire.ErrFraming)
}

func TestPeerCloseEndsSession(t *testing.T) {
	a, b := wire.Pipe()
	c := newTestClient(t, 1, false, nil)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Run(context.Background(), b)
	}()
	require.NoError(t, a.Close())
	require.ErrorIs(t, <-errc, io.ErrUnexpectedEOF)
	require.Equal(t, StatusError, c.Status())
}

func TestRunCancel(t *testing.T) {
	_, b := wire.Pipe()
	c := newTestClient(t, 1, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- c.Run(ctx, b)
	}()
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.ErrorIs(t, c.Wait(context.Background()), context.Canceled)
}
