package server

import (
	"context"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/halilibrahimkanpak/he_inference/client"
	"github.com/halilibrahimkanpak/he_inference/he"
	"github.com/halilibrahimkanpak/he_inference/packing"
	"github.com/halilibrahimkanpak/he_inference/wire"
)

const tolerance = 1e-3

var discard = log.New(io.Discard, "", 0)

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

func newTestServer(t *testing.T, program *Program, complexPacking bool) *Server {
	t.Helper()
	srv, err := New(Config{
		Program:        program,
		ParameterSet:   he.TestSet,
		ComplexPacking: complexPacking,
		Logger:         discard,
	})
	require.NoError(t, err)
	return srv
}

// runTCP serves program on a loopback listener and runs one client
// against it.
func runTCP(t *testing.T, program *Program, complexPacking bool, inputs []float64) []float64 {
	t.Helper()
	srv := newTestServer(t, program, complexPacking)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ln, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	serveCtx, stopServe := context.WithCancel(ctx)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(serveCtx, ln)
	}()

	c, err := client.Dial(ctx, ln.Addr().String(), client.Config{
		BatchSize:      program.BatchSize,
		ComplexPacking: complexPacking,
		Logger:         discard,
	}, inputs)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))
	require.Equal(t, client.StatusOK, c.Status())

	results, err := c.Results()
	require.NoError(t, err)

	stopServe()
	require.NoError(t, <-serveErr)
	return results
}

// runPipe runs one session over an in-memory pipe.
func runPipe(t *testing.T, program *Program, complexPacking bool, inputs []float64) []float64 {
	t.Helper()
	srv := newTestServer(t, program, complexPacking)
	c, err := client.New(client.Config{
		BatchSize:      program.BatchSize,
		ComplexPacking: complexPacking,
		Logger:         discard,
	}, inputs)
	require.NoError(t, err)

	serverConn, clientConn := wire.Pipe()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ServeConn(context.Background(), serverConn)
	}()

	require.NoError(t, c.Run(context.Background(), clientConn))
	require.NoError(t, <-serveErr)

	results, err := c.Results()
	require.NoError(t, err)
	require.Equal(t, clientConn.Stats().Sent, serverConn.Stats().Received)
	return results
}

func TestAdd(t *testing.T) {
	program := &Program{
		InputShape: packing.Shape{1, 3},
		BatchSize:  1,
		Ops:        []Op{{Kind: OpAdd, Constant: []float64{1, 2, 3}}},
	}
	results := runTCP(t, program, false, []float64{0.1, 0.2, 0.3})
	compareFloatSlices(t, results, []float64{1.1, 2.2, 3.3}, "add")
}

func TestAddRelu(t *testing.T) {
	program := &Program{
		InputShape: packing.Shape{1, 3},
		BatchSize:  1,
		Ops: []Op{
			{Kind: OpAdd, Constant: []float64{-1, -0.2, 3}},
			{Kind: OpRelu},
		},
	}
	results := runTCP(t, program, false, []float64{0.1, 0.2, 0.3})
	compareFloatSlices(t, results, []float64{0, 0, 3.3}, "add relu")
}

func TestPadRelu(t *testing.T) {
	program := &Program{
		InputShape: packing.Shape{1, 3},
		BatchSize:  1,
		Ops: []Op{
			{Kind: OpPad, PadBefore: 1, PadAfter: 2},
			{Kind: OpRelu},
		},
	}
	results := runPipe(t, program, false, []float64{-1, 2, -3})
	compareFloatSlices(t, results, []float64{0, 0, 2, 0, 0, 0}, "pad relu")
}

func TestPackedRelu(t *testing.T) {
	for _, complexPacking := range []bool{false, true} {
		for _, batch := range []int{1, 2, 3} {
			program := &Program{
				InputShape: packing.Shape{batch, 4},
				BatchSize:  batch,
				Ops:        []Op{{Kind: OpRelu}},
			}
			inputs := make([]float64, 4*batch)
			want := make([]float64, len(inputs))
			for i := range inputs {
				inputs[i] = float64(i%5) - 2.5
				want[i] = client.Relu.Apply(inputs[i])
			}
			results := runPipe(t, program, complexPacking, inputs)
			compareFloatSlices(t, results, want, "packed relu")
		}
	}
}

func TestMultiplyRelu6(t *testing.T) {
	for _, complexPacking := range []bool{false, true} {
		program := &Program{
			InputShape: packing.Shape{2, 3},
			BatchSize:  2,
			Ops: []Op{
				// Row-major [batch] x positions, uniform across the batch.
				{Kind: OpMultiply, Constant: []float64{2, -1, 4, 2, -1, 4}},
				{Kind: OpBoundedRelu, Alpha: 6},
			},
		}
		// Position-major: lanes of position 0, then position 1, ...
		inputs := []float64{1, -1, 2, 3, 2, 0.5}
		want := []float64{2, 0, 0, 0, 6, 2}
		results := runPipe(t, program, complexPacking, inputs)
		compareFloatSlices(t, results, want, "multiply relu6")
	}
}

func TestDenseRelu6Max(t *testing.T) {
	layer := &DenseLayer{
		Weights: [][]float64{{1, 2, -1}, {0.5, -1, 3}},
		Biases:  []float64{0.5, -1},
	}
	batches := [][]float64{{1, 2, 3}, {-1, 0.5, 2}}

	want := make([]float64, len(batches))
	for b, x := range batches {
		want[b] = math.Inf(-1)
		for _, v := range layer.Apply(x) {
			want[b] = math.Max(want[b], client.Relu6.Apply(v))
		}
	}
	compareFloatSlices(t, want, []float64{6, 4}, "plaintext reference")

	// Position-major input layout.
	inputs := []float64{1, -1, 2, 0.5, 3, 2}
	for _, complexPacking := range []bool{false, true} {
		program := &Program{
			InputShape: packing.Shape{2, 3},
			BatchSize:  2,
			Ops: []Op{
				{Kind: OpDense, Dense: layer},
				{Kind: OpRelu6},
				{Kind: OpMax},
			},
		}
		results := runTCP(t, program, complexPacking, inputs)
		compareFloatSlices(t, results, want, "dense relu6 max")
	}
}

func TestNewRejectsProgram(t *testing.T) {
	_, err := New(Config{
		Program: &Program{
			InputShape: packing.Shape{2, 2},
			BatchSize:  2,
			Ops:        []Op{{Kind: OpMultiply, Constant: []float64{1, 2, 3, 4}}},
		},
		ParameterSet:   he.TestSet,
		ComplexPacking: true,
		Logger:         discard,
	})
	require.ErrorIs(t, err, packing.ErrUnsupported)

	_, err = New(Config{Logger: discard})
	require.Error(t, err)

	_, err = New(Config{
		Program:      &Program{InputShape: packing.Shape{1}, BatchSize: 1},
		ParameterSet: "Set42",
		Logger:       discard,
	})
	require.Error(t, err)
}

func TestSessionRejectsWrongExecuteCount(t *testing.T) {
	program := &Program{InputShape: packing.Shape{1, 3}, BatchSize: 1}
	srv := newTestServer(t, program, false)

	// The client always answers with the announced count, so play the
	// client by hand.
	serverConn, peer := wire.Pipe()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ServeConn(context.Background(), serverConn)
	}()

	msg, err := peer.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.EncryptionParameters, msg.Type)

	cli := he.NewClientContext(srv.Params())
	pk, err := wire.NewObjectMessage(wire.PublicKey, cli.PublicKey())
	require.NoError(t, err)
	evk, err := wire.NewObjectMessage(wire.EvalKey, cli.RelinearizationKey())
	require.NoError(t, err)
	require.NoError(t, peer.WriteMessage(pk))
	require.NoError(t, peer.WriteMessage(evk))

	msg, err = peer.ReadMessage()
	require.NoError(t, err)
	size, err := msg.Scalar()
	require.NoError(t, err)
	require.Equal(t, uint64(3), size)

	w := cli.AcquireWorker()
	ct, err := w.EncryptValues([]float64{1})
	require.NoError(t, err)
	cli.ReleaseWorker(w)
	execute, err := wire.NewCiphertextMessage(wire.Execute, []*rlwe.Ciphertext{ct})
	require.NoError(t, err)
	require.NoError(t, peer.WriteMessage(execute))

	require.ErrorIs(t, <-serveErr, packing.ErrSizeMismatch)
	require.NoError(t, peer.Close())
}
