package server

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halilibrahimkanpak/he_inference/packing"
)

func TestParseOpKind(t *testing.T) {
	for k := OpAdd; k <= OpMax; k++ {
		parsed, err := ParseOpKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
	_, err := ParseOpKind("softmax")
	require.ErrorIs(t, err, packing.ErrUnsupported)
}

func TestProgramValidate(t *testing.T) {
	dense := NewDenseLayer(3, 2)

	for _, tc := range []struct {
		name           string
		program        Program
		complexPacking bool
		positions      int
		err            error
	}{
		{
			name:      "add",
			program:   Program{InputShape: packing.Shape{1, 3}, BatchSize: 1, Ops: []Op{{Kind: OpAdd, Constant: []float64{1, 2, 3}}}},
			positions: 3,
		},
		{
			name:    "add length",
			program: Program{InputShape: packing.Shape{1, 3}, BatchSize: 1, Ops: []Op{{Kind: OpAdd, Constant: []float64{1, 2}}}},
			err:     packing.ErrSizeMismatch,
		},
		{
			name:      "dense relu6 max",
			program:   Program{InputShape: packing.Shape{2, 3}, BatchSize: 2, Ops: []Op{{Kind: OpDense, Dense: dense}, {Kind: OpRelu6}, {Kind: OpMax}}},
			positions: 1,
		},
		{
			name:    "dense shape",
			program: Program{InputShape: packing.Shape{2, 4}, BatchSize: 2, Ops: []Op{{Kind: OpDense, Dense: dense}}},
			err:     packing.ErrSizeMismatch,
		},
		{
			name:      "pad",
			program:   Program{InputShape: packing.Shape{1, 3}, BatchSize: 1, Ops: []Op{{Kind: OpPad, PadBefore: 1, PadAfter: 2}, {Kind: OpRelu}}},
			positions: 6,
		},
		{
			name:    "bounded relu alpha",
			program: Program{InputShape: packing.Shape{1, 3}, BatchSize: 1, Ops: []Op{{Kind: OpBoundedRelu, Alpha: 4}}},
			err:     packing.ErrUnsupported,
		},
		{
			name:      "bounded relu six",
			program:   Program{InputShape: packing.Shape{1, 3}, BatchSize: 1, Ops: []Op{{Kind: OpBoundedRelu, Alpha: 6}}},
			positions: 3,
		},
		{
			name:           "multiply varying across batch",
			program:        Program{InputShape: packing.Shape{2, 2}, BatchSize: 2, Ops: []Op{{Kind: OpMultiply, Constant: []float64{1, 2, 3, 4}}}},
			complexPacking: true,
			err:            packing.ErrUnsupported,
		},
		{
			name:           "multiply uniform across batch",
			program:        Program{InputShape: packing.Shape{2, 2}, BatchSize: 2, Ops: []Op{{Kind: OpMultiply, Constant: []float64{1, 2, 1, 2}}}},
			complexPacking: true,
			positions:      2,
		},
		{
			name:      "multiply varying real packing",
			program:   Program{InputShape: packing.Shape{2, 2}, BatchSize: 2, Ops: []Op{{Kind: OpMultiply, Constant: []float64{1, 2, 3, 4}}}},
			positions: 2,
		},
		{
			name:    "input shape",
			program: Program{InputShape: packing.Shape{3}, BatchSize: 2},
			err:     packing.ErrSizeMismatch,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			positions, err := tc.program.Validate(tc.complexPacking)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.positions, positions)
		})
	}
}

func TestDenseLayerSaveLoad(t *testing.T) {
	layer := &DenseLayer{
		Weights: [][]float64{{1, 2, -1}, {0.5, -1, 3.25}},
		Biases:  []float64{0.5, -1},
	}
	require.NoError(t, layer.Validate())
	require.Equal(t, []float64{2.5, 6.5}, layer.Apply([]float64{1, 2, 3}))

	path := filepath.Join(t.TempDir(), "dense.txt")
	require.NoError(t, SaveDenseLayer(layer, path))
	loaded, err := LoadDenseLayer(path)
	require.NoError(t, err)
	require.Equal(t, layer, loaded)

	var buf bytes.Buffer
	n, err := layer.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	_, err = ReadDenseLayer(bytes.NewBufferString("2 2\n1 2\n3"))
	require.Error(t, err)

	require.ErrorIs(t, (&DenseLayer{Weights: [][]float64{{1, 2}, {3}}, Biases: []float64{0, 0}}).Validate(), packing.ErrSizeMismatch)
}
