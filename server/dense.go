package server

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/halilibrahimkanpak/he_inference/packing"
)

// DenseLayer computes out[j] = sum_i Weights[j][i]*in[i] + Biases[j].
type DenseLayer struct {
	Weights [][]float64
	Biases  []float64
}

// NewDenseLayer allocates a zero layer.
func NewDenseLayer(in, out int) *DenseLayer {
	l := &DenseLayer{
		Weights: make([][]float64, out),
		Biases:  make([]float64, out),
	}
	for j := range l.Weights {
		l.Weights[j] = make([]float64, in)
	}
	return l
}

// In returns the input dimension.
func (l *DenseLayer) In() int {
	if len(l.Weights) == 0 {
		return 0
	}
	return len(l.Weights[0])
}

// Out returns the output dimension.
func (l *DenseLayer) Out() int {
	return len(l.Weights)
}

// Validate checks that the weights are rectangular and match the biases.
func (l *DenseLayer) Validate() error {
	if l.Out() == 0 || l.In() == 0 {
		return fmt.Errorf("%w: empty dense layer", packing.ErrSizeMismatch)
	}
	for j, row := range l.Weights {
		if len(row) != l.In() {
			return fmt.Errorf("%w: weight row %d has %d values, expected %d",
				packing.ErrSizeMismatch, j, len(row), l.In())
		}
	}
	if len(l.Biases) != l.Out() {
		return fmt.Errorf("%w: %d biases for %d outputs", packing.ErrSizeMismatch, len(l.Biases), l.Out())
	}
	return nil
}

// Apply evaluates the layer on plaintext input.
func (l *DenseLayer) Apply(in []float64) []float64 {
	out := make([]float64, l.Out())
	for j, row := range l.Weights {
		out[j] = l.Biases[j]
		for i, w := range row {
			out[j] += w * in[i]
		}
	}
	return out
}

// WriteTo writes the layer in text form: the dimensions, one row of
// weights per output and a row of biases.
func (l *DenseLayer) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int
	printf := func(format string, a ...interface{}) {
		c, _ := fmt.Fprintf(bw, format, a...)
		n += c
	}
	printf("%d %d\n", l.In(), l.Out())
	for _, row := range l.Weights {
		for _, v := range row {
			printf("%g ", v)
		}
		printf("\n")
	}
	for _, v := range l.Biases {
		printf("%g ", v)
	}
	printf("\n")
	return int64(n), bw.Flush()
}

// ReadDenseLayer reads a layer written by WriteTo.
func ReadDenseLayer(r io.Reader) (*DenseLayer, error) {
	br := bufio.NewReader(r)
	var in, out int
	if _, err := fmt.Fscan(br, &in, &out); err != nil {
		return nil, fmt.Errorf("failed to read dense layer dimensions: %w", err)
	}
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("%w: dense layer dimensions %dx%d", packing.ErrSizeMismatch, in, out)
	}
	l := NewDenseLayer(in, out)
	for j := range l.Weights {
		for i := range l.Weights[j] {
			if _, err := fmt.Fscan(br, &l.Weights[j][i]); err != nil {
				return nil, fmt.Errorf("failed to read weight [%d][%d]: %w", j, i, err)
			}
		}
	}
	for j := range l.Biases {
		if _, err := fmt.Fscan(br, &l.Biases[j]); err != nil {
			return nil, fmt.Errorf("failed to read bias %d: %w", j, err)
		}
	}
	return l, nil
}

// SaveDenseLayer writes l to path.
func SaveDenseLayer(l *DenseLayer, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dense layer file: %w", err)
	}
	defer f.Close()
	if _, err := l.WriteTo(f); err != nil {
		return err
	}
	return f.Close()
}

// LoadDenseLayer reads a layer from path.
func LoadDenseLayer(path string) (*DenseLayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dense layer file: %w", err)
	}
	defer f.Close()
	return ReadDenseLayer(f)
}
